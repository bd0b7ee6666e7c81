package store

import (
	"context"
	"fmt"
	"os"
	"time"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/narrata/backend/internal/circuitbreaker"
)

// SupabaseReader serves display reads for deployments whose user-facing data
// lives behind Supabase. It never writes; the billing consumer remains the
// only writer. Reads go through a breaker because the REST layer is outside
// our latency control and the façade degrades fine without metadata.
type SupabaseReader struct {
	client  *supabase.Client
	breaker *circuitbreaker.CircuitBreaker
}

// NewSupabaseReader builds a reader from SUPABASE_URL and
// SUPABASE_SERVICE_KEY.
func NewSupabaseReader() (*SupabaseReader, error) {
	url := os.Getenv("SUPABASE_URL")
	key := os.Getenv("SUPABASE_SERVICE_KEY")
	if url == "" || key == "" {
		return nil, fmt.Errorf("store: SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}

	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("store: create supabase client: %w", err)
	}

	return &SupabaseReader{
		client:  client,
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig("supabase")),
	}, nil
}

// variantRow mirrors the variant_metadata table; timestamps arrive as
// strings in Supabase's REST responses.
type variantRow struct {
	Fingerprint string `json:"fingerprint"`
	DurationMs  int    `json:"duration_ms"`
	CacheRef    string `json:"cache_ref"`
	UpdatedAt   string `json:"updated_at"`
}

func (r *SupabaseReader) GetVariantMetadata(ctx context.Context, fingerprint string) (*VariantMetadata, error) {
	var rows []variantRow
	err := r.breaker.ExecuteContext(ctx, func(context.Context) error {
		_, err := r.client.From("variant_metadata").
			Select("*", "", false).
			Eq("fingerprint", fingerprint).
			ExecuteTo(&rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: supabase variant read: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}

	meta := &VariantMetadata{
		Fingerprint: rows[0].Fingerprint,
		DurationMs:  rows[0].DurationMs,
		CacheRef:    rows[0].CacheRef,
	}
	if t, err := time.Parse(time.RFC3339, rows[0].UpdatedAt); err == nil {
		meta.UpdatedAt = t
	}
	return meta, nil
}

// GetUserVoiceStats lists a user's engagement rows for one month.
func (r *SupabaseReader) GetUserVoiceStats(ctx context.Context, userID, month string) ([]UserVoiceStats, error) {
	var rows []struct {
		UserID   string `json:"user_id"`
		Voice    string `json:"voice"`
		Model    string `json:"model"`
		Month    string `json:"month"`
		Chars    int64  `json:"chars"`
		Duration int64  `json:"duration"`
		Count    int64  `json:"count"`
	}
	err := r.breaker.ExecuteContext(ctx, func(context.Context) error {
		_, err := r.client.From("user_voice_stats").
			Select("*", "", false).
			Eq("user_id", userID).
			Eq("month", month).
			ExecuteTo(&rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: supabase stats read: %w", err)
	}

	stats := make([]UserVoiceStats, 0, len(rows))
	for _, row := range rows {
		stats = append(stats, UserVoiceStats{
			UserID:     row.UserID,
			Voice:      row.Voice,
			Model:      row.Model,
			Month:      row.Month,
			Chars:      row.Chars,
			DurationMs: row.Duration,
			Count:      row.Count,
		})
	}
	return stats, nil
}
