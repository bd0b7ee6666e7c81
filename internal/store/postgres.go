package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/narrata/backend/internal/core"
)

// PostgresStore is the default billing backend. It holds its own small
// connection pool, sized by config, so billing transactions contend only
// with each other.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(url string, poolSize int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if poolSize <= 0 {
		poolSize = 4
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// EnsureSchema creates the billing tables if they do not exist yet. Safe to
// run on every startup.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS variant_metadata (
			fingerprint TEXT PRIMARY KEY,
			duration_ms INTEGER NOT NULL,
			cache_ref   TEXT NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS usage_log (
			id        BIGSERIAL PRIMARY KEY,
			user_id   TEXT NOT NULL,
			type      TEXT NOT NULL,
			amount    BIGINT NOT NULL,
			ref_id    TEXT,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			details   JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS usage_log_user_idx ON usage_log (user_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS user_voice_stats (
			user_id  TEXT NOT NULL,
			voice    TEXT NOT NULL,
			model    TEXT NOT NULL,
			month    TEXT NOT NULL,
			chars    BIGINT NOT NULL DEFAULT 0,
			duration BIGINT NOT NULL DEFAULT 0,
			count    BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, voice, model, month)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return nil
}

// ApplyBillingEvent lands all three billing writes in one transaction.
func (s *PostgresStore) ApplyBillingEvent(ctx context.Context, event core.BillingEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin billing tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO variant_metadata (fingerprint, duration_ms, cache_ref, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (fingerprint) DO UPDATE
		 SET duration_ms = EXCLUDED.duration_ms, cache_ref = EXCLUDED.cache_ref, updated_at = NOW()`,
		event.Fingerprint, event.DurationMs, event.CacheRef)
	if err != nil {
		return fmt.Errorf("store: upsert variant metadata: %w", err)
	}

	details, err := json.Marshal(map[string]interface{}{
		"model":       event.ModelSlug,
		"voice":       event.VoiceSlug,
		"document_id": event.DocumentID,
		"block_idx":   event.BlockIdx,
		"duration_ms": event.DurationMs,
		"multiplier":  event.UsageMultiplier,
	})
	if err != nil {
		return fmt.Errorf("store: marshal usage details: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO usage_log (user_id, type, amount, ref_id, timestamp, details)
		 VALUES ($1, $2, $3, $4, NOW(), $5)`,
		event.UserID, "synthesis", usageAmount(event), event.Fingerprint, details)
	if err != nil {
		return fmt.Errorf("store: insert usage log: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO user_voice_stats (user_id, voice, model, month, chars, duration, count)
		 VALUES ($1, $2, $3, $4, $5, $6, 1)
		 ON CONFLICT (user_id, voice, model, month) DO UPDATE
		 SET chars    = user_voice_stats.chars + EXCLUDED.chars,
		     duration = user_voice_stats.duration + EXCLUDED.duration,
		     count    = user_voice_stats.count + 1`,
		event.UserID, event.VoiceSlug, event.ModelSlug, statsMonth(time.Now()),
		int64(event.TextLen), int64(event.DurationMs))
	if err != nil {
		return fmt.Errorf("store: upsert voice stats: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit billing tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetVariantMetadata(ctx context.Context, fingerprint string) (*VariantMetadata, error) {
	var meta VariantMetadata
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, duration_ms, cache_ref, updated_at FROM variant_metadata WHERE fingerprint = $1`,
		fingerprint).Scan(&meta.Fingerprint, &meta.DurationMs, &meta.CacheRef, &meta.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: query variant metadata: %w", err)
	}
	return &meta, nil
}

// UserVoiceStats is one month's engagement row for a user-voice pair.
type UserVoiceStats struct {
	UserID     string
	Voice      string
	Model      string
	Month      string
	Chars      int64
	DurationMs int64
	Count      int64
}

// GetUserVoiceStats lists a user's engagement rows for one month, most used
// voice first.
func (s *PostgresStore) GetUserVoiceStats(ctx context.Context, userID, month string) ([]UserVoiceStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, voice, model, month, chars, duration, count
		 FROM user_voice_stats WHERE user_id = $1 AND month = $2 ORDER BY chars DESC`,
		userID, month)
	if err != nil {
		return nil, fmt.Errorf("store: query voice stats: %w", err)
	}
	defer rows.Close()

	var stats []UserVoiceStats
	for rows.Next() {
		var row UserVoiceStats
		if err := rows.Scan(&row.UserID, &row.Voice, &row.Model, &row.Month, &row.Chars, &row.DurationMs, &row.Count); err != nil {
			return nil, fmt.Errorf("store: scan voice stats: %w", err)
		}
		stats = append(stats, row)
	}
	return stats, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
