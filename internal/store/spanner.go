package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/spanner"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"

	"github.com/narrata/backend/internal/core"
)

// SpannerStore is the billing backend for deployments already living on
// Cloud Spanner. Same contract as Postgres: one read-write transaction per
// billing event.
type SpannerStore struct {
	client *spanner.Client
	logger *log.Logger
}

func NewSpannerStore(project, instance, database string) (*SpannerStore, error) {
	ctx := context.Background()
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, database)

	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: create spanner client: %w", err)
	}

	return &SpannerStore{
		client: client,
		logger: log.New(log.Writer(), "[SpannerStore] ", log.LstdFlags),
	}, nil
}

func (s *SpannerStore) ApplyBillingEvent(ctx context.Context, event core.BillingEvent) error {
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
	month := statsMonth(time.Now())

	_, err = s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		mutations := []*spanner.Mutation{
			spanner.InsertOrUpdate("VariantMetadata",
				[]string{"Fingerprint", "DurationMs", "CacheRef", "UpdatedAt"},
				[]interface{}{event.Fingerprint, int64(event.DurationMs), event.CacheRef, spanner.CommitTimestamp},
			),
			spanner.Insert("UsageLog",
				[]string{"UsageID", "UserID", "Type", "Amount", "RefID", "Timestamp", "Details"},
				[]interface{}{uuid.NewString(), event.UserID, "synthesis", usageAmount(event), event.Fingerprint, spanner.CommitTimestamp, string(details)},
			),
		}

		// Stats are read-modify-write: Spanner has no conflict-target upsert
		// arithmetic, so the transaction carries the sums itself.
		row, err := txn.ReadRow(ctx, "UserVoiceStats",
			spanner.Key{event.UserID, event.VoiceSlug, event.ModelSlug, month},
			[]string{"Chars", "Duration", "Count"})
		switch {
		case spanner.ErrCode(err) == codes.NotFound:
			mutations = append(mutations, spanner.Insert("UserVoiceStats",
				[]string{"UserID", "Voice", "Model", "Month", "Chars", "Duration", "Count"},
				[]interface{}{event.UserID, event.VoiceSlug, event.ModelSlug, month, int64(event.TextLen), int64(event.DurationMs), int64(1)},
			))
		case err != nil:
			return err
		default:
			var chars, duration, count int64
			if err := row.Columns(&chars, &duration, &count); err != nil {
				return err
			}
			mutations = append(mutations, spanner.Update("UserVoiceStats",
				[]string{"UserID", "Voice", "Model", "Month", "Chars", "Duration", "Count"},
				[]interface{}{event.UserID, event.VoiceSlug, event.ModelSlug, month,
					chars + int64(event.TextLen), duration + int64(event.DurationMs), count + 1},
			))
		}

		return txn.BufferWrite(mutations)
	})
	if err != nil {
		return fmt.Errorf("store: apply billing event: %w", err)
	}
	return nil
}

func (s *SpannerStore) GetVariantMetadata(ctx context.Context, fingerprint string) (*VariantMetadata, error) {
	row, err := s.client.Single().ReadRow(ctx, "VariantMetadata", spanner.Key{fingerprint},
		[]string{"Fingerprint", "DurationMs", "CacheRef", "UpdatedAt"})
	if spanner.ErrCode(err) == codes.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: read variant metadata: %w", err)
	}

	var meta VariantMetadata
	var durationMs int64
	if err := row.Columns(&meta.Fingerprint, &durationMs, &meta.CacheRef, &meta.UpdatedAt); err != nil {
		return nil, fmt.Errorf("store: scan variant metadata: %w", err)
	}
	meta.DurationMs = int(durationMs)
	return &meta, nil
}

func (s *SpannerStore) Close() error {
	s.client.Close()
	return nil
}
