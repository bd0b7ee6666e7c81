package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrata/backend/internal/core"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &PostgresStore{db: db}, mock
}

func billingEvent() core.BillingEvent {
	return core.BillingEvent{
		Fingerprint:     "aabb00112233",
		UserID:          "alice",
		ModelSlug:       "kokoro",
		VoiceSlug:       "af_heart",
		TextLen:         42,
		UsageMultiplier: 1.5,
		DurationMs:      900,
		DocumentID:      "doc1",
		BlockIdx:        3,
		CacheRef:        "aabb00112233",
	}
}

func TestApplyBillingEventWritesAllThreeTables(t *testing.T) {
	s, mock := newMockStore(t)
	event := billingEvent()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO variant_metadata").
		WithArgs(event.Fingerprint, event.DurationMs, event.CacheRef).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// 42 chars at 1.5x bills as 63.
	mock.ExpectExec("INSERT INTO usage_log").
		WithArgs(event.UserID, "synthesis", int64(63), event.Fingerprint, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO user_voice_stats").
		WithArgs(event.UserID, event.VoiceSlug, event.ModelSlug, statsMonth(time.Now()), int64(42), int64(900)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.ApplyBillingEvent(context.Background(), event))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyBillingEventRollsBackOnFailure(t *testing.T) {
	s, mock := newMockStore(t)
	event := billingEvent()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO variant_metadata").
		WithArgs(event.Fingerprint, event.DurationMs, event.CacheRef).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO usage_log").
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	err := s.ApplyBillingEvent(context.Background(), event)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usage log")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetVariantMetadata(t *testing.T) {
	s, mock := newMockStore(t)
	updated := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT fingerprint, duration_ms, cache_ref, updated_at FROM variant_metadata").
		WithArgs("aabb00112233").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "duration_ms", "cache_ref", "updated_at"}).
			AddRow("aabb00112233", 900, "aabb00112233", updated))

	meta, err := s.GetVariantMetadata(context.Background(), "aabb00112233")
	require.NoError(t, err)
	assert.Equal(t, "aabb00112233", meta.Fingerprint)
	assert.Equal(t, 900, meta.DurationMs)
	assert.Equal(t, "aabb00112233", meta.CacheRef)
	assert.Equal(t, updated, meta.UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetVariantMetadataMissing(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT fingerprint, duration_ms, cache_ref, updated_at FROM variant_metadata").
		WithArgs("unknown").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "duration_ms", "cache_ref", "updated_at"}))

	_, err := s.GetVariantMetadata(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetUserVoiceStats(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT user_id, voice, model, month, chars, duration, count").
		WithArgs("alice", "2026-08").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "voice", "model", "month", "chars", "duration", "count"}).
			AddRow("alice", "af_heart", "kokoro", "2026-08", int64(6300), int64(81000), int64(150)).
			AddRow("alice", "am_adam", "kokoro", "2026-08", int64(120), int64(2000), int64(3)))

	stats, err := s.GetUserVoiceStats(context.Background(), "alice", "2026-08")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "af_heart", stats[0].Voice)
	assert.Equal(t, int64(6300), stats[0].Chars)
	assert.Equal(t, int64(150), stats[0].Count)
	assert.Equal(t, "am_adam", stats[1].Voice)
}

func TestUsageAmountRounds(t *testing.T) {
	event := billingEvent()
	event.TextLen = 3
	event.UsageMultiplier = 1.5
	assert.Equal(t, int64(5), usageAmount(event), "4.5 rounds up")

	event.UsageMultiplier = 1.0
	assert.Equal(t, int64(3), usageAmount(event))
}

func TestEnsureSchemaRunsAllStatements(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS variant_metadata").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS usage_log").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS usage_log_user_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS user_voice_stats").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
