// Package consumer finalizes synthesis work. The result consumer is the hot
// path: it drains worker result records, releases the singleflight lock as
// the exactly-once gate, stores audio, and fans status out to every waiting
// session. The billing consumer is the cold path: it drains billing events
// onto the persistent store on its own connection pool, where retries and
// slow transactions can never touch user-facing latency.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/narrata/backend/internal/broker"
	"github.com/narrata/backend/internal/core"
	"github.com/narrata/backend/internal/events"
	"github.com/narrata/backend/internal/metrics"
	"github.com/narrata/backend/internal/notify"
)

// User-facing failure texts. Raw worker and elastic errors never reach a
// session's status frame.
const (
	errMsgSynthesisFailed = "synthesis failed"
	errMsgStoreFailed     = "failed to store audio"
)

// AudioStore is the slice of the audio cache the hot path needs. Store must
// be durable before returning; the consumer tells users "cached" on the
// strength of that.
type AudioStore interface {
	Store(fingerprint string, data []byte, format string) (string, error)
}

// ResultConfig tunes the result consumer loop.
type ResultConfig struct {
	// PopTimeout bounds each blocking pop so the loop notices shutdown.
	PopTimeout time.Duration
	// Multipliers maps model slug to its usage multiplier for billing.
	// Missing models bill at 1.0.
	Multipliers map[string]float64
	Metrics     *metrics.Metrics
	// Events receives ops events for each finalization. Optional.
	Events events.EventEmitter
}

// ResultConsumer drains the shared result list. Multiple replicas may run
// one each: the singleflight release observes whether the lock existed, and
// only the observer that saw it finalizes.
type ResultConsumer struct {
	cfg    ResultConfig
	broker broker.Broker
	cache  AudioStore
	pub    *notify.Publisher
	logger *log.Logger
}

func NewResultConsumer(cfg ResultConfig, b broker.Broker, cache AudioStore, pub *notify.Publisher) *ResultConsumer {
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 5 * time.Second
	}
	return &ResultConsumer{
		cfg:    cfg,
		broker: b,
		cache:  cache,
		pub:    pub,
		logger: log.New(log.Writer(), "[RESULT] ", log.LstdFlags),
	}
}

// Run drains records until ctx is cancelled. Individual failures are logged
// and never stop the loop.
func (c *ResultConsumer) Run(ctx context.Context) {
	c.logger.Printf("result consumer started")
	for {
		payload, err := c.broker.ResultPop(ctx, c.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Printf("result consumer stopped")
				return
			}
			if errors.Is(err, broker.ErrTimeout) {
				continue
			}
			c.logger.Printf("⚠️  result pop failed: %v", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		c.finalize(ctx, payload)
	}
}

func (c *ResultConsumer) finalize(ctx context.Context, payload []byte) {
	var record core.ResultRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		c.logger.Printf("❌ dropping unparseable result record: %v", err)
		return
	}

	// The lock's existence is the whole consistency story: exactly one
	// consumer across all replicas observes the delete of an existing key,
	// and only that one finalizes. Everyone else sees a duplicate.
	released, err := c.broker.ReleaseSingleflight(ctx, record.Fingerprint)
	if err != nil {
		c.logger.Printf("⚠️  singleflight release failed for %s, requeueing record: %v", record.Fingerprint, err)
		if pushErr := c.broker.ResultPush(ctx, payload); pushErr != nil {
			c.logger.Printf("❌ result record lost for %s: %v", record.JobUUID, pushErr)
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return
	}
	if !released {
		c.cfg.Metrics.RecordFinalization(record.ModelSlug, "duplicate")
		c.logger.Printf("duplicate result for %s discarded", record.Fingerprint)
		return
	}

	switch {
	case record.Failed():
		// Sessions get a short classification; the raw adapter error can
		// name internal endpoints and stays in the logs.
		c.logger.Printf("❌ synthesis failed for %s (worker=%s): %s", record.Fingerprint, record.WorkerID, record.Error)
		c.settle(ctx, &record, core.StatusError, errMsgSynthesisFailed)
		c.cfg.Metrics.RecordFinalization(record.ModelSlug, "error")
		return
	case record.Skipped():
		c.settle(ctx, &record, core.StatusSkipped, "")
		c.cfg.Metrics.RecordFinalization(record.ModelSlug, "skipped")
		return
	}

	audio, err := record.Audio()
	if err == nil {
		_, err = c.cache.Store(record.Fingerprint, audio, record.Format)
	}
	if err != nil {
		// The user must never hear "cached" for bytes we failed to keep.
		c.logger.Printf("❌ cache store failed for %s: %v", record.Fingerprint, err)
		c.settle(ctx, &record, core.StatusError, errMsgStoreFailed)
		c.cfg.Metrics.RecordFinalization(record.ModelSlug, "error")
		return
	}

	c.settle(ctx, &record, core.StatusCached, "")
	c.cfg.Metrics.RecordFinalization(record.ModelSlug, "cached")
	c.pushBilling(ctx, &record)
}

// settle drains the fingerprint's subscriber set and delivers the terminal
// status to each session, clearing its pending entry as it goes.
func (c *ResultConsumer) settle(ctx context.Context, record *core.ResultRecord, status core.Status, errMsg string) {
	entries, err := c.broker.SubscriberDrain(ctx, record.Fingerprint)
	if err != nil {
		c.logger.Printf("⚠️  subscriber drain failed for %s: %v", record.Fingerprint, err)
		return
	}

	msg := core.StatusMessage{
		Status:    status,
		Error:     errMsg,
		ModelSlug: record.ModelSlug,
		VoiceSlug: record.VoiceSlug,
	}
	if status == core.StatusCached {
		msg.AudioURL = core.AudioURL(record.Fingerprint)
	}

	if c.cfg.Events != nil {
		c.cfg.Events.Emit(events.TypeSynthesisFinalized, "/consumer/result", record.Fingerprint, map[string]interface{}{
			"status":      string(status),
			"model_slug":  record.ModelSlug,
			"user_id":     record.UserID,
			"worker_id":   record.WorkerID,
			"subscribers": len(entries),
		})
	}

	for _, raw := range entries {
		var sub core.Subscriber
		if err := json.Unmarshal(raw, &sub); err != nil {
			c.logger.Printf("⚠️  bad subscriber entry for %s: %v", record.Fingerprint, err)
			continue
		}
		msg.DocumentID = sub.DocumentID
		msg.BlockIdx = sub.BlockIdx
		if err := c.pub.PublishStatus(ctx, sub.UserID, sub.DocumentID, msg); err != nil {
			c.logger.Printf("⚠️  status publish failed for %s/%s: %v", sub.UserID, sub.DocumentID, err)
		}
		if err := c.broker.PendingRemove(ctx, sub.UserID, sub.DocumentID, sub.BlockIdx); err != nil {
			c.logger.Printf("⚠️  pending remove failed for %s/%s/%d: %v", sub.UserID, sub.DocumentID, sub.BlockIdx, err)
			continue
		}
		c.noteDocumentProgress(ctx, &sub)
	}
}

// noteDocumentProgress emits a document.completed event when a session's last
// pending block settles. Best-effort: the pending set is the source of truth
// for the session itself.
func (c *ResultConsumer) noteDocumentProgress(ctx context.Context, sub *core.Subscriber) {
	if c.cfg.Events == nil {
		return
	}
	remaining, err := c.broker.PendingList(ctx, sub.UserID, sub.DocumentID)
	if err != nil || len(remaining) > 0 {
		return
	}
	c.cfg.Events.Emit(events.TypeDocumentCompleted, "/consumer/result", sub.DocumentID, map[string]interface{}{
		"user_id":     sub.UserID,
		"document_id": sub.DocumentID,
	})
}

// pushBilling is fire-and-forget from the hot path's point of view: a lost
// event costs revenue accounting, never user-facing correctness.
func (c *ResultConsumer) pushBilling(ctx context.Context, record *core.ResultRecord) {
	multiplier := c.cfg.Multipliers[record.ModelSlug]
	if multiplier == 0 {
		multiplier = 1.0
	}
	event := core.BillingEvent{
		Fingerprint:     record.Fingerprint,
		UserID:          record.UserID,
		ModelSlug:       record.ModelSlug,
		VoiceSlug:       record.VoiceSlug,
		TextLen:         record.TextLen,
		UsageMultiplier: multiplier,
		DurationMs:      record.DurationMs,
		DocumentID:      record.DocumentID,
		BlockIdx:        record.BlockIdx,
		CacheRef:        record.Fingerprint,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		c.logger.Printf("❌ billing event marshal failed for %s: %v", record.Fingerprint, err)
		return
	}
	if err := c.broker.BillingPush(ctx, payload); err != nil {
		c.logger.Printf("❌ billing event push failed for %s: %v", record.Fingerprint, err)
	}
}
