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
)

// BillingStore applies one billing event in a single transaction: variant
// metadata, usage accounting, and per-user voice stats together or not at
// all. Implementations run on their own connection pool.
type BillingStore interface {
	ApplyBillingEvent(ctx context.Context, event core.BillingEvent) error
}

// BillingConfig tunes the billing consumer loop.
type BillingConfig struct {
	PopTimeout time.Duration
	// MaxAttempts bounds retries per event before it parks on the
	// dead-letter list.
	MaxAttempts int
	// RetryBackoff scales quadratically per attempt.
	RetryBackoff time.Duration
	Metrics      *metrics.Metrics
	// Events receives a deadletter event for each parked entry. Optional.
	Events events.EventEmitter
}

// BillingConsumer drains billing events serially. Serial is deliberate:
// usage rows for one user apply in emission order, and the cold path has no
// latency contract to chase.
type BillingConsumer struct {
	cfg    BillingConfig
	broker broker.Broker
	store  BillingStore
	logger *log.Logger
}

func NewBillingConsumer(cfg BillingConfig, b broker.Broker, store BillingStore) *BillingConsumer {
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	return &BillingConsumer{
		cfg:    cfg,
		broker: b,
		store:  store,
		logger: log.New(log.Writer(), "[BILLING] ", log.LstdFlags),
	}
}

// Run drains events until ctx is cancelled.
func (c *BillingConsumer) Run(ctx context.Context) {
	c.logger.Printf("billing consumer started")
	for {
		payload, err := c.broker.BillingPop(ctx, c.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Printf("billing consumer stopped")
				return
			}
			if errors.Is(err, broker.ErrTimeout) {
				continue
			}
			c.logger.Printf("⚠️  billing pop failed: %v", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		c.apply(ctx, payload)
	}
}

func (c *BillingConsumer) apply(ctx context.Context, payload []byte) {
	var event core.BillingEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		c.logger.Printf("❌ unparseable billing event, parking: %v", err)
		c.park(ctx, event, err, 0)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if lastErr = c.store.ApplyBillingEvent(ctx, event); lastErr == nil {
			if attempt > 1 {
				c.logger.Printf("✅ billing event for %s applied after %d attempts", event.Fingerprint, attempt)
			}
			return
		}
		if ctx.Err() != nil {
			// Shutdown mid-retry: hand the event back to the list so the
			// next process picks it up instead of dead-lettering it.
			if err := c.broker.BillingPush(context.WithoutCancel(ctx), payload); err != nil {
				c.logger.Printf("❌ billing event for %s lost on shutdown: %v", event.Fingerprint, err)
			}
			return
		}
		c.cfg.Metrics.RecordBillingRetry()
		c.logger.Printf("⚠️  billing attempt %d/%d failed for %s: %v", attempt, c.cfg.MaxAttempts, event.Fingerprint, lastErr)
		if attempt == c.cfg.MaxAttempts {
			break
		}
		select {
		case <-time.After(time.Duration(attempt*attempt) * c.cfg.RetryBackoff):
		case <-ctx.Done():
		}
	}

	c.logger.Printf("❌ billing event for %s exhausted retries: %v", event.Fingerprint, lastErr)
	c.park(ctx, event, lastErr, c.cfg.MaxAttempts)
}

// park moves an event to the dead-letter list for operator attention. The
// park itself is best-effort; if even that fails there is nothing left to
// do but log.
func (c *BillingConsumer) park(ctx context.Context, event core.BillingEvent, cause error, attempts int) {
	c.cfg.Metrics.RecordBillingDeadLetter()
	dead := core.DeadLetter{
		Event:    event,
		Attempts: attempts,
		ParkedAt: time.Now().UTC(),
	}
	if cause != nil {
		dead.Error = cause.Error()
	}
	payload, err := json.Marshal(dead)
	if err != nil {
		c.logger.Printf("❌ dead-letter marshal failed: %v", err)
		return
	}
	if err := c.broker.DeadLetterPush(ctx, payload); err != nil {
		c.logger.Printf("❌ dead-letter push failed: %v", err)
		return
	}
	if c.cfg.Events != nil {
		c.cfg.Events.Emit(events.TypeBillingDeadLetter, "/consumer/billing", event.Fingerprint, map[string]interface{}{
			"user_id":  event.UserID,
			"attempts": attempts,
			"error":    dead.Error,
		})
	}
}
