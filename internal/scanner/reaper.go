package scanner

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/narrata/backend/internal/broker"
	"github.com/narrata/backend/internal/core"
	"github.com/narrata/backend/internal/events"
	"github.com/narrata/backend/internal/metrics"
	"github.com/narrata/backend/internal/queue"
)

// ReaperConfig tunes the processing-entry reaper.
type ReaperConfig struct {
	Interval time.Duration
	// Threshold is the default processing-entry age before reclaim.
	Threshold time.Duration
	// ModelThresholds overrides Threshold per model slug, for models whose
	// honest synthesis time dwarfs the default.
	ModelThresholds map[string]time.Duration
	// SingleflightTTL is used when the reaper must re-acquire a lapsed lock
	// before re-enqueueing.
	SingleflightTTL time.Duration
	Metrics         *metrics.Metrics
	// Events receives a reaped event per reclaimed or dropped job. Optional.
	Events events.EventEmitter
}

// Reaper walks every worker's processing entries and reclaims jobs whose
// workers died mid-synthesis. A reclaimed job goes back into its queue at the
// original enqueue timestamp, so it keeps its place in line; a job nobody is
// waiting on anymore is dropped instead.
type Reaper struct {
	cfg    ReaperConfig
	broker broker.Broker
	queue  *queue.Queue
	logger *log.Logger
}

func NewReaper(cfg ReaperConfig, b broker.Broker, q *queue.Queue) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = time.Minute
	}
	if cfg.SingleflightTTL <= 0 {
		cfg.SingleflightTTL = 5 * time.Minute
	}
	return &Reaper{
		cfg:    cfg,
		broker: b,
		queue:  q,
		logger: log.New(log.Writer(), "[REAPER] ", log.LstdFlags),
	}
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Printf("reaper started: threshold=%s interval=%s", r.cfg.Threshold, r.cfg.Interval)
	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx)
		case <-ctx.Done():
			r.logger.Printf("reaper stopped")
			return
		}
	}
}

// Sweep runs one full pass over all workers' processing entries. Exported so
// tests can drive it without the ticker.
func (r *Reaper) Sweep(ctx context.Context) {
	workers, err := r.broker.ProcessingWorkers(ctx)
	if err != nil {
		r.logger.Printf("⚠️  worker registry scan failed: %v", err)
		return
	}

	now := time.Now().UnixMilli()
	for _, workerID := range workers {
		entries, err := r.broker.ProcessingScan(ctx, workerID)
		if err != nil {
			r.logger.Printf("⚠️  processing scan failed for %s: %v", workerID, err)
			continue
		}
		for jobUUID, raw := range entries {
			var entry core.ProcessingEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				r.logger.Printf("⚠️  dropping unparseable processing entry %s/%s: %v", workerID, jobUUID, err)
				if delErr := r.broker.ProcessingDelete(ctx, workerID, jobUUID); delErr != nil {
					r.logger.Printf("⚠️  processing delete failed for %s: %v", jobUUID, delErr)
				}
				continue
			}
			if now-entry.StartedAt <= r.threshold(entry.Job.ModelSlug).Milliseconds() {
				continue
			}
			r.reap(ctx, workerID, entry.Job)
		}
	}
}

func (r *Reaper) threshold(model string) time.Duration {
	if t, ok := r.cfg.ModelThresholds[model]; ok && t > 0 {
		return t
	}
	return r.cfg.Threshold
}

func (r *Reaper) reap(ctx context.Context, workerID string, job core.SynthesisJob) {
	if err := r.broker.ProcessingDelete(ctx, workerID, job.UUID); err != nil {
		r.logger.Printf("⚠️  processing delete failed for %s: %v", job.UUID, err)
		return
	}

	// The lock usually outlives the worker; acquiring here means its TTL
	// lapsed while the job was stuck, and the reaper now holds it again on
	// behalf of the requeued job.
	reacquired, err := r.broker.AcquireSingleflight(ctx, job.Fingerprint, r.cfg.SingleflightTTL)
	if err != nil {
		r.logger.Printf("⚠️  singleflight check failed for %s: %v", job.Fingerprint, err)
		return
	}

	subs, err := r.broker.SubscriberCount(ctx, job.Fingerprint)
	if err != nil {
		r.logger.Printf("⚠️  subscriber count failed for %s: %v", job.Fingerprint, err)
		subs = 0
	}
	if reacquired && subs == 0 {
		// Lock lapsed and every session moved on; nothing to deliver to.
		if _, relErr := r.broker.ReleaseSingleflight(ctx, job.Fingerprint); relErr != nil {
			r.logger.Printf("⚠️  singleflight release failed for %s: %v", job.Fingerprint, relErr)
		}
		r.cfg.Metrics.RecordReap(job.ModelSlug, false)
		r.emit(workerID, job, false)
		r.logger.Printf("dropped abandoned job %s (model=%s block=%d)", job.UUID, job.ModelSlug, job.BlockIdx)
		return
	}

	if err := r.queue.Requeue(ctx, job); err != nil {
		r.logger.Printf("❌ requeue failed for %s: %v", job.UUID, err)
		return
	}
	r.cfg.Metrics.RecordReap(job.ModelSlug, true)
	r.emit(workerID, job, true)
	r.logger.Printf("requeued stuck job %s from %s (model=%s block=%d)", job.UUID, workerID, job.ModelSlug, job.BlockIdx)
}

func (r *Reaper) emit(workerID string, job core.SynthesisJob, requeued bool) {
	if r.cfg.Events == nil {
		return
	}
	r.cfg.Events.Emit(events.TypeSynthesisReaped, "/scanner/reaper", job.Fingerprint, map[string]interface{}{
		"user_id":    job.UserID,
		"worker_id":  workerID,
		"model_slug": job.ModelSlug,
		"requeued":   requeued,
	})
}
