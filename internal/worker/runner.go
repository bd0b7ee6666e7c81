package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/narrata/backend/internal/broker"
	"github.com/narrata/backend/internal/core"
	"github.com/narrata/backend/internal/metrics"
	"github.com/narrata/backend/internal/queue"
)

// Config parameterizes one runner. Zero values fall back to sane defaults;
// WorkerID defaults to a model-prefixed random identity so processing
// entries from different processes never collide.
type Config struct {
	WorkerID    string
	Model       string
	PollTimeout time.Duration
	Concurrency int64
	Metrics     *metrics.Metrics
}

// Runner claims jobs for a single model and feeds them through its adapter.
// Concurrency is bounded by a weighted semaphore: stateless adapters can
// take several jobs at once, stateful ones set Concurrency to 1.
type Runner struct {
	cfg     Config
	adapter Adapter
	queue   *queue.Queue
	broker  broker.Broker
	sem     *semaphore.Weighted
	logger  *log.Logger
}

func NewRunner(cfg Config, adapter Adapter, q *queue.Queue, b broker.Broker) *Runner {
	if cfg.WorkerID == "" {
		cfg.WorkerID = cfg.Model + "-" + uuid.NewString()[:8]
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Runner{
		cfg:     cfg,
		adapter: adapter,
		queue:   q,
		broker:  b,
		sem:     semaphore.NewWeighted(cfg.Concurrency),
		logger:  log.New(log.Writer(), "[WORKER] ", log.LstdFlags),
	}
}

// ID returns the runner's worker identity as it appears in processing
// entries and result records.
func (r *Runner) ID() string { return r.cfg.WorkerID }

// Run claims and processes jobs until ctx is cancelled, then waits for
// in-flight synthesis to finish. Claimed jobs always run to completion on a
// detached context; a crash mid-job is the reaper's problem, not Run's.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.adapter.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize adapter for %s: %w", r.cfg.Model, err)
	}
	r.logger.Printf("worker %s ready: model=%s concurrency=%d", r.cfg.WorkerID, r.cfg.Model, r.cfg.Concurrency)

	for {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			break
		}
		job, ok, err := r.queue.Claim(ctx, r.cfg.Model, r.cfg.PollTimeout)
		if err != nil {
			r.sem.Release(1)
			if ctx.Err() != nil {
				break
			}
			r.logger.Printf("⚠️  claim failed: %v", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		if !ok {
			r.sem.Release(1)
			continue
		}
		go func(job core.SynthesisJob) {
			defer r.sem.Release(1)
			r.process(context.WithoutCancel(ctx), job)
		}(job)
	}

	// Drain: all permits back means all in-flight jobs are done.
	_ = r.sem.Acquire(context.Background(), r.cfg.Concurrency)
	r.logger.Printf("worker %s stopped", r.cfg.WorkerID)
	return nil
}

func (r *Runner) process(ctx context.Context, job core.SynthesisJob) {
	r.cfg.Metrics.RecordClaimWait(job.ModelSlug, float64(time.Now().UnixMilli()-job.CreatedAt)/1000)

	entry := core.ProcessingEntry{StartedAt: time.Now().UnixMilli(), Job: job}
	if entryJSON, err := json.Marshal(entry); err == nil {
		if err := r.broker.ProcessingPut(ctx, r.cfg.WorkerID, job.UUID, entryJSON); err != nil {
			r.logger.Printf("⚠️  processing entry write failed for %s: %v", job.UUID, err)
		}
	}

	record := core.ResultRecord{
		JobUUID:     job.UUID,
		Fingerprint: job.Fingerprint,
		UserID:      job.UserID,
		DocumentID:  job.DocumentID,
		BlockIdx:    job.BlockIdx,
		ModelSlug:   job.ModelSlug,
		VoiceSlug:   job.VoiceSlug,
		TextLen:     utf8.RuneCountInString(job.Params.Text),
		WorkerID:    r.cfg.WorkerID,
	}

	start := time.Now()
	audio, durationMs, err := r.adapter.Synthesize(ctx, job.Params.Text, job.Params)
	record.ProcessingMs = time.Since(start).Milliseconds()
	r.cfg.Metrics.RecordSynthesis(job.ModelSlug, time.Since(start).Seconds())

	switch {
	case err != nil:
		record.Error = err.Error()
		r.logger.Printf("❌ synthesis failed: model=%s block=%d: %v", job.ModelSlug, job.BlockIdx, err)
	case len(audio) == 0:
		// Nothing speakable in this block; the consumer publishes a skip.
	default:
		if durationMs <= 0 {
			durationMs = r.adapter.CalculateDurationMs(audio)
		}
		record.SetAudio(audio)
		record.Format = job.Params.Codec
		record.DurationMs = durationMs
	}

	// Entry goes before the push so the job is never in both a processing
	// entry and a result record.
	if err := r.broker.ProcessingDelete(ctx, r.cfg.WorkerID, job.UUID); err != nil {
		r.logger.Printf("⚠️  processing entry delete failed for %s: %v", job.UUID, err)
	}
	if err := r.pushResult(ctx, record); err != nil {
		r.logger.Printf("❌ result push failed for %s: %v", job.UUID, err)
	}
}

func (r *Runner) pushResult(ctx context.Context, record core.ResultRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if lastErr = r.broker.ResultPush(ctx, payload); lastErr == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt*attempt) * 100 * time.Millisecond)
	}
	return lastErr
}
