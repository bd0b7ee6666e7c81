package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/narrata/backend/internal/broker"
	"github.com/narrata/backend/internal/core"
	"github.com/narrata/backend/internal/elastic"
	"github.com/narrata/backend/internal/events"
	"github.com/narrata/backend/internal/metrics"
	"github.com/narrata/backend/internal/queue"
)

// Dispatcher is the slice of the elastic client the overflow scanner needs.
type Dispatcher interface {
	Ready(endpoint string) bool
	Synthesize(ctx context.Context, endpoint string, params core.SynthesisParams) ([]byte, int, error)
}

// OverflowConfig tunes the overflow scanner.
type OverflowConfig struct {
	// Threshold is how old a queue head may grow before it is promoted.
	Threshold time.Duration
	Interval  time.Duration
	// Endpoints maps model slug to its remote elastic URL. Models without an
	// entry never overflow.
	Endpoints map[string]string
	// ClaimTimeout bounds the pop that races local workers for the head.
	ClaimTimeout time.Duration
	Metrics      *metrics.Metrics
	// Events receives an overflowed event per remote dispatch. Optional.
	Events events.EventEmitter
}

// Overflow watches each model's queue head and, when it ages past the
// threshold, claims it with the same atomic pop local workers use and runs
// it on the model's remote elastic endpoint. The resulting record goes onto
// the shared result list tagged with the overflow worker ID, so the result
// consumer cannot tell it apart from a local one.
type Overflow struct {
	cfg      OverflowConfig
	broker   broker.Broker
	queue    *queue.Queue
	dispatch Dispatcher
	logger   *log.Logger
}

func NewOverflow(cfg OverflowConfig, b broker.Broker, q *queue.Queue, d Dispatcher) *Overflow {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 10 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = time.Second
	}
	return &Overflow{
		cfg:      cfg,
		broker:   b,
		queue:    q,
		dispatch: d,
		logger:   log.New(log.Writer(), "[OVERFLOW] ", log.LstdFlags),
	}
}

// WorkerID is the identity overflow results carry for a model.
func WorkerID(model string) string { return "overflow-" + model }

// Run starts one sweep loop per configured model and blocks until ctx is
// cancelled. Dispatches within a model are serial, so the remote endpoint
// sees at most one in-flight call per model per replica.
func (o *Overflow) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for model, endpoint := range o.cfg.Endpoints {
		if endpoint == "" {
			continue
		}
		wg.Add(1)
		go func(model, endpoint string) {
			defer wg.Done()
			o.runModel(ctx, model, endpoint)
		}(model, endpoint)
	}
	wg.Wait()
}

func (o *Overflow) runModel(ctx context.Context, model, endpoint string) {
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	o.logger.Printf("overflow scanner started: model=%s endpoint=%s threshold=%s",
		model, endpoint, o.cfg.Threshold)
	for {
		select {
		case <-ticker.C:
			o.Sweep(ctx, model, endpoint)
		case <-ctx.Done():
			o.logger.Printf("overflow scanner stopped: model=%s", model)
			return
		}
	}
}

// Sweep promotes stale heads until the queue head is young again. Exported
// so tests can drive a single pass without the ticker.
func (o *Overflow) Sweep(ctx context.Context, model, endpoint string) {
	for ctx.Err() == nil {
		score, ok, err := o.queue.HeadScore(ctx, model)
		if err != nil {
			o.logger.Printf("⚠️  head peek failed for %s: %v", model, err)
			return
		}
		if !ok || time.Now().UnixMilli()-int64(score) < o.cfg.Threshold.Milliseconds() {
			return
		}
		if !o.dispatch.Ready(endpoint) {
			// Let the head keep aging; a recovering local worker or the next
			// sweep picks it up.
			return
		}

		job, claimed, err := o.queue.Claim(ctx, model, o.cfg.ClaimTimeout)
		if err != nil {
			o.logger.Printf("⚠️  overflow claim failed for %s: %v", model, err)
			return
		}
		if !claimed {
			return
		}
		if !o.promote(ctx, endpoint, job) {
			return
		}
	}
}

// promote runs one claimed job remotely. The false return means the job went
// back into the queue and this sweep should stop rather than spin on a dead
// endpoint.
func (o *Overflow) promote(ctx context.Context, endpoint string, job core.SynthesisJob) bool {
	workerID := WorkerID(job.ModelSlug)

	// A processing entry covers the dispatch window, so a replica that dies
	// mid-call hands the job to the reaper like any dead worker.
	entry := core.ProcessingEntry{StartedAt: time.Now().UnixMilli(), Job: job}
	if entryJSON, err := json.Marshal(entry); err == nil {
		if err := o.broker.ProcessingPut(ctx, workerID, job.UUID, entryJSON); err != nil {
			o.logger.Printf("⚠️  processing entry write failed for %s: %v", job.UUID, err)
		}
	}

	start := time.Now()
	audio, durationMs, err := o.dispatch.Synthesize(ctx, endpoint, job.Params)

	if errors.Is(err, elastic.ErrUnavailable) {
		// The endpoint never saw the job; put it back at its original score
		// and let the next sweep (or a local worker) retry.
		if delErr := o.broker.ProcessingDelete(ctx, workerID, job.UUID); delErr != nil {
			o.logger.Printf("⚠️  processing entry delete failed for %s: %v", job.UUID, delErr)
		}
		if reqErr := o.queue.Requeue(ctx, job); reqErr != nil {
			o.logger.Printf("❌ requeue failed for %s, job left to the reaper: %v", job.UUID, reqErr)
		}
		o.cfg.Metrics.RecordOverflow(job.ModelSlug, false)
		return false
	}

	record := core.ResultRecord{
		JobUUID:      job.UUID,
		Fingerprint:  job.Fingerprint,
		UserID:       job.UserID,
		DocumentID:   job.DocumentID,
		BlockIdx:     job.BlockIdx,
		ModelSlug:    job.ModelSlug,
		VoiceSlug:    job.VoiceSlug,
		TextLen:      utf8.RuneCountInString(job.Params.Text),
		WorkerID:     workerID,
		ProcessingMs: time.Since(start).Milliseconds(),
	}
	switch {
	case err != nil:
		record.Error = err.Error()
		o.logger.Printf("❌ elastic synthesis failed: model=%s block=%d: %v", job.ModelSlug, job.BlockIdx, err)
	case len(audio) > 0:
		record.SetAudio(audio)
		record.Format = job.Params.Codec
		record.DurationMs = durationMs
	}

	if err := o.broker.ProcessingDelete(ctx, workerID, job.UUID); err != nil {
		o.logger.Printf("⚠️  processing entry delete failed for %s: %v", job.UUID, err)
	}
	payload, marshalErr := json.Marshal(record)
	if marshalErr != nil {
		o.logger.Printf("❌ result marshal failed for %s: %v", job.UUID, marshalErr)
		return false
	}
	if pushErr := o.broker.ResultPush(ctx, payload); pushErr != nil {
		o.logger.Printf("❌ result push failed for %s: %v", job.UUID, pushErr)
		return false
	}
	o.cfg.Metrics.RecordOverflow(job.ModelSlug, err == nil)
	if o.cfg.Events != nil {
		o.cfg.Events.Emit(events.TypeSynthesisOverflowed, "/scanner/overflow", job.Fingerprint, map[string]interface{}{
			"user_id":    job.UserID,
			"model_slug": job.ModelSlug,
			"endpoint":   endpoint,
			"ok":         err == nil,
		})
	}
	return true
}
