package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the synthesis pipeline.
// A nil *Metrics is valid and records nothing, which keeps test wiring small.
type Metrics struct {
	// Request intake
	EnqueueTotal *prometheus.CounterVec
	QueueDepth   *prometheus.GaugeVec

	// Worker side
	ClaimWait         *prometheus.HistogramVec
	SynthesisDuration *prometheus.HistogramVec

	// Finalization
	FinalizationsTotal *prometheus.CounterVec

	// Billing
	BillingRetries     prometheus.Counter
	BillingDeadLetters prometheus.Counter

	// Background loops
	EvictionsTotal prometheus.Counter
	OverflowTotal  *prometheus.CounterVec
	ReapedTotal    *prometheus.CounterVec
}

var (
	defaultOnce sync.Once
	defaultM    *Metrics
)

// Default returns the process-wide Metrics instance. promauto registers
// against the default registry, so this must only ever build one.
func Default() *Metrics {
	defaultOnce.Do(func() { defaultM = NewMetrics() })
	return defaultM
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		EnqueueTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "narrata_enqueue_total",
				Help: "Synthesis requests by how the queue resolved them",
			},
			[]string{"model", "outcome"}, // outcome: enqueued, subscribed, cached
		),

		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "narrata_queue_depth",
				Help: "Jobs currently queued per model",
			},
			[]string{"model"},
		),

		ClaimWait: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "narrata_claim_wait_seconds",
				Help:    "Time a job sat queued before a worker claimed it",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"model"},
		),

		SynthesisDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "narrata_synthesis_duration_seconds",
				Help:    "Wall time spent inside the model adapter",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model"},
		),

		FinalizationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "narrata_finalizations_total",
				Help: "Result records finalized by the result consumer",
			},
			[]string{"model", "status"}, // status: cached, skipped, error, duplicate
		),

		BillingRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "narrata_billing_retries_total",
				Help: "Billing events that needed another attempt",
			},
		),

		BillingDeadLetters: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "narrata_billing_deadletter_total",
				Help: "Billing events parked for operator attention",
			},
		),

		EvictionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "narrata_evictions_total",
				Help: "Queued jobs cancelled by the visibility scanner",
			},
		),

		OverflowTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "narrata_overflow_dispatch_total",
				Help: "Stale queue heads promoted to elastic compute",
			},
			[]string{"model", "outcome"}, // outcome: completed, failed
		),

		ReapedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "narrata_reaped_jobs_total",
				Help: "Processing entries reclaimed from dead workers",
			},
			[]string{"model", "outcome"}, // outcome: requeued, dropped
		),
	}
}

// RecordEnqueue records how a synthesis request resolved.
func (m *Metrics) RecordEnqueue(model, outcome string) {
	if m == nil {
		return
	}
	m.EnqueueTotal.WithLabelValues(model, outcome).Inc()
}

// SetQueueDepth updates the depth gauge for one model.
func (m *Metrics) SetQueueDepth(model string, depth float64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(model).Set(depth)
}

// RecordClaimWait records how long a claimed job waited in its queue.
func (m *Metrics) RecordClaimWait(model string, seconds float64) {
	if m == nil {
		return
	}
	m.ClaimWait.WithLabelValues(model).Observe(seconds)
}

// RecordSynthesis records adapter wall time.
func (m *Metrics) RecordSynthesis(model string, seconds float64) {
	if m == nil {
		return
	}
	m.SynthesisDuration.WithLabelValues(model).Observe(seconds)
}

// RecordFinalization records one result record's outcome.
func (m *Metrics) RecordFinalization(model, status string) {
	if m == nil {
		return
	}
	m.FinalizationsTotal.WithLabelValues(model, status).Inc()
}

// RecordBillingRetry counts a billing attempt that failed and will retry.
func (m *Metrics) RecordBillingRetry() {
	if m == nil {
		return
	}
	m.BillingRetries.Inc()
}

// RecordBillingDeadLetter counts an event parked on the dead-letter list.
func (m *Metrics) RecordBillingDeadLetter() {
	if m == nil {
		return
	}
	m.BillingDeadLetters.Inc()
}

// RecordEvictions counts jobs cancelled by the visibility scanner.
func (m *Metrics) RecordEvictions(n int) {
	if m == nil || n == 0 {
		return
	}
	m.EvictionsTotal.Add(float64(n))
}

// RecordOverflow records one elastic dispatch outcome.
func (m *Metrics) RecordOverflow(model string, completed bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	if completed {
		outcome = "completed"
	}
	m.OverflowTotal.WithLabelValues(model, outcome).Inc()
}

// RecordReap records one reclaimed processing entry.
func (m *Metrics) RecordReap(model string, requeued bool) {
	if m == nil {
		return
	}
	outcome := "dropped"
	if requeued {
		outcome = "requeued"
	}
	m.ReapedTotal.WithLabelValues(model, outcome).Inc()
}
