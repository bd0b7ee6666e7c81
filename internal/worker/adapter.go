// Package worker runs the claim-synthesize-emit loop for one model queue.
// Workers are pure transforms from job to result record: they never touch
// the store, the audio cache, or the subscriber registry.
package worker

import (
	"context"

	"github.com/narrata/backend/internal/core"
)

// Adapter is the model-specific synthesis backend. It is the only
// polymorphic seam in the core, and the only place arbitrary per-model
// parameter bags are interpreted.
//
// Implementations must be safe for concurrent use up to the concurrency the
// runner grants them.
type Adapter interface {
	// Initialize prepares the backend: loads models, verifies connectivity.
	// Idempotent; the runner calls it once before claiming work.
	Initialize(ctx context.Context) error

	// Synthesize renders one block of text into encoded audio in the codec
	// named by params. A nil error with empty audio means the adapter chose
	// to skip the block (nothing speakable); that is not a failure.
	Synthesize(ctx context.Context, text string, params core.SynthesisParams) (audio []byte, durationMs int, err error)

	// CalculateDurationMs derives playback length from encoded bytes alone.
	// Used when Synthesize could not report a duration itself.
	CalculateDurationMs(audio []byte) int
}
