// Package mock provides a test double for the worker.Adapter interface.
//
// Configure the returned audio or error, then inspect the recorded calls:
//
//	a := &mock.Adapter{Audio: []byte("pcm"), DurationMs: 1200}
//	audio, dur, err := a.Synthesize(ctx, "hello", params)
package mock

import (
	"context"
	"sync"

	"github.com/narrata/backend/internal/core"
	"github.com/narrata/backend/internal/worker"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Text   string
	Params core.SynthesisParams
}

// Adapter is a mock implementation of worker.Adapter.
type Adapter struct {
	mu sync.Mutex

	// InitializeErr, if non-nil, is returned by Initialize.
	InitializeErr error

	// Audio and DurationMs are returned by Synthesize when SynthesizeFunc
	// is nil.
	Audio      []byte
	DurationMs int

	// SynthesizeErr, if non-nil, is returned by Synthesize.
	SynthesizeErr error

	// SynthesizeFunc overrides the canned response entirely when set.
	SynthesizeFunc func(ctx context.Context, text string, params core.SynthesisParams) ([]byte, int, error)

	// CalculateResult is returned by CalculateDurationMs.
	CalculateResult int

	InitializeCalls int
	SynthesizeCalls []SynthesizeCall
}

func (a *Adapter) Initialize(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.InitializeCalls++
	return a.InitializeErr
}

func (a *Adapter) Synthesize(ctx context.Context, text string, params core.SynthesisParams) ([]byte, int, error) {
	a.mu.Lock()
	a.SynthesizeCalls = append(a.SynthesizeCalls, SynthesizeCall{Text: text, Params: params})
	fn := a.SynthesizeFunc
	audio, dur, err := a.Audio, a.DurationMs, a.SynthesizeErr
	a.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, params)
	}
	if err != nil {
		return nil, 0, err
	}
	return audio, dur, nil
}

func (a *Adapter) CalculateDurationMs([]byte) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.CalculateResult
}

// Calls returns a copy of the recorded Synthesize invocations. Thread-safe.
func (a *Adapter) Calls() []SynthesizeCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]SynthesizeCall, len(a.SynthesizeCalls))
	copy(out, a.SynthesizeCalls)
	return out
}

var _ worker.Adapter = (*Adapter)(nil)
