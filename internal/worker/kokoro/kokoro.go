// Package kokoro implements the worker adapter for a locally hosted Kokoro
// inference server speaking the OpenAI-compatible speech API.
//
// Synthesis is one POST /v1/audio/speech per block; the requested codec is
// passed through as response_format, so the server does the encoding.
// Per-model knobs arriving in the job's parameter bag are merged into the
// request body untouched.
//
// Typical usage:
//
//	a, err := kokoro.New("http://localhost:8880",
//	    kokoro.WithTimeout(90*time.Second),
//	)
package kokoro

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/narrata/backend/internal/core"
	"github.com/narrata/backend/internal/worker"
)

var _ worker.Adapter = (*Adapter)(nil)

const (
	speechEndpoint = "/v1/audio/speech"
	healthEndpoint = "/health"

	defaultTimeout   = 60 * time.Second
	defaultModelName = "kokoro"

	// Kokoro emits 16-bit mono at 24 kHz; raw PCM responses carry no header
	// so the rate must be assumed for duration math.
	defaultSampleRate = 24000
)

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the per-request HTTP timeout. Defaults to 60s; long
// blocks on CPU-only servers can take a while.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.httpClient.Timeout = d }
}

// WithModelName overrides the model field sent to the server. Useful when
// one server hosts several checkpoints.
func WithModelName(name string) Option {
	return func(a *Adapter) { a.modelName = name }
}

// WithSampleRate overrides the sample rate assumed for headerless PCM.
func WithSampleRate(rate int) Option {
	return func(a *Adapter) { a.sampleRate = rate }
}

// Adapter talks to one Kokoro server. Safe for concurrent use; the server
// itself queues requests, so runner concurrency above 1 is fine.
type Adapter struct {
	serverURL  string
	httpClient *http.Client
	modelName  string
	sampleRate int
}

func New(serverURL string, opts ...Option) (*Adapter, error) {
	if serverURL == "" {
		return nil, errors.New("kokoro: serverURL must not be empty")
	}
	a := &Adapter{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		modelName:  defaultModelName,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Initialize verifies the server answers its health endpoint.
func (a *Adapter) Initialize(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.serverURL+healthEndpoint, nil)
	if err != nil {
		return fmt.Errorf("kokoro: create health request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("kokoro: GET %s: %w", healthEndpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("kokoro: GET %s returned status %d", healthEndpoint, resp.StatusCode)
	}
	return nil
}

// Synthesize renders one block. The duration is derived from the returned
// bytes, so the server does not need to report it.
func (a *Adapter) Synthesize(ctx context.Context, text string, params core.SynthesisParams) ([]byte, int, error) {
	if strings.TrimSpace(text) == "" {
		// Whitespace-only blocks are skipped rather than synthesized.
		return nil, 0, nil
	}

	body := map[string]interface{}{
		"model":           a.modelName,
		"input":           text,
		"voice":           params.Voice,
		"response_format": params.Codec,
		"speed":           params.Speed,
	}
	for k, v := range params.Options {
		body[k] = v
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("kokoro: marshal speech request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.serverURL+speechEndpoint, strings.NewReader(string(data)))
	if err != nil {
		return nil, 0, fmt.Errorf("kokoro: create speech request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/*")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("kokoro: POST %s: %w", speechEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, 0, fmt.Errorf("kokoro: POST %s returned status %d: %s", speechEndpoint, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("kokoro: read audio response: %w", err)
	}
	return audio, a.CalculateDurationMs(audio), nil
}

// CalculateDurationMs computes playback length from the encoded bytes.
// WAV containers and MP3 frame sequences are parsed exactly; anything else
// is treated as raw 16-bit mono PCM at the configured sample rate.
func (a *Adapter) CalculateDurationMs(audio []byte) int {
	if len(audio) == 0 {
		return 0
	}
	if info, err := parseWAV(audio); err == nil {
		return info.durationMs()
	}
	if ms, ok := mp3DurationMs(audio); ok {
		return ms
	}
	samples := len(audio) / 2
	return samples * 1000 / a.sampleRate
}
