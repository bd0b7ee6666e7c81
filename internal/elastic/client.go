// Package elastic dispatches synthesis jobs to remote on-demand compute.
//
// The overflow scanner promotes a stale queue head here when local workers
// cannot keep up. The remote side exposes a RunPod-style synchronous run
// endpoint: one POST carries the job input and blocks until the audio comes
// back. Every endpoint sits behind its own circuit breaker so a dead remote
// is skipped instead of eating claimed jobs.
package elastic

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/narrata/backend/internal/circuitbreaker"
	"github.com/narrata/backend/internal/core"
)

const (
	runSyncPath    = "/runsync"
	defaultTimeout = 120 * time.Second

	statusCompleted = "COMPLETED"
)

// ErrUnavailable marks failures where the endpoint never judged the job:
// transport errors, 5xx responses, an open breaker. The job is still good;
// callers put it back instead of failing it.
var ErrUnavailable = errors.New("elastic: endpoint unavailable")

// Client calls remote elastic endpoints. Safe for concurrent use; the
// overflow scanners of all models share one instance.
type Client struct {
	httpClient *http.Client
	apiKey     string
	breakers   *circuitbreaker.Manager
	logger     *log.Logger
}

// NewClient builds a client authenticating with apiKey. A zero timeout
// falls back to two minutes, which covers a cold-started remote container.
func NewClient(apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		apiKey:     apiKey,
		breakers:   circuitbreaker.NewManager(circuitbreaker.DefaultConfig("")),
		logger:     log.New(log.Writer(), "[ELASTIC] ", log.LstdFlags),
	}
}

// Ready reports whether endpoint's breaker would admit a call right now.
// Scanners check this before claiming a job, because a claimed job cannot
// go back to the head of the queue without losing its turn.
func (c *Client) Ready(endpoint string) bool {
	return c.breakers.Get(endpoint).Allow() == nil
}

// Stats exposes per-endpoint breaker snapshots for health reporting.
func (c *Client) Stats() map[string]circuitbreaker.BreakerStats {
	return c.breakers.Stats()
}

type runRequest struct {
	Input runInput `json:"input"`
}

type runInput struct {
	Text    string                 `json:"text"`
	Voice   string                 `json:"voice"`
	Speed   float64                `json:"speed"`
	Codec   string                 `json:"codec"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type runResponse struct {
	ID     string    `json:"id"`
	Status string    `json:"status"`
	Output runOutput `json:"output"`
	Error  string    `json:"error,omitempty"`
}

type runOutput struct {
	AudioBase64 string `json:"audio_base64"`
	DurationMs  int    `json:"duration_ms"`
}

// Synthesize runs job's parameters on endpoint and returns the audio bytes
// and the duration the remote measured. Transport failures and 5xx responses
// count against the endpoint's breaker; a 4xx or a FAILED run means the
// endpoint is healthy and the job itself is bad, so those surface as plain
// errors without tripping anything.
func (c *Client) Synthesize(ctx context.Context, endpoint string, params core.SynthesisParams) ([]byte, int, error) {
	cb := c.breakers.Get(endpoint)

	var (
		audio  []byte
		durMs  int
		jobErr error
	)
	err := cb.ExecuteContext(ctx, func(ctx context.Context) error {
		body, err := json.Marshal(runRequest{Input: runInput{
			Text:    params.Text,
			Voice:   params.Voice,
			Speed:   params.Speed,
			Codec:   params.Codec,
			Options: params.Options,
		}})
		if err != nil {
			jobErr = fmt.Errorf("elastic: marshal request: %w", err)
			return nil
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", endpoint+runSyncPath, bytes.NewReader(body))
		if err != nil {
			jobErr = fmt.Errorf("elastic: build request: %w", err)
			return nil
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("elastic: request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("elastic: endpoint returned status %d: %s", resp.StatusCode, detail)
		}
		if resp.StatusCode != http.StatusOK {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			jobErr = fmt.Errorf("elastic: endpoint rejected job with status %d: %s", resp.StatusCode, detail)
			return nil
		}

		var run runResponse
		if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
			return fmt.Errorf("elastic: parse response: %w", err)
		}
		if run.Status != statusCompleted {
			jobErr = fmt.Errorf("elastic: run %s finished with status %s: %s", run.ID, run.Status, run.Error)
			return nil
		}

		audio, err = base64.StdEncoding.DecodeString(run.Output.AudioBase64)
		if err != nil {
			return fmt.Errorf("elastic: decode audio: %w", err)
		}
		durMs = run.Output.DurationMs
		return nil
	})
	if err != nil {
		c.logger.Printf("⚠️  dispatch to %s failed: %v", endpoint, err)
		return nil, 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if jobErr != nil {
		return nil, 0, jobErr
	}
	return audio, durMs, nil
}
