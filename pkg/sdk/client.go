// Package sdk is the Go client for the synthesis gateway. A reading app
// submits blocks, reports its cursor, and listens on the session status
// stream; audio arrives by URL once a block finalizes.
//
// Quick start:
//
//	client := sdk.NewClient(sdk.Config{
//	    GatewayURL: "https://gateway.narrata.app",
//	    UserID:     "user-123",
//	})
//
//	stop, _ := client.Subscribe(ctx, "doc-1", func(frame sdk.StatusFrame) {
//	    if frame.Status == sdk.StatusCached {
//	        play(client.AudioURL(frame.AudioURL))
//	    }
//	})
//	defer stop()
//
//	client.Synthesize(ctx, sdk.SynthesizeRequest{
//	    DocumentID: "doc-1", BlockIdx: 0, Text: "...", Model: "kokoro", Voice: "af_heart",
//	})
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Config holds the SDK configuration.
type Config struct {
	// GatewayURL is the synthesis gateway endpoint (required).
	GatewayURL string

	// UserID identifies the reader on every call (required).
	UserID string

	// APIKey authenticates requests in production deployments.
	APIKey string

	// Timeout bounds each HTTP call (default 30s).
	Timeout time.Duration
}

// Client talks to the synthesis gateway.
type Client struct {
	config     Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.GatewayURL = strings.TrimRight(cfg.GatewayURL, "/")

	return &Client{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Synthesize submits one block. The ack either carries the cached audio URL
// or confirms the block is queued; terminal statuses come through Subscribe.
func (c *Client) Synthesize(ctx context.Context, req SynthesizeRequest) (*Ack, error) {
	payload := struct {
		UserID string `json:"user_id"`
		SynthesizeRequest
	}{c.config.UserID, req}

	var ack Ack
	if err := c.postJSON(ctx, "/api/v1/synthesize", payload, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// CursorMoved reports the reader's new cursor position, cancelling queued
// work outside the visibility window.
func (c *Client) CursorMoved(ctx context.Context, documentID string, cursor int) error {
	payload := map[string]interface{}{
		"user_id":     c.config.UserID,
		"document_id": documentID,
		"cursor":      cursor,
	}
	return c.postJSON(ctx, "/api/v1/cursor", payload, nil)
}

// FetchAudio downloads a finalized variant's bytes by its audio URL (as
// delivered in acks and status frames) or bare fingerprint.
func (c *Client) FetchAudio(ctx context.Context, ref string) ([]byte, string, error) {
	if !strings.HasPrefix(ref, "/") {
		ref = "/audio/" + ref
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.GatewayURL+ref, nil)
	if err != nil {
		return nil, "", fmt.Errorf("sdk: failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("sdk: gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("sdk: audio fetch returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("sdk: failed to read audio: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// GetVariant reads a variant's stored metadata.
func (c *Client) GetVariant(ctx context.Context, fingerprint string) (*Variant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.config.GatewayURL+"/api/v1/variants/"+fingerprint, nil)
	if err != nil {
		return nil, fmt.Errorf("sdk: failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sdk: gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sdk: variant read returned %d", resp.StatusCode)
	}
	var v Variant
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("sdk: failed to parse response: %w", err)
	}
	return &v, nil
}

// AudioURL resolves a relative audio reference against the gateway.
func (c *Client) AudioURL(ref string) string {
	if strings.HasPrefix(ref, "http") {
		return ref
	}
	return c.config.GatewayURL + ref
}

// Subscribe opens the session's status stream for one document over
// WebSocket. The handler runs on the read loop; the returned stop function
// closes the connection.
func (c *Client) Subscribe(ctx context.Context, documentID string, handler func(StatusFrame)) (func(), error) {
	wsURL, err := url.Parse(c.config.GatewayURL)
	if err != nil {
		return nil, fmt.Errorf("sdk: invalid gateway URL: %w", err)
	}
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = "/ws/sessions"
	wsURL.RawQuery = url.Values{
		"user_id":     {c.config.UserID},
		"document_id": {documentID},
	}.Encode()

	header := http.Header{}
	if c.config.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		return nil, fmt.Errorf("sdk: websocket dial failed: %w", err)
	}

	go func() {
		defer conn.Close()
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame StatusFrame
			if err := json.Unmarshal(payload, &frame); err != nil {
				continue
			}
			handler(frame)
		}
	}()

	return func() { conn.Close() }, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sdk: failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.GatewayURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sdk: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sdk: gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("sdk: gateway returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("sdk: gateway returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("sdk: failed to parse response: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("X-User-ID", c.config.UserID)
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
}
