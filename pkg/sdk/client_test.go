package sdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthesizeCarriesUserIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/synthesize", r.URL.Path)
		assert.Equal(t, "user-123", r.Header.Get("X-User-ID"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "user-123", body["user_id"])
		assert.Equal(t, "doc-1", body["document_id"])

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(Ack{Status: StatusQueued, DocumentID: "doc-1", BlockIdx: 2})
	}))
	defer srv.Close()

	client := NewClient(Config{GatewayURL: srv.URL, UserID: "user-123"})
	ack, err := client.Synthesize(context.Background(), SynthesizeRequest{
		DocumentID: "doc-1", BlockIdx: 2, Text: "hello", Model: "kokoro", Voice: "af_heart",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, ack.Status)
	assert.Equal(t, 2, ack.BlockIdx)
}

func TestGatewayErrorsSurfaceMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "empty text"})
	}))
	defer srv.Close()

	client := NewClient(Config{GatewayURL: srv.URL, UserID: "user-123"})
	_, err := client.Synthesize(context.Background(), SynthesizeRequest{DocumentID: "doc-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty text")
}

func TestFetchAudioAcceptsURLOrFingerprint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/audio/abc123", r.URL.Path)
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("bytes"))
	}))
	defer srv.Close()

	client := NewClient(Config{GatewayURL: srv.URL, UserID: "user-123"})

	data, format, err := client.FetchAudio(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, []byte("bytes"), data)
	assert.Equal(t, "audio/mpeg", format)

	data, _, err = client.FetchAudio(context.Background(), "/audio/abc123")
	require.NoError(t, err)
	assert.Equal(t, []byte("bytes"), data)
}

func TestCursorMoved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/cursor", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(42), body["cursor"])
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(Config{GatewayURL: srv.URL, UserID: "user-123"})
	require.NoError(t, client.CursorMoved(context.Background(), "doc-1", 42))
}
