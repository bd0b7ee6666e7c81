package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJob_AssignsIdentityAndFingerprint(t *testing.T) {
	j1 := NewJob("user-1", "doc-1", 3, "hello", "kokoro", "af_heart", 1.0, "pcm")
	j2 := NewJob("user-2", "doc-9", 7, "hello", "kokoro", "af_heart", 1.00, "pcm")

	assert.NotEqual(t, j1.UUID, j2.UUID, "UUIDs are per-submission")
	assert.Equal(t, j1.Fingerprint, j2.Fingerprint,
		"same tuple from different users shares one fingerprint")
	assert.Equal(t, "hello", j1.Params.Text)
	assert.Equal(t, 3, j1.BlockIdx)
}

func TestResultRecord_OutcomeClassification(t *testing.T) {
	var ok ResultRecord
	ok.SetAudio([]byte("RIFFxxxx"))
	assert.False(t, ok.Failed())
	assert.False(t, ok.Skipped())

	failed := ResultRecord{Error: "adapter timeout"}
	assert.True(t, failed.Failed())
	assert.False(t, failed.Skipped())

	// No bytes and no error: the worker chose to skip. Must not read as a
	// failure.
	var skipped ResultRecord
	assert.True(t, skipped.Skipped())
	assert.False(t, skipped.Failed())
}

func TestResultRecord_AudioRoundTrip(t *testing.T) {
	payload := []byte{0x00, 0x01, 0xFF, 0xFE, 0x7F}
	var r ResultRecord
	r.SetAudio(payload)

	got, err := r.Audio()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestStatusMessage_WireShape(t *testing.T) {
	msg := StatusMessage{
		Type:       "status",
		DocumentID: "doc-1",
		BlockIdx:   4,
		Status:     StatusCached,
		AudioURL:   AudioURL("abc123"),
		ModelSlug:  "kokoro",
		VoiceSlug:  "af_heart",
	}
	b, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "status", decoded["type"])
	assert.Equal(t, "cached", decoded["status"])
	assert.Equal(t, "/audio/abc123", decoded["audio_url"])
	_, hasErr := decoded["error"]
	assert.False(t, hasErr, "error field is omitted when empty")
}

func TestSubscriber_DeterministicEncoding(t *testing.T) {
	// Subscriber entries live in a broker set; identical sessions must
	// marshal to identical members so re-adds are idempotent.
	s := Subscriber{UserID: "u", DocumentID: "d", BlockIdx: 1}
	a, err := json.Marshal(s)
	require.NoError(t, err)
	b, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
