package sdk

import "time"

// Block statuses delivered on the session status stream.
const (
	StatusQueued  = "queued"
	StatusCached  = "cached"
	StatusSkipped = "skipped"
	StatusEvicted = "evicted"
	StatusError   = "error"
)

// Frame types on the status stream.
const (
	FrameStatus  = "status"
	FrameEvicted = "evicted"
)

// SynthesizeRequest submits one block for synthesis.
type SynthesizeRequest struct {
	DocumentID string  `json:"document_id"`
	BlockIdx   int     `json:"block_idx"`
	Text       string  `json:"text"`
	Model      string  `json:"model"`
	Voice      string  `json:"voice"`
	Speed      float64 `json:"speed,omitempty"`
	Codec      string  `json:"codec,omitempty"`
}

// Ack is the synchronous answer to a submission: cached with a URL, or
// queued, in which case terminal statuses arrive on the status stream.
type Ack struct {
	Status     string `json:"status"`
	DocumentID string `json:"document_id"`
	BlockIdx   int    `json:"block_idx"`
	AudioURL   string `json:"audio_url,omitempty"`
	ModelSlug  string `json:"model_slug"`
	VoiceSlug  string `json:"voice_slug"`
}

// StatusFrame is one message from the session status stream. Status frames
// carry a single block's outcome; evicted frames carry the batch of block
// indices that left the visibility window.
type StatusFrame struct {
	Type         string `json:"type"`
	DocumentID   string `json:"document_id"`
	BlockIdx     int    `json:"block_idx"`
	Status       string `json:"status,omitempty"`
	AudioURL     string `json:"audio_url,omitempty"`
	Error        string `json:"error,omitempty"`
	ModelSlug    string `json:"model_slug,omitempty"`
	VoiceSlug    string `json:"voice_slug,omitempty"`
	BlockIndices []int  `json:"block_indices,omitempty"`
}

// Variant is the stored metadata for one rendered variant.
type Variant struct {
	Fingerprint string    `json:"fingerprint"`
	DurationMs  int       `json:"duration_ms"`
	CacheRef    string    `json:"cache_ref"`
	AudioURL    string    `json:"audio_url"`
	UpdatedAt   time.Time `json:"updated_at"`
}
