package core

import (
	"encoding/base64"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle outcome published to a session for one block.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusCached  Status = "cached"
	StatusSkipped Status = "skipped"
	StatusEvicted Status = "evicted"
	StatusError   Status = "error"
)

// Frame types on the session pub/sub channel.
const (
	MessageTypeStatus  = "status"
	MessageTypeEvicted = "evicted"
)

// SynthesisParams is the adapter-facing parameter bundle. Options carries
// per-model knobs (temperature, reference voice, ...) opaquely; only the
// adapter for that model interprets them.
type SynthesisParams struct {
	Text    string                 `json:"text"`
	Voice   string                 `json:"voice"`
	Speed   float64                `json:"speed"`
	Codec   string                 `json:"codec"`
	Options map[string]interface{} `json:"options,omitempty"`
}

// SynthesisJob is one immutable unit of work. UUID is the transport-level
// identity (queue membership, processing entries, reaping); Fingerprint is
// the content identity shared by every job for the same variant. CreatedAt
// is unix milliseconds and doubles as the queue priority score, so a
// requeued job keeps its place in line.
type SynthesisJob struct {
	UUID        string          `json:"uuid"`
	Fingerprint string          `json:"fingerprint"`
	UserID      string          `json:"user_id"`
	DocumentID  string          `json:"document_id"`
	BlockIdx    int             `json:"block_idx"`
	ModelSlug   string          `json:"model_slug"`
	VoiceSlug   string          `json:"voice_slug"`
	Params      SynthesisParams `json:"params"`
	CreatedAt   int64           `json:"created_at"`
}

// NewJob builds a job for one block request, assigning a fresh UUID and
// computing the variant fingerprint from the request tuple.
func NewJob(userID, documentID string, blockIdx int, text, model, voice string, speed float64, codec string) SynthesisJob {
	return SynthesisJob{
		UUID:        uuid.NewString(),
		Fingerprint: Fingerprint(text, model, voice, speed, codec),
		UserID:      userID,
		DocumentID:  documentID,
		BlockIdx:    blockIdx,
		ModelSlug:   model,
		VoiceSlug:   voice,
		Params: SynthesisParams{
			Text:  text,
			Voice: voice,
			Speed: speed,
			Codec: codec,
		},
		CreatedAt: time.Now().UnixMilli(),
	}
}

// Subscriber identifies one live session waiting on a fingerprint.
type Subscriber struct {
	UserID     string `json:"user_id"`
	DocumentID string `json:"document_id"`
	BlockIdx   int    `json:"block_idx"`
}

// ProcessingEntry marks a claimed job while a worker holds it. StartedAt is
// unix milliseconds; the reaper compares it against the reap threshold.
type ProcessingEntry struct {
	StartedAt int64        `json:"started_at"`
	Job       SynthesisJob `json:"job"`
}

// ResultRecord is what workers emit onto the shared result list. Exactly one
// of AudioB64 or Error is meaningful; both empty means the worker elected to
// skip (empty synthesis output), which is distinct from failure.
type ResultRecord struct {
	JobUUID      string `json:"job_uuid"`
	Fingerprint  string `json:"fingerprint"`
	UserID       string `json:"user_id"`
	DocumentID   string `json:"document_id"`
	BlockIdx     int    `json:"block_idx"`
	ModelSlug    string `json:"model_slug"`
	VoiceSlug    string `json:"voice_slug"`
	TextLen      int    `json:"text_len"`
	WorkerID     string `json:"worker_id"`
	ProcessingMs int64  `json:"processing_ms"`
	AudioB64     string `json:"audio_b64,omitempty"`
	Format       string `json:"format,omitempty"`
	DurationMs   int    `json:"duration_ms,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Failed reports whether the worker surfaced an error.
func (r *ResultRecord) Failed() bool { return r.Error != "" }

// Skipped reports whether the worker completed without producing audio.
func (r *ResultRecord) Skipped() bool { return r.Error == "" && r.AudioB64 == "" }

// Audio decodes the transported audio bytes.
func (r *ResultRecord) Audio() ([]byte, error) {
	return base64.StdEncoding.DecodeString(r.AudioB64)
}

// SetAudio encodes audio bytes for transport.
func (r *ResultRecord) SetAudio(b []byte) {
	r.AudioB64 = base64.StdEncoding.EncodeToString(b)
}

// BillingEvent carries everything the cold path needs for its store writes.
// The result consumer emits one per finalized unique submission; nothing on
// the hot path touches the store directly.
type BillingEvent struct {
	Fingerprint     string  `json:"fingerprint"`
	UserID          string  `json:"user_id"`
	ModelSlug       string  `json:"model_slug"`
	VoiceSlug       string  `json:"voice_slug"`
	TextLen         int     `json:"text_len"`
	UsageMultiplier float64 `json:"usage_multiplier"`
	DurationMs      int     `json:"duration_ms"`
	DocumentID      string  `json:"document_id"`
	BlockIdx        int     `json:"block_idx"`
	CacheRef        string  `json:"cache_ref"`
}

// DeadLetter wraps a billing event that exhausted its retries.
type DeadLetter struct {
	Event    BillingEvent `json:"event"`
	Error    string       `json:"error"`
	Attempts int          `json:"attempts"`
	ParkedAt time.Time    `json:"parked_at"`
}

// StatusMessage is the per-block notification published on a session's
// user-document channel. AudioURL and Error are empty unless the status
// warrants them; internal identifiers (fingerprints, UUIDs, worker IDs)
// never appear here.
type StatusMessage struct {
	Type       string `json:"type"`
	DocumentID string `json:"document_id"`
	BlockIdx   int    `json:"block_idx"`
	Status     Status `json:"status"`
	AudioURL   string `json:"audio_url,omitempty"`
	Error      string `json:"error,omitempty"`
	ModelSlug  string `json:"model_slug"`
	VoiceSlug  string `json:"voice_slug"`
}

// EvictedMessage announces blocks removed from the queue because they left
// the visibility window.
type EvictedMessage struct {
	Type         string `json:"type"`
	DocumentID   string `json:"document_id"`
	BlockIndices []int  `json:"block_indices"`
}

// AudioURL is the public reference for a stored variant. The session façade
// resolves it against the audio cache.
func AudioURL(fingerprint string) string {
	return "/audio/" + fingerprint
}
