// Package service is the session façade over the synthesis core: the four
// actions a session layer calls, behind one type. It owns the eager "queued"
// acknowledgement; terminal statuses always come from the result consumer
// through pub/sub.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/narrata/backend/internal/audiocache"
	"github.com/narrata/backend/internal/config"
	"github.com/narrata/backend/internal/core"
	"github.com/narrata/backend/internal/metrics"
	"github.com/narrata/backend/internal/notify"
	"github.com/narrata/backend/internal/queue"
)

var (
	ErrUnknownModel = errors.New("service: unknown model")
	ErrEmptyText    = errors.New("service: empty text")
	ErrNotCached    = errors.New("service: audio not cached")
)

// AudioCache is the façade's read-mostly view of the artifact store.
type AudioCache interface {
	Has(fingerprint string) bool
	Fetch(fingerprint string) ([]byte, string, error)
}

// CursorSink receives cursor updates; the visibility scanner implements it.
type CursorSink interface {
	CursorMoved(ctx context.Context, userID, docID string, cursor int) error
}

// SynthesizeRequest carries one block's synthesis parameters from a session.
type SynthesizeRequest struct {
	UserID     string  `json:"user_id"`
	DocumentID string  `json:"document_id"`
	BlockIdx   int     `json:"block_idx"`
	Text       string  `json:"text"`
	Model      string  `json:"model"`
	Voice      string  `json:"voice"`
	Speed      float64 `json:"speed"`
	Codec      string  `json:"codec"`
}

// Ack is the synchronous answer to Synthesize: either the variant is already
// cached (with its URL) or the work is queued and the session should wait on
// its status channel.
type Ack struct {
	Status     core.Status `json:"status"`
	DocumentID string      `json:"document_id"`
	BlockIdx   int         `json:"block_idx"`
	AudioURL   string      `json:"audio_url,omitempty"`
	ModelSlug  string      `json:"model_slug"`
	VoiceSlug  string      `json:"voice_slug"`
}

// SynthesisService wires the core's pieces behind the session-facing surface.
type SynthesisService struct {
	cfg     *config.Config
	queue   *queue.Queue
	cache   AudioCache
	pub     *notify.Publisher
	cursors CursorSink
	metrics *metrics.Metrics
	logger  *log.Logger
}

func NewSynthesisService(cfg *config.Config, q *queue.Queue, cache AudioCache, pub *notify.Publisher, cursors CursorSink, m *metrics.Metrics) *SynthesisService {
	return &SynthesisService{
		cfg:     cfg,
		queue:   q,
		cache:   cache,
		pub:     pub,
		cursors: cursors,
		metrics: m,
		logger:  log.New(log.Writer(), "[SYNTH] ", log.LstdFlags),
	}
}

// Synthesize resolves one block request: cache hit answers immediately, a
// miss enqueues or subscribes against the in-flight job for the same
// fingerprint. Cache hits emit no billing event; only the first unique
// submission pays, when the result consumer finalizes it.
func (s *SynthesisService) Synthesize(ctx context.Context, req SynthesizeRequest) (Ack, error) {
	if req.Text == "" {
		return Ack{}, ErrEmptyText
	}
	if req.Speed <= 0 {
		req.Speed = 1.0
	}
	if req.Codec == "" {
		req.Codec = "mp3"
	}
	model, err := s.cfg.Model(req.Model)
	if err != nil {
		return Ack{}, fmt.Errorf("%w: %q", ErrUnknownModel, req.Model)
	}

	ack := Ack{
		DocumentID: req.DocumentID,
		BlockIdx:   req.BlockIdx,
		ModelSlug:  model.Slug,
		VoiceSlug:  req.Voice,
	}

	fingerprint := core.Fingerprint(req.Text, model.Slug, req.Voice, req.Speed, req.Codec)
	if s.cache.Has(fingerprint) {
		ack.Status = core.StatusCached
		ack.AudioURL = core.AudioURL(fingerprint)
		s.metrics.RecordEnqueue(model.Slug, "cached")
		s.publish(ctx, req, core.StatusCached, ack.AudioURL)
		return ack, nil
	}

	job := core.NewJob(req.UserID, req.DocumentID, req.BlockIdx, req.Text, model.Slug, req.Voice, req.Speed, req.Codec)
	sub := core.Subscriber{UserID: req.UserID, DocumentID: req.DocumentID, BlockIdx: req.BlockIdx}
	won, err := s.queue.EnqueueOrSubscribe(ctx, job, sub)
	if err != nil {
		return Ack{}, fmt.Errorf("enqueue block %d: %w", req.BlockIdx, err)
	}
	if won {
		s.metrics.RecordEnqueue(model.Slug, "enqueued")
	} else {
		s.metrics.RecordEnqueue(model.Slug, "subscribed")
	}

	ack.Status = core.StatusQueued
	s.publish(ctx, req, core.StatusQueued, "")
	return ack, nil
}

// publish delivers the eager status frame for this submission. Best effort:
// the session already has the synchronous ack, and the terminal status comes
// from the result consumer regardless.
func (s *SynthesisService) publish(ctx context.Context, req SynthesizeRequest, status core.Status, audioURL string) {
	msg := core.StatusMessage{
		DocumentID: req.DocumentID,
		BlockIdx:   req.BlockIdx,
		Status:     status,
		AudioURL:   audioURL,
		ModelSlug:  req.Model,
		VoiceSlug:  req.Voice,
	}
	if err := s.pub.PublishStatus(ctx, req.UserID, req.DocumentID, msg); err != nil {
		s.logger.Printf("⚠️  status publish failed for %s/%s: %v", req.UserID, req.DocumentID, err)
	}
}

// CursorMoved forwards a session's cursor update to the visibility scanner,
// which evicts out-of-window work immediately.
func (s *SynthesisService) CursorMoved(ctx context.Context, userID, docID string, cursor int) error {
	return s.cursors.CursorMoved(ctx, userID, docID, cursor)
}

// FetchAudio resolves a /audio/{fingerprint} reference to the stored bytes
// and their format tag.
func (s *SynthesisService) FetchAudio(fingerprint string) ([]byte, string, error) {
	data, format, err := s.cache.Fetch(fingerprint)
	if errors.Is(err, audiocache.ErrNotFound) {
		return nil, "", ErrNotCached
	}
	return data, format, err
}

// Subscribe attaches a session to its user-document status channel. The
// returned function detaches it.
func (s *SynthesisService) Subscribe(ctx context.Context, userID, docID string, handler func([]byte)) (func(), error) {
	return s.pub.SubscribeStatus(ctx, userID, docID, handler)
}
