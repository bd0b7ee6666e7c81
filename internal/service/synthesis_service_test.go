package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrata/backend/internal/audiocache"
	"github.com/narrata/backend/internal/broker"
	"github.com/narrata/backend/internal/config"
	"github.com/narrata/backend/internal/core"
	"github.com/narrata/backend/internal/notify"
	"github.com/narrata/backend/internal/queue"
	"github.com/narrata/backend/internal/scanner"
)

func newTestService(t *testing.T) (*SynthesisService, broker.Broker, *queue.Queue, *audiocache.Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := broker.NewRedisBrokerFromClient(client)
	t.Cleanup(func() { b.Close() })

	cache, err := audiocache.New(t.TempDir(), 1<<20, 0.9)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Models = []config.ModelConfig{{Slug: "kokoro"}}

	q := queue.New(b, 5*time.Minute)
	pub := notify.NewPublisher(b)
	vis := scanner.NewVisibility(scanner.VisibilityConfig{Back: 8, Forward: 16}, b, q, pub)
	svc := NewSynthesisService(cfg, q, cache, pub, vis, nil)
	return svc, b, q, cache
}

func blockRequest(text string, blockIdx int) SynthesizeRequest {
	return SynthesizeRequest{
		UserID:     "alice",
		DocumentID: "doc1",
		BlockIdx:   blockIdx,
		Text:       text,
		Model:      "kokoro",
		Voice:      "af_heart",
		Speed:      1.0,
		Codec:      "mp3",
	}
}

func TestSynthesizeEnqueuesOnMiss(t *testing.T) {
	svc, b, q, _ := newTestService(t)
	ctx := context.Background()

	ack, err := svc.Synthesize(ctx, blockRequest("hello world", 3))
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, ack.Status)
	assert.Empty(t, ack.AudioURL)

	n, err := q.Len(ctx, "kokoro")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pending, err := b.PendingList(ctx, "alice", "doc1")
	require.NoError(t, err)
	assert.Equal(t, []int{3}, pending)
}

func TestSynthesizeAnswersFromCache(t *testing.T) {
	svc, _, q, cache := newTestService(t)
	ctx := context.Background()

	fingerprint := core.Fingerprint("hello world", "kokoro", "af_heart", 1.0, "mp3")
	_, err := cache.Store(fingerprint, []byte("audio bytes"), "mp3")
	require.NoError(t, err)

	ack, err := svc.Synthesize(ctx, blockRequest("hello world", 3))
	require.NoError(t, err)
	assert.Equal(t, core.StatusCached, ack.Status)
	assert.Equal(t, core.AudioURL(fingerprint), ack.AudioURL)

	n, err := q.Len(ctx, "kokoro")
	require.NoError(t, err)
	assert.Zero(t, n, "cache hits never touch the queue")
}

func TestDuplicateSubmissionSubscribes(t *testing.T) {
	svc, b, q, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Synthesize(ctx, blockRequest("same text", 1))
	require.NoError(t, err)

	// Another user, identical tuple: one queue entry, two subscribers.
	second := blockRequest("same text", 8)
	second.UserID = "bob"
	second.DocumentID = "doc9"
	ack, err := svc.Synthesize(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, core.StatusQueued, ack.Status)

	n, err := q.Len(ctx, "kokoro")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	fingerprint := core.Fingerprint("same text", "kokoro", "af_heart", 1.0, "mp3")
	subs, err := b.SubscriberCount(ctx, fingerprint)
	require.NoError(t, err)
	assert.Equal(t, int64(2), subs)
}

func TestSynthesizePublishesQueuedStatus(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	frames := make(chan []byte, 2)
	unsub, err := svc.Subscribe(ctx, "alice", "doc1", func(p []byte) { frames <- p })
	require.NoError(t, err)
	defer unsub()

	_, err = svc.Synthesize(ctx, blockRequest("announce me", 2))
	require.NoError(t, err)

	select {
	case payload := <-frames:
		var msg core.StatusMessage
		require.NoError(t, json.Unmarshal(payload, &msg))
		assert.Equal(t, core.MessageTypeStatus, msg.Type)
		assert.Equal(t, core.StatusQueued, msg.Status)
		assert.Equal(t, 2, msg.BlockIdx)
	case <-time.After(2 * time.Second):
		t.Fatal("no queued status delivered")
	}
}

func TestSynthesizeRejectsBadInput(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Synthesize(ctx, SynthesizeRequest{UserID: "alice", Model: "kokoro"})
	assert.ErrorIs(t, err, ErrEmptyText)

	req := blockRequest("hello", 0)
	req.Model = "nonexistent"
	_, err = svc.Synthesize(ctx, req)
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestCursorMovedEvictsThroughFacade(t *testing.T) {
	svc, b, q, _ := newTestService(t)
	ctx := context.Background()

	for idx := 0; idx < 4; idx++ {
		_, err := svc.Synthesize(ctx, blockRequest("block number "+string(rune('a'+idx)), idx))
		require.NoError(t, err)
	}

	require.NoError(t, svc.CursorMoved(ctx, "alice", "doc1", 100))

	n, err := q.Len(ctx, "kokoro")
	require.NoError(t, err)
	assert.Zero(t, n)
	pending, err := b.PendingList(ctx, "alice", "doc1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFetchAudioRoundTrip(t *testing.T) {
	svc, _, _, cache := newTestService(t)

	fingerprint := core.Fingerprint("stored text", "kokoro", "af_heart", 1.0, "mp3")
	_, err := cache.Store(fingerprint, []byte("stored audio"), "mp3")
	require.NoError(t, err)

	data, format, err := svc.FetchAudio(fingerprint)
	require.NoError(t, err)
	assert.Equal(t, []byte("stored audio"), data)
	assert.Equal(t, "mp3", format)

	_, _, err = svc.FetchAudio("missing-fingerprint")
	assert.ErrorIs(t, err, ErrNotCached)
}
