package scanner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narrata/backend/internal/broker"
	"github.com/narrata/backend/internal/core"
	"github.com/narrata/backend/internal/notify"
	"github.com/narrata/backend/internal/queue"
)

func newTestEnv(t *testing.T) (broker.Broker, *queue.Queue, *notify.Publisher) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := broker.NewRedisBrokerFromClient(client)
	t.Cleanup(func() { b.Close() })
	return b, queue.New(b, 5*time.Minute), notify.NewPublisher(b)
}

func enqueueBlock(t *testing.T, q *queue.Queue, userID, docID string, idx int, text string) core.SynthesisJob {
	t.Helper()
	job := core.NewJob(userID, docID, idx, text, "kokoro", "af_heart", 1.0, "mp3")
	sub := core.Subscriber{UserID: userID, DocumentID: docID, BlockIdx: idx}
	won, err := q.EnqueueOrSubscribe(context.Background(), job, sub)
	require.NoError(t, err)
	require.True(t, won)
	return job
}

func TestCursorMovedEvictsOutsideWindow(t *testing.T) {
	b, q, pub := newTestEnv(t)
	ctx := context.Background()
	v := NewVisibility(VisibilityConfig{Back: 8, Forward: 16}, b, q, pub)

	for idx := 0; idx < 8; idx++ {
		enqueueBlock(t, q, "alice", "doc1", idx, "block text "+string(rune('a'+idx)))
	}

	frames := make(chan []byte, 4)
	unsub, err := pub.SubscribeStatus(ctx, "alice", "doc1", func(p []byte) { frames <- p })
	require.NoError(t, err)
	defer unsub()

	// Window becomes [17, 41]; every queued block falls outside it.
	require.NoError(t, v.CursorMoved(ctx, "alice", "doc1", 25))

	pending, err := b.PendingList(ctx, "alice", "doc1")
	require.NoError(t, err)
	assert.Empty(t, pending, "all pending blocks left the window")

	n, err := q.Len(ctx, "kokoro")
	require.NoError(t, err)
	assert.Zero(t, n, "queue drained by eviction")

	select {
	case payload := <-frames:
		var msg core.EvictedMessage
		require.NoError(t, json.Unmarshal(payload, &msg))
		assert.Equal(t, core.MessageTypeEvicted, msg.Type)
		assert.Equal(t, "doc1", msg.DocumentID)
		assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, msg.BlockIndices)
	case <-time.After(2 * time.Second):
		t.Fatal("no evicted message delivered")
	}
}

func TestEvictionSkipsClaimedBlocks(t *testing.T) {
	b, q, pub := newTestEnv(t)
	ctx := context.Background()
	v := NewVisibility(VisibilityConfig{Back: 8, Forward: 16}, b, q, pub)

	enqueueBlock(t, q, "alice", "doc1", 0, "first block")
	enqueueBlock(t, q, "alice", "doc1", 1, "second block")

	// A worker grabs the oldest block before the cursor moves.
	claimed, ok, err := q.Claim(ctx, "kokoro", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, claimed.BlockIdx)

	frames := make(chan []byte, 2)
	unsub, err := pub.SubscribeStatus(ctx, "alice", "doc1", func(p []byte) { frames <- p })
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, v.CursorMoved(ctx, "alice", "doc1", 40))

	select {
	case payload := <-frames:
		var msg core.EvictedMessage
		require.NoError(t, json.Unmarshal(payload, &msg))
		assert.Equal(t, []int{1}, msg.BlockIndices, "only the still-queued block is evicted")
	case <-time.After(2 * time.Second):
		t.Fatal("no evicted message delivered")
	}

	// The claimed block stays pending; the result consumer settles it when
	// the in-flight synthesis lands.
	pending, err := b.PendingList(ctx, "alice", "doc1")
	require.NoError(t, err)
	assert.Equal(t, []int{0}, pending)
}

func TestBlocksInsideWindowSurvive(t *testing.T) {
	b, q, pub := newTestEnv(t)
	ctx := context.Background()
	v := NewVisibility(VisibilityConfig{Back: 2, Forward: 4}, b, q, pub)

	enqueueBlock(t, q, "alice", "doc1", 5, "kept block")
	enqueueBlock(t, q, "alice", "doc1", 30, "dropped block")

	require.NoError(t, v.CursorMoved(ctx, "alice", "doc1", 6))

	pending, err := b.PendingList(ctx, "alice", "doc1")
	require.NoError(t, err)
	assert.Equal(t, []int{5}, pending)
	n, err := q.Len(ctx, "kokoro")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSweepForgetsSilentSessions(t *testing.T) {
	b, q, pub := newTestEnv(t)
	ctx := context.Background()
	v := NewVisibility(VisibilityConfig{Back: 8, Forward: 16, SessionTTL: time.Minute}, b, q, pub)

	stale := sessionCursor{
		UserID:     "ghost",
		DocumentID: "doc1",
		Cursor:     3,
		UpdatedAt:  time.Now().Add(-2 * time.Minute).UnixMilli(),
	}
	payload, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, b.CursorPut(ctx, stale.UserID, stale.DocumentID, payload))

	v.sweep(ctx)

	entries, err := b.CursorScan(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries, "silent session's cursor entry is dropped")
}

func TestPeriodicSweepCatchesLostCursorEvents(t *testing.T) {
	b, q, pub := newTestEnv(t)
	ctx := context.Background()
	v := NewVisibility(VisibilityConfig{Back: 8, Forward: 16, SessionTTL: time.Minute}, b, q, pub)

	enqueueBlock(t, q, "alice", "doc1", 2, "old block")

	// Simulate a cursor update that arrived on another replica: the broker
	// holds the entry but this replica never saw a CursorMoved call.
	sc := sessionCursor{UserID: "alice", DocumentID: "doc1", Cursor: 50, UpdatedAt: time.Now().UnixMilli()}
	payload, err := json.Marshal(sc)
	require.NoError(t, err)
	require.NoError(t, b.CursorPut(ctx, "alice", "doc1", payload))

	v.sweep(ctx)

	pending, err := b.PendingList(ctx, "alice", "doc1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}
