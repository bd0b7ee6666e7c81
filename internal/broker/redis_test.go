package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) (*RedisBroker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisBrokerFromClient(client)
	t.Cleanup(func() { b.Close() })
	return b, mr
}

func TestSingleflightAcquireRelease(t *testing.T) {
	b, mr := newTestBroker(t)
	ctx := context.Background()

	won, err := b.AcquireSingleflight(ctx, "fp-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, won, "first acquire should win")

	won, err = b.AcquireSingleflight(ctx, "fp-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, won, "second acquire should lose while the lock is held")

	released, err := b.ReleaseSingleflight(ctx, "fp-1")
	require.NoError(t, err)
	assert.True(t, released, "release of a held lock reports existence")

	released, err = b.ReleaseSingleflight(ctx, "fp-1")
	require.NoError(t, err)
	assert.False(t, released, "double release reports the lock was gone")

	// After expiry the fingerprint is free again.
	won, err = b.AcquireSingleflight(ctx, "fp-2", 30*time.Second)
	require.NoError(t, err)
	require.True(t, won)
	mr.FastForward(31 * time.Second)
	won, err = b.AcquireSingleflight(ctx, "fp-2", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, won, "expired lock is acquirable")
}

func TestQueuePushPopOrdering(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.QueuePush(ctx, "kokoro", "job-b", []byte(`{"n":2}`), 2000))
	require.NoError(t, b.QueuePush(ctx, "kokoro", "job-a", []byte(`{"n":1}`), 1000))
	require.NoError(t, b.QueuePush(ctx, "kokoro", "job-c", []byte(`{"n":3}`), 3000))

	n, err := b.QueueLen(ctx, "kokoro")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	uuid, score, err := b.QueuePopMin(ctx, "kokoro", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "job-a", uuid)
	assert.Equal(t, float64(1000), score)

	uuid, _, err = b.QueuePopMin(ctx, "kokoro", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "job-b", uuid)

	body, err := b.QueueFetchBody(ctx, "kokoro", "job-b")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"n":2}`), body)
	require.NoError(t, b.QueueDeleteBody(ctx, "kokoro", "job-b"))
	_, err = b.QueueFetchBody(ctx, "kokoro", "job-b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueuePopEqualScoresBreaksTiesByUUID(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.QueuePush(ctx, "kokoro", "bbb", []byte("2"), 1000))
	require.NoError(t, b.QueuePush(ctx, "kokoro", "aaa", []byte("1"), 1000))

	uuid, _, err := b.QueuePopMin(ctx, "kokoro", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "aaa", uuid, "equal scores pop in lexicographic member order")
}

func TestQueuePopTimesOutEmpty(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	_, _, err := b.QueuePopMin(ctx, "empty-model", time.Second)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestQueuePopWaitsForLatePush(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = b.QueuePush(ctx, "kokoro", "late-job", []byte("x"), 700)
	}()

	uuid, score, err := b.QueuePopMin(ctx, "kokoro", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "late-job", uuid, "a pop already waiting claims the push")
	assert.Equal(t, float64(700), score)
}

func TestQueuePeekAndRemoveArbiter(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	_, _, err := b.QueuePeekHead(ctx, "kokoro")
	assert.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, b.QueuePush(ctx, "kokoro", "job-1", []byte("x"), 500))
	uuid, score, err := b.QueuePeekHead(ctx, "kokoro")
	require.NoError(t, err)
	assert.Equal(t, "job-1", uuid)
	assert.Equal(t, float64(500), score)

	// Peek does not consume.
	n, err := b.QueueLen(ctx, "kokoro")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	owned, err := b.QueueRemove(ctx, "kokoro", "job-1")
	require.NoError(t, err)
	assert.True(t, owned, "remove of a queued entry wins")

	owned, err = b.QueueRemove(ctx, "kokoro", "job-1")
	require.NoError(t, err)
	assert.False(t, owned, "remove after the entry is gone loses")
}

func TestSubscriberDrainEmptiesSet(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.SubscriberAdd(ctx, "fp-1", []byte(`{"u":"alice"}`)))
	require.NoError(t, b.SubscriberAdd(ctx, "fp-1", []byte(`{"u":"bob"}`)))
	// Set semantics deduplicate a repeated subscribe.
	require.NoError(t, b.SubscriberAdd(ctx, "fp-1", []byte(`{"u":"alice"}`)))

	n, err := b.SubscriberCount(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	entries, err := b.SubscriberDrain(ctx, "fp-1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = b.SubscriberDrain(ctx, "fp-1")
	require.NoError(t, err)
	assert.Empty(t, entries, "second drain finds nothing")

	n, err = b.SubscriberCount(ctx, "fp-1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPendingAndBlockJobIndices(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.PendingAdd(ctx, "u1", "doc1", 4))
	require.NoError(t, b.PendingAdd(ctx, "u1", "doc1", 9))
	require.NoError(t, b.PendingAdd(ctx, "u1", "doc1", 9))

	idxs, err := b.PendingList(ctx, "u1", "doc1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{4, 9}, idxs)

	require.NoError(t, b.PendingRemove(ctx, "u1", "doc1", 4))
	idxs, err = b.PendingList(ctx, "u1", "doc1")
	require.NoError(t, err)
	assert.Equal(t, []int{9}, idxs)

	require.NoError(t, b.BlockJobPut(ctx, "u1", "doc1", 9, []byte(`{"uuid":"j1","model":"kokoro"}`)))
	ref, err := b.BlockJobGet(ctx, "u1", "doc1", 9)
	require.NoError(t, err)
	assert.JSONEq(t, `{"uuid":"j1","model":"kokoro"}`, string(ref))

	require.NoError(t, b.BlockJobDelete(ctx, "u1", "doc1", 9))
	_, err = b.BlockJobGet(ctx, "u1", "doc1", 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProcessingEntriesAndRegistry(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.ProcessingPut(ctx, "worker-1", "job-1", []byte(`{"started_at":1}`)))
	require.NoError(t, b.ProcessingPut(ctx, "worker-1", "job-2", []byte(`{"started_at":2}`)))
	require.NoError(t, b.ProcessingPut(ctx, "worker-2", "job-3", []byte(`{"started_at":3}`)))

	workers, err := b.ProcessingWorkers(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"worker-1", "worker-2"}, workers)

	entries, err := b.ProcessingScan(ctx, "worker-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Contains(t, entries, "job-1")
	assert.Contains(t, entries, "job-2")

	require.NoError(t, b.ProcessingDelete(ctx, "worker-1", "job-1"))
	entries, err = b.ProcessingScan(ctx, "worker-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestResultAndBillingLists(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.ResultPush(ctx, []byte("r1")))
	require.NoError(t, b.ResultPush(ctx, []byte("r2")))

	rec, err := b.ResultPop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("r1"), rec, "results pop in FIFO order")

	require.NoError(t, b.BillingPush(ctx, []byte("bill-1")))
	ev, err := b.BillingPop(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("bill-1"), ev)

	require.NoError(t, b.DeadLetterPush(ctx, []byte("dead-1")))
	require.NoError(t, b.DeadLetterPush(ctx, []byte("dead-2")))
	n, err := b.DeadLetterLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	received := make(chan []byte, 1)
	unsubscribe, err := b.Subscribe(ctx, StatusChannel("u1", "doc1"), func(payload []byte) {
		received <- payload
	})
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, b.Publish(ctx, StatusChannel("u1", "doc1"), []byte(`{"status":"cached"}`)))

	select {
	case payload := <-received:
		assert.JSONEq(t, `{"status":"cached"}`, string(payload))
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not receive published message")
	}
}

func TestStatusChannelNaming(t *testing.T) {
	assert.Equal(t, "narrata:status:u1:doc1", StatusChannel("u1", "doc1"))
}

func TestCursorPutScanDelete(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, b.CursorPut(ctx, "u1", "doc1", []byte(`{"cursor":3}`)))
	require.NoError(t, b.CursorPut(ctx, "u2", "doc9", []byte(`{"cursor":40}`)))
	// Overwrite keeps one entry per session.
	require.NoError(t, b.CursorPut(ctx, "u1", "doc1", []byte(`{"cursor":5}`)))

	entries, err := b.CursorScan(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	require.NoError(t, b.CursorDelete(ctx, "u2", "doc9"))
	entries, err = b.CursorScan(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.JSONEq(t, `{"cursor":5}`, string(entries[0]))
}
