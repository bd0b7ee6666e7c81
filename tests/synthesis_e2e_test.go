// Package tests exercises the synthesis pipeline end to end: dedup and
// fan-out, concurrent identical submissions, eviction racing claims, worker
// death and reaping, overflow to elastic compute, and per-session ordering.
// Everything runs against an in-process broker; the only double is the model
// adapter.
package tests

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/narrata/backend/internal/audiocache"
	"github.com/narrata/backend/internal/broker"
	"github.com/narrata/backend/internal/config"
	"github.com/narrata/backend/internal/consumer"
	"github.com/narrata/backend/internal/core"
	"github.com/narrata/backend/internal/notify"
	"github.com/narrata/backend/internal/queue"
	"github.com/narrata/backend/internal/scanner"
	"github.com/narrata/backend/internal/service"
	"github.com/narrata/backend/internal/worker"
	"github.com/narrata/backend/internal/worker/mock"
)

type harness struct {
	broker  broker.Broker
	cache   *audiocache.Cache
	queue   *queue.Queue
	pub     *notify.Publisher
	vis     *scanner.Visibility
	service *service.SynthesisService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := broker.NewRedisBrokerFromClient(client)
	t.Cleanup(func() { b.Close() })

	cache, err := audiocache.New(t.TempDir(), 1<<20, 0.9)
	if err != nil {
		t.Fatalf("audio cache: %v", err)
	}

	cfg := config.Default()
	cfg.Models = []config.ModelConfig{{Slug: "kokoro", UsageMultiplier: 1.0}}

	q := queue.New(b, 5*time.Minute)
	pub := notify.NewPublisher(b)
	vis := scanner.NewVisibility(scanner.VisibilityConfig{Back: 8, Forward: 16}, b, q, pub)
	svc := service.NewSynthesisService(cfg, q, cache, pub, vis, nil)

	return &harness{broker: b, cache: cache, queue: q, pub: pub, vis: vis, service: svc}
}

// startConsumer runs the result consumer for the duration of the test.
func (h *harness) startConsumer(t *testing.T) {
	t.Helper()
	c := consumer.NewResultConsumer(consumer.ResultConfig{
		PopTimeout:  200 * time.Millisecond,
		Multipliers: map[string]float64{"kokoro": 1.0},
	}, h.broker, h.cache, h.pub)
	runUntilCleanup(t, "result consumer", func(ctx context.Context) { c.Run(ctx) })
}

// startWorker runs one mock-backed runner against the kokoro queue.
func (h *harness) startWorker(t *testing.T, adapter *mock.Adapter) {
	t.Helper()
	r := worker.NewRunner(worker.Config{
		Model:       "kokoro",
		PollTimeout: 200 * time.Millisecond,
	}, adapter, h.queue, h.broker)
	runUntilCleanup(t, "worker runner", func(ctx context.Context) { _ = r.Run(ctx) })
}

func runUntilCleanup(t *testing.T, name string, run func(context.Context)) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("%s did not stop", name)
		}
	})
}

// listen collects raw frames from one user-document status channel.
func (h *harness) listen(t *testing.T, userID, docID string) <-chan []byte {
	t.Helper()
	ch := make(chan []byte, 64)
	unsub, err := h.pub.SubscribeStatus(context.Background(), userID, docID, func(frame []byte) {
		ch <- frame
	})
	if err != nil {
		t.Fatalf("subscribe status: %v", err)
	}
	t.Cleanup(unsub)
	return ch
}

// waitForStatus drains frames until one carries the wanted status, skipping
// the eager "queued" frames the façade publishes on submission.
func waitForStatus(t *testing.T, ch <-chan []byte, want core.Status) core.StatusMessage {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case frame := <-ch:
			var msg core.StatusMessage
			if err := json.Unmarshal(frame, &msg); err != nil {
				t.Fatalf("bad frame %s: %v", frame, err)
			}
			if msg.Type == core.MessageTypeStatus && msg.Status == want {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %q status arrived", want)
		}
	}
}

func (h *harness) submit(t *testing.T, userID, docID string, blockIdx int, text string) service.Ack {
	t.Helper()
	ack, err := h.service.Synthesize(context.Background(), service.SynthesizeRequest{
		UserID:     userID,
		DocumentID: docID,
		BlockIdx:   blockIdx,
		Text:       text,
		Model:      "kokoro",
		Voice:      "af_heart",
	})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	return ack
}

// =============================================================================
// 1. CACHE HIT — second submission of a finalized variant never queues
// =============================================================================

func TestCacheHit_SecondUserServedFromCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	adapter := &mock.Adapter{Audio: []byte("rendered"), DurationMs: 900}

	h.startConsumer(t)
	h.startWorker(t, adapter)

	aliceCh := h.listen(t, "alice", "doc-a")
	ack := h.submit(t, "alice", "doc-a", 3, "hello")
	if ack.Status != core.StatusQueued {
		t.Fatalf("first submission should queue, got %s", ack.Status)
	}

	cached := waitForStatus(t, aliceCh, core.StatusCached)
	if cached.AudioURL == "" {
		t.Fatal("cached status must carry the audio URL")
	}

	// Exactly one billing event, for the first submitter.
	payload, err := h.broker.BillingPop(ctx, 2*time.Second)
	if err != nil {
		t.Fatalf("expected one billing event: %v", err)
	}
	var event core.BillingEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		t.Fatalf("bad billing event: %v", err)
	}
	if event.UserID != "alice" {
		t.Errorf("billing event belongs to the first submitter, got %s", event.UserID)
	}

	// Bob submits the identical tuple: answered from cache, no queue entry,
	// no second worker call, no second billing event.
	bobAck := h.submit(t, "bob", "doc-b", 0, "hello")
	if bobAck.Status != core.StatusCached {
		t.Fatalf("identical submission should hit the cache, got %s", bobAck.Status)
	}
	if bobAck.AudioURL != cached.AudioURL {
		t.Errorf("both users must see the same variant URL: %s vs %s", bobAck.AudioURL, cached.AudioURL)
	}

	if depth, _ := h.queue.Len(ctx, "kokoro"); depth != 0 {
		t.Errorf("cache hit must not enqueue, queue depth %d", depth)
	}
	if calls := len(adapter.Calls()); calls != 1 {
		t.Errorf("expected exactly one synthesis, got %d", calls)
	}
	if _, err := h.broker.BillingPop(ctx, 500*time.Millisecond); err == nil {
		t.Error("cache hit must not bill")
	}
}

// =============================================================================
// 2. CONCURRENT IDENTICAL SUBMISSIONS — one flight, N notifications
// =============================================================================

func TestConcurrentIdenticalSubmissions_SingleFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const sessions = 50

	cachedCount := make(chan core.StatusMessage, sessions)
	for i := 0; i < sessions; i++ {
		userID := fmt.Sprintf("user-%02d", i)
		docID := fmt.Sprintf("doc-%02d", i)
		_, err := h.pub.SubscribeStatus(ctx, userID, docID, func(frame []byte) {
			var msg core.StatusMessage
			if json.Unmarshal(frame, &msg) == nil &&
				msg.Type == core.MessageTypeStatus && msg.Status == core.StatusCached {
				cachedCount <- msg
			}
		})
		if err != nil {
			t.Fatalf("subscribe %s: %v", userID, err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.submit(t, fmt.Sprintf("user-%02d", i), fmt.Sprintf("doc-%02d", i), 4, "same text everywhere")
		}(i)
	}
	wg.Wait()

	if depth, _ := h.queue.Len(ctx, "kokoro"); depth != 1 {
		t.Fatalf("identical submissions must collapse to one queue entry, got %d", depth)
	}

	adapter := &mock.Adapter{Audio: []byte("once"), DurationMs: 500}
	h.startConsumer(t)
	h.startWorker(t, adapter)

	deadline := time.After(15 * time.Second)
	for received := 0; received < sessions; {
		select {
		case <-cachedCount:
			received++
		case <-deadline:
			t.Fatalf("only %d of %d sessions notified", received, sessions)
		}
	}

	if calls := len(adapter.Calls()); calls != 1 {
		t.Errorf("expected exactly one worker invocation, got %d", calls)
	}
	if _, err := h.broker.BillingPop(ctx, 2*time.Second); err != nil {
		t.Fatalf("expected one billing event: %v", err)
	}
	if _, err := h.broker.BillingPop(ctx, 500*time.Millisecond); err == nil {
		t.Error("expected exactly one billing event, got more")
	}

	for i := 0; i < sessions; i++ {
		pending, err := h.broker.PendingList(ctx, fmt.Sprintf("user-%02d", i), fmt.Sprintf("doc-%02d", i))
		if err != nil {
			t.Fatalf("pending list: %v", err)
		}
		if len(pending) != 0 {
			t.Errorf("user-%02d still has pending blocks %v", i, pending)
		}
	}
}

// =============================================================================
// 3. EVICTION RACES CLAIM — no block is both evicted and finalized
// =============================================================================

func TestEvictionRacesClaim_BlocksSettleExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		h.submit(t, "alice", "doc-a", i, fmt.Sprintf("paragraph number %d", i))
	}

	// Two claims land before the cursor jump, simulating in-flight work.
	inFlight := make(map[int]core.SynthesisJob)
	for i := 0; i < 2; i++ {
		job, ok, err := h.queue.Claim(ctx, "kokoro", time.Second)
		if err != nil || !ok {
			t.Fatalf("claim %d: ok=%v err=%v", i, ok, err)
		}
		inFlight[job.BlockIdx] = job
	}

	aliceCh := h.listen(t, "alice", "doc-a")

	// Cursor jumps to 25: the window becomes [17, 41], leaving every
	// submitted block behind.
	if err := h.vis.CursorMoved(ctx, "alice", "doc-a", 25); err != nil {
		t.Fatalf("cursor move: %v", err)
	}

	var evicted core.EvictedMessage
	select {
	case frame := <-aliceCh:
		if err := json.Unmarshal(frame, &evicted); err != nil || evicted.Type != core.MessageTypeEvicted {
			t.Fatalf("expected evicted frame, got %s", frame)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no evicted frame arrived")
	}

	if len(evicted.BlockIndices) != 6 {
		t.Fatalf("expected 6 evicted blocks, got %v", evicted.BlockIndices)
	}
	for _, idx := range evicted.BlockIndices {
		if _, claimed := inFlight[idx]; claimed {
			t.Errorf("block %d was in flight and must not be evicted", idx)
		}
	}

	// In-flight blocks still finalize as cached.
	h.startConsumer(t)
	for _, job := range inFlight {
		record := core.ResultRecord{
			JobUUID:     job.UUID,
			Fingerprint: job.Fingerprint,
			UserID:      job.UserID,
			DocumentID:  job.DocumentID,
			BlockIdx:    job.BlockIdx,
			ModelSlug:   job.ModelSlug,
			VoiceSlug:   job.VoiceSlug,
			TextLen:     len(job.Params.Text),
			WorkerID:    "worker-test",
			Format:      "mp3",
			DurationMs:  700,
		}
		record.SetAudio([]byte("late audio"))
		payload, _ := json.Marshal(record)
		if err := h.broker.ResultPush(ctx, payload); err != nil {
			t.Fatalf("result push: %v", err)
		}
	}

	got := make(map[int]bool)
	for range inFlight {
		msg := waitForStatus(t, aliceCh, core.StatusCached)
		got[msg.BlockIdx] = true
	}
	for idx := range inFlight {
		if !got[idx] {
			t.Errorf("in-flight block %d never finalized", idx)
		}
	}
	for _, idx := range evicted.BlockIndices {
		if got[idx] {
			t.Errorf("block %d produced both evicted and cached", idx)
		}
	}
}

// =============================================================================
// 4. WORKER DEATH — the reaper requeues at the original timestamp
// =============================================================================

func TestWorkerDeath_JobReapedAndCompletedOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	aliceCh := h.listen(t, "alice", "doc-a")
	h.submit(t, "alice", "doc-a", 0, "text the dead worker claimed")

	job, ok, err := h.queue.Claim(ctx, "kokoro", time.Second)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	// The worker wrote its processing entry and then died: the entry's age
	// already exceeds the reap threshold.
	entry := core.ProcessingEntry{
		StartedAt: time.Now().Add(-2 * time.Minute).UnixMilli(),
		Job:       job,
	}
	entryJSON, _ := json.Marshal(entry)
	if err := h.broker.ProcessingPut(ctx, "worker-dead", job.UUID, entryJSON); err != nil {
		t.Fatalf("processing put: %v", err)
	}

	reaper := scanner.NewReaper(scanner.ReaperConfig{
		Threshold:       time.Minute,
		SingleflightTTL: 5 * time.Minute,
	}, h.broker, h.queue)
	reaper.Sweep(ctx)

	entries, err := h.broker.ProcessingScan(ctx, "worker-dead")
	if err != nil {
		t.Fatalf("processing scan: %v", err)
	}
	if len(entries) != 0 {
		t.Fatal("reaped entry must be removed")
	}

	score, found, err := h.queue.HeadScore(ctx, "kokoro")
	if err != nil || !found {
		t.Fatalf("head score: found=%v err=%v", found, err)
	}
	if int64(score) != job.CreatedAt {
		t.Errorf("requeued job must keep its place in line: score=%d created=%d", int64(score), job.CreatedAt)
	}

	// A surviving worker picks it up and exactly one cached frame lands.
	h.startConsumer(t)
	h.startWorker(t, &mock.Adapter{Audio: []byte("revived"), DurationMs: 600})

	msg := waitForStatus(t, aliceCh, core.StatusCached)
	if msg.BlockIdx != 0 {
		t.Errorf("wrong block finalized: %d", msg.BlockIdx)
	}

	select {
	case frame := <-aliceCh:
		var dup core.StatusMessage
		if json.Unmarshal(frame, &dup) == nil && dup.Status == core.StatusCached {
			t.Errorf("block finalized twice")
		}
	case <-time.After(time.Second):
	}
}

// =============================================================================
// 5. OVERFLOW — a stale head runs remotely and finalizes like a local result
// =============================================================================

type fakeElastic struct {
	mu    sync.Mutex
	calls []core.SynthesisParams
}

func (f *fakeElastic) Ready(string) bool { return true }

func (f *fakeElastic) Synthesize(_ context.Context, _ string, params core.SynthesisParams) ([]byte, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, params)
	return []byte("remote audio"), 800, nil
}

func TestOverflow_StaleHeadPromotedToRemote(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	aliceCh := h.listen(t, "alice", "doc-a")
	h.submit(t, "alice", "doc-a", 2, "no local worker will take this")
	time.Sleep(20 * time.Millisecond) // age past the threshold below

	fd := &fakeElastic{}
	ovf := scanner.NewOverflow(scanner.OverflowConfig{
		Threshold:    time.Millisecond,
		ClaimTimeout: time.Second,
		Endpoints:    map[string]string{"kokoro": "http://elastic.example"},
	}, h.broker, h.queue, fd)
	ovf.Sweep(ctx, "kokoro", "http://elastic.example")

	if len(fd.calls) != 1 {
		t.Fatalf("expected one remote dispatch, got %d", len(fd.calls))
	}

	// The record on the result list carries the overflow worker identity but
	// is otherwise indistinguishable from a local worker's.
	payload, err := h.broker.ResultPop(ctx, 2*time.Second)
	if err != nil {
		t.Fatalf("result pop: %v", err)
	}
	var record core.ResultRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		t.Fatalf("bad result record: %v", err)
	}
	if record.WorkerID != scanner.WorkerID("kokoro") {
		t.Errorf("overflow record worker id = %s", record.WorkerID)
	}
	if record.DurationMs != 800 {
		t.Errorf("remote duration lost: %d", record.DurationMs)
	}
	if err := h.broker.ResultPush(ctx, payload); err != nil {
		t.Fatalf("result push: %v", err)
	}

	h.startConsumer(t)
	msg := waitForStatus(t, aliceCh, core.StatusCached)
	if msg.BlockIdx != 2 {
		t.Errorf("wrong block finalized: %d", msg.BlockIdx)
	}
	if !h.cache.Has(record.Fingerprint) {
		t.Error("remote audio must land in the cache like a local result")
	}
}

// =============================================================================
// 6. ORDERING — statuses arrive in finalization order, not block order
// =============================================================================

func TestSessionSeesFinalizationOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	jobs := make(map[int]core.SynthesisJob)
	for i := 0; i < 3; i++ {
		h.submit(t, "alice", "doc-a", i, fmt.Sprintf("ordered block %d", i))
	}
	for i := 0; i < 3; i++ {
		job, ok, err := h.queue.Claim(ctx, "kokoro", time.Second)
		if err != nil || !ok {
			t.Fatalf("claim: ok=%v err=%v", ok, err)
		}
		jobs[job.BlockIdx] = job
	}

	aliceCh := h.listen(t, "alice", "doc-a")
	h.startConsumer(t)

	// Results finalize in the order 2, 0, 1; the pipeline must not reorder.
	finalizeOrder := []int{2, 0, 1}
	for _, idx := range finalizeOrder {
		job := jobs[idx]
		record := core.ResultRecord{
			JobUUID:     job.UUID,
			Fingerprint: job.Fingerprint,
			UserID:      job.UserID,
			DocumentID:  job.DocumentID,
			BlockIdx:    job.BlockIdx,
			ModelSlug:   job.ModelSlug,
			VoiceSlug:   job.VoiceSlug,
			WorkerID:    "worker-test",
			Format:      "mp3",
			DurationMs:  500,
		}
		record.SetAudio([]byte(fmt.Sprintf("audio %d", idx)))
		payload, _ := json.Marshal(record)
		if err := h.broker.ResultPush(ctx, payload); err != nil {
			t.Fatalf("result push: %v", err)
		}
	}

	var got []int
	for len(got) < 3 {
		msg := waitForStatus(t, aliceCh, core.StatusCached)
		got = append(got, msg.BlockIdx)
	}
	for i, want := range finalizeOrder {
		if got[i] != want {
			t.Fatalf("statuses out of finalization order: got %v, want %v", got, finalizeOrder)
		}
	}
}
