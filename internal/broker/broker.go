// Package broker defines the logical operations the synthesis core performs
// against the shared message broker, and the key layout those operations
// live in. Every replica of the gateway and every worker process mutates
// shared state exclusively through these primitives; each one maps to a
// single atomic broker command (or one pipelined transaction), so no caller
// ever holds a cross-key lock.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout reports that a blocking pop reached its poll window with
	// nothing to deliver. Loops treat it as "go around again".
	ErrTimeout = errors.New("broker: blocking pop timed out")

	// ErrEmpty reports an empty queue on a non-blocking peek.
	ErrEmpty = errors.New("broker: queue empty")

	// ErrNotFound reports a missing key or hash field.
	ErrNotFound = errors.New("broker: not found")
)

// Broker is the complete gateway-to-broker surface. The concrete
// implementation lives in RedisBroker; tests exercise the same interface
// against an in-process server.
type Broker interface {
	// Singleflight lock, keyed by fingerprint. Acquire is insert-if-absent
	// with a TTL; Release atomically deletes and reports whether the key
	// existed, which is the at-most-once finalization gate.
	AcquireSingleflight(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error)
	ReleaseSingleflight(ctx context.Context, fingerprint string) (bool, error)

	// Per-model queue: priority index (score = enqueue unix-milli) plus a
	// body map, written together. PopMin blocks up to timeout and returns
	// ErrTimeout when nothing arrived; Remove is the eviction arbiter and
	// reports whether the entry was still queued.
	QueuePush(ctx context.Context, model, jobUUID string, body []byte, score float64) error
	QueuePopMin(ctx context.Context, model string, timeout time.Duration) (jobUUID string, score float64, err error)
	QueuePeekHead(ctx context.Context, model string) (jobUUID string, score float64, err error)
	QueueRemove(ctx context.Context, model, jobUUID string) (bool, error)
	QueueFetchBody(ctx context.Context, model, jobUUID string) ([]byte, error)
	QueueDeleteBody(ctx context.Context, model, jobUUID string) error
	QueueLen(ctx context.Context, model string) (int64, error)

	// Subscriber set per fingerprint. Add is idempotent; Drain reads and
	// deletes in one transaction; Count peeks without consuming.
	SubscriberAdd(ctx context.Context, fingerprint string, entry []byte) error
	SubscriberDrain(ctx context.Context, fingerprint string) ([][]byte, error)
	SubscriberCount(ctx context.Context, fingerprint string) (int64, error)

	// Pending block indices per user-document, and the secondary index
	// resolving (user, doc, block) to the queued job.
	PendingAdd(ctx context.Context, userID, docID string, blockIdx int) error
	PendingRemove(ctx context.Context, userID, docID string, blockIdx int) error
	PendingList(ctx context.Context, userID, docID string) ([]int, error)
	BlockJobPut(ctx context.Context, userID, docID string, blockIdx int, ref []byte) error
	BlockJobGet(ctx context.Context, userID, docID string, blockIdx int) ([]byte, error)
	BlockJobDelete(ctx context.Context, userID, docID string, blockIdx int) error

	// Processing entries per worker, plus the worker registry the reaper
	// walks.
	ProcessingPut(ctx context.Context, workerID, jobUUID string, entry []byte) error
	ProcessingScan(ctx context.Context, workerID string) (map[string][]byte, error)
	ProcessingDelete(ctx context.Context, workerID, jobUUID string) error
	ProcessingWorkers(ctx context.Context) ([]string, error)

	// Session cursors feeding the visibility scanner. Put overwrites the
	// session's entry; Scan returns every live entry's payload; Delete
	// forgets a session that stopped reporting.
	CursorPut(ctx context.Context, userID, docID string, payload []byte) error
	CursorScan(ctx context.Context) ([][]byte, error)
	CursorDelete(ctx context.Context, userID, docID string) error

	// Shared result and billing lists.
	ResultPush(ctx context.Context, record []byte) error
	ResultPop(ctx context.Context, timeout time.Duration) ([]byte, error)
	BillingPush(ctx context.Context, event []byte) error
	BillingPop(ctx context.Context, timeout time.Duration) ([]byte, error)
	DeadLetterPush(ctx context.Context, payload []byte) error
	DeadLetterLen(ctx context.Context) (int64, error)

	// Fan-out to live sessions.
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error)

	// Ping verifies connectivity for health checks.
	Ping(ctx context.Context) error

	Close() error
}

// Key layout. Everything the core writes lives under the narrata: prefix so
// a shared broker instance stays inspectable.
const (
	keyPrefix      = "narrata:"
	resultsKey     = keyPrefix + "results"
	billingKey     = keyPrefix + "billing"
	deadLetterKey  = keyPrefix + "billing:deadletter"
	workerRegistry = keyPrefix + "processing-workers"
	cursorsKey     = keyPrefix + "cursors"
)

func flightKey(fingerprint string) string { return keyPrefix + "flight:" + fingerprint }
func queueKey(model string) string        { return keyPrefix + "queue:" + model }
func jobsKey(model string) string         { return keyPrefix + "jobs:" + model }
func subsKey(fingerprint string) string   { return keyPrefix + "subs:" + fingerprint }

func pendingKey(userID, docID string) string {
	return fmt.Sprintf("%spending:%s:%s", keyPrefix, userID, docID)
}

func blockJobKey(userID, docID string) string {
	return fmt.Sprintf("%sblockjob:%s:%s", keyPrefix, userID, docID)
}

func processingKey(workerID string) string { return keyPrefix + "processing:" + workerID }

// StatusChannel derives the pub/sub channel for one user-document pair.
// Sessions subscribe to their own channel; the result consumer and the
// visibility scanner publish to it.
func StatusChannel(userID, docID string) string {
	return fmt.Sprintf("%sstatus:%s:%s", keyPrefix, userID, docID)
}
