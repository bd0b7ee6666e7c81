package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroker implements Broker over a single Redis instance shared by all
// gateway replicas and workers.
type RedisBroker struct {
	client *redis.Client
}

// Option adjusts the connection before it is established.
type Option func(*redis.Options)

// WithTLSConfig enables TLS on the broker connection. Used when the broker
// listens behind the mesh and peers authenticate with workload certificates.
func WithTLSConfig(tlsConf *tls.Config) Option {
	return func(o *redis.Options) { o.TLSConfig = tlsConf }
}

// NewRedisBroker connects and verifies the connection with a ping before
// returning. Pool and timeout settings are tuned for the hot path: status
// publishes and queue pops far outnumber everything else.
func NewRedisBroker(addr, password string, db int, opts ...Option) (*RedisBroker, error) {
	options := &redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	}
	for _, opt := range opts {
		opt(options)
	}

	client := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connect %s: %w", addr, err)
	}

	slog.Info("Redis broker connected", "addr", addr, "db", db)
	return &RedisBroker{client: client}, nil
}

// NewRedisBrokerFromClient wraps an existing client. Tests use this to point
// the broker at an in-process server.
func NewRedisBrokerFromClient(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) Close() error { return b.client.Close() }

func (b *RedisBroker) Ping(ctx context.Context) error { return b.client.Ping(ctx).Err() }

// --- singleflight ---

func (b *RedisBroker) AcquireSingleflight(ctx context.Context, fingerprint string, ttl time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, flightKey(fingerprint), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("singleflight acquire: %w", err)
	}
	return ok, nil
}

func (b *RedisBroker) ReleaseSingleflight(ctx context.Context, fingerprint string) (bool, error) {
	n, err := b.client.Del(ctx, flightKey(fingerprint)).Result()
	if err != nil {
		return false, fmt.Errorf("singleflight release: %w", err)
	}
	return n > 0, nil
}

// --- per-model queue ---

// QueuePush writes the priority entry and the job body in one transaction
// so a claimer can never see one without the other.
func (b *RedisBroker) QueuePush(ctx context.Context, model, jobUUID string, body []byte, score float64) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, queueKey(model), redis.Z{Score: score, Member: jobUUID})
		pipe.HSet(ctx, jobsKey(model), jobUUID, body)
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue push %s: %w", model, err)
	}
	return nil
}

// queuePopInterval paces QueuePopMin between empty attempts.
const queuePopInterval = 50 * time.Millisecond

// QueuePopMin claims the lowest-scored entry, waiting up to timeout for one
// to appear. The pop itself is a single atomic ZPOPMIN; the wait is a client
// side poll rather than BZPOPMIN, which in-process servers don't speak and
// which pins a pooled connection per blocked claimer.
func (b *RedisBroker) QueuePopMin(ctx context.Context, model string, timeout time.Duration) (string, float64, error) {
	deadline := time.Now().Add(timeout)
	for {
		entries, err := b.client.ZPopMin(ctx, queueKey(model), 1).Result()
		if err != nil {
			return "", 0, fmt.Errorf("queue pop %s: %w", model, err)
		}
		if len(entries) > 0 {
			member, ok := entries[0].Member.(string)
			if !ok {
				return "", 0, fmt.Errorf("queue pop %s: unexpected member type %T", model, entries[0].Member)
			}
			return member, entries[0].Score, nil
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return "", 0, ErrTimeout
		}
		if wait > queuePopInterval {
			wait = queuePopInterval
		}
		select {
		case <-ctx.Done():
			return "", 0, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (b *RedisBroker) QueuePeekHead(ctx context.Context, model string) (string, float64, error) {
	entries, err := b.client.ZRangeWithScores(ctx, queueKey(model), 0, 0).Result()
	if err != nil {
		return "", 0, fmt.Errorf("queue peek %s: %w", model, err)
	}
	if len(entries) == 0 {
		return "", 0, ErrEmpty
	}
	member, ok := entries[0].Member.(string)
	if !ok {
		return "", 0, fmt.Errorf("queue peek %s: unexpected member type %T", model, entries[0].Member)
	}
	return member, entries[0].Score, nil
}

// QueueRemove drops the priority entry. The return value is the eviction
// arbiter: true means the caller owned the queued entry and may also drop
// the body, false means a claimer already popped it.
func (b *RedisBroker) QueueRemove(ctx context.Context, model, jobUUID string) (bool, error) {
	n, err := b.client.ZRem(ctx, queueKey(model), jobUUID).Result()
	if err != nil {
		return false, fmt.Errorf("queue remove %s: %w", model, err)
	}
	return n > 0, nil
}

func (b *RedisBroker) QueueFetchBody(ctx context.Context, model, jobUUID string) ([]byte, error) {
	body, err := b.client.HGet(ctx, jobsKey(model), jobUUID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue fetch body %s: %w", model, err)
	}
	return body, nil
}

func (b *RedisBroker) QueueDeleteBody(ctx context.Context, model, jobUUID string) error {
	if err := b.client.HDel(ctx, jobsKey(model), jobUUID).Err(); err != nil {
		return fmt.Errorf("queue delete body %s: %w", model, err)
	}
	return nil
}

func (b *RedisBroker) QueueLen(ctx context.Context, model string) (int64, error) {
	n, err := b.client.ZCard(ctx, queueKey(model)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue len %s: %w", model, err)
	}
	return n, nil
}

// --- subscriber sets ---

func (b *RedisBroker) SubscriberAdd(ctx context.Context, fingerprint string, entry []byte) error {
	if err := b.client.SAdd(ctx, subsKey(fingerprint), entry).Err(); err != nil {
		return fmt.Errorf("subscriber add: %w", err)
	}
	return nil
}

// SubscriberDrain reads and deletes the set in one transaction, so two
// replicas finalizing concurrently can never deliver to the same subscriber
// twice.
func (b *RedisBroker) SubscriberDrain(ctx context.Context, fingerprint string) ([][]byte, error) {
	var members *redis.StringSliceCmd
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		members = pipe.SMembers(ctx, subsKey(fingerprint))
		pipe.Del(ctx, subsKey(fingerprint))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("subscriber drain: %w", err)
	}
	raw := members.Val()
	out := make([][]byte, 0, len(raw))
	for _, m := range raw {
		out = append(out, []byte(m))
	}
	return out, nil
}

func (b *RedisBroker) SubscriberCount(ctx context.Context, fingerprint string) (int64, error) {
	n, err := b.client.SCard(ctx, subsKey(fingerprint)).Result()
	if err != nil {
		return 0, fmt.Errorf("subscriber count: %w", err)
	}
	return n, nil
}

// --- pending and block-job indices ---

func (b *RedisBroker) PendingAdd(ctx context.Context, userID, docID string, blockIdx int) error {
	if err := b.client.SAdd(ctx, pendingKey(userID, docID), blockIdx).Err(); err != nil {
		return fmt.Errorf("pending add: %w", err)
	}
	return nil
}

func (b *RedisBroker) PendingRemove(ctx context.Context, userID, docID string, blockIdx int) error {
	if err := b.client.SRem(ctx, pendingKey(userID, docID), blockIdx).Err(); err != nil {
		return fmt.Errorf("pending remove: %w", err)
	}
	return nil
}

func (b *RedisBroker) PendingList(ctx context.Context, userID, docID string) ([]int, error) {
	members, err := b.client.SMembers(ctx, pendingKey(userID, docID)).Result()
	if err != nil {
		return nil, fmt.Errorf("pending list: %w", err)
	}
	out := make([]int, 0, len(members))
	for _, m := range members {
		idx, err := strconv.Atoi(m)
		if err != nil {
			return nil, fmt.Errorf("pending list: bad index %q: %w", m, err)
		}
		out = append(out, idx)
	}
	return out, nil
}

func (b *RedisBroker) BlockJobPut(ctx context.Context, userID, docID string, blockIdx int, ref []byte) error {
	if err := b.client.HSet(ctx, blockJobKey(userID, docID), strconv.Itoa(blockIdx), ref).Err(); err != nil {
		return fmt.Errorf("blockjob put: %w", err)
	}
	return nil
}

func (b *RedisBroker) BlockJobGet(ctx context.Context, userID, docID string, blockIdx int) ([]byte, error) {
	ref, err := b.client.HGet(ctx, blockJobKey(userID, docID), strconv.Itoa(blockIdx)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("blockjob get: %w", err)
	}
	return ref, nil
}

func (b *RedisBroker) BlockJobDelete(ctx context.Context, userID, docID string, blockIdx int) error {
	if err := b.client.HDel(ctx, blockJobKey(userID, docID), strconv.Itoa(blockIdx)).Err(); err != nil {
		return fmt.Errorf("blockjob delete: %w", err)
	}
	return nil
}

// --- processing entries ---

func (b *RedisBroker) ProcessingPut(ctx context.Context, workerID, jobUUID string, entry []byte) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, processingKey(workerID), jobUUID, entry)
		pipe.SAdd(ctx, workerRegistry, workerID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("processing put: %w", err)
	}
	return nil
}

func (b *RedisBroker) ProcessingScan(ctx context.Context, workerID string) (map[string][]byte, error) {
	raw, err := b.client.HGetAll(ctx, processingKey(workerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("processing scan: %w", err)
	}
	out := make(map[string][]byte, len(raw))
	for k, v := range raw {
		out[k] = []byte(v)
	}
	return out, nil
}

func (b *RedisBroker) ProcessingDelete(ctx context.Context, workerID, jobUUID string) error {
	if err := b.client.HDel(ctx, processingKey(workerID), jobUUID).Err(); err != nil {
		return fmt.Errorf("processing delete: %w", err)
	}
	return nil
}

func (b *RedisBroker) ProcessingWorkers(ctx context.Context) ([]string, error) {
	workers, err := b.client.SMembers(ctx, workerRegistry).Result()
	if err != nil {
		return nil, fmt.Errorf("processing workers: %w", err)
	}
	return workers, nil
}

// --- session cursors ---

func cursorField(userID, docID string) string { return userID + ":" + docID }

func (b *RedisBroker) CursorPut(ctx context.Context, userID, docID string, payload []byte) error {
	if err := b.client.HSet(ctx, cursorsKey, cursorField(userID, docID), payload).Err(); err != nil {
		return fmt.Errorf("cursor put: %w", err)
	}
	return nil
}

func (b *RedisBroker) CursorScan(ctx context.Context) ([][]byte, error) {
	vals, err := b.client.HVals(ctx, cursorsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("cursor scan: %w", err)
	}
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		out = append(out, []byte(v))
	}
	return out, nil
}

func (b *RedisBroker) CursorDelete(ctx context.Context, userID, docID string) error {
	if err := b.client.HDel(ctx, cursorsKey, cursorField(userID, docID)).Err(); err != nil {
		return fmt.Errorf("cursor delete: %w", err)
	}
	return nil
}

// --- result, billing and dead-letter lists ---

func (b *RedisBroker) ResultPush(ctx context.Context, record []byte) error {
	if err := b.client.RPush(ctx, resultsKey, record).Err(); err != nil {
		return fmt.Errorf("result push: %w", err)
	}
	return nil
}

func (b *RedisBroker) ResultPop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	return b.blockingPop(ctx, resultsKey, timeout)
}

func (b *RedisBroker) BillingPush(ctx context.Context, event []byte) error {
	if err := b.client.RPush(ctx, billingKey, event).Err(); err != nil {
		return fmt.Errorf("billing push: %w", err)
	}
	return nil
}

func (b *RedisBroker) BillingPop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	return b.blockingPop(ctx, billingKey, timeout)
}

func (b *RedisBroker) DeadLetterPush(ctx context.Context, payload []byte) error {
	if err := b.client.RPush(ctx, deadLetterKey, payload).Err(); err != nil {
		return fmt.Errorf("deadletter push: %w", err)
	}
	return nil
}

func (b *RedisBroker) DeadLetterLen(ctx context.Context) (int64, error) {
	n, err := b.client.LLen(ctx, deadLetterKey).Result()
	if err != nil {
		return 0, fmt.Errorf("deadletter len: %w", err)
	}
	return n, nil
}

func (b *RedisBroker) blockingPop(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	res, err := b.client.BLPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrTimeout
	}
	if err != nil {
		return nil, fmt.Errorf("blocking pop %s: %w", key, err)
	}
	// BLPOP returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("blocking pop %s: unexpected reply length %d", key, len(res))
	}
	return []byte(res[1]), nil
}

// --- pub/sub ---

func (b *RedisBroker) Publish(ctx context.Context, channel string, message []byte) error {
	if err := b.client.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers a handler for one channel and returns an unsubscribe
// function. The subscription is confirmed before returning, so a publish
// issued after Subscribe returns is guaranteed to reach the handler.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := b.client.Subscribe(ctx, channel)

	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	go func() {
		for msg := range sub.Channel() {
			handler([]byte(msg.Payload))
		}
	}()

	unsubscribe := func() {
		if err := sub.Close(); err != nil {
			slog.Warn("unsubscribe failed", "channel", channel, "error", err)
		}
	}
	return unsubscribe, nil
}
