// Package queue implements the per-model synthesis queues: singleflight
// deduplication on enqueue, atomic claim for workers, and race-safe eviction
// when a block leaves the user's visibility window.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/narrata/backend/internal/broker"
	"github.com/narrata/backend/internal/core"
)

// jobRef is the block-to-job index entry. It carries the model slug so an
// eviction knows which queue to delete from without loading the body.
type jobRef struct {
	UUID  string `json:"uuid"`
	Model string `json:"model"`
}

type Queue struct {
	broker          broker.Broker
	singleflightTTL time.Duration
}

func New(b broker.Broker, singleflightTTL time.Duration) *Queue {
	return &Queue{broker: b, singleflightTTL: singleflightTTL}
}

// EnqueueOrSubscribe is the dedup gate for a new submission. Winning the
// fingerprint's singleflight lock enqueues the job and registers the caller;
// losing only registers the caller against the in-flight job. The returned
// flag reports which branch ran.
//
// The write order on the win branch matters: the queue entry and indices go
// in before the subscriber, so a result can never be finalized for a
// fingerprint whose winning subscriber is missing.
func (q *Queue) EnqueueOrSubscribe(ctx context.Context, job core.SynthesisJob, sub core.Subscriber) (bool, error) {
	subEntry, err := json.Marshal(sub)
	if err != nil {
		return false, fmt.Errorf("marshal subscriber: %w", err)
	}

	won, err := q.broker.AcquireSingleflight(ctx, job.Fingerprint, q.singleflightTTL)
	if err != nil {
		return false, err
	}

	if won {
		if err := q.enqueue(ctx, job); err != nil {
			// Undo the lock so the variant is not stuck until TTL expiry.
			if _, relErr := q.broker.ReleaseSingleflight(ctx, job.Fingerprint); relErr != nil {
				return false, errors.Join(err, relErr)
			}
			return false, err
		}
	}

	if err := q.broker.SubscriberAdd(ctx, job.Fingerprint, subEntry); err != nil {
		return won, err
	}
	if err := q.broker.PendingAdd(ctx, sub.UserID, sub.DocumentID, sub.BlockIdx); err != nil {
		return won, err
	}
	return won, nil
}

func (q *Queue) enqueue(ctx context.Context, job core.SynthesisJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.broker.QueuePush(ctx, job.ModelSlug, job.UUID, body, float64(job.CreatedAt)); err != nil {
		return err
	}
	ref, err := json.Marshal(jobRef{UUID: job.UUID, Model: job.ModelSlug})
	if err != nil {
		return fmt.Errorf("marshal job ref: %w", err)
	}
	return q.broker.BlockJobPut(ctx, job.UserID, job.DocumentID, job.BlockIdx, ref)
}

// Claim pops the oldest queued job for a model, blocking up to timeout.
// The second return is false when the poll window elapsed empty, and also
// when the popped entry's body had been evicted in the meantime; both mean
// "nothing to do, poll again".
func (q *Queue) Claim(ctx context.Context, model string, timeout time.Duration) (core.SynthesisJob, bool, error) {
	var job core.SynthesisJob

	uuid, _, err := q.broker.QueuePopMin(ctx, model, timeout)
	if errors.Is(err, broker.ErrTimeout) {
		return job, false, nil
	}
	if err != nil {
		return job, false, err
	}

	body, err := q.broker.QueueFetchBody(ctx, model, uuid)
	if errors.Is(err, broker.ErrNotFound) {
		return job, false, nil
	}
	if err != nil {
		return job, false, err
	}
	if err := q.broker.QueueDeleteBody(ctx, model, uuid); err != nil {
		return job, false, err
	}

	if err := json.Unmarshal(body, &job); err != nil {
		return job, false, fmt.Errorf("unmarshal job %s: %w", uuid, err)
	}
	if err := q.broker.BlockJobDelete(ctx, job.UserID, job.DocumentID, job.BlockIdx); err != nil {
		return job, false, err
	}
	return job, true, nil
}

// Evict removes still-queued jobs for the given block indices and returns
// the indices that were actually evicted. The priority-index removal is the
// arbiter against a concurrent claim: whoever removes the entry owns the
// job, so a block a worker already claimed is skipped and its result will
// arrive normally. The singleflight lock is never released here since other
// users may be subscribed to the same fingerprint.
func (q *Queue) Evict(ctx context.Context, userID, docID string, blockIdxs []int) ([]int, error) {
	evicted := make([]int, 0, len(blockIdxs))
	for _, idx := range blockIdxs {
		// A session that only subscribed to an in-flight fingerprint has a
		// pending entry but no block-job ref of its own, so it is skipped
		// here; its pending entry clears when the flight finalizes.
		raw, err := q.broker.BlockJobGet(ctx, userID, docID, idx)
		if errors.Is(err, broker.ErrNotFound) {
			continue
		}
		if err != nil {
			return evicted, err
		}
		var ref jobRef
		if err := json.Unmarshal(raw, &ref); err != nil {
			return evicted, fmt.Errorf("unmarshal job ref for block %d: %w", idx, err)
		}

		owned, err := q.broker.QueueRemove(ctx, ref.Model, ref.UUID)
		if err != nil {
			return evicted, err
		}
		if !owned {
			continue
		}

		if err := q.broker.QueueDeleteBody(ctx, ref.Model, ref.UUID); err != nil {
			return evicted, err
		}
		if err := q.broker.BlockJobDelete(ctx, userID, docID, idx); err != nil {
			return evicted, err
		}
		if err := q.broker.PendingRemove(ctx, userID, docID, idx); err != nil {
			return evicted, err
		}
		evicted = append(evicted, idx)
	}
	return evicted, nil
}

// Requeue puts a reaped job back with its original enqueue timestamp so it
// keeps its place in line. The caller has already settled the singleflight
// question; this only restores queue state and indices.
func (q *Queue) Requeue(ctx context.Context, job core.SynthesisJob) error {
	if err := q.enqueue(ctx, job); err != nil {
		return err
	}
	// Pending normally survives the claim, but re-adding heals a session
	// that raced an eviction of the dead worker's block.
	return q.broker.PendingAdd(ctx, job.UserID, job.DocumentID, job.BlockIdx)
}

// HeadScore peeks the oldest entry's enqueue timestamp without consuming it.
// ok is false for an empty queue.
func (q *Queue) HeadScore(ctx context.Context, model string) (float64, bool, error) {
	_, score, err := q.broker.QueuePeekHead(ctx, model)
	if errors.Is(err, broker.ErrEmpty) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return score, true, nil
}

// Len reports the number of queued jobs for a model.
func (q *Queue) Len(ctx context.Context, model string) (int64, error) {
	return q.broker.QueueLen(ctx, model)
}
