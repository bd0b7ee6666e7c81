// Package scanner holds the core's background sweep loops: the visibility
// scanner that cancels work a reader scrolled away from, the overflow scanner
// that promotes stale queue heads to elastic compute, and the reaper that
// resurrects jobs whose workers died mid-synthesis. Each loop follows the
// same shape: one ticker, one stop path, iteration errors logged and
// swallowed.
package scanner

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/narrata/backend/internal/broker"
	"github.com/narrata/backend/internal/events"
	"github.com/narrata/backend/internal/metrics"
	"github.com/narrata/backend/internal/notify"
	"github.com/narrata/backend/internal/queue"
)

// sessionCursor is the broker-persisted record of where one session's reader
// currently is. UpdatedAt lets the sweep forget sessions that went silent.
type sessionCursor struct {
	UserID     string `json:"user_id"`
	DocumentID string `json:"document_id"`
	Cursor     int    `json:"cursor"`
	UpdatedAt  int64  `json:"updated_at"`
}

// VisibilityConfig tunes the visibility scanner. The window around the cursor
// is [cursor-Back, cursor+Forward]; anything pending outside it gets evicted.
type VisibilityConfig struct {
	Back     int
	Forward  int
	Interval time.Duration
	// SessionTTL is how long a cursor entry survives without an update
	// before the scanner stops reconciling (and forgets) that session.
	SessionTTL time.Duration
	Metrics    *metrics.Metrics
	// Events receives an evicted event per reconcile that removed work. Optional.
	Events events.EventEmitter
}

// Visibility reconciles every live session's pending set against its
// visibility window. It runs on a fixed interval and is also triggered
// directly by CursorMoved, which is what turns "scrolled far away" into
// immediate cancellation instead of waiting out a tick.
type Visibility struct {
	cfg    VisibilityConfig
	broker broker.Broker
	queue  *queue.Queue
	pub    *notify.Publisher
	logger *log.Logger
}

func NewVisibility(cfg VisibilityConfig, b broker.Broker, q *queue.Queue, pub *notify.Publisher) *Visibility {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 10 * time.Minute
	}
	return &Visibility{
		cfg:    cfg,
		broker: b,
		queue:  q,
		pub:    pub,
		logger: log.New(log.Writer(), "[VISIBILITY] ", log.LstdFlags),
	}
}

// Run sweeps every configured interval until ctx is cancelled. The periodic
// path exists to catch sessions whose cursor messages were lost; the common
// case is the explicit CursorMoved trigger.
func (v *Visibility) Run(ctx context.Context) {
	ticker := time.NewTicker(v.cfg.Interval)
	defer ticker.Stop()

	v.logger.Printf("visibility scanner started: window=[-%d,+%d] interval=%s",
		v.cfg.Back, v.cfg.Forward, v.cfg.Interval)
	for {
		select {
		case <-ticker.C:
			v.sweep(ctx)
		case <-ctx.Done():
			v.logger.Printf("visibility scanner stopped")
			return
		}
	}
}

// CursorMoved records a session's new cursor and reconciles that session
// immediately.
func (v *Visibility) CursorMoved(ctx context.Context, userID, docID string, cursor int) error {
	sc := sessionCursor{
		UserID:     userID,
		DocumentID: docID,
		Cursor:     cursor,
		UpdatedAt:  time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	if err := v.broker.CursorPut(ctx, userID, docID, payload); err != nil {
		return err
	}
	return v.reconcile(ctx, sc)
}

func (v *Visibility) sweep(ctx context.Context) {
	entries, err := v.broker.CursorScan(ctx)
	if err != nil {
		v.logger.Printf("⚠️  cursor scan failed: %v", err)
		return
	}

	now := time.Now().UnixMilli()
	for _, raw := range entries {
		var sc sessionCursor
		if err := json.Unmarshal(raw, &sc); err != nil {
			v.logger.Printf("⚠️  bad cursor entry dropped: %v", err)
			continue
		}
		if now-sc.UpdatedAt > v.cfg.SessionTTL.Milliseconds() {
			if err := v.broker.CursorDelete(ctx, sc.UserID, sc.DocumentID); err != nil {
				v.logger.Printf("⚠️  cursor delete failed for %s/%s: %v", sc.UserID, sc.DocumentID, err)
			}
			continue
		}
		if err := v.reconcile(ctx, sc); err != nil {
			v.logger.Printf("⚠️  reconcile failed for %s/%s: %v", sc.UserID, sc.DocumentID, err)
		}
	}
}

// reconcile evicts every pending block outside the session's window and
// tells the session which ones went. A block a worker already claimed is
// skipped by Evict; its result still arrives and the client discards it.
func (v *Visibility) reconcile(ctx context.Context, sc sessionCursor) error {
	pending, err := v.broker.PendingList(ctx, sc.UserID, sc.DocumentID)
	if err != nil {
		return err
	}

	lo, hi := sc.Cursor-v.cfg.Back, sc.Cursor+v.cfg.Forward
	var outside []int
	for _, idx := range pending {
		if idx < lo || idx > hi {
			outside = append(outside, idx)
		}
	}
	if len(outside) == 0 {
		return nil
	}

	evicted, err := v.queue.Evict(ctx, sc.UserID, sc.DocumentID, outside)
	if len(evicted) > 0 {
		v.cfg.Metrics.RecordEvictions(len(evicted))
		if pubErr := v.pub.PublishEvicted(ctx, sc.UserID, sc.DocumentID, evicted); pubErr != nil {
			v.logger.Printf("⚠️  evicted publish failed for %s/%s: %v", sc.UserID, sc.DocumentID, pubErr)
		}
		if v.cfg.Events != nil {
			v.cfg.Events.Emit(events.TypeSynthesisEvicted, "/scanner/visibility", sc.DocumentID, map[string]interface{}{
				"user_id":     sc.UserID,
				"document_id": sc.DocumentID,
				"cursor":      sc.Cursor,
				"blocks":      evicted,
			})
		}
	}
	return err
}
