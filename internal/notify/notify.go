// Package notify publishes status updates to live sessions over the broker's
// pub/sub, scoped per user-document channel.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/narrata/backend/internal/broker"
	"github.com/narrata/backend/internal/core"
)

// PubSub is the slice of the broker the publisher needs. Kept separate from
// the full broker surface because fan-out has a different usage pattern
// than queue state.
type PubSub interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error)
}

type Publisher struct {
	pubsub PubSub
}

func NewPublisher(ps PubSub) *Publisher {
	return &Publisher{pubsub: ps}
}

// PublishStatus delivers one block status to a user-document channel. The
// message type is forced so callers cannot emit a malformed frame.
func (p *Publisher) PublishStatus(ctx context.Context, userID, docID string, msg core.StatusMessage) error {
	msg.Type = core.MessageTypeStatus
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	return p.pubsub.Publish(ctx, broker.StatusChannel(userID, docID), payload)
}

// PublishEvicted tells a session which of its block indices were dropped
// from the queue, in one frame.
func (p *Publisher) PublishEvicted(ctx context.Context, userID, docID string, blockIdxs []int) error {
	msg := core.EvictedMessage{
		Type:         core.MessageTypeEvicted,
		DocumentID:   docID,
		BlockIndices: blockIdxs,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal evicted: %w", err)
	}
	return p.pubsub.Publish(ctx, broker.StatusChannel(userID, docID), payload)
}

// SubscribeStatus attaches a raw-frame handler to a user-document channel
// and returns the unsubscribe function. Sessions call this once per open
// connection.
func (p *Publisher) SubscribeStatus(ctx context.Context, userID, docID string, handler func([]byte)) (func(), error) {
	return p.pubsub.Subscribe(ctx, broker.StatusChannel(userID, docID), handler)
}
