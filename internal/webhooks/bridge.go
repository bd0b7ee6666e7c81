package webhooks

import (
	"context"
	"log"

	"github.com/narrata/backend/internal/events"
)

// Bridge subscribes to the ops event bus and forwards user-addressable events
// to the webhook dispatcher. The core loops only ever talk to the bus; hooks
// ride along without the loops knowing they exist.
type Bridge struct {
	bus     *events.EventBus
	emitter WebhookEmitter
	logger  *log.Logger
}

func NewBridge(bus *events.EventBus, emitter WebhookEmitter) *Bridge {
	return &Bridge{
		bus:     bus,
		emitter: emitter,
		logger:  log.New(log.Writer(), "[WH-BRIDGE] ", log.LstdFlags),
	}
}

// Run forwards events until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	ch := b.bus.Subscribe(
		events.TypeSynthesisFinalized,
		events.TypeSynthesisEvicted,
		events.TypeDocumentCompleted,
		events.TypeBillingDeadLetter,
	)
	defer b.bus.Unsubscribe(ch)

	b.logger.Printf("webhook bridge started")
	for {
		select {
		case ev := <-ch:
			b.forward(ev)
		case <-ctx.Done():
			b.logger.Printf("webhook bridge stopped")
			return
		}
	}
}

func (b *Bridge) forward(ev *events.CloudEvent) {
	eventType, ok := translate(ev)
	if !ok {
		return
	}
	userID, _ := ev.Data["user_id"].(string)
	if userID == "" {
		// Nothing to scope the delivery to; hooks are always per user.
		return
	}

	data := make(map[string]interface{}, len(ev.Data)+1)
	for k, v := range ev.Data {
		data[k] = v
	}
	data["subject"] = ev.Subject
	b.emitter.Emit(eventType, userID, data)
}

// translate maps a bus event onto the webhook vocabulary. Finalized events
// split on their terminal status; everything else maps one-to-one.
func translate(ev *events.CloudEvent) (EventType, bool) {
	switch ev.Type {
	case events.TypeSynthesisFinalized:
		status, _ := ev.Data["status"].(string)
		switch status {
		case "error":
			return EventSynthesisFailed, true
		case "cached", "skipped":
			return EventSynthesisCompleted, true
		}
		return "", false
	case events.TypeSynthesisEvicted:
		return EventSynthesisEvicted, true
	case events.TypeDocumentCompleted:
		return EventDocumentCompleted, true
	case events.TypeBillingDeadLetter:
		return EventBillingDeadLetter, true
	}
	return "", false
}
