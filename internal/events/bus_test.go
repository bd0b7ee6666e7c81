package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypedSubscriptionFiltersEvents(t *testing.T) {
	bus := NewEventBus()
	finalized := bus.Subscribe(TypeSynthesisFinalized)
	everything := bus.Subscribe()

	bus.Emit(TypeSynthesisFinalized, "/consumer/result", "fp-1", map[string]interface{}{"status": "cached"})
	bus.Emit(TypeSynthesisEvicted, "/scanner/visibility", "fp-2", map[string]interface{}{"blocks": 3})

	select {
	case ev := <-finalized:
		assert.Equal(t, TypeSynthesisFinalized, ev.Type)
		assert.Equal(t, "fp-1", ev.Subject)
	case <-time.After(time.Second):
		t.Fatal("typed subscriber missed its event")
	}
	select {
	case ev := <-finalized:
		t.Fatalf("typed subscriber received foreign event %s", ev.Type)
	default:
	}

	assert.Len(t, everything, 2, "catch-all subscriber sees both events")
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TypeSynthesisReaped)
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())
	_, open := <-ch
	assert.False(t, open)
}

func TestSSEFormat(t *testing.T) {
	ev := NewCloudEvent(TypeDocumentCompleted, "/consumer/result", "doc-9", map[string]interface{}{"user_id": "alice"})
	frame, err := ev.SSEFormat()
	require.NoError(t, err)
	assert.Contains(t, string(frame), "event: "+TypeDocumentCompleted)
	assert.Contains(t, string(frame), `"subject":"doc-9"`)
	assert.Contains(t, string(frame), "id: "+ev.ID)
}

func TestFullSubscriberBufferDropsInsteadOfBlocking(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TypeBillingDeadLetter)
	for i := 0; i < 200; i++ {
		bus.Emit(TypeBillingDeadLetter, "/consumer/billing", "fp", nil)
	}
	assert.Len(t, ch, 100, "emission never blocks on a full subscriber")
}
