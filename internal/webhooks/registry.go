// Package webhooks delivers synthesis lifecycle notifications to external
// consumers over HTTP. Registrations are scoped per user: a hook only ever
// sees events for the user that registered it, so a partner integration
// cannot observe another reader's listening activity.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"
)

// WebhookEmitter is satisfied by both the in-memory Dispatcher and the Cloud
// Tasks-backed CloudDispatcher.
type WebhookEmitter interface {
	Emit(eventType EventType, userID string, data map[string]interface{})
	Shutdown()
}

// EventType names the lifecycle moments a hook can subscribe to.
type EventType string

const (
	EventSynthesisCompleted EventType = "synthesis.completed"
	EventSynthesisFailed    EventType = "synthesis.failed"
	EventSynthesisEvicted   EventType = "synthesis.evicted"
	EventDocumentCompleted  EventType = "document.completed"
	EventBillingDeadLetter  EventType = "billing.deadletter"
)

// WebhookSubscription is one registered hook.
type WebhookSubscription struct {
	ID        string      `json:"id"`
	URL       string      `json:"url"`
	Events    []EventType `json:"events"`
	Secret    string      `json:"secret,omitempty"`
	Active    bool        `json:"active"`
	UserID    string      `json:"user_id"`
	CreatedAt time.Time   `json:"created_at"`
	FailCount int         `json:"fail_count"`
}

// WebhookEvent is the payload POSTed to subscribers.
type WebhookEvent struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	UserID    string                 `json:"user_id"`
	Data      map[string]interface{} `json:"data"`
}

// Registry stores and indexes webhook subscriptions.
type Registry struct {
	mu      sync.RWMutex
	hooks   map[string]*WebhookSubscription // id -> hook
	byEvent map[EventType][]*WebhookSubscription
	logger  *log.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		hooks:   make(map[string]*WebhookSubscription),
		byEvent: make(map[EventType][]*WebhookSubscription),
		logger:  log.New(log.Writer(), "[WEBHOOKS] ", log.LstdFlags),
	}
}

// Register adds a webhook subscription.
func (r *Registry) Register(sub *WebhookSubscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if sub.UserID == "" {
		return fmt.Errorf("webhook user scope is required")
	}
	if len(sub.Events) == 0 {
		return fmt.Errorf("at least one event type is required")
	}

	if sub.ID == "" {
		sub.ID = fmt.Sprintf("wh-%d", time.Now().UnixNano())
	}
	sub.Active = true
	sub.CreatedAt = time.Now()
	sub.FailCount = 0

	r.hooks[sub.ID] = sub

	for _, evt := range sub.Events {
		r.byEvent[evt] = append(r.byEvent[evt], sub)
	}

	r.logger.Printf("📡 registered webhook %s → %s (user=%s events=%v)", sub.ID, sub.URL, sub.UserID, sub.Events)
	return nil
}

// Unregister removes a webhook subscription.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[id]
	if !ok {
		return fmt.Errorf("webhook %s not found", id)
	}

	delete(r.hooks, id)

	for _, evt := range sub.Events {
		filtered := make([]*WebhookSubscription, 0)
		for _, s := range r.byEvent[evt] {
			if s.ID != id {
				filtered = append(filtered, s)
			}
		}
		r.byEvent[evt] = filtered
	}

	r.logger.Printf("🗑️  unregistered webhook %s", id)
	return nil
}

// GetSubscribers returns the active subscribers for an event type.
func (r *Registry) GetSubscribers(eventType EventType) []*WebhookSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*WebhookSubscription
	for _, sub := range r.byEvent[eventType] {
		if sub.Active {
			active = append(active, sub)
		}
	}
	return active
}

// ListAll returns every registered webhook.
func (r *Registry) ListAll() []*WebhookSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*WebhookSubscription, 0, len(r.hooks))
	for _, sub := range r.hooks {
		result = append(result, sub)
	}
	return result
}

// ListForUser returns the webhooks registered by one user.
func (r *Registry) ListForUser(userID string) []*WebhookSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*WebhookSubscription
	for _, sub := range r.hooks {
		if sub.UserID == userID {
			result = append(result, sub)
		}
	}
	return result
}

// MarkFailed increments the failure count and disables the hook after 10
// consecutive failures.
func (r *Registry) MarkFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[id]
	if !ok {
		return
	}
	sub.FailCount++
	if sub.FailCount >= 10 {
		sub.Active = false
		r.logger.Printf("⚠️  webhook %s disabled after %d failures", id, sub.FailCount)
	}
}

// MarkDelivered resets the failure streak after a successful delivery.
func (r *Registry) MarkDelivered(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.hooks[id]; ok {
		sub.FailCount = 0
	}
}

// SignPayload creates the HMAC-SHA256 signature subscribers verify deliveries
// with.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
