package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/narrata/backend/internal/webhooks"
)

// requireUser resolves the caller identity webhook admin routes are scoped
// to. The façade layer in front of the gateway sets the header after auth.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "X-User-ID header is required")
		return "", false
	}
	return userID, true
}

type webhookRegisterRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}

func (s *Server) handleWebhookRegister(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req webhookRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	eventTypes := make([]webhooks.EventType, 0, len(req.Events))
	for _, e := range req.Events {
		eventTypes = append(eventTypes, webhooks.EventType(e))
	}
	sub := &webhooks.WebhookSubscription{
		URL:    req.URL,
		Events: eventTypes,
		Secret: req.Secret,
		UserID: userID,
	}
	if err := s.deps.Registry.Register(sub); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	hooks := s.deps.Registry.ListForUser(userID)
	if hooks == nil {
		hooks = []*webhooks.WebhookSubscription{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(hooks),
		"webhooks": hooks,
	})
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]

	// Only the owner may remove a hook.
	var owned bool
	for _, sub := range s.deps.Registry.ListForUser(userID) {
		if sub.ID == id {
			owned = true
			break
		}
	}
	if !owned {
		writeError(w, http.StatusNotFound, "webhook not found")
		return
	}

	if err := s.deps.Registry.Unregister(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
