// Package websocket bridges one reading session's status channel onto a
// WebSocket connection. Each connection is scoped to a single user/document
// pair; the broker's pub/sub does the fan-out, this package only relays.
package websocket

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SubscribeFunc attaches a handler to a session's status channel and returns
// the detach function.
type SubscribeFunc func(ctx context.Context, userID, docID string, fn func([]byte)) (func(), error)

// CursorSink receives cursor updates sent inbound over the socket.
type CursorSink interface {
	CursorMoved(ctx context.Context, userID, docID string, cursor int) error
}

// inboundFrame is what clients may send upstream. Only cursor moves today.
type inboundFrame struct {
	Type   string `json:"type"`
	Cursor int    `json:"cursor"`
}

// StatusStreamer upgrades HTTP requests to WebSocket connections and relays
// broker status frames to them. Frames pass through verbatim: the payloads on
// the status channel are already the JSON the client expects.
type StatusStreamer struct {
	subscribe SubscribeFunc
	cursors   CursorSink
	upgrader  websocket.Upgrader
	logger    *log.Logger

	mu    sync.RWMutex
	conns map[*websocket.Conn]bool
}

func NewStatusStreamer(subscribe SubscribeFunc, cursors CursorSink) *StatusStreamer {
	return &StatusStreamer{
		subscribe: subscribe,
		cursors:   cursors,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // gateway CORS policy decides; the upgrader doesn't
			},
		},
		logger: log.New(log.Writer(), "[WS] ", log.LstdFlags),
		conns:  make(map[*websocket.Conn]bool),
	}
}

// HandleSession serves GET /ws/sessions?user_id=U&document_id=D.
func (s *StatusStreamer) HandleSession(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	docID := r.URL.Query().Get("document_id")
	if userID == "" || docID == "" {
		http.Error(w, "user_id and document_id are required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("⚠️  upgrade failed: %v", err)
		return
	}
	s.track(conn, true)
	defer s.track(conn, false)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Status frames funnel through one writer goroutine; gorilla connections
	// allow a single concurrent writer.
	send := make(chan []byte, 64)
	unsub, err := s.subscribe(ctx, userID, docID, func(payload []byte) {
		select {
		case send <- payload:
		default:
			// Slow client; it can refetch state, the channel cannot block.
		}
	})
	if err != nil {
		s.logger.Printf("❌ subscribe failed for %s/%s: %v", userID, docID, err)
		conn.Close()
		return
	}
	defer unsub()

	s.logger.Printf("📡 session connected: %s/%s", userID, docID)
	go s.writeLoop(conn, send, cancel)
	s.readLoop(ctx, conn, userID, docID)
	s.logger.Printf("📡 session disconnected: %s/%s", userID, docID)
}

func (s *StatusStreamer) writeLoop(conn *websocket.Conn, send chan []byte, cancel context.CancelFunc) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer cancel()

	for {
		select {
		case payload, ok := <-send:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

// readLoop consumes inbound frames until the client goes away. Cursor frames
// feed the visibility scanner; everything else is ignored.
func (s *StatusStreamer) readLoop(ctx context.Context, conn *websocket.Conn, userID, docID string) {
	defer conn.Close()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			continue
		}
		if frame.Type != "cursor" || s.cursors == nil {
			continue
		}
		if err := s.cursors.CursorMoved(ctx, userID, docID, frame.Cursor); err != nil {
			s.logger.Printf("⚠️  cursor update failed for %s/%s: %v", userID, docID, err)
		}
	}
}

func (s *StatusStreamer) track(conn *websocket.Conn, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if connected {
		s.conns[conn] = true
	} else {
		delete(s.conns, conn)
	}
}

// GetStatistics reports connection telemetry for the stats endpoint.
func (s *StatusStreamer) GetStatistics() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]interface{}{
		"connected_clients": len(s.conns),
	}
}
