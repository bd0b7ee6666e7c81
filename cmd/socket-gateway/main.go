// The socket-gateway bridges broker status channels to socket.io clients,
// for frontends that already carry a socket.io stack instead of a plain
// WebSocket. One process serves many sessions; each socket subscribes to the
// user/document channels it names and receives the same frames the gateway's
// /ws/sessions endpoint relays.
//
// Protocol, all payloads JSON strings:
//
//	emit "subscribe"   {"user_id": "u", "document_id": "d"}  -> server emits "status" frames
//	emit "unsubscribe" {"user_id": "u", "document_id": "d"}
//	emit "cursor"      {"user_id": "u", "document_id": "d", "cursor": 7}
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/joho/godotenv"

	"github.com/narrata/backend/internal/broker"
	"github.com/narrata/backend/internal/config"
	"github.com/narrata/backend/internal/notify"
	"github.com/narrata/backend/internal/queue"
	"github.com/narrata/backend/internal/scanner"
)

type sessionRef struct {
	UserID     string `json:"user_id"`
	DocumentID string `json:"document_id"`
	Cursor     int    `json:"cursor"`
}

// subscriptions tracks the detach functions per socket so a disconnect
// releases every channel the socket joined.
type subscriptions struct {
	mu       sync.Mutex
	bySocket map[string]map[string]func()
}

func newSubscriptions() *subscriptions {
	return &subscriptions{bySocket: make(map[string]map[string]func())}
}

func (s *subscriptions) add(socketID, channel string, detach func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bySocket[socketID] == nil {
		s.bySocket[socketID] = make(map[string]func())
	}
	if old, ok := s.bySocket[socketID][channel]; ok {
		old()
	}
	s.bySocket[socketID][channel] = detach
}

func (s *subscriptions) remove(socketID, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if detach, ok := s.bySocket[socketID][channel]; ok {
		detach()
		delete(s.bySocket[socketID], channel)
	}
}

func (s *subscriptions) removeAll(socketID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, detach := range s.bySocket[socketID] {
		detach()
	}
	delete(s.bySocket, socketID)
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatalf("Failed to load config %s: %v", *configPath, err)
		}
		cfg = config.Default()
		if addr := os.Getenv("REDIS_ADDR"); addr != "" {
			cfg.Broker.Addr = addr
		}
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "8090"
	}

	b, err := broker.NewRedisBroker(cfg.Broker.Addr, cfg.Broker.Password, cfg.Broker.DB)
	if err != nil {
		log.Fatalf("Failed to connect to broker: %v", err)
	}
	defer b.Close()

	pub := notify.NewPublisher(b)
	q := queue.New(b, time.Duration(cfg.Synthesis.SingleflightTTLMs)*time.Millisecond)

	// The visibility scanner here only serves CursorMoved; the gateway
	// process owns the periodic sweep.
	vis := scanner.NewVisibility(scanner.VisibilityConfig{
		Back:    cfg.Synthesis.VisibilityBack,
		Forward: cfg.Synthesis.VisibilityForward,
	}, b, q, pub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subs := newSubscriptions()
	server := socketio.NewServer(nil)

	server.OnConnect("/", func(s socketio.Conn) error {
		s.SetContext("")
		return nil
	})

	server.OnEvent("/", "subscribe", func(s socketio.Conn, msg string) {
		var ref sessionRef
		if err := json.Unmarshal([]byte(msg), &ref); err != nil || ref.UserID == "" || ref.DocumentID == "" {
			s.Emit("error", `{"error":"subscribe needs user_id and document_id"}`)
			return
		}
		channel := broker.StatusChannel(ref.UserID, ref.DocumentID)
		detach, err := pub.SubscribeStatus(ctx, ref.UserID, ref.DocumentID, func(payload []byte) {
			s.Emit("status", string(payload))
		})
		if err != nil {
			log.Printf("⚠️  subscribe failed for %s: %v", channel, err)
			s.Emit("error", `{"error":"subscribe failed"}`)
			return
		}
		subs.add(s.ID(), channel, detach)
	})

	server.OnEvent("/", "unsubscribe", func(s socketio.Conn, msg string) {
		var ref sessionRef
		if err := json.Unmarshal([]byte(msg), &ref); err != nil {
			return
		}
		subs.remove(s.ID(), broker.StatusChannel(ref.UserID, ref.DocumentID))
	})

	server.OnEvent("/", "cursor", func(s socketio.Conn, msg string) {
		var ref sessionRef
		if err := json.Unmarshal([]byte(msg), &ref); err != nil || ref.UserID == "" || ref.DocumentID == "" {
			return
		}
		if err := vis.CursorMoved(ctx, ref.UserID, ref.DocumentID, ref.Cursor); err != nil {
			log.Printf("⚠️  cursor move failed for %s/%s: %v", ref.UserID, ref.DocumentID, err)
		}
	})

	server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		subs.removeAll(s.ID())
	})

	go func() {
		if err := server.Serve(); err != nil {
			log.Printf("socket.io serve error: %v", err)
		}
	}()
	defer server.Close()

	mux := http.NewServeMux()
	mux.Handle("/socket.io/", server)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		hctx, hcancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer hcancel()
		status := map[string]string{"status": "healthy", "service": "narrata-socket-gateway", "broker": "connected"}
		code := http.StatusOK
		if err := b.Ping(hctx); err != nil {
			status["status"] = "degraded"
			status["broker"] = "error"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(status)
	})

	httpServer := &http.Server{
		Addr:        ":" + port,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Narrata socket-gateway starting on port %s", port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}
	log.Println("Server stopped")
}
