// Package api is the gateway's HTTP surface: the four session actions
// (synthesize, cursor, audio fetch, status subscribe) plus the operational
// endpoints — variant reads, webhook admin, the SSE ops stream, health and
// metrics.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/narrata/backend/internal/broker"
	"github.com/narrata/backend/internal/events"
	"github.com/narrata/backend/internal/middleware"
	"github.com/narrata/backend/internal/service"
	"github.com/narrata/backend/internal/store"
	"github.com/narrata/backend/internal/webhooks"
	"github.com/narrata/backend/internal/websocket"
)

// VariantReader serves display reads of variant metadata. The billing store
// and the Supabase reader both satisfy it; which one answers is a deployment
// choice.
type VariantReader interface {
	GetVariantMetadata(ctx context.Context, fingerprint string) (*store.VariantMetadata, error)
}

// Deps collects everything the server fronts. Variants, Registry, Streamer
// and Bus are optional; their routes answer 404 or 503 when absent.
type Deps struct {
	Service  *service.SynthesisService
	Broker   broker.Broker
	Variants VariantReader
	Registry *webhooks.Registry
	Streamer *websocket.StatusStreamer
	Bus      *events.EventBus
	Limiter  *middleware.RateLimiter
}

// Server owns the gateway router.
type Server struct {
	deps   Deps
	logger *log.Logger
}

func NewServer(deps Deps) *Server {
	if deps.Limiter == nil {
		deps.Limiter = middleware.NewRateLimiter(middleware.RateLimitConfig{})
	}
	return &Server{
		deps:   deps,
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)
	r.Use(loggingMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/audio/{fingerprint}", s.handleAudio).Methods("GET")

	if s.deps.Streamer != nil {
		r.HandleFunc("/ws/sessions", s.deps.Streamer.HandleSession)
	}
	if s.deps.Bus != nil {
		r.HandleFunc("/events/stream", s.handleEventStream).Methods("GET")
	}

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Handle("/synthesize", s.deps.Limiter.Middleware(http.HandlerFunc(s.handleSynthesize))).Methods("POST")
	api.HandleFunc("/cursor", s.handleCursor).Methods("POST")
	api.HandleFunc("/variants/{fingerprint}", s.handleVariant).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")

	if s.deps.Registry != nil {
		api.HandleFunc("/webhooks", s.handleWebhookRegister).Methods("POST")
		api.HandleFunc("/webhooks", s.handleWebhookList).Methods("GET")
		api.HandleFunc("/webhooks/{id}", s.handleWebhookDelete).Methods("DELETE")
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	brokerStatus := "connected"
	status := http.StatusOK
	if err := s.deps.Broker.Ping(ctx); err != nil {
		brokerStatus = "error"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]string{
		"status":  map[bool]string{true: "healthy", false: "degraded"}[status == http.StatusOK],
		"service": "narrata-gateway",
		"broker":  brokerStatus,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"rate_limiter": s.deps.Limiter.Stats(),
	}
	if s.deps.Streamer != nil {
		stats["websocket"] = s.deps.Streamer.GetStatistics()
	}
	if s.deps.Bus != nil {
		stats["events"] = map[string]interface{}{
			"sse_subscribers": s.deps.Bus.SubscriberCount(),
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Middleware

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		log.Printf(`{"method":"%s","path":"%s","duration_ms":%d}`,
			r.Method,
			r.URL.Path,
			time.Since(start).Milliseconds(),
		)
	})
}
