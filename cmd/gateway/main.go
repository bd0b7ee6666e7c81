// The gateway is the session-facing entrypoint: it serves the HTTP and
// WebSocket surface, runs the hot result consumer and the cold billing
// consumer, and hosts the background scanners (visibility, overflow, reaper).
// Workers run separately in cmd/worker; the broker is the only thing the two
// share.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/narrata/backend/internal/api"
	"github.com/narrata/backend/internal/audiocache"
	"github.com/narrata/backend/internal/broker"
	"github.com/narrata/backend/internal/config"
	"github.com/narrata/backend/internal/consumer"
	"github.com/narrata/backend/internal/elastic"
	"github.com/narrata/backend/internal/events"
	"github.com/narrata/backend/internal/identity"
	"github.com/narrata/backend/internal/metrics"
	"github.com/narrata/backend/internal/notify"
	"github.com/narrata/backend/internal/queue"
	"github.com/narrata/backend/internal/scanner"
	"github.com/narrata/backend/internal/service"
	"github.com/narrata/backend/internal/store"
	"github.com/narrata/backend/internal/webhooks"
	"github.com/narrata/backend/internal/websocket"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	configPath := flag.String("config", "config.yaml", "path to the gateway config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatalf("Failed to load config %s: %v", *configPath, err)
		}
		log.Printf("⚠️  no config at %s, using defaults", *configPath)
		cfg = config.Default()
		if port := os.Getenv("PORT"); port != "" {
			cfg.Server.Port = port
		}
		if addr := os.Getenv("REDIS_ADDR"); addr != "" {
			cfg.Broker.Addr = addr
		}
	}

	m := metrics.Default()

	// Broker connection, with workload mTLS when a SPIRE socket is set.
	var brokerOpts []broker.Option
	if cfg.Broker.SpireSocket != "" {
		wl, err := identity.NewWorkload(cfg.Broker.SpireSocket)
		if err != nil {
			log.Fatalf("Failed to connect to SPIRE agent: %v", err)
		}
		defer wl.Close()
		tlsConf, err := wl.BrokerTLSConfig("")
		if err != nil {
			log.Fatalf("Failed to build broker TLS config: %v", err)
		}
		brokerOpts = append(brokerOpts, broker.WithTLSConfig(tlsConf))
	}
	b, err := broker.NewRedisBroker(cfg.Broker.Addr, cfg.Broker.Password, cfg.Broker.DB, brokerOpts...)
	if err != nil {
		log.Fatalf("Failed to connect to broker: %v", err)
	}
	defer b.Close()

	cache, err := audiocache.New(cfg.Cache.Dir, cfg.Cache.MaxBytes, cfg.Cache.BloatThreshold)
	if err != nil {
		log.Fatalf("Failed to open audio cache at %s: %v", cfg.Cache.Dir, err)
	}

	singleflightTTL := time.Duration(cfg.Synthesis.SingleflightTTLMs) * time.Millisecond
	scanInterval := time.Duration(cfg.Synthesis.ScanIntervalMs) * time.Millisecond
	q := queue.New(b, singleflightTTL)
	pub := notify.NewPublisher(b)

	// Ops event bus: in-memory for SSE, mirrored to Pub/Sub when configured.
	var (
		bus     *events.EventBus
		emitter events.EventEmitter
	)
	if cfg.Events.PubSubProject != "" {
		psBus, err := events.NewPubSubEventBus(cfg.Events.PubSubProject, cfg.Events.PubSubTopic)
		if err != nil {
			log.Fatalf("Failed to connect to Pub/Sub: %v", err)
		}
		defer psBus.Close()
		bus = psBus.EventBus
		emitter = psBus
	} else {
		bus = events.NewEventBus()
		emitter = bus
	}

	// Per-model settings feed the scanners and the billing multipliers.
	multipliers := make(map[string]float64, len(cfg.Models))
	elasticEndpoints := make(map[string]string)
	reapThresholds := make(map[string]time.Duration)
	for _, slug := range cfg.ModelSlugs() {
		model, err := cfg.Model(slug)
		if err != nil {
			log.Fatalf("Invalid model config: %v", err)
		}
		multipliers[model.Slug] = model.UsageMultiplier
		if model.ElasticURL != "" {
			elasticEndpoints[model.Slug] = model.ElasticURL
		}
		reapThresholds[model.Slug] = time.Duration(model.ReapThresholdMs) * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	vis := scanner.NewVisibility(scanner.VisibilityConfig{
		Back:     cfg.Synthesis.VisibilityBack,
		Forward:  cfg.Synthesis.VisibilityForward,
		Interval: scanInterval,
		Metrics:  m,
		Events:   emitter,
	}, b, q, pub)
	go vis.Run(ctx)

	svc := service.NewSynthesisService(cfg, q, cache, pub, vis, m)

	if len(elasticEndpoints) > 0 {
		dispatcher := elastic.NewClient(cfg.Elastic.APIKey, time.Duration(cfg.Elastic.TimeoutMs)*time.Millisecond)
		ovf := scanner.NewOverflow(scanner.OverflowConfig{
			Threshold: time.Duration(cfg.Synthesis.OverflowThresholdMs) * time.Millisecond,
			Interval:  scanInterval,
			Endpoints: elasticEndpoints,
			Metrics:   m,
			Events:    emitter,
		}, b, q, dispatcher)
		go ovf.Run(ctx)
	}

	reaper := scanner.NewReaper(scanner.ReaperConfig{
		Interval:        scanInterval,
		Threshold:       time.Duration(cfg.Synthesis.ReapThresholdMs) * time.Millisecond,
		ModelThresholds: reapThresholds,
		SingleflightTTL: singleflightTTL,
		Metrics:         m,
		Events:          emitter,
	}, b, q)
	go reaper.Run(ctx)

	pollTimeout := time.Duration(cfg.Synthesis.WorkerPollTimeoutMs) * time.Millisecond
	result := consumer.NewResultConsumer(consumer.ResultConfig{
		PopTimeout:  pollTimeout,
		Multipliers: multipliers,
		Metrics:     m,
		Events:      emitter,
	}, b, cache, pub)
	go result.Run(ctx)

	// The billing consumer only runs when a persistent store is configured;
	// development setups without one still synthesize, they just don't bill.
	var variants api.VariantReader
	if cfg.Store.PostgresURL != "" || cfg.Store.Backend == "spanner" {
		billingStore, err := store.Open(cfg.Store)
		if err != nil {
			log.Fatalf("Failed to open billing store: %v", err)
		}
		defer billingStore.Close()
		variants = billingStore

		billing := consumer.NewBillingConsumer(consumer.BillingConfig{
			PopTimeout: pollTimeout,
			Metrics:    m,
			Events:     emitter,
		}, b, billingStore)
		go billing.Run(ctx)
	} else {
		log.Printf("⚠️  billing store not configured, billing consumer disabled")
	}

	// Deployments whose user-facing data sits behind Supabase can still
	// serve variant reads without a direct database connection.
	if variants == nil && os.Getenv("SUPABASE_URL") != "" {
		reader, err := store.NewSupabaseReader()
		if err != nil {
			log.Fatalf("Failed to build Supabase reader: %v", err)
		}
		variants = reader
		log.Printf("📖 variant reads served from Supabase")
	}

	var registry *webhooks.Registry
	if cfg.Webhooks.Enabled {
		registry = webhooks.NewRegistry()

		var hookEmitter webhooks.WebhookEmitter
		if cfg.Webhooks.Project != "" {
			cd, err := webhooks.NewCloudDispatcher(registry, cfg.Webhooks.Project, cfg.Webhooks.Location, cfg.Webhooks.Queue, cfg.Webhooks.Workers)
			if err != nil {
				log.Fatalf("Failed to connect to Cloud Tasks: %v", err)
			}
			hookEmitter = cd
		} else {
			hookEmitter = webhooks.NewDispatcher(registry, cfg.Webhooks.Workers)
		}
		defer hookEmitter.Shutdown()

		bridge := webhooks.NewBridge(bus, hookEmitter)
		go bridge.Run(ctx)
	}

	streamer := websocket.NewStatusStreamer(svc.Subscribe, svc)

	srv := api.NewServer(api.Deps{
		Service:  svc,
		Broker:   b,
		Variants: variants,
		Registry: registry,
		Streamer: streamer,
		Bus:      bus,
	})

	go reportQueueDepths(ctx, b, cfg.ModelSlugs(), m)
	go vacuumAudioCache(ctx, cache, time.Duration(cfg.Cache.VacuumIntervalMs)*time.Millisecond)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown (Cloud Run sends SIGTERM)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Narrata gateway starting on port %s (env=%s, models=%v)",
		cfg.Server.Port, cfg.Server.Env, cfg.ModelSlugs())
	log.Printf("📊 Health check: http://localhost:%s/health", cfg.Server.Port)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}

	log.Println("Server stopped")
}

// vacuumAudioCache keeps the cache under its byte budget. The check is a
// cheap size comparison until the footprint crosses the bloat threshold.
func vacuumAudioCache(ctx context.Context, cache *audiocache.Cache, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n, err := cache.VacuumIfNeeded(); err != nil {
				log.Printf("⚠️  audio cache vacuum failed: %v", err)
			} else if n > 0 {
				log.Printf("🧹 audio cache vacuum removed %d artifact(s)", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// reportQueueDepths refreshes the per-model depth gauge. Depth is a broker
// read, so one replica reporting is as good as all of them.
func reportQueueDepths(ctx context.Context, b broker.Broker, models []string, m *metrics.Metrics) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, model := range models {
				depth, err := b.QueueLen(ctx, model)
				if err != nil {
					continue
				}
				m.SetQueueDepth(model, float64(depth))
			}
		case <-ctx.Done():
			return
		}
	}
}
