// The worker binary runs one claim loop per configured model. Each model
// either points at a fixed local inference endpoint or, when marked managed,
// draws warm containers from a model pool per synthesis call.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/narrata/backend/internal/broker"
	"github.com/narrata/backend/internal/config"
	"github.com/narrata/backend/internal/core"
	"github.com/narrata/backend/internal/identity"
	"github.com/narrata/backend/internal/metrics"
	"github.com/narrata/backend/internal/modelpool"
	"github.com/narrata/backend/internal/queue"
	"github.com/narrata/backend/internal/worker"
	"github.com/narrata/backend/internal/worker/kokoro"
)

const defaultPoolPort = 8880

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	configPath := flag.String("config", "config.yaml", "path to the worker config file")
	only := flag.String("model", "", "run only this model's queue (default: all configured models)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", *configPath, err)
	}
	if len(cfg.Models) == 0 {
		log.Fatalf("No models configured, nothing to run")
	}

	m := metrics.Default()

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

	q := queue.New(b, time.Duration(cfg.Synthesis.SingleflightTTLMs)*time.Millisecond)
	pollTimeout := time.Duration(cfg.Synthesis.WorkerPollTimeoutMs) * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	started := 0
	for _, slug := range cfg.ModelSlugs() {
		if *only != "" && slug != *only {
			continue
		}
		model, err := cfg.Model(slug)
		if err != nil {
			log.Fatalf("Invalid model config: %v", err)
		}

		adapter, err := buildAdapter(ctx, model)
		if err != nil {
			log.Fatalf("Failed to build adapter for %s: %v", model.Slug, err)
		}

		runner := worker.NewRunner(worker.Config{
			Model:       model.Slug,
			PollTimeout: pollTimeout,
			Concurrency: int64(model.Workers),
			Metrics:     m,
		}, adapter, q, b)

		wg.Add(1)
		go func(slug string) {
			defer wg.Done()
			if err := runner.Run(ctx); err != nil {
				log.Printf("❌ runner for %s exited: %v", slug, err)
			}
		}(model.Slug)
		started++
	}
	if started == 0 {
		log.Fatalf("No runner matched -model=%s", *only)
	}

	log.Printf("🚀 Narrata worker started: %d model runner(s)", started)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Received shutdown signal, draining in-flight synthesis...")
	cancel()
	wg.Wait()
	log.Println("Worker stopped")
}

// buildAdapter wires the synthesis backend for one model. Managed models get
// a warm container pool; everything else talks to a fixed endpoint.
func buildAdapter(ctx context.Context, model config.ModelConfig) (worker.Adapter, error) {
	if !model.Managed {
		if model.Endpoint == "" {
			return nil, fmt.Errorf("model %s has neither an endpoint nor managed set", model.Slug)
		}
		return kokoro.New(model.Endpoint)
	}

	pool := modelpool.NewPool(modelpool.PoolConfig{
		Image: modelpool.ModelImage{
			Slug:  model.Slug,
			Image: model.Image,
			Port:  defaultPoolPort,
		},
		MinIdle:     1,
		MaxCapacity: model.Workers,
	}, modelpool.NewDockerRuntime())
	go pool.Run(ctx)

	return newPooledAdapter(pool)
}

// pooledAdapter satisfies worker.Adapter on top of a model pool: each call
// borrows a warm container, synthesizes against it, and returns it.
type pooledAdapter struct {
	pool *modelpool.Pool
	// calc carries the codec duration math; it never makes a request.
	calc *kokoro.Adapter
}

func newPooledAdapter(pool *modelpool.Pool) (*pooledAdapter, error) {
	calc, err := kokoro.New("http://pool.invalid")
	if err != nil {
		return nil, err
	}
	return &pooledAdapter{pool: pool, calc: calc}, nil
}

// Initialize is a no-op: the pool warms containers on its own loop, and the
// first Acquire blocks until one is ready.
func (a *pooledAdapter) Initialize(context.Context) error { return nil }

func (a *pooledAdapter) Synthesize(ctx context.Context, text string, params core.SynthesisParams) ([]byte, int, error) {
	inst, err := a.pool.Acquire(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("acquire pooled instance: %w", err)
	}
	defer a.pool.Release(inst)

	backend, err := kokoro.New("http://" + inst.Addr)
	if err != nil {
		return nil, 0, err
	}
	return backend.Synthesize(ctx, text, params)
}

func (a *pooledAdapter) CalculateDurationMs(audio []byte) int {
	return a.calc.CalculateDurationMs(audio)
}
