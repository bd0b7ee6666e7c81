// narrata-check is the operator pre-flight: it verifies every dependency the
// synthesis pipeline needs and prints the live queue picture, so a deploy can
// be judged healthy before any traffic arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/narrata/backend/internal/audiocache"
	"github.com/narrata/backend/internal/broker"
	"github.com/narrata/backend/internal/config"
	"github.com/narrata/backend/internal/store"
)

type component struct {
	Name string
	Test func(ctx context.Context) error
}

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Printf("\033[31mConfig error:\033[0m %v\n", err)
			os.Exit(1)
		}
		cfg = config.Default()
		if addr := os.Getenv("REDIS_ADDR"); addr != "" {
			cfg.Broker.Addr = addr
		}
	}

	fmt.Println("\033[96mNarrata Synthesis Pipeline - Pre-Flight Diagnostic\033[0m")
	fmt.Println("---------------------------------------------------------")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var b broker.Broker
	components := []component{
		{"Broker (Redis)", func(ctx context.Context) error {
			rb, err := broker.NewRedisBroker(cfg.Broker.Addr, cfg.Broker.Password, cfg.Broker.DB)
			if err != nil {
				return err
			}
			b = rb
			return b.Ping(ctx)
		}},
		{"Audio cache", func(ctx context.Context) error {
			_, err := audiocache.New(cfg.Cache.Dir, cfg.Cache.MaxBytes, cfg.Cache.BloatThreshold)
			return err
		}},
		{"Billing store", func(ctx context.Context) error {
			if cfg.Store.PostgresURL == "" && cfg.Store.Backend != "spanner" {
				return fmt.Errorf("not configured (billing disabled)")
			}
			s, err := store.Open(cfg.Store)
			if err != nil {
				return err
			}
			return s.Close()
		}},
		{"Model config", func(ctx context.Context) error {
			if len(cfg.Models) == 0 {
				return fmt.Errorf("no models configured")
			}
			return nil
		}},
	}

	failed := false
	for _, c := range components {
		fmt.Printf("Checking %-25s ", c.Name+"...")
		if err := c.Test(ctx); err != nil {
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Printf("  >> Error: %v\n", err)
			failed = true
		} else {
			fmt.Println("\033[32m[OK]\033[0m")
		}
	}

	if b != nil {
		fmt.Println("---------------------------------------------------------")
		printPipelineState(ctx, b, cfg)
	}

	fmt.Println("---------------------------------------------------------")
	if failed {
		fmt.Println("\033[31mStatus: Pre-flight FAILED.\033[0m")
		os.Exit(1)
	}
	fmt.Println("\033[96mStatus: System Ready for Session Traffic.\033[0m")
}

// printPipelineState reports the broker-side queue picture: per-model depth,
// live workers with in-flight counts, and parked billing events.
func printPipelineState(ctx context.Context, b broker.Broker, cfg *config.Config) {
	for _, slug := range cfg.ModelSlugs() {
		depth, err := b.QueueLen(ctx, slug)
		if err != nil {
			fmt.Printf("Queue %-28s \033[31m[ERR]\033[0m %v\n", slug+":", err)
			continue
		}
		fmt.Printf("Queue %-28s %d queued\n", slug+":", depth)
	}

	workers, err := b.ProcessingWorkers(ctx)
	if err != nil {
		fmt.Printf("Workers: \033[31m[ERR]\033[0m %v\n", err)
	} else {
		fmt.Printf("Workers with in-flight jobs:       %d\n", len(workers))
		for _, w := range workers {
			entries, err := b.ProcessingScan(ctx, w)
			if err != nil {
				continue
			}
			fmt.Printf("  %-32s %d in flight\n", w, len(entries))
		}
	}

	parked, err := b.DeadLetterLen(ctx)
	if err != nil {
		fmt.Printf("Billing dead letters: \033[31m[ERR]\033[0m %v\n", err)
	} else if parked > 0 {
		fmt.Printf("Billing dead letters:              \033[33m%d (needs operator attention)\033[0m\n", parked)
	} else {
		fmt.Printf("Billing dead letters:              0\n")
	}
}
