package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Broker    BrokerConfig    `yaml:"broker"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	Synthesis SynthesisConfig `yaml:"synthesis"`
	Models    []ModelConfig   `yaml:"models"`
	Elastic   ElasticConfig   `yaml:"elastic"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	Events    EventsConfig    `yaml:"events"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type BrokerConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// SpireSocket enables SPIFFE mTLS on broker connections when set.
	// Worker hosts outside the cluster boundary use this.
	SpireSocket string `yaml:"spire_socket"`
}

type StoreConfig struct {
	// Backend selects the billing store: "postgres" (default) or "spanner".
	Backend     string `yaml:"backend"`
	PostgresURL string `yaml:"postgres_url"`
	// BillingPoolSize sizes the billing consumer's dedicated connection
	// pool. Kept separate from any façade pool so billing contention can
	// never starve hot-path reads.
	BillingPoolSize int           `yaml:"billing_pool_size"`
	Spanner         SpannerConfig `yaml:"spanner"`
}

type SpannerConfig struct {
	Project  string `yaml:"project"`
	Instance string `yaml:"instance"`
	Database string `yaml:"database"`
}

type CacheConfig struct {
	Dir string `yaml:"dir"`
	// BloatThreshold is the fraction of MaxBytes at which vacuum starts
	// removing least-recently-touched entries.
	BloatThreshold float64 `yaml:"bloat_threshold"`
	MaxBytes       int64   `yaml:"max_bytes"`
	// VacuumIntervalMs paces the gateway's periodic vacuum pass.
	VacuumIntervalMs int64 `yaml:"vacuum_interval_ms"`
}

// SynthesisConfig enumerates the only knobs the orchestration core reads.
type SynthesisConfig struct {
	VisibilityBack      int `yaml:"visibility_back"`
	VisibilityForward   int `yaml:"visibility_forward"`
	OverflowThresholdMs int `yaml:"overflow_threshold_ms"`
	ReapThresholdMs     int `yaml:"reap_threshold_ms"`
	SingleflightTTLMs   int `yaml:"singleflight_ttl_ms"`
	ScanIntervalMs      int `yaml:"scan_interval_ms"`
	WorkerPollTimeoutMs int `yaml:"worker_poll_timeout_ms"`
}

type ModelConfig struct {
	Slug            string  `yaml:"slug"`
	Tier            string  `yaml:"tier"`
	UsageMultiplier float64 `yaml:"usage_multiplier"`
	Workers         int     `yaml:"workers"`
	// Endpoint is the local inference server URL. Ignored when Managed is
	// true and the model pool supplies addresses instead.
	Endpoint string `yaml:"endpoint"`
	Managed  bool   `yaml:"managed"`
	Image    string `yaml:"image"`
	// ElasticURL is the remote synchronous-call endpoint the overflow
	// scanner promotes stale heads to. Empty disables overflow for the model.
	ElasticURL string `yaml:"elastic_url"`
	// ReapThresholdMs overrides Synthesis.ReapThresholdMs for this model.
	ReapThresholdMs int `yaml:"reap_threshold_ms"`
}

type ElasticConfig struct {
	APIKey    string `yaml:"api_key"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type WebhooksConfig struct {
	Enabled bool `yaml:"enabled"`
	Workers int  `yaml:"workers"`
	// Cloud Tasks delivery; when Project is empty the in-memory dispatcher
	// is used alone.
	Project  string `yaml:"project"`
	Location string `yaml:"location"`
	Queue    string `yaml:"queue"`
}

type EventsConfig struct {
	PubSubProject string `yaml:"pubsub_project"`
	PubSubTopic   string `yaml:"pubsub_topic"`
}

// Default returns a config carrying the core's documented defaults. Callers
// load a file over it or use it directly in tests.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Broker: BrokerConfig{Addr: "localhost:6379"},
		Store:  StoreConfig{Backend: "postgres", BillingPoolSize: 4},
		Cache:  CacheConfig{Dir: "data/audio", BloatThreshold: 0.85, MaxBytes: 10 << 30, VacuumIntervalMs: 60_000},
		Synthesis: SynthesisConfig{
			VisibilityBack:      8,
			VisibilityForward:   16,
			OverflowThresholdMs: 10000,
			ReapThresholdMs:     60000,
			SingleflightTTLMs:   300000,
			ScanIntervalMs:      1000,
			WorkerPollTimeoutMs: 5000,
		},
		Elastic:  ElasticConfig{TimeoutMs: 120000},
		Webhooks: WebhooksConfig{Workers: 4},
	}
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Default()
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, err
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets deployment secrets override file values. Only settings that
// are secrets or differ per environment are overridable.
func (c *Config) applyEnv() {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Broker.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Broker.Password = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.PostgresURL = v
	}
	if v := os.Getenv("BILLING_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("ELASTIC_API_KEY"); v != "" {
		c.Elastic.APIKey = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
}

// Validate rejects configs that would misbehave silently at runtime.
func (c *Config) Validate() error {
	if c.Synthesis.VisibilityBack < 0 || c.Synthesis.VisibilityForward < 0 {
		return fmt.Errorf("config: visibility window bounds must be non-negative")
	}
	if c.Synthesis.SingleflightTTLMs <= c.Synthesis.ReapThresholdMs {
		return fmt.Errorf("config: singleflight_ttl_ms (%d) must exceed reap_threshold_ms (%d), or reaped jobs lose their dedup lock",
			c.Synthesis.SingleflightTTLMs, c.Synthesis.ReapThresholdMs)
	}
	seen := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if m.Slug == "" {
			return fmt.Errorf("config: model entry missing slug")
		}
		if seen[m.Slug] {
			return fmt.Errorf("config: duplicate model slug %q", m.Slug)
		}
		seen[m.Slug] = true
		if m.Managed && m.Image == "" {
			return fmt.Errorf("config: managed model %q needs an image", m.Slug)
		}
	}
	return nil
}

// Model resolves the effective settings for a model slug, merging per-model
// overrides over the global synthesis knobs.
func (c *Config) Model(slug string) (ModelConfig, error) {
	for _, m := range c.Models {
		if m.Slug != slug {
			continue
		}
		if m.UsageMultiplier == 0 {
			m.UsageMultiplier = 1.0
		}
		if m.Workers == 0 {
			m.Workers = 1
		}
		if m.ReapThresholdMs == 0 {
			m.ReapThresholdMs = c.Synthesis.ReapThresholdMs
		}
		if m.Tier == "" {
			m.Tier = "standard"
		}
		return m, nil
	}
	return ModelConfig{}, fmt.Errorf("config: unknown model %q", slug)
}

// ModelSlugs lists configured models in file order.
func (c *Config) ModelSlugs() []string {
	slugs := make([]string, 0, len(c.Models))
	for _, m := range c.Models {
		slugs = append(slugs, m.Slug)
	}
	return slugs
}
