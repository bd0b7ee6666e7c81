package modelpool

import (
	"context"
	"log"
	"sync"
	"time"
)

// Instance is one warm inference container.
type Instance struct {
	ID        string
	Addr      string
	ModelSlug string
	StartedAt time.Time
	LastUsed  time.Time
}

// PoolConfig tunes one model's pool.
type PoolConfig struct {
	Image ModelImage
	// MinIdle warm instances to keep available.
	MinIdle int
	// MaxCapacity bounds total instances, warm plus acquired.
	MaxCapacity int
	// MaintainInterval is how often the pool tops itself up and health-checks
	// idle instances.
	MaintainInterval time.Duration
}

// Pool keeps warm instances of one model's inference server. Acquire hands an
// address to a worker adapter; Release returns the instance after a health
// check, destroying it instead when the server stopped answering.
type Pool struct {
	cfg     PoolConfig
	runtime Runtime
	logger  *log.Logger

	mu        sync.Mutex
	active    map[string]*Instance
	available chan *Instance
}

func NewPool(cfg PoolConfig, runtime Runtime) *Pool {
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = 1
	}
	if cfg.MaxCapacity < cfg.MinIdle {
		cfg.MaxCapacity = cfg.MinIdle * 2
	}
	if cfg.MaintainInterval <= 0 {
		cfg.MaintainInterval = 5 * time.Second
	}
	return &Pool{
		cfg:       cfg,
		runtime:   runtime,
		logger:    log.New(log.Writer(), "[MODELPOOL] ", log.LstdFlags),
		active:    make(map[string]*Instance),
		available: make(chan *Instance, cfg.MaxCapacity),
	}
}

// Run maintains the pool until ctx is cancelled, then destroys every idle
// instance. Acquired instances are destroyed on Release after shutdown.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.MaintainInterval)
	defer ticker.Stop()

	p.logger.Printf("pool started: model=%s image=%s min_idle=%d max=%d runtime=%s",
		p.cfg.Image.Slug, p.cfg.Image.Image, p.cfg.MinIdle, p.cfg.MaxCapacity, p.runtime.Name())
	p.maintain(ctx)
	for {
		select {
		case <-ticker.C:
			p.maintain(ctx)
		case <-ctx.Done():
			p.drain()
			p.logger.Printf("pool stopped: model=%s", p.cfg.Image.Slug)
			return
		}
	}
}

// Acquire returns a warm instance, blocking until one is ready or ctx ends.
func (p *Pool) Acquire(ctx context.Context) (*Instance, error) {
	select {
	case inst := <-p.available:
		p.mu.Lock()
		p.active[inst.ID] = inst
		p.mu.Unlock()
		inst.LastUsed = time.Now()
		return inst, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns an instance to the pool. An instance whose server no longer
// answers is destroyed; the maintain loop replaces it.
func (p *Pool) Release(inst *Instance) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		p.mu.Lock()
		delete(p.active, inst.ID)
		p.mu.Unlock()

		if !p.runtime.Healthy(ctx, inst.Addr) {
			p.logger.Printf("⚠️  instance %s unhealthy on release, destroying", short(inst.ID))
			p.destroy(ctx, inst)
			return
		}
		select {
		case p.available <- inst:
		default:
			// Pool shrank under us; excess instances go away.
			p.destroy(ctx, inst)
		}
	}()
}

func (p *Pool) maintain(ctx context.Context) {
	p.mu.Lock()
	activeCount := len(p.active)
	p.mu.Unlock()

	availableCount := len(p.available)
	total := activeCount + availableCount

	deficit := p.cfg.MinIdle - availableCount
	for i := 0; i < deficit && total+i < p.cfg.MaxCapacity; i++ {
		if err := p.warm(ctx); err != nil {
			p.logger.Printf("⚠️  warm-up failed for %s: %v", p.cfg.Image.Slug, err)
			return
		}
	}
}

func (p *Pool) warm(ctx context.Context) error {
	id, addr, err := p.runtime.Create(ctx, p.cfg.Image)
	if err != nil {
		return err
	}
	inst := &Instance{
		ID:        id,
		Addr:      addr,
		ModelSlug: p.cfg.Image.Slug,
		StartedAt: time.Now(),
	}
	select {
	case p.available <- inst:
		p.logger.Printf("✅ instance pre-warmed: model=%s id=%s addr=%s", inst.ModelSlug, short(id), addr)
		return nil
	default:
		p.destroy(ctx, inst)
		return nil
	}
}

func (p *Pool) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for {
		select {
		case inst := <-p.available:
			p.destroy(ctx, inst)
		default:
			return
		}
	}
}

func (p *Pool) destroy(ctx context.Context, inst *Instance) {
	if err := p.runtime.Destroy(ctx, inst.ID); err != nil {
		p.logger.Printf("⚠️  destroy failed for %s: %v", short(inst.ID), err)
	}
}

// Stats returns pool telemetry.
func (p *Pool) Stats() map[string]interface{} {
	p.mu.Lock()
	activeCount := len(p.active)
	p.mu.Unlock()

	return map[string]interface{}{
		"model":        p.cfg.Image.Slug,
		"active":       activeCount,
		"idle":         len(p.available),
		"max_capacity": p.cfg.MaxCapacity,
		"min_idle":     p.cfg.MinIdle,
		"runtime":      p.runtime.Name(),
	}
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
