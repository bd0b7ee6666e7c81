// Package store owns the persistent side of billing: variant metadata,
// usage accounting, and per-user voice engagement stats. Only the billing
// consumer writes here; the session façade reads variant metadata for
// display. Two backends exist behind one interface, selected by config.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/narrata/backend/internal/config"
	"github.com/narrata/backend/internal/core"
)

var ErrNotFound = errors.New("store: not found")

// VariantMetadata is the persisted row for one rendered variant.
type VariantMetadata struct {
	Fingerprint string
	DurationMs  int
	CacheRef    string
	UpdatedAt   time.Time
}

// BillingStore applies billing events and serves variant reads. Apply is
// transactional: all three writes land together or not at all, which is what
// lets the billing consumer retry blindly.
type BillingStore interface {
	ApplyBillingEvent(ctx context.Context, event core.BillingEvent) error
	GetVariantMetadata(ctx context.Context, fingerprint string) (*VariantMetadata, error)
	Close() error
}

// Open builds the configured backend. The default is Postgres; Spanner
// deployments set backend "spanner" (or the BILLING_BACKEND env override).
func Open(cfg config.StoreConfig) (BillingStore, error) {
	switch cfg.Backend {
	case "", "postgres":
		return NewPostgresStore(cfg.PostgresURL, cfg.BillingPoolSize)
	case "spanner":
		return NewSpannerStore(cfg.Spanner.Project, cfg.Spanner.Instance, cfg.Spanner.Database)
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}

// usageAmount converts a billing event into billable characters.
func usageAmount(event core.BillingEvent) int64 {
	return int64(float64(event.TextLen)*event.UsageMultiplier + 0.5)
}

// statsMonth buckets engagement stats by calendar month.
func statsMonth(now time.Time) string {
	return now.UTC().Format("2006-01")
}
