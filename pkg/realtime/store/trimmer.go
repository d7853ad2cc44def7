package store

import (
	"context"
	"sync"
	"time"

	"github.com/tillstream/tillstream/pkg/observability/logger"
)

// Trimmer periodically removes expired entries from tenant indexes. Event
// bodies expire on their own via TTL; only the index needs sweeping.
// Tenants come from the store's index listing plus any the publisher has
// observed since, so indexes written before a restart are still swept.
type Trimmer struct {
	store     Store
	log       logger.Logger
	interval  time.Duration
	retention time.Duration

	mu      sync.Mutex
	tenants map[string]struct{}
}

// NewTrimmer creates an index trimmer.
func NewTrimmer(st Store, log logger.Logger, interval, retention time.Duration) *Trimmer {
	if log == nil {
		log = logger.Nop()
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Trimmer{
		store:     st,
		log:       log,
		interval:  interval,
		retention: retention,
		tenants:   make(map[string]struct{}),
	}
}

// Observe records a tenant whose index needs periodic trimming.
func (t *Trimmer) Observe(tenantID string) {
	if tenantID == "" {
		return
	}
	t.mu.Lock()
	t.tenants[tenantID] = struct{}{}
	t.mu.Unlock()
}

// Run sweeps indexes until context cancellation.
func (t *Trimmer) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

func (t *Trimmer) sweep(ctx context.Context) {
	seen := make(map[string]struct{})
	t.mu.Lock()
	for tenant := range t.tenants {
		seen[tenant] = struct{}{}
	}
	t.mu.Unlock()

	indexed, err := t.store.IndexedTenants(ctx)
	if err != nil {
		t.log.Warn("tenant index listing failed", "error", err)
	}
	for _, tenant := range indexed {
		seen[tenant] = struct{}{}
	}

	tenants := make([]string, 0, len(seen))
	for tenant := range seen {
		tenants = append(tenants, tenant)
	}

	cutoff := time.Now().UTC().Add(-t.retention)
	for _, tenant := range tenants {
		removed, err := t.store.TrimTenantIndex(ctx, tenant, cutoff)
		if err != nil {
			t.log.Warn("tenant index trim failed", "tenant_id", tenant, "error", err)
			continue
		}
		if removed > 0 {
			t.log.Debug("trimmed tenant index", "tenant_id", tenant, "removed", removed)
		}
	}
}
