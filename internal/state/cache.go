// ABOUTME: State store caching the last known configuration snapshot per tenant
// ABOUTME: Enforces the version = previous+1 gate and hydrates lazily from persistence

package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/quartermaster/qm-relay/internal/store"
)

// ErrOutOfOrderSnapshot means a snapshot's version is not exactly the
// previous version plus one. The relay's view is stale; the agent must
// resend a full snapshot rather than have partial deltas merged.
var ErrOutOfOrderSnapshot = errors.New("out of order snapshot")

// entry is one tenant's cached snapshot. Each entry has its own mutex so
// tenants never block on each other's snapshot writes.
type entry struct {
	mu       sync.Mutex
	latest   *store.Snapshot
	hydrated bool

	// resyncing is set after the relay demands a full resync: the next
	// snapshot is accepted at any version and becomes the new baseline.
	resyncing bool
}

// Cache holds the latest snapshot per tenant so the dashboard has data to
// show even while the agent is offline. Writes go through to the persistent
// store; reads are served from memory after the first hydration.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	store   store.Store
	logger  *slog.Logger
}

// NewCache creates a snapshot cache backed by the given store.
func NewCache(st store.Store, logger *slog.Logger) *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		store:   st,
		logger:  logger.With("component", "state"),
	}
}

// getEntry returns the tenant's cache entry, creating it on first use.
func (c *Cache) getEntry(tenantID string) *entry {
	c.mu.RLock()
	e, ok := c.entries[tenantID]
	c.mu.RUnlock()
	if ok {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok = c.entries[tenantID]; ok {
		return e
	}
	e = &entry{}
	c.entries[tenantID] = e
	return e
}

// hydrateLocked loads the persisted snapshot into the entry once.
// Must be called with the entry lock held.
func (c *Cache) hydrateLocked(ctx context.Context, tenantID string, e *entry) error {
	if e.hydrated {
		return nil
	}

	snap, err := c.store.GetSnapshot(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		e.hydrated = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("hydrating snapshot cache: %w", err)
	}

	e.latest = snap
	e.hydrated = true
	return nil
}

// Put stores a new snapshot for the tenant. The first snapshot a tenant
// ever pushes defines the version baseline; after that, a snapshot is
// accepted only when its version is exactly previous+1, otherwise
// ErrOutOfOrderSnapshot is returned and the caller requests a resync.
func (c *Cache) Put(ctx context.Context, snapshot *store.Snapshot) error {
	e := c.getEntry(snapshot.TenantID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := c.hydrateLocked(ctx, snapshot.TenantID, e); err != nil {
		return err
	}

	if e.latest != nil && !e.resyncing && snapshot.Version != e.latest.Version+1 {
		c.logger.Warn("rejected out-of-order snapshot",
			"tenant_id", snapshot.TenantID,
			"have_version", e.latest.Version,
			"got_version", snapshot.Version,
		)
		return ErrOutOfOrderSnapshot
	}

	if err := c.store.SaveSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("persisting snapshot: %w", err)
	}

	e.latest = snapshot
	e.resyncing = false
	c.logger.Debug("snapshot stored",
		"tenant_id", snapshot.TenantID,
		"version", snapshot.Version,
	)
	return nil
}

// ExpectResync marks the tenant so the next snapshot is accepted at any
// version. Called after the relay has demanded a full resync: the agent's
// fresh snapshot becomes the new baseline (last full resync wins). The
// stale snapshot stays readable until the resync arrives.
func (c *Cache) ExpectResync(tenantID string) {
	e := c.getEntry(tenantID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resyncing = true
}

// Get returns the tenant's latest snapshot.
// Returns store.ErrNotFound if the tenant has never pushed one.
func (c *Cache) Get(ctx context.Context, tenantID string) (*store.Snapshot, error) {
	e := c.getEntry(tenantID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := c.hydrateLocked(ctx, tenantID, e); err != nil {
		return nil, err
	}
	if e.latest == nil {
		return nil, store.ErrNotFound
	}
	return e.latest, nil
}

// Version returns the tenant's current snapshot version, or zero if none.
func (c *Cache) Version(ctx context.Context, tenantID string) (int64, error) {
	snap, err := c.Get(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return snap.Version, nil
}
