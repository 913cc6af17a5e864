// Package session owns the per-tenant automation session: the
// process-wide registry of live driver handles and the lifecycle state
// machine that moves a tenant between disconnected, needs_pairing,
// connected and error.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/heraldhq/herald/internal/driver"
)

// Registry holds at most one live handle per tenant per process.
// Creation goes through singleflight so concurrent acquires for one
// tenant can never race two browser sessions into existence.
type Registry struct {
	factory driver.Factory

	mu      sync.Mutex
	handles map[string]driver.Handle
	group   singleflight.Group
}

func NewRegistry(factory driver.Factory) *Registry {
	return &Registry{
		factory: factory,
		handles: make(map[string]driver.Handle),
	}
}

// Acquire returns the tenant's live handle, creating and state-probing
// a new one when absent.
func (r *Registry) Acquire(ctx context.Context, tenantID string) (driver.Handle, error) {
	r.mu.Lock()
	if h, ok := r.handles[tenantID]; ok {
		r.mu.Unlock()
		return h, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(tenantID, func() (any, error) {
		// A concurrent acquire may have won while we queued.
		r.mu.Lock()
		if h, ok := r.handles[tenantID]; ok {
			r.mu.Unlock()
			return h, nil
		}
		r.mu.Unlock()

		h, err := r.factory.New(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("create handle for %s: %w", tenantID, err)
		}
		if _, err := h.DetectState(ctx); err != nil {
			_ = h.Close(ctx)
			return nil, fmt.Errorf("probe handle for %s: %w", tenantID, err)
		}

		r.mu.Lock()
		r.handles[tenantID] = h
		r.mu.Unlock()
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(driver.Handle), nil
}

// Peek returns the live handle without creating one.
func (r *Registry) Peek(tenantID string) (driver.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[tenantID]
	return h, ok
}

// Release tears down and removes the tenant's handle. Safe when no
// handle exists.
func (r *Registry) Release(ctx context.Context, tenantID string) {
	r.mu.Lock()
	h, ok := r.handles[tenantID]
	delete(r.handles, tenantID)
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := h.Close(ctx); err != nil {
		slog.Warn("handle close failed", "tenant", tenantID, "err", err)
	}
}

// ReleaseAll tears down every live handle. Called on shutdown after
// the queue has drained.
func (r *Registry) ReleaseAll(ctx context.Context) {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]driver.Handle)
	r.mu.Unlock()

	for tenantID, h := range handles {
		if err := h.Close(ctx); err != nil {
			slog.Warn("handle close failed", "tenant", tenantID, "err", err)
		}
	}
}
