// Package cache provides short-lived read caches for dashboard listings.
// Provider and agent rows change rarely compared to how often the dashboard
// polls them, so a small TTL cache in front of Postgres keeps list endpoints
// cheap without adding an external cache dependency.
package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/rosterhq/roster/internal/store"
)

const (
	providerListKey = "providers"
	agentListKey    = "agents"

	// DefaultTTL bounds how stale a cached listing can be.
	DefaultTTL = 60 * time.Second
)

// Lister is the subset of the store the cache reads through to.
type Lister interface {
	ListProviders(ctx context.Context) ([]*store.Provider, error)
	ListAgents(ctx context.Context) ([]*store.Agent, error)
}

// RosterCache caches provider and agent listings with a shared TTL.
// Mutating handlers call Invalidate after every write so reads never
// observe a deleted row for longer than one request.
type RosterCache struct {
	lister Lister
	c      *gocache.Cache
}

// New builds a cache over lister. ttlSeconds <= 0 falls back to DefaultTTL.
func New(lister Lister, ttlSeconds int) *RosterCache {
	ttl := DefaultTTL
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	return &RosterCache{
		lister: lister,
		c:      gocache.New(ttl, 2*ttl),
	}
}

// Providers returns the cached provider listing, loading it on miss.
func (r *RosterCache) Providers(ctx context.Context) ([]*store.Provider, error) {
	if v, ok := r.c.Get(providerListKey); ok {
		return v.([]*store.Provider), nil
	}
	providers, err := r.lister.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	r.c.SetDefault(providerListKey, providers)
	return providers, nil
}

// Agents returns the cached agent listing, loading it on miss.
func (r *RosterCache) Agents(ctx context.Context) ([]*store.Agent, error) {
	if v, ok := r.c.Get(agentListKey); ok {
		return v.([]*store.Agent), nil
	}
	agents, err := r.lister.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	r.c.SetDefault(agentListKey, agents)
	return agents, nil
}

// InvalidateProviders drops the cached provider listing.
func (r *RosterCache) InvalidateProviders() {
	r.c.Delete(providerListKey)
}

// InvalidateAgents drops the cached agent listing.
func (r *RosterCache) InvalidateAgents() {
	r.c.Delete(agentListKey)
}

// Flush drops everything. Used when the backing config reloads.
func (r *RosterCache) Flush() {
	r.c.Flush()
}
