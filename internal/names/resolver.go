// Package names maps Roblox user ids to display names with a process-lifetime
// cache. Lookups never fail from the caller's point of view: the id itself is
// returned when nothing better is known.
package names

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lanternops/placewatch/internal/logging"
	"github.com/lanternops/placewatch/internal/metrics"
	"github.com/lanternops/placewatch/pkg/roblox"
)

var log = logging.L("names")

// maxInFlight bounds concurrent lookups in ResolveAll.
const maxInFlight = 50

// Lookup fetches one user. *roblox.Client satisfies it.
type Lookup interface {
	User(ctx context.Context, id string) (roblox.User, error)
}

type Resolver struct {
	lookup Lookup

	mu    sync.RWMutex
	cache map[string]string
}

func NewResolver(lookup Lookup) *Resolver {
	return &Resolver{lookup: lookup, cache: make(map[string]string)}
}

// Cached returns the cached name for id, if any.
func (r *Resolver) Cached(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.cache[id]
	return name, ok
}

// Resolve returns the display name for id. A successful lookup is cached
// forever; a failed one is not cached so a later call can try again.
func (r *Resolver) Resolve(ctx context.Context, id string) string {
	name, _ := r.resolve(ctx, id)
	return name
}

func (r *Resolver) resolve(ctx context.Context, id string) (string, bool) {
	if name, ok := r.Cached(id); ok {
		return name, true
	}

	u, err := r.lookup.User(ctx, id)
	if err != nil {
		log.Debug("name lookup failed", logging.KeyUserID, id, logging.KeyError, err)
		return id, false
	}

	name := u.DisplayName
	if name == "" {
		name = u.Name
	}
	if name == "" {
		name = id
	}

	r.mu.Lock()
	r.cache[id] = name
	size := len(r.cache)
	r.mu.Unlock()
	metrics.NameCacheSize.Set(float64(size))
	return name, true
}

// ResolveAll resolves ids concurrently and returns names in input order.
func (r *Resolver) ResolveAll(ctx context.Context, ids []string) []string {
	out := make([]string, len(ids))

	var g errgroup.Group
	g.SetLimit(maxInFlight)
	for i, id := range ids {
		if name, ok := r.Cached(id); ok {
			out[i] = name
			continue
		}
		g.Go(func() error {
			out[i] = r.Resolve(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Len returns the number of cached names.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
