// Package identity resolves inbound message identities to tracker
// identifiers, creating trackers and identifier bindings on first sight.
package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"geotracker/internal/storage"
)

// DefaultRefreshInterval is how often the cache reloads the full
// identifier table.
const DefaultRefreshInterval = 60 * time.Second

// Cache holds an in-memory map of identkey to identifier binding. It is
// refreshed wholesale on a timer: a refresh builds a complete new map and
// swaps it in, so concurrent readers always see a consistent snapshot.
// Misses fall through to storage.
type Cache struct {
	store    storage.Store
	interval time.Duration
	log      zerolog.Logger

	mu sync.RWMutex
	m  map[string]storage.TrackerIdentifier
}

// NewCache creates a cache over the given store. A non-positive interval
// falls back to DefaultRefreshInterval.
func NewCache(store storage.Store, interval time.Duration, log zerolog.Logger) *Cache {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Cache{
		store:    store,
		interval: interval,
		log:      log.With().Str("component", "identity-cache").Logger(),
		m:        make(map[string]storage.TrackerIdentifier),
	}
}

// Run refreshes the cache once immediately and then on every interval tick
// until the context is cancelled. A failed refresh keeps the previous
// snapshot in place.
func (c *Cache) Run(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil {
		c.log.Warn().Err(err).Msg("initial cache refresh failed")
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.log.Warn().Err(err).Msg("cache refresh failed")
			}
		}
	}
}

// Refresh reloads every identifier and swaps the new map in.
func (c *Cache) Refresh(ctx context.Context) error {
	idents, err := c.store.ListIdentifiers(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[string]storage.TrackerIdentifier, len(idents))
	for _, ti := range idents {
		fresh[ti.IdentKey] = ti
	}

	c.mu.Lock()
	c.m = fresh
	c.mu.Unlock()

	c.log.Debug().Int("identifiers", len(fresh)).Msg("cache refreshed")
	return nil
}

// Lookup returns the identifier for an identkey, reading through to
// storage on a cache miss so newly created bindings are visible before the
// next refresh. Returns storage.ErrNotFound when the key is unknown.
func (c *Cache) Lookup(ctx context.Context, identkey string) (*storage.TrackerIdentifier, error) {
	identkey = strings.ToUpper(identkey)

	c.mu.RLock()
	ti, ok := c.m[identkey]
	c.mu.RUnlock()
	if ok {
		return &ti, nil
	}

	fromStore, err := c.store.GetIdentifier(ctx, identkey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.Put(*fromStore)
	return fromStore, nil
}

// Put inserts a binding synchronously, so identifiers created by the
// resolver are visible to other ingestion goroutines immediately.
func (c *Cache) Put(ti storage.TrackerIdentifier) {
	c.mu.Lock()
	c.m[ti.IdentKey] = ti
	c.mu.Unlock()
}

// Len reports the number of cached bindings.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
