// Package cache provides the per-proxy response cache.
//
// Entries are keyed by a content hash of the canonicalised request body, so
// semantically identical requests replay the same upstream response. Storage
// is the embedded database; entries survive restarts and never expire — they
// leave only through explicit invalidation.
//
// Graceful degradation: read and write failures are logged and reported as
// misses so a broken cache never takes the proxy down with it.
package cache

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rubberduck-proxy/rubberduck/internal/model"
	"github.com/rubberduck-proxy/rubberduck/internal/store"
)

// Cache is the response cache shared by all proxies, partitioned by proxy ID.
type Cache struct {
	store *store.Store
	log   *slog.Logger
}

func New(st *store.Store, log *slog.Logger) *Cache {
	return &Cache{store: st, log: log}
}

// Cacheable reports whether a response may be stored: only complete 2xx
// responses are replayed. Streamed responses are forwarded incrementally and
// never buffered, so they are not cacheable.
func Cacheable(statusCode int, streaming bool) bool {
	return !streaming && statusCode >= 200 && statusCode < 300
}

// Lookup returns the cached entry for (proxyID, key).
// Returns (nil, false) on a miss or any storage error.
func (c *Cache) Lookup(ctx context.Context, proxyID, key string) (*model.CacheEntry, bool) {
	entry, err := c.store.GetCacheEntry(proxyID, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.log.WarnContext(ctx, "cache_get_error",
				slog.String("proxy_id", proxyID),
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}
	return entry, true
}

// Store persists entry, replacing any previous entry under the same key
// (last writer wins). Storage errors are logged, never propagated.
func (c *Cache) Store(ctx context.Context, entry *model.CacheEntry) {
	if err := c.store.UpsertCacheEntry(entry); err != nil {
		c.log.WarnContext(ctx, "cache_set_error",
			slog.String("proxy_id", entry.ProxyID),
			slog.String("key", entry.Key),
			slog.String("error", err.Error()),
		)
	}
}

// Invalidate removes all entries for one proxy and returns the count removed.
func (c *Cache) Invalidate(proxyID string) (int64, error) {
	return c.store.DeleteCacheEntries(proxyID)
}

// InvalidateAll removes every entry across all proxies.
func (c *Cache) InvalidateAll() (int64, error) {
	return c.store.DeleteAllCacheEntries()
}

// Stats reports entry count and total body bytes for one proxy.
func (c *Cache) Stats(proxyID string) (store.CacheStats, error) {
	return c.store.GetCacheStats(proxyID)
}
