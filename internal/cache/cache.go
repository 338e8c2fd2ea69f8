// Package cache provides the identifier→id resolution cache used by the
// identity resolver. The cache is an explicit dependency injected at
// construction, with the eviction policy owned by the implementation: a
// size-bounded in-process LRU for single-instance deployments, or a shared
// redis cache when several gateway replicas should reuse each other's
// lookups.
//
// Only successful resolutions are ever stored; failures are never negatively
// cached. A Get miss and a backend error look the same to callers (ok=false),
// which at worst costs one extra upstream lookup.
package cache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache maps user-facing identifiers (email, username) to resolved numeric
// ids. Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the cached id for identifier, with ok=false on a miss.
	Get(ctx context.Context, identifier string) (int64, bool)

	// Put stores a successful resolution. Best effort: a failed store is
	// invisible to callers and only costs a future upstream lookup.
	Put(ctx context.Context, identifier string, id int64)
}

// DefaultSize bounds the in-process LRU when no explicit size is configured.
const DefaultSize = 4096

// LRU is a size-bounded in-process Cache. Insertion past capacity evicts the
// least recently used entry, so the map can no longer grow without bound the
// way the historical per-process map did.
type LRU struct {
	entries *lru.Cache[string, int64]
}

// NewLRU builds an LRU cache holding at most size entries. A non-positive
// size falls back to DefaultSize.
func NewLRU(size int) *LRU {
	if size <= 0 {
		size = DefaultSize
	}
	// lru.New only errors on size <= 0, which is excluded above.
	entries, _ := lru.New[string, int64](size)
	return &LRU{entries: entries}
}

// Get implements Cache.
func (c *LRU) Get(_ context.Context, identifier string) (int64, bool) {
	return c.entries.Get(identifier)
}

// Put implements Cache.
func (c *LRU) Put(_ context.Context, identifier string, id int64) {
	c.entries.Add(identifier, id)
}

// Len reports the number of cached entries. Used by tests and stats logging.
func (c *LRU) Len() int { return c.entries.Len() }
