// Package cache provides the dependency-keyed cache and the post-commit
// invalidator that drops stale entries once a transaction has committed.
package cache

import (
	"context"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"billingcore/pkg/domain"
)

// Store is the invalidation sink. Implementations invalidate each key
// independently; no cross-key ordering is required.
type Store interface {
	Invalidate(ctx context.Context, key domain.CacheKey) error
}

// LRU is an in-process, size-bounded cache keyed by dependency identifiers.
// Read paths outside the transactional core populate it; the invalidator
// evicts after commit.
type LRU struct {
	entries *lru.Cache[domain.CacheKey, []byte]
}

var _ Store = (*LRU)(nil)

// NewLRU returns a cache holding at most size entries.
func NewLRU(size int) (*LRU, error) {
	entries, err := lru.New[domain.CacheKey, []byte](size)
	if err != nil {
		return nil, err
	}
	return &LRU{entries: entries}, nil
}

// Put stores a value under the dependency key.
func (c *LRU) Put(key domain.CacheKey, value []byte) {
	c.entries.Add(key, value)
}

// Get returns the cached value for the key, if present.
func (c *LRU) Get(key domain.CacheKey) ([]byte, bool) {
	return c.entries.Get(key)
}

// Len returns the number of cached entries.
func (c *LRU) Len() int { return c.entries.Len() }

// Invalidate drops the key's entry if present.
func (c *LRU) Invalidate(_ context.Context, key domain.CacheKey) error {
	c.entries.Remove(key)
	return nil
}

// Invalidator applies queued invalidations strictly after commit. Best
// effort: the database already holds the authoritative committed state, so a
// failed invalidation is logged and skipped, never propagated.
type Invalidator struct {
	store  Store
	logger *slog.Logger
}

// NewInvalidator wraps a store. A nil logger falls back to slog.Default.
func NewInvalidator(store Store, logger *slog.Logger) *Invalidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invalidator{store: store, logger: logger}
}

// InvalidateAfterCommit invalidates each key independently. Callers must only
// invoke it after the enclosing transaction committed; the engine never calls
// it on rollback.
func (i *Invalidator) InvalidateAfterCommit(ctx context.Context, keys []domain.CacheKey) {
	for _, key := range keys {
		if err := i.store.Invalidate(ctx, key); err != nil {
			i.logger.Warn("cache invalidation failed", "key", string(key), "error", err)
		}
	}
}
