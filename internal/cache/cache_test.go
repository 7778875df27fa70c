package cache

import (
	"context"
	"errors"
	"testing"

	"billingcore/pkg/domain"
)

type flakyStore struct {
	failKeys map[domain.CacheKey]bool
	seen     []domain.CacheKey
}

func (s *flakyStore) Invalidate(_ context.Context, key domain.CacheKey) error {
	if s.failKeys[key] {
		return errors.New("sink unavailable")
	}
	s.seen = append(s.seen, key)
	return nil
}

func TestLRUInvalidateRemovesEntry(t *testing.T) {
	c, err := NewLRU(8)
	if err != nil {
		t.Fatalf("new lru: %v", err)
	}
	key := domain.CustomerCacheKey("cus_1")
	c.Put(key, []byte("cached"))
	if _, ok := c.Get(key); !ok {
		t.Fatal("entry should be cached")
	}
	if err := c.Invalidate(context.Background(), key); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok := c.Get(key); ok {
		t.Fatal("entry should be gone after invalidation")
	}
}

func TestInvalidatorContinuesPastFailures(t *testing.T) {
	store := &flakyStore{failKeys: map[domain.CacheKey]bool{"customer:cus_2": true}}
	inv := NewInvalidator(store, nil)
	inv.InvalidateAfterCommit(context.Background(), []domain.CacheKey{
		domain.CustomerCacheKey("cus_1"),
		domain.CustomerCacheKey("cus_2"),
		domain.SubscriptionCacheKey("sub_1"),
	})
	if len(store.seen) != 2 {
		t.Fatalf("invalidated %d keys, want 2 (failure must not stop the rest)", len(store.seen))
	}
	if store.seen[0] != "customer:cus_1" || store.seen[1] != "subscription:sub_1" {
		t.Fatalf("invalidated keys = %v", store.seen)
	}
}
