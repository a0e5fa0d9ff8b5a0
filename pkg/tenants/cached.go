package tenants

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

const defaultCacheEntries = 1024

// CachedStore fronts a Store with an expiring LRU of credential lookups.
// Writes through the CachedStore invalidate the cached entry; misses are not
// cached.
type CachedStore struct {
	Store
	cache *lru.LRU[string, Credential]
}

func NewCachedStore(inner Store, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: inner,
		cache: lru.NewLRU[string, Credential](defaultCacheEntries, nil, ttl),
	}
}

func (c *CachedStore) Get(ctx context.Context, tenant string) (Credential, error) {
	if cred, ok := c.cache.Get(tenant); ok {
		return cred, nil
	}
	cred, err := c.Store.Get(ctx, tenant)
	if err != nil {
		return Credential{}, err
	}
	c.cache.Add(tenant, cred)
	return cred, nil
}

func (c *CachedStore) Put(ctx context.Context, cred Credential) error {
	c.cache.Remove(cred.Tenant)
	return c.Store.Put(ctx, cred)
}

func (c *CachedStore) Delete(ctx context.Context, tenant string) error {
	c.cache.Remove(tenant)
	return c.Store.Delete(ctx, tenant)
}
