package gateway

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"querygate/pkg/problems"
)

// tenantLimiter keeps one token bucket per tenant. Buckets idle for longer
// than the cache expiry are dropped and recreated full.
type tenantLimiter struct {
	mu      sync.Mutex
	buckets *gocache.Cache
	limit   rate.Limit
	burst   int
}

func newTenantLimiter(perSec float64, burst int) *tenantLimiter {
	if perSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &tenantLimiter{
		buckets: gocache.New(15*time.Minute, 10*time.Minute),
		limit:   rate.Limit(perSec),
		burst:   burst,
	}
}

func (l *tenantLimiter) get(tenant string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.buckets.Get(tenant); ok {
		lim := v.(*rate.Limiter)
		l.buckets.SetDefault(tenant, lim)
		return lim
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.buckets.SetDefault(tenant, lim)
	return lim
}

// wait blocks until tenant may make an upstream call or ctx ends. A nil
// limiter never blocks.
func (l *tenantLimiter) wait(ctx context.Context, tenant string) error {
	if l == nil {
		return nil
	}
	if err := l.get(tenant).Wait(ctx); err != nil {
		return problems.Wrap(problems.KindTimeout, "gateway.ratelimit", "upstream rate limit wait exceeded the deadline", err)
	}
	return nil
}
