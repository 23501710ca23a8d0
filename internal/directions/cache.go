package directions

import (
	"context"
	"fmt"
	"math"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"shuttle-eta/internal/geo"
	"shuttle-eta/internal/route"
)

// CachedRouter memoizes oracle answers for a short window so repeated taps
// on the same stop do not re-bill the provider. Origins are quantized to a
// ~11 m grid; buses move slowly enough that the cached route stays honest
// for the cache lifetime. Errors are never cached.
type CachedRouter struct {
	inner Router
	cache *gocache.Cache
}

func NewCachedRouter(inner Router, ttl time.Duration) *CachedRouter {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &CachedRouter{
		inner: inner,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func (c *CachedRouter) Route(ctx context.Context, origin geo.Point, goal route.Stop, waypoints []route.Stop) (Estimate, error) {
	key := cacheKey(origin, goal, waypoints)
	if v, ok := c.cache.Get(key); ok {
		return v.(Estimate), nil
	}
	est, err := c.inner.Route(ctx, origin, goal, waypoints)
	if err != nil {
		return Estimate{}, err
	}
	c.cache.SetDefault(key, est)
	return est, nil
}

func cacheKey(origin geo.Point, goal route.Stop, waypoints []route.Stop) string {
	const grid = 1e4 // 1/grid degrees ~= 11 m
	qlat := math.Round(origin.Lat*grid) / grid
	qlng := math.Round(origin.Lng*grid) / grid
	key := fmt.Sprintf("%.4f,%.4f->%s", qlat, qlng, goal.ID)
	for _, w := range waypoints {
		key += "|" + w.ID
	}
	return key
}
