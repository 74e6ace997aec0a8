package terminology

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// conceptCache is the subset of the redis client the cache needs.
type conceptCache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd
}

// CachedResolver fronts another resolver with a redis cache. Cache
// failures fall through to the inner resolver; only successful lookups
// are cached.
type CachedResolver struct {
	inner Resolver
	cache conceptCache
	ttl   time.Duration
}

func NewCachedResolver(inner Resolver, client *redis.Client, ttl time.Duration) *CachedResolver {
	return &CachedResolver{inner: inner, cache: client, ttl: ttl}
}

func cacheKey(code string) string {
	return "terminology:concept:" + code
}

func (r *CachedResolver) Resolve(ctx context.Context, code string) (*Concept, error) {
	if cached, err := r.cache.Get(ctx, cacheKey(code)).Result(); err == nil {
		c := &Concept{}
		if err := json.Unmarshal([]byte(cached), c); err == nil {
			return c, nil
		}
	}

	c, err := r.inner.Resolve(ctx, code)
	if err != nil {
		return nil, err
	}

	if payload, err := json.Marshal(c); err == nil {
		r.cache.Set(ctx, cacheKey(code), payload, r.ttl)
	}
	return c, nil
}
