package template

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cacheKeyPrefix = "runbox:template:"

// DefaultCacheTTL is used when no TTL is configured
const DefaultCacheTTL = 5 * time.Minute

// CachedResolver is a read-through redis cache in front of another Resolver.
// Redis failures fall back to the backing resolver. Misses are not cached.
type CachedResolver struct {
	next   Resolver
	client redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedResolver wraps next with a redis cache
func NewCachedResolver(next Resolver, client redis.Cmdable, ttl time.Duration, logger *zap.Logger) *CachedResolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedResolver{next: next, client: client, ttl: ttl, logger: logger}
}

func cacheKey(id int64) string {
	return cacheKeyPrefix + strconv.FormatInt(id, 10)
}

// Resolve returns the cached template or loads it from the backing resolver
func (c *CachedResolver) Resolve(ctx context.Context, id int64) (Template, error) {
	key := cacheKey(id)

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var t Template
		if jsonErr := json.Unmarshal(data, &t); jsonErr == nil {
			return t, nil
		}
		c.logger.Warn("discarding malformed cached template", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("template cache unavailable", zap.String("key", key), zap.Error(err))
	}

	t, err := c.next.Resolve(ctx, id)
	if err != nil {
		return Template{}, err
	}

	data, err = json.Marshal(t)
	if err == nil {
		err = c.client.Set(ctx, key, data, c.ttl).Err()
	}
	if err != nil {
		c.logger.Warn("failed to cache template", zap.String("key", key), zap.Error(err))
	}
	return t, nil
}
