// Redis-backed resolution cache.
//
// Useful when several gateway replicas run behind a load balancer: a
// resolution done by one replica is visible to all of them, and entries
// expire via TTL instead of LRU pressure.
package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// redisKeyPrefix namespaces resolver entries inside a shared redis.
const redisKeyPrefix = "resolve:"

// Redis is a Cache backed by a shared redis instance with per-entry TTL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis wraps an existing go-redis client. A non-positive ttl defaults to
// one hour, matching the token/user cache lifetime of the auth-api.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Redis{client: client, ttl: ttl}
}

// Get implements Cache. Backend errors are reported as a miss: the resolver
// then falls through to the upstream lookup, so a degraded redis never blocks
// message flow.
func (c *Redis) Get(ctx context.Context, identifier string) (int64, bool) {
	v, err := c.client.Get(ctx, redisKeyPrefix+identifier).Result()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Msg("resolution cache get failed")
		}
		return 0, false
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Put implements Cache. Best effort.
func (c *Redis) Put(ctx context.Context, identifier string, id int64) {
	if err := c.client.Set(ctx, redisKeyPrefix+identifier, strconv.FormatInt(id, 10), c.ttl).Err(); err != nil {
		log.Warn().Err(err).Msg("resolution cache put failed")
	}
}
