package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/factorlab/factorlab/internal/errs"
)

// Redis caches bundle fields in a shared redis so replicas serve each
// other's warm reads.
type Redis struct {
	c   *redis.Client
	ttl time.Duration
}

// NewRedis builds a redis-backed cache. The client dials lazily; a down
// redis surfaces as transport errors on use, which callers treat as a
// miss.
func NewRedis(addr, password string, db int, defaultTTL time.Duration) *Redis {
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Minute
	}
	return &Redis{
		c:   redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		ttl: defaultTTL,
	}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errs.Transportf(err, "cache get %s", key)
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.ttl
	}
	if err := r.c.Set(ctx, key, value, ttl).Err(); err != nil {
		return errs.Transportf(err, "cache set %s", key)
	}
	return nil
}

func (r *Redis) Kind() string { return "redis" }

func (r *Redis) Close() error { return r.c.Close() }
