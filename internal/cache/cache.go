// Package cache is the read-through store in front of the chart queries.
// Result bundles are immutable once written, so cached projections never
// go stale; the TTL only bounds memory.
package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/factorlab/factorlab/internal/config"
)

// Cache stores serialized bundle fields. Implementations are safe for
// concurrent use.
type Cache interface {
	// Get returns the cached value and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value for ttl; ttl <= 0 applies the default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Kind names the backend for the cache_type metric label.
	Kind() string
	Close() error
}

// FieldKey names the cached projection of one bundle field.
func FieldKey(taskID, field string) string {
	return "result:" + taskID + ":" + field
}

const janitorInterval = time.Minute

// NewAuto picks the backend from configuration: redis when an address is
// set, otherwise the in-process memory cache.
func NewAuto(cfg config.CacheConfig, log zerolog.Logger) Cache {
	if cfg.RedisAddr == "" {
		log.Info().Dur("ttl", cfg.TTL.D()).Msg("chart cache: in-process memory")
		return NewMemory(cfg.TTL.D(), janitorInterval)
	}
	log.Info().Str("addr", cfg.RedisAddr).Int("db", cfg.RedisDB).Dur("ttl", cfg.TTL.D()).Msg("chart cache: redis")
	return NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.TTL.D())
}
