// Package service implements the platform's use cases over the
// repositories: factor lifecycle, task inspection, and the cached chart
// query surface. Handlers stay thin; everything a client can observe is
// decided here.
package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/factorlab/factorlab/internal/cache"
	"github.com/factorlab/factorlab/internal/config"
	"github.com/factorlab/factorlab/internal/persistence"
)

// TaskSubmitter starts evaluation tasks. Satisfied by jobs.Runner.
type TaskSubmitter interface {
	Submit(ctx context.Context, factorID string) (string, error)
}

// CacheMetrics counts chart cache outcomes. Implemented by the HTTP
// layer's metrics registry; nil disables recording.
type CacheMetrics interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

// Service wires the repositories, the job runtime and the chart cache.
type Service struct {
	repo    persistence.Repository
	runner  TaskSubmitter
	cache   cache.Cache
	ttl     time.Duration
	metrics CacheMetrics
	log     zerolog.Logger
}

// New builds the service. metrics may be nil.
func New(repo persistence.Repository, runner TaskSubmitter, c cache.Cache, cfg config.CacheConfig, metrics CacheMetrics, log zerolog.Logger) *Service {
	ttl := cfg.TTL.D()
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Service{
		repo:    repo,
		runner:  runner,
		cache:   c,
		ttl:     ttl,
		metrics: metrics,
		log:     log,
	}
}
