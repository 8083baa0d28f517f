package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/factorlab/factorlab/internal/config"
	"github.com/factorlab/factorlab/internal/persistence"
	"github.com/factorlab/factorlab/internal/persistence/mongodb"
)

// Manager owns the document-store client and the repository instances
type Manager struct {
	client   *mongo.Client
	database *mongo.Database
	config   config.MongoConfig
	repos    *persistence.Repository
	health   *healthChecker
}

// NewManager connects to the store and builds the repository set
func NewManager(ctx context.Context, cfg config.MongoConfig) (*Manager, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo URI is required")
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout.D()).
		SetSocketTimeout(cfg.SocketTimeout.D())

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout.D())
	defer cancel()

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	database := client.Database(cfg.Database)
	queryTimeout := cfg.QueryTimeout.D()

	repos := &persistence.Repository{
		Factors: mongodb.NewFactorRepo(database, queryTimeout),
		Tasks:   mongodb.NewTaskRepo(database, queryTimeout),
		Logs:    mongodb.NewLogRepo(database, queryTimeout),
		Results: mongodb.NewResultRepo(database, queryTimeout),
		Market:  mongodb.NewMarketRepo(database, queryTimeout),
	}

	health := &healthChecker{
		client:  client,
		timeout: queryTimeout,
	}

	return &Manager{
		client:   client,
		database: database,
		config:   cfg,
		repos:    repos,
		health:   health,
	}, nil
}

// Repository returns the repository collection
func (m *Manager) Repository() *persistence.Repository {
	return m.repos
}

// Health returns the health checker interface
func (m *Manager) Health() persistence.RepositoryHealth {
	return m.health
}

// Database exposes the raw handle for index bootstrap
func (m *Manager) Database() *mongo.Database {
	return m.database
}

// EnsureIndexes creates the indexes the repositories rely on
func (m *Manager) EnsureIndexes(ctx context.Context) error {
	return mongodb.EnsureIndexes(ctx, m.database)
}

// Close disconnects from the store
func (m *Manager) Close(ctx context.Context) error {
	if m.client == nil {
		return nil
	}
	return m.client.Disconnect(ctx)
}

// healthChecker implements persistence.RepositoryHealth
type healthChecker struct {
	client  *mongo.Client
	timeout time.Duration
}

// Health returns current repository health status
func (h *healthChecker) Health(ctx context.Context) persistence.HealthCheck {
	start := time.Now()

	var errors []string
	healthy := true

	if err := h.Ping(ctx); err != nil {
		errors = append(errors, fmt.Sprintf("ping failed: %v", err))
		healthy = false
	}

	return persistence.HealthCheck{
		Healthy:        healthy,
		Errors:         errors,
		LastCheck:      time.Now(),
		ResponseTimeMS: time.Since(start).Milliseconds(),
	}
}

// Ping tests basic connectivity to the store
func (h *healthChecker) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	return h.client.Ping(pingCtx, readpref.Primary())
}
