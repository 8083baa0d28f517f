// Package config loads the platform configuration from YAML with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads "30s"-style strings from YAML.
// Bare numbers are taken as seconds.
type Duration time.Duration

// D converts to the stdlib type.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := n.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value %q", n.Value)
}

// Config is the full application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Mongo   MongoConfig   `yaml:"mongo"`
	Cache   CacheConfig   `yaml:"cache"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
	RequestTimeout  Duration `yaml:"request_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// Addr renders the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// MongoConfig holds the document store connection settings.
type MongoConfig struct {
	URI            string   `yaml:"uri"`
	Database       string   `yaml:"database"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	SocketTimeout  Duration `yaml:"socket_timeout"`
	QueryTimeout   Duration `yaml:"query_timeout"`
}

// CacheConfig holds the chart cache settings. With an empty address the
// platform falls back to the in-memory cache.
type CacheConfig struct {
	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db"`
	TTL           Duration `yaml:"ttl"`
}

// RuntimeConfig sizes the evaluation runtime.
type RuntimeConfig struct {
	TaskWorkers       int      `yaml:"task_workers"`
	TaskQueue         int      `yaml:"task_queue"`
	ReadWorkers       int      `yaml:"read_workers"`
	ChunksPerSecond   float64  `yaml:"chunks_per_second"`
	LogFlushInterval  Duration `yaml:"log_flush_interval"`
	LogFlushThreshold int      `yaml:"log_flush_threshold"`
	LogDrainTimeout   Duration `yaml:"log_drain_timeout"`
}

// LogConfig controls process logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // auto, json, console
}

// Default returns the configuration used when no file or overrides exist.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			IdleTimeout:     Duration(60 * time.Second),
			RequestTimeout:  Duration(60 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Mongo: MongoConfig{
			URI:            "mongodb://localhost:27017",
			Database:       "factorlab",
			ConnectTimeout: Duration(20 * time.Second),
			SocketTimeout:  Duration(30 * time.Second),
			QueryTimeout:   Duration(30 * time.Second),
		},
		Cache: CacheConfig{
			TTL: Duration(10 * time.Minute),
		},
		Runtime: RuntimeConfig{
			TaskWorkers:       4,
			TaskQueue:         64,
			ReadWorkers:       8,
			ChunksPerSecond:   20,
			LogFlushInterval:  Duration(5 * time.Second),
			LogFlushThreshold: 50,
			LogDrainTimeout:   Duration(10 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load reads the YAML file at path (if it exists), applies environment
// variable overrides, and fills unset fields with defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = def.Server.ReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = def.Server.WriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = def.Server.IdleTimeout
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = def.Server.RequestTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Mongo.URI == "" {
		cfg.Mongo.URI = def.Mongo.URI
	}
	if cfg.Mongo.Database == "" {
		cfg.Mongo.Database = def.Mongo.Database
	}
	if cfg.Mongo.ConnectTimeout == 0 {
		cfg.Mongo.ConnectTimeout = def.Mongo.ConnectTimeout
	}
	if cfg.Mongo.SocketTimeout == 0 {
		cfg.Mongo.SocketTimeout = def.Mongo.SocketTimeout
	}
	if cfg.Mongo.QueryTimeout == 0 {
		cfg.Mongo.QueryTimeout = def.Mongo.QueryTimeout
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = def.Cache.TTL
	}
	if cfg.Runtime.TaskWorkers == 0 {
		cfg.Runtime.TaskWorkers = def.Runtime.TaskWorkers
	}
	if cfg.Runtime.TaskQueue == 0 {
		cfg.Runtime.TaskQueue = def.Runtime.TaskQueue
	}
	if cfg.Runtime.ReadWorkers == 0 {
		cfg.Runtime.ReadWorkers = def.Runtime.ReadWorkers
	}
	if cfg.Runtime.ChunksPerSecond == 0 {
		cfg.Runtime.ChunksPerSecond = def.Runtime.ChunksPerSecond
	}
	if cfg.Runtime.LogFlushInterval == 0 {
		cfg.Runtime.LogFlushInterval = def.Runtime.LogFlushInterval
	}
	if cfg.Runtime.LogFlushThreshold == 0 {
		cfg.Runtime.LogFlushThreshold = def.Runtime.LogFlushThreshold
	}
	if cfg.Runtime.LogDrainTimeout == 0 {
		cfg.Runtime.LogDrainTimeout = def.Runtime.LogDrainTimeout
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FACTORLAB_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("FACTORLAB_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FACTORLAB_MONGO_URI"); v != "" {
		cfg.Mongo.URI = v
	}
	if v := os.Getenv("FACTORLAB_MONGO_DATABASE"); v != "" {
		cfg.Mongo.Database = v
	}
	if v := os.Getenv("FACTORLAB_MONGO_QUERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Mongo.QueryTimeout = Duration(d)
		}
	}
	if v := os.Getenv("FACTORLAB_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("FACTORLAB_REDIS_PASSWORD"); v != "" {
		cfg.Cache.RedisPassword = v
	}
	if v := os.Getenv("FACTORLAB_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.RedisDB = db
		}
	}
	if v := os.Getenv("FACTORLAB_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.TTL = Duration(d)
		}
	}
	if v := os.Getenv("FACTORLAB_TASK_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runtime.TaskWorkers = n
		}
	}
	if v := os.Getenv("FACTORLAB_READ_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runtime.ReadWorkers = n
		}
	}
	if v := os.Getenv("FACTORLAB_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FACTORLAB_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// Validate rejects configurations the runtime cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Mongo.URI == "" {
		return fmt.Errorf("mongo uri is required")
	}
	if c.Mongo.Database == "" {
		return fmt.Errorf("mongo database is required")
	}
	if c.Mongo.QueryTimeout <= 0 {
		return fmt.Errorf("mongo query_timeout must be positive")
	}
	if c.Runtime.TaskWorkers <= 0 {
		return fmt.Errorf("task_workers must be positive")
	}
	if c.Runtime.TaskQueue <= 0 {
		return fmt.Errorf("task_queue must be positive")
	}
	if c.Runtime.ReadWorkers <= 0 {
		return fmt.Errorf("read_workers must be positive")
	}
	if c.Runtime.LogFlushThreshold <= 0 {
		return fmt.Errorf("log_flush_threshold must be positive")
	}
	switch c.Log.Format {
	case "auto", "json", "console":
	default:
		return fmt.Errorf("log format must be auto, json or console, got %q", c.Log.Format)
	}
	return nil
}

// Write saves the configuration as YAML, for bootstrapping a config file.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}
