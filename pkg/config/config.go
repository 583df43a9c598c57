// Package config holds the tunables of the playback core.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/aminofox/zenplay/pkg/errors"
)

// Config represents the main configuration of a zenplay player
type Config struct {
	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Rebuffering holds the stall detection thresholds
	Rebuffering RebufferingConfig `json:"rebuffering" yaml:"rebuffering"`

	// Fetch holds the segment fetcher retry and scheduling policy
	Fetch FetchConfig `json:"fetch" yaml:"fetch"`

	// Cache configures the codec-support cache
	Cache CacheConfig `json:"cache" yaml:"cache"`

	// Transport selects how sink mutations and observations cross contexts
	Transport TransportConfig `json:"transport" yaml:"transport"`

	// Metrics configures Prometheus metrics
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error)
	Level string `json:"level" yaml:"level"`

	// Format is the log format (json, text)
	Format string `json:"format" yaml:"format"`

	// Backend selects the implementation (default, logrus)
	Backend string `json:"backend" yaml:"backend"`
}

// RebufferingConfig holds the thresholds used to classify and recover stalls.
// Values are environment-tuned; defaults only illustrate the algorithm.
type RebufferingConfig struct {
	// UnfreezingSeekDelay is how long a freeze lasts before a micro-seek is attempted
	UnfreezingSeekDelay time.Duration `json:"unfreezing_seek_delay" yaml:"unfreezing_seek_delay"`

	// FreezingStalledDelay is how long a freeze lasts before it is reported as a stall
	FreezingStalledDelay time.Duration `json:"freezing_stalled_delay" yaml:"freezing_stalled_delay"`

	// UnfreezingDeltaPosition is the micro-seek distance, in seconds
	UnfreezingDeltaPosition float64 `json:"unfreezing_delta_position" yaml:"unfreezing_delta_position"`

	// BufferDiscontinuityThreshold is the largest in-buffer gap skipped automatically, in seconds
	BufferDiscontinuityThreshold float64 `json:"buffer_discontinuity_threshold" yaml:"buffer_discontinuity_threshold"`

	// DiscontinuityGCMargin is how far, in seconds, playback must be past a Period's end
	// before its discontinuity records are dropped
	DiscontinuityGCMargin float64 `json:"discontinuity_gc_margin" yaml:"discontinuity_gc_margin"`
}

// FetchConfig holds segment request configuration
type FetchConfig struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`

	// MaxDelay caps the backoff delay
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`

	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`

	// RequestTimeout bounds a single attempt
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`

	// MaxConcurrentRequests bounds in-flight requests across every queue
	MaxConcurrentRequests int `json:"max_concurrent_requests" yaml:"max_concurrent_requests"`

	// S3Region and S3Endpoint configure the S3 loader for s3:// segment URLs
	S3Region   string `json:"s3_region" yaml:"s3_region"`
	S3Endpoint string `json:"s3_endpoint" yaml:"s3_endpoint"`
}

// CacheConfig configures codec-support memoization
type CacheConfig struct {
	// Kind is the backend (memory, redis)
	Kind string `json:"kind" yaml:"kind"`

	// MaxEntries bounds the in-memory store
	MaxEntries int `json:"max_entries" yaml:"max_entries"`

	// TTL is how long a support answer is kept
	TTL time.Duration `json:"ttl" yaml:"ttl"`

	// RedisAddress is the Redis server address (host:port)
	RedisAddress string `json:"redis_address" yaml:"redis_address"`

	// RedisPassword is the Redis password (optional)
	RedisPassword string `json:"redis_password" yaml:"redis_password"`

	// RedisDB is the Redis database number
	RedisDB int `json:"redis_db" yaml:"redis_db"`

	// KeyPrefix namespaces Redis keys
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// TransportConfig selects the execution-context split
type TransportConfig struct {
	// Mode is "local" (single context) or "remote" (media side behind a websocket)
	Mode string `json:"mode" yaml:"mode"`

	// WorkerURL is the websocket URL of the media-side worker in remote mode
	WorkerURL string `json:"worker_url" yaml:"worker_url"`

	// ListenAddress is the worker's listen address
	ListenAddress string `json:"listen_address" yaml:"listen_address"`

	// RequestTimeout bounds a remote sink operation
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
}

// MetricsConfig holds Prometheus configuration
type MetricsConfig struct {
	// Enabled enables metrics collection
	Enabled bool `json:"enabled" yaml:"enabled"`

	// ListenAddress is where /metrics is served
	ListenAddress string `json:"listen_address" yaml:"listen_address"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:   "info",
			Format:  "text",
			Backend: "default",
		},
		Rebuffering: RebufferingConfig{
			UnfreezingSeekDelay:          4 * time.Second,
			FreezingStalledDelay:         6 * time.Second,
			UnfreezingDeltaPosition:      0.001,
			BufferDiscontinuityThreshold: 0.2,
			DiscontinuityGCMargin:        10,
		},
		Fetch: FetchConfig{
			MaxRetries:            4,
			InitialDelay:          200 * time.Millisecond,
			MaxDelay:              3 * time.Second,
			BackoffMultiplier:     2.0,
			RequestTimeout:        30 * time.Second,
			MaxConcurrentRequests: 4,
			S3Region:              "us-east-1",
		},
		Cache: CacheConfig{
			Kind:         "memory",
			MaxEntries:   64,
			TTL:          time.Hour,
			RedisAddress: "localhost:6379",
			KeyPrefix:    "zenplay:codec:",
		},
		Transport: TransportConfig{
			Mode:           "local",
			ListenAddress:  ":7890",
			RequestTimeout: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: ":9090",
		},
	}
}

// Load loads configuration from a YAML file. A .env file next to the
// process, when present, is loaded first so ZENPLAY_* overrides apply.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := loadEnvFiles(); err != nil {
		return nil, err
	}
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromEnv returns the default configuration with environment overrides applied.
func FromEnv(envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles...); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	cfg.loadFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnvFiles loads the given .env files (".env" by default). Missing files
// are skipped; unreadable or malformed ones are reported.
func loadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to load env file %s: %w", path, err)
		}
	}
	return nil
}

// loadFromEnv overrides config from environment variables
func (c *Config) loadFromEnv() {
	if level := os.Getenv("ZENPLAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("ZENPLAY_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if mode := os.Getenv("ZENPLAY_TRANSPORT_MODE"); mode != "" {
		c.Transport.Mode = mode
	}
	if url := os.Getenv("ZENPLAY_WORKER_URL"); url != "" {
		c.Transport.WorkerURL = url
	}
	if addr := os.Getenv("REDIS_URL"); addr != "" {
		c.Cache.RedisAddress = addr
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Cache.RedisPassword = pass
	}
	if retries := os.Getenv("ZENPLAY_FETCH_MAX_RETRIES"); retries != "" {
		if n, err := strconv.Atoi(retries); err == nil {
			c.Fetch.MaxRetries = n
		}
	}
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Rebuffering.FreezingStalledDelay <= 0 || c.Rebuffering.UnfreezingSeekDelay <= 0 {
		return errors.NewConfigurationError(errors.ErrCodeInvalidConfig, "freeze delays must be positive")
	}
	if c.Rebuffering.BufferDiscontinuityThreshold < 0 {
		return errors.NewConfigurationError(errors.ErrCodeInvalidConfig, "buffer discontinuity threshold must not be negative")
	}
	if c.Fetch.MaxRetries < 0 {
		return errors.NewConfigurationError(errors.ErrCodeInvalidConfig, "max retries must not be negative")
	}
	if c.Fetch.MaxConcurrentRequests <= 0 {
		return errors.NewConfigurationError(errors.ErrCodeInvalidConfig, "max concurrent requests must be positive")
	}
	switch c.Cache.Kind {
	case "memory", "redis":
	default:
		return errors.NewConfigurationError(errors.ErrCodeInvalidConfig, fmt.Sprintf("unknown cache kind %q", c.Cache.Kind))
	}
	switch c.Transport.Mode {
	case "local":
	case "remote":
		if c.Transport.WorkerURL == "" {
			return errors.NewConfigurationError(errors.ErrCodeMissingConfig, "remote transport requires a worker url")
		}
	default:
		return errors.NewConfigurationError(errors.ErrCodeInvalidConfig, fmt.Sprintf("unknown transport mode %q", c.Transport.Mode))
	}
	return nil
}
