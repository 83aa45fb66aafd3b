// Package config provides configuration management for resono using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultBufferThreshold  = 3 * time.Second
	defaultAppendTimeout    = 10 * time.Second
	defaultChunkQueueDepth  = 32
	defaultSinkRetries      = 3
	defaultSinkRetryBackoff = 100 * time.Millisecond
	defaultMaxOpenConns     = 6
	defaultMaxIdleConns     = 3
	defaultConnMaxIdleTime  = 30 * time.Minute
	defaultHTTPTimeout      = 60 * time.Second
	defaultRetryAttempts    = 3
	defaultRetryDelay       = 1 * time.Second
	defaultRetryMaxDelay    = 30 * time.Second
	defaultCircuitThreshold = 5
	defaultCircuitTimeout   = 30 * time.Second
	defaultCleanupCron      = "0 0 3 * * *"
	defaultCleanupMaxAge    = 30 * 24 * time.Hour
)

// Config holds all configuration for the streaming engine.
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Transport TransportConfig `mapstructure:"transport"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Cleanup   CleanupConfig   `mapstructure:"cleanup"`
}

// EngineConfig holds playback orchestration configuration.
type EngineConfig struct {
	// BufferThreshold is how much decodable media must be buffered before
	// playback starts. End-of-stream before the threshold starts playback
	// immediately.
	BufferThreshold time.Duration `mapstructure:"buffer_threshold"`
	// EnableCaching persists fetched payloads for instant replay.
	EnableCaching bool `mapstructure:"enable_caching"`
	// EnableTrimming routes cached replays through the post-processor.
	EnableTrimming bool `mapstructure:"enable_trimming"`
	// MimeTypeOverride forces a mime type instead of sniffing the payload.
	MimeTypeOverride string `mapstructure:"mime_type_override"`
	// AppendTimeout bounds a single decode-sink append operation.
	AppendTimeout time.Duration `mapstructure:"append_timeout"`
	// ChunkQueueDepth is the per-consumer chunk queue depth of the payload
	// fan-out.
	ChunkQueueDepth int `mapstructure:"chunk_queue_depth"`
	// SinkRetries is how many times decode-sink creation is retried.
	SinkRetries int `mapstructure:"sink_retries"`
	// SinkRetryBackoff is the base backoff between sink creation attempts,
	// multiplied by the attempt number.
	SinkRetryBackoff time.Duration `mapstructure:"sink_retry_backoff"`
}

// CacheConfig holds persistent cache storage configuration.
type CacheConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	StoreName       string        `mapstructure:"store_name"` // table name prefix
	MaxEntrySize    ByteSize      `mapstructure:"max_entry_size"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// TransportConfig holds network fetch configuration.
type TransportConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	RetryAttempts    int           `mapstructure:"retry_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	RetryMaxDelay    time.Duration `mapstructure:"retry_max_delay"`
	CircuitThreshold int           `mapstructure:"circuit_threshold"`
	CircuitTimeout   time.Duration `mapstructure:"circuit_timeout"`
	UserAgent        string        `mapstructure:"user_agent"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// CleanupConfig holds scheduled cache maintenance configuration.
type CleanupConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Cron is a 6-field cron expression (seconds first).
	Cron string `mapstructure:"cron"`
	// MaxAge prunes entries older than this.
	MaxAge time.Duration `mapstructure:"max_age"`
	// MinAccessCount prunes entries read fewer times than this. Zero disables
	// the access-count condition.
	MinAccessCount int64 `mapstructure:"min_access_count"`
	// MaxEntries caps the surviving entry count. Zero disables the cap.
	MaxEntries int `mapstructure:"max_entries"`
	// Tags restricts pruning to entries carrying at least one of these tags.
	Tags []string `mapstructure:"tags"`
	// ExcludeTags protects entries carrying any of these tags.
	ExcludeTags []string `mapstructure:"exclude_tags"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with RESONO_ and use underscores for
// nesting. Example: RESONO_CACHE_DSN=resono.db.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/resono")
		v.AddConfigPath("$HOME/.resono")
	}

	v.SetEnvPrefix("RESONO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static; a failure here is a programming error.
		panic(fmt.Sprintf("config: unmarshaling defaults: %v", err))
	}
	return &cfg
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	// Engine defaults
	v.SetDefault("engine.buffer_threshold", defaultBufferThreshold)
	v.SetDefault("engine.enable_caching", true)
	v.SetDefault("engine.enable_trimming", false)
	v.SetDefault("engine.mime_type_override", "")
	v.SetDefault("engine.append_timeout", defaultAppendTimeout)
	v.SetDefault("engine.chunk_queue_depth", defaultChunkQueueDepth)
	v.SetDefault("engine.sink_retries", defaultSinkRetries)
	v.SetDefault("engine.sink_retry_backoff", defaultSinkRetryBackoff)

	// Cache defaults
	v.SetDefault("cache.driver", "sqlite")
	v.SetDefault("cache.dsn", "resono.db")
	v.SetDefault("cache.store_name", "audio")
	v.SetDefault("cache.max_entry_size", 0)
	v.SetDefault("cache.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("cache.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("cache.conn_max_lifetime", time.Hour)
	v.SetDefault("cache.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("cache.log_level", "warn")

	// Transport defaults
	v.SetDefault("transport.timeout", defaultHTTPTimeout)
	v.SetDefault("transport.retry_attempts", defaultRetryAttempts)
	v.SetDefault("transport.retry_delay", defaultRetryDelay)
	v.SetDefault("transport.retry_max_delay", defaultRetryMaxDelay)
	v.SetDefault("transport.circuit_threshold", defaultCircuitThreshold)
	v.SetDefault("transport.circuit_timeout", defaultCircuitTimeout)
	v.SetDefault("transport.user_agent", "resono/1.0")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Cleanup defaults
	v.SetDefault("cleanup.enabled", false)
	v.SetDefault("cleanup.cron", defaultCleanupCron)
	v.SetDefault("cleanup.max_age", defaultCleanupMaxAge)
	v.SetDefault("cleanup.min_access_count", 0)
	v.SetDefault("cleanup.max_entries", 0)
	v.SetDefault("cleanup.tags", []string{})
	v.SetDefault("cleanup.exclude_tags", []string{})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Engine.BufferThreshold < 0 {
		return fmt.Errorf("engine.buffer_threshold must not be negative")
	}
	if c.Engine.AppendTimeout <= 0 {
		return fmt.Errorf("engine.append_timeout must be positive")
	}
	if c.Engine.ChunkQueueDepth < 1 {
		return fmt.Errorf("engine.chunk_queue_depth must be at least 1")
	}
	if c.Engine.SinkRetries < 0 {
		return fmt.Errorf("engine.sink_retries must not be negative")
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Cache.Driver] {
		return fmt.Errorf("cache.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Cache.DSN == "" {
		return fmt.Errorf("cache.dsn is required")
	}
	if c.Cache.StoreName == "" {
		return fmt.Errorf("cache.store_name is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Transport.RetryAttempts < 0 {
		return fmt.Errorf("transport.retry_attempts must not be negative")
	}

	if c.Cleanup.Enabled && c.Cleanup.Cron == "" {
		return fmt.Errorf("cleanup.cron is required when cleanup is enabled")
	}

	return nil
}
