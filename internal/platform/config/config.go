// Package config loads labcache settings from a YAML file, LABCACHE_*
// environment variables and built-in defaults, in that order of precedence
// (env wins over file).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for labcache
type Config struct {
	Cache         CacheConfig         `mapstructure:"cache"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Remote        RemoteConfig        `mapstructure:"remote"`
	Redis         RedisConfig         `mapstructure:"redis"`
	AWS           AWSConfig           `mapstructure:"aws"`
	Warmup        WarmupConfig        `mapstructure:"warmup"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	HTTP          HTTPConfig          `mapstructure:"http"`
}

// CacheConfig holds the tier coordinator settings
type CacheConfig struct {
	Capacity         int           `mapstructure:"capacity"`
	MemoryTTL        time.Duration `mapstructure:"memory_ttl"`
	StorageTTL       time.Duration `mapstructure:"storage_ttl"`
	StorageNamespace string        `mapstructure:"storage_namespace"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
	EnableRemote     bool          `mapstructure:"enable_remote"`
}

// StorageConfig holds the persistent tier settings
type StorageConfig struct {
	Path    string        `mapstructure:"path"` // empty = in-memory
	Timeout time.Duration `mapstructure:"timeout"`
}

// RemoteConfig holds the remote tier dispatcher settings
type RemoteConfig struct {
	Backend   string        `mapstructure:"backend"` // redis or dynamodb
	Timeout   time.Duration `mapstructure:"timeout"`
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queue_size"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AWSConfig holds AWS service configuration
type AWSConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Table    string `mapstructure:"table"`
}

// WarmupConfig holds cache warming settings
type WarmupConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// MetricsConfig holds metrics settings
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// OTLPEndpoint adds an OTLP gRPC push exporter next to Prometheus
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// TracingConfig holds tracing settings
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	// LABCACHE_CACHE_CAPACITY overrides cache.capacity
	v.SetEnvPrefix("LABCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not fatal; defaults and env still apply
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration or panics
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Cache defaults
	v.SetDefault("cache.capacity", 100)
	v.SetDefault("cache.memory_ttl", "5m")
	v.SetDefault("cache.storage_ttl", "24h")
	v.SetDefault("cache.storage_namespace", "labcache:")
	v.SetDefault("cache.cleanup_interval", "1m")
	v.SetDefault("cache.enable_remote", false)

	// Storage defaults
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.timeout", "2s")

	// Remote defaults
	v.SetDefault("remote.backend", "redis")
	v.SetDefault("remote.timeout", "500ms")
	v.SetDefault("remote.workers", 4)
	v.SetDefault("remote.queue_size", 256)

	// Redis defaults
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// AWS defaults
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.table", "labcache")

	// Warmup defaults
	v.SetDefault("warmup.concurrency", 4)
	v.SetDefault("warmup.rate_per_second", 0)
	v.SetDefault("warmup.timeout", "30s")

	// Observability defaults
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.otlp_endpoint", "")
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.endpoint", "localhost:4317")
	v.SetDefault("observability.tracing.sample_ratio", 1.0)

	// HTTP defaults
	v.SetDefault("http.port", 8080)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Cache validation
	if c.Cache.Capacity < 1 {
		return fmt.Errorf("cache capacity must be >= 1, got %d", c.Cache.Capacity)
	}
	if c.Cache.MemoryTTL < 0 || c.Cache.StorageTTL < 0 {
		return fmt.Errorf("cache TTLs must be >= 0")
	}
	if c.Cache.CleanupInterval < 0 {
		return fmt.Errorf("cache cleanup interval must be >= 0")
	}
	if c.Cache.StorageNamespace == "" {
		return fmt.Errorf("cache storage namespace is required")
	}

	if c.Storage.Timeout < 0 {
		return fmt.Errorf("storage timeout must be >= 0")
	}

	// Remote validation only matters when the tier is on
	if c.Cache.EnableRemote {
		switch c.Remote.Backend {
		case "redis":
			if c.Redis.Address == "" {
				return fmt.Errorf("redis address is required")
			}
		case "dynamodb":
			if c.AWS.Region == "" {
				return fmt.Errorf("AWS region is required")
			}
			if c.AWS.Table == "" {
				return fmt.Errorf("DynamoDB table is required")
			}
		default:
			return fmt.Errorf("invalid remote backend: %s", c.Remote.Backend)
		}
		if c.Remote.Timeout <= 0 {
			return fmt.Errorf("remote timeout must be > 0")
		}
	}

	if c.Warmup.Concurrency < 1 {
		return fmt.Errorf("warmup concurrency must be >= 1")
	}
	if c.Warmup.RatePerSecond < 0 {
		return fmt.Errorf("warmup rate must be >= 0")
	}

	// Observability validation
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Observability.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Observability.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Observability.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Observability.Logging.Format)
	}

	if c.Observability.Tracing.SampleRatio < 0 || c.Observability.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing sample ratio must be in [0, 1]")
	}

	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http port: %d", c.HTTP.Port)
	}

	return nil
}
