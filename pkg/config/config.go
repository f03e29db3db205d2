package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stepcast/stepcast/pkg/observability"
	"github.com/stepcast/stepcast/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Storage configuration (backends and manager cache)
	Storage storage.Config

	// DatabasePath is the SQLite file holding domain records
	// (projects and test runs)
	DatabasePath string

	// Observability configuration
	Observability ObservabilityConfig
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// fileConfig is the YAML overlay shape. Every field is optional; unset
// fields keep their environment/default value.
type fileConfig struct {
	Storage struct {
		Mode            string `yaml:"mode"`
		Namespace       string `yaml:"namespace"`
		RedisURL        string `yaml:"redis_url"`
		RedisPassword   string `yaml:"redis_password"`
		RedisDB         *int   `yaml:"redis_db"`
		SQLitePath      string `yaml:"sqlite_path"`
		MemoryQuota     *int64 `yaml:"memory_quota_bytes"`
		CacheTTL        string `yaml:"cache_ttl"`
		MaxCacheEntries *int   `yaml:"max_cache_entries"`
	} `yaml:"storage"`
	DatabasePath string `yaml:"database_path"`
	LogLevel     string `yaml:"log_level"`
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Storage:       loadStorageConfig(),
		DatabasePath:  getEnv("STEPCAST_DATABASE_PATH", "stepcast.db"),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadConfigFile loads configuration from the environment, then applies
// the YAML file at path on top.
func LoadConfigFile(path string) (*Config, error) {
	cfg := &Config{
		Storage:       loadStorageConfig(),
		DatabasePath:  getEnv("STEPCAST_DATABASE_PATH", "stepcast.db"),
		Observability: loadObservabilityConfig(),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var overlay fileConfig
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	applyOverlay(cfg, &overlay)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyOverlay(cfg *Config, overlay *fileConfig) {
	s := overlay.Storage
	if s.Mode != "" {
		cfg.Storage.Mode = storage.Mode(s.Mode)
	}
	if s.Namespace != "" {
		cfg.Storage.Namespace = s.Namespace
	}
	if s.RedisURL != "" {
		cfg.Storage.RedisURL = s.RedisURL
	}
	if s.RedisPassword != "" {
		cfg.Storage.RedisPassword = s.RedisPassword
	}
	if s.RedisDB != nil {
		cfg.Storage.RedisDB = *s.RedisDB
	}
	if s.SQLitePath != "" {
		cfg.Storage.SQLitePath = s.SQLitePath
	}
	if s.MemoryQuota != nil {
		cfg.Storage.MemoryQuotaBytes = *s.MemoryQuota
	}
	if s.CacheTTL != "" {
		if d, err := time.ParseDuration(s.CacheTTL); err == nil {
			cfg.Storage.CacheTTL = d
		}
	}
	if s.MaxCacheEntries != nil {
		cfg.Storage.MaxCacheEntries = *s.MaxCacheEntries
	}
	if overlay.DatabasePath != "" {
		cfg.DatabasePath = overlay.DatabasePath
	}
	if overlay.LogLevel != "" {
		cfg.Observability.LogLevel = observability.ParseLogLevel(overlay.LogLevel)
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if mode := getEnv("STEPCAST_STORAGE_MODE", ""); mode != "" {
		cfg.Mode = storage.Mode(mode)
	}
	if namespace := getEnv("STEPCAST_NAMESPACE", ""); namespace != "" {
		cfg.Namespace = namespace
	}

	// Redis (small-quota backend)
	if redisURL := getEnv("STEPCAST_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("STEPCAST_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("STEPCAST_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("STEPCAST_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("STEPCAST_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}
	if maxItem := getEnvInt64("STEPCAST_REDIS_MAX_ITEM_BYTES", 0); maxItem > 0 {
		cfg.RedisMaxItemBytes = maxItem
	}
	if maxTotal := getEnvInt64("STEPCAST_REDIS_MAX_TOTAL_BYTES", 0); maxTotal > 0 {
		cfg.RedisMaxTotalBytes = maxTotal
	}

	// SQLite (indexed backend)
	if sqlitePath := getEnv("STEPCAST_SQLITE_PATH", ""); sqlitePath != "" {
		cfg.SQLitePath = sqlitePath
	}

	// Memory (volatile backend)
	if quota := getEnvInt64("STEPCAST_MEMORY_QUOTA_BYTES", 0); quota > 0 {
		cfg.MemoryQuotaBytes = quota
	}
	if sweep := getEnvDuration("STEPCAST_MEMORY_SWEEP_INTERVAL", 0); sweep > 0 {
		cfg.MemorySweepInterval = sweep
	}
	if ttl := getEnvDuration("STEPCAST_CACHE_AREA_TTL", 0); ttl > 0 {
		cfg.CacheAreaTTL = ttl
	}

	// Manager cache
	if ttl := getEnvDuration("STEPCAST_CACHE_TTL", 0); ttl > 0 {
		cfg.CacheTTL = ttl
	}
	if maxEntries := getEnvInt("STEPCAST_MAX_CACHE_ENTRIES", 0); maxEntries > 0 {
		cfg.MaxCacheEntries = maxEntries
	}

	return cfg
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       observability.ParseLogLevel(getEnv("STEPCAST_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("STEPCAST_METRICS_ENABLED", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if !c.Storage.Mode.Valid() {
		return fmt.Errorf("invalid storage mode: %s (must be auto, redis, sqlite, or memory)", c.Storage.Mode)
	}
	if c.Storage.Namespace == "" {
		return fmt.Errorf("storage namespace is required")
	}

	switch c.Storage.Mode {
	case storage.ModeRedis:
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("redis URL is required for redis storage")
		}
	case storage.ModeSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for sqlite storage")
		}
	}

	if c.Storage.MaxCacheEntries < 0 {
		return fmt.Errorf("max cache entries must not be negative")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database path is required")
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
