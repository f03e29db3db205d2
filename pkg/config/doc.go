// Package config provides application configuration management from
// environment variables, with an optional YAML overlay file.
//
// # Overview
//
// This package loads and validates configuration from environment variables
// with sensible defaults for all settings. LoadConfigFile applies a YAML
// file on top of the environment for deployments that prefer files.
//
// # Configuration Structure
//
// Storage settings:
//
//	STEPCAST_STORAGE_MODE="auto"  # auto, redis, sqlite, memory
//	STEPCAST_NAMESPACE="stepcast"
//	STEPCAST_REDIS_URL="redis://localhost:6379"
//	STEPCAST_REDIS_MAX_ITEM_BYTES="8192"
//	STEPCAST_REDIS_MAX_TOTAL_BYTES="102400"
//	STEPCAST_SQLITE_PATH="stepcast-store.db"
//	STEPCAST_MEMORY_QUOTA_BYTES="10485760"
//
// Manager cache settings:
//
//	STEPCAST_CACHE_TTL="5m"
//	STEPCAST_MAX_CACHE_ENTRIES="1000"
//	STEPCAST_CACHE_AREA_TTL="30m"
//
// Domain database:
//
//	STEPCAST_DATABASE_PATH="stepcast.db"
//
// Observability settings:
//
//	STEPCAST_LOG_LEVEL="info"  # debug, info, warn, error
//	STEPCAST_METRICS_ENABLED="true"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Storage mode: %s\n", cfg.Storage.Mode)
//	fmt.Printf("Log level: %s\n", cfg.Observability.LogLevel)
//
// # Related Packages
//
//   - pkg/storage: Uses storage configuration
//   - pkg/observability: Uses observability configuration
package config
