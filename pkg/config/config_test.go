package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stepcast/stepcast/pkg/observability"
	"github.com/stepcast/stepcast/pkg/storage"
)

// TestEnvHelpers tests the typed environment lookup helpers: set values
// parse, garbage and unset keys fall back to the default
func TestEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STR", "custom")
	t.Setenv("TEST_BOOL", "TRUE")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INT64", "5242880")
	t.Setenv("TEST_DURATION", "30s")
	t.Setenv("TEST_GARBAGE", "invalid")

	if got := getEnv("TEST_STR", "default"); got != "custom" {
		t.Errorf("getEnv() = %v, want custom", got)
	}
	if got := getEnv("TEST_UNSET", "default"); got != "default" {
		t.Errorf("getEnv() = %v, want default", got)
	}
	if !getEnvBool("TEST_BOOL", false) {
		t.Error("getEnvBool() = false for TRUE, want true")
	}
	if getEnvBool("TEST_STR", false) {
		t.Error("getEnvBool() = true for non-boolean, want false")
	}
	if !getEnvBool("TEST_UNSET", true) {
		t.Error("getEnvBool() = false for unset key, want default true")
	}
	if got := getEnvInt("TEST_INT", 10); got != 42 {
		t.Errorf("getEnvInt() = %v, want 42", got)
	}
	if got := getEnvInt("TEST_GARBAGE", 10); got != 10 {
		t.Errorf("getEnvInt() = %v, want default 10", got)
	}
	if got := getEnvInt64("TEST_INT64", 10); got != 5242880 {
		t.Errorf("getEnvInt64() = %v, want 5242880", got)
	}
	if got := getEnvDuration("TEST_DURATION", 10*time.Second); got != 30*time.Second {
		t.Errorf("getEnvDuration() = %v, want 30s", got)
	}
	if got := getEnvDuration("TEST_GARBAGE", 10*time.Second); got != 10*time.Second {
		t.Errorf("getEnvDuration() = %v, want default 10s", got)
	}
}

var storageEnvVars = []string{
	"STEPCAST_STORAGE_MODE",
	"STEPCAST_NAMESPACE",
	"STEPCAST_REDIS_URL",
	"STEPCAST_REDIS_PASSWORD",
	"STEPCAST_REDIS_DB",
	"STEPCAST_REDIS_MAX_RETRIES",
	"STEPCAST_REDIS_POOL_SIZE",
	"STEPCAST_REDIS_MAX_ITEM_BYTES",
	"STEPCAST_REDIS_MAX_TOTAL_BYTES",
	"STEPCAST_SQLITE_PATH",
	"STEPCAST_MEMORY_QUOTA_BYTES",
	"STEPCAST_MEMORY_SWEEP_INTERVAL",
	"STEPCAST_CACHE_AREA_TTL",
	"STEPCAST_CACHE_TTL",
	"STEPCAST_MAX_CACHE_ENTRIES",
	"STEPCAST_DATABASE_PATH",
	"STEPCAST_LOG_LEVEL",
	"STEPCAST_METRICS_ENABLED",
}

// saveEnv snapshots the STEPCAST_ variables and restores them on cleanup,
// leaving every test with a clean slate.
func saveEnv(t *testing.T) {
	t.Helper()
	originalEnv := make(map[string]string)
	for _, k := range storageEnvVars {
		originalEnv[k] = os.Getenv(k)
		os.Unsetenv(k)
	}
	t.Cleanup(func() {
		for k, v := range originalEnv {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	})
}

// TestLoadStorageConfig tests the loadStorageConfig function
func TestLoadStorageConfig(t *testing.T) {
	saveEnv(t)

	t.Run("loads default config", func(t *testing.T) {
		for _, k := range storageEnvVars {
			os.Unsetenv(k)
		}

		cfg := loadStorageConfig()
		if cfg.Mode != storage.ModeAuto {
			t.Errorf("Mode = %v, want auto", cfg.Mode)
		}
		if cfg.Namespace == "" {
			t.Error("Namespace should have a default")
		}
	})

	t.Run("loads redis config from env", func(t *testing.T) {
		for _, k := range storageEnvVars {
			os.Unsetenv(k)
		}

		os.Setenv("STEPCAST_STORAGE_MODE", "redis")
		os.Setenv("STEPCAST_REDIS_URL", "redis://localhost:6379")
		os.Setenv("STEPCAST_REDIS_PASSWORD", "password")
		os.Setenv("STEPCAST_REDIS_DB", "1")
		os.Setenv("STEPCAST_REDIS_MAX_RETRIES", "5")
		os.Setenv("STEPCAST_REDIS_POOL_SIZE", "20")
		os.Setenv("STEPCAST_REDIS_MAX_ITEM_BYTES", "65536")
		os.Setenv("STEPCAST_REDIS_MAX_TOTAL_BYTES", "5242880")

		cfg := loadStorageConfig()
		if cfg.Mode != storage.ModeRedis {
			t.Errorf("Mode = %v, want redis", cfg.Mode)
		}
		if cfg.RedisURL != "redis://localhost:6379" {
			t.Errorf("RedisURL = %v, want redis://localhost:6379", cfg.RedisURL)
		}
		if cfg.RedisPassword != "password" {
			t.Errorf("RedisPassword = %v, want password", cfg.RedisPassword)
		}
		if cfg.RedisDB != 1 {
			t.Errorf("RedisDB = %v, want 1", cfg.RedisDB)
		}
		if cfg.RedisMaxRetries != 5 {
			t.Errorf("RedisMaxRetries = %v, want 5", cfg.RedisMaxRetries)
		}
		if cfg.RedisPoolSize != 20 {
			t.Errorf("RedisPoolSize = %v, want 20", cfg.RedisPoolSize)
		}
		if cfg.RedisMaxItemBytes != 65536 {
			t.Errorf("RedisMaxItemBytes = %v, want 65536", cfg.RedisMaxItemBytes)
		}
		if cfg.RedisMaxTotalBytes != 5242880 {
			t.Errorf("RedisMaxTotalBytes = %v, want 5242880", cfg.RedisMaxTotalBytes)
		}
	})

	t.Run("loads sqlite and memory config from env", func(t *testing.T) {
		for _, k := range storageEnvVars {
			os.Unsetenv(k)
		}

		os.Setenv("STEPCAST_SQLITE_PATH", "/var/lib/stepcast/store.db")
		os.Setenv("STEPCAST_MEMORY_QUOTA_BYTES", "1048576")
		os.Setenv("STEPCAST_MEMORY_SWEEP_INTERVAL", "45s")
		os.Setenv("STEPCAST_CACHE_AREA_TTL", "10m")

		cfg := loadStorageConfig()
		if cfg.SQLitePath != "/var/lib/stepcast/store.db" {
			t.Errorf("SQLitePath = %v, want /var/lib/stepcast/store.db", cfg.SQLitePath)
		}
		if cfg.MemoryQuotaBytes != 1048576 {
			t.Errorf("MemoryQuotaBytes = %v, want 1048576", cfg.MemoryQuotaBytes)
		}
		if cfg.MemorySweepInterval != 45*time.Second {
			t.Errorf("MemorySweepInterval = %v, want 45s", cfg.MemorySweepInterval)
		}
		if cfg.CacheAreaTTL != 10*time.Minute {
			t.Errorf("CacheAreaTTL = %v, want 10m", cfg.CacheAreaTTL)
		}
	})

	t.Run("loads manager cache config from env", func(t *testing.T) {
		for _, k := range storageEnvVars {
			os.Unsetenv(k)
		}

		os.Setenv("STEPCAST_CACHE_TTL", "2m")
		os.Setenv("STEPCAST_MAX_CACHE_ENTRIES", "500")

		cfg := loadStorageConfig()
		if cfg.CacheTTL != 2*time.Minute {
			t.Errorf("CacheTTL = %v, want 2m", cfg.CacheTTL)
		}
		if cfg.MaxCacheEntries != 500 {
			t.Errorf("MaxCacheEntries = %v, want 500", cfg.MaxCacheEntries)
		}
	})

	t.Run("ignores invalid redis db", func(t *testing.T) {
		for _, k := range storageEnvVars {
			os.Unsetenv(k)
		}

		os.Setenv("STEPCAST_REDIS_DB", "-1")

		cfg := loadStorageConfig()
		// Should keep default value
		if cfg.RedisDB != 0 {
			t.Errorf("RedisDB = %v, want 0 (default)", cfg.RedisDB)
		}
	})
}

// TestConfigValidate tests the Config.Validate method
func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		cfg := Config{
			Storage:      storage.DefaultConfig(),
			DatabasePath: "stepcast.db",
		}
		return cfg
	}

	t.Run("valid default config", func(t *testing.T) {
		cfg := valid()
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() unexpected error = %v", err)
		}
	})

	t.Run("invalid storage mode", func(t *testing.T) {
		cfg := valid()
		cfg.Storage.Mode = "postgres"
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error, got nil")
		}
	})

	t.Run("missing namespace", func(t *testing.T) {
		cfg := valid()
		cfg.Storage.Namespace = ""
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error, got nil")
		}
	})

	t.Run("redis mode without url", func(t *testing.T) {
		cfg := valid()
		cfg.Storage.Mode = storage.ModeRedis
		cfg.Storage.RedisURL = ""
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error, got nil")
		}
	})

	t.Run("sqlite mode without path", func(t *testing.T) {
		cfg := valid()
		cfg.Storage.Mode = storage.ModeSQLite
		cfg.Storage.SQLitePath = ""
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error, got nil")
		}
	})

	t.Run("negative cache entries", func(t *testing.T) {
		cfg := valid()
		cfg.Storage.MaxCacheEntries = -1
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error, got nil")
		}
	})

	t.Run("missing database path", func(t *testing.T) {
		cfg := valid()
		cfg.DatabasePath = ""
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error, got nil")
		}
	})
}

// TestLoadConfig tests the LoadConfig function
func TestLoadConfig(t *testing.T) {
	saveEnv(t)

	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{
			name: "valid config",
			env: map[string]string{
				"STEPCAST_STORAGE_MODE": "memory",
				"STEPCAST_LOG_LEVEL":    "debug",
			},
			wantErr: false,
		},
		{
			name: "invalid config - redis mode without url",
			env: map[string]string{
				"STEPCAST_STORAGE_MODE": "redis",
			},
			wantErr: true,
		},
		{
			name: "invalid config - unknown mode",
			env: map[string]string{
				"STEPCAST_STORAGE_MODE": "cloud",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range storageEnvVars {
				os.Unsetenv(k)
			}
			for k, v := range tt.env {
				os.Setenv(k, v)
			}

			cfg, err := LoadConfig()
			if (err != nil) != tt.wantErr {
				t.Errorf("LoadConfig() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && cfg == nil {
				t.Error("LoadConfig() returned nil config without error")
			}
		})
	}
}

// TestLoadConfigFile tests the YAML overlay on top of the environment
func TestLoadConfigFile(t *testing.T) {
	saveEnv(t)
	os.Setenv("STEPCAST_NAMESPACE", "from-env")
	os.Setenv("STEPCAST_CACHE_TTL", "1m")

	path := filepath.Join(t.TempDir(), "stepcast.yaml")
	yaml := `
storage:
  mode: sqlite
  sqlite_path: /var/lib/stepcast/store.db
  cache_ttl: 5m
  max_cache_entries: 250
database_path: /var/lib/stepcast/records.db
log_level: debug
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile() error = %v", err)
	}
	if cfg.Storage.Mode != storage.ModeSQLite {
		t.Errorf("Mode = %v, want sqlite", cfg.Storage.Mode)
	}
	if cfg.Storage.SQLitePath != "/var/lib/stepcast/store.db" {
		t.Errorf("SQLitePath = %v, want /var/lib/stepcast/store.db", cfg.Storage.SQLitePath)
	}
	// The file overrides the environment...
	if cfg.Storage.CacheTTL != 5*time.Minute {
		t.Errorf("CacheTTL = %v, want 5m", cfg.Storage.CacheTTL)
	}
	// ...but env values without a file counterpart survive.
	if cfg.Storage.Namespace != "from-env" {
		t.Errorf("Namespace = %v, want from-env", cfg.Storage.Namespace)
	}
	if cfg.Storage.MaxCacheEntries != 250 {
		t.Errorf("MaxCacheEntries = %v, want 250", cfg.Storage.MaxCacheEntries)
	}
	if cfg.DatabasePath != "/var/lib/stepcast/records.db" {
		t.Errorf("DatabasePath = %v, want /var/lib/stepcast/records.db", cfg.DatabasePath)
	}
	if cfg.Observability.LogLevel != observability.DebugLevel {
		t.Errorf("LogLevel = %v, want debug", cfg.Observability.LogLevel)
	}

	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfigFile() expected error for missing file")
	}
}
