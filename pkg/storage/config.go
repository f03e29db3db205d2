package storage

import "time"

// Mode selects which backend the manager prefers.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeRedis  Mode = "redis"
	ModeSQLite Mode = "sqlite"
	ModeMemory Mode = "memory"
)

// Valid reports whether the mode is recognized.
func (m Mode) Valid() bool {
	switch m {
	case ModeAuto, ModeRedis, ModeSQLite, ModeMemory:
		return true
	}
	return false
}

// Config holds storage-layer configuration shared by the backends and the
// manager.
type Config struct {
	Mode      Mode
	Namespace string

	// Redis (small-quota backend)
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
	// Byte limits mirroring the small-quota platform store.
	RedisMaxItemBytes  int64
	RedisMaxTotalBytes int64

	// SQLite (indexed backend)
	SQLitePath string

	// Memory (volatile backend)
	MemoryQuotaBytes    int64
	MemorySweepInterval time.Duration
	// CacheAreaTTL is the default expiry applied to entries written to the
	// cache area without an explicit TTL.
	CacheAreaTTL time.Duration

	// Manager cache
	CacheTTL        time.Duration
	MaxCacheEntries int
}

// DefaultConfig returns sensible defaults: auto backend selection, a 10MB
// volatile quota, Chrome-sync-like Redis limits, and a small bounded
// manager cache.
func DefaultConfig() Config {
	return Config{
		Mode:      ModeAuto,
		Namespace: "stepcast",

		RedisURL:           "redis://localhost:6379",
		RedisDB:            0,
		RedisMaxRetries:    3,
		RedisPoolSize:      10,
		RedisMaxItemBytes:  8 * 1024,
		RedisMaxTotalBytes: 100 * 1024,

		SQLitePath: "stepcast-store.db",

		MemoryQuotaBytes:    10 * 1024 * 1024,
		MemorySweepInterval: time.Minute,
		CacheAreaTTL:        30 * time.Minute,

		CacheTTL:        5 * time.Minute,
		MaxCacheEntries: 1000,
	}
}
