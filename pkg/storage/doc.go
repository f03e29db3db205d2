// Package storage defines the backend-agnostic persistence contract for
// StepCast, enabling multiple backend implementations (in-memory, Redis,
// SQLite) while presenting a single consistent API to callers.
//
// # Architecture
//
// The central abstraction is the Provider interface: CRUD, batch operations,
// filtered queries, quotas, change notification, export/import, and
// best-effort transactions, uniform across backends with very different
// native capabilities.
//
// Data is partitioned into fixed Areas (testCases, steps, config, state,
// cache, metadata). The same key may hold different values in different
// areas; an (area, key) pair maps to at most one live entry.
//
// Values are restricted to what plain JSON can represent: nil, strings,
// numbers, booleans, ordered sequences, and string-keyed mappings. Functions,
// channels, and cyclic structures are rejected at write time. Every read
// returns a deep copy, so mutating a returned value never affects the store.
//
// # Backends
//
//   - memory: volatile process-memory map with per-key TTL expiry and a hard
//     byte quota. Data does not survive a restart.
//   - redisstore: small-quota key/value backend over Redis with per-item and
//     total byte limits, namespaced as namespace:area:key.
//   - sqlitestore: large-capacity indexed backend over SQLite with secondary
//     indexes on creation/update time.
//
// The redisstore and sqlitestore backends accept an optional fallback
// Provider (typically memory) used transparently when the native backend is
// unavailable.
//
// # Manager
//
// Package manager selects a backend by priority (redis, then sqlite, then
// memory), wraps it with a bounded TTL cache, forwards change events, and
// supports live migration between backends. Callers normally go through the
// manager rather than holding a Provider directly.
//
// # Notifications
//
// Every mutating operation emits exactly one change-notification batch,
// after the mutation is durably applied to the backend. Subscribers may
// listen to specific areas or to all areas.
package storage
