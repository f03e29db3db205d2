// Package manager provides the storage facade applications talk to. It
// selects a backend (explicitly or by probing), layers a bounded TTL read
// cache on top of it, re-publishes the backend's change notifications, and
// moves data between backends.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/stepcast/stepcast/pkg/observability"
	"github.com/stepcast/stepcast/pkg/storage"
	"github.com/stepcast/stepcast/pkg/storage/memory"
	"github.com/stepcast/stepcast/pkg/storage/redisstore"
	"github.com/stepcast/stepcast/pkg/storage/sqlitestore"
)

// Options configures the manager.
type Options struct {
	Config  storage.Config
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Manager selects and fronts a storage backend. It implements
// storage.Provider itself so callers can treat it as one.
type Manager struct {
	config  storage.Config
	logger  *observability.Logger
	metrics *observability.Metrics

	cache    *readCache
	notifier *storage.Notifier

	mu          sync.Mutex
	active      storage.Provider
	activeMode  storage.Mode
	unsubscribe func()
	initialized bool
}

var _ storage.Provider = (*Manager)(nil)

// New creates an uninitialized manager.
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	cfg := opts.Config
	if cfg.Mode == "" {
		cfg = storage.DefaultConfig()
	}
	return &Manager{
		config:   cfg,
		logger:   logger.WithField("component", "manager"),
		metrics:  opts.Metrics,
		cache:    newReadCache(cfg.CacheTTL, cfg.MaxCacheEntries, opts.Metrics),
		notifier: storage.NewNotifier(),
	}
}

func (m *Manager) newMemory() *memory.Store {
	return memory.New(memory.Options{
		QuotaBytes:    m.config.MemoryQuotaBytes,
		SweepInterval: m.config.MemorySweepInterval,
		CacheAreaTTL:  m.config.CacheAreaTTL,
		Logger:        m.logger,
	})
}

func (m *Manager) redisOptions(fallback storage.Provider) redisstore.Options {
	return redisstore.Options{
		URL:           m.config.RedisURL,
		Password:      m.config.RedisPassword,
		DB:            m.config.RedisDB,
		MaxRetries:    m.config.RedisMaxRetries,
		PoolSize:      m.config.RedisPoolSize,
		Namespace:     m.config.Namespace,
		MaxItemBytes:  m.config.RedisMaxItemBytes,
		MaxTotalBytes: m.config.RedisMaxTotalBytes,
		Fallback:      fallback,
		Logger:        m.logger,
	}
}

// buildProvider constructs the provider for a mode without initializing it.
// In auto mode, backends are probed in priority order: redis, sqlite,
// memory. Durable backends carry a memory fallback so initialization
// degrades instead of failing.
func (m *Manager) buildProvider(ctx context.Context, mode storage.Mode) (storage.Provider, storage.Mode, error) {
	switch mode {
	case storage.ModeRedis:
		return redisstore.New(m.redisOptions(m.newMemory())), storage.ModeRedis, nil
	case storage.ModeSQLite:
		return sqlitestore.New(sqlitestore.Options{
			Path:     m.config.SQLitePath,
			Fallback: m.newMemory(),
			Logger:   m.logger,
		}), storage.ModeSQLite, nil
	case storage.ModeMemory:
		return m.newMemory(), storage.ModeMemory, nil
	case storage.ModeAuto:
		if probe := redisstore.Probe(ctx, m.redisOptions(nil)); probe.Available {
			return m.buildProvider(ctx, storage.ModeRedis)
		} else if probe.Reason != "" {
			m.logger.WithField("reason", probe.Reason).Debug("redis backend not available")
		}
		if probe := sqlitestore.Probe(ctx, m.config.SQLitePath); probe.Available {
			return m.buildProvider(ctx, storage.ModeSQLite)
		} else if probe.Reason != "" {
			m.logger.WithField("reason", probe.Reason).Debug("sqlite backend not available")
		}
		return m.buildProvider(ctx, storage.ModeMemory)
	default:
		return nil, "", fmt.Errorf("%w: unknown storage mode %q", storage.ErrValidationFailed, mode)
	}
}

// Initialize selects and initializes the backend per the configured mode.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}

	provider, mode, err := m.buildProvider(ctx, m.config.Mode)
	if err != nil {
		return err
	}
	if err := provider.Initialize(ctx); err != nil {
		return err
	}

	m.adoptLocked(provider, mode)
	m.initialized = true
	m.logger.WithFields(map[string]interface{}{
		"mode":    string(mode),
		"backend": provider.Name(),
	}).Info("storage manager initialized")
	return nil
}

// adoptLocked swaps in a new active provider: subscribes for cache
// invalidation and event re-publication, and purges the cache.
func (m *Manager) adoptLocked(provider storage.Provider, mode storage.Mode) {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	m.active = provider
	m.activeMode = mode
	m.unsubscribe = provider.Subscribe(m.onProviderEvents)
	m.cache.purge()
}

// onProviderEvents invalidates cached reads and forwards the batch to the
// manager's own subscribers.
func (m *Manager) onProviderEvents(events []storage.ChangeEvent) {
	for _, event := range events {
		switch event.Type {
		case storage.ChangeClear:
			m.cache.invalidateArea(event.Area)
		default:
			m.cache.invalidate(event.Area, event.Key)
		}
	}
	m.notifier.Publish(events)
}

// Close shuts down the active backend.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return nil
	}
	m.initialized = false
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	m.cache.purge()
	return m.active.Close()
}

// Name implements storage.Provider.
func (m *Manager) Name() string {
	if p := m.provider(); p != nil {
		return p.Name()
	}
	return "manager"
}

// Ready implements storage.Provider.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized && m.active.Ready()
}

// ActiveMode reports which backend mode the manager selected.
func (m *Manager) ActiveMode() storage.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeMode
}

// CacheLen reports the current number of cached reads.
func (m *Manager) CacheLen() int { return m.cache.len() }

func (m *Manager) provider() storage.Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return nil
	}
	return m.active
}

func (m *Manager) record(operation string, err error) {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordOperation(operation, string(m.ActiveMode()), err)
}

// Get implements storage.Provider, serving from the read cache when the
// entry is present and fresh.
func (m *Manager) Get(ctx context.Context, area storage.Area, key string) (storage.Value, error) {
	p := m.provider()
	if p == nil {
		return nil, storage.ErrNotInitialized
	}
	if value, ok := m.cache.get(area, key); ok {
		return value, nil
	}
	value, err := p.Get(ctx, area, key)
	m.record("get", err)
	if err != nil {
		return nil, err
	}
	m.cache.put(area, key, value)
	return value, nil
}

// GetWithMetadata implements storage.Provider. Metadata reads bypass the
// cache, which stores values only.
func (m *Manager) GetWithMetadata(ctx context.Context, area storage.Area, key string) (*storage.Entry, error) {
	p := m.provider()
	if p == nil {
		return nil, storage.ErrNotInitialized
	}
	entry, err := p.GetWithMetadata(ctx, area, key)
	m.record("get", err)
	return entry, err
}

// Set implements storage.Provider with write-through caching.
func (m *Manager) Set(ctx context.Context, area storage.Area, key string, value storage.Value) error {
	return m.SetWithOptions(ctx, area, key, value, storage.SetOptions{})
}

// SetWithOptions implements storage.Provider with write-through caching.
func (m *Manager) SetWithOptions(ctx context.Context, area storage.Area, key string, value storage.Value, opts storage.SetOptions) error {
	p := m.provider()
	if p == nil {
		return storage.ErrNotInitialized
	}
	err := p.SetWithOptions(ctx, area, key, value, opts)
	m.record("set", err)
	if err != nil {
		return err
	}
	// The change event already invalidated the stale entry; cache the
	// fresh value so the next read skips the backend.
	m.cache.put(area, key, value)
	return nil
}

// Remove implements storage.Provider.
func (m *Manager) Remove(ctx context.Context, area storage.Area, key string) (bool, error) {
	p := m.provider()
	if p == nil {
		return false, storage.ErrNotInitialized
	}
	removed, err := p.Remove(ctx, area, key)
	m.record("remove", err)
	return removed, err
}

// Has implements storage.Provider.
func (m *Manager) Has(ctx context.Context, area storage.Area, key string) (bool, error) {
	p := m.provider()
	if p == nil {
		return false, storage.ErrNotInitialized
	}
	return p.Has(ctx, area, key)
}

// GetMany implements storage.Provider.
func (m *Manager) GetMany(ctx context.Context, area storage.Area, keys []string) (map[string]storage.Value, error) {
	p := m.provider()
	if p == nil {
		return nil, storage.ErrNotInitialized
	}
	values, err := p.GetMany(ctx, area, keys)
	m.record("get_many", err)
	return values, err
}

// SetMany implements storage.Provider.
func (m *Manager) SetMany(ctx context.Context, area storage.Area, values map[string]storage.Value) error {
	p := m.provider()
	if p == nil {
		return storage.ErrNotInitialized
	}
	err := p.SetMany(ctx, area, values)
	m.record("set_many", err)
	return err
}

// RemoveMany implements storage.Provider.
func (m *Manager) RemoveMany(ctx context.Context, area storage.Area, keys []string) (int, error) {
	p := m.provider()
	if p == nil {
		return 0, storage.ErrNotInitialized
	}
	removed, err := p.RemoveMany(ctx, area, keys)
	m.record("remove_many", err)
	return removed, err
}

// Keys implements storage.Provider.
func (m *Manager) Keys(ctx context.Context, area storage.Area) ([]string, error) {
	p := m.provider()
	if p == nil {
		return nil, storage.ErrNotInitialized
	}
	return p.Keys(ctx, area)
}

// Entries implements storage.Provider.
func (m *Manager) Entries(ctx context.Context, area storage.Area) ([]storage.Entry, error) {
	p := m.provider()
	if p == nil {
		return nil, storage.ErrNotInitialized
	}
	return p.Entries(ctx, area)
}

// Query implements storage.Provider.
func (m *Manager) Query(ctx context.Context, area storage.Area, opts storage.QueryOptions) (*storage.QueryResult, error) {
	p := m.provider()
	if p == nil {
		return nil, storage.ErrNotInitialized
	}
	result, err := p.Query(ctx, area, opts)
	m.record("query", err)
	return result, err
}

// Count implements storage.Provider.
func (m *Manager) Count(ctx context.Context, area storage.Area) (int, error) {
	p := m.provider()
	if p == nil {
		return 0, storage.ErrNotInitialized
	}
	return p.Count(ctx, area)
}

// Clear implements storage.Provider.
func (m *Manager) Clear(ctx context.Context, area storage.Area) error {
	p := m.provider()
	if p == nil {
		return storage.ErrNotInitialized
	}
	err := p.Clear(ctx, area)
	m.record("clear", err)
	return err
}

// ClearAll implements storage.Provider.
func (m *Manager) ClearAll(ctx context.Context) error {
	p := m.provider()
	if p == nil {
		return storage.ErrNotInitialized
	}
	err := p.ClearAll(ctx)
	m.record("clear_all", err)
	return err
}

// Transaction implements storage.Provider.
func (m *Manager) Transaction(ctx context.Context, ops []storage.TxOp) (*storage.TransactionResult, error) {
	p := m.provider()
	if p == nil {
		return nil, storage.ErrNotInitialized
	}
	result, err := p.Transaction(ctx, ops)
	m.record("transaction", err)
	return result, err
}

// Quota implements storage.Provider.
func (m *Manager) Quota(ctx context.Context) (*storage.QuotaInfo, error) {
	p := m.provider()
	if p == nil {
		return nil, storage.ErrNotInitialized
	}
	return p.Quota(ctx)
}

// Stats implements storage.Provider.
func (m *Manager) Stats(ctx context.Context) (*storage.Stats, error) {
	p := m.provider()
	if p == nil {
		return nil, storage.ErrNotInitialized
	}
	return p.Stats(ctx)
}

// Subscribe implements storage.Provider. Subscriptions survive a backend
// switch: the manager republishes events from whichever backend is active.
func (m *Manager) Subscribe(listener storage.ChangeListener, areas ...storage.Area) func() {
	return m.notifier.Subscribe(listener, areas...)
}

// Export implements storage.Provider.
func (m *Manager) Export(ctx context.Context, areas ...storage.Area) (*storage.Snapshot, error) {
	p := m.provider()
	if p == nil {
		return nil, storage.ErrNotInitialized
	}
	return p.Export(ctx, areas...)
}

// Import implements storage.Provider.
func (m *Manager) Import(ctx context.Context, snap *storage.Snapshot, merge bool) (*storage.ImportResult, error) {
	p := m.provider()
	if p == nil {
		return nil, storage.ErrNotInitialized
	}
	result, err := p.Import(ctx, snap, merge)
	m.record("import", err)
	return result, err
}

// MigrationReport summarizes a data migration between backends.
type MigrationReport struct {
	Copied int      `json:"copied"`
	Failed int      `json:"failed"`
	Errors []string `json:"errors,omitempty"`
}

// Migrate copies all entries in the given areas (all areas when none are
// given) from source to target, one worker per area. Entry failures are
// collected rather than aborting the run; content type and tags survive the
// copy, timestamps and versions are assigned fresh by the target.
func Migrate(ctx context.Context, source, target storage.Provider, areas ...storage.Area) (*MigrationReport, error) {
	if len(areas) == 0 {
		areas = storage.AllAreas()
	}

	report := &MigrationReport{}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for _, area := range areas {
		area := area
		g.Go(func() error {
			entries, err := source.Entries(ctx, area)
			if err != nil {
				mu.Lock()
				report.Failed++
				report.Errors = append(report.Errors, fmt.Sprintf("%s: list: %v", area, err))
				mu.Unlock()
				return nil
			}
			for _, entry := range entries {
				err := target.SetWithOptions(ctx, area, entry.Key, entry.Value, storage.SetOptions{
					ContentType: entry.Metadata.ContentType,
					Tags:        entry.Metadata.Tags,
				})
				mu.Lock()
				if err != nil {
					report.Failed++
					report.Errors = append(report.Errors, fmt.Sprintf("%s:%s: %v", area, entry.Key, err))
				} else {
					report.Copied++
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	sort.Strings(report.Errors)
	return report, nil
}

// MigrateAndSwitch builds and initializes the backend for the given mode,
// migrates all data from the active backend into it, and switches over. If
// any entry fails to copy the target is closed, the active backend stays in
// place, and the report says what went wrong.
func (m *Manager) MigrateAndSwitch(ctx context.Context, mode storage.Mode) (*MigrationReport, error) {
	source := m.provider()
	if source == nil {
		return nil, storage.ErrNotInitialized
	}

	target, resolvedMode, err := m.buildProvider(ctx, mode)
	if err != nil {
		return nil, err
	}
	if err := target.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize target backend: %w", err)
	}

	report, err := Migrate(ctx, source, target)
	if err != nil || report.Failed > 0 {
		target.Close()
		if err == nil {
			err = fmt.Errorf("migration to %q incomplete: %d of %d entries failed",
				resolvedMode, report.Failed, report.Copied+report.Failed)
		}
		return report, err
	}

	m.mu.Lock()
	old := m.active
	m.adoptLocked(target, resolvedMode)
	m.mu.Unlock()

	if err := old.Close(); err != nil {
		m.logger.WithError(err).Warn("closing previous backend after switch")
	}
	m.logger.WithFields(map[string]interface{}{
		"backend": target.Name(),
		"copied":  report.Copied,
	}).Info("switched storage backend")
	return report, nil
}
