// Package memory implements the volatile storage backend: a process-memory
// map with per-key TTL expiry and a hard byte quota. It is the fallback of
// last resort for the other backends and the default for tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stepcast/stepcast/pkg/observability"
	"github.com/stepcast/stepcast/pkg/storage"
)

// Options configures the volatile backend.
type Options struct {
	// QuotaBytes caps the total encoded size of stored values. Zero means
	// unlimited.
	QuotaBytes int64
	// SweepInterval is how often the expiry sweeper runs. Zero disables
	// the sweeper; expired entries are still dropped lazily on read.
	SweepInterval time.Duration
	// CacheAreaTTL is the default expiry for entries written to the cache
	// area without an explicit TTL.
	CacheAreaTTL time.Duration
	Logger       *observability.Logger
}

type record struct {
	data      []byte
	meta      storage.Metadata
	expiresAt int64 // epoch ms, 0 = never
}

// Store is the volatile backend. Values are stored as canonical JSON bytes,
// so every read decodes a fresh deep copy.
type Store struct {
	opts     Options
	logger   *observability.Logger
	notifier *storage.Notifier

	mu          sync.Mutex
	areas       map[storage.Area]map[string]*record
	used        int64
	initialized bool

	stopSweep chan struct{}
	sweepDone chan struct{}
}

var _ storage.Provider = (*Store)(nil)

// New creates an uninitialized volatile backend.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Store{
		opts:     opts,
		logger:   logger.WithField("backend", "memory"),
		notifier: storage.NewNotifier(),
	}
}

// Initialize allocates the area maps and starts the expiry sweeper.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}

	s.areas = make(map[storage.Area]map[string]*record)
	for _, area := range storage.AllAreas() {
		s.areas[area] = make(map[string]*record)
	}
	s.used = 0
	s.initialized = true

	if s.opts.SweepInterval > 0 {
		s.stopSweep = make(chan struct{})
		s.sweepDone = make(chan struct{})
		go s.sweepLoop(s.opts.SweepInterval, s.stopSweep, s.sweepDone)
	}
	s.logger.Debug("volatile backend initialized")
	return nil
}

// Close stops the sweeper and drops all data.
func (s *Store) Close() error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.initialized = false
	stop := s.stopSweep
	done := s.sweepDone
	s.areas = nil
	s.used = 0
	s.mu.Unlock()

	// Join the sweeper before clearing its channels; it holds its own
	// references, so the fields stay set until it has exited.
	if stop != nil {
		close(stop)
		<-done
	}
	s.mu.Lock()
	s.stopSweep = nil
	s.sweepDone = nil
	s.mu.Unlock()
	return nil
}

// Name implements storage.Provider.
func (s *Store) Name() string { return "memory" }

// Ready implements storage.Provider.
func (s *Store) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *Store) checkReadyLocked() error {
	if !s.initialized {
		return storage.ErrNotInitialized
	}
	return nil
}

func checkArea(area storage.Area) error {
	if !area.Valid() {
		return fmt.Errorf("%w: unknown area %q", storage.ErrValidationFailed, area)
	}
	return nil
}

func (s *Store) expired(rec *record) bool {
	return rec.expiresAt > 0 && rec.expiresAt <= storage.NowMillis()
}

// liveRecordLocked returns the record for (area, key), dropping it lazily
// when expired.
func (s *Store) liveRecordLocked(area storage.Area, key string) *record {
	rec, ok := s.areas[area][key]
	if !ok {
		return nil
	}
	if s.expired(rec) {
		delete(s.areas[area], key)
		s.used -= rec.meta.Size
		return nil
	}
	return rec
}

func (s *Store) setLocked(area storage.Area, key string, value storage.Value, opts storage.SetOptions) (storage.ChangeEvent, error) {
	data, err := storage.EncodeValue(value)
	if err != nil {
		return storage.ChangeEvent{}, err
	}
	size := int64(len(data))

	prev := s.liveRecordLocked(area, key)
	var prevSize int64
	if prev != nil {
		prevSize = prev.meta.Size
	}
	if s.opts.QuotaBytes > 0 && s.used-prevSize+size > s.opts.QuotaBytes {
		return storage.ChangeEvent{}, fmt.Errorf("%w: projected %d bytes exceeds quota %d",
			storage.ErrQuotaExceeded, s.used-prevSize+size, s.opts.QuotaBytes)
	}

	now := storage.NowMillis()
	meta := storage.Metadata{
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
		Size:        size,
		ContentType: opts.ContentType,
		Tags:        opts.Tags,
	}
	if prev != nil {
		meta.CreatedAt = prev.meta.CreatedAt
		meta.Version = prev.meta.Version + 1
	}

	var expiresAt int64
	ttl := opts.TTL
	if ttl == 0 && area == storage.AreaCache && s.opts.CacheAreaTTL > 0 {
		ttl = s.opts.CacheAreaTTL
	}
	if ttl > 0 {
		expiresAt = now + ttl.Milliseconds()
	}

	s.areas[area][key] = &record{data: data, meta: meta, expiresAt: expiresAt}
	s.used += size - prevSize

	copied, err := storage.DecodeValue(data)
	if err != nil {
		return storage.ChangeEvent{}, err
	}
	return storage.ChangeEvent{
		Type:      storage.ChangeSet,
		Area:      area,
		Key:       key,
		Value:     copied,
		Timestamp: now,
	}, nil
}

// Get implements storage.Provider.
func (s *Store) Get(ctx context.Context, area storage.Area, key string) (storage.Value, error) {
	entry, err := s.GetWithMetadata(ctx, area, key)
	if err != nil {
		return nil, err
	}
	return entry.Value, nil
}

// GetWithMetadata implements storage.Provider.
func (s *Store) GetWithMetadata(ctx context.Context, area storage.Area, key string) (*storage.Entry, error) {
	if err := checkArea(area); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReadyLocked(); err != nil {
		return nil, err
	}
	rec := s.liveRecordLocked(area, key)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s:%s", storage.ErrNotFound, area, key)
	}
	value, err := storage.DecodeValue(rec.data)
	if err != nil {
		return nil, err
	}
	return &storage.Entry{Key: key, Value: value, Metadata: rec.meta}, nil
}

// Set implements storage.Provider.
func (s *Store) Set(ctx context.Context, area storage.Area, key string, value storage.Value) error {
	return s.SetWithOptions(ctx, area, key, value, storage.SetOptions{})
}

// SetWithOptions implements storage.Provider.
func (s *Store) SetWithOptions(ctx context.Context, area storage.Area, key string, value storage.Value, opts storage.SetOptions) error {
	if err := checkArea(area); err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.checkReadyLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	event, err := s.setLocked(area, key, value, opts)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notifier.Publish([]storage.ChangeEvent{event})
	return nil
}

// Remove implements storage.Provider. Removing an absent key returns false
// and emits no change event.
func (s *Store) Remove(ctx context.Context, area storage.Area, key string) (bool, error) {
	if err := checkArea(area); err != nil {
		return false, err
	}
	s.mu.Lock()
	if err := s.checkReadyLocked(); err != nil {
		s.mu.Unlock()
		return false, err
	}
	rec := s.liveRecordLocked(area, key)
	if rec == nil {
		s.mu.Unlock()
		return false, nil
	}
	delete(s.areas[area], key)
	s.used -= rec.meta.Size
	s.mu.Unlock()

	s.notifier.Publish([]storage.ChangeEvent{{
		Type:      storage.ChangeRemove,
		Area:      area,
		Key:       key,
		Timestamp: storage.NowMillis(),
	}})
	return true, nil
}

// Has implements storage.Provider.
func (s *Store) Has(ctx context.Context, area storage.Area, key string) (bool, error) {
	if err := checkArea(area); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReadyLocked(); err != nil {
		return false, err
	}
	return s.liveRecordLocked(area, key) != nil, nil
}

// GetMany implements storage.Provider. Absent keys are omitted from the
// result rather than reported as errors.
func (s *Store) GetMany(ctx context.Context, area storage.Area, keys []string) (map[string]storage.Value, error) {
	if err := checkArea(area); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReadyLocked(); err != nil {
		return nil, err
	}
	result := make(map[string]storage.Value, len(keys))
	for _, key := range keys {
		rec := s.liveRecordLocked(area, key)
		if rec == nil {
			continue
		}
		value, err := storage.DecodeValue(rec.data)
		if err != nil {
			return nil, err
		}
		result[key] = value
	}
	return result, nil
}

// SetMany implements storage.Provider. The whole batch is validated against
// the quota before any write is applied, so a failed batch leaves the store
// unchanged.
func (s *Store) SetMany(ctx context.Context, area storage.Area, values map[string]storage.Value) error {
	if err := checkArea(area); err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.checkReadyLocked(); err != nil {
		s.mu.Unlock()
		return err
	}

	projected := s.used
	for key, value := range values {
		data, err := storage.EncodeValue(value)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("key %q: %w", key, err)
		}
		if prev := s.liveRecordLocked(area, key); prev != nil {
			projected -= prev.meta.Size
		}
		projected += int64(len(data))
	}
	if s.opts.QuotaBytes > 0 && projected > s.opts.QuotaBytes {
		s.mu.Unlock()
		return fmt.Errorf("%w: projected %d bytes exceeds quota %d",
			storage.ErrQuotaExceeded, projected, s.opts.QuotaBytes)
	}

	events := make([]storage.ChangeEvent, 0, len(values))
	for key, value := range values {
		event, err := s.setLocked(area, key, value, storage.SetOptions{})
		if err != nil {
			// Unreachable after prevalidation; surface it regardless.
			s.mu.Unlock()
			return fmt.Errorf("key %q: %w", key, err)
		}
		events = append(events, event)
	}
	s.mu.Unlock()

	s.notifier.Publish(events)
	return nil
}

// RemoveMany implements storage.Provider, returning how many live entries
// were removed.
func (s *Store) RemoveMany(ctx context.Context, area storage.Area, keys []string) (int, error) {
	if err := checkArea(area); err != nil {
		return 0, err
	}
	s.mu.Lock()
	if err := s.checkReadyLocked(); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	now := storage.NowMillis()
	var events []storage.ChangeEvent
	for _, key := range keys {
		rec := s.liveRecordLocked(area, key)
		if rec == nil {
			continue
		}
		delete(s.areas[area], key)
		s.used -= rec.meta.Size
		events = append(events, storage.ChangeEvent{
			Type:      storage.ChangeRemove,
			Area:      area,
			Key:       key,
			Timestamp: now,
		})
	}
	s.mu.Unlock()

	s.notifier.Publish(events)
	return len(events), nil
}

// Keys implements storage.Provider.
func (s *Store) Keys(ctx context.Context, area storage.Area) ([]string, error) {
	if err := checkArea(area); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReadyLocked(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(s.areas[area]))
	for key := range s.areas[area] {
		if s.liveRecordLocked(area, key) != nil {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Entries implements storage.Provider.
func (s *Store) Entries(ctx context.Context, area storage.Area) ([]storage.Entry, error) {
	if err := checkArea(area); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReadyLocked(); err != nil {
		return nil, err
	}
	return s.entriesLocked(area)
}

func (s *Store) entriesLocked(area storage.Area) ([]storage.Entry, error) {
	keys := make([]string, 0, len(s.areas[area]))
	for key := range s.areas[area] {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	entries := make([]storage.Entry, 0, len(keys))
	for _, key := range keys {
		rec := s.liveRecordLocked(area, key)
		if rec == nil {
			continue
		}
		value, err := storage.DecodeValue(rec.data)
		if err != nil {
			return nil, err
		}
		entries = append(entries, storage.Entry{Key: key, Value: value, Metadata: rec.meta})
	}
	return entries, nil
}

// Query implements storage.Provider using the shared evaluator.
func (s *Store) Query(ctx context.Context, area storage.Area, opts storage.QueryOptions) (*storage.QueryResult, error) {
	entries, err := s.Entries(ctx, area)
	if err != nil {
		return nil, err
	}
	return storage.EvaluateQuery(entries, opts), nil
}

// Count implements storage.Provider.
func (s *Store) Count(ctx context.Context, area storage.Area) (int, error) {
	keys, err := s.Keys(ctx, area)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Clear implements storage.Provider.
func (s *Store) Clear(ctx context.Context, area storage.Area) error {
	if err := checkArea(area); err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.checkReadyLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	for _, rec := range s.areas[area] {
		s.used -= rec.meta.Size
	}
	s.areas[area] = make(map[string]*record)
	s.mu.Unlock()

	s.notifier.Publish([]storage.ChangeEvent{{
		Type:      storage.ChangeClear,
		Area:      area,
		Timestamp: storage.NowMillis(),
	}})
	return nil
}

// ClearAll implements storage.Provider, emitting a single batch with one
// clear event per area.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	if err := s.checkReadyLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	now := storage.NowMillis()
	events := make([]storage.ChangeEvent, 0, len(s.areas))
	for _, area := range storage.AllAreas() {
		s.areas[area] = make(map[string]*record)
		events = append(events, storage.ChangeEvent{
			Type:      storage.ChangeClear,
			Area:      area,
			Timestamp: now,
		})
	}
	s.used = 0
	s.mu.Unlock()

	s.notifier.Publish(events)
	return nil
}

// Transaction implements storage.Provider. The volatile backend takes a
// full snapshot up front and restores it when any operation fails, so a
// failed transaction leaves no partial state. Records are never mutated in
// place, which makes the shallow map copy a correct snapshot.
func (s *Store) Transaction(ctx context.Context, ops []storage.TxOp) (*storage.TransactionResult, error) {
	s.mu.Lock()
	if err := s.checkReadyLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	snapshot := make(map[storage.Area]map[string]*record, len(s.areas))
	for area, records := range s.areas {
		clone := make(map[string]*record, len(records))
		for key, rec := range records {
			clone[key] = rec
		}
		snapshot[area] = clone
	}
	usedBefore := s.used

	result := &storage.TransactionResult{
		Success: true,
		Results: make([]storage.TxOpResult, len(ops)),
	}
	var events []storage.ChangeEvent
	now := storage.NowMillis()

	for i, op := range ops {
		if !result.Success {
			result.Results[i] = storage.TxOpResult{Error: "skipped: transaction aborted"}
			continue
		}
		var err error
		switch op.Type {
		case storage.TxSet:
			opts := storage.SetOptions{}
			if op.Options != nil {
				opts = *op.Options
			}
			var event storage.ChangeEvent
			if err = checkArea(op.Area); err == nil {
				event, err = s.setLocked(op.Area, op.Key, op.Value, opts)
			}
			if err == nil {
				events = append(events, event)
			}
		case storage.TxRemove:
			if err = checkArea(op.Area); err == nil {
				if rec := s.liveRecordLocked(op.Area, op.Key); rec != nil {
					delete(s.areas[op.Area], op.Key)
					s.used -= rec.meta.Size
					events = append(events, storage.ChangeEvent{
						Type: storage.ChangeRemove, Area: op.Area, Key: op.Key, Timestamp: now,
					})
				}
			}
		case storage.TxClear:
			if err = checkArea(op.Area); err == nil {
				for _, rec := range s.areas[op.Area] {
					s.used -= rec.meta.Size
				}
				s.areas[op.Area] = make(map[string]*record)
				events = append(events, storage.ChangeEvent{
					Type: storage.ChangeClear, Area: op.Area, Timestamp: now,
				})
			}
		default:
			err = fmt.Errorf("%w: unknown transaction op %q", storage.ErrValidationFailed, op.Type)
		}

		if err != nil {
			result.Success = false
			result.Results[i] = storage.TxOpResult{Error: err.Error()}
			continue
		}
		result.Results[i] = storage.TxOpResult{Success: true}
		result.CompletedCount++
	}

	if !result.Success {
		s.areas = snapshot
		s.used = usedBefore
		s.mu.Unlock()
		s.logger.WithField("ops", len(ops)).Warn("transaction rolled back")
		return result, nil
	}
	s.mu.Unlock()

	s.notifier.Publish(events)
	return result, nil
}

// Quota implements storage.Provider.
func (s *Store) Quota(ctx context.Context) (*storage.QuotaInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReadyLocked(); err != nil {
		return nil, err
	}
	return &storage.QuotaInfo{Used: s.used, Limit: s.opts.QuotaBytes}, nil
}

// Stats implements storage.Provider.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReadyLocked(); err != nil {
		return nil, err
	}
	stats := &storage.Stats{
		Backend:    s.Name(),
		AreaCounts: make(map[storage.Area]int, len(s.areas)),
		BytesUsed:  s.used,
	}
	for area := range s.areas {
		count := 0
		for key := range s.areas[area] {
			if s.liveRecordLocked(area, key) != nil {
				count++
			}
		}
		stats.AreaCounts[area] = count
		stats.EntryCount += count
	}
	return stats, nil
}

// Subscribe implements storage.Provider.
func (s *Store) Subscribe(listener storage.ChangeListener, areas ...storage.Area) func() {
	return s.notifier.Subscribe(listener, areas...)
}

// Export implements storage.Provider.
func (s *Store) Export(ctx context.Context, areas ...storage.Area) (*storage.Snapshot, error) {
	return storage.ExportAreas(ctx, s, areas...)
}

// Import implements storage.Provider.
func (s *Store) Import(ctx context.Context, snap *storage.Snapshot, merge bool) (*storage.ImportResult, error) {
	return storage.ImportSnapshot(ctx, s, snap, merge)
}

func (s *Store) sweepLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep drops expired entries and publishes their removal as one batch so
// cache layers above can invalidate.
func (s *Store) sweep() {
	now := storage.NowMillis()
	var events []storage.ChangeEvent

	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return
	}
	for area, records := range s.areas {
		for key, rec := range records {
			if rec.expiresAt > 0 && rec.expiresAt <= now {
				delete(records, key)
				s.used -= rec.meta.Size
				events = append(events, storage.ChangeEvent{
					Type: storage.ChangeRemove, Area: area, Key: key, Timestamp: now,
				})
			}
		}
	}
	s.mu.Unlock()

	if len(events) > 0 {
		s.logger.WithField("expired", len(events)).Debug("expiry sweep")
		s.notifier.Publish(events)
	}
}
