// Package redisstore implements the small-quota storage backend on top of
// Redis. It mirrors a byte-limited platform key/value store: every entry is
// namespaced as namespace:area:key, writes are checked against per-item and
// total byte limits before they are applied, and an optional fallback
// provider (typically the volatile backend) takes over transparently when
// the server is unreachable.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/stepcast/stepcast/pkg/observability"
	"github.com/stepcast/stepcast/pkg/storage"
)

// Options configures the Redis backend.
type Options struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int

	Namespace string

	// MaxItemBytes caps the encoded size of a single value; MaxTotalBytes
	// caps the sum of all stored value sizes. Zero means unlimited.
	MaxItemBytes  int64
	MaxTotalBytes int64

	// Fallback serves all operations when the Redis server is unavailable
	// at Initialize time.
	Fallback storage.Provider

	Logger *observability.Logger
}

// envelope is the stored JSON wrapper: the canonical value bytes plus the
// entry metadata.
type envelope struct {
	Value    json.RawMessage  `json:"value"`
	Metadata storage.Metadata `json:"metadata"`
}

// Store is the small-quota backend.
type Store struct {
	opts     Options
	logger   *observability.Logger
	notifier *storage.Notifier

	mu             sync.Mutex
	client         *redis.Client
	fallback       storage.Provider
	fallbackActive bool
	initialized    bool
}

var _ storage.Provider = (*Store)(nil)

// New creates an uninitialized Redis backend.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Store{
		opts:     opts,
		logger:   logger.WithField("backend", "redis"),
		notifier: storage.NewNotifier(),
		fallback: opts.Fallback,
	}
}

// Probe checks whether a Redis server is reachable at the configured URL.
// The manager consumes this during backend selection.
func Probe(ctx context.Context, opts Options) storage.Probe {
	client, err := newClient(opts)
	if err != nil {
		return storage.Probe{Reason: err.Error()}
	}
	defer client.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return storage.Probe{Reason: fmt.Sprintf("ping failed: %v", err)}
	}
	return storage.Probe{Available: true}
}

func newClient(opts Options) (*redis.Client, error) {
	parsed, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if opts.Password != "" {
		parsed.Password = opts.Password
	}
	if opts.DB >= 0 {
		parsed.DB = opts.DB
	}
	if opts.MaxRetries > 0 {
		parsed.MaxRetries = opts.MaxRetries
	}
	if opts.PoolSize > 0 {
		parsed.PoolSize = opts.PoolSize
	}
	parsed.DialTimeout = 5 * time.Second
	parsed.ReadTimeout = 3 * time.Second
	parsed.WriteTimeout = 3 * time.Second
	parsed.PoolTimeout = 4 * time.Second

	return redis.NewClient(parsed), nil
}

// Initialize connects to Redis, switching to the fallback provider when the
// server is unreachable. Without a fallback an unreachable server fails
// with ErrBackendUnavailable.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}

	client, err := newClient(s.opts)
	if err == nil {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
	}

	if err != nil {
		if s.fallback == nil {
			return fmt.Errorf("%w: redis: %v", storage.ErrBackendUnavailable, err)
		}
		if err := s.fallback.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize fallback: %w", err)
		}
		// Bridge fallback events so this provider's subscribers see them.
		s.fallback.Subscribe(func(events []storage.ChangeEvent) {
			s.notifier.Publish(events)
		})
		s.fallbackActive = true
		s.initialized = true
		s.logger.WithField("reason", err.Error()).Warn("redis unavailable, using fallback provider")
		return nil
	}

	s.client = client
	s.initialized = true
	s.logger.Debug("redis backend initialized")
	return nil
}

// Close releases the Redis connection (or the fallback).
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil
	}
	s.initialized = false
	if s.fallbackActive {
		s.fallbackActive = false
		return s.fallback.Close()
	}
	return s.client.Close()
}

// Name implements storage.Provider.
func (s *Store) Name() string { return "redis" }

// Ready implements storage.Provider.
func (s *Store) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// FallbackActive reports whether operations are being served by the
// fallback provider instead of Redis.
func (s *Store) FallbackActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallbackActive
}

// delegate returns the fallback provider when it is active, nil otherwise.
// Callers must have verified the store is initialized.
func (s *Store) delegate() storage.Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fallbackActive {
		return s.fallback
	}
	return nil
}

func (s *Store) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return storage.ErrNotInitialized
	}
	return nil
}

func (s *Store) entryKey(area storage.Area, key string) string {
	return fmt.Sprintf("%s:%s:%s", s.opts.Namespace, area, key)
}

func (s *Store) areaPrefix(area storage.Area) string {
	return fmt.Sprintf("%s:%s:", s.opts.Namespace, area)
}

func (s *Store) usageKey() string {
	return s.opts.Namespace + ":usage"
}

func checkArea(area storage.Area) error {
	if !area.Valid() {
		return fmt.Errorf("%w: unknown area %q", storage.ErrValidationFailed, area)
	}
	return nil
}

// loadEnvelope fetches and decodes an entry, returning nil without error on
// a miss. Corrupt entries are deleted, matching a cache-style recovery.
func (s *Store) loadEnvelope(ctx context.Context, area storage.Area, key string) (*envelope, error) {
	data, err := s.client.Get(ctx, s.entryKey(area, key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.client.Del(ctx, s.entryKey(area, key))
		return nil, fmt.Errorf("corrupt entry %s:%s: %w", area, key, err)
	}
	return &env, nil
}

func (s *Store) usedBytes(ctx context.Context) (int64, error) {
	used, err := s.client.Get(ctx, s.usageKey()).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis usage read failed: %w", err)
	}
	return used, nil
}

// storeEnvelope writes one entry, enforcing both byte limits before the
// write so the store is unchanged on a quota failure. It returns the change
// event and the usage delta applied.
func (s *Store) storeEnvelope(ctx context.Context, area storage.Area, key string, value storage.Value, opts storage.SetOptions) (storage.ChangeEvent, int64, error) {
	valueData, err := storage.EncodeValue(value)
	if err != nil {
		return storage.ChangeEvent{}, 0, err
	}
	size := int64(len(valueData))
	if s.opts.MaxItemBytes > 0 && size > s.opts.MaxItemBytes {
		return storage.ChangeEvent{}, 0, fmt.Errorf("%w: item size %d exceeds per-item limit %d",
			storage.ErrQuotaExceeded, size, s.opts.MaxItemBytes)
	}

	prev, err := s.loadEnvelope(ctx, area, key)
	if err != nil {
		return storage.ChangeEvent{}, 0, err
	}
	var prevSize int64
	if prev != nil {
		prevSize = prev.Metadata.Size
	}

	if s.opts.MaxTotalBytes > 0 {
		used, err := s.usedBytes(ctx)
		if err != nil {
			return storage.ChangeEvent{}, 0, err
		}
		if used-prevSize+size > s.opts.MaxTotalBytes {
			return storage.ChangeEvent{}, 0, fmt.Errorf("%w: projected %d bytes exceeds quota %d",
				storage.ErrQuotaExceeded, used-prevSize+size, s.opts.MaxTotalBytes)
		}
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
		meta.CreatedAt = prev.Metadata.CreatedAt
		meta.Version = prev.Metadata.Version + 1
	}

	data, err := json.Marshal(envelope{Value: valueData, Metadata: meta})
	if err != nil {
		return storage.ChangeEvent{}, 0, fmt.Errorf("marshal envelope: %w", err)
	}
	if err := s.client.Set(ctx, s.entryKey(area, key), data, 0).Err(); err != nil {
		return storage.ChangeEvent{}, 0, fmt.Errorf("redis set failed: %w", err)
	}

	delta := size - prevSize
	if delta != 0 {
		if err := s.client.IncrBy(ctx, s.usageKey(), delta).Err(); err != nil {
			return storage.ChangeEvent{}, 0, fmt.Errorf("redis usage update failed: %w", err)
		}
	}

	copied, err := storage.DecodeValue(valueData)
	if err != nil {
		return storage.ChangeEvent{}, 0, err
	}
	return storage.ChangeEvent{
		Type:      storage.ChangeSet,
		Area:      area,
		Key:       key,
		Value:     copied,
		Timestamp: now,
	}, delta, nil
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
	if err := s.ready(); err != nil {
		return nil, err
	}
	if fb := s.delegate(); fb != nil {
		return fb.GetWithMetadata(ctx, area, key)
	}

	env, err := s.loadEnvelope(ctx, area, key)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, fmt.Errorf("%w: %s:%s", storage.ErrNotFound, area, key)
	}
	value, err := storage.DecodeValue(env.Value)
	if err != nil {
		return nil, err
	}
	return &storage.Entry{Key: key, Value: value, Metadata: env.Metadata}, nil
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
	if err := s.ready(); err != nil {
		return err
	}
	if fb := s.delegate(); fb != nil {
		return fb.SetWithOptions(ctx, area, key, value, opts)
	}

	event, _, err := s.storeEnvelope(ctx, area, key, value, opts)
	if err != nil {
		return err
	}
	s.notifier.Publish([]storage.ChangeEvent{event})
	return nil
}

// Remove implements storage.Provider.
func (s *Store) Remove(ctx context.Context, area storage.Area, key string) (bool, error) {
	if err := checkArea(area); err != nil {
		return false, err
	}
	if err := s.ready(); err != nil {
		return false, err
	}
	if fb := s.delegate(); fb != nil {
		return fb.Remove(ctx, area, key)
	}

	env, err := s.loadEnvelope(ctx, area, key)
	if err != nil {
		return false, err
	}
	if env == nil {
		return false, nil
	}
	if err := s.client.Del(ctx, s.entryKey(area, key)).Err(); err != nil {
		return false, fmt.Errorf("redis del failed: %w", err)
	}
	if env.Metadata.Size > 0 {
		if err := s.client.DecrBy(ctx, s.usageKey(), env.Metadata.Size).Err(); err != nil {
			s.logger.WithError(err).Warn("usage counter decrement failed")
		}
	}

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
	if err := s.ready(); err != nil {
		return false, err
	}
	if fb := s.delegate(); fb != nil {
		return fb.Has(ctx, area, key)
	}
	n, err := s.client.Exists(ctx, s.entryKey(area, key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w", err)
	}
	return n > 0, nil
}

// GetMany implements storage.Provider. Absent keys are omitted.
func (s *Store) GetMany(ctx context.Context, area storage.Area, keys []string) (map[string]storage.Value, error) {
	if err := checkArea(area); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	if fb := s.delegate(); fb != nil {
		return fb.GetMany(ctx, area, keys)
	}

	result := make(map[string]storage.Value, len(keys))
	for _, key := range keys {
		env, err := s.loadEnvelope(ctx, area, key)
		if err != nil {
			return nil, err
		}
		if env == nil {
			continue
		}
		value, err := storage.DecodeValue(env.Value)
		if err != nil {
			return nil, err
		}
		result[key] = value
	}
	return result, nil
}

// SetMany implements storage.Provider. Limits are checked per write; a
// failed write aborts the batch with earlier writes kept (best-effort, as
// the platform store offers no batch atomicity).
func (s *Store) SetMany(ctx context.Context, area storage.Area, values map[string]storage.Value) error {
	if err := checkArea(area); err != nil {
		return err
	}
	if err := s.ready(); err != nil {
		return err
	}
	if fb := s.delegate(); fb != nil {
		return fb.SetMany(ctx, area, values)
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	events := make([]storage.ChangeEvent, 0, len(keys))
	for _, key := range keys {
		event, _, err := s.storeEnvelope(ctx, area, key, values[key], storage.SetOptions{})
		if err != nil {
			s.notifier.Publish(events)
			return fmt.Errorf("key %q: %w", key, err)
		}
		events = append(events, event)
	}
	s.notifier.Publish(events)
	return nil
}

// RemoveMany implements storage.Provider.
func (s *Store) RemoveMany(ctx context.Context, area storage.Area, keys []string) (int, error) {
	if err := checkArea(area); err != nil {
		return 0, err
	}
	if err := s.ready(); err != nil {
		return 0, err
	}
	if fb := s.delegate(); fb != nil {
		return fb.RemoveMany(ctx, area, keys)
	}

	now := storage.NowMillis()
	var events []storage.ChangeEvent
	for _, key := range keys {
		env, err := s.loadEnvelope(ctx, area, key)
		if err != nil {
			return len(events), err
		}
		if env == nil {
			continue
		}
		if err := s.client.Del(ctx, s.entryKey(area, key)).Err(); err != nil {
			return len(events), fmt.Errorf("redis del failed: %w", err)
		}
		if env.Metadata.Size > 0 {
			if err := s.client.DecrBy(ctx, s.usageKey(), env.Metadata.Size).Err(); err != nil {
				s.logger.WithError(err).Warn("usage counter decrement failed")
			}
		}
		events = append(events, storage.ChangeEvent{
			Type: storage.ChangeRemove, Area: area, Key: key, Timestamp: now,
		})
	}
	s.notifier.Publish(events)
	return len(events), nil
}

// scanKeys lists the member keys of an area via SCAN.
func (s *Store) scanKeys(ctx context.Context, area storage.Area) ([]string, error) {
	prefix := s.areaPrefix(area)
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Keys implements storage.Provider.
func (s *Store) Keys(ctx context.Context, area storage.Area) ([]string, error) {
	if err := checkArea(area); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	if fb := s.delegate(); fb != nil {
		return fb.Keys(ctx, area)
	}
	return s.scanKeys(ctx, area)
}

// Entries implements storage.Provider.
func (s *Store) Entries(ctx context.Context, area storage.Area) ([]storage.Entry, error) {
	if err := checkArea(area); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	if fb := s.delegate(); fb != nil {
		return fb.Entries(ctx, area)
	}

	keys, err := s.scanKeys(ctx, area)
	if err != nil {
		return nil, err
	}
	entries := make([]storage.Entry, 0, len(keys))
	for _, key := range keys {
		env, err := s.loadEnvelope(ctx, area, key)
		if err != nil {
			return nil, err
		}
		if env == nil {
			continue
		}
		value, err := storage.DecodeValue(env.Value)
		if err != nil {
			return nil, err
		}
		entries = append(entries, storage.Entry{Key: key, Value: value, Metadata: env.Metadata})
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
	if err := s.ready(); err != nil {
		return err
	}
	if fb := s.delegate(); fb != nil {
		return fb.Clear(ctx, area)
	}

	if err := s.clearArea(ctx, area); err != nil {
		return err
	}
	s.notifier.Publish([]storage.ChangeEvent{{
		Type: storage.ChangeClear, Area: area, Timestamp: storage.NowMillis(),
	}})
	return nil
}

func (s *Store) clearArea(ctx context.Context, area storage.Area) error {
	keys, err := s.scanKeys(ctx, area)
	if err != nil {
		return err
	}
	var reclaimed int64
	for _, key := range keys {
		env, err := s.loadEnvelope(ctx, area, key)
		if err != nil {
			return err
		}
		if env != nil {
			reclaimed += env.Metadata.Size
		}
		if err := s.client.Del(ctx, s.entryKey(area, key)).Err(); err != nil {
			return fmt.Errorf("redis del failed: %w", err)
		}
	}
	if reclaimed > 0 {
		if err := s.client.DecrBy(ctx, s.usageKey(), reclaimed).Err(); err != nil {
			s.logger.WithError(err).Warn("usage counter decrement failed")
		}
	}
	return nil
}

// ClearAll implements storage.Provider.
func (s *Store) ClearAll(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	if fb := s.delegate(); fb != nil {
		return fb.ClearAll(ctx)
	}

	now := storage.NowMillis()
	events := make([]storage.ChangeEvent, 0, len(storage.AllAreas()))
	for _, area := range storage.AllAreas() {
		if err := s.clearArea(ctx, area); err != nil {
			return err
		}
		events = append(events, storage.ChangeEvent{
			Type: storage.ChangeClear, Area: area, Timestamp: now,
		})
	}
	s.client.Set(ctx, s.usageKey(), 0, 0)
	s.notifier.Publish(events)
	return nil
}

// undoRecord captures state needed to reverse an applied transaction op.
type undoRecord struct {
	area    storage.Area
	entries map[string]*envelope // nil envelope = key was absent
}

// Transaction implements storage.Provider. Redis offers no multi-key
// rollback for this access pattern, so ops apply sequentially; on failure,
// already-applied ops are undone best-effort in reverse order. Isolation is
// not guaranteed.
func (s *Store) Transaction(ctx context.Context, ops []storage.TxOp) (*storage.TransactionResult, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if fb := s.delegate(); fb != nil {
		return fb.Transaction(ctx, ops)
	}

	result := &storage.TransactionResult{
		Success: true,
		Results: make([]storage.TxOpResult, len(ops)),
	}
	var undo []undoRecord
	var events []storage.ChangeEvent
	now := storage.NowMillis()

	for i, op := range ops {
		if !result.Success {
			result.Results[i] = storage.TxOpResult{Error: "skipped: transaction aborted"}
			continue
		}
		err := checkArea(op.Area)
		if err == nil {
			switch op.Type {
			case storage.TxSet:
				var prev *envelope
				prev, err = s.loadEnvelope(ctx, op.Area, op.Key)
				if err == nil {
					opts := storage.SetOptions{}
					if op.Options != nil {
						opts = *op.Options
					}
					var event storage.ChangeEvent
					event, _, err = s.storeEnvelope(ctx, op.Area, op.Key, op.Value, opts)
					if err == nil {
						undo = append(undo, undoRecord{
							area:    op.Area,
							entries: map[string]*envelope{op.Key: prev},
						})
						events = append(events, event)
					}
				}
			case storage.TxRemove:
				var prev *envelope
				prev, err = s.loadEnvelope(ctx, op.Area, op.Key)
				if err == nil && prev != nil {
					err = s.client.Del(ctx, s.entryKey(op.Area, op.Key)).Err()
					if err == nil {
						s.client.DecrBy(ctx, s.usageKey(), prev.Metadata.Size)
						undo = append(undo, undoRecord{
							area:    op.Area,
							entries: map[string]*envelope{op.Key: prev},
						})
						events = append(events, storage.ChangeEvent{
							Type: storage.ChangeRemove, Area: op.Area, Key: op.Key, Timestamp: now,
						})
					}
				}
			case storage.TxClear:
				var keys []string
				keys, err = s.scanKeys(ctx, op.Area)
				if err == nil {
					prevEntries := make(map[string]*envelope, len(keys))
					for _, key := range keys {
						var prev *envelope
						prev, err = s.loadEnvelope(ctx, op.Area, key)
						if err != nil {
							break
						}
						prevEntries[key] = prev
					}
					if err == nil {
						err = s.clearArea(ctx, op.Area)
					}
					if err == nil {
						undo = append(undo, undoRecord{area: op.Area, entries: prevEntries})
						events = append(events, storage.ChangeEvent{
							Type: storage.ChangeClear, Area: op.Area, Timestamp: now,
						})
					}
				}
			default:
				err = fmt.Errorf("%w: unknown transaction op %q", storage.ErrValidationFailed, op.Type)
			}
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
		s.rollback(ctx, undo)
		s.logger.WithField("ops", len(ops)).Warn("transaction rolled back")
		return result, nil
	}
	s.notifier.Publish(events)
	return result, nil
}

// rollback restores the pre-transaction state of applied ops, newest first.
func (s *Store) rollback(ctx context.Context, undo []undoRecord) {
	for i := len(undo) - 1; i >= 0; i-- {
		rec := undo[i]
		for key, prev := range rec.entries {
			cur, err := s.loadEnvelope(ctx, rec.area, key)
			if err != nil {
				continue
			}
			var curSize int64
			if cur != nil {
				curSize = cur.Metadata.Size
			}
			if prev == nil {
				if cur != nil {
					s.client.Del(ctx, s.entryKey(rec.area, key))
					s.client.DecrBy(ctx, s.usageKey(), curSize)
				}
				continue
			}
			data, err := json.Marshal(prev)
			if err != nil {
				continue
			}
			if err := s.client.Set(ctx, s.entryKey(rec.area, key), data, 0).Err(); err != nil {
				s.logger.WithError(err).Warn("rollback restore failed")
				continue
			}
			if delta := prev.Metadata.Size - curSize; delta != 0 {
				s.client.IncrBy(ctx, s.usageKey(), delta)
			}
		}
	}
}

// Quota implements storage.Provider.
func (s *Store) Quota(ctx context.Context) (*storage.QuotaInfo, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if fb := s.delegate(); fb != nil {
		return fb.Quota(ctx)
	}
	used, err := s.usedBytes(ctx)
	if err != nil {
		return nil, err
	}
	return &storage.QuotaInfo{
		Used:         used,
		Limit:        s.opts.MaxTotalBytes,
		PerItemLimit: s.opts.MaxItemBytes,
	}, nil
}

// Stats implements storage.Provider.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if fb := s.delegate(); fb != nil {
		stats, err := fb.Stats(ctx)
		if err != nil {
			return nil, err
		}
		stats.Backend = s.Name()
		stats.FallbackActive = true
		return stats, nil
	}

	stats := &storage.Stats{
		Backend:    s.Name(),
		AreaCounts: make(map[storage.Area]int),
	}
	for _, area := range storage.AllAreas() {
		keys, err := s.scanKeys(ctx, area)
		if err != nil {
			return nil, err
		}
		stats.AreaCounts[area] = len(keys)
		stats.EntryCount += len(keys)
	}
	used, err := s.usedBytes(ctx)
	if err != nil {
		return nil, err
	}
	stats.BytesUsed = used
	return stats, nil
}

// Subscribe implements storage.Provider. Fallback events are bridged into
// this notifier at Initialize, so subscribers see changes regardless of
// which provider serves them.
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
