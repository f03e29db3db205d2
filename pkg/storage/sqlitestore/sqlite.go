// Package sqlitestore implements the large-capacity indexed storage backend
// on SQLite. Entries live in a single table keyed by (area, key) with
// secondary indexes on creation and update time, so time-bounded queries
// can be satisfied by the database; everything else goes through the shared
// in-memory evaluator. Like the Redis backend it accepts an optional
// fallback provider used when the database cannot be opened.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/stepcast/stepcast/pkg/observability"
	"github.com/stepcast/stepcast/pkg/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	area         TEXT    NOT NULL,
	key          TEXT    NOT NULL,
	value        TEXT    NOT NULL,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	version      INTEGER NOT NULL DEFAULT 1,
	size         INTEGER NOT NULL DEFAULT 0,
	content_type TEXT    NOT NULL DEFAULT '',
	tags         TEXT    NOT NULL DEFAULT '[]',
	PRIMARY KEY (area, key)
);

CREATE INDEX IF NOT EXISTS idx_entries_area_created ON entries(area, created_at);
CREATE INDEX IF NOT EXISTS idx_entries_area_updated ON entries(area, updated_at);
`

// Options configures the SQLite backend.
type Options struct {
	// Path is the database file, or a DSN such as
	// "file:test?mode=memory&cache=shared".
	Path string

	// Fallback serves all operations when the database cannot be opened.
	Fallback storage.Provider

	Logger *observability.Logger
}

// Store is the indexed backend.
type Store struct {
	opts     Options
	logger   *observability.Logger
	notifier *storage.Notifier

	mu             sync.Mutex
	db             *sql.DB
	fallback       storage.Provider
	fallbackActive bool
	initialized    bool
}

var _ storage.Provider = (*Store)(nil)

// New creates an uninitialized SQLite backend.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Store{
		opts:     opts,
		logger:   logger.WithField("backend", "sqlite"),
		notifier: storage.NewNotifier(),
		fallback: opts.Fallback,
	}
}

// Probe checks whether a SQLite database can be opened at the configured
// path. The manager consumes this during backend selection.
func Probe(ctx context.Context, path string) storage.Probe {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return storage.Probe{Reason: err.Error()}
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return storage.Probe{Reason: fmt.Sprintf("ping failed: %v", err)}
	}
	return storage.Probe{Available: true}
}

// Initialize opens the database and creates the schema, switching to the
// fallback provider when the database is unavailable.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}

	db, err := sql.Open("sqlite3", s.opts.Path)
	if err == nil {
		// The sqlite3 driver serializes writes; a single connection avoids
		// table-lock errors under concurrent use.
		db.SetMaxOpenConns(1)
		err = db.PingContext(ctx)
		if err == nil {
			_, err = db.ExecContext(ctx, schema)
		}
	}

	if err != nil {
		if db != nil {
			db.Close()
		}
		if s.fallback == nil {
			return fmt.Errorf("%w: sqlite: %v", storage.ErrBackendUnavailable, err)
		}
		if err := s.fallback.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize fallback: %w", err)
		}
		s.fallback.Subscribe(func(events []storage.ChangeEvent) {
			s.notifier.Publish(events)
		})
		s.fallbackActive = true
		s.initialized = true
		s.logger.WithField("reason", err.Error()).Warn("sqlite unavailable, using fallback provider")
		return nil
	}

	s.db = db
	s.initialized = true
	s.logger.WithField("path", s.opts.Path).Debug("sqlite backend initialized")
	return nil
}

// Close releases the database (or the fallback).
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
	return s.db.Close()
}

// Name implements storage.Provider.
func (s *Store) Name() string { return "sqlite" }

// Ready implements storage.Provider.
func (s *Store) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// FallbackActive reports whether operations are served by the fallback.
func (s *Store) FallbackActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fallbackActive
}

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

func checkArea(area storage.Area) error {
	if !area.Valid() {
		return fmt.Errorf("%w: unknown area %q", storage.ErrValidationFailed, area)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx so row helpers work
// inside and outside transactions.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func scanEntry(key string, value string, meta *storage.Metadata, tagsJSON string) (storage.Entry, error) {
	v, err := storage.DecodeValue([]byte(value))
	if err != nil {
		return storage.Entry{}, err
	}
	if tagsJSON != "" && tagsJSON != "[]" {
		if err := json.Unmarshal([]byte(tagsJSON), &meta.Tags); err != nil {
			return storage.Entry{}, fmt.Errorf("decode tags for %q: %w", key, err)
		}
	}
	return storage.Entry{Key: key, Value: v, Metadata: *meta}, nil
}

func (s *Store) loadEntry(ctx context.Context, q querier, area storage.Area, key string) (*storage.Entry, error) {
	row := q.QueryRowContext(ctx,
		`SELECT value, created_at, updated_at, version, size, content_type, tags
		 FROM entries WHERE area = ? AND key = ?`, string(area), key)

	var value, tagsJSON string
	var meta storage.Metadata
	err := row.Scan(&value, &meta.CreatedAt, &meta.UpdatedAt, &meta.Version, &meta.Size, &meta.ContentType, &tagsJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite select failed: %w", err)
	}
	entry, err := scanEntry(key, value, &meta, tagsJSON)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// storeRow upserts one entry and returns its change event.
func (s *Store) storeRow(ctx context.Context, q querier, area storage.Area, key string, value storage.Value, opts storage.SetOptions) (storage.ChangeEvent, error) {
	data, err := storage.EncodeValue(value)
	if err != nil {
		return storage.ChangeEvent{}, err
	}
	size := int64(len(data))

	prev, err := s.loadEntry(ctx, q, area, key)
	if err != nil {
		return storage.ChangeEvent{}, err
	}

	now := storage.NowMillis()
	createdAt, version := now, int64(1)
	if prev != nil {
		createdAt = prev.Metadata.CreatedAt
		version = prev.Metadata.Version + 1
	}

	tagsJSON := "[]"
	if len(opts.Tags) > 0 {
		raw, err := json.Marshal(opts.Tags)
		if err != nil {
			return storage.ChangeEvent{}, fmt.Errorf("encode tags: %w", err)
		}
		tagsJSON = string(raw)
	}

	_, err = q.ExecContext(ctx,
		`INSERT OR REPLACE INTO entries
		 (area, key, value, created_at, updated_at, version, size, content_type, tags)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(area), key, string(data), createdAt, now, version, size, opts.ContentType, tagsJSON)
	if err != nil {
		return storage.ChangeEvent{}, fmt.Errorf("sqlite upsert failed: %w", err)
	}

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
	if err := s.ready(); err != nil {
		return nil, err
	}
	if fb := s.delegate(); fb != nil {
		return fb.GetWithMetadata(ctx, area, key)
	}

	entry, err := s.loadEntry(ctx, s.db, area, key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: %s:%s", storage.ErrNotFound, area, key)
	}
	return entry, nil
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

	event, err := s.storeRow(ctx, s.db, area, key, value, opts)
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

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM entries WHERE area = ? AND key = ?`, string(area), key)
	if err != nil {
		return false, fmt.Errorf("sqlite delete failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
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

	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM entries WHERE area = ? AND key = ?`, string(area), key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite select failed: %w", err)
	}
	return true, nil
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
		entry, err := s.loadEntry(ctx, s.db, area, key)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			continue
		}
		result[key] = entry.Value
	}
	return result, nil
}

// SetMany implements storage.Provider. The batch runs inside a native
// transaction, so it is all-or-nothing on this backend.
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	events := make([]storage.ChangeEvent, 0, len(values))
	for key, value := range values {
		event, err := s.storeRow(ctx, tx, area, key, value, storage.SetOptions{})
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("key %q: %w", key, err)
		}
		events = append(events, event)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	now := storage.NowMillis()
	var events []storage.ChangeEvent
	for _, key := range keys {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM entries WHERE area = ? AND key = ?`, string(area), key)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("sqlite delete failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			events = append(events, storage.ChangeEvent{
				Type: storage.ChangeRemove, Area: area, Key: key, Timestamp: now,
			})
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	s.notifier.Publish(events)
	return len(events), nil
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

	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM entries WHERE area = ? ORDER BY key`, string(area))
	if err != nil {
		return nil, fmt.Errorf("sqlite select failed: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
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
	return s.selectEntries(ctx,
		`SELECT key, value, created_at, updated_at, version, size, content_type, tags
		 FROM entries WHERE area = ? ORDER BY key`, string(area))
}

func (s *Store) selectEntries(ctx context.Context, query string, args ...interface{}) ([]storage.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite select failed: %w", err)
	}
	defer rows.Close()

	var entries []storage.Entry
	for rows.Next() {
		var key, value, tagsJSON string
		var meta storage.Metadata
		if err := rows.Scan(&key, &value, &meta.CreatedAt, &meta.UpdatedAt, &meta.Version, &meta.Size, &meta.ContentType, &tagsJSON); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entry, err := scanEntry(key, value, &meta, tagsJSON)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// indexable reports whether a query can be answered by the secondary
// indexes alone: no key or tag filters, and a sort the table can order by.
func indexable(opts storage.QueryOptions) bool {
	return opts.Prefix == "" && opts.Suffix == "" && opts.Pattern == "" && len(opts.Tags) == 0
}

func sortColumn(by storage.SortField) string {
	switch by {
	case storage.SortByCreatedAt:
		return "created_at"
	case storage.SortByUpdatedAt:
		return "updated_at"
	case storage.SortBySize:
		return "size"
	default:
		return "key"
	}
}

// Query implements storage.Provider. Time-bounded queries use the SQL
// index path; the ordering matches the shared evaluator exactly (sort
// field, then key ascending as the tiebreaker). Everything else falls back
// to an in-memory scan through the shared evaluator.
func (s *Store) Query(ctx context.Context, area storage.Area, opts storage.QueryOptions) (*storage.QueryResult, error) {
	if err := checkArea(area); err != nil {
		return nil, err
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	if fb := s.delegate(); fb != nil {
		return fb.Query(ctx, area, opts)
	}

	if !indexable(opts) {
		entries, err := s.Entries(ctx, area)
		if err != nil {
			return nil, err
		}
		return storage.EvaluateQuery(entries, opts), nil
	}

	where := "area = ?"
	args := []interface{}{string(area)}
	if opts.CreatedAfter > 0 {
		where += " AND created_at >= ?"
		args = append(args, opts.CreatedAfter)
	}
	if opts.CreatedBefore > 0 {
		where += " AND created_at <= ?"
		args = append(args, opts.CreatedBefore)
	}
	if opts.UpdatedAfter > 0 {
		where += " AND updated_at >= ?"
		args = append(args, opts.UpdatedAfter)
	}
	if opts.UpdatedBefore > 0 {
		where += " AND updated_at <= ?"
		args = append(args, opts.UpdatedBefore)
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entries WHERE "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("sqlite count failed: %w", err)
	}

	order := sortColumn(opts.SortBy)
	if opts.SortOrder == storage.SortDesc {
		order += " DESC"
	}
	query := fmt.Sprintf(
		`SELECT key, value, created_at, updated_at, version, size, content_type, tags
		 FROM entries WHERE %s ORDER BY %s, key`, where, order)

	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	if opts.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, offset)
	} else if offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, offset)
	}

	entries, err := s.selectEntries(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	end := offset + len(entries)
	if end > total {
		end = total
	}
	return &storage.QueryResult{
		Entries:    entries,
		Total:      total,
		HasMore:    end < total,
		NextOffset: end,
	}, nil
}

// Count implements storage.Provider.
func (s *Store) Count(ctx context.Context, area storage.Area) (int, error) {
	if err := checkArea(area); err != nil {
		return 0, err
	}
	if err := s.ready(); err != nil {
		return 0, err
	}
	if fb := s.delegate(); fb != nil {
		return fb.Count(ctx, area)
	}
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entries WHERE area = ?`, string(area)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sqlite count failed: %w", err)
	}
	return count, nil
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

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM entries WHERE area = ?`, string(area)); err != nil {
		return fmt.Errorf("sqlite clear failed: %w", err)
	}
	s.notifier.Publish([]storage.ChangeEvent{{
		Type: storage.ChangeClear, Area: area, Timestamp: storage.NowMillis(),
	}})
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

	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return fmt.Errorf("sqlite clear failed: %w", err)
	}
	now := storage.NowMillis()
	events := make([]storage.ChangeEvent, 0, len(storage.AllAreas()))
	for _, area := range storage.AllAreas() {
		events = append(events, storage.ChangeEvent{
			Type: storage.ChangeClear, Area: area, Timestamp: now,
		})
	}
	s.notifier.Publish(events)
	return nil
}

// Transaction implements storage.Provider. This backend has native
// atomicity: the batch runs in a SQLite transaction and any failure rolls
// back every operation.
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

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
				opts := storage.SetOptions{}
				if op.Options != nil {
					opts = *op.Options
				}
				var event storage.ChangeEvent
				event, err = s.storeRow(ctx, tx, op.Area, op.Key, op.Value, opts)
				if err == nil {
					events = append(events, event)
				}
			case storage.TxRemove:
				var res sql.Result
				res, err = tx.ExecContext(ctx,
					`DELETE FROM entries WHERE area = ? AND key = ?`, string(op.Area), op.Key)
				if err == nil {
					if n, _ := res.RowsAffected(); n > 0 {
						events = append(events, storage.ChangeEvent{
							Type: storage.ChangeRemove, Area: op.Area, Key: op.Key, Timestamp: now,
						})
					}
				}
			case storage.TxClear:
				_, err = tx.ExecContext(ctx,
					`DELETE FROM entries WHERE area = ?`, string(op.Area))
				if err == nil {
					events = append(events, storage.ChangeEvent{
						Type: storage.ChangeClear, Area: op.Area, Timestamp: now,
					})
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
		tx.Rollback()
		s.logger.WithField("ops", len(ops)).Warn("transaction rolled back")
		return result, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	s.notifier.Publish(events)
	return result, nil
}

// Quota implements storage.Provider. The indexed backend imposes no
// configured ceiling; Used reports the sum of stored value sizes.
func (s *Store) Quota(ctx context.Context) (*storage.QuotaInfo, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if fb := s.delegate(); fb != nil {
		return fb.Quota(ctx)
	}
	var used sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(size) FROM entries`).Scan(&used)
	if err != nil {
		return nil, fmt.Errorf("sqlite sum failed: %w", err)
	}
	return &storage.QuotaInfo{Used: used.Int64}, nil
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT area, COUNT(*), COALESCE(SUM(size), 0) FROM entries GROUP BY area`)
	if err != nil {
		return nil, fmt.Errorf("sqlite stats failed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var area string
		var count int
		var bytes int64
		if err := rows.Scan(&area, &count, &bytes); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats.AreaCounts[storage.Area(area)] = count
		stats.EntryCount += count
		stats.BytesUsed += bytes
	}
	return stats, rows.Err()
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
