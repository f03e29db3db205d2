package storage

import (
	"context"
	"time"
)

// Metadata describes a stored entry. Timestamps are epoch milliseconds.
type Metadata struct {
	CreatedAt   int64    `json:"createdAt"`
	UpdatedAt   int64    `json:"updatedAt"`
	Version     int64    `json:"version,omitempty"`
	Size        int64    `json:"size,omitempty"`
	ContentType string   `json:"contentType,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Entry is a stored key/value pair with its metadata. Keys are unique
// within an area.
type Entry struct {
	Key      string   `json:"key"`
	Value    Value    `json:"value"`
	Metadata Metadata `json:"metadata"`
}

// SetOptions carries optional attributes for a write.
type SetOptions struct {
	ContentType string
	Tags        []string
	// TTL applies to backends with expiry support (the memory backend).
	// Zero means no explicit TTL; the backend may still apply an area
	// default (the cache area).
	TTL time.Duration
}

// ChangeType identifies what a change event describes.
type ChangeType string

const (
	ChangeSet    ChangeType = "set"
	ChangeRemove ChangeType = "remove"
	ChangeClear  ChangeType = "clear"
)

// ChangeEvent describes a single mutation. Clear events carry an empty key
// and apply to the whole area.
type ChangeEvent struct {
	Type      ChangeType `json:"type"`
	Area      Area       `json:"area"`
	Key       string     `json:"key,omitempty"`
	Value     Value      `json:"value,omitempty"`
	Timestamp int64      `json:"timestamp"`
}

// ChangeListener receives one batch of events per mutating operation.
type ChangeListener func(events []ChangeEvent)

// SortField selects the ordering of query results.
type SortField string

const (
	SortByKey       SortField = "key"
	SortByCreatedAt SortField = "createdAt"
	SortByUpdatedAt SortField = "updatedAt"
	SortBySize      SortField = "size"
)

// SortOrder is ascending or descending.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// QueryOptions filters, sorts and paginates entries within one area.
// Filters apply in a fixed order — prefix, suffix, pattern, tags, time
// bounds — which is part of the contract so combined filters are
// reproducible across backends.
type QueryOptions struct {
	Prefix  string
	Suffix  string
	Pattern string // glob with * and ?
	Tags    []string

	CreatedAfter  int64
	CreatedBefore int64
	UpdatedAfter  int64
	UpdatedBefore int64

	SortBy    SortField
	SortOrder SortOrder

	Limit  int
	Offset int
}

// QueryResult is one page of entries plus pagination state.
type QueryResult struct {
	Entries    []Entry `json:"entries"`
	Total      int     `json:"total"`
	HasMore    bool    `json:"hasMore"`
	NextOffset int     `json:"nextOffset"`
}

// TxOpType identifies a transaction operation.
type TxOpType string

const (
	TxSet    TxOpType = "set"
	TxRemove TxOpType = "remove"
	TxClear  TxOpType = "clear"
)

// TxOp is one operation inside a Transaction call.
type TxOp struct {
	Type    TxOpType
	Area    Area
	Key     string
	Value   Value
	Options *SetOptions
}

// TxOpResult reports the outcome of a single transaction operation.
type TxOpResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// TransactionResult reports a best-effort transaction. Transactions are not
// serializable: backends without native atomicity report failures per
// operation and attempt a rollback, nothing stronger.
type TransactionResult struct {
	Success        bool         `json:"success"`
	CompletedCount int          `json:"completedCount"`
	Results        []TxOpResult `json:"results"`
}

// QuotaInfo describes configured limits and current usage in bytes. Zero
// limits mean unlimited.
type QuotaInfo struct {
	Used         int64 `json:"used"`
	Limit        int64 `json:"limit"`
	PerItemLimit int64 `json:"perItemLimit,omitempty"`
}

// Stats summarizes a provider's contents for diagnostics.
type Stats struct {
	Backend        string       `json:"backend"`
	EntryCount     int          `json:"entryCount"`
	AreaCounts     map[Area]int `json:"areaCounts"`
	BytesUsed      int64        `json:"bytesUsed"`
	FallbackActive bool         `json:"fallbackActive"`
}

// ImportResult reports what an Import call did.
type ImportResult struct {
	Imported    int      `json:"imported"`
	Overwritten int      `json:"overwritten"`
	Skipped     []string `json:"skipped,omitempty"` // area:key pairs
}

// Probe is the result of a backend capability check, consumed by the
// manager's selection algorithm instead of exceptions-as-control-flow.
type Probe struct {
	Available bool
	Reason    string
}

// Provider is the capability surface every backend implements. All methods
// except Initialize fail with ErrNotInitialized until Initialize has
// succeeded. Every mutating method emits exactly one change-notification
// batch after the mutation is applied.
type Provider interface {
	// Initialize prepares the backend connection. Backends with a fallback
	// provider switch to it here when the native backend is unavailable.
	Initialize(ctx context.Context) error
	// Close releases the backend connection. Safe to call more than once.
	Close() error
	// Name identifies the backend ("memory", "redis", "sqlite").
	Name() string
	// Ready reports whether the provider can serve operations.
	Ready() bool

	Get(ctx context.Context, area Area, key string) (Value, error)
	GetWithMetadata(ctx context.Context, area Area, key string) (*Entry, error)
	Set(ctx context.Context, area Area, key string, value Value) error
	SetWithOptions(ctx context.Context, area Area, key string, value Value, opts SetOptions) error
	// Remove reports whether a live entry existed. Removing an absent key
	// returns false and emits no change event.
	Remove(ctx context.Context, area Area, key string) (bool, error)
	Has(ctx context.Context, area Area, key string) (bool, error)

	GetMany(ctx context.Context, area Area, keys []string) (map[string]Value, error)
	SetMany(ctx context.Context, area Area, values map[string]Value) error
	RemoveMany(ctx context.Context, area Area, keys []string) (int, error)

	// Keys returns all live keys in the area, sorted.
	Keys(ctx context.Context, area Area) ([]string, error)
	Entries(ctx context.Context, area Area) ([]Entry, error)
	Query(ctx context.Context, area Area, opts QueryOptions) (*QueryResult, error)
	Count(ctx context.Context, area Area) (int, error)

	Clear(ctx context.Context, area Area) error
	ClearAll(ctx context.Context) error

	Transaction(ctx context.Context, ops []TxOp) (*TransactionResult, error)

	Quota(ctx context.Context) (*QuotaInfo, error)
	Stats(ctx context.Context) (*Stats, error)

	// Subscribe registers a listener for the given areas, or for all areas
	// when none are given. The returned function unsubscribes.
	Subscribe(listener ChangeListener, areas ...Area) func()

	// Export produces a versioned snapshot of the given areas (all areas
	// when none are given).
	Export(ctx context.Context, areas ...Area) (*Snapshot, error)
	// Import loads a snapshot. With merge true, colliding keys are
	// overwritten; with merge false they are skipped and reported.
	Import(ctx context.Context, snap *Snapshot, merge bool) (*ImportResult, error)
}

// NowMillis returns the current time as epoch milliseconds, the timestamp
// unit used throughout the storage layer.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
