package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queryFixture() []Entry {
	return []Entry{
		{Key: "run-001", Value: "a", Metadata: Metadata{CreatedAt: 100, UpdatedAt: 500, Size: 10, Tags: []string{"smoke"}}},
		{Key: "run-002", Value: "b", Metadata: Metadata{CreatedAt: 200, UpdatedAt: 400, Size: 30}},
		{Key: "case-001", Value: "c", Metadata: Metadata{CreatedAt: 300, UpdatedAt: 300, Size: 20, Tags: []string{"smoke", "login"}}},
		{Key: "case-002", Value: "d", Metadata: Metadata{CreatedAt: 400, UpdatedAt: 200, Size: 40}},
		{Key: "config.json", Value: "e", Metadata: Metadata{CreatedAt: 500, UpdatedAt: 100, Size: 50}},
	}
}

// TestEvaluateQuery_Filters tests each filter dimension
func TestEvaluateQuery_Filters(t *testing.T) {
	entries := queryFixture()

	tests := []struct {
		name     string
		opts     QueryOptions
		wantKeys []string
	}{
		{
			name:     "no filters sorts by key",
			opts:     QueryOptions{},
			wantKeys: []string{"case-001", "case-002", "config.json", "run-001", "run-002"},
		},
		{
			name:     "prefix",
			opts:     QueryOptions{Prefix: "run-"},
			wantKeys: []string{"run-001", "run-002"},
		},
		{
			name:     "suffix",
			opts:     QueryOptions{Suffix: "-001"},
			wantKeys: []string{"case-001", "run-001"},
		},
		{
			name:     "glob pattern",
			opts:     QueryOptions{Pattern: "*.json"},
			wantKeys: []string{"config.json"},
		},
		{
			name:     "single tag",
			opts:     QueryOptions{Tags: []string{"smoke"}},
			wantKeys: []string{"case-001", "run-001"},
		},
		{
			name:     "all tags must match",
			opts:     QueryOptions{Tags: []string{"smoke", "login"}},
			wantKeys: []string{"case-001"},
		},
		{
			name:     "created window",
			opts:     QueryOptions{CreatedAfter: 200, CreatedBefore: 400},
			wantKeys: []string{"case-001", "case-002", "run-002"},
		},
		{
			name:     "updated bound",
			opts:     QueryOptions{UpdatedAfter: 400},
			wantKeys: []string{"run-001", "run-002"},
		},
		{
			name:     "prefix and time combine",
			opts:     QueryOptions{Prefix: "run-", CreatedAfter: 150},
			wantKeys: []string{"run-002"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := EvaluateQuery(entries, tt.opts)
			keys := make([]string, 0, len(result.Entries))
			for _, e := range result.Entries {
				keys = append(keys, e.Key)
			}
			assert.Equal(t, tt.wantKeys, keys)
			assert.Equal(t, len(tt.wantKeys), result.Total)
		})
	}
}

// TestEvaluateQuery_Sort tests the sort fields and orders
func TestEvaluateQuery_Sort(t *testing.T) {
	entries := queryFixture()

	result := EvaluateQuery(entries, QueryOptions{SortBy: SortByCreatedAt, SortOrder: SortDesc})
	require.Len(t, result.Entries, 5)
	assert.Equal(t, "config.json", result.Entries[0].Key)
	assert.Equal(t, "run-001", result.Entries[4].Key)

	result = EvaluateQuery(entries, QueryOptions{SortBy: SortBySize})
	assert.Equal(t, "run-001", result.Entries[0].Key)
	assert.Equal(t, "config.json", result.Entries[4].Key)
}

// TestEvaluateQuery_Pagination tests limit/offset and the pagination state
func TestEvaluateQuery_Pagination(t *testing.T) {
	entries := queryFixture()

	page := EvaluateQuery(entries, QueryOptions{Limit: 2})
	assert.Len(t, page.Entries, 2)
	assert.Equal(t, 5, page.Total)
	assert.True(t, page.HasMore)
	assert.Equal(t, 2, page.NextOffset)

	page = EvaluateQuery(entries, QueryOptions{Limit: 2, Offset: page.NextOffset})
	assert.Len(t, page.Entries, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, 4, page.NextOffset)

	page = EvaluateQuery(entries, QueryOptions{Limit: 2, Offset: page.NextOffset})
	assert.Len(t, page.Entries, 1)
	assert.False(t, page.HasMore)
	assert.Equal(t, 5, page.NextOffset)

	// Offset past the end yields an empty page, not an error.
	page = EvaluateQuery(entries, QueryOptions{Offset: 100})
	assert.Empty(t, page.Entries)
	assert.False(t, page.HasMore)
}

// TestNotifier tests area-filtered subscription and unsubscribe
func TestNotifier(t *testing.T) {
	n := NewNotifier()

	var all, stepsOnly [][]ChangeEvent
	unsubAll := n.Subscribe(func(events []ChangeEvent) {
		all = append(all, events)
	})
	n.Subscribe(func(events []ChangeEvent) {
		stepsOnly = append(stepsOnly, events)
	}, AreaSteps)

	n.Publish([]ChangeEvent{
		{Type: ChangeSet, Area: AreaConfig, Key: "a", Timestamp: 1},
		{Type: ChangeSet, Area: AreaSteps, Key: "b", Timestamp: 1},
	})

	require.Len(t, all, 1)
	assert.Len(t, all[0], 2)
	require.Len(t, stepsOnly, 1)
	require.Len(t, stepsOnly[0], 1)
	assert.Equal(t, "b", stepsOnly[0][0].Key)

	// Events outside the subscribed areas are not delivered at all.
	n.Publish([]ChangeEvent{{Type: ChangeRemove, Area: AreaConfig, Key: "a", Timestamp: 2}})
	assert.Len(t, stepsOnly, 1)
	assert.Len(t, all, 2)

	unsubAll()
	n.Publish([]ChangeEvent{{Type: ChangeSet, Area: AreaSteps, Key: "c", Timestamp: 3}})
	assert.Len(t, all, 2)
	assert.Len(t, stepsOnly, 2)
}

// TestDecodeSnapshot tests snapshot validation
func TestDecodeSnapshot(t *testing.T) {
	snap := &Snapshot{
		Version:    SnapshotVersion,
		ExportedAt: NowMillis(),
		Data: map[Area][]Entry{
			AreaConfig: {{Key: "theme", Value: "dark"}},
		},
	}
	data, err := EncodeSnapshot(snap)
	require.NoError(t, err)

	decoded, err := DecodeSnapshot(data)
	require.NoError(t, err)
	assert.Equal(t, SnapshotVersion, decoded.Version)
	require.Len(t, decoded.Data[AreaConfig], 1)
	assert.Equal(t, "theme", decoded.Data[AreaConfig][0].Key)

	_, err = DecodeSnapshot([]byte("{not json"))
	assert.ErrorIs(t, err, ErrImportParse)

	_, err = DecodeSnapshot([]byte(`{"version":99,"data":{}}`))
	assert.ErrorIs(t, err, ErrImportParse)

	_, err = DecodeSnapshot([]byte(`{"version":1,"data":{"bogusArea":[]}}`))
	assert.ErrorIs(t, err, ErrImportParse)
}
