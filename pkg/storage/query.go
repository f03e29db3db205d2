package storage

import (
	"path"
	"sort"
	"strings"
)

// EvaluateQuery applies QueryOptions to a full set of area entries. All
// backends produce results through this evaluator (or must match it exactly
// when they use a native index path): filters run prefix, suffix, pattern,
// tags, then time bounds, followed by sorting and pagination.
func EvaluateQuery(entries []Entry, opts QueryOptions) *QueryResult {
	filtered := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if matchEntry(e, opts) {
			filtered = append(filtered, e)
		}
	}

	sortEntries(filtered, opts.SortBy, opts.SortOrder)

	total := len(filtered)
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if opts.Limit > 0 && offset+opts.Limit < end {
		end = offset + opts.Limit
	}

	page := filtered[offset:end]
	return &QueryResult{
		Entries:    page,
		Total:      total,
		HasMore:    end < total,
		NextOffset: end,
	}
}

func matchEntry(e Entry, opts QueryOptions) bool {
	if opts.Prefix != "" && !strings.HasPrefix(e.Key, opts.Prefix) {
		return false
	}
	if opts.Suffix != "" && !strings.HasSuffix(e.Key, opts.Suffix) {
		return false
	}
	if opts.Pattern != "" {
		ok, err := path.Match(opts.Pattern, e.Key)
		if err != nil || !ok {
			return false
		}
	}
	for _, tag := range opts.Tags {
		if !hasTag(e.Metadata.Tags, tag) {
			return false
		}
	}
	if opts.CreatedAfter > 0 && e.Metadata.CreatedAt < opts.CreatedAfter {
		return false
	}
	if opts.CreatedBefore > 0 && e.Metadata.CreatedAt > opts.CreatedBefore {
		return false
	}
	if opts.UpdatedAfter > 0 && e.Metadata.UpdatedAt < opts.UpdatedAfter {
		return false
	}
	if opts.UpdatedBefore > 0 && e.Metadata.UpdatedAt > opts.UpdatedBefore {
		return false
	}
	return true
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

func sortEntries(entries []Entry, by SortField, order SortOrder) {
	if by == "" {
		by = SortByKey
	}
	desc := order == SortDesc
	sort.SliceStable(entries, func(i, j int) bool {
		var less bool
		switch by {
		case SortByCreatedAt:
			less = entries[i].Metadata.CreatedAt < entries[j].Metadata.CreatedAt
		case SortByUpdatedAt:
			less = entries[i].Metadata.UpdatedAt < entries[j].Metadata.UpdatedAt
		case SortBySize:
			less = entries[i].Metadata.Size < entries[j].Metadata.Size
		default:
			less = entries[i].Key < entries[j].Key
		}
		if desc {
			return !less && !entriesEqualField(entries[i], entries[j], by)
		}
		return less
	})
}

// entriesEqualField keeps descending sorts stable for equal field values.
func entriesEqualField(a, b Entry, by SortField) bool {
	switch by {
	case SortByCreatedAt:
		return a.Metadata.CreatedAt == b.Metadata.CreatedAt
	case SortByUpdatedAt:
		return a.Metadata.UpdatedAt == b.Metadata.UpdatedAt
	case SortBySize:
		return a.Metadata.Size == b.Metadata.Size
	default:
		return a.Key == b.Key
	}
}
