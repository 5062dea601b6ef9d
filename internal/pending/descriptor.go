package pending

import (
	"time"

	"github.com/dshills/varindex/internal/storage"
	"github.com/dshills/varindex/internal/variantstore"
)

// Built-in descriptor kinds
const (
	KindSearch      = "search"
	KindSampleIndex = "sample_index"
)

// MarkerColumn is the single column of a pending table row. Its presence
// is the signal; the value carries nothing.
const MarkerColumn = "p"

var markerValue = []byte{1}

// Descriptor holds the rules of one kind of secondary index. It is
// stateless and safe to share.
type Descriptor interface {
	// Kind names the secondary index
	Kind() string

	// PendingTable returns the shadow table of a primary table
	PendingTable(primary string) string

	// Columns is the projection discovery scans need
	Columns() []string

	// SyncColumn is the primary table column holding the last sync time
	SyncColumn() string

	// Predicate reports rows that need (re)indexing for an index last
	// rebuilt at since
	Predicate(since time.Time) storage.Predicate

	// Mutation returns the mark-pending mutation for a scanned row, or nil
	// when the row is in sync. With overwrite, every relevant row is
	// marked regardless of its timestamps.
	Mutation(row *storage.Row, since time.Time, overwrite bool) *storage.Mutation
}

// timestampDescriptor marks a row pending when it was never synced, was
// synced before the last rebuild, or changed after its last sync
type timestampDescriptor struct {
	kind    string
	columns []string
	// relevant filters out rows this index never holds
	relevant func(row *storage.Row) bool
}

func (d *timestampDescriptor) Kind() string { return d.kind }

func (d *timestampDescriptor) PendingTable(primary string) string {
	return primary + "_pending_" + d.kind
}

func (d *timestampDescriptor) Columns() []string {
	return append([]string{variantstore.ColumnUpdated, d.SyncColumn()}, d.columns...)
}

func (d *timestampDescriptor) SyncColumn() string {
	return variantstore.SyncColumn(d.kind)
}

func (d *timestampDescriptor) Predicate(since time.Time) storage.Predicate {
	return func(row *storage.Row) bool {
		return d.relevant(row) && d.outOfSync(row, since)
	}
}

func (d *timestampDescriptor) Mutation(row *storage.Row, since time.Time, overwrite bool) *storage.Mutation {
	if !d.relevant(row) {
		return nil
	}
	if !overwrite && !d.outOfSync(row, since) {
		return nil
	}
	return &storage.Mutation{Key: row.Key, Put: map[string][]byte{MarkerColumn: markerValue}}
}

func (d *timestampDescriptor) outOfSync(row *storage.Row, since time.Time) bool {
	raw, ok := row.Column(d.SyncColumn())
	if !ok {
		return true
	}
	synced, err := variantstore.DecodeTime(raw)
	if err != nil {
		// an unreadable timestamp cannot prove the row is in sync
		return true
	}
	if synced.Before(since) {
		return true
	}
	if raw, ok := row.Column(variantstore.ColumnUpdated); ok {
		updated, err := variantstore.DecodeTime(raw)
		if err != nil || updated.After(synced) {
			return true
		}
	}
	return false
}

// SearchIndexDescriptor tracks the full-text search index, which holds
// every variant
func SearchIndexDescriptor() Descriptor {
	return &timestampDescriptor{
		kind:     KindSearch,
		relevant: func(*storage.Row) bool { return true },
	}
}

// SampleIndexDescriptor tracks the per-sample index, which only holds
// variants with sample data
func SampleIndexDescriptor() Descriptor {
	return &timestampDescriptor{
		kind:    KindSampleIndex,
		columns: []string{variantstore.SamplePrefix + "*"},
		relevant: func(row *storage.Row) bool {
			return len(row.ColumnsWithPrefix(variantstore.SamplePrefix)) > 0
		},
	}
}

// DescriptorFor returns the built-in descriptor of a kind
func DescriptorFor(kind string) (Descriptor, bool) {
	switch kind {
	case KindSearch:
		return SearchIndexDescriptor(), true
	case KindSampleIndex:
		return SampleIndexDescriptor(), true
	}
	return nil, false
}
