package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Store is the narrow column-family contract the index components consume.
// Rows are addressed by table and row key and hold a sparse set of named
// columns. Single-row operations are atomic; nothing spans rows.
type Store interface {
	// Scan returns one page of rows after opts.After, in key order.
	Scan(ctx context.Context, table string, opts ScanOptions) (*Page, error)

	// Get returns a single row, restricted to the given columns when any
	// are named. Returns ErrNotFound when the row has no columns.
	Get(ctx context.Context, table string, key []byte, columns ...string) (*Row, error)

	// ConditionalPut sets one cell only if its current value equals
	// expected. A nil expected means the cell must not exist. It reports
	// whether the write was applied.
	ConditionalPut(ctx context.Context, table string, key []byte, column string, expected, value []byte) (bool, error)

	// BatchMutate applies mutations independently. Failures are reported
	// per mutation through *BatchError; siblings are still applied.
	BatchMutate(ctx context.Context, table string, mutations []Mutation) error

	Close() error
}

var (
	// ErrNotFound is returned when a requested row doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrInvalidMutation is returned for mutations that can never succeed
	ErrInvalidMutation = errors.New("invalid mutation")
	// ErrConditionFailed is returned for a mutation whose row lacks the
	// column named by Mutation.Require
	ErrConditionFailed = errors.New("condition failed")
)

// DefaultPageSize is used when ScanOptions.Limit is not set
const DefaultPageSize = 1000

// Row is a sparse set of columns under one row key
type Row struct {
	Key     []byte
	Columns map[string][]byte
}

// Column returns a column value and whether it is present
func (r *Row) Column(name string) ([]byte, bool) {
	if r == nil || r.Columns == nil {
		return nil, false
	}
	v, ok := r.Columns[name]
	return v, ok
}

// ColumnsWithPrefix returns the columns whose name starts with prefix,
// keyed by the remainder of the name
func (r *Row) ColumnsWithPrefix(prefix string) map[string][]byte {
	out := make(map[string][]byte)
	if r == nil {
		return out
	}
	for name, v := range r.Columns {
		if rest, ok := strings.CutPrefix(name, prefix); ok {
			out[rest] = v
		}
	}
	return out
}

// Predicate decides whether a scanned row is returned
type Predicate func(row *Row) bool

// ScanOptions controls a single page of a scan
type ScanOptions struct {
	// After is an exclusive lower bound; nil starts at the first row
	After []byte
	// Prefix restricts the scan to row keys with this prefix
	Prefix []byte
	// Limit is the number of rows examined for this page
	Limit int
	// Columns projects rows onto these columns. A trailing "*" matches
	// by prefix ("s:*"). Empty means all columns.
	Columns []string
	// Filter is applied after projection
	Filter Predicate
}

// Page is one page of scan results. Rows holds the rows that passed the
// filter, which may be fewer than the rows examined, so an empty page with
// a non-nil Next is normal. Next is nil once the scan is exhausted.
type Page struct {
	Rows []*Row
	Next []byte
}

// Mutation is a set of changes to a single row
type Mutation struct {
	Key       []byte
	Put       map[string][]byte
	Delete    []string
	DeleteRow bool
	// Require names a column the row must already hold. When it is
	// missing nothing is applied and the mutation fails with
	// ErrConditionFailed.
	Require string
}

// Validate checks that the mutation is well formed
func (m *Mutation) Validate() error {
	if len(m.Key) == 0 {
		return fmt.Errorf("%w: empty row key", ErrInvalidMutation)
	}
	if !m.DeleteRow && len(m.Put) == 0 && len(m.Delete) == 0 {
		return fmt.Errorf("%w: no changes for row %q", ErrInvalidMutation, m.Key)
	}
	for name := range m.Put {
		if name == "" {
			return fmt.Errorf("%w: empty column name for row %q", ErrInvalidMutation, m.Key)
		}
	}
	if m.Require != "" && m.DeleteRow {
		return fmt.Errorf("%w: row %q cannot be both required and deleted", ErrInvalidMutation, m.Key)
	}
	return nil
}

// MutationError is the failure of one mutation within a batch
type MutationError struct {
	Index int
	Key   []byte
	Err   error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("mutation %d (row %q): %v", e.Index, e.Key, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

// BatchError reports the mutations of a batch that failed
type BatchError struct {
	Table string
	Total int
	errs  *multierror.Error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%d of %d mutations on table %s failed: %v", e.Len(), e.Total, e.Table, e.errs)
}

// Unwrap exposes the individual mutation errors to errors.Is / errors.As
func (e *BatchError) Unwrap() []error {
	return e.errs.WrappedErrors()
}

// Len returns the number of failed mutations
func (e *BatchError) Len() int {
	return e.errs.Len()
}

// Failures returns the failed mutations in batch order
func (e *BatchError) Failures() []*MutationError {
	out := make([]*MutationError, 0, e.errs.Len())
	for _, err := range e.errs.Errors {
		var me *MutationError
		if errors.As(err, &me) {
			out = append(out, me)
		}
	}
	return out
}

// batchCollector accumulates per-mutation failures for one BatchMutate call
type batchCollector struct {
	table string
	total int
	errs  *multierror.Error
}

func newBatchCollector(table string, total int) *batchCollector {
	return &batchCollector{table: table, total: total}
}

func (c *batchCollector) fail(index int, key []byte, err error) {
	c.errs = multierror.Append(c.errs, &MutationError{Index: index, Key: key, Err: err})
}

func (c *batchCollector) err() error {
	if c.errs == nil || c.errs.Len() == 0 {
		return nil
	}
	return &BatchError{Table: c.table, Total: c.total, errs: c.errs}
}

// project returns a copy of row restricted to the requested columns
func project(row *Row, columns []string) *Row {
	if len(columns) == 0 {
		return row
	}
	out := &Row{Key: row.Key, Columns: make(map[string][]byte, len(columns))}
	for name, v := range row.Columns {
		if matchColumn(columns, name) {
			out.Columns[name] = v
		}
	}
	return out
}

func matchColumn(columns []string, name string) bool {
	for _, c := range columns {
		if p, ok := strings.CutSuffix(c, "*"); ok {
			if strings.HasPrefix(name, p) {
				return true
			}
		} else if c == name {
			return true
		}
	}
	return false
}

// prefixEnd returns the smallest key greater than every key with prefix p,
// or nil when no such key exists
func prefixEnd(p []byte) []byte {
	end := bytes.Clone(p)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// startKey returns the first key a scan should consider, honoring both
// the exclusive After bound and the Prefix
func startKey(opts ScanOptions) (key []byte, exclusive bool) {
	if len(opts.After) > 0 && bytes.Compare(opts.After, opts.Prefix) >= 0 {
		return opts.After, true
	}
	return opts.Prefix, false
}

func pageLimit(opts ScanOptions) int {
	if opts.Limit <= 0 {
		return DefaultPageSize
	}
	return opts.Limit
}
