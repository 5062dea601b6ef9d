package pending

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/varindex/internal/logging"
	"github.com/dshills/varindex/internal/metrics"
	"github.com/dshills/varindex/internal/storage"
	"github.com/dshills/varindex/internal/variantstore"
	"github.com/dshills/varindex/pkg/types"
)

// Options tunes a Manager. Zero values select the defaults.
type Options struct {
	PrimaryTable    string // default: variantstore.Table
	PageSize        int    // rows examined per scan page (default: storage.DefaultPageSize)
	Workers         int    // pages processed concurrently (default: 4)
	MutateBatchSize int    // mutations per BatchMutate call (default: 500)
	Retry           *storage.RetryConfig
	Logger          logrus.FieldLogger
	Metrics         *metrics.Metrics
}

// Manager discovers, lists and cleans the pending rows of one descriptor.
// It keeps no state between calls; every job reads the store afresh.
type Manager struct {
	store     storage.Store
	desc      Descriptor
	primary   string
	pending   string
	pageSize  int
	workers   int
	batchSize int
	logger    logrus.FieldLogger
	metrics   *metrics.Metrics
}

// NewManager creates a manager for desc. Scans, reads and batch writes go
// through a retrying wrapper; transient store errors are retried with
// backoff before they surface.
func NewManager(store storage.Store, desc Descriptor, opts Options) *Manager {
	m := &Manager{
		desc:      desc,
		primary:   opts.PrimaryTable,
		pageSize:  opts.PageSize,
		workers:   opts.Workers,
		batchSize: opts.MutateBatchSize,
		metrics:   opts.Metrics,
	}
	if m.primary == "" {
		m.primary = variantstore.Table
	}
	if m.pageSize <= 0 {
		m.pageSize = storage.DefaultPageSize
	}
	if m.workers <= 0 {
		m.workers = 4
	}
	if m.batchSize <= 0 {
		m.batchSize = 500
	}
	m.pending = desc.PendingTable(m.primary)
	m.logger = logging.OrDiscard(opts.Logger).WithField("kind", desc.Kind())

	retry := storage.DefaultRetryConfig()
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	m.store = storage.WithRetry(store, retry, func(op string, err error, next time.Duration) {
		m.metrics.Retried(op)
		m.logger.WithError(err).WithFields(logrus.Fields{"op": op, "retry_in": next}).Warn("store call failed, retrying")
	})
	return m
}

// Descriptor returns the descriptor the manager was built with
func (m *Manager) Descriptor() Descriptor { return m.desc }

// PendingTable returns the shadow table holding the pending markers
func (m *Manager) PendingTable() string { return m.pending }

// DiscoverStats summarizes a discovery run
type DiscoverStats struct {
	Pages    int
	Scanned  int // rows returned by the scan predicate
	Marked   int // pending markers written
	Failed   int // markers that could not be written
	Duration time.Duration
}

// DiscoverPending scans the primary table and marks every row that the
// descriptor reports out of sync relative to since. With overwrite every
// relevant row is marked.
//
// Discovery only ever adds markers, so it is safe to re-run after a crash
// or cancellation. Failed marker writes do not stop the scan; they are
// returned together once it ends.
func (m *Manager) DiscoverPending(ctx context.Context, since time.Time, overwrite bool) (*DiscoverStats, error) {
	start := time.Now()
	log := m.logger.WithFields(logrus.Fields{"action": "discover_pending", "since": since, "overwrite": overwrite})
	log.Info("discovering pending variants")

	opts := storage.ScanOptions{Limit: m.pageSize, Columns: m.desc.Columns()}
	if !overwrite {
		opts.Filter = m.desc.Predicate(since)
	}

	var (
		pages, scanned, marked, failed atomic.Int64
		mu                             sync.Mutex
		result                         *multierror.Error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)

	scanErr := m.scanPages(gctx, m.primary, opts, func(page *storage.Page) {
		pages.Add(1)
		scanned.Add(int64(len(page.Rows)))
		g.Go(func() error {
			pageStart := time.Now()
			defer m.metrics.ObservePage(m.desc.Kind(), pageStart)

			var mutations []storage.Mutation
			for _, row := range page.Rows {
				if mut := m.desc.Mutation(row, since, overwrite); mut != nil {
					mutations = append(mutations, *mut)
				}
			}
			ok, err := m.mutate(gctx, m.pending, mutations)
			marked.Add(int64(ok))
			if err != nil {
				failed.Add(int64(len(mutations) - ok))
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
			// marker failures are reported at the end, not fatal
			return nil
		})
	})
	waitErr := g.Wait()

	stats := &DiscoverStats{
		Pages:    int(pages.Load()),
		Scanned:  int(scanned.Load()),
		Marked:   int(marked.Load()),
		Failed:   int(failed.Load()),
		Duration: time.Since(start),
	}
	m.metrics.Discovered(m.desc.Kind(), stats.Marked)
	m.metrics.MutationsFailed(m.pending, stats.Failed)

	err := firstErr(scanErr, waitErr, result.ErrorOrNil())
	entry := log.WithFields(logrus.Fields{
		"pages":    stats.Pages,
		"scanned":  stats.Scanned,
		"marked":   stats.Marked,
		"failed":   stats.Failed,
		"duration": stats.Duration,
	})
	if err != nil {
		entry.WithError(err).Error("discovery incomplete")
		return stats, fmt.Errorf("discover pending %s: %w", m.desc.Kind(), err)
	}
	entry.Info("discovery finished")
	return stats, nil
}

// scanPages walks a table page by page, calling fn for every page with
// rows. It stops between pages when ctx is done.
func (m *Manager) scanPages(ctx context.Context, table string, opts storage.ScanOptions, fn func(*storage.Page)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := m.store.Scan(ctx, table, opts)
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", table, err)
		}
		if len(page.Rows) > 0 {
			fn(page)
		}
		if page.Next == nil {
			return nil
		}
		opts.After = page.Next
	}
}

// mutate writes mutations in batches and returns how many were applied
func (m *Manager) mutate(ctx context.Context, table string, mutations []storage.Mutation) (int, error) {
	var (
		applied int
		result  *multierror.Error
	)
	for start := 0; start < len(mutations); start += m.batchSize {
		end := min(start+m.batchSize, len(mutations))
		err := m.store.BatchMutate(ctx, table, mutations[start:end])
		applied += end - start
		if err == nil {
			continue
		}
		var be *storage.BatchError
		if errors.As(err, &be) {
			applied -= be.Len()
		} else {
			applied -= end - start
		}
		result = multierror.Append(result, err)
	}
	return applied, result.ErrorOrNil()
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Query restricts the pending rows a reader returns
type Query struct {
	// Chromosome limits the keys to one chromosome
	Chromosome string
	// After resumes after this key
	After []byte
	// Limit stops after this many keys; 0 means all
	Limit int
}

// Reader returns the pending row keys matching q. The sequence is lazy and
// restartable: every range over it starts a new scan. It never modifies
// the pending set; callers clear rows only after indexing them.
func (m *Manager) Reader(ctx context.Context, q Query) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		opts := storage.ScanOptions{After: q.After, Limit: m.pageSize, Columns: []string{MarkerColumn}}
		if q.Chromosome != "" {
			opts.Prefix = []byte(q.Chromosome + ":")
		}
		n := 0
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			page, err := m.store.Scan(ctx, m.pending, opts)
			if err != nil {
				yield(nil, fmt.Errorf("failed to scan %s: %w", m.pending, err))
				return
			}
			for _, row := range page.Rows {
				if !yield(row.Key, nil) {
					return
				}
				n++
				if q.Limit > 0 && n >= q.Limit {
					return
				}
			}
			if page.Next == nil {
				return
			}
			opts.After = page.Next
		}
	}
}

// Iterator is Reader typed for indexing jobs
func (m *Manager) Iterator(ctx context.Context, q Query) iter.Seq2[types.VariantKey, error] {
	return func(yield func(types.VariantKey, error) bool) {
		for key, err := range m.Reader(ctx, q) {
			if !yield(types.VariantKey(key), err) {
				return
			}
		}
	}
}

// Count returns the number of pending rows
func (m *Manager) Count(ctx context.Context) (int, error) {
	n := 0
	for _, err := range m.Reader(ctx, Query{}) {
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// MarkSynced records that keys were indexed as of at, then removes their
// pending markers. at must be taken before the rows were read: a row
// updated later keeps a newer update timestamp and is discovered again.
//
// The sync timestamp is only written to rows that still exist. Keys whose
// row was deleted in the meantime are returned as vanished and keep their
// markers, so the caller can drop their index entries and Unmark them.
func (m *Manager) MarkSynced(ctx context.Context, keys [][]byte, at time.Time) (vanished [][]byte, err error) {
	if len(keys) == 0 {
		return nil, nil
	}
	stamp := variantstore.EncodeTime(at)
	syncs := make([]storage.Mutation, len(keys))
	for i, key := range keys {
		syncs[i] = storage.Mutation{
			Key:     key,
			Put:     map[string][]byte{m.desc.SyncColumn(): stamp},
			Require: variantstore.ColumnUpdated,
		}
	}

	_, err = m.mutate(ctx, m.primary, syncs)
	missing, err := conditionFailures(err)
	if err != nil {
		// leave every marker in place; the rows will be indexed again
		return nil, fmt.Errorf("failed to record sync of %d rows: %w", len(keys), err)
	}

	clears := make([]storage.Mutation, 0, len(keys))
	for _, key := range keys {
		if missing[string(key)] {
			vanished = append(vanished, key)
			continue
		}
		clears = append(clears, storage.Mutation{Key: key, DeleteRow: true})
	}
	if len(vanished) > 0 {
		m.logger.WithField("rows", len(vanished)).Debug("rows deleted while indexing")
	}
	if _, err := m.mutate(ctx, m.pending, clears); err != nil {
		return vanished, fmt.Errorf("failed to clear pending markers: %w", err)
	}
	return vanished, nil
}

// conditionFailures returns the keys of mutations that failed only because
// their row lacked a required column. Any other failure is returned as is.
func conditionFailures(err error) (map[string]bool, error) {
	if err == nil {
		return nil, nil
	}
	var merr *multierror.Error
	if !errors.As(err, &merr) {
		return nil, err
	}
	keys := make(map[string]bool)
	for _, e := range merr.Errors {
		var be *storage.BatchError
		if !errors.As(e, &be) {
			return nil, err
		}
		for _, f := range be.Failures() {
			if !errors.Is(f.Err, storage.ErrConditionFailed) {
				return nil, err
			}
			keys[string(f.Key)] = true
		}
	}
	return keys, nil
}

// Unmark removes pending markers without touching the primary table, for
// keys whose primary row no longer exists
func (m *Manager) Unmark(ctx context.Context, keys [][]byte) error {
	clears := make([]storage.Mutation, len(keys))
	for i, key := range keys {
		clears[i] = storage.Mutation{Key: key, DeleteRow: true}
	}
	_, err := m.mutate(ctx, m.pending, clears)
	return err
}
