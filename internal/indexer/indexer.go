package indexer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/varindex/internal/logging"
	"github.com/dshills/varindex/internal/metrics"
	"github.com/dshills/varindex/internal/pending"
	"github.com/dshills/varindex/internal/storage"
	"github.com/dshills/varindex/internal/variantstore"
	"github.com/dshills/varindex/pkg/types"
)

// ErrIndexingInProgress is returned when another run of the same indexer
// holds the lock
var ErrIndexingInProgress = errors.New("indexing already in progress")

// Indexer drains the pending set of one descriptor into a sink:
// read pending keys -> load rows -> sink -> mark synced
type Indexer struct {
	store   storage.Store
	manager *pending.Manager
	sink    Sink
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	lock    IndexLock
	now     func() time.Time
}

// Config contains configuration for an indexing run
type Config struct {
	Workers   int // Number of batches processed concurrently (default: runtime.NumCPU())
	BatchSize int // Number of pending rows per batch (default: 200)
}

// Statistics contains statistics about an indexing run
type Statistics struct {
	Batches       int
	RowsIndexed   int
	RowsRemoved   int
	RowsFailed    int
	Duration      time.Duration
	ErrorMessages []string
}

// New creates an Indexer. The sink kind must match the manager's
// descriptor.
func New(store storage.Store, manager *pending.Manager, sink Sink, logger logrus.FieldLogger, m *metrics.Metrics) (*Indexer, error) {
	if kind := manager.Descriptor().Kind(); kind != sink.Kind() {
		return nil, fmt.Errorf("sink for %q cannot consume pending %q rows", sink.Kind(), kind)
	}
	return &Indexer{
		store:   storage.WithRetry(store, storage.DefaultRetryConfig(), nil),
		manager: manager,
		sink:    sink,
		logger:  logging.OrDiscard(logger).WithField("kind", sink.Kind()),
		metrics: m,
		now:     time.Now,
	}, nil
}

// Running reports whether an IndexPending call is in progress
func (idx *Indexer) Running() bool { return idx.lock.Held() }

// IndexPending indexes every pending row matching q. Batches that fail
// keep their pending markers and are reported in ErrorMessages; the run
// itself only fails when the pending set cannot be read.
func (idx *Indexer) IndexPending(ctx context.Context, q pending.Query, config *Config) (*Statistics, error) {
	if !idx.lock.TryAcquire() {
		return nil, ErrIndexingInProgress
	}
	defer idx.lock.Release()

	if config == nil {
		config = &Config{}
	}
	workers := config.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	batchSize := config.BatchSize
	if batchSize <= 0 {
		batchSize = 200
	}

	startTime := time.Now()
	log := idx.logger.WithField("action", "index_pending")
	stats := &Statistics{ErrorMessages: make([]string, 0)}

	var (
		indexed, removed, failed, batches int32
		mu                                sync.Mutex // Protect stats.ErrorMessages
	)
	semaphore := make(chan struct{}, workers)
	g, gctx := errgroup.WithContext(ctx)

	dispatch := func(keys []types.VariantKey) error {
		select {
		case <-gctx.Done():
			return gctx.Err()
		case semaphore <- struct{}{}:
		}
		atomic.AddInt32(&batches, 1)
		g.Go(func() error {
			defer func() { <-semaphore }()
			n, gone, err := idx.indexBatch(gctx, keys)
			atomic.AddInt32(&indexed, int32(n))
			atomic.AddInt32(&removed, int32(gone))
			if err != nil {
				atomic.AddInt32(&failed, int32(len(keys)-n-gone))
				mu.Lock()
				stats.ErrorMessages = append(stats.ErrorMessages, fmt.Sprintf("batch at %q: %v", keys[0], err))
				mu.Unlock()
			}
			return nil
		})
		return nil
	}

	var readErr error
	batch := make([]types.VariantKey, 0, batchSize)
	for key, err := range idx.manager.Iterator(gctx, q) {
		if err != nil {
			readErr = err
			break
		}
		batch = append(batch, key)
		if len(batch) == batchSize {
			if readErr = dispatch(batch); readErr != nil {
				break
			}
			batch = make([]types.VariantKey, 0, batchSize)
		}
	}
	if readErr == nil && len(batch) > 0 {
		readErr = dispatch(batch)
	}
	// batch failures are collected in stats, never returned
	_ = g.Wait()

	stats.Batches = int(batches)
	stats.RowsIndexed = int(indexed)
	stats.RowsRemoved = int(removed)
	stats.RowsFailed = int(failed)
	stats.Duration = time.Since(startTime)
	idx.metrics.Indexed(idx.sink.Kind(), stats.RowsIndexed)

	entry := log.WithFields(logrus.Fields{
		"batches":  stats.Batches,
		"indexed":  stats.RowsIndexed,
		"removed":  stats.RowsRemoved,
		"failed":   stats.RowsFailed,
		"duration": stats.Duration,
	})
	if readErr != nil {
		entry.WithError(readErr).Error("indexing interrupted")
		return stats, fmt.Errorf("failed to read pending rows: %w", readErr)
	}
	if stats.RowsFailed > 0 {
		entry.Warn("indexing finished with failures")
	} else {
		entry.Info("indexing finished")
	}
	return stats, nil
}

// indexBatch indexes one batch of pending keys. It returns the number of
// rows indexed and removed; on error the remaining rows stay pending.
func (idx *Indexer) indexBatch(ctx context.Context, keys []types.VariantKey) (indexed, removed int, err error) {
	// taken before reading: later writes leave the row out of sync
	at := idx.now()

	rows := make([]*variantstore.Row, 0, len(keys))
	synced := make([][]byte, 0, len(keys))
	var gone []types.VariantKey
	for _, key := range keys {
		r, err := idx.store.Get(ctx, variantstore.Table, []byte(key))
		if errors.Is(err, storage.ErrNotFound) {
			gone = append(gone, key)
			continue
		}
		if err != nil {
			return 0, 0, fmt.Errorf("failed to read row %q: %w", key, err)
		}
		row, err := variantstore.DecodeRow(r)
		if err != nil {
			return 0, 0, err
		}
		rows = append(rows, row)
		synced = append(synced, []byte(key))
	}

	if err := idx.removeGone(ctx, gone); err != nil {
		return 0, 0, err
	}
	if len(rows) == 0 {
		return 0, len(gone), nil
	}
	if err := idx.sink.Write(ctx, rows); err != nil {
		return 0, len(gone), fmt.Errorf("failed to write index: %w", err)
	}
	vanished, err := idx.manager.MarkSynced(ctx, synced, at)
	if err != nil {
		return 0, len(gone), err
	}
	if len(vanished) > 0 {
		// deleted after they were read: their entries were just written
		late := make([]types.VariantKey, len(vanished))
		for i, key := range vanished {
			late[i] = types.VariantKey(key)
		}
		if err := idx.removeGone(ctx, late); err != nil {
			return len(rows) - len(late), len(gone), err
		}
		gone = append(gone, late...)
	}
	return len(rows) - len(vanished), len(gone), nil
}

// removeGone drops the index entries and pending markers of deleted rows
func (idx *Indexer) removeGone(ctx context.Context, gone []types.VariantKey) error {
	if len(gone) == 0 {
		return nil
	}
	if err := idx.sink.Remove(ctx, gone); err != nil {
		return fmt.Errorf("failed to remove deleted variants: %w", err)
	}
	keys := make([][]byte, len(gone))
	for i, key := range gone {
		keys[i] = []byte(key)
	}
	return idx.manager.Unmark(ctx, keys)
}
