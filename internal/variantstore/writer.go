package variantstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dshills/varindex/internal/logging"
	"github.com/dshills/varindex/internal/operations"
	"github.com/dshills/varindex/internal/resolver"
	"github.com/dshills/varindex/internal/storage"
	"github.com/dshills/varindex/pkg/types"
)

// DefaultBatchSize is the number of rows written per BatchMutate call
const DefaultBatchSize = 500

// Writer writes loaded records and annotations into the primary table.
// Every write bumps the row's update timestamp, which is what pending
// discovery compares sync timestamps against.
type Writer struct {
	store     storage.Store
	logger    logrus.FieldLogger
	batchSize int
	now       func() time.Time
}

// NewWriter creates a Writer on store
func NewWriter(store storage.Store, logger logrus.FieldLogger) *Writer {
	return &Writer{
		store:     store,
		logger:    logging.OrDiscard(logger),
		batchSize: DefaultBatchSize,
		now:       time.Now,
	}
}

// WriteStats summarizes a write
type WriteStats struct {
	Rows       int
	Samples    int
	Duplicates int
}

// WriteRecords stores records as sample data. When several records
// describe the same variant for the same sample, the resolver picks one.
func (w *Writer) WriteRecords(ctx context.Context, records []*types.VariantRecord) (WriteStats, error) {
	var stats WriteStats
	bySample := make(map[string][]*types.VariantRecord)
	var samples []string
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return stats, fmt.Errorf("record %s: %w", rec.Variant, err)
		}
		if _, ok := bySample[rec.Sample]; !ok {
			samples = append(samples, rec.Sample)
		}
		bySample[rec.Sample] = append(bySample[rec.Sample], rec)
	}

	now := EncodeTime(w.now())
	rows := make(map[types.VariantKey]*storage.Mutation)
	var order []types.VariantKey
	for _, sample := range samples {
		for _, res := range resolver.ResolveAll(bySample[sample]) {
			stats.Duplicates += len(res.Discarded)
			value, err := msgpack.Marshal(sampleData(res.Winner))
			if err != nil {
				return stats, fmt.Errorf("failed to encode sample %s at %s: %w", sample, res.Key, err)
			}
			m, ok := rows[res.Key]
			if !ok {
				m = &storage.Mutation{Key: []byte(res.Key), Put: map[string][]byte{ColumnUpdated: now}}
				rows[res.Key] = m
				order = append(order, res.Key)
			}
			m.Put[SampleColumn(sample)] = value
			stats.Samples++
		}
	}

	mutations := make([]storage.Mutation, 0, len(order))
	for _, key := range order {
		mutations = append(mutations, *rows[key])
	}
	stats.Rows = len(mutations)
	if stats.Duplicates > 0 {
		w.logger.WithField("duplicates", stats.Duplicates).Debug("resolved duplicate variant records")
	}
	return stats, w.apply(ctx, mutations)
}

// Annotate stores the annotation of each variant
func (w *Writer) Annotate(ctx context.Context, annotations map[types.VariantKey]*types.Annotation) error {
	now := EncodeTime(w.now())
	mutations := make([]storage.Mutation, 0, len(annotations))
	for key, ann := range annotations {
		value, err := msgpack.Marshal(ann)
		if err != nil {
			return fmt.Errorf("failed to encode annotation of %s: %w", key, err)
		}
		mutations = append(mutations, storage.Mutation{
			Key: []byte(key),
			Put: map[string][]byte{ColumnAnnotation: value, ColumnUpdated: now},
		})
	}
	return w.apply(ctx, mutations)
}

// Delete removes variant rows
func (w *Writer) Delete(ctx context.Context, keys []types.VariantKey) error {
	mutations := make([]storage.Mutation, len(keys))
	for i, key := range keys {
		mutations[i] = storage.Mutation{Key: []byte(key), DeleteRow: true}
	}
	return w.apply(ctx, mutations)
}

// apply writes mutations in batches. A failed batch does not stop later
// ones; all failures are returned together.
func (w *Writer) apply(ctx context.Context, mutations []storage.Mutation) error {
	var result *multierror.Error
	for start := 0; start < len(mutations); start += w.batchSize {
		if err := ctx.Err(); err != nil {
			return multierror.Append(result, err).ErrorOrNil()
		}
		end := min(start+w.batchSize, len(mutations))
		if err := w.store.BatchMutate(ctx, Table, mutations[start:end]); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Loader runs a write as a tracked batch operation: the files are claimed
// with Begin, and the operation ends READY or ERROR with the write.
type Loader struct {
	writer  *Writer
	tracker *operations.Tracker
	logger  logrus.FieldLogger
}

// NewLoader creates a Loader
func NewLoader(writer *Writer, tracker *operations.Tracker, logger logrus.FieldLogger) *Loader {
	return &Loader{writer: writer, tracker: tracker, logger: logging.OrDiscard(logger)}
}

// Load writes records from fileIDs under operation name. A failed earlier
// load of exactly these files is resumed.
func (l *Loader) Load(ctx context.Context, study, name string, fileIDs []int, records []*types.VariantRecord) (WriteStats, error) {
	h, err := l.tracker.Begin(ctx, study, name, fileIDs)
	var ce *types.ConflictError
	if errors.As(err, &ce) && ce.Resumable {
		l.logger.WithFields(logrus.Fields{
			"action":       "load",
			"study":        study,
			"operation_id": ce.BlockingID,
		}).Info("resuming failed load")
		h, err = l.tracker.Resume(ctx, study, name, fileIDs)
	}
	if err != nil {
		return WriteStats{}, err
	}

	stats, werr := l.writer.WriteRecords(ctx, records)
	status := operations.StatusReady
	if werr != nil {
		status = operations.StatusError
	}
	// record the outcome even when ctx was cancelled mid-write
	if err := l.tracker.Complete(context.WithoutCancel(ctx), h, status); err != nil {
		return stats, multierror.Append(werr, err).ErrorOrNil()
	}
	return stats, werr
}
