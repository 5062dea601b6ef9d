package indexer

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/dshills/varindex/internal/logging"
	"github.com/dshills/varindex/internal/pending"
	"github.com/dshills/varindex/internal/sampleindex"
	"github.com/dshills/varindex/internal/storage"
	"github.com/dshills/varindex/internal/variantstore"
	"github.com/dshills/varindex/pkg/types"
)

// Sink is a secondary index the indexer writes pending rows into
type Sink interface {
	// Kind names the pending descriptor the sink consumes
	Kind() string

	// Write (re)indexes rows. It must be idempotent: a row can be written
	// again after a crash between Write and MarkSynced.
	Write(ctx context.Context, rows []*variantstore.Row) error

	// Remove drops variants whose primary row no longer exists
	Remove(ctx context.Context, keys []types.VariantKey) error
}

// SampleIndexSink writes one cell per (sample, variant) into the sample
// index table, encoded with the active schema of the registry
type SampleIndexSink struct {
	store    storage.Store
	registry *sampleindex.Registry
	logger   logrus.FieldLogger
	pageSize int
	skipped  atomic.Int64
}

// NewSampleIndexSink creates a sink writing to store
func NewSampleIndexSink(store storage.Store, registry *sampleindex.Registry, logger logrus.FieldLogger) *SampleIndexSink {
	return &SampleIndexSink{
		store:    store,
		registry: registry,
		logger:   logging.OrDiscard(logger),
		pageSize: storage.DefaultPageSize,
	}
}

func (s *SampleIndexSink) Kind() string { return pending.KindSampleIndex }

// Skipped returns the number of cells left out because the active schema
// could not encode them
func (s *SampleIndexSink) Skipped() int64 { return s.skipped.Load() }

// Write indexes every sample of rows. A cell the schema cannot encode is
// skipped and its previous entry removed; the rest of the batch is written.

func (s *SampleIndexSink) Write(ctx context.Context, rows []*variantstore.Row) error {
	schema := s.registry.Active()
	if schema == nil {
		return types.NewSchemaError("sample index sink", "no active configuration")
	}

	// one mutation per sample index row, several variants per row
	muts := make(map[string]*storage.Mutation)
	var order []string
	for _, row := range rows {
		v, err := row.Variant()
		if err != nil {
			return err
		}
		for sample, data := range row.Samples {
			if !sampleindex.ValidSampleName(sample) {
				s.logger.WithFields(logrus.Fields{"variant": row.Key, "sample": sample}).Warn("skipping sample with invalid name")
				continue
			}
			key := string(sampleindex.RowKey(sample, v.Chromosome, v.Position))
			m, ok := muts[key]
			if !ok {
				m = &storage.Mutation{Key: []byte(key), Put: make(map[string][]byte)}
				muts[key] = m
				order = append(order, key)
			}

			cell, err := schema.EncodeCell(row.Annotation, data)
			if types.IsSchemaError(err) {
				// the schema cannot represent this cell; drop any older entry
				s.logger.WithError(err).WithFields(logrus.Fields{
					"action":  "index_write",
					"variant": row.Key,
					"sample":  sample,
				}).Warn("skipping cell the schema cannot encode")
				m.Delete = append(m.Delete, string(row.Key))
				s.skipped.Add(1)
				continue
			}
			if err != nil {
				return fmt.Errorf("variant %s sample %s: %w", row.Key, sample, err)
			}
			m.Put[string(row.Key)] = cell
		}
	}

	batch := make([]storage.Mutation, 0, len(order))
	for _, key := range order {
		batch = append(batch, *muts[key])
	}
	return s.store.BatchMutate(ctx, sampleindex.Table, batch)
}

// Remove deletes the cells of keys from every sample. The sample index is
// keyed by sample first, so this walks the whole table.
func (s *SampleIndexSink) Remove(ctx context.Context, keys []types.VariantKey) error {
	if len(keys) == 0 {
		return nil
	}
	cols := make([]string, len(keys))
	for i, key := range keys {
		cols[i] = string(key)
	}
	opts := storage.ScanOptions{
		Limit:   s.pageSize,
		Columns: cols,
		Filter:  func(r *storage.Row) bool { return len(r.Columns) > 0 },
	}

	var result *multierror.Error
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := s.store.Scan(ctx, sampleindex.Table, opts)
		if err != nil {
			return fmt.Errorf("failed to scan %s: %w", sampleindex.Table, err)
		}
		batch := make([]storage.Mutation, 0, len(page.Rows))
		for _, r := range page.Rows {
			m := storage.Mutation{Key: r.Key}
			for col := range r.Columns {
				m.Delete = append(m.Delete, col)
			}
			batch = append(batch, m)
		}
		if err := s.store.BatchMutate(ctx, sampleindex.Table, batch); err != nil {
			result = multierror.Append(result, err)
		}
		if page.Next == nil {
			return result.ErrorOrNil()
		}
		opts.After = page.Next
	}
}
