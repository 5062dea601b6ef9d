// Package indexer moves pending variant rows into a secondary index.
//
// An Indexer pairs a pending.Manager with a Sink of the same kind. A run
// reads the pending keys in batches and processes batches concurrently:
//
//  1. Take the sync timestamp
//  2. Load the primary rows of the batch
//  3. Remove variants whose row is gone from the sink, and drop their markers
//  4. Write the remaining rows to the sink
//  5. MarkSynced: record the timestamp on the rows and clear their markers
//  6. Remove rows deleted since step 2 from the sink, and drop their markers
//
// A cell the active schema cannot encode is skipped with a warning; the
// rest of its batch is still indexed.
//
// A batch that fails at any step keeps its markers, so the next run picks
// it up again. Sinks must therefore accept the same row more than once.
//
// # Basic Usage
//
//	mgr := pending.NewManager(store, pending.SampleIndexDescriptor(), pending.Options{})
//	sink := indexer.NewSampleIndexSink(store, registry, logger)
//	idx, err := indexer.New(store, mgr, sink, logger, metrics)
//
//	stats, err := idx.IndexPending(ctx, pending.Query{}, &indexer.Config{Workers: 4})
//	fmt.Printf("indexed %d rows, %d failed\n", stats.RowsIndexed, stats.RowsFailed)
//
// # Sample Index Layout
//
// SampleIndexSink writes one cell per sample and variant. Rows group the
// variants of one sample within a 1 Mb bucket of one chromosome; the cell
// column is the variant key and the value is the record prefixed with the
// schema version that encoded it (see sampleindex.EncodeCell).
//
// Only one run of an Indexer proceeds at a time; a concurrent call returns
// ErrIndexingInProgress.
package indexer
