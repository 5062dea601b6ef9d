package indexer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/varindex/internal/pending"
	"github.com/dshills/varindex/internal/sampleindex"
	"github.com/dshills/varindex/internal/storage"
	"github.com/dshills/varindex/internal/variantstore"
	"github.com/dshills/varindex/pkg/types"
)

var (
	v1 = types.Variant{Chromosome: "22", Position: 16050075, Reference: "A", Alternate: "G"}
	v2 = types.Variant{Chromosome: "22", Position: 17100200, Reference: "C", Alternate: "T"}
)

type fixture struct {
	store    storage.Store
	registry *sampleindex.Registry
	manager  *pending.Manager
	sink     *SampleIndexSink
	indexer  *Indexer
}

func setupTestStorage(t testing.TB) storage.Store {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := setupTestStorage(t)

	w := variantstore.NewWriter(store, nil)
	_, err := w.WriteRecords(ctx, []*types.VariantRecord{
		{Variant: v1, FileID: 1, Sample: "NA001", Filter: "PASS", Qual: "50", Data: map[string]string{"DP": "25"}},
		{Variant: v1, FileID: 1, Sample: "NA002", Filter: "LowQual", Qual: "8"},
		{Variant: v2, FileID: 1, Sample: "NA001", Filter: "PASS", Qual: "31"},
	})
	require.NoError(t, err)
	require.NoError(t, w.Annotate(ctx, map[types.VariantKey]*types.Annotation{
		v1.Key(): {Transcripts: []types.Transcript{{
			ID: "ENST01", Biotype: "protein_coding", ConsequenceTypes: []string{"missense_variant"}, Flags: []string{"basic"},
		}}},
	}))

	versions, err := sampleindex.NewConfigStore(store).Ensure(ctx, "study", sampleindex.DefaultConfiguration(), time.Now())
	require.NoError(t, err)
	reg, err := sampleindex.NewRegistry(versions)
	require.NoError(t, err)

	mgr := pending.NewManager(store, pending.SampleIndexDescriptor(), pending.Options{PageSize: 1})
	_, err = mgr.DiscoverPending(ctx, time.Time{}, false)
	require.NoError(t, err)

	sink := NewSampleIndexSink(store, reg, nil)
	idx, err := New(store, mgr, sink, nil, nil)
	require.NoError(t, err)
	later := time.Now().Add(time.Minute)
	idx.now = func() time.Time { return later }

	return &fixture{store: store, registry: reg, manager: mgr, sink: sink, indexer: idx}
}

// annotate replaces the annotation of v with a single transcript and marks
// every row pending again
func (f *fixture) annotate(t *testing.T, v types.Variant, tr types.Transcript) {
	t.Helper()
	ctx := context.Background()
	err := variantstore.NewWriter(f.store, nil).Annotate(ctx, map[types.VariantKey]*types.Annotation{
		v.Key(): {Transcripts: []types.Transcript{tr}},
	})
	require.NoError(t, err)
	_, err = f.manager.DiscoverPending(ctx, time.Time{}, true)
	require.NoError(t, err)
}

func (f *fixture) cell(t *testing.T, sample string, v types.Variant) (*sampleindex.SampleRecord, bool) {
	t.Helper()
	row, err := f.store.Get(context.Background(), sampleindex.Table, sampleindex.RowKey(sample, v.Chromosome, v.Position))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false
	}
	require.NoError(t, err)
	raw, ok := row.Column(string(v.Key()))
	if !ok {
		return nil, false
	}
	rec, err := f.registry.DecodeCell(raw)
	require.NoError(t, err)
	return rec, true
}

func pendingCount(t *testing.T, m *pending.Manager) int {
	t.Helper()
	n, err := m.Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestIndexPending_Success(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	require.Equal(t, 2, pendingCount(t, f.manager))

	stats, err := f.indexer.IndexPending(ctx, pending.Query{}, &Config{Workers: 2, BatchSize: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.RowsIndexed)
	assert.Equal(t, 2, stats.Batches)
	assert.Zero(t, stats.RowsFailed)
	assert.Empty(t, stats.ErrorMessages)
	assert.Zero(t, pendingCount(t, f.manager))

	rec, ok := f.cell(t, "NA001", v1)
	require.True(t, ok)
	assert.Equal(t, 1, rec.Version)
	filter, _ := f.registry.Active().Field("FILTER")
	value, ok := filter.DecodeValue(rec.Codes["FILTER"])
	require.True(t, ok)
	assert.Equal(t, "PASS", value)

	_, ok = f.cell(t, "NA002", v1)
	assert.True(t, ok)
	_, ok = f.cell(t, "NA001", v2)
	assert.True(t, ok)

	// nothing changed since the run
	_, err = f.manager.DiscoverPending(ctx, time.Time{}, false)
	require.NoError(t, err)
	assert.Zero(t, pendingCount(t, f.manager))
}

func TestIndexPending_EmptyPendingSet(t *testing.T) {
	f := setup(t)
	_, err := f.indexer.IndexPending(context.Background(), pending.Query{}, nil)
	require.NoError(t, err)

	stats, err := f.indexer.IndexPending(context.Background(), pending.Query{}, nil)
	require.NoError(t, err)
	assert.Zero(t, stats.Batches)
	assert.Zero(t, stats.RowsIndexed)
}

func TestIndexPending_RemovesDeletedVariants(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	_, err := f.indexer.IndexPending(ctx, pending.Query{}, nil)
	require.NoError(t, err)

	require.NoError(t, variantstore.NewWriter(f.store, nil).Delete(ctx, []types.VariantKey{v2.Key()}))
	mark := storage.Mutation{Key: []byte(v2.Key()), Put: map[string][]byte{pending.MarkerColumn: {1}}}
	require.NoError(t, f.store.BatchMutate(ctx, f.manager.PendingTable(), []storage.Mutation{mark}))

	stats, err := f.indexer.IndexPending(ctx, pending.Query{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RowsRemoved)
	assert.Zero(t, pendingCount(t, f.manager))

	_, ok := f.cell(t, "NA001", v2)
	assert.False(t, ok)
	_, ok = f.cell(t, "NA001", v1)
	assert.True(t, ok, "other variants are untouched")
}

func TestIndexPending_NonsenseMediatedDecay(t *testing.T) {
	f := setup(t)
	f.annotate(t, v2, types.Transcript{
		ID: "ENST02", Biotype: "nonsense_mediated_decay", ConsequenceTypes: []string{"stop_gained"}, Flags: []string{"basic"},
	})

	stats, err := f.indexer.IndexPending(context.Background(), pending.Query{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.RowsIndexed)
	assert.Zero(t, stats.RowsFailed)
	assert.Zero(t, pendingCount(t, f.manager))

	rec, ok := f.cell(t, "NA001", v2)
	require.True(t, ok)
	assert.NotNil(t, rec.Combination)
	assert.Zero(t, f.sink.Skipped())
}

func TestIndexPending_SkipsUnencodableCells(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	_, err := f.indexer.IndexPending(ctx, pending.Query{}, nil)
	require.NoError(t, err)
	_, ok := f.cell(t, "NA001", v2)
	require.True(t, ok)

	// a coding consequence on a miRNA transcript has no combination id
	f.annotate(t, v2, types.Transcript{
		ID: "ENST03", Biotype: "miRNA", ConsequenceTypes: []string{"missense_variant"}, Flags: []string{"basic"},
	})
	stats, err := f.indexer.IndexPending(ctx, pending.Query{}, &Config{BatchSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.RowsIndexed)
	assert.Zero(t, stats.RowsFailed)
	assert.Empty(t, stats.ErrorMessages)
	assert.Zero(t, pendingCount(t, f.manager))
	assert.EqualValues(t, 1, f.sink.Skipped())

	_, ok = f.cell(t, "NA001", v2)
	assert.False(t, ok, "the stale cell is removed")
	_, ok = f.cell(t, "NA001", v1)
	assert.True(t, ok)
	_, ok = f.cell(t, "NA002", v1)
	assert.True(t, ok)
}

// deletingSink deletes a primary row while its batch is being indexed
type deletingSink struct {
	*SampleIndexSink
	store storage.Store
	key   types.VariantKey
}

func (d *deletingSink) Write(ctx context.Context, rows []*variantstore.Row) error {
	if err := d.SampleIndexSink.Write(ctx, rows); err != nil {
		return err
	}
	return variantstore.NewWriter(d.store, nil).Delete(ctx, []types.VariantKey{d.key})
}

func TestIndexPending_RowDeletedDuringIndexing(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	sink := &deletingSink{SampleIndexSink: f.sink, store: f.store, key: v2.Key()}
	idx, err := New(f.store, f.manager, sink, nil, nil)
	require.NoError(t, err)

	stats, err := idx.IndexPending(ctx, pending.Query{}, &Config{BatchSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RowsIndexed)
	assert.Equal(t, 1, stats.RowsRemoved)
	assert.Zero(t, stats.RowsFailed)
	assert.Zero(t, pendingCount(t, f.manager))

	_, err = f.store.Get(ctx, variantstore.Table, []byte(v2.Key()))
	assert.ErrorIs(t, err, storage.ErrNotFound, "marking synced must not recreate the row")
	_, ok := f.cell(t, "NA001", v2)
	assert.False(t, ok)
	_, ok = f.cell(t, "NA001", v1)
	assert.True(t, ok)
}

type failingSink struct{}

func (failingSink) Kind() string { return pending.KindSampleIndex }

func (failingSink) Write(context.Context, []*variantstore.Row) error { return assert.AnError }

func (failingSink) Remove(context.Context, []types.VariantKey) error { return nil }

func TestIndexPending_SinkFailureKeepsMarkers(t *testing.T) {
	f := setup(t)
	idx, err := New(f.store, f.manager, failingSink{}, nil, nil)
	require.NoError(t, err)

	stats, err := idx.IndexPending(context.Background(), pending.Query{}, &Config{BatchSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.RowsFailed)
	assert.Zero(t, stats.RowsIndexed)
	require.Len(t, stats.ErrorMessages, 1)
	assert.Contains(t, stats.ErrorMessages[0], assert.AnError.Error())
	assert.Equal(t, 2, pendingCount(t, f.manager))
}

func TestIndexPending_Chromosome(t *testing.T) {
	f := setup(t)
	stats, err := f.indexer.IndexPending(context.Background(), pending.Query{Chromosome: "1"}, nil)
	require.NoError(t, err)
	assert.Zero(t, stats.RowsIndexed)
	assert.Equal(t, 2, pendingCount(t, f.manager))
}

func TestIndexPending_ConcurrentCalls(t *testing.T) {
	f := setup(t)
	require.True(t, f.indexer.lock.TryAcquire())
	_, err := f.indexer.IndexPending(context.Background(), pending.Query{}, nil)
	assert.ErrorIs(t, err, ErrIndexingInProgress)

	f.indexer.lock.Release()
	assert.False(t, f.indexer.lock.Held())
	_, err = f.indexer.IndexPending(context.Background(), pending.Query{}, nil)
	assert.NoError(t, err)
}

func TestIndexPending_ContextCancellation(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.indexer.IndexPending(ctx, pending.Query{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, pendingCount(t, f.manager))
}

func TestNew_KindMismatch(t *testing.T) {
	f := setup(t)
	search := pending.NewManager(f.store, pending.SearchIndexDescriptor(), pending.Options{})
	_, err := New(f.store, search, NewSampleIndexSink(f.store, f.registry, nil), nil, nil)
	assert.Error(t, err)
}
