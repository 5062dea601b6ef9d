package operations

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/varindex/internal/metrics"
	"github.com/dshills/varindex/internal/storage"
	"github.com/dshills/varindex/pkg/types"
)

func setupTracker(t *testing.T) *Tracker {
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewTracker(store, nil, nil)
}

// frozenClock returns the same instant on every call
func frozenClock() func() time.Time {
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func TestBeginComplete(t *testing.T) {
	ctx := context.Background()
	tr := setupTracker(t)

	h, err := tr.Begin(ctx, "s1", "load", []int{3, 1, 2, 1})
	require.NoError(t, err)

	op, err := tr.Get(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, op.FileIDs)
	assert.Equal(t, StatusRunning, op.CurrentStatus())

	require.NoError(t, tr.Complete(ctx, h, StatusReady))
	op, err = tr.Get(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, op.CurrentStatus())
	require.Len(t, op.Timeline, 2)

	assert.ErrorIs(t, tr.Complete(ctx, h, StatusError), ErrNotRunning, "READY is terminal")
	assert.ErrorIs(t, tr.Complete(ctx, Handle{Study: "s1", ID: 99}, StatusReady), ErrOperationNotFound)
}

func TestBeginRejectsOverlap(t *testing.T) {
	ctx := context.Background()
	tr := setupTracker(t)

	_, err := tr.Begin(ctx, "s1", "load", []int{1, 2})
	require.NoError(t, err)

	_, err = tr.Begin(ctx, "s1", "load", []int{2, 3})
	var ce *types.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "RUNNING", ce.BlockingStatus)
	assert.Equal(t, []int{1, 2}, ce.BlockingFileIDs)
	assert.False(t, ce.Resumable)

	// disjoint files and other studies are independent
	_, err = tr.Begin(ctx, "s1", "load", []int{4})
	assert.NoError(t, err)
	_, err = tr.Begin(ctx, "s2", "load", []int{1, 2})
	assert.NoError(t, err)

	_, err = tr.Begin(ctx, "s1", "load", nil)
	assert.ErrorIs(t, err, ErrNoFiles)
}

func TestConcurrentBeginSingleWinner(t *testing.T) {
	ctx := context.Background()
	tr := setupTracker(t)

	const loaders = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []Handle
		conflicts int
	)
	for i := 0; i < loaders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := tr.Begin(ctx, "s1", "load", []int{10, 11 + i%2})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, h)
			case types.IsConflictError(err):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, loaders-1, conflicts)

	// the winner fails; the same loader may now resume
	w := winners[0]
	require.NoError(t, tr.Complete(ctx, w, StatusError))
	op, err := tr.Get(ctx, w)
	require.NoError(t, err)

	h, err := tr.Resume(ctx, "s1", "load", op.FileIDs)
	require.NoError(t, err)
	assert.Equal(t, w.ID, h.ID, "resume continues the failed operation")

	op, err = tr.Get(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, []Status{StatusRunning, StatusError, StatusRunning}, statuses(op))
}

func TestFailedOperationBlocks(t *testing.T) {
	ctx := context.Background()
	tr := setupTracker(t)

	h, err := tr.Begin(ctx, "s1", "load", []int{1, 2})
	require.NoError(t, err)
	require.NoError(t, tr.Complete(ctx, h, StatusError))

	_, err = tr.Begin(ctx, "s1", "load", []int{1, 2})
	var ce *types.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Resumable)
	assert.Equal(t, "ERROR", ce.BlockingStatus)

	_, err = tr.Begin(ctx, "s1", "load", []int{2, 3})
	require.ErrorAs(t, err, &ce)
	assert.False(t, ce.Resumable, "a different file set cannot resume")
}

func TestResumeRules(t *testing.T) {
	ctx := context.Background()
	tr := setupTracker(t)

	_, err := tr.Resume(ctx, "s1", "load", []int{1})
	assert.ErrorIs(t, err, ErrNothingToResume)

	h, err := tr.Begin(ctx, "s1", "load", []int{1})
	require.NoError(t, err)

	_, err = tr.Resume(ctx, "s1", "load", []int{1})
	assert.True(t, types.IsConflictError(err), "cannot resume a running operation")

	require.NoError(t, tr.Complete(ctx, h, StatusReady))
	_, err = tr.Resume(ctx, "s1", "load", []int{1})
	assert.ErrorIs(t, err, ErrNothingToResume, "READY has nothing to resume")

	_, err = tr.Begin(ctx, "s1", "load", []int{1})
	assert.ErrorIs(t, err, ErrOperationReady)

	// another kind of operation on the same files may still run
	_, err = tr.Begin(ctx, "s1", "annotate", []int{1})
	assert.NoError(t, err)
}

func TestTimelineStrictlyIncreasing(t *testing.T) {
	ctx := context.Background()
	tr := setupTracker(t)
	tr.now = frozenClock()

	h, err := tr.Begin(ctx, "s1", "load", []int{1})
	require.NoError(t, err)
	require.NoError(t, tr.Complete(ctx, h, StatusError))
	_, err = tr.Resume(ctx, "s1", "load", []int{1})
	require.NoError(t, err)
	require.NoError(t, tr.Complete(ctx, h, StatusReady))

	op, err := tr.Get(ctx, h)
	require.NoError(t, err)
	require.Len(t, op.Timeline, 4)
	for i := 1; i < len(op.Timeline); i++ {
		assert.True(t, op.Timeline[i].At.After(op.Timeline[i-1].At), "entry %d", i)
	}
	assert.Equal(t, StatusReady, op.CurrentStatus())
}

func TestOperationsOnBolt(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "ops.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	tr := NewTracker(store, nil, m)

	h1, err := tr.Begin(ctx, "s1", "load", []int{1})
	require.NoError(t, err)
	_, err = tr.Begin(ctx, "s1", "load", []int{2})
	require.NoError(t, err)
	require.NoError(t, tr.Complete(ctx, h1, StatusReady))
	_, err = tr.Begin(ctx, "s1", "load", []int{2})
	require.Error(t, err)

	ops, err := tr.Operations(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, StatusReady, ops[0].CurrentStatus())
	assert.Equal(t, StatusRunning, ops[1].CurrentStatus())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Operations.WithLabelValues("load", "RUNNING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("load", "CONFLICT")))

	empty, err := tr.Operations(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestReadyOperationsAreArchived(t *testing.T) {
	ctx := context.Background()
	tr := setupTracker(t)
	tr.keepReady = 2

	failed, err := tr.Begin(ctx, "s1", "load", []int{100})
	require.NoError(t, err)
	require.NoError(t, tr.Complete(ctx, failed, StatusError))

	var handles []Handle
	for file := 1; file <= 4; file++ {
		h, err := tr.Begin(ctx, "s1", "load", []int{file})
		require.NoError(t, err)
		require.NoError(t, tr.Complete(ctx, h, StatusReady))
		handles = append(handles, h)
	}
	// a study whose name extends s1 shares its archive key prefix
	for file := 1; file <= 3; file++ {
		h, err := tr.Begin(ctx, "s1:x", "load", []int{file})
		require.NoError(t, err)
		require.NoError(t, tr.Complete(ctx, h, StatusReady))
	}

	l, _, err := tr.load(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, l.Ops, 3, "the failed operation and the two newest READY ones stay in the log")
	assert.Equal(t, failed.ID, l.Ops[0].ID)
	assert.Equal(t, []int64{handles[2].ID, handles[3].ID}, []int64{l.Ops[1].ID, l.Ops[2].ID})

	ops, err := tr.Operations(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, ops, 5)
	for i := 1; i < len(ops); i++ {
		assert.Less(t, ops[i-1].ID, ops[i].ID)
	}

	op, err := tr.Get(ctx, handles[0])
	require.NoError(t, err)
	assert.Equal(t, StatusReady, op.CurrentStatus())
	assert.Equal(t, []int{1}, op.FileIDs)

	_, err = tr.Begin(ctx, "s1", "load", []int{1})
	assert.ErrorIs(t, err, ErrOperationReady, "archived operations still count as done")
	assert.ErrorIs(t, tr.Complete(ctx, handles[0], StatusError), ErrNotRunning)

	_, err = tr.Begin(ctx, "s1", "load", []int{100})
	var ce *types.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Resumable, "failed operations are never archived")
}

func TestCompleteRejectsRunningStatus(t *testing.T) {
	tr := setupTracker(t)
	err := tr.Complete(context.Background(), Handle{Study: "s1", ID: 1}, StatusRunning)
	assert.True(t, errors.Is(err, ErrInvalidStatus))
}

func TestOverlaps(t *testing.T) {
	op := Operation{FileIDs: []int{2, 5, 9}}
	assert.True(t, op.Overlaps([]int{1, 9}))
	assert.False(t, op.Overlaps([]int{1, 3, 6, 10}))
	assert.False(t, op.Overlaps(nil))
	assert.True(t, op.SameFiles([]int{2, 5, 9}))
}

func statuses(op Operation) []Status {
	out := make([]Status, len(op.Timeline))
	for i, e := range op.Timeline {
		out[i] = e.Status
	}
	return out
}
