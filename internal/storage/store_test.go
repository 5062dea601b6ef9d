package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *SQLiteStore {
	// Use in-memory database for testing
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	require.NotNil(t, store)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func setupBoltStore(t *testing.T) *BoltStore {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func setupDynamoStore(t *testing.T) *DynamoDBStore {
	return NewDynamoDBStore(newMockDDBClient(), "varindex-test")
}

// backends runs fn against every Store implementation
func backends(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, setupTestDB(t)) })
	t.Run("bolt", func(t *testing.T) { fn(t, setupBoltStore(t)) })
	t.Run("dynamodb", func(t *testing.T) { fn(t, setupDynamoStore(t)) })
}

func put(t *testing.T, store Store, table, key string, cols map[string]string) {
	t.Helper()
	m := Mutation{Key: []byte(key), Put: make(map[string][]byte, len(cols))}
	for k, v := range cols {
		m.Put[k] = []byte(v)
	}
	require.NoError(t, store.BatchMutate(context.Background(), table, []Mutation{m}))
}

func TestStoreGetAndProject(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		put(t, store, "variants", "1:0000000100:A:T", map[string]string{
			"a": "ann", "s:NA001": "x", "s:NA002": "y", "u": "1",
		})

		row, err := store.Get(ctx, "variants", []byte("1:0000000100:A:T"))
		require.NoError(t, err)
		assert.Len(t, row.Columns, 4)

		row, err = store.Get(ctx, "variants", []byte("1:0000000100:A:T"), "s:*", "u")
		require.NoError(t, err)
		assert.Len(t, row.Columns, 3)
		assert.Equal(t, map[string][]byte{"NA001": []byte("x"), "NA002": []byte("y")}, row.ColumnsWithPrefix("s:"))
		_, ok := row.Column("a")
		assert.False(t, ok)

		_, err = store.Get(ctx, "variants", []byte("missing"))
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.Get(ctx, "other", []byte("1:0000000100:A:T"))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreScanPagination(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		for i := 0; i < 25; i++ {
			put(t, store, "t", fmt.Sprintf("k%03d", i), map[string]string{"v": fmt.Sprint(i)})
		}
		put(t, store, "other", "k000", map[string]string{"v": "x"})

		var (
			keys  []string
			pages int
			opts  = ScanOptions{Limit: 10}
		)
		for {
			page, err := store.Scan(ctx, "t", opts)
			require.NoError(t, err)
			pages++
			for _, r := range page.Rows {
				keys = append(keys, string(r.Key))
			}
			if page.Next == nil {
				break
			}
			opts.After = page.Next
		}

		assert.Equal(t, 3, pages)
		require.Len(t, keys, 25)
		assert.Equal(t, "k000", keys[0])
		assert.Equal(t, "k024", keys[24])
		assert.IsIncreasing(t, keys)
	})
}

func TestStoreScanFilterAndPrefix(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		put(t, store, "t", "a:1", map[string]string{"keep": "y"})
		put(t, store, "t", "b:1", map[string]string{"keep": "n"})
		put(t, store, "t", "b:2", map[string]string{"keep": "y", "extra": "z"})
		put(t, store, "t", "c:1", map[string]string{"keep": "y"})

		page, err := store.Scan(ctx, "t", ScanOptions{
			Prefix:  []byte("b:"),
			Columns: []string{"keep"},
			Filter: func(r *Row) bool {
				v, _ := r.Column("keep")
				return string(v) == "y"
			},
		})
		require.NoError(t, err)
		require.Len(t, page.Rows, 1)
		assert.Equal(t, "b:2", string(page.Rows[0].Key))
		assert.Len(t, page.Rows[0].Columns, 1)
		assert.Nil(t, page.Next)

		page, err = store.Scan(ctx, "t", ScanOptions{Prefix: []byte("b:"), After: []byte("b:1")})
		require.NoError(t, err)
		require.Len(t, page.Rows, 1)
		assert.Equal(t, "b:2", string(page.Rows[0].Key))
	})
}

func TestStoreConditionalPut(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		key := []byte("study:s1")

		ok, err := store.ConditionalPut(ctx, "ops", key, "log", nil, []byte("v1"))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.ConditionalPut(ctx, "ops", key, "log", nil, []byte("v1b"))
		require.NoError(t, err)
		assert.False(t, ok, "cell already exists")

		ok, err = store.ConditionalPut(ctx, "ops", key, "log", []byte("stale"), []byte("v2"))
		require.NoError(t, err)
		assert.False(t, ok, "expected value mismatch")

		ok, err = store.ConditionalPut(ctx, "ops", key, "log", []byte("v1"), []byte("v2"))
		require.NoError(t, err)
		assert.True(t, ok)

		row, err := store.Get(ctx, "ops", key)
		require.NoError(t, err)
		v, _ := row.Column("log")
		assert.Equal(t, "v2", string(v))

		_, err = store.ConditionalPut(ctx, "ops", nil, "log", nil, []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidMutation)
	})
}

func TestStoreConditionalPutSingleWinner(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := store.ConditionalPut(ctx, "ops", []byte("race"), "log", nil, []byte(fmt.Sprint(i)))
				assert.NoError(t, err)
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

func TestStoreBatchMutatePartialFailure(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		err := store.BatchMutate(ctx, "pending", []Mutation{
			{Key: []byte("r1"), Put: map[string][]byte{"p": {1}}},
			{Key: nil, Put: map[string][]byte{"p": {1}}},
			{Key: []byte("r3"), Put: map[string][]byte{"p": {1}}},
			{Key: []byte("r4")},
		})
		require.Error(t, err)

		var be *BatchError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, 2, be.Len())
		assert.Equal(t, 4, be.Total)
		failures := be.Failures()
		require.Len(t, failures, 2)
		assert.Equal(t, 1, failures[0].Index)
		assert.Equal(t, 3, failures[1].Index)
		assert.ErrorIs(t, err, ErrInvalidMutation)

		for _, k := range []string{"r1", "r3"} {
			_, err := store.Get(ctx, "pending", []byte(k))
			assert.NoError(t, err, k)
		}
	})
}

func TestStoreDeletes(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		put(t, store, "t", "r1", map[string]string{"a": "1", "b": "2"})
		put(t, store, "t", "r2", map[string]string{"a": "1"})

		require.NoError(t, store.BatchMutate(ctx, "t", []Mutation{
			{Key: []byte("r1"), Delete: []string{"a"}},
			{Key: []byte("r2"), DeleteRow: true},
			{Key: []byte("absent"), Delete: []string{"a"}},
		}))

		row, err := store.Get(ctx, "t", []byte("r1"))
		require.NoError(t, err)
		assert.Equal(t, map[string][]byte{"b": []byte("2")}, row.Columns)

		_, err = store.Get(ctx, "t", []byte("r2"))
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.Get(ctx, "t", []byte("absent"))
		assert.ErrorIs(t, err, ErrNotFound)

		// removing the last column removes the row
		require.NoError(t, store.BatchMutate(ctx, "t", []Mutation{{Key: []byte("r1"), Delete: []string{"b"}}}))
		page, err := store.Scan(ctx, "t", ScanOptions{})
		require.NoError(t, err)
		assert.Empty(t, page.Rows)
	})
}

func TestStoreRequiredColumn(t *testing.T) {
	backends(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		put(t, store, "t", "r1", map[string]string{"u": "1"})
		put(t, store, "t", "r2", map[string]string{"a": "1"})

		err := store.BatchMutate(ctx, "t", []Mutation{
			{Key: []byte("r1"), Put: map[string][]byte{"sync": {1}}, Require: "u"},
			{Key: []byte("r2"), Put: map[string][]byte{"sync": {1}}, Require: "u"},
			{Key: []byte("deleted"), Put: map[string][]byte{"sync": {1}}, Require: "u"},
		})
		var be *BatchError
		require.ErrorAs(t, err, &be)
		failures := be.Failures()
		require.Len(t, failures, 2)
		assert.Equal(t, 1, failures[0].Index)
		assert.Equal(t, 2, failures[1].Index)
		assert.ErrorIs(t, err, ErrConditionFailed)
		assert.False(t, IsRetryable(err))

		row, err := store.Get(ctx, "t", []byte("r1"))
		require.NoError(t, err)
		assert.Equal(t, []byte{1}, row.Columns["sync"])

		row, err = store.Get(ctx, "t", []byte("r2"))
		require.NoError(t, err)
		assert.NotContains(t, row.Columns, "sync")

		// a failed condition never creates the row
		_, err = store.Get(ctx, "t", []byte("deleted"))
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Options{Backend: "cassandra"})
	assert.Error(t, err)

	_, err = Open(context.Background(), Options{Backend: BackendBolt})
	assert.Error(t, err)

	store, err := Open(context.Background(), Options{Backend: BackendSQLite, Path: ":memory:"})
	require.NoError(t, err)
	assert.NoError(t, store.Close())
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte("b"), prefixEnd([]byte("a")))
	assert.Equal(t, []byte("b"), prefixEnd([]byte{'a', 0xff}))
	assert.Nil(t, prefixEnd([]byte{0xff, 0xff}))
}
