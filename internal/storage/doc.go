// Package storage provides the column-family store the index components run on.
//
// The model is deliberately narrow: tables of rows addressed by a binary row
// key, each row a sparse map of named columns. The components consume four
// operations only:
//   - Scan: paginated, projected, filtered walk over a table in key order
//   - Get: read one row
//   - ConditionalPut: single-cell compare-and-set, the only atomic
//     read-modify-write the subsystem relies on
//   - BatchMutate: best-effort multi-row write with per-mutation failures
//
// # Backends
//
//   - SQLiteStore: one cells(tbl, row_key, col, value) table, semver-tracked
//     migrations. Default; pure Go driver unless built with -tags sqlite_cgo.
//   - BoltStore: embedded bbolt file, bucket per table, nested bucket per row.
//   - DynamoDBStore: one DynamoDB table (partition = logical table, sort =
//     row key), CAS through conditional UpdateItem.
//
// # Basic Usage
//
//	store, err := storage.Open(ctx, storage.Options{Backend: "sqlite", Path: "varindex.db"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	page, err := store.Scan(ctx, "variants", storage.ScanOptions{
//	    Limit:   500,
//	    Columns: []string{"u", "sync:*"},
//	})
//	for page.Next != nil {
//	    page, err = store.Scan(ctx, "variants", storage.ScanOptions{After: page.Next, Limit: 500})
//	}
//
// # Partial Failures
//
// BatchMutate never aborts a batch because one mutation failed. Failed
// mutations are reported through *BatchError:
//
//	err := store.BatchMutate(ctx, "pending_search", mutations)
//	var be *storage.BatchError
//	if errors.As(err, &be) {
//	    for _, f := range be.Failures() {
//	        log.Printf("row %q: %v", f.Key, f.Err)
//	    }
//	}
//
// # Retries
//
// WithRetry wraps any Store so Scan, Get and BatchMutate are retried with
// exponential backoff. Schema errors, conflicts, invalid mutations and
// cancellation are never retried.
package storage
