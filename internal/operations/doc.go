// Package operations tracks batch file operations so that conflicting loads
// of the same files cannot run at the same time.
//
// Each operation has an append-only status timeline:
//
//	∅ → RUNNING → READY
//	            → ERROR → RUNNING (resume) → ...
//
// READY is terminal for an operation on a file set. ERROR blocks every
// overlapping operation until the failed one is resumed and finishes.
//
// # Basic Usage
//
//	tracker := operations.NewTracker(store, logger, metrics)
//
//	h, err := tracker.Begin(ctx, "study1", "load", []int{1, 2})
//	var conflict *types.ConflictError
//	if errors.As(err, &conflict) && conflict.Resumable {
//	    h, err = tracker.Resume(ctx, "study1", "load", []int{1, 2})
//	}
//	...
//	err = tracker.Complete(ctx, h, operations.StatusReady)
//
// # Storage
//
// The whole log of a study lives in one cell of the operations table and
// is replaced with compare-and-set on every change. The check for running
// or failed overlaps and the append of the new entry therefore happen in
// one atomic step on the store, with no client-side locking.
//
// The log keeps every RUNNING and ERROR operation but only the newest READY
// ones. Older READY operations move to the archive table, one row each,
// where Begin still finds them.
package operations
