// Package pending tracks primary table rows that a secondary index has not
// yet picked up.
//
// Each kind of secondary index is described by a Descriptor. Discovery
// scans the primary table and writes a marker row into a shadow table
// (variants_pending_<kind>) for every row the descriptor reports out of
// sync. Indexing jobs read the markers through Reader or Iterator and call
// MarkSynced once the rows are indexed. The Cleaner drops markers for rows
// that turned out to be in sync already.
//
// Discovery is additive and idempotent, so every job here can be re-run
// after a crash.
package pending
