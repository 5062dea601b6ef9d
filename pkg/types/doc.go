// Package types provides shared type definitions for the varindex service.
//
// This package defines the domain types used across the index components:
// variant coordinates and their row keys, annotations, per-sample data and
// loaded variant records, plus the error taxonomy shared by all packages.
//
// # Variant Keys
//
// A Variant is addressed in the primary table by its VariantKey:
//
//	v := types.Variant{Chromosome: "1", Position: 12345, Reference: "A", Alternate: "T"}
//	key := v.Key() // "1:0000012345:A:T"
//
// Positions are zero-padded so that keys of one chromosome sort in genomic
// order, which lets paginated scans walk a chromosome front to back.
//
// # Errors
//
// Two typed errors cross package boundaries:
//
//	*types.SchemaError   // index and query disagree on the schema; fatal
//	*types.ConflictError // a batch operation overlaps another; retryable
//
// Use errors.As or the IsSchemaError / IsConflictError helpers to classify.
package types
