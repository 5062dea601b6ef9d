// Package sampleindex implements the per-sample variant index encoding.
//
// Every (sample, variant) pair is stored as a fixed-width bit record. The
// record layout is derived from a Configuration: an ordered list of fields,
// each read from the loaded file (FILE), the sample's FORMAT data (SAMPLE)
// or the variant annotation (ANNOTATION), plus an optional combination
// index over (consequence type, biotype, transcript flag).
//
// # Field Types
//
//	CATEGORICAL              code 1..n for configured values, 0 for NA
//	CATEGORICAL_MULTI_VALUE  one bit per configured value
//	RANGE_LT / RANGE_GT      bucket = number of thresholds <= value,
//	                         with a dedicated NA bucket after the last one
//
// Malformed input never fails encoding: it maps to NA. Only disagreements
// between a record and the schema that is asked to read it are errors,
// reported as *types.SchemaError.
//
// # Versions
//
// Configurations are immutable. Changing the configuration of a study
// appends a new version (STAGING), which is then activated; the previous
// ACTIVE version becomes DEPRECATED. Records carry their version, so a
// Registry can decode data written under any version:
//
//	versions, err := sampleindex.NewConfigStore(store).Ensure(ctx, study, cfg, time.Now())
//	reg, err := sampleindex.NewRegistry(versions)
//	record, err := reg.Active().EncodeSample(reg.Active().Collect(ann, sample))
//
// # Queries
//
// A Query names fields by key and is compiled against a concrete schema.
// The compiled RecordFilter reports whether its matches are exact; when a
// range filter cuts through a bucket, or a value is not indexed, candidates
// must be verified against the primary variant data.
package sampleindex
