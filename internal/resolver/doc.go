// Package resolver picks a deterministic winner among loaded records that
// describe the same variant coordinate, as happens when overlapping
// multi-sample files are merged.
//
// Records rank by FILTER first (a literal "PASS" beats everything else),
// then by numeric QUAL, highest first. A QUAL that does not parse ranks
// below every real quality and is never an error. Sorting is stable, so
// equal-ranked records keep their input order.
package resolver
