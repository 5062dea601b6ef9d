// Package variantstore defines the layout of the primary variant table and
// writes loaded data into it.
//
// A variant row is keyed by types.VariantKey and has these columns:
//
//	a             annotation (msgpack)
//	s:<sample>    sample data from the winning record (msgpack)
//	u             last update, 8-byte big-endian unix nanoseconds
//	sync:<kind>   when the secondary index of that kind last indexed the row
//
// A row needs syncing for a kind when it has no sync column for it, or its
// update timestamp is newer. The Loader wraps writes in a tracked batch
// operation so overlapping loads are refused.
package variantstore
