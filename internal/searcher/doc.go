// Package searcher answers sample queries from the sample index.
//
// A Request names a sample, optionally a chromosome, and a
// sampleindex.Query. The searcher scans the sample's index rows in key
// order, decodes every cell with the schema of the version that wrote it,
// and keeps the variants whose record matches:
//
//	s := searcher.NewSearcher(store, registry, 100, logger)
//	resp, err := s.Search(ctx, searcher.Request{
//	    Sample: "NA001",
//	    Filter: sampleindex.Query{Fields: []sampleindex.FieldFilter{
//	        {Key: "FILTER", Values: []string{"PASS"}},
//	        {Key: "QUAL", Op: sampleindex.OpGE, Value: 20},
//	    }},
//	})
//
// Matches are returned as variant keys and as one roaring bitmap of
// positions per chromosome. Records written under an older configuration
// are filtered with that version's compiled filter. A cell whose version
// the registry does not know fails the query with a *types.SchemaError.
//
// # Exactness
//
// Response.Exact is false when any compiled filter could not be answered
// exactly (a range bound inside a bucket, or a field the version does not
// index). The result is then a superset to verify against primary data.
//
// # Caching
//
// Requests with UseCache are cached in an LRU keyed by a hash of the
// request. Cached responses are deep copies. Invalidate drops the cache and
// should follow every indexing run; SetRegistry does so implicitly.
package searcher
