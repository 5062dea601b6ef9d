// Package mcp implements the Model Context Protocol (MCP) server for varindex.
//
// The server exposes the secondary index maintenance jobs as tools:
//   - get_status: pending counts per index kind and the active schema version
//   - discover_pending: mark variants whose secondary index entry is missing or stale
//   - clean_pending: drop markers of variants that are already in sync
//   - index_pending: write pending variants into the sample index
//   - load_variants: load variant records as a tracked batch operation
//   - annotate_variants: store transcript annotations of variants
//   - list_operations: show a study's batch operations and their timelines
//   - query_sample: find a sample's variants matching a sample index filter
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// # Typical Maintenance Cycle
//
//	load_variants     {"file_ids": [1], "records": [...]}
//	annotate_variants {"annotations": [...]}
//	discover_pending  {"kind": "sample_index"}
//	index_pending     {}
//	clean_pending     {"kind": "sample_index"}
//	query_sample      {"sample": "NA001", "filter": {"fields": [{"key": "FILTER", "values": ["PASS"]}]}}
//
// After a full rebuild of an index, pass its rebuild time as since to
// discover_pending so rows synced before it are marked again.
//
// # Tool: query_sample
//
//	Request:
//	{
//	  "name": "query_sample",
//	  "arguments": {
//	    "sample": "NA001",
//	    "chromosome": "22",
//	    "filter": {
//	      "fields": [{"key": "QUAL", "op": ">=", "value": 30}],
//	      "combination": {"consequence_types": ["missense_variant"], "biotypes": ["protein_coding"]}
//	    },
//	    "limit": 100
//	  }
//	}
//
//	Response:
//	{
//	  "sample": "NA001",
//	  "count": 1,
//	  "variants": ["22:0016050075:A:G"],
//	  "chromosomes": {"22": 1},
//	  "exact": true,
//	  "truncated": false
//	}
//
// When exact is false the index could not answer a filter precisely for
// some records (a threshold between two buckets, or a field missing from an
// older schema version) and the variants are a superset of the matches.
//
// # Error Handling
//
// Error codes:
//   - -32602: Invalid params (missing/invalid arguments)
//   - -32603: Internal error (store, indexing)
//   - -32001: Files claimed by another batch operation
//   - -32002: Indexing in progress
//   - -32003: Sample index schema mismatch
//   - -32004: Operation already completed on these files
//
// # Logging
//
// The server logs to stderr through logrus; stdout is reserved for the
// protocol. Set the level with VARINDEX_LOG_LEVEL.
package mcp
