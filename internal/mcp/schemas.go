package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

func kindProperty() map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": "Secondary index kind",
		"enum":        []string{"search", "sample_index"},
	}
}

func sinceProperty() map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": "RFC3339 time the secondary index was last rebuilt; rows synced before it are pending again",
	}
}

// getStatusTool returns the tool definition for get_status
func getStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_status",
		Description: "Report pending variant counts per index kind and the active sample index schema",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}

// discoverPendingTool returns the tool definition for discover_pending
func discoverPendingTool() mcp.Tool {
	return mcp.Tool{
		Name:        "discover_pending",
		Description: "Scan the variant table and mark every variant the secondary index is missing or holds stale",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"kind":  kindProperty(),
				"since": sinceProperty(),
				"overwrite": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, mark every variant regardless of sync timestamps (full rebuild)",
					"default":     false,
				},
			},
			Required: []string{"kind"},
		},
	}
}

// cleanPendingTool returns the tool definition for clean_pending
func cleanPendingTool() mcp.Tool {
	return mcp.Tool{
		Name:        "clean_pending",
		Description: "Remove pending markers of variants that are already in sync",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"kind":  kindProperty(),
				"since": sinceProperty(),
			},
			Required: []string{"kind"},
		},
	}
}

// indexPendingTool returns the tool definition for index_pending
func indexPendingTool() mcp.Tool {
	return mcp.Tool{
		Name:        "index_pending",
		Description: "Write pending variants into the sample index and clear their markers",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"kind": map[string]interface{}{
					"type":        "string",
					"description": "Secondary index kind; only sample_index has a writer",
					"enum":        []string{"sample_index"},
					"default":     "sample_index",
				},
				"chromosome": map[string]interface{}{
					"type":        "string",
					"description": "Restrict the run to one chromosome",
				},
			},
		},
	}
}

// loadVariantsTool returns the tool definition for load_variants
func loadVariantsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "load_variants",
		Description: "Load variant records of a set of files as one tracked batch operation",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"study": map[string]interface{}{
					"type":        "string",
					"description": "Study the files belong to",
					"default":     DefaultStudy,
				},
				"operation": map[string]interface{}{
					"type":        "string",
					"description": "Operation name recorded in the study's operation log",
					"default":     "load",
				},
				"file_ids": map[string]interface{}{
					"type":        "array",
					"description": "Files claimed by the operation",
					"items":       map[string]interface{}{"type": "integer"},
				},
				"records": map[string]interface{}{
					"type":        "array",
					"description": "Variant records, one per sample",
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"variant": map[string]interface{}{"type": "string", "description": "chrom:pos:ref:alt"},
							"file_id": map[string]interface{}{"type": "integer"},
							"sample":  map[string]interface{}{"type": "string"},
							"filter":  map[string]interface{}{"type": "string"},
							"qual":    map[string]interface{}{"type": "string"},
							"data": map[string]interface{}{
								"type":                 "object",
								"additionalProperties": map[string]interface{}{"type": "string"},
							},
						},
						"required": []string{"variant", "file_id", "sample"},
					},
				},
			},
			Required: []string{"file_ids", "records"},
		},
	}
}

// annotateVariantsTool returns the tool definition for annotate_variants
func annotateVariantsTool() mcp.Tool {
	stringArray := map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}}
	return mcp.Tool{
		Name:        "annotate_variants",
		Description: "Store the transcript annotation and population frequencies of variants",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"annotations": map[string]interface{}{
					"type":        "array",
					"description": "One annotation per variant; it replaces any earlier annotation",
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"variant": map[string]interface{}{"type": "string", "description": "chrom:pos:ref:alt"},
							"transcripts": map[string]interface{}{
								"type": "array",
								"items": map[string]interface{}{
									"type": "object",
									"properties": map[string]interface{}{
										"id":                map[string]interface{}{"type": "string"},
										"biotype":           map[string]interface{}{"type": "string"},
										"consequence_types": stringArray,
										"flags":             stringArray,
									},
									"required": []string{"biotype"},
								},
							},
							"population_frequencies": map[string]interface{}{
								"type":                 "object",
								"description":          "Alternate allele frequency keyed by study:population",
								"additionalProperties": map[string]interface{}{"type": "number"},
							},
						},
						"required": []string{"variant"},
					},
				},
			},
			Required: []string{"annotations"},
		},
	}
}

// listOperationsTool returns the tool definition for list_operations
func listOperationsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "list_operations",
		Description: "List the batch operations of a study with their status timelines",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"study": map[string]interface{}{
					"type":        "string",
					"description": "Study to list",
					"default":     DefaultStudy,
				},
			},
		},
	}
}

// querySampleTool returns the tool definition for query_sample
func querySampleTool() mcp.Tool {
	return mcp.Tool{
		Name:        "query_sample",
		Description: "Find the variants of a sample whose sample index record matches a filter",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"sample": map[string]interface{}{
					"type":        "string",
					"description": "Sample name",
				},
				"chromosome": map[string]interface{}{
					"type":        "string",
					"description": "Restrict the query to one chromosome",
				},
				"filter": map[string]interface{}{
					"type":        "object",
					"description": "Field and transcript combination filters",
					"properties": map[string]interface{}{
						"fields": map[string]interface{}{
							"type": "array",
							"items": map[string]interface{}{
								"type": "object",
								"properties": map[string]interface{}{
									"key":    map[string]interface{}{"type": "string"},
									"values": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
									"op":     map[string]interface{}{"type": "string", "enum": []string{"<", "<=", ">", ">="}},
									"value":  map[string]interface{}{"type": "number"},
								},
								"required": []string{"key"},
							},
						},
						"combination": map[string]interface{}{
							"type": "object",
							"properties": map[string]interface{}{
								"consequence_types": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
								"biotypes":          map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
								"flags":             map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
							},
						},
					},
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of variants to return (0 for all)",
					"default":     0,
					"minimum":     0,
				},
				"use_cache": map[string]interface{}{
					"type":        "boolean",
					"description": "If true, serve repeated queries from the result cache",
					"default":     true,
				},
			},
			Required: []string{"sample"},
		},
	}
}
