package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/varindex/internal/indexer"
	"github.com/dshills/varindex/internal/operations"
	"github.com/dshills/varindex/internal/pending"
	"github.com/dshills/varindex/internal/sampleindex"
	"github.com/dshills/varindex/internal/searcher"
	"github.com/dshills/varindex/internal/storage"
	"github.com/dshills/varindex/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams      = -32602 // Invalid method parameters
	ErrorCodeInternalError      = -32603 // Internal JSON-RPC error
	ErrorCodeConflict           = -32001 // Files are claimed by another batch operation
	ErrorCodeIndexingInProgress = -32002 // Another indexing run is already running
	ErrorCodeSchema             = -32003 // Sample index schema mismatch
	ErrorCodeOperationDone      = -32004 // The operation already completed on these files
)

// maxReportedErrors caps the batch errors echoed in a response
const maxReportedErrors = 5

// handleGetStatus handles the get_status tool invocation
func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	pendingCounts := make(map[string]interface{}, len(s.managers))
	for _, kind := range s.kinds() {
		n, err := s.managers[kind].Count(ctx)
		if err != nil {
			return nil, newMCPError(ErrorCodeInternalError, "failed to count pending variants", map[string]interface{}{
				"kind":  kind,
				"error": err.Error(),
			})
		}
		pendingCounts[kind] = n
	}

	versions := s.registry.Versions()
	response := map[string]interface{}{
		"store": map[string]interface{}{
			"backend":    s.backend,
			"build_mode": storage.BuildMode,
		},
		"pending": pendingCounts,
		"sample_index": map[string]interface{}{
			"active_version": s.registry.Active().Version(),
			"versions":       versions.Len(),
		},
		"indexing_in_progress": s.indexer.Running(),
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleDiscoverPending handles the discover_pending tool invocation
func (s *Server) handleDiscoverPending(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	mgr, err := s.manager(args)
	if err != nil {
		return nil, err
	}
	since, err := getTimeDefault(args, "since")
	if err != nil {
		return nil, err
	}
	overwrite := getBoolDefault(args, "overwrite", false)

	stats, err := mgr.DiscoverPending(ctx, since, overwrite)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "pending discovery failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	response := map[string]interface{}{
		"kind":        mgr.Descriptor().Kind(),
		"pages":       stats.Pages,
		"scanned":     stats.Scanned,
		"marked":      stats.Marked,
		"failed":      stats.Failed,
		"duration_ms": stats.Duration.Milliseconds(),
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleCleanPending handles the clean_pending tool invocation
func (s *Server) handleCleanPending(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	mgr, err := s.manager(args)
	if err != nil {
		return nil, err
	}
	since, err := getTimeDefault(args, "since")
	if err != nil {
		return nil, err
	}

	stats, err := mgr.Cleaner(since).Run(ctx)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "pending cleanup failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	response := map[string]interface{}{
		"kind":        mgr.Descriptor().Kind(),
		"checked":     stats.Checked,
		"removed":     stats.Removed,
		"kept":        stats.Kept,
		"orphaned":    stats.Orphaned,
		"duration_ms": stats.Duration.Milliseconds(),
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleIndexPending handles the index_pending tool invocation
func (s *Server) handleIndexPending(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	kind := getStringDefault(args, "kind", pending.KindSampleIndex)
	if kind != pending.KindSampleIndex {
		return nil, newMCPError(ErrorCodeInvalidParams, "no index writer for kind", map[string]interface{}{
			"param":   "kind",
			"value":   kind,
			"allowed": []string{pending.KindSampleIndex},
		})
	}

	q := pending.Query{Chromosome: getStringDefault(args, "chromosome", "")}
	stats, err := s.indexer.IndexPending(ctx, q, &indexer.Config{
		Workers:   s.cfg.Indexer.Workers,
		BatchSize: s.cfg.Indexer.BatchSize,
	})
	if errors.Is(err, indexer.ErrIndexingInProgress) {
		return nil, newMCPError(ErrorCodeIndexingInProgress, "indexing already in progress", nil)
	}
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "indexing failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if stats.RowsIndexed > 0 || stats.RowsRemoved > 0 {
		s.searcher.Invalidate()
	}

	response := map[string]interface{}{
		"kind":         kind,
		"batches":      stats.Batches,
		"rows_indexed": stats.RowsIndexed,
		"rows_removed": stats.RowsRemoved,
		"rows_failed":  stats.RowsFailed,
		"duration_ms":  stats.Duration.Milliseconds(),
	}
	if errorCount := len(stats.ErrorMessages); errorCount > 0 {
		if errorCount > maxReportedErrors {
			response["errors"] = stats.ErrorMessages[:maxReportedErrors]
		} else {
			response["errors"] = stats.ErrorMessages
		}
		response["error_count"] = errorCount
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// loadRecord is the wire form of one variant record
type loadRecord struct {
	Variant string            `json:"variant"`
	FileID  int               `json:"file_id"`
	Sample  string            `json:"sample"`
	Filter  string            `json:"filter"`
	Qual    string            `json:"qual"`
	Data    map[string]string `json:"data"`
}

// handleLoadVariants handles the load_variants tool invocation
func (s *Server) handleLoadVariants(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	study := getStringDefault(args, "study", DefaultStudy)
	name := getStringDefault(args, "operation", "load")

	fileIDs, err := getIntSlice(args, "file_ids")
	if err != nil {
		return nil, err
	}
	var wire []loadRecord
	if err := decodeParam(args, "records", &wire); err != nil {
		return nil, err
	}

	claimed := make(map[int]bool, len(fileIDs))
	for _, id := range fileIDs {
		claimed[id] = true
	}

	records := make([]*types.VariantRecord, 0, len(wire))
	for i, r := range wire {
		if !claimed[r.FileID] {
			return nil, newMCPError(ErrorCodeInvalidParams, "record file is not claimed by the operation", map[string]interface{}{
				"param": fmt.Sprintf("records[%d].file_id", i),
				"value": r.FileID,
			})
		}
		v, err := types.ParseVariantKey(types.VariantKey(r.Variant))
		if err != nil {
			return nil, newMCPError(ErrorCodeInvalidParams, "invalid variant", map[string]interface{}{
				"param":  fmt.Sprintf("records[%d].variant", i),
				"reason": err.Error(),
			})
		}
		if !sampleindex.ValidSampleName(r.Sample) {
			return nil, newMCPError(ErrorCodeInvalidParams, "invalid sample name", map[string]interface{}{
				"param": fmt.Sprintf("records[%d].sample", i),
				"value": r.Sample,
			})
		}
		records = append(records, &types.VariantRecord{
			Variant: v,
			FileID:  r.FileID,
			Sample:  r.Sample,
			Filter:  r.Filter,
			Qual:    r.Qual,
			Data:    r.Data,
		})
	}

	stats, err := s.loader.Load(ctx, study, name, fileIDs, records)
	if err != nil {
		return nil, operationError(err)
	}

	response := map[string]interface{}{
		"study":      study,
		"operation":  name,
		"rows":       stats.Rows,
		"samples":    stats.Samples,
		"duplicates": stats.Duplicates,
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// annotationRecord is the wire form of one variant annotation
type annotationRecord struct {
	Variant     string `json:"variant"`
	Transcripts []struct {
		ID               string   `json:"id"`
		Biotype          string   `json:"biotype"`
		ConsequenceTypes []string `json:"consequence_types"`
		Flags            []string `json:"flags"`
	} `json:"transcripts"`
	PopulationFrequencies map[string]float64 `json:"population_frequencies"`
}

// handleAnnotateVariants handles the annotate_variants tool invocation
func (s *Server) handleAnnotateVariants(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	var wire []annotationRecord
	if err := decodeParam(args, "annotations", &wire); err != nil {
		return nil, err
	}
	if len(wire) == 0 {
		return nil, newMCPError(ErrorCodeInvalidParams, "annotations parameter is required", map[string]interface{}{
			"param": "annotations",
		})
	}

	annotations := make(map[types.VariantKey]*types.Annotation, len(wire))
	for i, a := range wire {
		v, err := types.ParseVariantKey(types.VariantKey(a.Variant))
		if err != nil {
			return nil, newMCPError(ErrorCodeInvalidParams, "invalid variant", map[string]interface{}{
				"param":  fmt.Sprintf("annotations[%d].variant", i),
				"reason": err.Error(),
			})
		}
		ann := &types.Annotation{PopulationFrequencies: a.PopulationFrequencies}
		for j, tr := range a.Transcripts {
			if tr.Biotype == "" {
				return nil, newMCPError(ErrorCodeInvalidParams, "transcript biotype is required", map[string]interface{}{
					"param": fmt.Sprintf("annotations[%d].transcripts[%d].biotype", i, j),
				})
			}
			ann.Transcripts = append(ann.Transcripts, types.Transcript{
				ID:               tr.ID,
				Biotype:          tr.Biotype,
				ConsequenceTypes: tr.ConsequenceTypes,
				Flags:            tr.Flags,
			})
		}
		annotations[v.Key()] = ann
	}

	if err := s.writer.Annotate(ctx, annotations); err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to store annotations", map[string]interface{}{
			"error": err.Error(),
		})
	}
	response := map[string]interface{}{
		"annotated": len(annotations),
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleListOperations handles the list_operations tool invocation
func (s *Server) handleListOperations(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}
	study := getStringDefault(args, "study", DefaultStudy)

	ops, err := s.tracker.Operations(ctx, study)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "failed to list operations", map[string]interface{}{
			"error": err.Error(),
		})
	}

	list := make([]map[string]interface{}, 0, len(ops))
	for _, op := range ops {
		timeline := make([]map[string]interface{}, 0, len(op.Timeline))
		for _, e := range op.Timeline {
			timeline = append(timeline, map[string]interface{}{
				"at":     e.At.Format(time.RFC3339Nano),
				"status": string(e.Status),
			})
		}
		list = append(list, map[string]interface{}{
			"id":       op.ID,
			"name":     op.Name,
			"file_ids": op.FileIDs,
			"status":   string(op.CurrentStatus()),
			"timeline": timeline,
		})
	}

	response := map[string]interface{}{
		"study":      study,
		"operations": list,
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleQuerySample handles the query_sample tool invocation
func (s *Server) handleQuerySample(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	sample, ok := args["sample"].(string)
	if !ok || !sampleindex.ValidSampleName(sample) {
		return nil, newMCPError(ErrorCodeInvalidParams, "sample parameter is required", map[string]interface{}{
			"param":  "sample",
			"reason": "missing or not a valid sample name",
		})
	}

	limit := getIntDefault(args, "limit", 0)
	if limit < 0 {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit must not be negative", map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}

	var filter sampleindex.Query
	if _, ok := args["filter"]; ok {
		if err := decodeParam(args, "filter", &filter); err != nil {
			return nil, err
		}
	}

	resp, err := s.searcher.Search(ctx, searcher.Request{
		Sample:     sample,
		Chromosome: getStringDefault(args, "chromosome", ""),
		Filter:     filter,
		Limit:      limit,
		UseCache:   getBoolDefault(args, "use_cache", true),
	})
	if err != nil {
		code := ErrorCodeInternalError
		if types.IsSchemaError(err) {
			code = ErrorCodeSchema
		}
		return nil, newMCPError(code, "sample query failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	variants := make([]string, len(resp.Variants))
	for i, key := range resp.Variants {
		variants[i] = string(key)
	}
	positions := make(map[string]interface{}, len(resp.Positions))
	for chrom, bm := range resp.Positions {
		positions[chrom] = bm.GetCardinality()
	}

	response := map[string]interface{}{
		"sample":      sample,
		"count":       len(variants),
		"variants":    variants,
		"chromosomes": positions,
		"exact":       resp.Exact,
		"truncated":   resp.Truncated,
		"scanned":     resp.Scanned,
		"cache_hit":   resp.CacheHit,
		"duration_ms": resp.Duration.Milliseconds(),
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// Helper functions

// manager resolves the kind parameter
func (s *Server) manager(args map[string]interface{}) (*pending.Manager, error) {
	kind, ok := args["kind"].(string)
	if !ok || kind == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "kind parameter is required", map[string]interface{}{
			"param":  "kind",
			"reason": "missing or empty",
		})
	}
	mgr, ok := s.managers[kind]
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "unknown index kind", map[string]interface{}{
			"param":   "kind",
			"value":   kind,
			"allowed": s.kinds(),
		})
	}
	return mgr, nil
}

// operationError maps batch operation failures to MCP errors
func operationError(err error) error {
	var ce *types.ConflictError
	switch {
	case errors.As(err, &ce):
		return newMCPError(ErrorCodeConflict, "files are claimed by another operation", map[string]interface{}{
			"blocking_id":       ce.BlockingID,
			"blocking_name":     ce.BlockingName,
			"blocking_file_ids": ce.BlockingFileIDs,
			"blocking_status":   ce.BlockingStatus,
			"resumable":         ce.Resumable,
		})
	case errors.Is(err, operations.ErrOperationReady):
		return newMCPError(ErrorCodeOperationDone, err.Error(), nil)
	case errors.Is(err, operations.ErrNoFiles):
		return newMCPError(ErrorCodeInvalidParams, err.Error(), map[string]interface{}{
			"param": "file_ids",
		})
	default:
		return newMCPError(ErrorCodeInternalError, "load failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// arguments returns the call arguments; a call without arguments gets an
// empty map
func arguments(request mcp.CallToolRequest) (map[string]interface{}, error) {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}, nil
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	return args, nil
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// decodeParam re-encodes a structured parameter into dst
func decodeParam(args map[string]interface{}, key string, dst interface{}) error {
	raw, err := json.Marshal(args[key])
	if err == nil {
		err = json.Unmarshal(raw, dst)
	}
	if err != nil {
		return newMCPError(ErrorCodeInvalidParams, "invalid "+key+" parameter", map[string]interface{}{
			"param":  key,
			"reason": err.Error(),
		})
	}
	return nil
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}

// getIntSlice extracts a required array of integers
func getIntSlice(args map[string]interface{}, key string) ([]int, error) {
	var out []int
	if err := decodeParam(args, key, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, newMCPError(ErrorCodeInvalidParams, key+" parameter is required", map[string]interface{}{
			"param":  key,
			"reason": "missing or empty",
		})
	}
	return out, nil
}

// getTimeDefault extracts an optional RFC3339 timestamp; absent means the
// zero time
func getTimeDefault(args map[string]interface{}, key string) (time.Time, error) {
	val, ok := args[key].(string)
	if !ok || val == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return time.Time{}, newMCPError(ErrorCodeInvalidParams, "invalid "+key+" parameter", map[string]interface{}{
			"param":  key,
			"value":  val,
			"reason": err.Error(),
		})
	}
	return t, nil
}
