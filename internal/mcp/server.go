package mcp

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/dshills/varindex/internal/config"
	"github.com/dshills/varindex/internal/indexer"
	"github.com/dshills/varindex/internal/logging"
	"github.com/dshills/varindex/internal/metrics"
	"github.com/dshills/varindex/internal/operations"
	"github.com/dshills/varindex/internal/pending"
	"github.com/dshills/varindex/internal/sampleindex"
	"github.com/dshills/varindex/internal/searcher"
	"github.com/dshills/varindex/internal/storage"
	"github.com/dshills/varindex/internal/variantstore"
)

const (
	// ServerName is the MCP server name
	ServerName = "varindex"
	// ServerVersion is the current server version
	ServerVersion = "1.0.0"
	// DefaultStudy owns the sample index configuration and is used when a
	// tool call names no study
	DefaultStudy = "default"
)

// Server wraps the MCP server with the index maintenance components
type Server struct {
	mcp      *server.MCPServer
	store    storage.Store
	backend  string
	managers map[string]*pending.Manager
	indexer  *indexer.Indexer
	searcher *searcher.Searcher
	registry *sampleindex.Registry
	tracker  *operations.Tracker
	writer   *variantstore.Writer
	loader   *variantstore.Loader
	cfg      *config.Config
	logger   logrus.FieldLogger
	metrics  *metrics.Metrics
}

// NewServer builds every component on store. The configured sample index
// becomes the active schema of DefaultStudy, so a changed configuration
// adds a new version while cells of older versions stay readable.
func NewServer(ctx context.Context, cfg *config.Config, store storage.Store, logger logrus.FieldLogger, m *metrics.Metrics) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger = logging.OrDiscard(logger)

	siConfig, err := cfg.SampleIndexConfiguration()
	if err != nil {
		return nil, fmt.Errorf("failed to build sample index configuration: %w", err)
	}
	versions, err := sampleindex.NewConfigStore(store).Ensure(ctx, DefaultStudy, siConfig, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to store sample index configuration: %w", err)
	}
	registry, err := sampleindex.NewRegistry(versions)
	if err != nil {
		return nil, fmt.Errorf("failed to load sample index schemas: %w", err)
	}

	retry := cfg.RetryPolicy()
	managers := make(map[string]*pending.Manager)
	for _, desc := range []pending.Descriptor{pending.SearchIndexDescriptor(), pending.SampleIndexDescriptor()} {
		managers[desc.Kind()] = pending.NewManager(store, desc, pending.Options{
			PageSize:        cfg.Pending.PageSize,
			Workers:         cfg.Pending.Workers,
			MutateBatchSize: cfg.Pending.MutateBatchSize,
			Retry:           &retry,
			Logger:          logger,
			Metrics:         m,
		})
	}

	idx, err := indexer.New(store, managers[pending.KindSampleIndex],
		indexer.NewSampleIndexSink(store, registry, logger), logger, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create indexer: %w", err)
	}

	tracker := operations.NewTracker(store, logger, m)
	writer := variantstore.NewWriter(store, logger)

	s := &Server{
		mcp:      server.NewMCPServer(ServerName, ServerVersion),
		store:    store,
		backend:  cfg.Store.Backend,
		managers: managers,
		indexer:  idx,
		searcher: searcher.NewSearcher(store, registry, cfg.Searcher.CacheSize, logger),
		registry: registry,
		tracker:  tracker,
		writer:   writer,
		loader:   variantstore.NewLoader(writer, tracker, logger),
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
	}

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	return s, nil
}

// Serve starts the MCP server on stdio and blocks until shutdown
func (s *Server) Serve(ctx context.Context) error {
	defer func() { _ = s.store.Close() }()
	return server.ServeStdio(s.mcp)
}

// registerTools registers all MCP tools
func (s *Server) registerTools() error {
	s.mcp.AddTool(getStatusTool(), s.handleGetStatus)
	s.mcp.AddTool(discoverPendingTool(), s.handleDiscoverPending)
	s.mcp.AddTool(cleanPendingTool(), s.handleCleanPending)
	s.mcp.AddTool(indexPendingTool(), s.handleIndexPending)
	s.mcp.AddTool(loadVariantsTool(), s.handleLoadVariants)
	s.mcp.AddTool(annotateVariantsTool(), s.handleAnnotateVariants)
	s.mcp.AddTool(listOperationsTool(), s.handleListOperations)
	s.mcp.AddTool(querySampleTool(), s.handleQuerySample)
	return nil
}

// kinds lists the secondary index kinds in a stable order
func (s *Server) kinds() []string {
	kinds := make([]string, 0, len(s.managers))
	for kind := range s.managers {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
