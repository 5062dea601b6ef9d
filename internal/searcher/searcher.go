package searcher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/dshills/varindex/internal/logging"
	"github.com/dshills/varindex/internal/sampleindex"
	"github.com/dshills/varindex/internal/storage"
	"github.com/dshills/varindex/pkg/types"
)

// DefaultCacheSize is the number of query results kept when no size is set
const DefaultCacheSize = 100

// Request selects the variants of one sample whose index record matches
// a filter
type Request struct {
	Sample     string
	Chromosome string // optional
	Filter     sampleindex.Query
	Limit      int // 0 means no limit
	UseCache   bool
}

// Response holds the matching variants. Exact is false when a filter could
// not be answered precisely by the index for at least one record, in which
// case Variants is a superset that callers verify against primary data.
type Response struct {
	Variants  []types.VariantKey
	Positions map[string]*roaring.Bitmap // chromosome -> matching positions
	Scanned   int                        // records decoded
	Exact     bool
	Truncated bool
	Duration  time.Duration
	CacheHit  bool
}

// Searcher runs sample index queries
type Searcher struct {
	store    storage.Store
	registry *sampleindex.Registry
	logger   logrus.FieldLogger
	cache    *lru.Cache[[32]byte, *Response]
	cacheMu  sync.RWMutex
	pageSize int
}

// NewSearcher creates a Searcher decoding cells with registry
func NewSearcher(store storage.Store, registry *sampleindex.Registry, cacheSize int, logger logrus.FieldLogger) *Searcher {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[[32]byte, *Response](cacheSize)
	if err != nil {
		// only fails for a non-positive size
		panic(fmt.Sprintf("failed to create LRU cache: %v", err))
	}
	return &Searcher{
		store:    store,
		registry: registry,
		logger:   logging.OrDiscard(logger),
		cache:    cache,
		pageSize: storage.DefaultPageSize,
	}
}

// Search scans the sample's index rows and returns the matching variants
// in key order
func (s *Searcher) Search(ctx context.Context, req Request) (*Response, error) {
	startTime := time.Now()
	if err := validateRequest(req); err != nil {
		return nil, fmt.Errorf("invalid search request: %w", err)
	}

	var hash [32]byte
	if req.UseCache {
		var err error
		if hash, err = computeQueryHash(req); err != nil {
			return nil, err
		}
		s.cacheMu.RLock()
		cached, ok := s.cache.Get(hash)
		var resp *Response
		if ok {
			resp = copyResponse(cached)
		}
		s.cacheMu.RUnlock()
		if ok {
			resp.CacheHit = true
			resp.Duration = time.Since(startTime)
			return resp, nil
		}
	}

	s.cacheMu.RLock()
	registry := s.registry
	s.cacheMu.RUnlock()

	resp, err := s.scan(ctx, registry, req)
	if err != nil {
		return nil, err
	}
	resp.Duration = time.Since(startTime)

	if req.UseCache {
		s.cacheMu.Lock()
		s.cache.Add(hash, copyResponse(resp))
		s.cacheMu.Unlock()
	}

	s.logger.WithFields(logrus.Fields{
		"action":   "query_sample",
		"sample":   req.Sample,
		"scanned":  resp.Scanned,
		"matches":  len(resp.Variants),
		"exact":    resp.Exact,
		"duration": resp.Duration,
	}).Debug("sample index query")
	return resp, nil
}

func (s *Searcher) scan(ctx context.Context, registry *sampleindex.Registry, req Request) (*Response, error) {
	resp := &Response{Positions: make(map[string]*roaring.Bitmap), Exact: true}
	filters := make(map[int]*sampleindex.RecordFilter)

	filterFor := func(version int) (*sampleindex.RecordFilter, error) {
		if rf, ok := filters[version]; ok {
			return rf, nil
		}
		schema, err := registry.Schema(version)
		if err != nil {
			return nil, err
		}
		rf, err := schema.Compile(req.Filter)
		if err != nil {
			return nil, err
		}
		filters[version] = rf
		resp.Exact = resp.Exact && rf.Exact()
		return rf, nil
	}

	opts := storage.ScanOptions{Prefix: sampleindex.RowPrefix(req.Sample, req.Chromosome), Limit: s.pageSize}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := s.store.Scan(ctx, sampleindex.Table, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sample index: %w", err)
		}
		for _, row := range page.Rows {
			// cells of one row in key order
			cols := make([]string, 0, len(row.Columns))
			for col := range row.Columns {
				cols = append(cols, col)
			}
			slices.Sort(cols)

			for _, col := range cols {
				version, record, err := sampleindex.DecodeCell(row.Columns[col])
				if err != nil {
					return nil, fmt.Errorf("cell %s of %q: %w", col, row.Key, err)
				}
				rf, err := filterFor(version)
				if err != nil {
					return nil, err
				}
				schema, _ := registry.Schema(version)
				rec, err := schema.DecodeSample(record)
				if err != nil {
					return nil, fmt.Errorf("cell %s of %q: %w", col, row.Key, err)
				}
				resp.Scanned++
				if !rf.Match(rec) {
					continue
				}
				if err := resp.add(types.VariantKey(col)); err != nil {
					return nil, err
				}
				if req.Limit > 0 && len(resp.Variants) >= req.Limit {
					resp.Truncated = true
					return resp, nil
				}
			}
		}
		if page.Next == nil {
			return resp, nil
		}
		opts.After = page.Next
	}
}

func (r *Response) add(key types.VariantKey) error {
	v, err := types.ParseVariantKey(key)
	if err != nil {
		return err
	}
	r.Variants = append(r.Variants, key)
	if v.Position > math.MaxUint32 {
		// beyond any assembled chromosome; listed but not in the bitmap
		return nil
	}
	bm, ok := r.Positions[v.Chromosome]
	if !ok {
		bm = roaring.New()
		r.Positions[v.Chromosome] = bm
	}
	bm.Add(uint32(v.Position))
	return nil
}

func validateRequest(req Request) error {
	if !sampleindex.ValidSampleName(req.Sample) {
		return fmt.Errorf("sample name %q is not valid", req.Sample)
	}
	if req.Limit < 0 {
		return fmt.Errorf("limit must be non-negative")
	}
	return nil
}

// computeQueryHash hashes a stable encoding of the request
func computeQueryHash(req Request) ([32]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(req.Sample)
	buf.WriteByte(0)
	buf.WriteString(req.Chromosome)
	buf.WriteByte(0)
	fmt.Fprintf(&buf, "%d", req.Limit)
	buf.WriteByte(0)
	if err := json.NewEncoder(&buf).Encode(req.Filter); err != nil {
		return [32]byte{}, fmt.Errorf("failed to hash query: %w", err)
	}
	return sha256.Sum256(buf.Bytes()), nil
}

// copyResponse deep-copies a response so cached values are never shared
func copyResponse(src *Response) *Response {
	dst := *src
	dst.Variants = slices.Clone(src.Variants)
	dst.Positions = make(map[string]*roaring.Bitmap, len(src.Positions))
	for chrom, bm := range src.Positions {
		dst.Positions[chrom] = bm.Clone()
	}
	return &dst
}

// Invalidate drops every cached result. Call it after an indexing run.
func (s *Searcher) Invalidate() {
	s.cacheMu.Lock()
	s.cache.Purge()
	s.cacheMu.Unlock()
}

// SetRegistry swaps the registry after a configuration change and drops
// the cache
func (s *Searcher) SetRegistry(registry *sampleindex.Registry) {
	s.cacheMu.Lock()
	s.registry = registry
	s.cache.Purge()
	s.cacheMu.Unlock()
}
