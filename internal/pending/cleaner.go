package pending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/dshills/varindex/internal/storage"
)

// Cleaner removes pending markers whose primary rows are already in sync.
// It reads the primary table and only writes the pending table.
type Cleaner struct {
	m     *Manager
	since time.Time
}

// CleanStats summarizes a cleaner run
type CleanStats struct {
	Checked  int // markers examined
	Removed  int // markers deleted
	Kept     int // markers whose row still needs indexing
	Orphaned int // markers whose primary row is gone; kept for the indexer
	Duration time.Duration
}

// Cleaner returns a cleaner for an index last rebuilt at since
func (m *Manager) Cleaner(since time.Time) *Cleaner {
	return &Cleaner{m: m, since: since}
}

// Run checks every pending marker against its primary row. A marker is
// removed only when the row exists and the descriptor reports it in sync.
// Rows that go out of sync while the cleaner runs keep their marker or are
// rediscovered; the cleaner never removes a marker it has not proven stale.
func (c *Cleaner) Run(ctx context.Context) (*CleanStats, error) {
	m := c.m
	start := time.Now()
	log := m.logger.WithFields(logrus.Fields{"action": "clean_pending", "since": c.since})
	stats := &CleanStats{}
	needsIndex := m.desc.Predicate(c.since)

	var result *multierror.Error
	opts := storage.ScanOptions{Limit: m.pageSize, Columns: []string{MarkerColumn}}
	err := m.scanPages(ctx, m.pending, opts, func(page *storage.Page) {
		var stale []storage.Mutation
		for _, marker := range page.Rows {
			stats.Checked++
			row, err := m.store.Get(ctx, m.primary, marker.Key, m.desc.Columns()...)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				stats.Orphaned++
				continue
			case err != nil:
				result = multierror.Append(result, fmt.Errorf("row %q: %w", marker.Key, err))
				stats.Kept++
				continue
			}
			if needsIndex(row) {
				stats.Kept++
				continue
			}
			stale = append(stale, storage.Mutation{Key: marker.Key, DeleteRow: true})
		}
		n, err := m.mutate(ctx, m.pending, stale)
		stats.Removed += n
		stats.Kept += len(stale) - n
		if err != nil {
			result = multierror.Append(result, err)
		}
	})
	stats.Duration = time.Since(start)
	m.metrics.Cleaned(m.desc.Kind(), stats.Removed)

	entry := log.WithFields(logrus.Fields{
		"checked":  stats.Checked,
		"removed":  stats.Removed,
		"kept":     stats.Kept,
		"orphaned": stats.Orphaned,
		"duration": stats.Duration,
	})
	if err = firstErr(err, result.ErrorOrNil()); err != nil {
		entry.WithError(err).Error("cleaning incomplete")
		return stats, fmt.Errorf("clean pending %s: %w", m.desc.Kind(), err)
	}
	entry.Info("cleaning finished")
	return stats, nil
}
