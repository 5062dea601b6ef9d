package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Discovered("search", 3)
	m.Discovered("search", 2)
	m.Discovered("sample_index", 0)
	m.Cleaned("search", 4)
	m.Operation("load", "RUNNING")
	m.Operation("load", "RUNNING")
	m.Retried("scan")

	assert.Equal(t, 5.0, testutil.ToFloat64(m.PendingDiscovered.WithLabelValues("search")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.PendingCleaned.WithLabelValues("search")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Operations.WithLabelValues("load", "RUNNING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreRetries.WithLabelValues("scan")))

	m.ObservePage("search", time.Now())
	n, err := testutil.GatherAndCount(reg, "varindex_scan_page_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Discovered("search", 1)
		m.Cleaned("search", 1)
		m.Indexed("search", 1)
		m.MutationsFailed("variants", 1)
		m.Operation("load", "READY")
		m.Retried("scan")
		m.ObservePage("search", time.Now())
	})
}
