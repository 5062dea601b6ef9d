// Package metrics defines the Prometheus collectors of the index
// maintenance jobs. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "varindex"

// Metrics groups every collector the jobs report to
type Metrics struct {
	PendingDiscovered *prometheus.CounterVec
	PendingCleaned    *prometheus.CounterVec
	RowsIndexed       *prometheus.CounterVec
	MutationFailures  *prometheus.CounterVec
	Operations        *prometheus.CounterVec
	StoreRetries      *prometheus.CounterVec
	ScanPage          *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg
// creates unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PendingDiscovered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_discovered_total",
			Help:      "Rows marked pending by discovery",
		}, []string{"kind"}),
		PendingCleaned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_cleaned_total",
			Help:      "Pending markers removed by the cleaner",
		}, []string{"kind"}),
		RowsIndexed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_indexed_total",
			Help:      "Pending rows written to a secondary index",
		}, []string{"kind"}),
		MutationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutation_failures_total",
			Help:      "Individual mutations that failed within a batch",
		}, []string{"table"}),
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Batch operation status transitions",
		}, []string{"operation", "status"}),
		StoreRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_retries_total",
			Help:      "Store calls retried after a transient error",
		}, []string{"op"}),
		ScanPage: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_page_seconds",
			Help:      "Time to scan and process one page of rows",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"kind"}),
	}
}

func (m *Metrics) Discovered(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.PendingDiscovered.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) Cleaned(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.PendingCleaned.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) Indexed(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RowsIndexed.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) MutationsFailed(table string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.MutationFailures.WithLabelValues(table).Add(float64(n))
}

func (m *Metrics) Operation(name, status string) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(name, status).Inc()
}

func (m *Metrics) Retried(op string) {
	if m == nil {
		return
	}
	m.StoreRetries.WithLabelValues(op).Inc()
}

// ObservePage records the duration of one scan page since start
func (m *Metrics) ObservePage(kind string, start time.Time) {
	if m == nil {
		return
	}
	m.ScanPage.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}
