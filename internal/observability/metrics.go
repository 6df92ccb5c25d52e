// Package observability holds the Prometheus metrics collector and the
// OpenTelemetry tracing setup shared by all consistency-core components.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the consistency core.
// Each container builds its own collector with its own registry;
// nothing is registered globally.
type Collector struct {
	registry *prometheus.Registry

	// Change pipeline metrics
	ChangesSubmitted  *prometheus.CounterVec
	SubmitDuration    *prometheus.HistogramVec
	ConflictsDetected *prometheus.CounterVec
	ConflictsResolved *prometheus.CounterVec

	// Version history metrics
	VersionsAdded *prometheus.CounterVec
	HistorySize   prometheus.Gauge
	HistoryBytes  prometheus.Gauge
	UndoTotal     prometheus.Counter
	RedoTotal     prometheus.Counter

	// Transaction metrics
	TransactionsTotal   *prometheus.CounterVec
	TransactionDuration *prometheus.HistogramVec
	ActiveTransactions  prometheus.Gauge

	// Integrity and backup metrics
	IntegrityIssues        *prometheus.CounterVec
	IntegrityCheckDuration *prometheus.HistogramVec
	BackupsTotal           *prometheus.CounterVec
	RepairsTotal           *prometheus.CounterVec

	// Collaborator notification metrics
	NotificationsSent    *prometheus.CounterVec
	NotificationsDropped prometheus.Counter
}

// NewCollector creates a metrics collector with a fresh registry under
// the given namespace.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,

		ChangesSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "changes_submitted_total",
				Help:      "Total number of change records submitted",
			},
			[]string{"kind", "status"},
		),
		SubmitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "submit_duration_seconds",
				Help:      "Duration of the full submit pipeline",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		ConflictsDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflicts_detected_total",
				Help:      "Total number of conflicts detected",
			},
			[]string{"type"},
		),
		ConflictsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflicts_resolved_total",
				Help:      "Total number of conflict resolutions",
			},
			[]string{"strategy", "outcome"},
		),
		VersionsAdded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "versions_added_total",
				Help:      "Total number of versions appended to history",
			},
			[]string{"payload"},
		),
		HistorySize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "history_size",
				Help:      "Current number of versions in history",
			},
		),
		HistoryBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "history_bytes",
				Help:      "Current total payload bytes in history",
			},
		),
		UndoTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "undo_total",
				Help:      "Total number of undo operations applied",
			},
		),
		RedoTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "redo_total",
				Help:      "Total number of redo operations applied",
			},
		),
		TransactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Total number of transactions by final state",
			},
			[]string{"state"},
		),
		TransactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transaction_duration_seconds",
				Help:      "Duration of transaction commits and rollbacks",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		ActiveTransactions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_transactions",
				Help:      "Number of transactions currently active",
			},
		),
		IntegrityIssues: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "integrity_issues_total",
				Help:      "Total number of integrity issues found",
			},
			[]string{"severity", "category"},
		),
		IntegrityCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "integrity_check_duration_seconds",
				Help:      "Duration of integrity checks",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"type"},
		),
		BackupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backups_total",
				Help:      "Total number of backup operations",
			},
			[]string{"trigger", "status"},
		),
		RepairsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "repairs_total",
				Help:      "Total number of structural repairs by category",
			},
			[]string{"category"},
		),
		NotificationsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_sent_total",
				Help:      "Total collaborator notifications delivered",
			},
			[]string{"category"},
		),
		NotificationsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_dropped_total",
				Help:      "Collaborator notifications dropped due to full buffers",
			},
		),
	}

	registry.MustRegister(
		c.ChangesSubmitted,
		c.SubmitDuration,
		c.ConflictsDetected,
		c.ConflictsResolved,
		c.VersionsAdded,
		c.HistorySize,
		c.HistoryBytes,
		c.UndoTotal,
		c.RedoTotal,
		c.TransactionsTotal,
		c.TransactionDuration,
		c.ActiveTransactions,
		c.IntegrityIssues,
		c.IntegrityCheckDuration,
		c.BackupsTotal,
		c.RepairsTotal,
		c.NotificationsSent,
		c.NotificationsDropped,
	)

	return c
}

// ObserveDuration records a duration on a histogram vec under one label.
func ObserveDuration(h *prometheus.HistogramVec, label string, d time.Duration) {
	h.WithLabelValues(label).Observe(d.Seconds())
}

// Registry exposes the underlying registry for scraping or test
// gathering.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
