// Package metrics provides Prometheus metrics for the reconciliation engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all engine metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	DocumentsIngested   *prometheus.CounterVec
	IngestFailures      *prometheus.CounterVec
	LedgerCleanup       *prometheus.CounterVec
	SignaturesPlaced    *prometheus.CounterVec
	AmbiguousSignatures prometheus.Counter
	Transitions         *prometheus.CounterVec
	ApprovalChanges     *prometheus.CounterVec

	registry *prometheus.Registry
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // e.g., "/metrics"
}

// ApplyDefaults sets default values for metrics config.
func (c *Config) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "/metrics"
	}
}

// New creates metrics registered on a private registry. Returns nil when
// metrics are disabled.
func New(cfg Config) *Metrics {
	if !cfg.Enabled {
		return nil
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.DocumentsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reconcile",
			Name:      "documents_ingested_total",
			Help:      "Documents handled by ingestion, by type and outcome (created|existing)",
		},
		[]string{"type", "outcome"},
	)
	m.IngestFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reconcile",
			Name:      "ingest_failures_total",
			Help:      "Per-document ingestion failures by stage",
		},
		[]string{"stage"},
	)
	m.LedgerCleanup = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reconcile",
			Name:      "ledger_cleanup_total",
			Help:      "Remote ledger deletions after ingestion, by outcome (deleted|failed|retained)",
		},
		[]string{"outcome"},
	)
	m.SignaturesPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reconcile",
			Name:      "signatures_total",
			Help:      "Signature handles reconciled into slots, by outcome (assigned|replayed|overflow)",
		},
		[]string{"outcome"},
	)
	m.AmbiguousSignatures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "reconcile",
			Name:      "ambiguous_signature_targets_total",
			Help:      "Signature notifications matching zero or several local documents",
		},
	)
	m.Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "exchange",
			Name:      "send_transitions_total",
			Help:      "DRAFT to SENT transitions, by type and outcome (sent|rejected|failed)",
		},
		[]string{"type", "outcome"},
	)
	m.ApprovalChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reconcile",
			Name:      "approval_changes_total",
			Help:      "Derived approval flag changes (usage_approved|contract_approved|contract_reset)",
		},
		[]string{"change"},
	)

	m.registry.MustRegister(
		m.DocumentsIngested,
		m.IngestFailures,
		m.LedgerCleanup,
		m.SignaturesPlaced,
		m.AmbiguousSignatures,
		m.Transitions,
		m.ApprovalChanges,
	)
	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// =============================================================================
// NIL-SAFE RECORDERS
// =============================================================================

func (m *Metrics) Ingested(typ, outcome string) {
	if m == nil {
		return
	}
	m.DocumentsIngested.WithLabelValues(typ, outcome).Inc()
}

func (m *Metrics) IngestFailed(stage string) {
	if m == nil {
		return
	}
	m.IngestFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) Cleanup(outcome string) {
	if m == nil {
		return
	}
	m.LedgerCleanup.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Signature(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SignaturesPlaced.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) Ambiguous() {
	if m == nil {
		return
	}
	m.AmbiguousSignatures.Inc()
}

func (m *Metrics) Transition(typ, outcome string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(typ, outcome).Inc()
}

func (m *Metrics) Approval(change string) {
	if m == nil {
		return
	}
	m.ApprovalChanges.WithLabelValues(change).Inc()
}
