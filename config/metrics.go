package config

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EngineMetrics holds the Prometheus collectors of the costing engine.
type EngineMetrics struct {
	// Labels: mode (single_shot, step)
	ProductionCommits *prometheus.CounterVec
	// Labels: operation
	ProductionFailures *prometheus.CounterVec
	// Labels: operation
	VersionConflicts *prometheus.CounterVec
	InsufficientStock prometheus.Counter
	// Labels: type
	ReconciliationFindings *prometheus.CounterVec
	// Labels: status (sent, failed, dead)
	OutboxPublishes *prometheus.CounterVec
	CommitDuration  prometheus.Histogram
}

var (
	metricsOnce     sync.Once
	metricsRegistry *prometheus.Registry
	engineMetrics   *EngineMetrics
)

func initMetrics() {
	metricsRegistry = prometheus.NewRegistry()
	metricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(metricsRegistry)

	engineMetrics = &EngineMetrics{
		ProductionCommits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "production_commits_total",
				Help: "Production steps committed, single-shot runs included",
			},
			[]string{"mode"},
		),
		ProductionFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "production_failures_total",
				Help: "Production operations rolled back",
			},
			[]string{"operation"},
		),
		VersionConflicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inventory_version_conflicts_total",
				Help: "Optimistic version checks lost (each triggers a transaction retry)",
			},
			[]string{"operation"},
		),
		InsufficientStock: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "inventory_insufficient_stock_total",
				Help: "FIFO depletions rejected for lack of consumable layers",
			},
		),
		ReconciliationFindings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconciliation_findings_total",
				Help: "New discrepancies reported by the reconciliation auditor",
			},
			[]string{"type"},
		),
		OutboxPublishes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbox_publishes_total",
				Help: "Outbox publish attempts by outcome",
			},
			[]string{"status"},
		),
		CommitDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "production_commit_duration_seconds",
				Help:    "Wall time of a production commit including retries",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

func GetMetrics() *EngineMetrics {
	metricsOnce.Do(initMetrics)
	return engineMetrics
}

// GetMetricsRegistry is served on /metrics.
func GetMetricsRegistry() *prometheus.Registry {
	metricsOnce.Do(initMetrics)
	return metricsRegistry
}
