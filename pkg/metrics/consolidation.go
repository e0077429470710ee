package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initConsolidationMetrics(cfg Config) {
	m.consolidationRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consolidation_runs_total",
			Help:      "Consolidation runs by outcome",
		},
		[]string{"outcome"},
	)

	m.consolidationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consolidation_duration_seconds",
			Help:      "Duration of consolidation runs that took the lock",
			Buckets:   cfg.ConsolidationBuckets,
		},
	)

	m.consolidationItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consolidation_items_total",
			Help:      "Items handled by consolidation by action",
		},
		[]string{"action"},
	)

	m.registry.MustRegister(m.consolidationRuns)
	m.registry.MustRegister(m.consolidationDuration)
	m.registry.MustRegister(m.consolidationItems)
}

// ObserveConsolidationRun records a finished, skipped or failed run.
func (m *Manager) ObserveConsolidationRun(outcome string, d time.Duration) {
	if !m.enabled {
		return
	}
	m.consolidationRuns.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.consolidationDuration.Observe(d.Seconds())
	}
}

// AddConsolidationItems counts items promoted, expired or failed in a run.
func (m *Manager) AddConsolidationItems(action string, n int) {
	if !m.enabled || n <= 0 {
		return
	}
	m.consolidationItems.WithLabelValues(action).Add(float64(n))
}
