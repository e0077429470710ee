package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/orchestra/tiermem/pkg/memory"
)

// Breaker states as exported on tiermem_tier_breaker_state.
var breakerStates = map[string]float64{
	"closed":    0,
	"half-open": 1,
	"open":      2,
}

func (m *Manager) initTierMetrics(cfg Config) {
	m.tierOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_operations_total",
			Help:      "Tier adapter calls by tier, operation and outcome",
		},
		[]string{"tier", "op", "outcome"},
	)

	m.tierDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tier_operation_duration_seconds",
			Help:      "Tier adapter call latency in seconds",
			Buckets:   cfg.TierOperationBuckets,
		},
		[]string{"tier", "op"},
	)

	m.tierBreaker = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tier_breaker_state",
			Help:      "Circuit breaker state per tier (0=closed, 1=half-open, 2=open)",
		},
		[]string{"tier"},
	)

	m.tierAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tier_available",
			Help:      "Whether the tier passed its last health check (1=available)",
		},
		[]string{"tier"},
	)

	m.registry.MustRegister(m.tierOperations)
	m.registry.MustRegister(m.tierDuration)
	m.registry.MustRegister(m.tierBreaker)
	m.registry.MustRegister(m.tierAvailable)
}

// ObserveTierOperation records one guarded adapter call.
func (m *Manager) ObserveTierOperation(t memory.Tier, op, outcome string, d time.Duration) {
	if !m.enabled {
		return
	}
	m.tierOperations.WithLabelValues(string(t), op, outcome).Inc()
	m.tierDuration.WithLabelValues(string(t), op).Observe(d.Seconds())
}

// SetTierBreakerState exports the breaker state of a tier.
func (m *Manager) SetTierBreakerState(t memory.Tier, state string) {
	if !m.enabled {
		return
	}
	value, ok := breakerStates[state]
	if !ok {
		return
	}
	m.tierBreaker.WithLabelValues(string(t)).Set(value)
}

// SetTierAvailable exports the result of the last tier health check.
func (m *Manager) SetTierAvailable(t memory.Tier, available bool) {
	if !m.enabled {
		return
	}
	value := 0.0
	if available {
		value = 1
	}
	m.tierAvailable.WithLabelValues(string(t)).Set(value)
}
