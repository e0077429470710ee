package metrics

import "github.com/prometheus/client_golang/prometheus"

func (m *Manager) initPrivacyMetrics() {
	m.privacyDetections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "privacy_detections_total",
			Help:      "PII detector matches by detector",
		},
		[]string{"detector"},
	)

	m.privacyRedactions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "privacy_redactions_total",
			Help:      "Items whose content was redacted before storage",
		},
	)

	m.privacyViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "privacy_violations_total",
			Help:      "Writes rejected because content could not be made safe",
		},
	)

	m.detectorFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "privacy_detector_failures_total",
			Help:      "Detector invocations that panicked or failed",
		},
		[]string{"detector"},
	)

	m.registry.MustRegister(m.privacyDetections)
	m.registry.MustRegister(m.privacyRedactions)
	m.registry.MustRegister(m.privacyViolations)
	m.registry.MustRegister(m.detectorFailures)
}

// RecordPrivacyDetection counts a detector match.
func (m *Manager) RecordPrivacyDetection(detector string) {
	if !m.enabled {
		return
	}
	m.privacyDetections.WithLabelValues(detector).Inc()
}

// RecordPrivacyRedaction counts a redacted item.
func (m *Manager) RecordPrivacyRedaction() {
	if !m.enabled {
		return
	}
	m.privacyRedactions.Inc()
}

// RecordPrivacyViolation counts a rejected write.
func (m *Manager) RecordPrivacyViolation() {
	if !m.enabled {
		return
	}
	m.privacyViolations.Inc()
}

// RecordDetectorFailure counts a detector that failed to run.
func (m *Manager) RecordDetectorFailure(detector string) {
	if !m.enabled {
		return
	}
	m.detectorFailures.WithLabelValues(detector).Inc()
}
