// Package metrics defines the Prometheus collectors the admission pipeline
// and engine observations feed, exposed over /metrics as OpenMetrics text.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// durationBuckets covers sub-millisecond to multi-second policy evaluations.
var durationBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
	0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
}

// Metrics holds every collector this binary registers. Constructed once at
// startup and shared read-only across request goroutines.
type Metrics struct {
	Registry *prometheus.Registry

	AdmissionRequests        *prometheus.CounterVec
	AdmissionResponses       *prometheus.CounterVec
	PolicyEvaluations        *prometheus.CounterVec
	AdmissionRequestDuration *prometheus.HistogramVec
	PolicyEvaluationDuration *prometheus.HistogramVec
	PoliciesEnabled          prometheus.Gauge
}

// New registers every collector against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		AdmissionRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_admission_requests",
			Help: "Total admission requests received, by operation, resource, and webhook.",
		}, []string{"operation", "resource", "webhook"}),
		AdmissionResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_admission_responses",
			Help: "Total admission responses returned, by allowed and webhook.",
		}, []string{"allowed", "webhook"}),
		PolicyEvaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_policy_evaluations",
			Help: "Total policy evaluations, by policy and allowed.",
		}, []string{"policy", "allowed"}),
		AdmissionRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_admission_request_duration_seconds",
			Help:    "Admission request handling latency in seconds, by webhook.",
			Buckets: durationBuckets,
		}, []string{"webhook"}),
		PolicyEvaluationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_policy_evaluation_duration_seconds",
			Help:    "Single-policy evaluation latency in seconds, by policy.",
			Buckets: durationBuckets,
		}, []string{"policy"}),
		PoliciesEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_policies_enabled",
			Help: "Number of policies enabled at startup.",
		}),
	}

	reg.MustRegister(
		m.AdmissionRequests,
		m.AdmissionResponses,
		m.PolicyEvaluations,
		m.AdmissionRequestDuration,
		m.PolicyEvaluationDuration,
		m.PoliciesEnabled,
	)

	return m
}
