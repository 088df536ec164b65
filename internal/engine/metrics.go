package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	passesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockmaster_passes_total",
			Help: "Number of reconciliation passes by trigger and outcome.",
		},
		[]string{"trigger", "outcome"},
	)
	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dockmaster_actions_total",
			Help: "Number of reconciliation actions by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	servicesDesired = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dockmaster_services_desired",
			Help: "Number of services declared across the stack files at the last pass.",
		},
	)

	passDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dockmaster_pass_duration_seconds",
			Help:    "Time taken by a reconciliation pass.",
			Buckets: prometheus.DefBuckets,
		},
	)

	driftDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dockmaster_drift_detected_total",
			Help: "Total number of drift detections that triggered a pass.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		passesTotal,
		actionsTotal,
		servicesDesired,
		passDuration,
		driftDetectedTotal,
	)
}
