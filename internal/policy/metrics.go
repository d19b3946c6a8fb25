package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	policyEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_policy_evaluations_total",
			Help: "Total number of tool policy evaluations",
		},
		[]string{"decision", "mode"},
	)

	policyEvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deepresearch_policy_evaluation_duration_seconds",
			Help:    "Time spent evaluating tool policies",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
	)

	policyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deepresearch_policy_errors_total",
			Help: "Total number of policy load and evaluation errors",
		},
		[]string{"error_type"},
	)

	policyDryRunDivergence = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deepresearch_policy_dry_run_divergence_total",
			Help: "Tool grants a dry-run policy would have denied",
		},
	)

	policyLoadTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deepresearch_policy_load_timestamp_seconds",
			Help: "Timestamp of last successful policy load",
		},
	)

	policyCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deepresearch_policy_files_loaded",
			Help: "Number of policy modules currently loaded",
		},
	)
)
