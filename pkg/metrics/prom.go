package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	//nolint: revive
	RolloutsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployengine_rollouts_started",
			Help: "The total number of accepted rollout requests",
		},
		[]string{"strategy", "environment"},
	)

	//nolint: revive
	RolloutsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployengine_rollouts_completed",
			Help: "The total number of rollouts per terminal outcome",
		},
		[]string{"strategy", "outcome"},
	)

	//nolint: revive
	RolloutDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deployengine_rollout_duration_seconds",
			Help:    "The duration (seconds) from acceptance to terminal state",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"strategy"},
	)

	//nolint: revive
	ReadinessWaitTimer = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deployengine_readiness_wait_seconds",
			Help:    "The duration (seconds) spent waiting for workload readiness",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	//nolint: revive
	HealthProbeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deployengine_health_probe_failures",
			Help: "The total number of failed health gate probes",
		},
	)

	//nolint: revive
	RollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deployengine_rollbacks_total",
			Help: "The total number of rollback teardowns",
		},
		[]string{"strategy"},
	)

	//nolint: revive
	MonitorsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deployengine_monitors_active",
			Help: "The number of live deployment monitor tasks",
		},
	)

	//nolint: revive
	ArtifactCallTimer = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "deployengine_artifact_call_timer",
			Help: "The duration (seconds) for artifact registry API calls",
		},
	)

	//nolint: revive
	ArtifactCallOk = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deployengine_artifact_call_ok",
			Help: "The total number of successful artifact registry calls",
		},
	)

	//nolint: revive
	ArtifactCallSoftFail = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deployengine_artifact_call_soft_fail",
			Help: "The total number of soft (recoverable) artifact registry failures",
		},
	)

	//nolint: revive
	ArtifactCallHardFail = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deployengine_artifact_call_hard_fail",
			Help: "The total number of hard artifact registry failures",
		},
	)

	//nolint: revive
	ArtifactCallClientError = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deployengine_artifact_call_client_error",
			Help: "The total number of non-retryable artifact registry client failures",
		},
	)
)
