package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// RunnerStatus reports one series per tracked runner with its current
	// lifecycle status.
	RunnerStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsRunnerSubsystem,
		Name:      "status",
		Help:      "Status of the runner",
	}, []string{"name", "status", "group", "busy"})

	RunnerOperationCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsRunnerSubsystem,
		Name:      "operation_total",
		Help:      "Total number of runner lifecycle transitions",
	}, []string{"operation", "group"})

	RunnerOperationFailedCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsRunnerSubsystem,
		Name:      "operation_failed_total",
		Help:      "Total number of failed runner lifecycle transitions",
	}, []string{"operation", "group"})
)
