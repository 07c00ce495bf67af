package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	BackendOperationCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsBackendSubsystem,
		Name:      "operation_total",
		Help:      "Total number of backend operation attempts",
	}, []string{"operation", "backend"})

	BackendOperationFailedCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsBackendSubsystem,
		Name:      "operation_failed_total",
		Help:      "Total number of failed backend operation attempts",
	}, []string{"operation", "backend"})
)
