package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	GroupInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsGroupSubsystem,
		Name:      "info",
		Help:      "Info of the runner group",
	}, []string{"name", "organization", "backend"})

	GroupStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsGroupSubsystem,
		Name:      "status",
		Help:      "Whether the group manager loops are running",
	}, []string{"name"})

	GroupMaxRunners = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsGroupSubsystem,
		Name:      "max_runners",
		Help:      "Maximum number of runners in the group",
	}, []string{"name"})

	GroupMinRunners = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsGroupSubsystem,
		Name:      "min_runners",
		Help:      "Minimum number of runners in the group",
	}, []string{"name"})
)
