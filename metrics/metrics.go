// Package metrics holds the Prometheus collectors for the reconciler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task execution

	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nano_job_runs_total",
			Help: "Total number of task executions by kind and result",
		},
		[]string{"kind", "result"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nano_job_duration_seconds",
			Help:    "Task execution latency in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"kind"},
	)

	JobRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nano_job_retries_total",
			Help: "Total number of scheduled task retries",
		},
		[]string{"kind"},
	)

	JobExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nano_job_exhausted_total",
			Help: "Total number of tasks that exhausted their retry policy",
		},
		[]string{"kind"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nano_queue_depth",
			Help: "Number of tasks waiting for a worker",
		},
	)

	// Device I/O

	DeviceCommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nano_device_command_seconds",
			Help:    "Device command round-trip latency in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"vendor"},
	)

	DeviceErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nano_device_errors_total",
			Help: "Total number of device transport failures",
		},
		[]string{"vendor", "protocol"},
	)

	// Reconciliation outcomes

	IncidentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nano_incidents_total",
			Help: "Total number of auto-created outages",
		},
	)

	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nano_alerts_total",
			Help: "Total number of operator alerts by kind and delivery status",
		},
		[]string{"kind", "status"},
	)

	DriftIdentities = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nano_drift_identities",
			Help: "Ghost and missing identity counts from the latest audit",
		},
		[]string{"node", "diff"},
	)

	ONURebootsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nano_onu_reboots_total",
			Help: "Total number of healing reboots by result",
		},
		[]string{"result"},
	)

	BlockedAddressesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nano_blocked_addresses_total",
			Help: "Total number of addresses blackholed by bruteforce monitoring",
		},
	)
)
