package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ignition_executions_total",
			Help: "Total number of finished executions by language and status",
		},
		[]string{"language", "status"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ignition_overflow_depth",
			Help: "Requests accepted but not yet admitted",
		},
	)

	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ignition_in_flight",
			Help: "Requests currently holding an execution slot",
		},
	)

	ContainerLaunchTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ignition_container_launch_ms",
			Help:    "Time to create and start a worker container",
			Buckets: []float64{50, 100, 200, 500, 1000, 2000, 5000},
		},
	)

	RendezvousTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ignition_rendezvous_ms",
			Help:    "Time from launch until the worker connected back",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000},
		},
	)

	RendezvousTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ignition_rendezvous_timeouts_total",
			Help: "Launched containers that never connected back in time",
		},
	)

	DiscardedConnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ignition_discarded_connections_total",
			Help: "Inbound connections closed without reaching a waiter",
		},
		[]string{"reason"}, // "handshake", "unmatched"
	)

	AcceptRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ignition_rendezvous_accept_retries_total",
			Help: "Accept errors on the rendezvous socket that were retried",
		},
	)

	KillFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ignition_container_kill_failures_total",
			Help: "Container kills that failed for a reason other than the container being gone",
		},
	)
)
