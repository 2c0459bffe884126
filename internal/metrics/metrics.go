// Package metrics defines the Prometheus gauges/counters exposed at /metrics
// (C9), mirroring the teacher's promauto-based metrics.go but naming the
// fleet-coordination quantities from spec.md §4.7 and §4.8 instead of
// container-update counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sysmanage_connected_agents",
		Help: "Number of agent WebSocket sessions currently registered to a host_id.",
	})
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sysmanage_queue_depth",
		Help: "Number of message_queue rows by direction and status.",
	}, []string{"direction", "status"})
	DispatchTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sysmanage_dispatch_tick_duration_seconds",
		Help:    "Duration of one dispatch loop tick across all connected hosts.",
		Buckets: prometheus.DefBuckets,
	})
	MessagesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sysmanage_messages_sent_total",
		Help: "Total number of outbound messages sent to agents by outcome.",
	}, []string{"outcome"})
	RetrySweepRescheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sysmanage_retry_sweep_rescheduled_total",
		Help: "Total number of messages requeued by the retry_unacknowledged sweep.",
	})
	RebootOrchestrationsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sysmanage_reboot_orchestrations_active",
		Help: "Number of non-terminal reboot_orchestration rows by phase.",
	}, []string{"phase"})
)
