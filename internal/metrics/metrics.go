// Package metrics holds the Prometheus collectors of the automation engine
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the counters incremented by the inactivity engine
type Metrics struct {
	MessagesSent        *prometheus.CounterVec
	SendFailures        *prometheus.CounterVec
	TasksClosed         *prometheus.CounterVec
	ConversationsClosed prometheus.Counter
	TicksSkipped        prometheus.Counter
}

// New registers the engine collectors on the given registerer
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tasks_messages_sent_total",
			Help: "Automated messages accepted by the provider, by source and kind.",
		}, []string{"source", "kind"}),
		SendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tasks_send_failures_total",
			Help: "Automated messages the provider rejected, by source and kind.",
		}, []string{"source", "kind"}),
		TasksClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tasks_closed_total",
			Help: "Tasks closed due to customer inactivity, by source.",
		}, []string{"source"}),
		ConversationsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "tasks_conversations_closed_total",
			Help: "Provider conversations closed by the inactivity engine.",
		}),
		TicksSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "tasks_ticks_skipped_total",
			Help: "Reconciliation ticks dropped because the previous tick was still running.",
		}),
	}
}
