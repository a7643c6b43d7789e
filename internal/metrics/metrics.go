// Package metrics provides Prometheus instrumentation for the persona-chat
// services. It exposes gauges for connection and room counts, counters for
// message and payment outcomes, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "personachat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the number of conversation rooms with at least one member.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "personachat_active_rooms",
		Help: "Current number of conversation rooms with members",
	})

	// MessagesTotal counts send attempts by outcome: "accepted", "blocked"
	// (quota), or "rejected" (validation/other).
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "personachat_messages_total",
		Help: "Total number of message send attempts by outcome",
	}, []string{"outcome"})

	// BroadcastsTotal counts new_message deliveries to room members.
	BroadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "personachat_broadcasts_total",
		Help: "Total number of new_message deliveries to connections",
	})

	// VerificationsTotal counts payment verification outcomes: "success",
	// "incomplete", "invalid", or "unavailable".
	VerificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "personachat_payment_verifications_total",
		Help: "Total number of payment verification attempts by outcome",
	}, []string{"outcome"})

	// SendLatency records the duration of the store's atomic
	// increment-and-check plus message insert.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "personachat_send_latency_seconds",
		Help:    "Message accept path latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// HandoffPending tracks the number of conversations waiting for a
	// persona response in the operator queue.
	HandoffPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "personachat_handoff_pending",
		Help: "Current number of conversations in the handoff pending queue",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ActiveRooms,
		MessagesTotal,
		BroadcastsTotal,
		VerificationsTotal,
		SendLatency,
		HandoffPending,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
