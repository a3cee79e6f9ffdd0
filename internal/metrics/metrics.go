// Package metrics provides Prometheus instrumentation for the realtime chat
// transport. It exposes gauges for connection and typing counts, counters for
// packet, event and bus throughput, and a histogram for handler latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "socketchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// PacketsTotal counts socket.io packets, labeled by direction ("in", "out")
	// and packet type.
	PacketsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socketchat_packets_total",
		Help: "Total number of socket.io packets processed",
	}, []string{"direction", "type"})

	// DecodeErrors counts inbound frames rejected by the packet decoder.
	DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "socketchat_decode_errors_total",
		Help: "Total number of inbound packets that failed to decode",
	})

	// EventsTotal counts dispatched events, labeled by event name and outcome:
	// "ok", "unauthenticated", "invalid" or "error".
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socketchat_events_total",
		Help: "Total number of dispatched events by outcome",
	}, []string{"event", "outcome"})

	// EventLatency records handler latency in seconds.
	EventLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "socketchat_event_latency_seconds",
		Help:    "Event handler latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event"})

	// BusMessagesTotal counts fan-out bus traffic, labeled by driver and
	// direction ("published", "delivered").
	BusMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socketchat_bus_messages_total",
		Help: "Total number of fan-out bus messages",
	}, []string{"driver", "direction"})

	// BusErrors counts broker and decode errors raised on the bus.
	BusErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socketchat_bus_errors_total",
		Help: "Total number of fan-out bus errors",
	}, []string{"driver"})

	// TypingUsers tracks the number of users currently typing.
	TypingUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "socketchat_typing_users",
		Help: "Current number of users marked as typing",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		PacketsTotal,
		DecodeErrors,
		EventsTotal,
		EventLatency,
		BusMessagesTotal,
		BusErrors,
		TypingUsers,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
