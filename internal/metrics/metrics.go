package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Connection metrics
	WSConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "roomchat_ws_connections",
			Help: "Currently attached websocket connections",
		},
		[]string{"scope"}, // "room" or "user"
	)

	SlowClientsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_slow_clients_dropped_total",
			Help: "Connections dropped because their send buffer was full",
		},
	)

	BroadcastsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_broadcasts_total",
			Help: "Room broadcasts fanned out by the hub",
		},
	)

	// Gateway metrics
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_events_total",
			Help: "Inbound websocket events accepted",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_events_dropped_total",
			Help: "Inbound websocket events dropped",
		},
		[]string{"reason"},
	)

	// Business metrics
	MessagesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_messages_appended_total",
			Help: "Messages persisted",
		},
		[]string{"type"},
	)

	ReadsMarked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomchat_reads_marked_total",
			Help: "Message reads recorded (each one decremented an unread counter)",
		},
	)

	PushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomchat_push_total",
			Help: "Offline push jobs by outcome",
		},
		[]string{"result"}, // "sent", "failed", "dropped"
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomchat_store_latency_seconds",
			Help:    "Persistence call latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25},
		},
		[]string{"op"},
	)
)
