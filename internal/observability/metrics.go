package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "delivery_relay"

var (
	ConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "connections_active", Help: "Open sockets by role"},
		[]string{"role"},
	)
	ConnectionsEvicted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "connections_evicted_total", Help: "Connections replaced by a newer socket for the same identity"})

	MessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "messages_published_total", Help: "Messages enqueued to sockets by type"},
		[]string{"type"},
	)
	DeliveryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "delivery_failures_total", Help: "Per-connection enqueue failures"},
		[]string{"reason"},
	)
	InboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "inbound_messages_total", Help: "Inbound socket messages by type and result"},
		[]string{"type", "result"},
	)

	LocationUpdates    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Accepted driver position samples"})
	InvalidCoordinates = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "invalid_coordinates_total", Help: "Rejected driver position samples"})
	DriversTracked     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_tracked", Help: "Drivers with a cached position"})

	OffersDispatched = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_dispatched_total", Help: "Urgent order offers created"})
	OfferOutcomes    = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offer_outcomes_total", Help: "Terminal offer transitions by state"},
		[]string{"state"},
	)
	AcceptRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "accept_rejections_total", Help: "Accepts refused by the coordinator"},
		[]string{"reason"},
	)
	AcceptLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "accept_latency_seconds",
		Help:      "Time from dispatch to winning accept",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 15, 20, 30, 60},
	})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	SocketLifetime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "socket_lifetime_seconds",
			Help:      "How long sockets stay open, by role and close reason",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 4 * 3600},
		},
		[]string{"role", "reason"},
	)
)
