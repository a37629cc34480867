package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BookingsRequested = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ambulance", Name: "bookings_requested_total", Help: "Bookings created, by urgency tier"},
		[]string{"urgency"},
	)
	BookingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ambulance", Name: "booking_transitions_total", Help: "Booking status transitions"},
		[]string{"from", "to"},
	)
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ambulance", Name: "dispatches_total", Help: "Dispatch attempts by outcome"},
		[]string{"outcome"},
	)
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ambulance", Name: "dispatch_latency_seconds", Help: "Vehicle selection latency seconds"})
	FareQuotes      = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ambulance",
		Name:      "fare_quote_total",
		Help:      "Distribution of quoted fare totals",
		Buckets:   prometheus.ExponentialBuckets(250, 2, 8),
	})

	TrackingTicks  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ambulance", Name: "tracking_ticks_total", Help: "Tracking ticks that emitted an event"})
	Arrivals       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ambulance", Name: "arrivals_total", Help: "Vehicles that reached their destination"})
	ActiveTracking = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ambulance", Name: "tracking_loops_active", Help: "Tracking loops currently scheduled"})
	EventsDropped  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ambulance", Name: "events_dropped_total", Help: "Events a sink failed to deliver"},
		[]string{"sink"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ambulance", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ambulance",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
