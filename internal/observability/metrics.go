package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dispatch"

var (
	ReportsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "reports_created_total", Help: "Emergency records created"})
	ReportFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "report_failures_total", Help: "Failed report creations by error kind"},
		[]string{"kind"},
	)
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "transitions_total", Help: "Status transition attempts"},
		[]string{"from", "to", "result"},
	)
	CandidatesFound = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "candidates_found",
		Help:      "Responder candidates attached to new emergencies",
		Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
	})
	GeoQueryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "geo_query_latency_seconds", Help: "Geo-index query latency"},
		[]string{"backend", "kind"},
	)

	NotificationsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_published_total", Help: "Events handed to a sink"},
		[]string{"sink", "type"},
	)
	NotificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_dropped_total", Help: "Events dropped for slow or failed sinks"},
		[]string{"sink"},
	)
	Subscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "subscribers", Help: "Connected event subscribers"},
		[]string{"role"},
	)
	EscalationsSent = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "escalations_sent_total", Help: "Pending reminders emitted by the sweep"})
	LocationUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Location samples applied to the geo index"},
		[]string{"kind"},
	)
	LocationRemovals = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_removals_total", Help: "Users taken out of the geo index"},
		[]string{"kind"},
	)

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
	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rate_limited_total", Help: "Requests rejected by the rate limiter"},
		[]string{"route"},
	)
)
