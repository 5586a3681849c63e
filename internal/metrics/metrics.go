// Package metrics provides Prometheus instrumentation for the mesh marketplace.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mesh",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RFPsCreatedTotal counts RFPs created in the registry.
	RFPsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mesh",
		Name:      "rfps_created_total",
		Help:      "Total RFPs created.",
	})

	// RFPsAssignedTotal counts RFPs assigned to a winning bid.
	RFPsAssignedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mesh",
		Name:      "rfps_assigned_total",
		Help:      "Total RFPs assigned to a winning bid.",
	})

	// RFPsExpiredTotal counts RFPs expired by the sweeper.
	RFPsExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mesh",
		Name:      "rfps_expired_total",
		Help:      "Total RFPs expired by the background sweeper.",
	})

	// BidsSubmittedTotal counts accepted bid submissions.
	BidsSubmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mesh",
		Name:      "bids_submitted_total",
		Help:      "Total bids accepted by the registry.",
	})

	// BidsRejectedTotal counts rejected bid submissions by reason.
	BidsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Name:      "bids_rejected_total",
			Help:      "Total bids rejected by the registry, by reason.",
		},
		[]string{"reason"},
	)

	// SettlementsTotal counts facilitator settlements by result.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Name:      "settlements_total",
			Help:      "Total payment settlements by result.",
		},
		[]string{"result"},
	)

	// DeliveriesTotal counts provider deliveries by result.
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh",
			Name:      "deliveries_total",
			Help:      "Total /deliver requests by result (challenged, delivered, rejected).",
		},
		[]string{"result"},
	)

	// ReplaysRejectedTotal counts payment signatures rejected by the replay cache.
	ReplaysRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mesh",
		Name:      "replays_rejected_total",
		Help:      "Total payment proofs rejected because the signature was already used.",
	})

	// RatingsRecordedTotal counts ratings recorded.
	RatingsRecordedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mesh",
		Name:      "ratings_recorded_total",
		Help:      "Total ratings recorded.",
	})

	// TimeToAssignSeconds observes seconds from RFP creation to assignment.
	TimeToAssignSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mesh",
		Name:      "time_to_assign_seconds",
		Help:      "Time from RFP creation to winner assignment in seconds.",
		Buckets:   []float64{1, 3, 5, 10, 30, 60, 300, 900},
	})

	// BidPriceUSDC observes accepted bid prices.
	BidPriceUSDC = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mesh",
		Name:      "bid_price_usdc",
		Help:      "Accepted bid prices in USDC.",
		Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 1, 10, 100},
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RFPsCreatedTotal,
		RFPsAssignedTotal,
		RFPsExpiredTotal,
		BidsSubmittedTotal,
		BidsRejectedTotal,
		SettlementsTotal,
		DeliveriesTotal,
		ReplaysRejectedTotal,
		RatingsRecordedTotal,
		TimeToAssignSeconds,
		BidPriceUSDC,
	)
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
