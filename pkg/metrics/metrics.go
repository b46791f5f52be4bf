package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// HTTPRequests counts handled HTTP requests by method, path and status
var HTTPRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "doro_http_requests_total",
		Help: "Total number of HTTP requests handled",
	},
	[]string{"method", "path", "status"},
)

// RequestLatency records request handling latency
var RequestLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "doro_http_request_duration_seconds",
		Help:    "Latency in seconds to handle HTTP requests",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"method", "path"},
)

// StickersCreated counts accepted sticker uploads
var StickersCreated = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "doro_stickers_created_total",
		Help: "Total number of stickers added to the collection",
	},
)

// UploadsRejected counts uploads rejected before storage, by reason
var UploadsRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "doro_uploads_rejected_total",
		Help: "Total number of rejected sticker uploads",
	},
	[]string{"reason"},
)

func init() {
	prometheus.MustRegister(HTTPRequests, RequestLatency)
	prometheus.MustRegister(StickersCreated, UploadsRejected)
}
