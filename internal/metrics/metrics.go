package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jechat",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "jechat",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 180},
		},
		[]string{"method", "endpoint"},
	)

	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jechat",
			Name:      "generations_total",
			Help:      "Total replies produced, by model, cache outcome and status",
		},
		[]string{"model", "cached", "status"},
	)

	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "jechat",
			Name:      "generation_duration_seconds",
			Help:      "Inference latency in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 180},
		},
		[]string{"model"},
	)

	UpstreamErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jechat",
			Name:      "upstream_errors_total",
			Help:      "Inference API failures by HTTP status",
		},
		[]string{"model", "status"},
	)

	CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jechat",
			Name:      "cache_hits_total",
			Help:      "Total reply cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jechat",
			Name:      "cache_misses_total",
			Help:      "Total reply cache misses",
		},
		[]string{"cache_type"},
	)

	ConversationsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jechat",
			Name:      "conversations_created_total",
			Help:      "Total conversations started, by preset",
		},
		[]string{"preset"},
	)
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordRequest(method, endpoint string, status int, durationSec float64) {
	RequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	RequestDuration.WithLabelValues(method, endpoint).Observe(durationSec)
}

func RecordGeneration(model string, cached bool, err error, durationSec float64) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	GenerationsTotal.WithLabelValues(model, strconv.FormatBool(cached), status).Inc()
	if !cached && err == nil {
		GenerationDuration.WithLabelValues(model).Observe(durationSec)
	}
}

func RecordUpstreamError(model string, status int) {
	UpstreamErrorsTotal.WithLabelValues(model, strconv.Itoa(status)).Inc()
}
