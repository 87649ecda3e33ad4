package server

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "transdock_http_requests_total",
		Help: "HTTP requests by method, path and status",
	}, []string{"method", "path", "status"})
	httpRequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "transdock_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	})
	migrationsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "transdock_migrations_started_total",
		Help: "Migration jobs accepted",
	})
	migrationsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "transdock_migrations_finished_total",
		Help: "Migration jobs finished by terminal status",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, migrationsStarted, migrationsFinished)
}

func observeRequest(method, path string, status int, dur time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.Observe(dur.Seconds())
}

// MarkMigrationFinished records a terminal job status. Called by the
// manager's finish hook so the counter covers jobs that end after the
// request that started them returned.
func MarkMigrationFinished(status string) {
	migrationsFinished.WithLabelValues(status).Inc()
}
