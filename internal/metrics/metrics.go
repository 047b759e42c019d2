// Package metrics exposes the orchestrator's Prometheus metrics.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sessionsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sessiond_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	creationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiond_creation_failures_total",
			Help: "Total number of creation pipeline failures",
		},
		[]string{"stage"},
	)

	creationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sessiond_creation_duration_seconds",
			Help:    "Creation pipeline duration in seconds",
			Buckets: []float64{5, 10, 20, 30, 60, 120, 180, 300},
		},
	)

	sessionsSweptTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiond_sessions_swept_total",
			Help: "Total number of sessions stopped by the sweeper",
		},
		[]string{"reason"},
	)

	keepAlivesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sessiond_keepalives_total",
			Help: "Total number of accepted keep-alive calls",
		},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessiond_active_sessions",
			Help: "Number of sessions in a non-terminal status",
		},
	)

	initOnce sync.Once
)

// Init registers the orchestrator metrics with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			sessionsCreatedTotal,
			creationFailuresTotal,
			creationDuration,
			sessionsSweptTotal,
			keepAlivesTotal,
			activeSessions,
		)
	})
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSessionCreated counts one successfully created session.
func RecordSessionCreated(duration time.Duration) {
	sessionsCreatedTotal.Inc()
	creationDuration.Observe(duration.Seconds())
}

// RecordCreationFailure counts one pipeline failure at the given stage.
func RecordCreationFailure(stage string) {
	creationFailuresTotal.WithLabelValues(stage).Inc()
}

// RecordSwept counts one sweeper-stopped session.
func RecordSwept(reason string) {
	sessionsSweptTotal.WithLabelValues(reason).Inc()
}

// RecordKeepAlive counts one accepted keep-alive.
func RecordKeepAlive() {
	keepAlivesTotal.Inc()
}

// SetActiveSessions sets the active session gauge.
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}
