// Package metrics holds the Prometheus collectors shared by the server and the
// viewer. Collectors are registered on the Registerer passed to New; a nil
// Registerer yields working but unregistered collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "novelsync"

type Metrics struct {
	HubSubscribers        prometheus.Gauge
	HubEventsPublished    *prometheus.CounterVec
	HubSubscribersDropped *prometheus.CounterVec

	WatcherEvents *prometheus.CounterVec
	WatcherErrors prometheus.Counter

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	AgentConnectAttempts *prometheus.CounterVec
	AgentEventsApplied   *prometheus.CounterVec
	AgentState           *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HubSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Number of connected viewers",
		}),
		HubEventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "events_published_total",
			Help:      "Events fanned out to viewers",
		}, []string{"type"}),
		HubSubscribersDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "subscribers_dropped_total",
			Help:      "Viewers disconnected by the hub",
		}, []string{"reason"}), // reason: slow/write_error/closed

		WatcherEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "events_total",
			Help:      "Domain events emitted by the change watcher",
		}, []string{"type"}),
		WatcherErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "errors_total",
			Help:      "Errors observed while watching or re-reading novels",
		}),

		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"method", "route"}),

		AgentConnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "connect_attempts_total",
			Help:      "Connection attempts made by the sync agent",
		}, []string{"result"}),
		AgentEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "events_applied_total",
			Help:      "Events applied to the local view",
		}, []string{"type"}),
		AgentState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "state",
			Help:      "1 for the sync agent's current connection state",
		}, []string{"state"}),
	}
}
