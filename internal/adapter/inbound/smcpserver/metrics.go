package smcpserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of the signaling server.
type Metrics struct {
	ActiveSessions  prometheus.Gauge
	JoinsTotal      *prometheus.CounterVec
	ForwardsTotal   *prometheus.CounterVec
	ForwardDuration *prometheus.HistogramVec
	NotifiesTotal   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "smcp",
				Name:      "active_sessions",
				Help:      "Number of connected signaling sessions",
			},
		),
		JoinsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "smcp",
				Name:      "joins_total",
				Help:      "Total join_office requests processed",
			},
			[]string{"role", "status"}, // status=ok/rejected
		),
		ForwardsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "smcp",
				Name:      "forwards_total",
				Help:      "Total agent requests forwarded to computers",
			},
			[]string{"event", "status"}, // status=ok/error/timeout
		),
		ForwardDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "smcp",
				Name:      "forward_duration_seconds",
				Help:      "Forward round-trip duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"event"},
		),
		NotifiesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "smcp",
				Name:      "notifications_total",
				Help:      "Total notifications broadcast into offices",
			},
			[]string{"event"},
		),
	}
}
