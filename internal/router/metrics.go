package router

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "router"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of messages delivered end to end, labeled by message type.
	MessagesRouted metrics.Counter
	// Number of messages dropped in flight, labeled by reason.
	MessagesDropped metrics.Counter
	// Histogram of hops per delivered unicast message.
	MessageHops metrics.Histogram
}

// PrometheusMetrics returns Metrics built using the Prometheus client
// library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		MessagesRouted: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "messages_routed",
			Help:      "Number of messages delivered end to end.",
		}, []string{"type"}),
		MessagesDropped: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "messages_dropped",
			Help:      "Number of messages dropped in flight.",
		}, []string{"reason"}),
		MessageHops: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "message_hops",
			Help:      "Hops per delivered unicast message.",
			Buckets:   stdprometheus.LinearBuckets(1, 1, 16),
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		MessagesRouted:  discard.NewCounter(),
		MessagesDropped: discard.NewCounter(),
		MessageHops:     discard.NewHistogram(),
	}
}
