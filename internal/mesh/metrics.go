package mesh

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "mesh"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of peers in the registry.
	Peers metrics.Gauge
	// Number of active connections.
	Connections metrics.Gauge
	// Current global message loss rate.
	LossRate metrics.Gauge
}

// PrometheusMetrics returns Metrics built using the Prometheus client
// library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		Peers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peers",
			Help:      "Number of peers in the registry.",
		}, []string{}),
		Connections: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "connections",
			Help:      "Number of active connections.",
		}, []string{}),
		LossRate: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "loss_rate",
			Help:      "Current global message loss rate.",
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Peers:       discard.NewGauge(),
		Connections: discard.NewGauge(),
		LossRate:    discard.NewGauge(),
	}
}
