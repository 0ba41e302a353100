package fault

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const MetricsSubsystem = "fault"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of faults injected, labeled by kind.
	FaultsInjected metrics.Counter
	// Number of partition episodes recorded.
	PartitionsRecorded metrics.Counter
	// Number of recovery runs, labeled by outcome.
	Recoveries metrics.Counter
	// Histogram of recovery durations in seconds.
	RecoveryDuration metrics.Histogram
}

// PrometheusMetrics returns Metrics built using the Prometheus client
// library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		FaultsInjected: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "faults_injected",
			Help:      "Number of faults injected.",
		}, []string{"kind"}),
		PartitionsRecorded: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "partitions_recorded",
			Help:      "Number of partition episodes recorded.",
		}, []string{}),
		Recoveries: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "recoveries",
			Help:      "Number of recovery runs.",
		}, []string{"outcome"}),
		RecoveryDuration: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "recovery_duration_seconds",
			Help:      "Recovery durations in seconds.",
			Buckets:   stdprometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		FaultsInjected:     discard.NewCounter(),
		PartitionsRecorded: discard.NewCounter(),
		Recoveries:         discard.NewCounter(),
		RecoveryDuration:   discard.NewHistogram(),
	}
}
