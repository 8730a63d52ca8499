package headers

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "headers"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Whether a header run is in progress.
	Syncing metrics.Gauge
	// Number of the header the current run syncs to.
	TargetHeight metrics.Gauge
	// Number of headers validated and drained in order.
	HeadersDownloaded metrics.Counter
	// Number of headers waiting in the reassembly buffer.
	Buffered metrics.Gauge
	// Number of responses rejected as malformed or invalid.
	ValidationFailures metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Syncing: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "syncing",
			Help:      "Whether or not a header run is in progress. 1 if yes, 0 if no.",
		}, labels).With(labelsAndValues...),
		TargetHeight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "target_height",
			Help:      "Number of the header the current run syncs to.",
		}, labels).With(labelsAndValues...),
		HeadersDownloaded: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "downloaded",
			Help:      "Number of headers validated and drained in order.",
		}, labels).With(labelsAndValues...),
		Buffered: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "buffered",
			Help:      "Number of headers waiting in the reassembly buffer.",
		}, labels).With(labelsAndValues...),
		ValidationFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "validation_failures",
			Help:      "Number of header responses rejected as malformed or invalid.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Syncing:            discard.NewGauge(),
		TargetHeight:       discard.NewGauge(),
		HeadersDownloaded:  discard.NewCounter(),
		Buffered:           discard.NewGauge(),
		ValidationFailures: discard.NewCounter(),
	}
}
