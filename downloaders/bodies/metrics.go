package bodies

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "bodies"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of blocks handed downstream.
	BlocksEmitted metrics.Counter
	// Number of batches handed downstream.
	Batches metrics.Counter
	// Size of the handed out batches, in bytes.
	BatchSizeBytes metrics.Histogram
	// Number of blocks waiting in the reassembly buffer.
	Buffered metrics.Gauge
	// Number of headers waiting for their body to be requested.
	Queued metrics.Gauge
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
		BlocksEmitted: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_emitted",
			Help:      "Number of blocks handed downstream.",
		}, labels).With(labelsAndValues...),
		Batches: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "batches",
			Help:      "Number of block batches handed downstream.",
		}, labels).With(labelsAndValues...),
		BatchSizeBytes: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "batch_size_bytes",
			Help:      "Size of the handed out batches, in bytes.",
			Buckets:   stdprometheus.ExponentialBuckets(1024, 4, 12),
		}, labels).With(labelsAndValues...),
		Buffered: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "buffered",
			Help:      "Number of blocks waiting in the reassembly buffer.",
		}, labels).With(labelsAndValues...),
		Queued: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "queued",
			Help:      "Number of headers waiting for their body to be requested.",
		}, labels).With(labelsAndValues...),
		ValidationFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "validation_failures",
			Help:      "Number of body responses rejected as malformed or invalid.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		BlocksEmitted:      discard.NewCounter(),
		Batches:            discard.NewCounter(),
		BatchSizeBytes:     discard.NewHistogram(),
		Buffered:           discard.NewGauge(),
		Queued:             discard.NewGauge(),
		ValidationFailures: discard.NewCounter(),
	}
}
