package dispatch

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "dispatch"

	// downloaderLabel distinguishes the header and body dispatchers, which
	// share one set of metrics.
	downloaderLabel = "downloader"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of requests sent to peers, retries included.
	RequestsSent metrics.Counter
	// Number of requests re-dispatched after a failure.
	RequestsRetried metrics.Counter
	// Number of failed requests, by failure kind.
	RequestsFailed metrics.Counter
	// Number of requests currently in flight.
	InFlight metrics.Gauge
	// Time between sending a request and receiving its response.
	RequestDuration metrics.Histogram
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	labels = append(labels, downloaderLabel)
	return &Metrics{
		RequestsSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "requests_sent",
			Help:      "Number of requests sent to peers, retries included.",
		}, labels).With(labelsAndValues...),

		RequestsRetried: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "requests_retried",
			Help:      "Number of requests re-dispatched after a failure.",
		}, labels).With(labelsAndValues...),

		RequestsFailed: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "requests_failed",
			Help:      "Number of failed requests.",
		}, append(labels, "kind")).With(labelsAndValues...),

		InFlight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "in_flight",
			Help:      "Number of requests currently in flight.",
		}, labels).With(labelsAndValues...),

		RequestDuration: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "request_duration_seconds",
			Help:      "Time between sending a request and receiving its response.",
			Buckets:   stdprometheus.ExponentialBuckets(0.01, 2, 12),
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		RequestsSent:    discard.NewCounter(),
		RequestsRetried: discard.NewCounter(),
		RequestsFailed:  discard.NewCounter(),
		InFlight:        discard.NewGauge(),
		RequestDuration: discard.NewHistogram(),
	}
}

// forDownloader binds the downloader label.
func (m *Metrics) forDownloader(name string) *Metrics {
	return &Metrics{
		RequestsSent:    m.RequestsSent.With(downloaderLabel, name),
		RequestsRetried: m.RequestsRetried.With(downloaderLabel, name),
		RequestsFailed:  m.RequestsFailed.With(downloaderLabel, name),
		InFlight:        m.InFlight.With(downloaderLabel, name),
		RequestDuration: m.RequestDuration.With(downloaderLabel, name),
	}
}
