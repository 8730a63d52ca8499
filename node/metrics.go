package node

import (
	"github.com/celestiaorg/chainsync/config"
	"github.com/celestiaorg/chainsync/downloaders/bodies"
	"github.com/celestiaorg/chainsync/downloaders/dispatch"
	"github.com/celestiaorg/chainsync/downloaders/headers"
	"github.com/celestiaorg/chainsync/store"
)

// Metrics bundles the metrics of every component a node runs.
type Metrics struct {
	Headers  *headers.Metrics
	Bodies   *bodies.Metrics
	Dispatch *dispatch.Metrics
	Store    *store.Metrics
}

// MetricsProvider returns the metrics used by a node.
type MetricsProvider func() *Metrics

// DefaultMetricsProvider returns Metrics build using Prometheus client library
// if Prometheus is enabled. Otherwise, it returns no-op Metrics.
func DefaultMetricsProvider(cfg *config.InstrumentationConfig) MetricsProvider {
	return func() *Metrics {
		if cfg.Prometheus {
			return &Metrics{
				Headers:  headers.PrometheusMetrics(cfg.Namespace),
				Bodies:   bodies.PrometheusMetrics(cfg.Namespace),
				Dispatch: dispatch.PrometheusMetrics(cfg.Namespace),
				Store:    store.PrometheusMetrics(cfg.Namespace),
			}
		}
		return NopMetrics()
	}
}

// NopMetrics returns no-op metrics for every component.
func NopMetrics() *Metrics {
	return &Metrics{
		Headers:  headers.NopMetrics(),
		Bodies:   bodies.NopMetrics(),
		Dispatch: dispatch.NopMetrics(),
		Store:    store.NopMetrics(),
	}
}
