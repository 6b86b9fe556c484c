// Package metrics exposes the engine's health as Prometheus gauges and
// counters, registered against a private registry (never the global
// default) so this package can be constructed more than once in tests
// without colliding.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the engine reports and the private
// prometheus.Registry they're registered against.
type Registry struct {
	reg *prometheus.Registry

	OpenPositions      prometheus.Gauge
	PortfolioUSD       prometheus.Gauge
	DailyVolumeUSD     prometheus.Gauge
	CircuitBreakerOpen prometheus.Gauge
	EmergencyLevel     prometheus.Gauge

	TradesOpened   *prometheus.CounterVec // labeled by outcome (admitted/rejected)
	TradesClosed   *prometheus.CounterVec // labeled by close_reason
	ExecutionsTotal *prometheus.CounterVec // labeled by direction, success
	SlippagePct    *prometheus.HistogramVec
	ExecutionLatency *prometheus.HistogramVec
}

// New constructs a Registry with every metric pre-registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "treasury",
			Name:      "open_positions",
			Help:      "Number of currently open positions.",
		}),
		PortfolioUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "treasury",
			Name:      "portfolio_usd",
			Help:      "Total portfolio value in USD (SOL balance plus open-position exposure).",
		}),
		DailyVolumeUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "treasury",
			Name:      "daily_volume_usd",
			Help:      "Running traded volume for the current UTC day.",
		}),
		CircuitBreakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "treasury",
			Name:      "circuit_breaker_open",
			Help:      "1 if the risk gate's circuit breaker is open, 0 otherwise.",
		}),
		EmergencyLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "treasury",
			Name:      "emergency_level",
			Help:      "Current emergency level: 0=NONE 1=TOKEN_PAUSE 2=SOFT_STOP 3=HARD_STOP 4=KILL_SWITCH.",
		}),
		TradesOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "treasury",
			Name:      "trades_opened_total",
			Help:      "Open-position attempts by admission outcome.",
		}, []string{"outcome"}),
		TradesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "treasury",
			Name:      "trades_closed_total",
			Help:      "Closed positions by close reason.",
		}, []string{"close_reason"}),
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "treasury",
			Name:      "executions_total",
			Help:      "Swap executions by direction and success.",
		}, []string{"direction", "success"}),
		SlippagePct: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "treasury",
			Name:      "execution_slippage_pct",
			Help:      "Realized slippage percentage of successful executions.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		}, []string{"direction"}),
		ExecutionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "treasury",
			Name:      "execution_latency_ms",
			Help:      "End-to-end swap execution latency in milliseconds.",
			Buckets:   prometheus.ExponentialBuckets(50, 2, 10),
		}, []string{"direction"}),
	}

	reg.MustRegister(
		r.OpenPositions,
		r.PortfolioUSD,
		r.DailyVolumeUSD,
		r.CircuitBreakerOpen,
		r.EmergencyLevel,
		r.TradesOpened,
		r.TradesClosed,
		r.ExecutionsTotal,
		r.SlippagePct,
		r.ExecutionLatency,
	)

	return r
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RecordExecution updates the execution-path counters and histograms.
func (r *Registry) RecordExecution(direction string, success bool, slippagePct float64, latencyMs int64) {
	successLabel := "false"
	if success {
		successLabel = "true"
	}
	r.ExecutionsTotal.WithLabelValues(direction, successLabel).Inc()
	r.ExecutionLatency.WithLabelValues(direction).Observe(float64(latencyMs))
	if success {
		r.SlippagePct.WithLabelValues(direction).Observe(slippagePct)
	}
}
