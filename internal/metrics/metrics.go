// Package metrics exposes Prometheus metrics for the execution core and
// serves them alongside health endpoints.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Order lifecycle.
var (
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantd_orders_total",
		Help: "Orders by symbol, side and terminal-or-current status.",
	}, []string{"symbol", "side", "status"})

	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantd_fills_total",
		Help: "Fill events applied, by symbol and side.",
	}, []string{"symbol", "side"})

	FilledQuantity = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantd_filled_quantity_total",
		Help: "Cumulative filled quantity, by symbol and side.",
	}, []string{"symbol", "side"})

	SlippagePerShare = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quantd_slippage_per_share",
		Help:    "Per-share slippage of fills against the intent reference price; positive is adverse.",
		Buckets: []float64{-0.5, -0.1, -0.05, -0.01, 0, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"symbol"})

	SubmitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quantd_submit_latency_seconds",
		Help:    "Time from order creation to broker acknowledgment.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	OrphanFillsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quantd_orphan_fills_total",
		Help: "Broker events that matched no locally tracked order.",
	})
)

// Signal intake.
var (
	SignalsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantd_signals_accepted_total",
		Help: "Signals converted into execution intents, by strategy.",
	}, []string{"strategy"})

	SignalsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantd_signals_dropped_total",
		Help: "Signals dropped before intent creation, by reason.",
	}, []string{"reason"})
)

// Broker connectivity.
var (
	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quantd_broker_connection_state",
		Help: "Broker connection state: 0 disconnected, 1 connecting, 2 connected, 3 degraded.",
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quantd_broker_reconnects_total",
		Help: "Successful broker reconnects.",
	})

	HeartbeatAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quantd_broker_heartbeat_age_seconds",
		Help: "Seconds since the last inbound broker traffic.",
	})
)

// Portfolio state.
var (
	PositionQuantity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quantd_position_quantity",
		Help: "Signed position quantity by symbol.",
	}, []string{"symbol"})

	EquityCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quantd_equity_current",
		Help: "Current account equity.",
	})

	RealizedPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quantd_realized_pnl",
		Help: "Realized profit and loss across all symbols.",
	})
)

// Process.
var (
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantd_errors_total",
		Help: "Errors by type.",
	}, []string{"type"})

	UptimeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quantd_uptime_seconds",
		Help: "Process uptime in seconds.",
	})

	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quantd_build_info",
		Help: "Build information.",
	}, []string{"version", "commit", "date"})
)

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
}
