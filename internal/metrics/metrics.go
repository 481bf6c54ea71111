// Package metrics registers the Prometheus series the engine updates
// during operation:
//   - orbit_bars_total{symbol}              – bars processed
//   - orbit_signals_total{setup,outcome}    – signals by setup and gate outcome
//   - orbit_blocks_total{reason}            – gate rejections by reason
//   - orbit_orders_total{status}            – order lifecycle events
//   - orbit_exits_total{reason}             – position exits by reason
//   - orbit_open_positions                  – live positions (gauge)
//   - orbit_reserved_exposure_usd           – ledger-reserved max loss (gauge)
//   - orbit_cash_usd                        – cash as of last reconcile (gauge)
//   - orbit_drift_total{symbol}             – reconciliation drift detections
//
// Served at /metrics in Prometheus text exposition format.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Bars = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_bars_total",
			Help: "Bars processed",
		},
		[]string{"symbol"},
	)

	Signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_signals_total",
			Help: "Signals by setup and gate outcome",
		},
		[]string{"setup", "outcome"}, // outcome: approved|blocked
	)

	Blocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_blocks_total",
			Help: "Gate rejections by reason",
		},
		[]string{"reason"},
	)

	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_orders_total",
			Help: "Order lifecycle events",
		},
		[]string{"status"}, // submitted|filled|canceled|rejected
	)

	Exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_exits_total",
			Help: "Position exits by reason",
		},
		[]string{"reason"},
	)

	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orbit_open_positions",
			Help: "Live positions",
		},
	)

	ReservedExposure = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orbit_reserved_exposure_usd",
			Help: "Ledger-reserved max loss in USD",
		},
	)

	Cash = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orbit_cash_usd",
			Help: "Cash as of the last reconcile",
		},
	)

	Drift = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orbit_drift_total",
			Help: "Reconciliation drift detections",
		},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(
		Bars,
		Signals,
		Blocks,
		Orders,
		Exits,
		OpenPositions,
		ReservedExposure,
		Cash,
		Drift,
	)
}
