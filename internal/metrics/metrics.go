// Package metrics holds the process-wide Prometheus instruments.
// Everything is registered on the default registry and served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trad_ticks_total",
		Help: "Strategy ticks executed.",
	})
	TickErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trad_tick_errors_total",
		Help: "Ticks that ended in an uncaught strategy error.",
	})
	TradesSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trad_trades_total",
		Help: "Trades confirmed on chain (or simulated).",
	})
	ChainSubmissions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trad_chain_submissions_total",
		Help: "Raw transactions submitted to the chain.",
	})
	RunsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trad_runs_active",
		Help: "Strategies currently running.",
	})
)
