package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

// Metrics holds all Prometheus metrics of the engine.
type Metrics struct {
	TicksTotal       prometheus.Counter
	EvaluationsTotal *prometheus.CounterVec // labels: type=entry_long|entry_short|exit, result=true|false
	EvalErrorsTotal  prometheus.Counter
	OrdersTotal      *prometheus.CounterVec // labels: mode, side
	CandlesTotal     prometheus.Counter
	WSReconnects     prometheus.Counter

	BreakerTrips        prometheus.Counter
	BreakerOpen         prometheus.Gauge // 0=closed, 1=open
	ConsecutiveFailures prometheus.Gauge

	VirtualCapital       prometheus.Gauge
	OpenVirtualPositions prometheus.Gauge

	SymbolEvalDur prometheus.Histogram
	CheckpointDur prometheus.Histogram
}

// NewMetrics registers and returns all metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_ticks_total",
			Help: "Poll loop ticks",
		}),
		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_evaluations_total",
			Help: "Condition tree evaluations by type and result",
		}, []string{"type", "result"}),
		EvalErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_evaluation_errors_total",
			Help: "Failed (strategy, symbol) evaluations",
		}),
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_total",
			Help: "Orders placed, virtual or live",
		}, []string{"mode", "side"}),
		CandlesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_candles_total",
			Help: "Candle updates received from the stream",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_ws_reconnects_total",
			Help: "Total WebSocket reconnection attempts",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_circuit_breaker_trips_total",
			Help: "Times the circuit breaker tripped open",
		}),
		BreakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open)",
		}),
		ConsecutiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_consecutive_failures",
			Help: "Current consecutive evaluation failures",
		}),
		VirtualCapital: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_virtual_capital",
			Help: "Current simulated capital",
		}),
		OpenVirtualPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_virtual_positions_open",
			Help: "Open virtual positions",
		}),
		SymbolEvalDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_symbol_evaluation_duration_seconds",
			Help:    "Latency of one (strategy, symbol) evaluation",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		CheckpointDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_checkpoint_duration_seconds",
			Help:    "State checkpoint latency",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.EvaluationsTotal,
		m.EvalErrorsTotal,
		m.OrdersTotal,
		m.CandlesTotal,
		m.WSReconnects,
		m.BreakerTrips,
		m.BreakerOpen,
		m.ConsecutiveFailures,
		m.VirtualCapital,
		m.OpenVirtualPositions,
		m.SymbolEvalDur,
		m.CheckpointDur,
	)
	return m
}

// NewRegistry registry with process and Go runtime collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler /metrics handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func Module() fx.Option {
	return fx.Module("metrics",
		fx.Provide(
			NewRegistry,
			func(reg *prometheus.Registry) *Metrics {
				return NewMetrics(reg)
			},
		),
	)
}
