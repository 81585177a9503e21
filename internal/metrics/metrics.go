package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the bot's operational counters and gauges.
type Metrics struct {
	TradesTotal    *prometheus.CounterVec
	DCAFills       prometheus.Counter
	Flips          prometheus.Counter
	OrderErrors    prometheus.Counter
	DoctorRepairs  *prometheus.CounterVec
	Balance        prometheus.Gauge
	UnrealizedPnL  prometheus.Gauge
	ProtectionMult prometheus.Gauge
	DangerLevel    prometheus.Gauge
	DCALevel       prometheus.Gauge
	PositionSize   prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TradesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_trades_total",
			Help: "Closed trades by exit reason.",
		}, []string{"reason"}),
		DCAFills: factory.NewCounter(prometheus.CounterOpts{
			Name: "bot_dca_fills_total",
			Help: "Safety orders filled.",
		}),
		Flips: factory.NewCounter(prometheus.CounterOpts{
			Name: "bot_flips_total",
			Help: "Reversal entries taken after a stop loss.",
		}),
		OrderErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "bot_order_errors_total",
			Help: "Order placement failures.",
		}),
		DoctorRepairs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_doctor_repairs_total",
			Help: "Reconciliation actions by kind.",
		}, []string{"kind"}),
		Balance: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bot_balance_usd",
			Help: "Wallet balance in USDT.",
		}),
		UnrealizedPnL: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bot_unrealized_pnl_usd",
			Help: "Open position unrealized PnL.",
		}),
		ProtectionMult: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bot_protection_multiplier",
			Help: "Drawdown protection distance multiplier.",
		}),
		DangerLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bot_danger_level",
			Help: "Composite danger level in [0, 1].",
		}),
		DCALevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bot_dca_level",
			Help: "Safety orders filled on the open position.",
		}),
		PositionSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bot_position_size",
			Help: "Open position size in base asset.",
		}),
	}
}
