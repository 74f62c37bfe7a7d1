package observ

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the gate's prometheus collectors. A single instance is
// constructed at boot and handed to the components that record into it.
type Metrics struct {
	AdmissionsTotal  *prometheus.CounterVec
	RejectionsTotal  *prometheus.CounterVec
	ViolationsTotal  *prometheus.CounterVec
	DecisionSeconds  prometheus.Histogram
	ExposureNotional *prometheus.GaugeVec
	TotalExposure    prometheus.Gauge
	DailyPnL         prometheus.Gauge
	Drawdown         prometheus.Gauge
	BreakerEngaged   prometheus.Gauge
	IdempotencyKeys  prometheus.Gauge
	DuplicatesTotal  prometheus.Counter
}

// NewMetrics registers the gate collectors on the given registerer. Pass
// prometheus.DefaultRegisterer in main and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AdmissionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_admissions_total",
			Help: "Admission decisions by outcome.",
		}, []string{"result"}),
		RejectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_rejections_total",
			Help: "Rejected order requests by reason code.",
		}, []string{"reason"}),
		ViolationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_violations_total",
			Help: "Risk violations recorded, by type and severity.",
		}, []string{"type", "severity"}),
		DecisionSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gate_decision_seconds",
			Help:    "Admission pipeline latency.",
			Buckets: prometheus.ExponentialBuckets(0.000005, 4, 10),
		}),
		ExposureNotional: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gate_exposure_notional",
			Help: "Current notional exposure per symbol.",
		}, []string{"symbol"}),
		TotalExposure: f.NewGauge(prometheus.GaugeOpts{
			Name: "gate_exposure_total_notional",
			Help: "Aggregate notional exposure across symbols.",
		}),
		DailyPnL: f.NewGauge(prometheus.GaugeOpts{
			Name: "gate_daily_pnl",
			Help: "Realized PnL since the last UTC rollover.",
		}),
		Drawdown: f.NewGauge(prometheus.GaugeOpts{
			Name: "gate_daily_drawdown",
			Help: "Unrecovered intraday loss.",
		}),
		BreakerEngaged: f.NewGauge(prometheus.GaugeOpts{
			Name: "gate_circuit_breaker_engaged",
			Help: "1 while the kill switch is engaged.",
		}),
		IdempotencyKeys: f.NewGauge(prometheus.GaugeOpts{
			Name: "gate_idempotency_keys",
			Help: "Live idempotency keys in the dedup window.",
		}),
		DuplicatesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "gate_duplicate_requests_total",
			Help: "Requests rejected as idempotency-key duplicates.",
		}),
	}
}
