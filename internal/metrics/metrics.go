package metrics

import (
	"net/http"

	"tokenguard/internal/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder 持有 tokenguard 的 Prometheus 指标，方法对 nil 接收者安全。
type Recorder struct {
	registry    *prometheus.Registry
	agentStatus *prometheus.GaugeVec
	restarts    *prometheus.CounterVec
	ticks       *prometheus.CounterVec
	lastPrice   *prometheus.GaugeVec
	orders      *prometheus.CounterVec
	assessments *prometheus.CounterVec
	ruleActions *prometheus.CounterVec
}

var allStatuses = []types.AgentStatus{
	types.StatusStarting, types.StatusRunning, types.StatusHealthy, types.StatusCrashed,
	types.StatusStopping, types.StatusStopped, types.StatusFailed,
}

// New registers every collector on a private registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		agentStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tokenguard_agent_status",
				Help: "1 for the agent's current lifecycle status, 0 otherwise",
			},
			[]string{"asset", "status"},
		),
		restarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenguard_agent_restarts_total",
				Help: "Automatic agent restarts after a crash",
			},
			[]string{"asset"},
		),
		ticks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenguard_price_ticks_total",
				Help: "Price ticks processed by an agent",
			},
			[]string{"asset"},
		),
		lastPrice: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tokenguard_last_price",
				Help: "Last polled price per asset",
			},
			[]string{"asset"},
		),
		orders: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenguard_orders_total",
				Help: "Orders submitted by agents",
			},
			[]string{"asset", "side", "result"},
		),
		assessments: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenguard_regime_assessments_total",
				Help: "Regime assessments produced, by source and regime",
			},
			[]string{"asset", "source", "regime"},
		),
		ruleActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tokenguard_regime_rule_actions_total",
				Help: "Regime rule matches by action",
			},
			[]string{"asset", "rule", "action"},
		),
	}
}

func (r *Recorder) SetAgentStatus(asset string, status types.AgentStatus) {
	if r == nil {
		return
	}
	for _, s := range allStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		r.agentStatus.WithLabelValues(asset, string(s)).Set(v)
	}
}

func (r *Recorder) IncRestart(asset string) {
	if r == nil {
		return
	}
	r.restarts.WithLabelValues(asset).Inc()
}

func (r *Recorder) RecordTick(asset string, price float64) {
	if r == nil {
		return
	}
	r.ticks.WithLabelValues(asset).Inc()
	r.lastPrice.WithLabelValues(asset).Set(price)
}

func (r *Recorder) RecordOrder(asset, side, result string) {
	if r == nil {
		return
	}
	r.orders.WithLabelValues(asset, side, result).Inc()
}

func (r *Recorder) RecordAssessment(a types.Assessment) {
	if r == nil {
		return
	}
	r.assessments.WithLabelValues(a.Asset, string(a.Source), string(a.Regime)).Inc()
}

func (r *Recorder) RecordRuleAction(asset, rule, action string) {
	if r == nil {
		return
	}
	r.ruleActions.WithLabelValues(asset, rule, action).Inc()
}

// Gatherer exposes the registry for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
