package risk

import (
	"fmt"
	"math"
	"time"

	"tokenguard/internal/types"
)

// Stage of the exit state machine for an open position.
type Stage string

const (
	StageFixedStop   Stage = "FIXED_STOP"
	StageFibTrailing Stage = "FIB_TRAILING"
	StageClosed      Stage = "CLOSED"
)

const (
	ReasonStopLoss     = "stop_loss"
	ReasonTrailingStop = "trailing_stop"
	ReasonTakeProfit   = "take_profit"
	ReasonSkipped      = "missing indicator data"
)

type Config struct {
	StopLossPct               float64
	TakeProfitConservativePct float64
	TakeProfitAggressivePct   float64
	GracePeriod               time.Duration
	ParamsMaxAge              time.Duration
}

func (c Config) withDefaults() Config {
	if c.StopLossPct <= 0 {
		c.StopLossPct = 0.10
	}
	if c.TakeProfitConservativePct <= 0 {
		c.TakeProfitConservativePct = 0.15
	}
	if c.TakeProfitAggressivePct <= 0 {
		c.TakeProfitAggressivePct = 0.30
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 60 * time.Second
	}
	if c.ParamsMaxAge <= 0 {
		c.ParamsMaxAge = 45 * time.Minute
	}
	return c
}

// Decision is the outcome of one risk cycle.
type Decision struct {
	ShouldClose       bool     `json:"should_close"`
	Reason            string   `json:"reason"`
	Value             float64  `json:"value"`
	ROE               float64  `json:"roe"`
	Stage             Stage    `json:"stage"`
	StopPrice         *float64 `json:"stop_price,omitempty"`
	LiveStopLossPct   float64  `json:"live_stop_loss_pct"`
	LiveTakeProfitPct float64  `json:"live_take_profit_pct"`
	Skipped           bool     `json:"skipped,omitempty"`
	// Activated is set on the cycle the trailing stop engages.
	Activated bool `json:"activated,omitempty"`
}

// Engine 出场状态机：FIXED_STOP → FIB_TRAILING → CLOSED。
// 追踪止损价只升不降；止盈阈值按 bull_state 分档，regime 风控参数新鲜时整体覆盖。
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults()}
}

// Limits returns the stop-loss and take-profit fractions in force.
func (e *Engine) Limits(snap *types.IndicatorSnapshot, params *types.RiskParams, now time.Time) (sl, tp float64) {
	if params.FreshAt(now, e.cfg.ParamsMaxAge) && params.StopLossPct > 0 && params.TakeProfitPct > 0 {
		return params.StopLossPct, params.TakeProfitPct
	}
	tp = e.cfg.TakeProfitConservativePct
	if snap != nil && snap.BullState {
		tp = e.cfg.TakeProfitAggressivePct
	}
	return e.cfg.StopLossPct, tp
}

// Evaluate runs one cycle for pos. It mutates the trailing sub-state of pos
// (FibStopActive, StopPrice); the caller persists it. live, when given, supplies
// the exchange's entry price and leverage.
func (e *Engine) Evaluate(pos *types.PositionState, live *types.LivePosition, currentPrice float64, snap *types.IndicatorSnapshot, params *types.RiskParams, now time.Time) Decision {
	if pos == nil || !pos.InPosition {
		return Decision{Stage: StageClosed, Reason: "flat"}
	}
	sl, tp := e.Limits(snap, params, now)
	dec := Decision{Stage: stageOf(pos), LiveStopLossPct: sl, LiveTakeProfitPct: tp, StopPrice: pos.StopPrice}
	if !snap.HasRiskInputs() || !finitePositive(currentPrice) {
		dec.Skipped = true
		dec.Reason = ReasonSkipped
		return dec
	}

	entry := pos.EntryPrice
	if live != nil && live.EntryPrice > 0 {
		entry = live.EntryPrice
	}
	view := *pos
	view.EntryPrice = entry
	if live != nil && live.Leverage > 0 {
		view.Leverage = live.Leverage
	}
	roe := view.ROE(currentPrice)
	dec.ROE = roe

	if !pos.FibStopActive && now.Sub(pos.EntryTime) >= e.cfg.GracePeriod && snap.FibEntry > entry {
		stop := snap.WMAFib0
		pos.FibStopActive = true
		pos.StopPrice = &stop
		dec.Activated = true
	}

	if pos.FibStopActive {
		if pos.StopPrice == nil {
			stop := snap.WMAFib0
			pos.StopPrice = &stop
		} else if snap.WMAFib0 > *pos.StopPrice {
			stop := snap.WMAFib0
			pos.StopPrice = &stop
		}
		dec.Stage = StageFibTrailing
		dec.StopPrice = pos.StopPrice
		if currentPrice <= *pos.StopPrice {
			return closeWith(dec, ReasonTrailingStop, *pos.StopPrice)
		}
	} else if roe <= -sl {
		return closeWith(dec, ReasonStopLoss, roe)
	}

	if roe >= tp {
		return closeWith(dec, ReasonTakeProfit, roe)
	}
	dec.Reason = fmt.Sprintf("hold roe=%.4f sl=%.4f tp=%.4f", roe, sl, tp)
	return dec
}

func closeWith(dec Decision, reason string, value float64) Decision {
	dec.ShouldClose = true
	dec.Reason = reason
	dec.Value = value
	dec.Stage = StageClosed
	return dec
}

func stageOf(pos *types.PositionState) Stage {
	if pos.FibStopActive {
		return StageFibTrailing
	}
	return StageFixedStop
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
