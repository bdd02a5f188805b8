package types

import (
	"time"
)

// Direction 持仓方向。当前策略只做多，保留 short 以便与交易所返回对齐。
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// TriggerState 入场触发器。只有 SignalEngine 可以修改 Armed。
type TriggerState struct {
	Armed   bool      `json:"armed"`
	ArmedAt time.Time `json:"armed_at,omitempty"`
}

// PositionState 单个币种的持仓与风控子状态，由对应 agent 独占。
type PositionState struct {
	Asset         string       `json:"asset"`
	InPosition    bool         `json:"in_position"`
	Direction     Direction    `json:"direction,omitempty"`
	Size          float64      `json:"size"`
	EntryPrice    float64      `json:"entry_price"`
	EntryTime     time.Time    `json:"entry_time"`
	FibStopActive bool         `json:"fib_stop_active"`
	StopPrice     *float64     `json:"stop_price"`
	Leverage      float64      `json:"leverage,omitempty"`
	Trigger       TriggerState `json:"trigger"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Open marks the asset as in position and resets the risk sub-state.
func (p *PositionState) Open(dir Direction, size, entryPrice float64, entryTime time.Time) {
	p.InPosition = true
	p.Direction = dir
	p.Size = size
	p.EntryPrice = entryPrice
	p.EntryTime = entryTime
	p.FibStopActive = false
	p.StopPrice = nil
}

// Clear returns the state to flat. Trigger and stop state go with it.
func (p *PositionState) Clear() {
	p.InPosition = false
	p.Direction = ""
	p.Size = 0
	p.EntryPrice = 0
	p.EntryTime = time.Time{}
	p.FibStopActive = false
	p.StopPrice = nil
	p.Leverage = 0
	p.Trigger = TriggerState{}
}

// ROE is the leveraged return on entry for the given price. Leverage <= 0 counts as 1x.
func (p PositionState) ROE(price float64) float64 {
	if !p.InPosition || p.EntryPrice <= 0 {
		return 0
	}
	roe := (price - p.EntryPrice) / p.EntryPrice
	if p.Direction == DirectionShort {
		roe = -roe
	}
	if p.Leverage > 0 {
		roe *= p.Leverage
	}
	return roe
}

// LivePosition 交易所侧的持仓（对账时的真值来源）。
type LivePosition struct {
	Asset      string    `json:"asset"`
	Direction  Direction `json:"direction"`
	Size       float64   `json:"size"`
	EntryPrice float64   `json:"entry_price"`
	MarkPrice  float64   `json:"mark_price"`
	Leverage   float64   `json:"leverage,omitempty"`
	EntryTime  time.Time `json:"entry_time,omitempty"`
}

// LiveRiskSnapshot 风控循环每轮写出的实时风控快照。
type LiveRiskSnapshot struct {
	Asset             string    `json:"asset"`
	Price             float64   `json:"price"`
	ROE               float64   `json:"roe"`
	Stage             string    `json:"stage"`
	StopPrice         *float64  `json:"stop_price,omitempty"`
	LiveStopLossPct   float64   `json:"live_stop_loss_pct"`
	LiveTakeProfitPct float64   `json:"live_take_profit_pct"`
	Reason            string    `json:"reason,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}
