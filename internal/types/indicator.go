package types

import (
	"math"
	"time"
)

// Oscillator is one StochRSI reading.
type Oscillator struct {
	K float64 `json:"k"`
	D float64 `json:"d"`
}

// Valid 只排除 nil/NaN/Inf：K=0、D=0 是超卖到底的正常读数。
func (o *Oscillator) Valid() bool {
	return o != nil && finite(o.K) && finite(o.D)
}

// IndicatorSnapshot 由 K 线计算出的指标快照，对状态机是不透明输入。
// 价格与 fib 位为 0、NaN、Inf 视为缺失；振荡器为 nil 或非有限值视为缺失。
type IndicatorSnapshot struct {
	FibEntry    float64     `json:"fib_entry"`
	WMAFib0     float64     `json:"wma_fib_0"`
	StochRSI    *Oscillator `json:"stoch_rsi,omitempty"`
	StochRSI4h  *Oscillator `json:"stoch_rsi_4hr,omitempty"`
	BullState   bool        `json:"bull_state"`
	LatestPrice float64     `json:"latest_price"`
	ComputedAt  time.Time   `json:"computed_at"`
}

// HasEntryInputs reports whether the fields the entry trigger needs are present.
func (s *IndicatorSnapshot) HasEntryInputs() bool {
	if s == nil {
		return false
	}
	return usable(s.FibEntry) && usable(s.WMAFib0) && usable(s.LatestPrice) && s.StochRSI.Valid()
}

// HasHTF reports whether the 4h oscillator is usable.
func (s *IndicatorSnapshot) HasHTF() bool {
	return s != nil && s.StochRSI4h.Valid()
}

// HasRiskInputs reports whether the trailing stop inputs are present.
func (s *IndicatorSnapshot) HasRiskInputs() bool {
	if s == nil {
		return false
	}
	return usable(s.FibEntry) && usable(s.WMAFib0)
}

// AnalysisSnapshot 写入 KV 的最新分析结果，observe 模式下也会持续更新。
type AnalysisSnapshot struct {
	Asset     string            `json:"asset"`
	Snapshot  IndicatorSnapshot `json:"snapshot"`
	Signal    string            `json:"signal"`
	Reason    string            `json:"reason"`
	Armed     bool              `json:"armed"`
	Mode      AgentMode         `json:"mode"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func usable(v float64) bool {
	return v != 0 && finite(v)
}
