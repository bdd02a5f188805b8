package types

import (
	"strings"
	"time"
)

// Regime is the market classification produced for one asset.
type Regime string

const (
	RegimeStrongUptrend   Regime = "STRONG_UPTREND"
	RegimeWeakUptrend     Regime = "WEAK_UPTREND"
	RegimeRanging         Regime = "RANGING"
	RegimeWeakDowntrend   Regime = "WEAK_DOWNTREND"
	RegimeStrongDowntrend Regime = "STRONG_DOWNTREND"
	RegimeVolatile        Regime = "VOLATILE"
)

// AllRegimes lists every regime in declaration order.
var AllRegimes = []Regime{
	RegimeStrongUptrend,
	RegimeWeakUptrend,
	RegimeRanging,
	RegimeWeakDowntrend,
	RegimeStrongDowntrend,
	RegimeVolatile,
}

// ParseRegime 解析 regime 名称，大小写与首尾空白不敏感。
func ParseRegime(s string) (Regime, bool) {
	r := Regime(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range AllRegimes {
		if r == known {
			return r, true
		}
	}
	return "", false
}

type AssessmentSource string

const (
	SourceLLM       AssessmentSource = "llm"
	SourceHeuristic AssessmentSource = "heuristic"
)

// Assessment 一次 regime 判定结果。
type Assessment struct {
	Asset           string           `json:"asset"`
	Regime          Regime           `json:"regime"`
	Confidence      int              `json:"confidence"`
	Reasoning       string           `json:"reasoning"`
	Signals         string           `json:"signals"`
	Outlook         string           `json:"outlook"`
	Recommendations []string         `json:"recommendations"`
	Source          AssessmentSource `json:"source"`
	Timestamp       time.Time        `json:"timestamp"`
}

// RiskParams 由 supervisor 按 regime 写入，agent 风控读取。
type RiskParams struct {
	Regime         Regime    `json:"regime"`
	StopLossPct    float64   `json:"stop_loss_pct"`
	TakeProfitPct  float64   `json:"take_profit_pct"`
	SizeMultiplier float64   `json:"size_multiplier"`
	Strategy       string    `json:"strategy"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// FreshAt reports whether the params were written within maxAge of now.
func (p *RiskParams) FreshAt(now time.Time, maxAge time.Duration) bool {
	if p == nil || p.UpdatedAt.IsZero() {
		return false
	}
	return now.Sub(p.UpdatedAt) <= maxAge
}
