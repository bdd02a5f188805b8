package regime

import (
	"time"

	"tokenguard/internal/config"
	"tokenguard/internal/types"
)

// RiskTable maps a regime to the risk parameters written for the agents.
type RiskTable map[types.Regime]types.RiskParams

// DefaultRiskTable 默认 regime→风控参数表，可被 risk.table 按行覆盖。
func DefaultRiskTable() RiskTable {
	return RiskTable{
		types.RegimeStrongUptrend:   {StopLossPct: 0.12, TakeProfitPct: 0.40, SizeMultiplier: 1.0, Strategy: "trend_follow"},
		types.RegimeWeakUptrend:     {StopLossPct: 0.10, TakeProfitPct: 0.25, SizeMultiplier: 0.8, Strategy: "standard"},
		types.RegimeRanging:         {StopLossPct: 0.06, TakeProfitPct: 0.12, SizeMultiplier: 0.5, Strategy: "mean_reversion"},
		types.RegimeWeakDowntrend:   {StopLossPct: 0.05, TakeProfitPct: 0.10, SizeMultiplier: 0.3, Strategy: "defensive"},
		types.RegimeStrongDowntrend: {StopLossPct: 0.03, TakeProfitPct: 0.06, SizeMultiplier: 0, Strategy: "capital_preservation"},
		types.RegimeVolatile:        {StopLossPct: 0.04, TakeProfitPct: 0.08, SizeMultiplier: 0.25, Strategy: "reduced"},
	}
}

// NewRiskTable merges config overrides into the defaults.
func NewRiskTable(overrides map[string]config.RiskTableEntry) RiskTable {
	t := DefaultRiskTable()
	for name, row := range overrides {
		reg, ok := types.ParseRegime(name)
		if !ok {
			continue
		}
		base := t[reg]
		base.StopLossPct = row.StopLossPct
		base.TakeProfitPct = row.TakeProfitPct
		base.SizeMultiplier = row.SizeMultiplier
		if row.Strategy != "" {
			base.Strategy = row.Strategy
		}
		t[reg] = base
	}
	return t
}

// Params returns the row for r stamped with now; unknown regimes fall back to RANGING.
func (t RiskTable) Params(r types.Regime, now time.Time) types.RiskParams {
	row, ok := t[r]
	if !ok {
		r = types.RegimeRanging
		row = t[r]
	}
	row.Regime = r
	row.UpdatedAt = now
	return row
}
