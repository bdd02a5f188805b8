package regime

import (
	"fmt"
	"strings"
	"time"

	"tokenguard/internal/market"
	"tokenguard/internal/types"
)

// MaxHeuristicConfidence 启发式判定的置信度上限，保证规则里高置信度动作不会被兜底结果触发。
const MaxHeuristicConfidence = 3

// volatileRange 是价格历史 (max-min)/mean 超过该比例时判为 VOLATILE。
const volatileRange = 0.15

// Heuristic derives a deterministic assessment from bull_state, the StochRSI
// position and the recorded price range. It never fails.
func Heuristic(asset string, snap *types.IndicatorSnapshot, history []market.PriceTick, now time.Time, cause string) types.Assessment {
	a := types.Assessment{
		Asset:     strings.ToUpper(asset),
		Source:    types.SourceHeuristic,
		Timestamp: now,
	}
	var signals []string
	switch {
	case snap == nil || !snap.HasRiskInputs():
		a.Regime, a.Confidence = types.RegimeRanging, 1
		signals = append(signals, "indicators unavailable")
	case rangeRatio(history) > volatileRange:
		a.Regime, a.Confidence = types.RegimeVolatile, 2
		signals = append(signals, fmt.Sprintf("price range %.1f%%", rangeRatio(history)*100))
	default:
		a.Regime, a.Confidence = classifyTrend(snap)
		signals = append(signals, fmt.Sprintf("bull_state=%t", snap.BullState))
		if snap.StochRSI != nil {
			signals = append(signals, fmt.Sprintf("stoch k=%.1f d=%.1f", snap.StochRSI.K, snap.StochRSI.D))
		}
	}
	if a.Confidence > MaxHeuristicConfidence {
		a.Confidence = MaxHeuristicConfidence
	}
	a.Signals = strings.Join(signals, "; ")
	a.Reasoning = "heuristic fallback"
	if cause != "" {
		a.Reasoning += ": " + cause
	}
	a.Outlook = "model unavailable, posture derived from indicators"
	return a
}

func classifyTrend(snap *types.IndicatorSnapshot) (types.Regime, int) {
	osc := snap.StochRSI
	if !osc.Valid() {
		if snap.BullState {
			return types.RegimeWeakUptrend, 1
		}
		return types.RegimeWeakDowntrend, 1
	}
	k, d := osc.K, osc.D
	if snap.BullState {
		if k >= 50 && d >= 50 {
			return types.RegimeStrongUptrend, 3
		}
		return types.RegimeWeakUptrend, 2
	}
	switch {
	case k <= 20 && d <= 20:
		return types.RegimeStrongDowntrend, 3
	case k < 50:
		return types.RegimeWeakDowntrend, 2
	default:
		return types.RegimeRanging, 2
	}
}

func rangeRatio(history []market.PriceTick) float64 {
	if len(history) < 10 {
		return 0
	}
	lo, hi, sum := history[0].Price, history[0].Price, 0.0
	for _, t := range history {
		if t.Price < lo {
			lo = t.Price
		}
		if t.Price > hi {
			hi = t.Price
		}
		sum += t.Price
	}
	mean := sum / float64(len(history))
	if mean <= 0 {
		return 0
	}
	return (hi - lo) / mean
}
