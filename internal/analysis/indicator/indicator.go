package indicator

import (
	"fmt"
	"math"
	"time"

	"github.com/markcheno/go-talib"

	"tokenguard/internal/market"
	"tokenguard/internal/types"
)

// Settings 指标参数，对应配置 indicator 段。
type Settings struct {
	FibWindow   int
	EntryRatio  float64
	WMAPeriod   int
	RSIPeriod   int
	StochPeriod int
	StochK      int
	StochD      int
	EMAFast     int
	EMASlow     int
}

func (s Settings) withDefaults() Settings {
	if s.FibWindow <= 0 {
		s.FibWindow = 50
	}
	if s.EntryRatio <= 0 || s.EntryRatio >= 1 {
		s.EntryRatio = 0.618
	}
	if s.WMAPeriod <= 0 {
		s.WMAPeriod = 9
	}
	if s.RSIPeriod <= 0 {
		s.RSIPeriod = 14
	}
	if s.StochPeriod <= 0 {
		s.StochPeriod = 14
	}
	if s.StochK <= 0 {
		s.StochK = 3
	}
	if s.StochD <= 0 {
		s.StochD = 3
	}
	if s.EMAFast <= 0 {
		s.EMAFast = 21
	}
	if s.EMASlow <= s.EMAFast {
		s.EMASlow = s.EMAFast * 2
	}
	return s
}

// Compute 由主周期与高周期 K 线计算快照。数据不足的字段保持零值（视为缺失），不报错。
//
//	fib_0      rolling highest high over FibWindow
//	fib_1      rolling lowest low over FibWindow
//	fib_entry  fib_0 - (fib_0 - fib_1) * EntryRatio
//	wma_fib_0  WMA(fib_0 series, WMAPeriod)
//	stoch_rsi  Stoch(RSI(close)) K/D on each timeframe
//	bull_state EMA fast > EMA slow on the higher timeframe
func Compute(base, htf []market.Candle, latestPrice float64, s Settings, now time.Time) (types.IndicatorSnapshot, error) {
	snap := types.IndicatorSnapshot{LatestPrice: latestPrice, ComputedAt: now}
	if len(base) == 0 {
		return snap, fmt.Errorf("no candles")
	}
	s = s.withDefaults()
	if snap.LatestPrice <= 0 {
		snap.LatestPrice = base[len(base)-1].Close
	}

	highs := market.Highs(base)
	lows := market.Lows(base)
	if len(base) >= s.FibWindow {
		fib0 := talib.Max(highs, s.FibWindow)
		fib1 := talib.Min(lows, s.FibWindow)
		hi := fib0[len(fib0)-1]
		lo := fib1[len(fib1)-1]
		if hi > 0 && lo > 0 && hi >= lo {
			snap.FibEntry = hi - (hi-lo)*s.EntryRatio
		}
		valid := fib0[s.FibWindow-1:]
		if len(valid) >= s.WMAPeriod {
			snap.WMAFib0 = lastValid(talib.Wma(valid, s.WMAPeriod))
		}
	}

	snap.StochRSI = stochRSI(market.Closes(base), s)
	if len(htf) > 0 {
		closes := market.Closes(htf)
		snap.StochRSI4h = stochRSI(closes, s)
		if len(closes) >= s.EMASlow {
			fast := lastValid(talib.Ema(closes, s.EMAFast))
			slow := lastValid(talib.Ema(closes, s.EMASlow))
			snap.BullState = fast > 0 && slow > 0 && fast > slow
		}
	}
	return snap, nil
}

// stochRSI needs RSIPeriod + StochPeriod + StochK + StochD bars before the last value settles.
func stochRSI(closes []float64, s Settings) *types.Oscillator {
	need := s.RSIPeriod + s.StochPeriod + s.StochK + s.StochD
	if len(closes) < need {
		return nil
	}
	rsi := talib.Rsi(closes, s.RSIPeriod)[s.RSIPeriod:]
	k, d := talib.Stoch(rsi, rsi, rsi, s.StochPeriod, s.StochK, talib.SMA, s.StochD, talib.SMA)
	kv, okK := last(k)
	dv, okD := last(d)
	if !okK || !okD {
		return nil
	}
	return &types.Oscillator{K: clamp(kv), D: clamp(dv)}
}

// lastValid returns the final element, or 0 when it is not a finite number.
func lastValid(series []float64) float64 {
	v, _ := last(series)
	return v
}

func last(series []float64) (float64, bool) {
	if len(series) == 0 {
		return 0, false
	}
	v := series[len(series)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
