package regime

import (
	"fmt"
	"strings"

	"tokenguard/internal/market"
	"tokenguard/internal/types"
)

const systemPrompt = `You are a crypto market regime analyst. Classify the current market regime for one asset.
Answer with exactly these lines and nothing else:
REGIME: one of STRONG_UPTREND, WEAK_UPTREND, RANGING, WEAK_DOWNTREND, STRONG_DOWNTREND, VOLATILE
CONFIDENCE: integer 1-10
REASONING: one paragraph
SIGNALS: the key signals you relied on
OUTLOOK: short-term outlook
RECOMMENDATIONS: semicolon separated list`

// maxPromptTicks 限制写入提示词的价格点数量。
const maxPromptTicks = 60

func buildPrompt(asset string, snap *types.IndicatorSnapshot, history []market.PriceTick) (string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Asset: %s\n", strings.ToUpper(asset))
	if snap != nil {
		b.WriteString("\n## Indicators\n")
		fmt.Fprintf(&b, "latest_price: %.6g\n", snap.LatestPrice)
		fmt.Fprintf(&b, "fib_entry: %.6g\n", snap.FibEntry)
		fmt.Fprintf(&b, "wma_fib_0: %.6g\n", snap.WMAFib0)
		fmt.Fprintf(&b, "bull_state: %t\n", snap.BullState)
		if snap.StochRSI != nil {
			fmt.Fprintf(&b, "stoch_rsi: k=%.2f d=%.2f\n", snap.StochRSI.K, snap.StochRSI.D)
		}
		if snap.StochRSI4h != nil {
			fmt.Fprintf(&b, "stoch_rsi_4hr: k=%.2f d=%.2f\n", snap.StochRSI4h.K, snap.StochRSI4h.D)
		}
	}
	if len(history) > 0 {
		ticks := history
		if len(ticks) > maxPromptTicks {
			ticks = ticks[len(ticks)-maxPromptTicks:]
		}
		first, last := ticks[0], ticks[len(ticks)-1]
		b.WriteString("\n## Price history (oldest first)\n")
		fmt.Fprintf(&b, "window: %s -> %s, %d points\n",
			first.Timestamp.UTC().Format("2006-01-02 15:04"), last.Timestamp.UTC().Format("2006-01-02 15:04"), len(ticks))
		if first.Price > 0 {
			fmt.Fprintf(&b, "change: %.2f%%\n", (last.Price-first.Price)/first.Price*100)
		}
		parts := make([]string, 0, len(ticks))
		for _, t := range ticks {
			parts = append(parts, fmt.Sprintf("%.6g", t.Price))
		}
		b.WriteString(strings.Join(parts, ","))
		b.WriteString("\n")
	}
	return systemPrompt, b.String()
}
