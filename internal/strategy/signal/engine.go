package signal

import (
	"fmt"
	"time"

	"tokenguard/internal/types"
)

type Type string

const (
	Hold Type = "hold"
	Buy  Type = "buy"
)

// Transition reports how the trigger changed during one Generate call.
type Transition string

const (
	NoChange Transition = ""
	Armed    Transition = "armed"
	Disarmed Transition = "disarmed"
)

const ReasonWaiting = "waiting for data"

type Signal struct {
	Type       Type       `json:"type"`
	Reason     string     `json:"reason"`
	Transition Transition `json:"transition,omitempty"`
}

// Engine 入场触发状态机：价格跌破 fib_entry 进入 armed，
// armed 状态下价格站上 wma_fib_0 且 StochRSI 低于阈值时买入并解除。
type Engine struct {
	variant Variant
}

func NewEngine(v Variant) *Engine {
	return &Engine{variant: v}
}

func (e *Engine) Variant() Variant { return e.variant }

// Generate evaluates one snapshot against the trigger. It may flip trig.Armed and
// never panics on a malformed snapshot.
func (e *Engine) Generate(snap *types.IndicatorSnapshot, trig *types.TriggerState, now time.Time) Signal {
	if trig == nil || !snap.HasEntryInputs() || (e.variant.UseHTF && !snap.HasHTF()) {
		return Signal{Type: Hold, Reason: ReasonWaiting}
	}
	price := snap.LatestPrice

	if !trig.Armed {
		if price < snap.FibEntry {
			trig.Armed = true
			trig.ArmedAt = now
			return Signal{
				Type:       Hold,
				Reason:     fmt.Sprintf("armed: price %.4f < fib_entry %.4f", price, snap.FibEntry),
				Transition: Armed,
			}
		}
		return Signal{Type: Hold, Reason: fmt.Sprintf("idle: price %.4f >= fib_entry %.4f", price, snap.FibEntry)}
	}

	if e.variant.ResetPct > 0 {
		limit := snap.WMAFib0 * (1 + e.variant.ResetPct)
		if price > limit {
			trig.Armed = false
			trig.ArmedAt = time.Time{}
			return Signal{
				Type:       Hold,
				Reason:     fmt.Sprintf("reset: price %.4f ran above %.4f without entry", price, limit),
				Transition: Disarmed,
			}
		}
	}

	if price <= snap.WMAFib0 {
		return Signal{Type: Hold, Reason: fmt.Sprintf("armed: price %.4f <= wma_fib_0 %.4f", price, snap.WMAFib0)}
	}
	if !below(snap.StochRSI, e.variant.StochCutoff) {
		return Signal{Type: Hold, Reason: fmt.Sprintf("armed: stoch k=%.1f d=%.1f not below %.0f",
			snap.StochRSI.K, snap.StochRSI.D, e.variant.StochCutoff)}
	}
	if e.variant.UseHTF && !below(snap.StochRSI4h, e.variant.HTFCutoff) {
		return Signal{Type: Hold, Reason: fmt.Sprintf("armed: 4h stoch k=%.1f d=%.1f not below %.0f",
			snap.StochRSI4h.K, snap.StochRSI4h.D, e.variant.HTFCutoff)}
	}

	trig.Armed = false
	trig.ArmedAt = time.Time{}
	return Signal{
		Type: Buy,
		Reason: fmt.Sprintf("buy: price %.4f > wma_fib_0 %.4f, stoch k=%.1f d=%.1f",
			price, snap.WMAFib0, snap.StochRSI.K, snap.StochRSI.D),
		Transition: Disarmed,
	}
}

func below(o *types.Oscillator, cutoff float64) bool {
	return o != nil && o.K < cutoff && o.D < cutoff
}
