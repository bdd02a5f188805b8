package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tokenguard/internal/analysis/indicator"
	"tokenguard/internal/market"
	"tokenguard/internal/position"
	"tokenguard/internal/store"
	"tokenguard/internal/store/eventlog"
	"tokenguard/internal/strategy/risk"
	"tokenguard/internal/strategy/signal"
	"tokenguard/internal/types"
)

func (a *Agent) processTick(ctx context.Context, tick market.PriceTick) {
	now := a.nowFn()
	a.deps.Metrics.RecordTick(a.asset, tick.Price)
	if a.opts.RecordPriceTicks && a.deps.Events != nil {
		if err := a.deps.Events.RecordTick(ctx, tick); err != nil {
			a.log.Warnf("记录价格失败: %v", err)
		}
	}

	snap := a.snapshotFn(ctx, tick.Price, now)
	params := a.loadRiskParams(ctx)
	directive := a.takeDirective(ctx)

	var sig signal.Signal
	if a.state.InPosition {
		a.manageOpenPosition(ctx, tick.Price, snap, params, directive, now)
		sig = signal.Signal{Type: signal.Hold, Reason: "in position"}
	} else {
		sig = a.evaluateEntry(ctx, tick.Price, snap, params, directive, now)
	}

	a.writeAnalysis(ctx, snap, sig, now)
	a.state.UpdatedAt = now
	if err := position.Save(ctx, a.deps.KV, a.state); err != nil {
		a.log.Warnf("保存持仓快照失败: %v", err)
	}
}

// computeSnapshot returns nil when candles could not be fetched; the state
// machines treat that as missing data.
func (a *Agent) computeSnapshot(ctx context.Context, price float64, now time.Time) *types.IndicatorSnapshot {
	opts := a.opts.Indicator
	base, err := a.deps.Exchange.FetchHistory(ctx, a.asset, opts.Interval, opts.Lookback)
	if err != nil {
		a.log.Warnf("获取 %s K 线失败: %v", opts.Interval, err)
		return nil
	}
	var htf []market.Candle
	if opts.HTFInterval != "" {
		htf, err = a.deps.Exchange.FetchHistory(ctx, a.asset, opts.HTFInterval, opts.Lookback)
		if err != nil {
			a.log.Warnf("获取 %s K 线失败: %v", opts.HTFInterval, err)
			htf = nil
		}
	}
	snap, err := indicator.Compute(base, htf, price, opts.Settings, now)
	if err != nil {
		a.log.Debugf("指标计算不完整: %v", err)
	}
	return &snap
}

func (a *Agent) loadRiskParams(ctx context.Context) *types.RiskParams {
	var p types.RiskParams
	if err := store.GetJSON(ctx, a.deps.KV, store.RiskKey(a.asset), &p); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			a.log.Warnf("读取风控参数失败: %v", err)
		}
		return nil
	}
	return &p
}

func (a *Agent) takeDirective(ctx context.Context) *types.Directive {
	var d types.Directive
	if err := store.TakeJSON(ctx, a.deps.KV, store.OverrideKey(a.asset), &d); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			a.log.Warnf("读取人工指令失败: %v", err)
		}
		return nil
	}
	a.log.Infof("收到人工指令 action=%s reason=%s", d.Action, d.Reason)
	a.event(ctx, eventlog.KindOverride, fmt.Sprintf("directive %s consumed", d.Action), map[string]any{
		"action": string(d.Action),
		"reason": d.Reason,
	})
	return &d
}

func (a *Agent) evaluateEntry(ctx context.Context, price float64, snap *types.IndicatorSnapshot, params *types.RiskParams, d *types.Directive, now time.Time) signal.Signal {
	sig := a.signals.Generate(snap, &a.state.Trigger, now)
	switch sig.Transition {
	case signal.Armed:
		a.log.Infof("触发器 armed: %s", sig.Reason)
		a.event(ctx, eventlog.KindTriggerArmed, sig.Reason, snapshotDetails(snap))
	case signal.Disarmed:
		if sig.Type != signal.Buy {
			a.log.Infof("触发器解除: %s", sig.Reason)
			a.event(ctx, eventlog.KindTriggerDisarmed, sig.Reason, snapshotDetails(snap))
		}
	}

	forced := false
	if d != nil {
		switch d.Action {
		case types.ActionForceBuy:
			forced = true
		case types.ActionForceClose:
			a.log.Infof("当前无持仓，忽略 force_close")
		}
	}
	if sig.Type != signal.Buy && !forced {
		return sig
	}
	reason := sig.Reason
	if forced {
		reason = "force_buy"
		if d.Reason != "" {
			reason += ": " + d.Reason
		}
	}
	if a.opts.Mode == types.ModeObserve {
		a.log.Infof("observe 模式，不下单 (%s)", reason)
		return sig
	}
	a.openPosition(ctx, price, params, reason, now)
	return sig
}

func (a *Agent) manageOpenPosition(ctx context.Context, price float64, snap *types.IndicatorSnapshot, params *types.RiskParams, d *types.Directive, now time.Time) {
	live, gone := a.livePosition(ctx)
	if gone {
		a.log.Warnf("交易所已无持仓，本地状态归零")
		a.flatten(ctx)
		a.event(ctx, eventlog.KindReconciled, "position closed on exchange", nil)
		return
	}
	if d != nil {
		switch d.Action {
		case types.ActionForceClose:
			reason := "force_close"
			if d.Reason != "" {
				reason += ": " + d.Reason
			}
			a.closePosition(ctx, price, reason, eventlog.KindTradeExecuted, nil)
			return
		case types.ActionForceBuy:
			a.log.Infof("已有持仓，忽略 force_buy")
		}
	}

	dec := a.risk.Evaluate(a.state, live, price, snap, params, now)
	if dec.Activated {
		a.log.Infof("追踪止损启动 stop=%.4f", *dec.StopPrice)
	}
	a.writeLiveRisk(ctx, price, dec, now)
	if !dec.ShouldClose {
		return
	}
	if a.opts.Mode == types.ModeObserve {
		a.log.Warnf("observe 模式，出场信号 %s 未执行", dec.Reason)
		return
	}
	kind := eventlog.KindStopHit
	if dec.Reason == risk.ReasonTakeProfit {
		kind = eventlog.KindTakeProfit
	}
	a.closePosition(ctx, price, dec.Reason, kind, map[string]any{
		"roe":   dec.ROE,
		"value": dec.Value,
		"stage": string(dec.Stage),
	})
}

// livePosition reports the exchange view of the position. gone is true only
// when the query succeeded and the asset has no position.
func (a *Agent) livePosition(ctx context.Context) (*types.LivePosition, bool) {
	positions, err := a.deps.Exchange.ListOpenPositions(ctx)
	if err != nil {
		a.log.Debugf("查询实时持仓失败: %v", err)
		return nil, false
	}
	for _, p := range positions {
		if !strings.EqualFold(p.Asset, a.asset) || p.Amount <= 0 {
			continue
		}
		dir := types.DirectionLong
		if p.Side == "short" {
			dir = types.DirectionShort
		}
		lev := p.Leverage
		if lev <= 0 {
			lev = float64(a.opts.Leverage)
		}
		return &types.LivePosition{
			Asset:      a.asset,
			Direction:  dir,
			Size:       p.Amount,
			EntryPrice: p.EntryPrice,
			MarkPrice:  p.MarkPrice,
			Leverage:   lev,
			EntryTime:  p.OpenedAt,
		}, false
	}
	return nil, true
}

func (a *Agent) writeLiveRisk(ctx context.Context, price float64, dec risk.Decision, now time.Time) {
	snap := types.LiveRiskSnapshot{
		Asset:             a.asset,
		Price:             price,
		ROE:               dec.ROE,
		Stage:             string(dec.Stage),
		StopPrice:         dec.StopPrice,
		LiveStopLossPct:   dec.LiveStopLossPct,
		LiveTakeProfitPct: dec.LiveTakeProfitPct,
		Reason:            dec.Reason,
		UpdatedAt:         now,
	}
	if err := store.PutJSON(ctx, a.deps.KV, store.LiveRiskKey(a.asset), snap); err != nil {
		a.log.Warnf("写入实时风控快照失败: %v", err)
	}
}

func (a *Agent) writeAnalysis(ctx context.Context, snap *types.IndicatorSnapshot, sig signal.Signal, now time.Time) {
	out := types.AnalysisSnapshot{
		Asset:     a.asset,
		Signal:    string(sig.Type),
		Reason:    sig.Reason,
		Armed:     a.state.Trigger.Armed,
		Mode:      a.opts.Mode,
		UpdatedAt: now,
	}
	if snap != nil {
		out.Snapshot = *snap
	}
	if err := store.PutJSON(ctx, a.deps.KV, store.AnalysisKey(a.asset), out); err != nil {
		a.log.Warnf("写入分析快照失败: %v", err)
	}
}

func snapshotDetails(snap *types.IndicatorSnapshot) map[string]any {
	if snap == nil {
		return nil
	}
	out := map[string]any{
		"price":     snap.LatestPrice,
		"fib_entry": snap.FibEntry,
		"wma_fib_0": snap.WMAFib0,
	}
	if snap.StochRSI != nil {
		out["stoch_k"] = snap.StochRSI.K
		out["stoch_d"] = snap.StochRSI.D
	}
	return out
}
