package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tokenguard/internal/gateway/exchange"
	"tokenguard/internal/store"
	"tokenguard/internal/store/eventlog"
	"tokenguard/internal/types"

	"github.com/google/uuid"
)

// dustRatio 低于原始仓位该比例的剩余量视为已全部平仓。
const dustRatio = 1e-6

// clientOrderID stays within the exchange's 36 character limit.
func clientOrderID(side exchange.Side) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("tg-%s-%s", strings.ToLower(string(side[:1])), id[:24])
}

func orderResult(err error) string {
	switch {
	case err == nil:
		return "filled"
	case errors.Is(err, exchange.ErrNotFilled):
		return "unfilled"
	case errors.Is(err, exchange.ErrRateLimited):
		return "rate_limited"
	default:
		return "failed"
	}
}

func (a *Agent) openPosition(ctx context.Context, price float64, params *types.RiskParams, reason string, now time.Time) {
	mult := 1.0
	if params.FreshAt(now, a.opts.ParamsMaxAge) {
		mult = params.SizeMultiplier
	}
	if mult <= 0 {
		msg := fmt.Sprintf("skip buy: size multiplier 0 under regime %s", params.Regime)
		a.log.Infof("%s", msg)
		a.event(ctx, eventlog.KindTradeFailed, msg, nil)
		return
	}
	notional := a.opts.OrderNotional * mult
	limit := price * (1 + a.opts.SlippagePct)
	req := exchange.OrderRequest{
		Asset:         a.asset,
		Side:          exchange.SideBuy,
		Notional:      notional,
		Price:         limit,
		ClientOrderID: clientOrderID(exchange.SideBuy),
		Tag:           reason,
	}
	res, err := a.deps.Exchange.PlaceOrder(ctx, req)
	a.deps.Metrics.RecordOrder(a.asset, string(exchange.SideBuy), orderResult(err))
	if err != nil {
		a.log.Warnf("买入失败 notional=%.2f limit=%.4f: %v", notional, limit, err)
		a.event(ctx, eventlog.KindTradeFailed, fmt.Sprintf("buy failed: %v", err), map[string]any{
			"notional": notional,
			"limit":    limit,
			"reason":   reason,
		})
		return
	}
	entry := res.AvgPrice
	if entry <= 0 {
		entry = limit
	}
	a.state.Open(types.DirectionLong, res.ExecutedQty, entry, now)
	a.state.Leverage = float64(a.opts.Leverage)
	a.inPosition.Store(true)
	a.log.Infof("买入成交 qty=%.6f avg=%.4f (%s)", res.ExecutedQty, entry, reason)
	a.event(ctx, eventlog.KindTradeExecuted, "buy filled", map[string]any{
		"side":      string(exchange.SideBuy),
		"qty":       res.ExecutedQty,
		"price":     entry,
		"notional":  notional,
		"order_id":  res.OrderID,
		"client_id": req.ClientOrderID,
		"reason":    reason,
	})
}

// closePosition 以 reduce-only IOC 限价单平仓；部分成交时保留剩余仓位，下轮继续。
func (a *Agent) closePosition(ctx context.Context, price float64, reason string, kind eventlog.Kind, details map[string]any) {
	side := exchange.SideSell
	limit := price * (1 - a.opts.SlippagePct)
	if a.state.Direction == types.DirectionShort {
		side = exchange.SideBuy
		limit = price * (1 + a.opts.SlippagePct)
	}
	req := exchange.OrderRequest{
		Asset:         a.asset,
		Side:          side,
		Quantity:      a.state.Size,
		Price:         limit,
		ReduceOnly:    true,
		ClientOrderID: clientOrderID(side),
		Tag:           reason,
	}
	res, err := a.deps.Exchange.PlaceOrder(ctx, req)
	a.deps.Metrics.RecordOrder(a.asset, string(side), orderResult(err))
	if err != nil {
		a.log.Warnf("平仓失败 reason=%s qty=%.6f limit=%.4f: %v", reason, a.state.Size, limit, err)
		a.event(ctx, eventlog.KindTradeFailed, fmt.Sprintf("close failed (%s): %v", reason, err), map[string]any{
			"qty":   a.state.Size,
			"limit": limit,
		})
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	details["side"] = string(side)
	details["qty"] = res.ExecutedQty
	details["price"] = res.AvgPrice
	details["order_id"] = res.OrderID
	details["entry_price"] = a.state.EntryPrice

	remaining := a.state.Size - res.ExecutedQty
	if remaining > a.state.Size*dustRatio {
		a.state.Size = remaining
		a.log.Warnf("平仓部分成交，剩余 %.6f", remaining)
		a.event(ctx, kind, fmt.Sprintf("%s partially filled, %.6f left", reason, remaining), details)
		return
	}
	a.log.Infof("平仓完成 reason=%s qty=%.6f avg=%.4f", reason, res.ExecutedQty, res.AvgPrice)
	a.flatten(ctx)
	a.event(ctx, kind, reason, details)
}

func (a *Agent) flatten(ctx context.Context) {
	a.state.Clear()
	a.inPosition.Store(false)
	if err := a.deps.KV.Delete(ctx, store.LiveRiskKey(a.asset)); err != nil {
		a.log.Warnf("删除实时风控快照失败: %v", err)
	}
}
