package position

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"tokenguard/internal/gateway/exchange"
	"tokenguard/internal/logger"
	"tokenguard/internal/scheduler"
	"tokenguard/internal/store"
	"tokenguard/internal/store/eventlog"
	"tokenguard/internal/types"
)

// Lister is the exchange call reconciliation needs.
type Lister interface {
	ListOpenPositions(ctx context.Context) ([]exchange.Position, error)
}

const entryTolerance = 1e-6

// Reconciler rebuilds an agent's PositionState at startup. The exchange is the
// source of truth for size and entry; the stored snapshot only contributes the
// trailing-stop sub-state when it describes the same position.
type Reconciler struct {
	ex       Lister
	kv       store.KV
	events   eventlog.Log
	retry    time.Duration
	maxRetry time.Duration
	nowFn    func() time.Time
	sleep    func(ctx context.Context, d time.Duration) bool
}

func NewReconciler(ex Lister, kv store.KV, events eventlog.Log, retry time.Duration) *Reconciler {
	if retry <= 0 {
		retry = 10 * time.Second
	}
	return &Reconciler{
		ex:       ex,
		kv:       kv,
		events:   events,
		retry:    retry,
		maxRetry: 5 * time.Minute,
		nowFn:    time.Now,
		sleep:    scheduler.SleepContext,
	}
}

// LoadInitialState 启动时与交易所对账：无持仓则清空本地快照，有持仓则采用交易所数据，
// 同一笔持仓的追踪止损状态从快照延续。
// 查询失败时按指数退避重试，直到成功或 ctx 结束。Trigger 总是从未 armed 开始。
func (r *Reconciler) LoadInitialState(ctx context.Context, asset string) (*types.PositionState, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	log := logger.With("asset", asset, "component", "reconcile")
	var (
		positions []exchange.Position
		err       error
		wait      time.Duration
	)
	for {
		positions, err = r.ex.ListOpenPositions(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		wait = scheduler.Backoff(wait, r.retry, r.maxRetry)
		log.Warnf("查询交易所持仓失败，%s 后重试: %v", wait, err)
		if !r.sleep(ctx, wait) {
			return nil, ctx.Err()
		}
	}

	now := r.nowFn()
	state := &types.PositionState{Asset: asset, UpdatedAt: now}
	live := find(positions, asset)
	if live == nil {
		if err := r.clear(ctx, asset); err != nil {
			return nil, err
		}
		log.Infof("交易所无持仓，已清理本地快照")
		r.record(ctx, asset, "no live position", nil)
		return state, nil
	}

	prev, err := Load(ctx, r.kv, asset)
	if err != nil {
		log.Warnf("读取本地持仓快照失败，忽略: %v", err)
		prev = nil
	}

	dir := types.DirectionLong
	if live.Side == "short" {
		dir = types.DirectionShort
	}
	same := samePosition(prev, dir, live.EntryPrice)
	entryTime := live.OpenedAt
	if entryTime.IsZero() {
		if same && !prev.EntryTime.IsZero() {
			entryTime = prev.EntryTime
		} else {
			entryTime = now
		}
	}
	state.Open(dir, live.Amount, live.EntryPrice, entryTime)
	state.Leverage = live.Leverage
	if same {
		// 同一笔持仓：保留已启动的追踪止损，数量与开仓价仍以交易所为准
		state.FibStopActive = prev.FibStopActive
		if prev.StopPrice != nil {
			stop := *prev.StopPrice
			state.StopPrice = &stop
		}
		if state.Leverage <= 0 {
			state.Leverage = prev.Leverage
		}
	}
	if err := Save(ctx, r.kv, state); err != nil {
		return nil, err
	}
	log.Infof("采用交易所持仓 side=%s size=%.6f entry=%.4f fib_stop=%v", dir, live.Amount, live.EntryPrice, state.FibStopActive)
	details := map[string]any{
		"direction":   string(dir),
		"size":        live.Amount,
		"entry_price": live.EntryPrice,
	}
	if state.StopPrice != nil {
		details["stop_price"] = *state.StopPrice
	}
	r.record(ctx, asset, "adopted live position", details)
	return state, nil
}

// samePosition reports whether the stored snapshot describes the live position.
// 开仓价按相对误差比较，交易所返回的均价可能有尾数差异。
func samePosition(prev *types.PositionState, dir types.Direction, entry float64) bool {
	if prev == nil || !prev.InPosition || prev.EntryPrice <= 0 || entry <= 0 {
		return false
	}
	if prev.Direction != "" && prev.Direction != dir {
		return false
	}
	return math.Abs(prev.EntryPrice-entry)/entry <= entryTolerance
}

func (r *Reconciler) clear(ctx context.Context, asset string) error {
	for _, key := range []string{store.PositionKey(asset), store.LiveRiskKey(asset)} {
		if err := r.kv.Delete(ctx, key); err != nil {
			return fmt.Errorf("clear %s: %w", key, err)
		}
	}
	return nil
}

func (r *Reconciler) record(ctx context.Context, asset, msg string, details map[string]any) {
	if r.events == nil {
		return
	}
	if err := r.events.Append(ctx, eventlog.Event{Asset: asset, Kind: eventlog.KindReconciled, Message: msg, Details: details}); err != nil {
		logger.Warnf("写入对账事件失败: %v", err)
	}
}

func find(positions []exchange.Position, asset string) *exchange.Position {
	for i := range positions {
		p := &positions[i]
		if strings.EqualFold(p.Asset, asset) && p.Amount > 0 {
			return p
		}
	}
	return nil
}

// Save writes the position snapshot for its asset.
func Save(ctx context.Context, kv store.KV, state *types.PositionState) error {
	if state == nil {
		return fmt.Errorf("position state is nil")
	}
	return store.PutJSON(ctx, kv, store.PositionKey(state.Asset), state)
}

// Load reads the stored snapshot. A missing snapshot returns (nil, nil).
func Load(ctx context.Context, kv store.KV, asset string) (*types.PositionState, error) {
	var out types.PositionState
	err := store.GetJSON(ctx, kv, store.PositionKey(asset), &out)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}
