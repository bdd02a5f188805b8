package agent

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"tokenguard/internal/analysis/indicator"
	"tokenguard/internal/gateway/exchange"
	"tokenguard/internal/logger"
	"tokenguard/internal/market"
	"tokenguard/internal/market/feed"
	"tokenguard/internal/metrics"
	"tokenguard/internal/position"
	"tokenguard/internal/scheduler"
	"tokenguard/internal/store"
	"tokenguard/internal/store/eventlog"
	"tokenguard/internal/strategy/risk"
	"tokenguard/internal/strategy/signal"
	"tokenguard/internal/types"

	"golang.org/x/sync/errgroup"
)

// IndicatorOptions 控制每轮拉取的 K 线。
type IndicatorOptions struct {
	Interval    string
	HTFInterval string
	Lookback    int
	Settings    indicator.Settings
}

type Options struct {
	Asset string
	Mode  types.AgentMode

	TickInterval     time.Duration
	MaxBackoff       time.Duration
	ReconcileRetry   time.Duration
	HeartbeatEvery   time.Duration
	OrderNotional    float64
	SlippagePct      float64
	RecordPriceTicks bool
	// Leverage 交易所未返回杠杆时用于 ROE 的配置值。
	Leverage int

	Indicator IndicatorOptions
	Variant   signal.Variant
	Risk      risk.Config
	// ParamsMaxAge 超过该时长的 RiskParams 不再用于仓位缩放。
	ParamsMaxAge time.Duration
}

// Deps are the collaborators an agent is constructed with.
type Deps struct {
	Exchange exchange.Exchange
	KV       store.KV
	Events   eventlog.Log
	Metrics  *metrics.Recorder
}

// Agent 单币种执行单元：对账 → 轮询价格 → 指标 → 入场/出场状态机 → 下单。
// 同一币种的 tick 串行处理；Agent 独占该币种的 PositionState。
type Agent struct {
	asset string
	opts  Options
	deps  Deps
	log   *logger.Entry

	signals    *signal.Engine
	risk       *risk.Engine
	reconciler *position.Reconciler

	state      *types.PositionState
	inPosition atomic.Bool

	nowFn      func() time.Time
	newFeed    func() tickSource
	snapshotFn func(ctx context.Context, price float64, now time.Time) *types.IndicatorSnapshot
}

type tickSource interface {
	Run(ctx context.Context, handle feed.Handler) error
}

func New(opts Options, deps Deps) (*Agent, error) {
	asset := strings.ToUpper(strings.TrimSpace(opts.Asset))
	if asset == "" {
		return nil, fmt.Errorf("agent asset is required")
	}
	if deps.Exchange == nil || deps.KV == nil {
		return nil, fmt.Errorf("agent %s: exchange and kv are required", asset)
	}
	opts.Asset = asset
	if opts.Mode == "" {
		opts.Mode = types.ModeTrade
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Minute
	}
	if opts.HeartbeatEvery <= 0 {
		opts.HeartbeatEvery = opts.TickInterval / 2
		if opts.HeartbeatEvery < 5*time.Second {
			opts.HeartbeatEvery = 5 * time.Second
		}
	}
	if opts.ParamsMaxAge <= 0 {
		opts.ParamsMaxAge = 45 * time.Minute
	}
	if opts.Leverage <= 0 {
		opts.Leverage = 1
	}
	if opts.Indicator.Lookback <= 0 {
		opts.Indicator.Lookback = 200
	}
	a := &Agent{
		asset:      asset,
		opts:       opts,
		deps:       deps,
		log:        logger.With("asset", asset, "mode", string(opts.Mode)),
		signals:    signal.NewEngine(opts.Variant),
		risk:       risk.NewEngine(opts.Risk),
		reconciler: position.NewReconciler(deps.Exchange, deps.KV, deps.Events, opts.ReconcileRetry),
		nowFn:      time.Now,
	}
	a.snapshotFn = a.computeSnapshot
	a.newFeed = func() tickSource {
		return feed.New(asset, deps.Exchange, feed.Options{Interval: opts.TickInterval, MaxBackoff: opts.MaxBackoff})
	}
	return a, nil
}

func (a *Agent) Asset() string { return a.asset }

// Run reconciles with the exchange, then processes ticks until ctx ends.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Infof("agent 启动，变体=%s", a.opts.Variant.Name)
	state, err := a.reconciler.LoadInitialState(ctx, a.asset)
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", a.asset, err)
	}
	if state.InPosition && state.Leverage <= 0 {
		state.Leverage = float64(a.opts.Leverage)
	}
	a.state = state
	a.inPosition.Store(state.InPosition)
	a.writeHeartbeat(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.NewLoop("heartbeat:"+a.asset, a.opts.HeartbeatEvery).Run(gctx, a.writeHeartbeat)
	})
	g.Go(func() error {
		return a.newFeed().Run(gctx, a.handleTick)
	})
	err = g.Wait()
	a.log.Infof("agent 退出: %v", err)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *Agent) writeHeartbeat(ctx context.Context) {
	hb := types.Heartbeat{
		Asset:      a.asset,
		PID:        os.Getpid(),
		Mode:       a.opts.Mode,
		InPosition: a.inPosition.Load(),
		At:         a.nowFn(),
	}
	if err := store.PutJSON(ctx, a.deps.KV, store.HeartbeatKey(a.asset), hb); err != nil && ctx.Err() == nil {
		a.log.Warnf("写入心跳失败: %v", err)
	}
}

// handleTick 单轮处理，panic 只影响当前 tick。
func (a *Agent) handleTick(ctx context.Context, tick market.PriceTick) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Errorf("tick 处理 panic: %v", r)
			a.event(ctx, eventlog.KindPanic, fmt.Sprintf("tick panic: %v", r), nil)
		}
	}()
	a.processTick(ctx, tick)
}

func (a *Agent) event(ctx context.Context, kind eventlog.Kind, msg string, details map[string]any) {
	if a.deps.Events == nil {
		return
	}
	if err := a.deps.Events.Append(ctx, eventlog.Event{Asset: a.asset, Kind: kind, Message: msg, Details: details}); err != nil {
		a.log.Warnf("写入事件失败 kind=%s: %v", kind, err)
	}
}
