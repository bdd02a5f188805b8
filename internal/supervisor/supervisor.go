package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tokenguard/internal/gateway/exchange"
	"tokenguard/internal/gateway/notifier"
	"tokenguard/internal/logger"
	"tokenguard/internal/metrics"
	"tokenguard/internal/regime"
	"tokenguard/internal/store"
	"tokenguard/internal/store/eventlog"
	"tokenguard/internal/types"
)

var ErrUnknownAsset = errors.New("supervisor: unknown asset")

// AllAssets targets every configured asset in Panic.
const AllAssets = "all"

// Assessor produces regime assessments; implemented by *regime.Classifier.
type Assessor interface {
	Assess(ctx context.Context, req regime.Request) (types.Assessment, error)
}

// RuleSource yields the active regime rules in declaration order.
type RuleSource interface {
	Rules() []regime.Rule
}

// Flattener closes live positions during a panic.
type Flattener interface {
	ListOpenPositions(ctx context.Context) ([]exchange.Position, error)
	PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error)
}

type AssetSpec struct {
	Symbol  string
	Enabled bool
}

type Options struct {
	Assets         []AssetSpec
	MaxRestarts    int
	RestartBackoff time.Duration
	MaxBackoff     time.Duration
	// RestartWindow 运行超过该时长后崩溃，重启计数清零。
	RestartWindow  time.Duration
	StopTimeout    time.Duration
	HealthInterval time.Duration
	HeartbeatStale time.Duration
	RegimeInterval time.Duration
	HistoryLimit   int
	PanicFlatten   bool
	SlippagePct    float64
}

func (o Options) withDefaults() Options {
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = 5
	}
	if o.RestartBackoff <= 0 {
		o.RestartBackoff = 10 * time.Second
	}
	if o.MaxBackoff < o.RestartBackoff {
		o.MaxBackoff = 300 * time.Second
	}
	if o.RestartWindow <= 0 {
		o.RestartWindow = 30 * time.Minute
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 15 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 30 * time.Second
	}
	if o.HeartbeatStale <= o.HealthInterval {
		o.HeartbeatStale = 6 * o.HealthInterval
	}
	if o.RegimeInterval <= 0 {
		o.RegimeInterval = 15 * time.Minute
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 200
	}
	return o
}

type Deps struct {
	Launcher   Launcher
	KV         store.KV
	Events     eventlog.Log
	Classifier Assessor
	Rules      RuleSource
	RiskTable  regime.RiskTable
	Notifier   notifier.TextNotifier
	Metrics    *metrics.Recorder
	Flattener  Flattener
}

type agentRecord struct {
	info           types.AgentInfo
	proc           Process
	gen            int
	expectedStop   bool
	stopReason     string
	manualDisabled bool
	exited         chan struct{}
	cancelRestart  func() bool
	staleNotified  bool
}

// Supervisor 独占各币种的 AgentInfo 与启用标记：启动/停止/重启 agent，
// 按 regime 规则调整生命周期并下发风控参数。它从不修改 agent 的持仓状态。
type Supervisor struct {
	opts Options
	deps Deps

	mu     sync.Mutex
	agents map[string]*agentRecord
	order  []string
	halted bool

	nowFn     func() time.Time
	afterFunc func(d time.Duration, fn func()) (stop func() bool)
}

func New(opts Options, deps Deps) (*Supervisor, error) {
	if deps.Launcher == nil || deps.KV == nil {
		return nil, fmt.Errorf("supervisor requires launcher and kv")
	}
	if len(opts.Assets) == 0 {
		return nil, fmt.Errorf("supervisor requires at least one asset")
	}
	if deps.Notifier == nil {
		deps.Notifier = notifier.Noop{}
	}
	if deps.RiskTable == nil {
		deps.RiskTable = regime.DefaultRiskTable()
	}
	s := &Supervisor{
		opts:   opts.withDefaults(),
		deps:   deps,
		agents: make(map[string]*agentRecord, len(opts.Assets)),
		nowFn:  time.Now,
		afterFunc: func(d time.Duration, fn func()) func() bool {
			return time.AfterFunc(d, fn).Stop
		},
	}
	for _, a := range opts.Assets {
		sym := strings.ToUpper(strings.TrimSpace(a.Symbol))
		if _, dup := s.agents[sym]; dup || sym == "" {
			return nil, fmt.Errorf("invalid or duplicate asset %q", a.Symbol)
		}
		s.agents[sym] = &agentRecord{info: types.AgentInfo{
			Asset:   sym,
			Status:  types.StatusStopped,
			Mode:    types.ModeTrade,
			Enabled: a.Enabled,
		}}
		s.order = append(s.order, sym)
	}
	return s, nil
}

func (s *Supervisor) record(asset string) (*agentRecord, string, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	rec, ok := s.agents[asset]
	if !ok {
		return nil, asset, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	return rec, asset, nil
}

// Assets returns the configured assets in declaration order.
func (s *Supervisor) Assets() []string {
	return append([]string(nil), s.order...)
}

// Halted reports whether the emergency halt is active.
func (s *Supervisor) Halted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted
}

// Status returns a copy of every AgentInfo keyed by asset.
func (s *Supervisor) Status() map[string]types.AgentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]types.AgentInfo, len(s.agents))
	for asset, rec := range s.agents {
		info := rec.info
		if rec.info.LastExit != nil {
			exit := *rec.info.LastExit
			info.LastExit = &exit
		}
		out[asset] = info
	}
	return out
}

// StatusList is Status ordered by asset declaration.
func (s *Supervisor) StatusList() []types.AgentInfo {
	m := s.Status()
	out := make([]types.AgentInfo, 0, len(m))
	for _, asset := range s.order {
		out = append(out, m[asset])
	}
	return out
}

// Run restores persisted flags, starts enabled agents and drives the health
// and regime loops until ctx ends. All agents are stopped before it returns.
func (s *Supervisor) Run(ctx context.Context) error {
	s.restoreFlags(ctx)
	for _, asset := range s.order {
		s.mu.Lock()
		rec := s.agents[asset]
		start := rec.info.Enabled && !rec.manualDisabled
		s.mu.Unlock()
		if !start {
			logger.Infof("supervisor: %s 未启用，跳过启动", asset)
			continue
		}
		if err := s.StartAgent(ctx, asset); err != nil {
			logger.Errorf("supervisor: 启动 %s 失败: %v", asset, err)
		}
	}
	err := s.loops(ctx)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.StopTimeout+5*time.Second)
	defer cancel()
	s.stopAll(shutdownCtx, "supervisor shutdown")
	return err
}

func (s *Supervisor) restoreFlags(ctx context.Context) {
	halted, err := store.Exists(ctx, s.deps.KV, store.HaltKey)
	if err != nil {
		logger.Warnf("supervisor: 读取 halt 标记失败: %v", err)
	}
	s.mu.Lock()
	s.halted = halted
	s.mu.Unlock()
	if halted {
		logger.Warnf("supervisor: emergency halt 仍生效，agent 将以 observe 模式启动")
	}
	for _, asset := range s.order {
		disabled, err := store.Exists(ctx, s.deps.KV, store.DisabledKey(asset))
		if err != nil {
			logger.Warnf("supervisor: 读取 %s 禁用标记失败: %v", asset, err)
			continue
		}
		if disabled {
			s.mu.Lock()
			s.agents[asset].manualDisabled = true
			s.agents[asset].info.Enabled = false
			s.mu.Unlock()
		}
	}
}

func (s *Supervisor) event(ctx context.Context, asset string, kind eventlog.Kind, msg string, details map[string]any) {
	if s.deps.Events == nil {
		return
	}
	if err := s.deps.Events.Append(ctx, eventlog.Event{Asset: asset, Kind: kind, Message: msg, Details: details}); err != nil {
		logger.Warnf("supervisor: 写入事件失败 kind=%s: %v", kind, err)
	}
}

func (s *Supervisor) notify(ctx context.Context, icon, asset, title string, details ...string) {
	msg := notifier.Alert(icon, asset, title, s.nowFn(), details...)
	if err := s.deps.Notifier.SendText(ctx, msg.RenderMarkdown()); err != nil {
		logger.Warnf("supervisor: 发送通知失败: %v", err)
	}
}

func (s *Supervisor) setStatus(rec *agentRecord, status types.AgentStatus) {
	rec.info.Status = status
	s.deps.Metrics.SetAgentStatus(rec.info.Asset, status)
}
