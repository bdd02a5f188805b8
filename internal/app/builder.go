package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tokenguard/internal/agent"
	"tokenguard/internal/analysis/indicator"
	"tokenguard/internal/config"
	"tokenguard/internal/gateway/binance"
	"tokenguard/internal/gateway/exchange"
	"tokenguard/internal/gateway/notifier"
	"tokenguard/internal/gateway/provider"
	"tokenguard/internal/logger"
	"tokenguard/internal/metrics"
	"tokenguard/internal/pkg/circuit"
	"tokenguard/internal/regime"
	"tokenguard/internal/store"
	"tokenguard/internal/store/eventlog"
	rediskv "tokenguard/internal/store/redis"
	sqlitekv "tokenguard/internal/store/sqlite"
	"tokenguard/internal/strategy/risk"
	"tokenguard/internal/strategy/signal"
	"tokenguard/internal/supervisor"
	controlhttp "tokenguard/internal/transport/http/control"
	"tokenguard/internal/types"
)

type AppBuilder struct {
	cfg        *config.Config
	configPath string
	inProcess  bool

	exchangeFn func(*config.Config) (exchange.Exchange, error)
	kvFn       func(context.Context, config.StoreConfig) (store.KV, error)
	eventsFn   func(string) (eventlog.Log, error)
	notifierFn func(config.NotifyConfig) notifier.TextNotifier
	modelFn    func(config.RegimeConfig) provider.ModelProvider

	// 外部注入的存储由调用方负责关闭
	sharedKV     bool
	sharedEvents bool
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		exchangeFn: buildExchange,
		kvFn:       buildKV,
		eventsFn:   buildEventLog,
		notifierFn: buildNotifier,
		modelFn:    buildModelProvider,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// WithConfigPath is forwarded to agent subprocesses as -config.
func WithConfigPath(path string) AppBuilderOption {
	return func(b *AppBuilder) { b.configPath = strings.TrimSpace(path) }
}

// WithInProcessAgents runs agents as goroutines regardless of supervisor.launcher.
func WithInProcessAgents() AppBuilderOption {
	return func(b *AppBuilder) { b.inProcess = true }
}

func WithExchange(ex exchange.Exchange) AppBuilderOption {
	return func(b *AppBuilder) {
		b.exchangeFn = func(*config.Config) (exchange.Exchange, error) { return ex, nil }
	}
}

func WithKV(kv store.KV) AppBuilderOption {
	return func(b *AppBuilder) {
		b.kvFn = func(context.Context, config.StoreConfig) (store.KV, error) { return kv, nil }
		b.sharedKV = true
	}
}

func WithEventLog(log eventlog.Log) AppBuilderOption {
	return func(b *AppBuilder) {
		b.eventsFn = func(string) (eventlog.Log, error) { return log, nil }
		b.sharedEvents = true
	}
}

func WithNotifier(n notifier.TextNotifier) AppBuilderOption {
	return func(b *AppBuilder) {
		b.notifierFn = func(config.NotifyConfig) notifier.TextNotifier { return n }
	}
}

func WithModelProvider(p provider.ModelProvider) AppBuilderOption {
	return func(b *AppBuilder) {
		b.modelFn = func(config.RegimeConfig) provider.ModelProvider { return p }
	}
}

// stores 是 supervisor 与 in-process agent 共享的存储层。
type stores struct {
	kv      store.KV
	events  eventlog.Log
	closers []func() error
}

func (s *stores) close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}

func (b *AppBuilder) openStores(ctx context.Context) (*stores, error) {
	out := &stores{}
	kv, err := b.kvFn(ctx, b.cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open kv store (%s): %w", b.cfg.Store.Backend, err)
	}
	out.kv = kv
	if !b.sharedKV {
		out.closers = append(out.closers, kv.Close)
	}
	events, err := b.eventsFn(b.cfg.Store.EventsPath)
	if err != nil {
		_ = out.close()
		return nil, fmt.Errorf("open event log: %w", err)
	}
	out.events = events
	if !b.sharedEvents {
		out.closers = append(out.closers, events.Close)
	}
	return out, nil
}

// Build wires the supervisor process: stores, regime classifier, rules,
// notifier, launcher and the control API.
func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	st, err := b.openStores(ctx)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*App, error) {
		_ = st.close()
		return nil, err
	}
	logger.Infof("✓ 存储已就绪 backend=%s events=%s", cfg.Store.Backend, cfg.Store.EventsPath)

	rec := metrics.New()
	notify := b.notifierFn(cfg.Notify)
	deps := supervisor.Deps{
		KV:        st.kv,
		Events:    st.events,
		RiskTable: regime.NewRiskTable(cfg.Risk.Table),
		Notifier:  notify,
		Metrics:   rec,
	}

	var rules *regime.RuleRegistry
	if cfg.Regime.Enabled {
		cls, reg, err := b.buildRegime(rec, notify)
		if err != nil {
			return fail(err)
		}
		deps.Classifier = cls
		deps.Rules = reg
		rules = reg
	}

	inProcess := b.inProcess || cfg.Supervisor.Launcher == "inprocess"
	var ex exchange.Exchange
	if inProcess || cfg.Supervisor.PanicFlatten {
		ex, err = b.exchangeFn(cfg)
		if err != nil {
			return fail(fmt.Errorf("init exchange: %w", err))
		}
	}
	if cfg.Supervisor.PanicFlatten {
		deps.Flattener = ex
	}
	if inProcess {
		agentDeps := agent.Deps{Exchange: ex, KV: st.kv, Events: st.events, Metrics: rec}
		deps.Launcher = &supervisor.InProcessLauncher{Run: func(ctx context.Context, spec supervisor.Spec) error {
			ag, err := b.newAgent(ctx, spec.Asset, spec.Mode, agentDeps)
			if err != nil {
				return err
			}
			return ag.Run(ctx)
		}}
	} else {
		deps.Launcher = &supervisor.ExecLauncher{Binary: cfg.Supervisor.AgentBinary, ConfigPath: b.configPath}
	}

	sup, err := supervisor.New(supervisorOptions(cfg), deps)
	if err != nil {
		return fail(err)
	}

	srvCfg := controlhttp.ServerConfig{
		Addr:    cfg.App.HTTPAddr,
		Control: sup,
		Events:  st.events,
		Metrics: rec.Handler(),
	}
	if rules != nil {
		srvCfg.Rules = rules
	}
	srv, err := controlhttp.NewServer(srvCfg)
	if err != nil {
		return fail(err)
	}

	return &App{
		cfg:     cfg,
		sup:     sup,
		http:    srv,
		closers: []func() error{st.close},
		Summary: buildSummary(cfg, inProcess, rules),
	}, nil
}

func (b *AppBuilder) buildRegime(rec *metrics.Recorder, notify notifier.TextNotifier) (*regime.Classifier, *regime.RuleRegistry, error) {
	rc := b.cfg.Regime
	model := b.modelFn(rc)
	breaker := circuit.NewCircuitBreaker("regime-model", rc.BreakerThreshold, time.Duration(rc.BreakerCooldownSeconds)*time.Second)
	cls := regime.NewClassifier(model, regime.Options{
		MinInterval: rc.MinInterval(),
		Timeout:     time.Duration(rc.TimeoutSeconds) * time.Second,
		Breaker:     breaker,
		OnAssess:    rec.RecordAssessment,
	})
	reg, err := regime.NewRuleRegistry(rc.RulesPath, true)
	if err != nil {
		return nil, nil, fmt.Errorf("load regime rules: %w", err)
	}
	reg.OnChange(func(s regime.RulesSnapshot) {
		names := make([]string, 0, len(s.Rules))
		for _, r := range s.Rules {
			names = append(names, r.Name)
		}
		msg := notifier.Alert("🔁", "", "regime 规则已重载", time.Now(),
			fmt.Sprintf("version: %d", s.Version), "rules: "+strings.Join(names, ", "))
		if err := notify.SendText(context.Background(), msg.RenderMarkdown()); err != nil {
			logger.Warnf("发送规则重载通知失败: %v", err)
		}
	})
	snap := reg.Snapshot()
	logger.Infof("✓ regime 规则已加载 %d 条 (source=%s)", len(snap.Rules), snap.Source)
	return cls, reg, nil
}

// BuildAgent wires one agent process. The returned func releases its stores.
func (b *AppBuilder) BuildAgent(ctx context.Context, asset string, mode types.AgentMode) (*agent.Agent, func() error, error) {
	if b.cfg == nil {
		return nil, nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(b.cfg.App.LogLevel)
	ex, err := b.exchangeFn(b.cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("init exchange: %w", err)
	}
	st, err := b.openStores(ctx)
	if err != nil {
		return nil, nil, err
	}
	ag, err := b.newAgent(ctx, asset, mode, agent.Deps{Exchange: ex, KV: st.kv, Events: st.events})
	if err != nil {
		_ = st.close()
		return nil, nil, err
	}
	return ag, st.close, nil
}

type leverageSetter interface {
	SetLeverage(ctx context.Context, asset string, leverage int) error
}

func (b *AppBuilder) newAgent(ctx context.Context, asset string, mode types.AgentMode, deps agent.Deps) (*agent.Agent, error) {
	cfg := b.cfg
	ac, ok := cfg.Asset(asset)
	if !ok {
		return nil, fmt.Errorf("asset %s 未在配置中声明", asset)
	}
	variant, err := signal.ResolveVariant(cfg.Signal.Variant, signal.Overrides{
		StochCutoff: cfg.Signal.StochCutoff,
		HTFCutoff:   cfg.Signal.HTFCutoff,
		ResetPct:    cfg.Signal.ResetPct,
	})
	if err != nil {
		return nil, err
	}
	if ls, ok := deps.Exchange.(leverageSetter); ok && ac.Leverage > 0 && mode == types.ModeTrade {
		if err := ls.SetLeverage(ctx, ac.Symbol, ac.Leverage); err != nil {
			logger.Warnf("设置 %s 杠杆 %dx 失败: %v", ac.Symbol, ac.Leverage, err)
		}
	}
	ind := cfg.Indicator
	return agent.New(agent.Options{
		Asset:            ac.Symbol,
		Mode:             mode,
		TickInterval:     cfg.Agent.TickInterval(),
		MaxBackoff:       cfg.Agent.MaxBackoff(),
		ReconcileRetry:   cfg.Agent.ReconcileRetry(),
		HeartbeatEvery:   time.Duration(cfg.Agent.HeartbeatEverySeconds) * time.Second,
		OrderNotional:    ac.OrderNotionalUSD,
		SlippagePct:      cfg.Agent.SlippagePct,
		RecordPriceTicks: cfg.Agent.RecordPriceTicks,
		Leverage:         ac.Leverage,
		Indicator: agent.IndicatorOptions{
			Interval:    ind.Interval,
			HTFInterval: ind.HTFInterval,
			Lookback:    ind.Lookback,
			Settings: indicator.Settings{
				FibWindow:   ind.FibWindow,
				EntryRatio:  ind.EntryRatio,
				WMAPeriod:   ind.WMAPeriod,
				RSIPeriod:   ind.RSIPeriod,
				StochPeriod: ind.StochPeriod,
				StochK:      ind.StochK,
				StochD:      ind.StochD,
				EMAFast:     ind.EMAFast,
				EMASlow:     ind.EMASlow,
			},
		},
		Variant: variant,
		Risk: risk.Config{
			StopLossPct:               cfg.Risk.StopLossPct,
			TakeProfitConservativePct: cfg.Risk.TakeProfitConservativePct,
			TakeProfitAggressivePct:   cfg.Risk.TakeProfitAggressivePct,
			GracePeriod:               cfg.Risk.GracePeriod(),
			ParamsMaxAge:              cfg.Risk.ParamsMaxAge(),
		},
		ParamsMaxAge: cfg.Risk.ParamsMaxAge(),
	}, deps)
}

func supervisorOptions(cfg *config.Config) supervisor.Options {
	assets := make([]supervisor.AssetSpec, 0, len(cfg.Assets))
	for _, a := range cfg.Assets {
		assets = append(assets, supervisor.AssetSpec{Symbol: a.Symbol, Enabled: a.Enabled})
	}
	sc := cfg.Supervisor
	return supervisor.Options{
		Assets:         assets,
		MaxRestarts:    sc.MaxRestarts,
		RestartBackoff: sc.RestartBackoff(),
		MaxBackoff:     sc.MaxBackoff(),
		RestartWindow:  sc.RestartWindow(),
		StopTimeout:    sc.StopTimeout(),
		HealthInterval: sc.HealthInterval(),
		HeartbeatStale: sc.HeartbeatStale(),
		RegimeInterval: cfg.Regime.CheckInterval(),
		HistoryLimit:   cfg.Regime.HistoryLimit,
		PanicFlatten:   sc.PanicFlatten,
		SlippagePct:    cfg.Agent.SlippagePct,
	}
}

func buildExchange(cfg *config.Config) (exchange.Exchange, error) {
	precision := make(map[string]binance.Precision, len(cfg.Assets))
	for _, a := range cfg.Assets {
		precision[a.Symbol] = binance.Precision{Price: a.PricePrecision, Quantity: a.QuantityPrecision}
	}
	ec := cfg.Exchange
	client, err := binance.New(binance.Config{
		RESTBaseURL:  ec.RESTBaseURL,
		HTTPTimeout:  time.Duration(ec.HTTPTimeoutSeconds) * time.Second,
		APIKey:       ec.APIKey,
		APISecret:    ec.APISecret,
		QuoteAsset:   ec.QuoteAsset,
		ProxyEnabled: ec.Proxy.Enabled,
		RESTProxyURL: ec.Proxy.RESTURL,
		Precision:    precision,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

func buildKV(ctx context.Context, sc config.StoreConfig) (store.KV, error) {
	switch sc.Backend {
	case "redis":
		kv, err := rediskv.NewKV(ctx, rediskv.Options{
			Addr:     sc.Redis.Addr,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
			Prefix:   sc.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return kv, nil
	default:
		kv, err := sqlitekv.NewKV(sc.StatePath)
		if err != nil {
			return nil, err
		}
		return kv, nil
	}
}

func buildEventLog(path string) (eventlog.Log, error) {
	s, err := eventlog.Open(path)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func buildNotifier(nc config.NotifyConfig) notifier.TextNotifier {
	if !nc.Telegram.Enabled {
		return notifier.Noop{}
	}
	return notifier.NewTelegram(nc.Telegram.BotToken, nc.Telegram.ChatID)
}

func buildModelProvider(rc config.RegimeConfig) provider.ModelProvider {
	return provider.BuildFromConfig(provider.ModelCfg{
		ID:      rc.Model.ID,
		APIURL:  rc.Model.APIURL,
		APIKey:  rc.Model.APIKey,
		Model:   rc.Model.Model,
		Headers: rc.Model.Headers,
	}, time.Duration(rc.TimeoutSeconds)*time.Second)
}
