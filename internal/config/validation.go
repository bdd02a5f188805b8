package config

import (
	"fmt"
	"strings"
)

var knownRegimes = map[string]struct{}{
	"STRONG_UPTREND":   {},
	"WEAK_UPTREND":     {},
	"RANGING":          {},
	"WEAK_DOWNTREND":   {},
	"STRONG_DOWNTREND": {},
	"VOLATILE":         {},
}

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if f := strings.ToLower(c.App.LogFormat); f != "text" && f != "json" {
		return fmt.Errorf("app.log_format 仅支持 text/json, got %q", c.App.LogFormat)
	}
	if err := validateAssets(c.Assets); err != nil {
		return err
	}
	if err := c.Agent.validate(); err != nil {
		return err
	}
	if err := c.Indicator.validate(); err != nil {
		return err
	}
	if err := c.Signal.validate(); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Regime.validate(); err != nil {
		return err
	}
	if err := c.Supervisor.validate(); err != nil {
		return err
	}
	if err := c.Store.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

func validateAssets(assets []AssetConfig) error {
	if len(assets) == 0 {
		return fmt.Errorf("assets 至少需要配置一个币种")
	}
	seen := make(map[string]struct{}, len(assets))
	for i, a := range assets {
		if a.Symbol == "" {
			return fmt.Errorf("assets[%d].symbol cannot be empty", i)
		}
		if strings.ContainsAny(a.Symbol, "/ ") {
			return fmt.Errorf("assets[%d].symbol must be a bare asset code, got %q", i, a.Symbol)
		}
		if _, dup := seen[a.Symbol]; dup {
			return fmt.Errorf("assets 中存在重复币种: %s", a.Symbol)
		}
		seen[a.Symbol] = struct{}{}
		if a.QuantityPrecision > 8 || a.PricePrecision > 8 {
			return fmt.Errorf("assets.%s precision must be <= 8", a.Symbol)
		}
	}
	return nil
}

func (a *AgentConfig) validate() error {
	if a.MaxBackoffSeconds < a.TickIntervalSeconds {
		return fmt.Errorf("agent.max_backoff_seconds must be >= tick_interval_seconds")
	}
	if a.SlippagePct < 0 || a.SlippagePct >= 0.1 {
		return fmt.Errorf("agent.slippage_pct 必须在 [0, 0.1) 区间")
	}
	return nil
}

func (i *IndicatorConfig) validate() error {
	if i.EntryRatio <= 0 || i.EntryRatio >= 1 {
		return fmt.Errorf("indicator.entry_ratio must be in (0,1)")
	}
	if i.EMAFast >= i.EMASlow {
		return fmt.Errorf("indicator.ema_fast 必须小于 ema_slow")
	}
	if i.Lookback < i.FibWindow+i.WMAPeriod {
		return fmt.Errorf("indicator.lookback must cover fib_window + wma_period")
	}
	return nil
}

func (s *SignalConfig) validate() error {
	switch s.Variant {
	case "classic", "reset", "htf":
	default:
		return fmt.Errorf("signal.variant 仅支持 classic/reset/htf, got %q", s.Variant)
	}
	if s.StochCutoff < 0 || s.StochCutoff > 100 || s.HTFCutoff < 0 || s.HTFCutoff > 100 {
		return fmt.Errorf("signal cutoffs must be within [0,100]")
	}
	if s.ResetPct < 0 {
		return fmt.Errorf("signal.reset_pct must be >= 0")
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.StopLossPct >= 1 {
		return fmt.Errorf("risk.stop_loss_pct must be < 1")
	}
	if r.TakeProfitConservativePct > r.TakeProfitAggressivePct {
		return fmt.Errorf("risk.take_profit_conservative_pct 不能大于 aggressive")
	}
	for name, row := range r.Table {
		if _, ok := knownRegimes[name]; !ok {
			return fmt.Errorf("risk.table 包含未知 regime: %s", name)
		}
		if row.StopLossPct <= 0 || row.TakeProfitPct <= 0 {
			return fmt.Errorf("risk.table.%s requires positive stop_loss_pct and take_profit_pct", name)
		}
		if row.SizeMultiplier < 0 || row.SizeMultiplier > 1 {
			return fmt.Errorf("risk.table.%s.size_multiplier must be within [0,1]", name)
		}
	}
	return nil
}

func (r *RegimeConfig) validate() error {
	if !r.Enabled {
		return nil
	}
	if strings.TrimSpace(r.RulesPath) == "" {
		return fmt.Errorf("regime.rules_path cannot be empty")
	}
	if strings.TrimSpace(r.Model.Model) != "" && strings.TrimSpace(r.Model.APIURL) == "" {
		return fmt.Errorf("regime.model.%s missing api_url", r.Model.ID)
	}
	return nil
}

func (s *SupervisorConfig) validate() error {
	switch s.Launcher {
	case "exec", "inprocess":
	default:
		return fmt.Errorf("supervisor.launcher 仅支持 exec/inprocess, got %q", s.Launcher)
	}
	if s.MaxBackoffSeconds < s.RestartBackoffSeconds {
		return fmt.Errorf("supervisor.max_backoff_seconds must be >= restart_backoff_seconds")
	}
	if s.HeartbeatStaleSeconds <= s.HealthIntervalSeconds {
		return fmt.Errorf("supervisor.heartbeat_stale_seconds must exceed health_interval_seconds")
	}
	return nil
}

func (s *StoreConfig) validate() error {
	switch s.Backend {
	case "sqlite":
		if strings.TrimSpace(s.StatePath) == "" {
			return fmt.Errorf("store.state_path cannot be empty")
		}
	case "redis":
		if strings.TrimSpace(s.Redis.Addr) == "" {
			return fmt.Errorf("store.redis.addr cannot be empty")
		}
	default:
		return fmt.Errorf("store.backend 仅支持 sqlite/redis, got %q", s.Backend)
	}
	if strings.TrimSpace(s.EventsPath) == "" {
		return fmt.Errorf("store.events_path cannot be empty")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	tg := n.Telegram
	if !tg.Enabled {
		return nil
	}
	if strings.TrimSpace(tg.BotToken) == "" || strings.TrimSpace(tg.ChatID) == "" {
		return fmt.Errorf("notify.telegram 启用时必须提供 bot_token 和 chat_id")
	}
	return nil
}
