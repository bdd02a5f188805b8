package config

import (
	"strings"
)

const (
	defaultAppEnv                  = "dev"
	defaultAppLogLevel             = "info"
	defaultAppLogFormat            = "text"
	defaultAppHTTPAddr             = ":9991"
	defaultExchangeName            = "binance"
	defaultExchangeREST            = "https://fapi.binance.com"
	defaultExchangeQuote           = "USDT"
	defaultExchangeTimeout         = 15
	defaultAgentTick               = 60
	defaultAgentMaxBackoff         = 3600
	defaultAgentReconcileRetry     = 10
	defaultAgentNotional           = 100
	defaultAgentSlippage           = 0.005
	defaultAgentLeverage           = 1
	defaultIndicatorInterval       = "1h"
	defaultIndicatorHTF            = "4h"
	defaultIndicatorLookback       = 200
	defaultIndicatorFibWindow      = 50
	defaultIndicatorEntryRatio     = 0.618
	defaultIndicatorWMA            = 9
	defaultIndicatorRSI            = 14
	defaultIndicatorStoch          = 14
	defaultIndicatorStochK         = 3
	defaultIndicatorStochD         = 3
	defaultIndicatorEMAFast        = 21
	defaultIndicatorEMASlow        = 55
	defaultSignalVariant           = "classic"
	defaultRiskStopLoss            = 0.10
	defaultRiskTPConservative      = 0.15
	defaultRiskTPAggressive        = 0.30
	defaultRiskGrace               = 60
	defaultRiskParamsMaxAge        = 45
	defaultRegimeMinInterval       = 10
	defaultRegimeCheckInterval     = 15
	defaultRegimeRulesPath         = "configs/regime_rules.yaml"
	defaultRegimeHistoryLimit      = 200
	defaultRegimeTimeout           = 60
	defaultRegimeBreakerThreshold  = 3
	defaultRegimeBreakerCooldown   = 300
	defaultModelAPIURL             = "https://api.openai.com/v1"
	defaultSupervisorLauncher      = "exec"
	defaultSupervisorMaxRestarts   = 5
	defaultSupervisorBackoff       = 10
	defaultSupervisorMaxBackoff    = 300
	defaultSupervisorRestartWindow = 30
	defaultSupervisorStopTimeout   = 15
	defaultSupervisorHealth        = 30
	defaultSupervisorStale         = 180
	defaultStoreBackend            = "sqlite"
	defaultStoreStatePath          = "data/state.db"
	defaultStoreEventsPath         = "data/events.db"
	defaultRedisAddr               = "127.0.0.1:6379"
	defaultRedisPrefix             = "tokenguard:"
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Exchange.applyDefaults(keys)
	c.Agent.applyDefaults(keys)
	c.Indicator.applyDefaults(keys)
	c.Signal.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Regime.applyDefaults(keys)
	c.Supervisor.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	for i := range c.Assets {
		c.Assets[i].applyDefaults(c.Agent)
	}
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
	)
}

func (e *ExchangeConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("exchange.name", &e.Name, defaultExchangeName),
		stringFieldDefault("exchange.rest_base_url", &e.RESTBaseURL, defaultExchangeREST),
		stringFieldDefault("exchange.quote_asset", &e.QuoteAsset, defaultExchangeQuote),
		intFieldDefault("exchange.http_timeout_seconds", &e.HTTPTimeoutSeconds, defaultExchangeTimeout),
	)
	e.QuoteAsset = strings.ToUpper(strings.TrimSpace(e.QuoteAsset))
}

func (a *AgentConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("agent.tick_interval_seconds", &a.TickIntervalSeconds, defaultAgentTick),
		intFieldDefault("agent.max_backoff_seconds", &a.MaxBackoffSeconds, defaultAgentMaxBackoff),
		intFieldDefault("agent.reconcile_retry_seconds", &a.ReconcileRetrySeconds, defaultAgentReconcileRetry),
		floatFieldDefault("agent.order_notional_usd", &a.OrderNotionalUSD, defaultAgentNotional),
		floatFieldDefault("agent.slippage_pct", &a.SlippagePct, defaultAgentSlippage),
		intFieldDefault("agent.leverage", &a.Leverage, defaultAgentLeverage),
		boolFieldDefault("agent.record_price_ticks", &a.RecordPriceTicks, true),
	)
}

func (a *AssetConfig) applyDefaults(agent AgentConfig) {
	if a.OrderNotionalUSD <= 0 {
		a.OrderNotionalUSD = agent.OrderNotionalUSD
	}
	if a.Leverage <= 0 {
		a.Leverage = agent.Leverage
	}
	if a.PricePrecision <= 0 {
		a.PricePrecision = 4
	}
	if a.QuantityPrecision < 0 {
		a.QuantityPrecision = 0
	}
}

func (i *IndicatorConfig) applyDefaults(keys keySet) {
	if i == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("indicator.interval", &i.Interval, defaultIndicatorInterval),
		stringFieldDefault("indicator.htf_interval", &i.HTFInterval, defaultIndicatorHTF),
		intFieldDefault("indicator.lookback", &i.Lookback, defaultIndicatorLookback),
		intFieldDefault("indicator.fib_window", &i.FibWindow, defaultIndicatorFibWindow),
		floatFieldDefault("indicator.entry_ratio", &i.EntryRatio, defaultIndicatorEntryRatio),
		intFieldDefault("indicator.wma_period", &i.WMAPeriod, defaultIndicatorWMA),
		intFieldDefault("indicator.rsi_period", &i.RSIPeriod, defaultIndicatorRSI),
		intFieldDefault("indicator.stoch_period", &i.StochPeriod, defaultIndicatorStoch),
		intFieldDefault("indicator.stoch_k", &i.StochK, defaultIndicatorStochK),
		intFieldDefault("indicator.stoch_d", &i.StochD, defaultIndicatorStochD),
		intFieldDefault("indicator.ema_fast", &i.EMAFast, defaultIndicatorEMAFast),
		intFieldDefault("indicator.ema_slow", &i.EMASlow, defaultIndicatorEMASlow),
	)
}

func (s *SignalConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("signal.variant", &s.Variant, defaultSignalVariant),
	)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("risk.stop_loss_pct", &r.StopLossPct, defaultRiskStopLoss),
		floatFieldDefault("risk.take_profit_conservative_pct", &r.TakeProfitConservativePct, defaultRiskTPConservative),
		floatFieldDefault("risk.take_profit_aggressive_pct", &r.TakeProfitAggressivePct, defaultRiskTPAggressive),
		intFieldDefault("risk.grace_period_seconds", &r.GracePeriodSeconds, defaultRiskGrace),
		intFieldDefault("risk.params_max_age_minutes", &r.ParamsMaxAgeMinutes, defaultRiskParamsMaxAge),
	)
}

func (r *RegimeConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("regime.enabled", &r.Enabled, true),
		intFieldDefault("regime.min_interval_minutes", &r.MinIntervalMinutes, defaultRegimeMinInterval),
		intFieldDefault("regime.check_interval_minutes", &r.CheckIntervalMinutes, defaultRegimeCheckInterval),
		stringFieldDefault("regime.rules_path", &r.RulesPath, defaultRegimeRulesPath),
		intFieldDefault("regime.history_limit", &r.HistoryLimit, defaultRegimeHistoryLimit),
		intFieldDefault("regime.timeout_seconds", &r.TimeoutSeconds, defaultRegimeTimeout),
		intFieldDefault("regime.breaker_threshold", &r.BreakerThreshold, defaultRegimeBreakerThreshold),
		intFieldDefault("regime.breaker_cooldown_seconds", &r.BreakerCooldownSeconds, defaultRegimeBreakerCooldown),
		stringFieldDefault("regime.model.api_url", &r.Model.APIURL, defaultModelAPIURL),
	)
	if strings.TrimSpace(r.Model.ID) == "" && strings.TrimSpace(r.Model.Model) != "" {
		r.Model.ID = "regime:" + strings.TrimSpace(r.Model.Model)
	}
}

func (s *SupervisorConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("supervisor.launcher", &s.Launcher, defaultSupervisorLauncher),
		intFieldDefault("supervisor.max_restarts", &s.MaxRestarts, defaultSupervisorMaxRestarts),
		intFieldDefault("supervisor.restart_backoff_seconds", &s.RestartBackoffSeconds, defaultSupervisorBackoff),
		intFieldDefault("supervisor.max_backoff_seconds", &s.MaxBackoffSeconds, defaultSupervisorMaxBackoff),
		intFieldDefault("supervisor.restart_window_minutes", &s.RestartWindowMinutes, defaultSupervisorRestartWindow),
		intFieldDefault("supervisor.stop_timeout_seconds", &s.StopTimeoutSeconds, defaultSupervisorStopTimeout),
		intFieldDefault("supervisor.health_interval_seconds", &s.HealthIntervalSeconds, defaultSupervisorHealth),
		intFieldDefault("supervisor.heartbeat_stale_seconds", &s.HeartbeatStaleSeconds, defaultSupervisorStale),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.backend", &s.Backend, defaultStoreBackend),
		stringFieldDefault("store.state_path", &s.StatePath, defaultStoreStatePath),
		stringFieldDefault("store.events_path", &s.EventsPath, defaultStoreEventsPath),
		stringFieldDefault("store.redis.addr", &s.Redis.Addr, defaultRedisAddr),
		stringFieldDefault("store.redis.prefix", &s.Redis.Prefix, defaultRedisPrefix),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
