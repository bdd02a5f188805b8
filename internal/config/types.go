package config

import (
	"strings"
	"time"
)

// Config is the root configuration shared by the supervisor and every agent process.
type Config struct {
	App        AppConfig        `toml:"app"`
	Exchange   ExchangeConfig   `toml:"exchange"`
	Assets     []AssetConfig    `toml:"assets"`
	Agent      AgentConfig      `toml:"agent"`
	Indicator  IndicatorConfig  `toml:"indicator"`
	Signal     SignalConfig     `toml:"signal"`
	Risk       RiskConfig       `toml:"risk"`
	Regime     RegimeConfig     `toml:"regime"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Store      StoreConfig      `toml:"store"`
	Notify     NotifyConfig     `toml:"notify"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	HTTPAddr  string `toml:"http_addr"`
	LogPath   string `toml:"log_path"`
	LLMLog    string `toml:"llm_log_path"`
}

// ExchangeConfig describes how agents reach the futures exchange.
type ExchangeConfig struct {
	Name               string      `toml:"name"`
	RESTBaseURL        string      `toml:"rest_base_url"`
	APIKey             string      `toml:"api_key"`
	APISecret          string      `toml:"api_secret"`
	QuoteAsset         string      `toml:"quote_asset"`
	HTTPTimeoutSeconds int         `toml:"http_timeout_seconds"`
	Proxy              ProxyConfig `toml:"proxy"`
}

type ProxyConfig struct {
	Enabled bool   `toml:"enabled"`
	RESTURL string `toml:"rest_url"`
}

func (p *ProxyConfig) normalize() {
	if p == nil {
		return
	}
	p.RESTURL = strings.TrimSpace(p.RESTURL)
}

// AssetConfig declares one supervised token.
type AssetConfig struct {
	Symbol            string  `toml:"symbol"`
	Enabled           bool    `toml:"enabled"`
	PricePrecision    int     `toml:"price_precision"`
	QuantityPrecision int     `toml:"quantity_precision"`
	OrderNotionalUSD  float64 `toml:"order_notional_usd"`
	Leverage          int     `toml:"leverage"`
}

type AgentConfig struct {
	TickIntervalSeconds   int     `toml:"tick_interval_seconds"`
	MaxBackoffSeconds     int     `toml:"max_backoff_seconds"`
	ReconcileRetrySeconds int     `toml:"reconcile_retry_seconds"`
	OrderNotionalUSD      float64 `toml:"order_notional_usd"`
	SlippagePct           float64 `toml:"slippage_pct"`
	Leverage              int     `toml:"leverage"`
	HeartbeatEverySeconds int     `toml:"heartbeat_every_seconds"`
	RecordPriceTicks      bool    `toml:"record_price_ticks"`
}

func (a AgentConfig) TickInterval() time.Duration {
	return time.Duration(a.TickIntervalSeconds) * time.Second
}

func (a AgentConfig) MaxBackoff() time.Duration {
	return time.Duration(a.MaxBackoffSeconds) * time.Second
}

func (a AgentConfig) ReconcileRetry() time.Duration {
	return time.Duration(a.ReconcileRetrySeconds) * time.Second
}

// IndicatorConfig controls how the snapshot fed to the state machines is derived from candles.
type IndicatorConfig struct {
	Interval    string  `toml:"interval"`
	HTFInterval string  `toml:"htf_interval"`
	Lookback    int     `toml:"lookback"`
	FibWindow   int     `toml:"fib_window"`
	EntryRatio  float64 `toml:"entry_ratio"`
	WMAPeriod   int     `toml:"wma_period"`
	RSIPeriod   int     `toml:"rsi_period"`
	StochPeriod int     `toml:"stoch_period"`
	StochK      int     `toml:"stoch_k"`
	StochD      int     `toml:"stoch_d"`
	EMAFast     int     `toml:"ema_fast"`
	EMASlow     int     `toml:"ema_slow"`
}

// SignalConfig selects the entry trigger variant. Zero thresholds keep the variant's preset.
type SignalConfig struct {
	Variant     string  `toml:"variant"`
	StochCutoff float64 `toml:"stoch_cutoff"`
	HTFCutoff   float64 `toml:"htf_cutoff"`
	ResetPct    float64 `toml:"reset_pct"`
}

type RiskConfig struct {
	StopLossPct               float64                   `toml:"stop_loss_pct"`
	TakeProfitConservativePct float64                   `toml:"take_profit_conservative_pct"`
	TakeProfitAggressivePct   float64                   `toml:"take_profit_aggressive_pct"`
	GracePeriodSeconds        int                       `toml:"grace_period_seconds"`
	ParamsMaxAgeMinutes       int                       `toml:"params_max_age_minutes"`
	Table                     map[string]RiskTableEntry `toml:"table"`
}

func (r RiskConfig) GracePeriod() time.Duration {
	return time.Duration(r.GracePeriodSeconds) * time.Second
}

func (r RiskConfig) ParamsMaxAge() time.Duration {
	return time.Duration(r.ParamsMaxAgeMinutes) * time.Minute
}

// RiskTableEntry overrides one row of the regime→risk table.
type RiskTableEntry struct {
	StopLossPct    float64 `toml:"stop_loss_pct"`
	TakeProfitPct  float64 `toml:"take_profit_pct"`
	SizeMultiplier float64 `toml:"size_multiplier"`
	Strategy       string  `toml:"strategy"`
}

type RegimeConfig struct {
	Enabled                bool        `toml:"enabled"`
	MinIntervalMinutes     int         `toml:"min_interval_minutes"`
	CheckIntervalMinutes   int         `toml:"check_interval_minutes"`
	RulesPath              string      `toml:"rules_path"`
	HistoryLimit           int         `toml:"history_limit"`
	TimeoutSeconds         int         `toml:"timeout_seconds"`
	BreakerThreshold       int         `toml:"breaker_threshold"`
	BreakerCooldownSeconds int         `toml:"breaker_cooldown_seconds"`
	Model                  ModelConfig `toml:"model"`
}

func (r RegimeConfig) MinInterval() time.Duration {
	return time.Duration(r.MinIntervalMinutes) * time.Minute
}

func (r RegimeConfig) CheckInterval() time.Duration {
	return time.Duration(r.CheckIntervalMinutes) * time.Minute
}

// ModelConfig points at an OpenAI-compatible chat completion endpoint.
type ModelConfig struct {
	ID      string            `toml:"id"`
	APIURL  string            `toml:"api_url"`
	APIKey  string            `toml:"api_key"`
	Model   string            `toml:"model"`
	Headers map[string]string `toml:"headers"`
}

type SupervisorConfig struct {
	Launcher              string `toml:"launcher"`
	AgentBinary           string `toml:"agent_binary"`
	MaxRestarts           int    `toml:"max_restarts"`
	RestartBackoffSeconds int    `toml:"restart_backoff_seconds"`
	MaxBackoffSeconds     int    `toml:"max_backoff_seconds"`
	RestartWindowMinutes  int    `toml:"restart_window_minutes"`
	StopTimeoutSeconds    int    `toml:"stop_timeout_seconds"`
	HealthIntervalSeconds int    `toml:"health_interval_seconds"`
	HeartbeatStaleSeconds int    `toml:"heartbeat_stale_seconds"`
	PanicFlatten          bool   `toml:"panic_flatten"`
}

func (s SupervisorConfig) RestartBackoff() time.Duration {
	return time.Duration(s.RestartBackoffSeconds) * time.Second
}

func (s SupervisorConfig) MaxBackoff() time.Duration {
	return time.Duration(s.MaxBackoffSeconds) * time.Second
}

func (s SupervisorConfig) RestartWindow() time.Duration {
	return time.Duration(s.RestartWindowMinutes) * time.Minute
}

func (s SupervisorConfig) StopTimeout() time.Duration {
	return time.Duration(s.StopTimeoutSeconds) * time.Second
}

func (s SupervisorConfig) HealthInterval() time.Duration {
	return time.Duration(s.HealthIntervalSeconds) * time.Second
}

func (s SupervisorConfig) HeartbeatStale() time.Duration {
	return time.Duration(s.HeartbeatStaleSeconds) * time.Second
}

type StoreConfig struct {
	Backend    string      `toml:"backend"`
	StatePath  string      `toml:"state_path"`
	EventsPath string      `toml:"events_path"`
	Redis      RedisConfig `toml:"redis"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

// AssetSymbols returns the configured symbols in declaration order.
func (c *Config) AssetSymbols() []string {
	out := make([]string, 0, len(c.Assets))
	for _, a := range c.Assets {
		out = append(out, a.Symbol)
	}
	return out
}

// Asset looks up an asset by symbol, case-insensitively.
func (c *Config) Asset(symbol string) (AssetConfig, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, a := range c.Assets {
		if a.Symbol == symbol {
			return a, true
		}
	}
	return AssetConfig{}, false
}

// keySet tracks which dotted keys the config files set explicitly.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
