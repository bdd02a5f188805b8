package app

import (
	"fmt"
	"strings"

	"tokenguard/internal/config"
	"tokenguard/internal/regime"
)

type StartupSummary struct {
	Assets    []AssetSummary
	Launcher  string
	Variant   string
	TickEvery string
	Indicator string
	Store     string
	HTTPAddr  string
	Regime    RegimeSummary
	PanicFlat bool
	Telegram  bool
}

type AssetSummary struct {
	Symbol   string
	Enabled  bool
	Notional float64
	Leverage int
}

type RegimeSummary struct {
	Enabled  bool
	Model    string
	Interval string
	Rules    []string
}

func buildSummary(cfg *config.Config, inProcess bool, rules *regime.RuleRegistry) *StartupSummary {
	s := &StartupSummary{
		Launcher:  cfg.Supervisor.Launcher,
		Variant:   cfg.Signal.Variant,
		TickEvery: cfg.Agent.TickInterval().String(),
		Indicator: fmt.Sprintf("%s / %s (lookback %d)", cfg.Indicator.Interval, cfg.Indicator.HTFInterval, cfg.Indicator.Lookback),
		Store:     fmt.Sprintf("%s + %s", cfg.Store.Backend, cfg.Store.EventsPath),
		HTTPAddr:  cfg.App.HTTPAddr,
		PanicFlat: cfg.Supervisor.PanicFlatten,
		Telegram:  cfg.Notify.Telegram.Enabled,
	}
	if inProcess {
		s.Launcher = "inprocess"
	}
	for _, a := range cfg.Assets {
		s.Assets = append(s.Assets, AssetSummary{Symbol: a.Symbol, Enabled: a.Enabled, Notional: a.OrderNotionalUSD, Leverage: a.Leverage})
	}
	s.Regime = RegimeSummary{Enabled: cfg.Regime.Enabled, Model: cfg.Regime.Model.Model, Interval: cfg.Regime.CheckInterval().String()}
	if s.Regime.Model == "" {
		s.Regime.Model = "(heuristic only)"
	}
	if rules != nil {
		for _, r := range rules.Rules() {
			s.Regime.Rules = append(s.Regime.Rules, fmt.Sprintf("%s → %s", r.Name, r.Action))
		}
	}
	return s
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[币种 (ASSETS)]")
	if len(s.Assets) == 0 {
		fmt.Println("  (无配置)")
	}
	for _, a := range s.Assets {
		state := "enabled"
		if !a.Enabled {
			state = "disabled"
		}
		fmt.Printf("  > %-8s %-8s notional=%.2f leverage=%dx\n", a.Symbol, state, a.Notional, a.Leverage)
	}
	fmt.Println()

	fmt.Println("[Agent]")
	fmt.Printf("  启动方式: %s\n", s.Launcher)
	fmt.Printf("  信号变体: %s\n", s.Variant)
	fmt.Printf("  轮询间隔: %s\n", s.TickEvery)
	fmt.Printf("  指标周期: %s\n", s.Indicator)
	fmt.Println()

	fmt.Println("[Regime]")
	if !s.Regime.Enabled {
		fmt.Println("  (未启用)")
	} else {
		fmt.Printf("  模型: %s\n", s.Regime.Model)
		fmt.Printf("  周期: %s\n", s.Regime.Interval)
		fmt.Printf("  规则: %s\n", formatList(s.Regime.Rules))
	}
	fmt.Println()

	fmt.Println("[其他 (MISC)]")
	fmt.Printf("  存储: %s\n", s.Store)
	fmt.Printf("  控制接口: %s\n", s.HTTPAddr)
	fmt.Printf("  panic 平仓: %v\n", s.PanicFlat)
	fmt.Printf("  Telegram: %v\n", s.Telegram)
	fmt.Println(strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
