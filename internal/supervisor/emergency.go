package supervisor

import (
	"context"
	"fmt"
	"strings"

	"tokenguard/internal/gateway/exchange"
	"tokenguard/internal/logger"
	"tokenguard/internal/store"
	"tokenguard/internal/store/eventlog"
	"tokenguard/internal/types"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Panic disables and stops asset (or every asset for "all"). The disable flag
// is persisted; only Enable brings the agent back.
func (s *Supervisor) Panic(ctx context.Context, target, reason string) ([]string, error) {
	assets, err := s.targets(target)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "panic by operator"
	}
	logger.Errorf("supervisor: PANIC %s (%s)", strings.Join(assets, ","), reason)
	var g errgroup.Group
	for _, asset := range assets {
		asset := asset
		g.Go(func() error {
			if err := s.Disable(ctx, asset, "panic: "+reason); err != nil {
				logger.Errorf("supervisor: panic 停止 %s 失败: %v", asset, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	flattened := s.flatten(ctx, assets)
	s.event(ctx, eventAsset(target, assets), eventlog.KindPanic, reason, map[string]any{
		"assets":    assets,
		"flattened": flattened,
	})
	s.notify(ctx, "🚨", eventAsset(target, assets), "PANIC", reason, "assets: "+strings.Join(assets, ", "))
	return assets, nil
}

func (s *Supervisor) targets(target string) ([]string, error) {
	target = strings.TrimSpace(target)
	if target == "" || strings.EqualFold(target, AllAssets) || target == eventlog.SystemAsset {
		return s.Assets(), nil
	}
	s.mu.Lock()
	_, asset, err := s.record(target)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return []string{asset}, nil
}

func eventAsset(target string, assets []string) string {
	if len(assets) == 1 && !strings.EqualFold(target, AllAssets) {
		return assets[0]
	}
	return eventlog.SystemAsset
}

// EmergencyShutdown stops every running agent without touching enable flags.
func (s *Supervisor) EmergencyShutdown(ctx context.Context, reason string) []string {
	if reason == "" {
		reason = "emergency shutdown"
	}
	stopped := s.stopAll(ctx, "emergency shutdown: "+reason)
	logger.Errorf("supervisor: emergency shutdown (%s) stopped=%v", reason, stopped)
	s.event(ctx, eventlog.SystemAsset, eventlog.KindEmergency, "shutdown: "+reason, map[string]any{"stopped": stopped})
	s.notify(ctx, "⛔", eventlog.SystemAsset, "EMERGENCY SHUTDOWN", reason, fmt.Sprintf("stopped: %v", stopped))
	return stopped
}

// EmergencyHalt persists the halt flag and restarts live agents in observe mode.
func (s *Supervisor) EmergencyHalt(ctx context.Context, reason string) ([]string, error) {
	if reason == "" {
		reason = "emergency halt"
	}
	if err := store.PutJSON(ctx, s.deps.KV, store.HaltKey, map[string]any{"reason": reason, "at": s.nowFn()}); err != nil {
		return nil, fmt.Errorf("persist halt flag: %w", err)
	}
	s.mu.Lock()
	already := s.halted
	s.halted = true
	s.mu.Unlock()
	if already {
		return nil, nil
	}
	restarted := s.restartAlive(ctx, "emergency halt: "+reason, types.ModeObserve)
	logger.Errorf("supervisor: emergency halt (%s)，%v 切换为 observe", reason, restarted)
	s.event(ctx, eventlog.SystemAsset, eventlog.KindEmergency, "halt: "+reason, map[string]any{"observe": restarted})
	s.notify(ctx, "⏸", eventlog.SystemAsset, "EMERGENCY HALT", reason, "agents now observe only")
	return restarted, nil
}

// EmergencyStartup leaves the halt and runs every enabled agent in trade mode.
func (s *Supervisor) EmergencyStartup(ctx context.Context, reason string) ([]string, error) {
	if reason == "" {
		reason = "emergency startup"
	}
	if err := s.deps.KV.Delete(ctx, store.HaltKey); err != nil {
		return nil, fmt.Errorf("clear halt flag: %w", err)
	}
	s.mu.Lock()
	s.halted = false
	s.mu.Unlock()

	started := s.restartAlive(ctx, "emergency startup: "+reason, types.ModeTrade)
	for _, asset := range s.order {
		s.mu.Lock()
		rec := s.agents[asset]
		eligible := rec.proc == nil && rec.info.Enabled && !rec.manualDisabled && rec.info.Status != types.StatusFailed
		s.mu.Unlock()
		if !eligible {
			continue
		}
		if err := s.StartAgent(ctx, asset); err != nil {
			logger.Errorf("supervisor: 启动 %s 失败: %v", asset, err)
			continue
		}
		started = append(started, asset)
	}
	logger.Infof("supervisor: emergency startup (%s) trade=%v", reason, started)
	s.event(ctx, eventlog.SystemAsset, eventlog.KindEmergency, "startup: "+reason, map[string]any{"trade": started})
	s.notify(ctx, "▶️", eventlog.SystemAsset, "EMERGENCY STARTUP", reason, fmt.Sprintf("trading: %v", started))
	return started, nil
}

// restartAlive restarts every live agent whose mode differs from mode.
func (s *Supervisor) restartAlive(ctx context.Context, reason string, mode types.AgentMode) []string {
	var out []string
	for _, asset := range s.aliveAssets() {
		s.mu.Lock()
		same := s.agents[asset].info.Mode == mode
		s.mu.Unlock()
		if same {
			continue
		}
		if err := s.StopAgent(ctx, asset, reason); err != nil {
			logger.Errorf("supervisor: 停止 %s 失败: %v", asset, err)
			continue
		}
		if err := s.StartAgent(ctx, asset); err != nil {
			logger.Errorf("supervisor: 重启 %s 失败: %v", asset, err)
			continue
		}
		out = append(out, asset)
	}
	return out
}

// flatten closes live exchange positions for assets with reduce-only IOC orders.
func (s *Supervisor) flatten(ctx context.Context, assets []string) []string {
	if !s.opts.PanicFlatten || s.deps.Flattener == nil {
		return nil
	}
	positions, err := s.deps.Flattener.ListOpenPositions(ctx)
	if err != nil {
		logger.Errorf("supervisor: panic 平仓查询持仓失败: %v", err)
		return nil
	}
	want := make(map[string]struct{}, len(assets))
	for _, a := range assets {
		want[a] = struct{}{}
	}
	var closed []string
	for _, p := range positions {
		asset := strings.ToUpper(p.Asset)
		if _, ok := want[asset]; !ok || p.Amount <= 0 {
			continue
		}
		price := p.MarkPrice
		if price <= 0 {
			price = p.EntryPrice
		}
		side := exchange.SideSell
		limit := price * (1 - s.opts.SlippagePct)
		if p.Side == "short" {
			side = exchange.SideBuy
			limit = price * (1 + s.opts.SlippagePct)
		}
		id := strings.ReplaceAll(uuid.NewString(), "-", "")
		res, err := s.deps.Flattener.PlaceOrder(ctx, exchange.OrderRequest{
			Asset:         asset,
			Side:          side,
			Quantity:      p.Amount,
			Price:         limit,
			ReduceOnly:    true,
			ClientOrderID: "tg-p-" + id[:24],
			Tag:           "panic",
		})
		s.deps.Metrics.RecordOrder(asset, string(side), flattenResult(err))
		if err != nil {
			logger.Errorf("supervisor: panic 平仓 %s 失败: %v", asset, err)
			s.event(ctx, asset, eventlog.KindTradeFailed, fmt.Sprintf("panic flatten failed: %v", err), nil)
			continue
		}
		closed = append(closed, asset)
		s.event(ctx, asset, eventlog.KindTradeExecuted, "panic flatten", map[string]any{
			"qty":   res.ExecutedQty,
			"price": res.AvgPrice,
		})
		// agent 已停，快照交给下次启动对账重建
		_ = s.deps.KV.Delete(ctx, store.LiveRiskKey(asset))
	}
	return closed
}

func flattenResult(err error) string {
	if err != nil {
		return "failed"
	}
	return "filled"
}
