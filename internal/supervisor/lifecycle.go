package supervisor

import (
	"context"
	"fmt"
	"time"

	"tokenguard/internal/logger"
	"tokenguard/internal/scheduler"
	"tokenguard/internal/store"
	"tokenguard/internal/store/eventlog"
	"tokenguard/internal/types"

	"golang.org/x/sync/errgroup"
)

// StartAgent launches the agent for asset. Starting a live agent is a no-op;
// starting a FAILED agent resets its restart count.
func (s *Supervisor) StartAgent(ctx context.Context, asset string) error {
	s.mu.Lock()
	rec, asset, err := s.record(asset)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	switch rec.info.Status {
	case types.StatusStarting, types.StatusRunning, types.StatusHealthy, types.StatusStopping:
		s.mu.Unlock()
		return nil
	case types.StatusFailed:
		rec.info.RestartCount = 0
	}
	if rec.cancelRestart != nil {
		rec.cancelRestart()
		rec.cancelRestart = nil
	}
	err = s.launchLocked(ctx, rec)
	gen := rec.gen
	s.mu.Unlock()
	if err != nil {
		s.handleExit(ctx, asset, gen, types.ExitInfo{Code: -1, Error: err.Error(), At: s.nowFn()})
		return fmt.Errorf("launch %s: %w", asset, err)
	}
	return nil
}

// launchLocked must be called with s.mu held.
func (s *Supervisor) launchLocked(ctx context.Context, rec *agentRecord) error {
	mode := types.ModeTrade
	if s.halted {
		mode = types.ModeObserve
	}
	rec.gen++
	gen := rec.gen
	rec.expectedStop = false
	rec.stopReason = ""
	rec.staleNotified = false
	rec.info.Mode = mode
	rec.info.PID = 0
	s.setStatus(rec, types.StatusStarting)

	proc, err := s.deps.Launcher.Launch(ctx, Spec{Asset: rec.info.Asset, Mode: mode})
	if err != nil {
		logger.Errorf("supervisor: 启动 %s 失败: %v", rec.info.Asset, err)
		return err
	}
	rec.proc = proc
	rec.exited = make(chan struct{})
	rec.info.PID = proc.PID()
	rec.info.StartTime = s.nowFn()
	s.setStatus(rec, types.StatusRunning)
	logger.Infof("supervisor: %s 已启动 pid=%d mode=%s", rec.info.Asset, rec.info.PID, mode)
	go s.watch(rec.info.Asset, gen, proc, rec.exited)
	go s.event(context.Background(), rec.info.Asset, eventlog.KindLifecycle, "started", map[string]any{
		"pid":  rec.info.PID,
		"mode": string(mode),
	})
	return nil
}

func (s *Supervisor) watch(asset string, gen int, proc Process, exited chan struct{}) {
	info, ok := <-proc.Wait()
	if !ok {
		info = types.ExitInfo{Code: -1, Error: "exit status unavailable", At: s.nowFn()}
	}
	s.handleExit(context.Background(), asset, gen, info)
	close(exited)
}

// handleExit records an exit for generation gen. Expected exits end in STOPPED;
// anything else is a crash that is retried with backoff or ends in FAILED.
func (s *Supervisor) handleExit(ctx context.Context, asset string, gen int, info types.ExitInfo) {
	s.mu.Lock()
	rec := s.agents[asset]
	if rec == nil || rec.gen != gen {
		s.mu.Unlock()
		return
	}
	rec.proc = nil
	rec.info.PID = 0
	if rec.expectedStop {
		info.Reason = rec.stopReason
	}
	rec.info.LastExit = &info
	if rec.expectedStop {
		s.setStatus(rec, types.StatusStopped)
		reason := rec.stopReason
		s.mu.Unlock()
		logger.Infof("supervisor: %s 已停止 (%s)", asset, reason)
		s.event(ctx, asset, eventlog.KindLifecycle, "stopped: "+reason, map[string]any{"code": info.Code})
		return
	}

	now := s.nowFn()
	if !rec.info.StartTime.IsZero() && now.Sub(rec.info.StartTime) >= s.opts.RestartWindow {
		rec.info.RestartCount = 0
	}
	rec.info.RestartCount++
	count := rec.info.RestartCount
	if count > s.opts.MaxRestarts {
		s.setStatus(rec, types.StatusFailed)
		s.mu.Unlock()
		msg := fmt.Sprintf("crashed %d times in a row, giving up", count)
		logger.Errorf("supervisor: %s %s: %s", asset, msg, info.Error)
		s.event(ctx, asset, eventlog.KindAgentFailed, msg, map[string]any{"code": info.Code, "error": info.Error})
		s.notify(ctx, "🛑", asset, "agent FAILED", msg, "last error: "+info.Error, "需要人工 start/enable 才会重新启动")
		return
	}
	s.setStatus(rec, types.StatusCrashed)
	backoff := s.opts.RestartBackoff
	for i := 1; i < count; i++ {
		backoff = scheduler.Backoff(backoff, s.opts.RestartBackoff, s.opts.MaxBackoff)
	}
	rec.cancelRestart = s.afterFunc(backoff, func() { s.restart(asset, gen) })
	s.mu.Unlock()

	s.deps.Metrics.IncRestart(asset)
	logger.Warnf("supervisor: %s 异常退出 code=%d err=%s，%s 后第 %d 次重启", asset, info.Code, info.Error, backoff, count)
	s.event(ctx, asset, eventlog.KindLifecycle, "crashed", map[string]any{
		"code":          info.Code,
		"error":         info.Error,
		"restart_count": count,
		"backoff":       backoff.String(),
	})
}

func (s *Supervisor) restart(asset string, gen int) {
	s.mu.Lock()
	rec := s.agents[asset]
	if rec == nil || rec.gen != gen || rec.info.Status != types.StatusCrashed {
		s.mu.Unlock()
		return
	}
	rec.cancelRestart = nil
	err := s.launchLocked(context.Background(), rec)
	newGen := rec.gen
	s.mu.Unlock()
	if err != nil {
		s.handleExit(context.Background(), asset, newGen, types.ExitInfo{Code: -1, Error: err.Error(), At: s.nowFn()})
	}
}

// StopAgent stops asset and waits until the exit is observed. Stopping an agent
// that is not running only cancels a pending restart.
func (s *Supervisor) StopAgent(ctx context.Context, asset, reason string) error {
	s.mu.Lock()
	rec, asset, err := s.record(asset)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if rec.cancelRestart != nil {
		rec.cancelRestart()
		rec.cancelRestart = nil
		if rec.info.Status == types.StatusCrashed {
			s.setStatus(rec, types.StatusStopped)
		}
	}
	proc, exited := rec.proc, rec.exited
	if proc == nil {
		s.mu.Unlock()
		return nil
	}
	if rec.info.Status != types.StatusStopping {
		rec.expectedStop = true
		rec.stopReason = reason
		s.setStatus(rec, types.StatusStopping)
		logger.Infof("supervisor: 停止 %s (%s)", asset, reason)
		if err := proc.Terminate(); err != nil {
			logger.Warnf("supervisor: 向 %s 发送终止信号失败: %v", asset, err)
		}
	}
	s.mu.Unlock()

	timer := time.NewTimer(s.opts.StopTimeout)
	defer timer.Stop()
	select {
	case <-exited:
		return nil
	case <-timer.C:
		logger.Warnf("supervisor: %s 未在 %s 内退出，强制结束", asset, s.opts.StopTimeout)
		if err := proc.Kill(); err != nil {
			logger.Warnf("supervisor: kill %s 失败: %v", asset, err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) aliveAssets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, asset := range s.order {
		if s.agents[asset].proc != nil {
			out = append(out, asset)
		}
	}
	return out
}

// stopAll stops every running agent concurrently.
func (s *Supervisor) stopAll(ctx context.Context, reason string) []string {
	assets := s.aliveAssets()
	g, gctx := errgroup.WithContext(ctx)
	for _, asset := range assets {
		asset := asset
		g.Go(func() error {
			if err := s.StopAgent(gctx, asset, reason); err != nil {
				logger.Errorf("supervisor: 停止 %s 失败: %v", asset, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	// 同时取消所有等待中的重启
	for _, asset := range s.order {
		_ = s.StopAgent(ctx, asset, reason)
	}
	return assets
}

// Enable clears the manual disable flag and starts the agent.
func (s *Supervisor) Enable(ctx context.Context, asset string) error {
	s.mu.Lock()
	rec, asset, err := s.record(asset)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	rec.manualDisabled = false
	rec.info.Enabled = true
	s.mu.Unlock()
	if err := s.deps.KV.Delete(ctx, store.DisabledKey(asset)); err != nil {
		return fmt.Errorf("clear disabled flag: %w", err)
	}
	s.event(ctx, asset, eventlog.KindLifecycle, "enabled", nil)
	return s.StartAgent(ctx, asset)
}

// Disable persists the manual disable flag and stops the agent. Regime ENABLE
// rules never start a manually disabled agent.
func (s *Supervisor) Disable(ctx context.Context, asset, reason string) error {
	s.mu.Lock()
	rec, asset, err := s.record(asset)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	rec.manualDisabled = true
	rec.info.Enabled = false
	s.mu.Unlock()
	if reason == "" {
		reason = "disabled by operator"
	}
	flag := map[string]any{"reason": reason, "at": s.nowFn()}
	if err := store.PutJSON(ctx, s.deps.KV, store.DisabledKey(asset), flag); err != nil {
		return fmt.Errorf("persist disabled flag: %w", err)
	}
	s.event(ctx, asset, eventlog.KindLifecycle, "disabled: "+reason, nil)
	return s.StopAgent(ctx, asset, reason)
}
