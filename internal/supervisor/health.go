package supervisor

import (
	"context"
	"errors"

	"tokenguard/internal/logger"
	"tokenguard/internal/scheduler"
	"tokenguard/internal/store"
	"tokenguard/internal/store/eventlog"
	"tokenguard/internal/types"

	"golang.org/x/sync/errgroup"
)

func (s *Supervisor) loops(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.NewLoop("supervisor:health", s.opts.HealthInterval).Run(gctx, s.CheckHealth)
	})
	if s.deps.Classifier != nil {
		g.Go(func() error {
			return scheduler.NewLoop("supervisor:regime", s.opts.RegimeInterval).Run(gctx, func(ctx context.Context) {
				if _, err := s.ApplyRegimeRules(ctx); err != nil && ctx.Err() == nil {
					logger.Errorf("supervisor: regime 周期失败: %v", err)
				}
			})
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// CheckHealth promotes RUNNING agents to HEALTHY on the first heartbeat written
// after their start, and demotes HEALTHY agents whose heartbeat went stale.
func (s *Supervisor) CheckHealth(ctx context.Context) {
	now := s.nowFn()
	for _, asset := range s.aliveAssets() {
		var hb types.Heartbeat
		err := store.GetJSON(ctx, s.deps.KV, store.HeartbeatKey(asset), &hb)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Warnf("supervisor: 读取 %s 心跳失败: %v", asset, err)
			continue
		}

		s.mu.Lock()
		rec := s.agents[asset]
		if rec.proc == nil {
			s.mu.Unlock()
			continue
		}
		fresh := err == nil && !hb.At.Before(rec.info.StartTime) && now.Sub(hb.At) <= s.opts.HeartbeatStale
		if err == nil && !hb.At.Before(rec.info.StartTime) {
			rec.info.LastHeartbeat = hb.At
		}
		var transition string
		switch {
		case fresh && rec.info.Status == types.StatusRunning:
			s.setStatus(rec, types.StatusHealthy)
			rec.staleNotified = false
			transition = "healthy"
		case !fresh && rec.info.Status == types.StatusHealthy:
			s.setStatus(rec, types.StatusRunning)
			transition = "heartbeat stale"
		}
		notifyStale := transition == "heartbeat stale" && !rec.staleNotified
		if notifyStale {
			rec.staleNotified = true
		}
		last := rec.info.LastHeartbeat
		s.mu.Unlock()

		if transition == "" {
			continue
		}
		logger.Infof("supervisor: %s %s (last heartbeat %s)", asset, transition, last.Format("15:04:05"))
		s.event(ctx, asset, eventlog.KindLifecycle, transition, map[string]any{"last_heartbeat": last})
		if notifyStale {
			s.notify(ctx, "⚠️", asset, "heartbeat stale", "last heartbeat: "+last.Format("2006-01-02 15:04:05"))
		}
	}
}
