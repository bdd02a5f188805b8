package app

import (
	"context"
	"fmt"

	"tokenguard/internal/config"
	"tokenguard/internal/logger"
	"tokenguard/internal/supervisor"
	controlhttp "tokenguard/internal/transport/http/control"
	"tokenguard/internal/types"

	"golang.org/x/sync/errgroup"
)

// App 负责 supervisor 进程的编排：加载依赖 → 启动 agent → 提供控制接口。
type App struct {
	cfg     *config.Config
	sup     *supervisor.Supervisor
	http    *controlhttp.Server
	closers []func() error
	Summary *StartupSummary
}

// NewApp 根据配置构建 supervisor 应用（不启动）。
func NewApp(ctx context.Context, cfg *config.Config, opts ...AppBuilderOption) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	return NewAppBuilder(cfg, opts...).Build(ctx)
}

// Run 启动 supervisor 与控制接口，直到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.sup == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()
	if a.Summary != nil {
		a.Summary.Print()
	}

	group, gctx := errgroup.WithContext(ctx)
	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(gctx); err != nil {
				return fmt.Errorf("control http server error: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		return a.sup.Run(gctx)
	})
	return group.Wait()
}

// Supervisor exposes the underlying supervisor (for tests and embedding).
func (a *App) Supervisor() *supervisor.Supervisor {
	if a == nil {
		return nil
	}
	return a.sup
}

// Close releases stores and log files in reverse build order.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

// RunAgent builds the agent for asset and runs it until ctx ends. It is the
// body of the `tokenguard agent` subcommand.
func RunAgent(ctx context.Context, cfg *config.Config, asset string, mode types.AgentMode, opts ...AppBuilderOption) error {
	b := NewAppBuilder(cfg, opts...)
	ag, closeFn, err := b.BuildAgent(ctx, asset, mode)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeFn(); err != nil {
			logger.Warnf("agent %s 关闭资源失败: %v", asset, err)
		}
	}()
	return ag.Run(ctx)
}
