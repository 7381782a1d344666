package app

import (
	"context"
	"fmt"

	"ballast/internal/config"
	"ballast/internal/logger"
	"ballast/internal/returns"
	"ballast/internal/scheduler"
	"ballast/internal/store"
	opshttp "ballast/internal/transport/http/ops"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→装配依赖→按调度执行调仓。
type App struct {
	cfg     *config.Config
	runner  *Runner
	opsHTTP *opshttp.Server
	returns *returns.Store
	runs    *store.Store
	Summary *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *config.Config, opts ...AppBuilderOption) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	return buildAppWithWire(context.Background(), cfg, opts...)
}

// RunOnce 立即执行一次调仓，run 子命令用。
func (a *App) RunOnce(ctx context.Context) (RunResult, error) {
	if a == nil || a.runner == nil {
		return RunResult{}, fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	return a.runner.RunOnce(ctx)
}

// Run 以守护进程方式运行：每日定时调仓 + ops HTTP。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}

	hour, minute, err := a.cfg.Schedule.ParseRunAt()
	if err != nil {
		return fmt.Errorf("解析 schedule.run_at_utc 失败: %w", err)
	}

	group, ctx := errgroup.WithContext(ctx)

	if a.opsHTTP != nil {
		group.Go(func() error {
			if err := a.opsHTTP.Start(ctx); err != nil {
				return fmt.Errorf("ops http server error: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		sched := scheduler.NewDailyScheduler(ctx, hour, minute, a.cfg.Schedule.TradeWeekends)
		sched.Start(func() {
			if _, err := a.runner.RunOnce(ctx); err != nil {
				logger.Errorf("本次调仓失败（守护进程继续等下一班）: %v", err)
			}
		})
		return nil
	})

	return group.Wait()
}

// Close 释放底层存储，run 子命令结束时调用。
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.returns != nil {
		if err := a.returns.Close(); err != nil {
			logger.Warnf("关闭收益序列库失败: %v", err)
		}
	}
	if a.runs != nil {
		if err := a.runs.Close(); err != nil {
			logger.Warnf("关闭运行历史库失败: %v", err)
		}
	}
}
