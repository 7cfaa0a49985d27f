package app

import (
	"context"
	"fmt"

	"btlab/internal/backtest"
	btcfg "btlab/internal/config"
	"btlab/internal/logger"
	"btlab/internal/profile"
	"btlab/internal/store/sqlite"
	backtesthttp "btlab/internal/transport/http/backtest"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→启动模拟与查询服务。
type App struct {
	cfg      *btcfg.Config
	sim      *backtest.Simulator
	results  *backtest.ResultStore
	signals  *sqlite.SqliteStore
	profiles *profile.Registry
	server   *backtesthttp.Server
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *btcfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 启动 HTTP 服务并阻塞到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	a.sim.SetContext(ctx)

	group, ctx := errgroup.WithContext(ctx)
	if a.server != nil {
		group.Go(func() error {
			if err := a.server.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	} else {
		logger.Warnf("HTTP 服务未启用，应用仅保持后台任务运行")
		group.Go(func() error {
			<-ctx.Done()
			return nil
		})
	}
	err := group.Wait()
	a.Close()
	return err
}

// Close 释放持久化资源。
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.results != nil {
		if err := a.results.Close(); err != nil {
			logger.Warnf("关闭结果库失败: %v", err)
		}
	}
	if a.signals != nil {
		if err := a.signals.Close(); err != nil {
			logger.Warnf("关闭信号库失败: %v", err)
		}
	}
}

// Simulator 暴露模拟器实例（测试与脚本使用）。
func (a *App) Simulator() *backtest.Simulator {
	if a == nil {
		return nil
	}
	return a.sim
}

// Profiles 暴露参数 profile registry，未配置时为 nil。
func (a *App) Profiles() *profile.Registry {
	if a == nil {
		return nil
	}
	return a.profiles
}
