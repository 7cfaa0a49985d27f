package app

import (
	"context"
	"fmt"

	"btlab/internal/backtest"
	btcfg "btlab/internal/config"
	"btlab/internal/market"
	"btlab/internal/profile"
	"btlab/internal/store/sqlite"
	backtesthttp "btlab/internal/transport/http/backtest"
)

// AppBuilder 按配置逐层组装依赖，各构造函数可在测试中替换。
type AppBuilder struct {
	cfg *btcfg.Config

	loaderFn     func(dir string) (market.Loader, error)
	resultsFn    func(dir string) (*backtest.ResultStore, error)
	signalsFn    func(path string) (*sqlite.SqliteStore, error)
	simulatorFn  func(backtest.SimulatorConfig) (*backtest.Simulator, error)
	profilesFn   func(path string) (*profile.Registry, error)
	httpServerFn func(backtesthttp.Config) (*backtesthttp.Server, error)
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *btcfg.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg: cfg,
		loaderFn: func(dir string) (market.Loader, error) {
			return market.NewFileLoader(dir)
		},
		resultsFn:    backtest.NewResultStore,
		signalsFn:    sqlite.NewSqliteStore,
		simulatorFn:  backtest.NewSimulator,
		profilesFn:   profile.NewRegistry,
		httpServerFn: backtesthttp.NewServer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := b.cfg
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if err := cfg.Engine.Validate(); err != nil {
		return nil, err
	}

	loader, err := b.loaderFn(cfg.Data.CandleDir)
	if err != nil {
		return nil, fmt.Errorf("初始化 K 线加载器失败: %w", err)
	}
	results, err := b.resultsFn(cfg.Data.ResultDir)
	if err != nil {
		return nil, fmt.Errorf("初始化结果库失败: %w", err)
	}
	signals, err := b.signalsFn(cfg.Data.SignalDB)
	if err != nil {
		return nil, fmt.Errorf("初始化信号库失败: %w", err)
	}
	var profiles *profile.Registry
	if cfg.Data.Profiles != "" {
		profiles, err = b.profilesFn(cfg.Data.Profiles)
		if err != nil {
			return nil, fmt.Errorf("初始化 profile registry 失败: %w", err)
		}
	}

	simCfg := backtest.SimulatorConfig{
		Store:         results,
		Loader:        loader,
		Engine:        cfg.Engine,
		SignalDir:     cfg.Data.SignalDir,
		MaxConcurrent: cfg.Batch.MaxConcurrent,
	}
	if profiles != nil {
		simCfg.Profiles = profiles
	}
	sim, err := b.simulatorFn(simCfg)
	if err != nil {
		return nil, fmt.Errorf("初始化模拟器失败: %w", err)
	}

	var server *backtesthttp.Server
	if cfg.Server.Enabled {
		server, err = b.httpServerFn(backtesthttp.Config{
			Addr:      cfg.Server.Addr,
			Simulator: sim,
			Results:   results,
			Signals:   signals,
			Loader:    loader,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化 HTTP 服务失败: %w", err)
		}
	}

	return &App{
		cfg:      cfg,
		sim:      sim,
		results:  results,
		signals:  signals,
		profiles: profiles,
		server:   server,
	}, nil
}
