package backtest

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"btlab/internal/config"
	"btlab/internal/logger"
	"btlab/internal/market"
	"btlab/internal/profile"
	"btlab/internal/signalio"
	"btlab/internal/strategy"

	"github.com/google/uuid"
)

// SourceFactory 根据 run 配置构造一个决策源。
type SourceFactory func(cfg RunConfig) (strategy.DecisionSource, error)

// ProfileSource 按 ID 提供命名参数 profile。*profile.Registry 满足该接口。
type ProfileSource interface {
	Profile(id string) (profile.Profile, bool)
}

// SimulatorConfig 配置 Simulator。
type SimulatorConfig struct {
	Store         *ResultStore
	Loader        market.Loader
	Engine        config.EngineConfig
	Profiles      ProfileSource
	SignalDir     string
	MaxConcurrent int
}

// Simulator 管理模拟任务的提交与异步执行。
type Simulator struct {
	store     *ResultStore
	loader    market.Loader
	engine    config.EngineConfig
	profiles  ProfileSource
	signalDir string

	sem chan struct{}

	mu        sync.RWMutex
	factories map[string]SourceFactory

	baseCtx context.Context
}

func NewSimulator(cfg SimulatorConfig) (*Simulator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("result store 不能为空")
	}
	if cfg.Loader == nil {
		return nil, fmt.Errorf("数据加载器不能为空")
	}
	if err := cfg.Engine.Validate(); err != nil {
		return nil, err
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Simulator{
		store:     cfg.Store,
		loader:    cfg.Loader,
		engine:    cfg.Engine,
		profiles:  cfg.Profiles,
		signalDir: cfg.SignalDir,
		sem:       make(chan struct{}, maxConcurrent),
		factories: make(map[string]SourceFactory),
		baseCtx:   context.Background(),
	}, nil
}

// SetContext 注入宿主 ctx，用于任务取消。
func (s *Simulator) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

func (s *Simulator) ctx() context.Context {
	if s.baseCtx == nil {
		return context.Background()
	}
	return s.baseCtx
}

// Store 暴露底层结果库，供查询接口复用。
func (s *Simulator) Store() *ResultStore {
	return s.store
}

// RegisterSource 注册一个命名策略工厂，重名覆盖。
func (s *Simulator) RegisterSource(name string, factory SourceFactory) {
	if name == "" || factory == nil {
		return
	}
	s.mu.Lock()
	s.factories[strings.ToLower(name)] = factory
	s.mu.Unlock()
}

// StartRun 校验请求并异步启动模拟，立即返回 pending 状态的 Run。
func (s *Simulator) StartRun(req RunRequest) (Run, error) {
	if req.Symbol == "" {
		return Run{}, fmt.Errorf("symbol 不能为空")
	}
	tf, err := ParseTimeframe(req.Timeframe)
	if err != nil {
		return Run{}, err
	}
	engine := s.engine
	if req.Engine != nil {
		engine = *req.Engine
	}
	profileID := strings.TrimSpace(req.Profile)
	if profileID != "" {
		if s.profiles == nil {
			return Run{}, fmt.Errorf("profile registry 未启用")
		}
		prof, ok := s.profiles.Profile(profileID)
		if !ok {
			return Run{}, fmt.Errorf("未知 profile: %s", profileID)
		}
		engine, err = prof.Apply(engine)
		if err != nil {
			return Run{}, err
		}
	}
	if err := engine.Validate(); err != nil {
		return Run{}, err
	}
	strategyName := strings.ToLower(req.Strategy)
	if strategyName == "" {
		if req.SignalFile == "" {
			return Run{}, fmt.Errorf("strategy 与 signal_file 至少提供一个")
		}
		strategyName = "replay"
	}
	if strategyName == "replay" && req.SignalFile == "" {
		return Run{}, fmt.Errorf("replay 策略需要 signal_file")
	}

	cfg := RunConfig{
		Symbol:    strings.ToUpper(req.Symbol),
		Timeframe: tf.Key,
		StartTS:   req.StartTS,
		EndTS:     req.EndTS,
		Strategy:  strategyName,
		Profile:   profileID,
		Engine:    engine,
	}
	run := Run{
		ID:        uuid.NewString(),
		Symbol:    cfg.Symbol,
		Timeframe: cfg.Timeframe,
		Strategy:  cfg.Strategy,
		Status:    RunStatusPending,
		StartTS:   cfg.StartTS,
		EndTS:     cfg.EndTS,
		Config:    cfg,
	}
	if err := s.store.InsertRun(s.ctx(), &run); err != nil {
		return Run{}, err
	}
	logger.Infof("[backtest] 任务 %s 提交：%s %s [%d,%d] strategy=%s",
		run.ID, cfg.Symbol, cfg.Timeframe, cfg.StartTS, cfg.EndTS, cfg.Strategy)

	go s.runLoop(run.ID, cfg, tf, req.SignalFile)
	return run, nil
}

func (s *Simulator) runLoop(runID string, cfg RunConfig, tf Timeframe, signalFile string) {
	select {
	case s.sem <- struct{}{}:
	case <-s.ctx().Done():
		s.fail(runID, "服务已关闭")
		return
	}
	defer func() { <-s.sem }()

	ctx := s.ctx()
	if err := s.store.UpdateRunStatus(ctx, runID, RunStatusRunning, ""); err != nil {
		logger.Warnf("[backtest] 任务 %s 更新状态失败: %v", runID, err)
	}

	candles, err := s.loader.Load(ctx, cfg.Symbol, cfg.Timeframe, cfg.StartTS, cfg.EndTS)
	if err != nil {
		s.fail(runID, fmt.Sprintf("加载 K 线失败: %v", err))
		return
	}
	src, err := s.resolveSource(cfg, signalFile)
	if err != nil {
		s.fail(runID, err.Error())
		return
	}
	bt, err := NewBacktester(cfg.Engine, tf)
	if err != nil {
		s.fail(runID, err.Error())
		return
	}
	result, err := bt.Run(ctx, candles, src)
	if err != nil {
		s.fail(runID, fmt.Sprintf("模拟失败: %v", err))
		return
	}
	if err := s.store.SaveResult(ctx, runID, result); err != nil {
		s.fail(runID, fmt.Sprintf("结果落库失败: %v", err))
		return
	}
	logger.Infof("[backtest] 任务 %s 完成：trades=%d anomalies=%d total_return=%.4f",
		runID, len(result.Trades), len(result.Anomalies), result.Metrics.TotalReturn)
}

func (s *Simulator) resolveSource(cfg RunConfig, signalFile string) (strategy.DecisionSource, error) {
	if cfg.Strategy == "replay" {
		path := signalFile
		if !filepath.IsAbs(path) && s.signalDir != "" {
			path = filepath.Join(s.signalDir, path)
		}
		signals, err := signalio.ReadSignals(path)
		if err != nil {
			return nil, fmt.Errorf("读取信号文件失败: %w", err)
		}
		return strategy.NewReplaySource(signals), nil
	}
	s.mu.RLock()
	factory := s.factories[cfg.Strategy]
	s.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("未知策略: %s", cfg.Strategy)
	}
	return factory(cfg)
}

func (s *Simulator) fail(runID, message string) {
	logger.Errorf("[backtest] 任务 %s 失败: %s", runID, message)
	if err := s.store.UpdateRunStatus(s.ctx(), runID, RunStatusFailed, message); err != nil {
		logger.Warnf("[backtest] 任务 %s 写失败状态出错: %v", runID, err)
	}
}
