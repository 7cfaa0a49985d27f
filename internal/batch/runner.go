// Package batch 并行评估一组互相独立的模拟配置。
package batch

import (
	"context"
	"fmt"

	"btlab/internal/backtest"
	"btlab/internal/config"
	"btlab/internal/logger"
	"btlab/internal/market"
	"btlab/internal/signalio"
	"btlab/internal/strategy"

	"golang.org/x/sync/errgroup"
)

// Item 是一次独立模拟的完整输入。
type Item struct {
	Name       string
	Symbol     string
	Timeframe  string
	StartTS    int64
	EndTS      int64
	SignalFile string
	Source     strategy.DecisionSource
	Engine     *config.EngineConfig
}

// Outcome 汇报单个 Item 的结果；失败不影响同批其它项。
type Outcome struct {
	Name   string
	Result *backtest.Result
	Err    error
}

// Runner 用固定并发度跑一批模拟。
type Runner struct {
	loader        market.Loader
	engine        config.EngineConfig
	maxConcurrent int
}

func NewRunner(loader market.Loader, engine config.EngineConfig, maxConcurrent int) (*Runner, error) {
	if loader == nil {
		return nil, fmt.Errorf("数据加载器不能为空")
	}
	if err := engine.Validate(); err != nil {
		return nil, err
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	return &Runner{loader: loader, engine: engine, maxConcurrent: maxConcurrent}, nil
}

// Run 并行执行全部 Item，按输入顺序返回结果。
// 单项失败记录在 Outcome.Err 上；只有 ctx 取消会让整批提前返回。
func (r *Runner) Run(ctx context.Context, items []Item) ([]Outcome, error) {
	out := make([]Outcome, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxConcurrent)
	for i, item := range items {
		i, item := i, item
		out[i].Name = item.Name
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				out[i].Err = err
				return err
			}
			res, err := r.runOne(gctx, item)
			if err != nil {
				logger.Warnf("[batch] %s 失败: %v", item.Name, err)
				out[i].Err = err
				return nil
			}
			out[i].Result = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

func (r *Runner) runOne(ctx context.Context, item Item) (*backtest.Result, error) {
	tf, err := backtest.ParseTimeframe(item.Timeframe)
	if err != nil {
		return nil, err
	}
	engine := r.engine
	if item.Engine != nil {
		engine = *item.Engine
	}
	src := item.Source
	if src == nil {
		if item.SignalFile == "" {
			return nil, fmt.Errorf("item %s 缺少决策源", item.Name)
		}
		signals, err := signalio.ReadSignals(item.SignalFile)
		if err != nil {
			return nil, err
		}
		src = strategy.NewReplaySource(signals)
	}
	candles, err := r.loader.Load(ctx, item.Symbol, item.Timeframe, item.StartTS, item.EndTS)
	if err != nil {
		return nil, err
	}
	bt, err := backtest.NewBacktester(engine, tf)
	if err != nil {
		return nil, err
	}
	return bt.Run(ctx, candles, src)
}
