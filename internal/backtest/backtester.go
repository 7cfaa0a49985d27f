package backtest

import (
	"context"
	"strings"

	"btlab/internal/config"
	"btlab/internal/logger"
	"btlab/internal/market"
	"btlab/internal/pkg/fmath"
	"btlab/internal/pkg/trading"
	"btlab/internal/regime"
	"btlab/internal/signalio"
	"btlab/internal/sizing"
	"btlab/internal/strategy"
)

// Backtester 是事件驱动的回测状态机：FLAT ⇄ LONG，单仓位，逐根顺序推进。
// 一次 Run 独占自己的 Position/Trade/EquityPoint 数据，天然可并行多实例。
type Backtester struct {
	cfg        config.EngineConfig
	classifier *regime.Classifier
	sizer      *sizing.KellySizer
	tf         Timeframe
}

// NewBacktester 构造回测器。配置越界立即返回 ConfigError。
func NewBacktester(cfg config.EngineConfig, tf Timeframe) (*Backtester, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	classifier, err := regime.NewClassifier(regime.Config{
		Window:   cfg.RegimeWindow,
		Lookback: cfg.RegimeLookback,
	})
	if err != nil {
		return nil, config.NewConfigError("regime classifier: %v", err)
	}
	b := &Backtester{cfg: cfg, classifier: classifier, tf: tf}
	if cfg.KellyEnabled {
		sizer, err := sizing.NewKellySizer(sizing.KellyConfig{
			Fraction:  cfg.KellyFraction,
			Cap:       cfg.KellyFractionCap,
			MinSample: cfg.KellyMinSample,
			Fallback:  cfg.KellyFallback,
		})
		if err != nil {
			return nil, config.NewConfigError("kelly sizer: %v", err)
		}
		b.sizer = sizer
	}
	return b, nil
}

// position 是唯一的持仓状态。任意时刻最多存在一个。
type position struct {
	entryPrice  float64 // 滑点调整后的成交价
	entryTime   int64
	entryIdx    int
	qty         float64
	entryQty    float64
	entryFee    float64
	fraction    float64
	regimeEntry regime.Label
}

type runState struct {
	cash      float64
	pos       *position
	trades    []Trade
	curve     []EquityPoint
	signals   []signalio.Signal
	anomalies []Anomaly
	rolling   *sizing.Rolling
}

// Run 执行一次完整模拟：严格按序消费每根 K 线，循环内无任何 I/O。
// 序列不合法返回 DataError；决策异常只降级记录，绝不中断。
func (b *Backtester) Run(ctx context.Context, candles []market.Candle, src strategy.DecisionSource) (*Result, error) {
	if err := market.ValidateSeries(candles); err != nil {
		return nil, err
	}
	// 阈值按本序列的回看分位数重新标定；样本不足 warmup 时沿用默认阈值。
	if err := b.classifier.Calibrate(candles); err != nil {
		logger.Debugf("[backtest] 阈值标定跳过，沿用默认阈值: %v", err)
	}
	labels, err := b.classifier.ClassifyAll(candles)
	if err != nil {
		return nil, err
	}

	state := &runState{
		cash:    b.cfg.InitialCapital,
		rolling: sizing.NewRolling(0),
	}

	for i, candle := range candles {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		action, err := src.Decide(ctx, candles, i)
		if err != nil {
			state.recordAnomaly(candle.CloseTime, AnomalyDecisionError, err.Error())
			state.markToMarket(candle)
			continue
		}

		switch strategy.ActionKind(strings.ToLower(string(action.Kind))) {
		case strategy.Buy:
			b.handleBuy(state, candle, i, action, labels[i])
		case strategy.Sell:
			b.handleSell(state, candle, i, action, labels[i])
		default:
			// hold：无动作
		}
		state.markToMarket(candle)
	}

	metrics := ComputeMetrics(state.curve, state.trades, b.cfg.InitialCapital, b.tf.PeriodsPerYear())
	return &Result{
		Trades:      state.trades,
		EquityCurve: state.curve,
		Metrics:     metrics,
		Signals:     state.signals,
		Anomalies:   state.anomalies,
	}, nil
}

// handleBuy 处理 FLAT→LONG。顺序固定：先滑点调成交价，再按调整后名义额收手续费。
func (b *Backtester) handleBuy(state *runState, candle market.Candle, idx int, action strategy.Action, label regime.Label) {
	if state.pos != nil {
		state.recordAnomaly(candle.CloseTime, AnomalyBuyWhileLong, action.Reason)
		return
	}
	fraction := clampFraction(action.Fraction)
	if b.sizer != nil {
		if k := b.sizer.Size(state.rolling.Stats()); k < fraction {
			fraction = k
		}
	}
	committed := fraction * state.cash
	if committed <= 0 || fmath.LT(committed, b.cfg.MinOrderAmount) {
		state.recordAnomaly(candle.CloseTime, AnomalyBelowMinOrder, action.Reason)
		return
	}
	fill := candle.Close * (1 + b.cfg.Slippage)
	qty := committed / fill
	fee := committed * b.cfg.FeeRate
	state.cash -= committed + fee

	state.pos = &position{
		entryPrice:  fill,
		entryTime:   candle.CloseTime,
		entryIdx:    idx,
		qty:         qty,
		entryQty:    qty,
		entryFee:    fee,
		fraction:    fraction,
		regimeEntry: label,
	}
	state.recordSignal(candle.CloseTime, signalio.ActionBuy, fraction, label, action.Reason)
	logger.Debugf("[backtest] buy ts=%d fill=%.6f qty=%.8f fee=%.4f", candle.CloseTime, fill, qty, fee)
}

// handleSell 处理 LONG→FLAT（或部分平仓）。pnl 扣掉出场手续费与按比例分摊的进场手续费。
func (b *Backtester) handleSell(state *runState, candle market.Candle, idx int, action strategy.Action, label regime.Label) {
	pos := state.pos
	if pos == nil {
		state.recordAnomaly(candle.CloseTime, AnomalySellWhileFlat, action.Reason)
		return
	}
	fraction := clampFraction(action.Fraction)
	exitQty, full := trading.ExitQuantity(pos.qty, fraction)
	if exitQty <= 0 {
		state.recordAnomaly(candle.CloseTime, AnomalyBelowMinOrder, action.Reason)
		return
	}
	fill := candle.Close * (1 - b.cfg.Slippage)
	proceeds := exitQty * fill
	if !full && fmath.LT(proceeds, b.cfg.MinOrderAmount) {
		// 部分平仓太小拒掉；全平不受最小单限制，避免尾仓锁死。
		state.recordAnomaly(candle.CloseTime, AnomalyBelowMinOrder, action.Reason)
		return
	}
	fee := proceeds * b.cfg.FeeRate
	state.cash += proceeds - fee

	entryFeeShare := pos.entryFee * (exitQty / pos.entryQty)
	feesPaid := fee + entryFeeShare
	pnlAbs := (fill-pos.entryPrice)*exitQty - feesPaid
	pnlPct := pnlAbs / (pos.entryPrice * exitQty)

	exitReason := action.Reason
	if exitReason == "" {
		exitReason = "signal"
	}
	trade := Trade{
		EntryTime:     pos.entryTime,
		EntryPrice:    pos.entryPrice,
		ExitTime:      candle.CloseTime,
		ExitPrice:     fill,
		Quantity:      exitQty,
		PnLPct:        pnlPct,
		PnLAbs:        pnlAbs,
		HoldingBars:   idx - pos.entryIdx,
		ExitReason:    exitReason,
		FeesPaid:      feesPaid,
		RegimeAtEntry: pos.regimeEntry,
	}
	state.trades = append(state.trades, trade)
	state.rolling.Observe(pnlPct)

	if full {
		state.pos = nil
	} else {
		pos.qty -= exitQty
	}
	state.recordSignal(candle.CloseTime, signalio.ActionSell, fraction, label, action.Reason)
	logger.Debugf("[backtest] sell ts=%d fill=%.6f qty=%.8f pnl=%.4f", candle.CloseTime, fill, exitQty, pnlAbs)
}

func (s *runState) markToMarket(candle market.Candle) {
	posValue := 0.0
	if s.pos != nil {
		posValue = s.pos.qty * candle.Close
	}
	s.curve = append(s.curve, EquityPoint{
		Timestamp:     candle.CloseTime,
		Cash:          s.cash,
		PositionValue: posValue,
		TotalEquity:   s.cash + posValue,
	})
}

func (s *runState) recordAnomaly(ts int64, kind, reason string) {
	s.anomalies = append(s.anomalies, Anomaly{Timestamp: ts, Kind: kind, Reason: reason})
}

func (s *runState) recordSignal(ts int64, action string, fraction float64, label regime.Label, reason string) {
	s.signals = append(s.signals, signalio.Signal{
		Timestamp: ts,
		Action:    action,
		Fraction:  fraction,
		Regime:    string(label),
		Reason:    reason,
	})
}

func clampFraction(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
