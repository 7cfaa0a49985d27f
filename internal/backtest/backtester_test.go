package backtest

import (
	"context"
	"errors"
	"testing"

	"btlab/internal/config"
	"btlab/internal/market"
	"btlab/internal/regime"
	"btlab/internal/strategy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dayMillis = int64(24 * 60 * 60 * 1000)

func testEngine() config.EngineConfig {
	return config.EngineConfig{
		InitialCapital: 10_000,
		FeeRate:        0.0005,
		Slippage:       0,
		MinOrderAmount: 0,
		KellyEnabled:   false,
		KellyFraction:  0.25, KellyFractionCap: 1, KellyMinSample: 10, KellyFallback: 0.1,
		RegimeWindow: 2, RegimeLookback: 100, ReproductionToleranceBars: 1,
	}
}

func constantCandles(n int, price float64) []market.Candle {
	candles := make([]market.Candle, n)
	for i := range candles {
		candles[i] = market.Candle{
			OpenTime:  int64(i) * dayMillis,
			CloseTime: int64(i+1) * dayMillis,
			Open:      price, High: price, Low: price, Close: price,
			Volume: 100,
		}
	}
	return candles
}

// scripted 按下标回放固定决策表，表外一律观望。
func scripted(actions map[int]strategy.Action) strategy.DecisionSource {
	return strategy.Func(func(_ context.Context, _ []market.Candle, idx int) (strategy.Action, error) {
		if a, ok := actions[idx]; ok {
			return a, nil
		}
		return strategy.HoldAction(""), nil
	})
}

func mustTimeframe(t *testing.T, key string) Timeframe {
	t.Helper()
	tf, err := ParseTimeframe(key)
	require.NoError(t, err)
	return tf
}

func TestNewBacktesterRejectsBadConfig(t *testing.T) {
	cfg := testEngine()
	cfg.FeeRate = 0.5
	_, err := NewBacktester(cfg, mustTimeframe(t, "1d"))
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))
}

func TestRunRejectsBadSeries(t *testing.T) {
	bt, err := NewBacktester(testEngine(), mustTimeframe(t, "1d"))
	require.NoError(t, err)

	_, err = bt.Run(context.Background(), nil, scripted(nil))
	assert.True(t, market.IsDataError(err))

	candles := constantCandles(10, 100)
	candles[5].CloseTime = candles[4].CloseTime
	_, err = bt.Run(context.Background(), candles, scripted(nil))
	assert.True(t, market.IsDataError(err))
}

// 无滑点时平价往返的亏损恰好等于两侧手续费。
func TestRoundTripAtConstantPriceLosesExactlyFees(t *testing.T) {
	cfg := testEngine()
	bt, err := NewBacktester(cfg, mustTimeframe(t, "1d"))
	require.NoError(t, err)

	candles := constantCandles(10, 100)
	res, err := bt.Run(context.Background(), candles, scripted(map[int]strategy.Action{
		5: {Kind: strategy.Buy, Fraction: 0.5},
		6: {Kind: strategy.Sell, Fraction: 1.0},
	}))
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Empty(t, res.Anomalies)

	trade := res.Trades[0]
	committed := 0.5 * cfg.InitialCapital
	entryFee := committed * cfg.FeeRate
	exitFee := committed * cfg.FeeRate
	assert.InDelta(t, -(entryFee + exitFee), trade.PnLAbs, 1e-6)
	assert.InDelta(t, entryFee+exitFee, trade.FeesPaid, 1e-6)
	assert.Equal(t, 1, trade.HoldingBars)

	final := res.EquityCurve[len(res.EquityCurve)-1].TotalEquity
	assert.InDelta(t, cfg.InitialCapital-(entryFee+exitFee), final, 1e-6)
	assert.InDelta(t, final/cfg.InitialCapital-1, res.Metrics.TotalReturn, 1e-9)
}

// 上涨行情：滑点先调成交价，手续费按调整后的名义额收取。
func TestProfitableTradeAccounting(t *testing.T) {
	cfg := testEngine()
	cfg.Slippage = 0.001
	bt, err := NewBacktester(cfg, mustTimeframe(t, "1d"))
	require.NoError(t, err)

	candles := constantCandles(10, 100)
	for i := 6; i < len(candles); i++ {
		candles[i].Open, candles[i].High, candles[i].Low, candles[i].Close = 110, 110, 110, 110
	}
	res, err := bt.Run(context.Background(), candles, scripted(map[int]strategy.Action{
		5: {Kind: strategy.Buy, Fraction: 0.5},
		7: {Kind: strategy.Sell, Fraction: 1.0},
	}))
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)

	fillBuy := 100 * (1 + cfg.Slippage)
	committed := 0.5 * cfg.InitialCapital
	qty := committed / fillBuy
	entryFee := committed * cfg.FeeRate

	fillSell := 110 * (1 - cfg.Slippage)
	proceeds := qty * fillSell
	exitFee := proceeds * cfg.FeeRate

	wantPnL := (fillSell-fillBuy)*qty - (entryFee + exitFee)
	trade := res.Trades[0]
	assert.InDelta(t, fillBuy, trade.EntryPrice, 1e-9)
	assert.InDelta(t, fillSell, trade.ExitPrice, 1e-9)
	assert.InDelta(t, wantPnL, trade.PnLAbs, 1e-6)
	assert.InDelta(t, wantPnL/(fillBuy*qty), trade.PnLPct, 1e-9)
	assert.Equal(t, 2, trade.HoldingBars)

	wantCash := cfg.InitialCapital - committed - entryFee + proceeds - exitFee
	final := res.EquityCurve[len(res.EquityCurve)-1]
	assert.InDelta(t, wantCash, final.Cash, 1e-6)
	assert.InDelta(t, 0.0, final.PositionValue, 1e-12)
}

func TestAnomaliesDowngradeToHold(t *testing.T) {
	bt, err := NewBacktester(testEngine(), mustTimeframe(t, "1d"))
	require.NoError(t, err)

	candles := constantCandles(10, 100)
	res, err := bt.Run(context.Background(), candles, scripted(map[int]strategy.Action{
		2: {Kind: strategy.Sell, Fraction: 1.0}, // 空仓卖出
		4: {Kind: strategy.Buy, Fraction: 0.5},
		5: {Kind: strategy.Buy, Fraction: 0.5}, // 持仓再买
	}))
	require.NoError(t, err)

	require.Len(t, res.Anomalies, 2)
	assert.Equal(t, AnomalySellWhileFlat, res.Anomalies[0].Kind)
	assert.Equal(t, candles[2].CloseTime, res.Anomalies[0].Timestamp)
	assert.Equal(t, AnomalyBuyWhileLong, res.Anomalies[1].Kind)

	// 异常不改变状态：仓位仍在，未产生成交
	assert.Empty(t, res.Trades)
	last := res.EquityCurve[len(res.EquityCurve)-1]
	assert.Greater(t, last.PositionValue, 0.0)
}

func TestDecisionErrorRecordedAndRunContinues(t *testing.T) {
	bt, err := NewBacktester(testEngine(), mustTimeframe(t, "1d"))
	require.NoError(t, err)

	candles := constantCandles(8, 100)
	src := strategy.Func(func(_ context.Context, _ []market.Candle, idx int) (strategy.Action, error) {
		if idx == 3 {
			return strategy.Action{}, errors.New("upstream timeout")
		}
		return strategy.HoldAction(""), nil
	})
	res, err := bt.Run(context.Background(), candles, src)
	require.NoError(t, err)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, AnomalyDecisionError, res.Anomalies[0].Kind)
	assert.Equal(t, "upstream timeout", res.Anomalies[0].Reason)
	assert.Len(t, res.EquityCurve, len(candles))
}

func TestMinOrderRejection(t *testing.T) {
	cfg := testEngine()
	cfg.MinOrderAmount = 6_000
	bt, err := NewBacktester(cfg, mustTimeframe(t, "1d"))
	require.NoError(t, err)

	candles := constantCandles(10, 100)
	res, err := bt.Run(context.Background(), candles, scripted(map[int]strategy.Action{
		3: {Kind: strategy.Buy, Fraction: 0.5}, // 5000 < 6000
	}))
	require.NoError(t, err)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, AnomalyBelowMinOrder, res.Anomalies[0].Kind)
	assert.Empty(t, res.Trades)
	// 拒单不动账
	assert.InDelta(t, cfg.InitialCapital, res.EquityCurve[len(res.EquityCurve)-1].TotalEquity, 1e-9)
}

func TestPartialExitKeepsPosition(t *testing.T) {
	cfg := testEngine()
	bt, err := NewBacktester(cfg, mustTimeframe(t, "1d"))
	require.NoError(t, err)

	candles := constantCandles(12, 100)
	res, err := bt.Run(context.Background(), candles, scripted(map[int]strategy.Action{
		3: {Kind: strategy.Buy, Fraction: 0.8},
		5: {Kind: strategy.Sell, Fraction: 0.5},
		8: {Kind: strategy.Sell, Fraction: 1.0},
	}))
	require.NoError(t, err)
	require.Len(t, res.Trades, 2)
	assert.Empty(t, res.Anomalies)

	first, second := res.Trades[0], res.Trades[1]
	assert.InDelta(t, first.Quantity, second.Quantity, 1e-9)
	// 两笔共享同一入场
	assert.Equal(t, first.EntryTime, second.EntryTime)
	assert.InDelta(t, first.EntryPrice, second.EntryPrice, 1e-12)
	// 进场手续费按比例分摊，两笔合计等于全额
	committed := 0.8 * cfg.InitialCapital
	entryFee := committed * cfg.FeeRate
	exitFees := (first.FeesPaid - entryFee/2) + (second.FeesPaid - entryFee/2)
	assert.Greater(t, exitFees, 0.0)

	// 全平后空仓
	last := res.EquityCurve[len(res.EquityCurve)-1]
	assert.InDelta(t, 0.0, last.PositionValue, 1e-9)
}

// 部分平仓金额低于最小下单额会被拒；全平不受限制。
func TestPartialExitBelowMinOrderRejectedFullExitAllowed(t *testing.T) {
	cfg := testEngine()
	cfg.MinOrderAmount = 3_000
	bt, err := NewBacktester(cfg, mustTimeframe(t, "1d"))
	require.NoError(t, err)

	candles := constantCandles(12, 100)
	res, err := bt.Run(context.Background(), candles, scripted(map[int]strategy.Action{
		3: {Kind: strategy.Buy, Fraction: 0.5},  // 仓位名义额 5000
		5: {Kind: strategy.Sell, Fraction: 0.1}, // 500 < 3000 → 拒
		7: {Kind: strategy.Sell, Fraction: 1.0}, // 全平放行
	}))
	require.NoError(t, err)
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, AnomalyBelowMinOrder, res.Anomalies[0].Kind)
	require.Len(t, res.Trades, 1)
	assert.Equal(t, "signal", res.Trades[0].ExitReason)
}

func TestEquityCurveCoversEveryBarAndStaysNonNegative(t *testing.T) {
	cfg := testEngine()
	cfg.Slippage = 0.001
	bt, err := NewBacktester(cfg, mustTimeframe(t, "1d"))
	require.NoError(t, err)

	candles := constantCandles(30, 100)
	for i := 10; i < 20; i++ {
		p := 100 - float64(i-9)*3 // 阶梯下跌
		candles[i].Open, candles[i].High, candles[i].Low, candles[i].Close = p, p, p, p
	}
	res, err := bt.Run(context.Background(), candles, scripted(map[int]strategy.Action{
		5:  {Kind: strategy.Buy, Fraction: 0.9},
		18: {Kind: strategy.Sell, Fraction: 1.0},
	}))
	require.NoError(t, err)
	require.Len(t, res.EquityCurve, len(candles))
	for i, p := range res.EquityCurve {
		assert.GreaterOrEqual(t, p.TotalEquity, 0.0, "bar %d", i)
		assert.InDelta(t, p.Cash+p.PositionValue, p.TotalEquity, 1e-9, "bar %d", i)
	}
	assert.Less(t, res.Metrics.MaxDrawdown, 0.0)
}

func TestKellyCapsBuyFraction(t *testing.T) {
	cfg := testEngine()
	cfg.KellyEnabled = true
	cfg.KellyFallback = 0.1
	cfg.KellyMinSample = 10
	bt, err := NewBacktester(cfg, mustTimeframe(t, "1d"))
	require.NoError(t, err)

	candles := constantCandles(10, 100)
	res, err := bt.Run(context.Background(), candles, scripted(map[int]strategy.Action{
		// 无成交历史 → fallback 0.1 覆盖请求的 0.9
		4: {Kind: strategy.Buy, Fraction: 0.9},
	}))
	require.NoError(t, err)
	require.Len(t, res.Signals, 1)
	assert.InDelta(t, 0.1, res.Signals[0].Fraction, 1e-12)

	committed := 0.1 * cfg.InitialCapital
	last := res.EquityCurve[len(res.EquityCurve)-1]
	assert.InDelta(t, committed, last.PositionValue, 1e-6)
}

func TestRunHonorsContextCancellation(t *testing.T) {
	bt, err := NewBacktester(testEngine(), mustTimeframe(t, "1d"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = bt.Run(ctx, constantCandles(10, 100), scripted(nil))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSignalsRecordedWithRegime(t *testing.T) {
	bt, err := NewBacktester(testEngine(), mustTimeframe(t, "1d"))
	require.NoError(t, err)

	candles := constantCandles(10, 100)
	res, err := bt.Run(context.Background(), candles, scripted(map[int]strategy.Action{
		5: {Kind: strategy.Buy, Fraction: 0.5, Reason: "breakout"},
		7: {Kind: strategy.Sell, Fraction: 1.0, Reason: "take profit"},
	}))
	require.NoError(t, err)
	require.Len(t, res.Signals, 2)
	assert.Equal(t, "buy", res.Signals[0].Action)
	assert.Equal(t, "breakout", res.Signals[0].Reason)
	assert.NotEmpty(t, res.Signals[0].Regime)
	assert.Equal(t, "sell", res.Signals[1].Action)
	assert.Equal(t, res.Trades[0].ExitTime, res.Signals[1].Timestamp)
}

// trendCandles 构造逐根按 ratio 几何变化的序列。
func trendCandles(n int, start, ratio float64) []market.Candle {
	candles := make([]market.Candle, n)
	price := start
	for i := range candles {
		next := price * ratio
		high, low := next, price
		if ratio < 1 {
			high, low = price, next
		}
		candles[i] = market.Candle{
			OpenTime:  int64(i) * dayMillis,
			CloseTime: int64(i+1) * dayMillis,
			Open:      price, High: high, Low: low, Close: next,
			Volume: 100,
		}
		price = next
	}
	return candles
}

// 状态阈值随输入序列的回看分位数动态标定，不停留在默认常量上。
func TestRunCalibratesThresholdsFromSeries(t *testing.T) {
	bt, err := NewBacktester(testEngine(), mustTimeframe(t, "1d"))
	require.NoError(t, err)
	assert.Equal(t, regime.DefaultThresholds, bt.classifier.Thresholds())

	_, err = bt.Run(context.Background(), trendCandles(300, 100, 1.01), scripted(nil))
	require.NoError(t, err)

	after := bt.classifier.Thresholds()
	assert.NotEqual(t, regime.DefaultThresholds, after)
	assert.Greater(t, after.High, regime.DefaultThresholds.High)
	assert.Greater(t, after.Low, 0.0)
}

// 样本不足 warmup 时标定跳过，沿用默认阈值，模拟照常进行。
func TestRunKeepsDefaultThresholdsOnShortSeries(t *testing.T) {
	bt, err := NewBacktester(testEngine(), mustTimeframe(t, "1d"))
	require.NoError(t, err)

	res, err := bt.Run(context.Background(), constantCandles(4, 100), scripted(nil))
	require.NoError(t, err)
	assert.Len(t, res.EquityCurve, 4)
	assert.Equal(t, regime.DefaultThresholds, bt.classifier.Thresholds())
}

// 满仓单次往返：成交价、手续费与最终资金逐项核对到 1e-6。
func TestFullFractionRoundTripExactFills(t *testing.T) {
	cfg := testEngine()
	cfg.InitialCapital = 10_000_000
	cfg.FeeRate = 0.0005
	cfg.Slippage = 0.0002
	bt, err := NewBacktester(cfg, mustTimeframe(t, "1d"))
	require.NoError(t, err)

	candles := constantCandles(10, 100)
	for i := 7; i < len(candles); i++ {
		candles[i].Open, candles[i].High, candles[i].Low, candles[i].Close = 110, 110, 110, 110
	}
	res, err := bt.Run(context.Background(), candles, scripted(map[int]strategy.Action{
		5: {Kind: strategy.Buy, Fraction: 1.0},
		8: {Kind: strategy.Sell, Fraction: 1.0},
	}))
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)
	assert.Empty(t, res.Anomalies)

	trade := res.Trades[0]
	assert.InDelta(t, 100.02, trade.EntryPrice, 1e-9)  // 100 × 1.0002
	assert.InDelta(t, 109.978, trade.ExitPrice, 1e-9) // 110 × 0.9998

	qty := 10_000_000.0 / 100.02
	entryFee := 10_000_000.0 * 0.0005
	proceeds := qty * 109.978
	exitFee := proceeds * 0.0005

	wantFinal := proceeds - exitFee - entryFee
	final := res.EquityCurve[len(res.EquityCurve)-1].TotalEquity
	assert.InDelta(t, wantFinal, final, 1e-6)
	assert.InDelta(t, wantFinal/10_000_000.0-1, res.Metrics.TotalReturn, 1e-9)
	assert.InDelta(t, (109.978-100.02)*qty-(entryFee+exitFee), trade.PnLAbs, 1e-6)
}
