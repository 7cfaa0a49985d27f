package repro

import (
	"testing"

	"btlab/internal/backtest"
	"btlab/internal/config"
	"btlab/internal/market"
	"btlab/internal/signalio"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dayMillis = int64(24 * 60 * 60 * 1000)

func dailyCandles(closes ...float64) []market.Candle {
	candles := make([]market.Candle, len(closes))
	for i, c := range closes {
		candles[i] = market.Candle{
			OpenTime:  int64(i) * dayMillis,
			CloseTime: int64(i+1) * dayMillis,
			Open:      c, High: c, Low: c, Close: c,
			Volume: 1,
		}
	}
	return candles
}

func barTS(i int) int64 { return int64(i+1) * dayMillis }

func newDayScorer(t *testing.T, tolBars int) *Scorer {
	t.Helper()
	tf, err := backtest.ParseTimeframe("1d")
	require.NoError(t, err)
	s, err := NewScorer(tolBars, tf)
	require.NoError(t, err)
	return s
}

func buy(ts int64) signalio.Signal {
	return signalio.Signal{Timestamp: ts, Action: signalio.ActionBuy, Fraction: 0.5}
}

func TestNewScorerRejectsNegativeTolerance(t *testing.T) {
	tf, _ := backtest.ParseTimeframe("1d")
	_, err := NewScorer(-1, tf)
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))
}

func TestScoreIdenticalSignalsIsPerfect(t *testing.T) {
	candles := dailyCandles(100, 110, 121, 133.1, 146.41, 161.05)
	best := candles[4].Close/candles[2].Close - 1
	perfect := []signalio.PerfectSignal{
		{Timestamp: barTS(2), BestHoldDays: 2, BestReturn: best},
	}
	generated := []signalio.Signal{buy(barTS(2))}

	eval := newDayScorer(t, 1).Score(generated, perfect, candles)
	assert.InDelta(t, 1.0, eval.SignalReproductionRate, 1e-9)
	assert.InDelta(t, 1.0, eval.ProfitReproductionRate, 1e-9)
	assert.InDelta(t, 1.0, eval.CombinedScore, 1e-9)
	assert.Equal(t, "S", eval.Tier)
	assert.Equal(t, 1, eval.Matched)
	assert.Equal(t, 1, eval.TotalPerfect)
}

func TestScoreEmptyPerfectSet(t *testing.T) {
	eval := newDayScorer(t, 1).Score([]signalio.Signal{buy(barTS(0))}, nil, dailyCandles(100, 101))
	assert.Zero(t, eval.CombinedScore)
	assert.Equal(t, "C", eval.Tier)
	assert.Equal(t, 0, eval.TotalPerfect)
}

func TestToleranceWindowControlsMatching(t *testing.T) {
	candles := dailyCandles(100, 101, 102, 103, 104, 105)
	perfect := []signalio.PerfectSignal{{Timestamp: barTS(2), BestHoldDays: 1, BestReturn: 0.01}}
	// 生成信号晚一根
	generated := []signalio.Signal{buy(barTS(3))}

	strict := newDayScorer(t, 0).Score(generated, perfect, candles)
	assert.Equal(t, 0, strict.Matched)
	assert.Equal(t, "C", strict.Tier)

	loose := newDayScorer(t, 1).Score(generated, perfect, candles)
	assert.Equal(t, 1, loose.Matched)
	assert.InDelta(t, 1.0, loose.SignalReproductionRate, 1e-9)
}

func TestOnlyBuySignalsAreCandidates(t *testing.T) {
	candles := dailyCandles(100, 101, 102, 103)
	perfect := []signalio.PerfectSignal{{Timestamp: barTS(1), BestHoldDays: 1, BestReturn: 0.01}}
	generated := []signalio.Signal{
		{Timestamp: barTS(1), Action: signalio.ActionSell, Fraction: 1},
		{Timestamp: barTS(1), Action: signalio.ActionHold},
	}
	eval := newDayScorer(t, 1).Score(generated, perfect, candles)
	assert.Equal(t, 0, eval.Matched)
}

func TestGeneratedSignalConsumedOnce(t *testing.T) {
	candles := dailyCandles(100, 101, 102, 103, 104)
	perfect := []signalio.PerfectSignal{
		{Timestamp: barTS(1), BestHoldDays: 1, BestReturn: 0.01},
		{Timestamp: barTS(2), BestHoldDays: 1, BestReturn: 0.01},
	}
	generated := []signalio.Signal{buy(barTS(1))}

	eval := newDayScorer(t, 1).Score(generated, perfect, candles)
	assert.Equal(t, 1, eval.Matched)
	assert.InDelta(t, 0.5, eval.SignalReproductionRate, 1e-9)
}

func TestProfitRatioClippedToUnitInterval(t *testing.T) {
	// 实际收益超过参考收益：按 1 记，不奖励超额
	candles := dailyCandles(100, 100, 100, 120)
	perfect := []signalio.PerfectSignal{{Timestamp: barTS(1), BestHoldDays: 2, BestReturn: 0.05}}
	eval := newDayScorer(t, 0).Score([]signalio.Signal{buy(barTS(1))}, perfect, candles)
	assert.InDelta(t, 1.0, eval.ProfitReproductionRate, 1e-9)

	// 实际亏损而参考为正：按 0 记
	candles = dailyCandles(100, 100, 100, 80)
	eval = newDayScorer(t, 0).Score([]signalio.Signal{buy(barTS(1))}, perfect, candles)
	assert.Zero(t, eval.ProfitReproductionRate)
}

func TestNonPositiveBestReturn(t *testing.T) {
	// 参考收益为负：达到或超过它即视为完整还原
	candles := dailyCandles(100, 100, 100, 99)
	perfect := []signalio.PerfectSignal{{Timestamp: barTS(1), BestHoldDays: 2, BestReturn: -0.05}}
	eval := newDayScorer(t, 0).Score([]signalio.Signal{buy(barTS(1))}, perfect, candles)
	assert.InDelta(t, 1.0, eval.ProfitReproductionRate, 1e-9)
}

func TestUnmatchedPerfectDilutesProfitRate(t *testing.T) {
	candles := dailyCandles(100, 110, 121, 133.1)
	best := candles[2].Close/candles[1].Close - 1
	perfect := []signalio.PerfectSignal{
		{Timestamp: barTS(1), BestHoldDays: 1, BestReturn: best},
		{Timestamp: barTS(10), BestHoldDays: 1, BestReturn: best}, // 无人匹配
	}
	eval := newDayScorer(t, 0).Score([]signalio.Signal{buy(barTS(1))}, perfect, candles)
	assert.InDelta(t, 0.5, eval.SignalReproductionRate, 1e-9)
	assert.InDelta(t, 0.5, eval.ProfitReproductionRate, 1e-9)
	assert.InDelta(t, 0.5, eval.CombinedScore, 1e-9)
	assert.Equal(t, "B", eval.Tier)
}

func TestCombinedScoreWeights(t *testing.T) {
	// 匹配全部完美信号但收益只还原一半
	candles := dailyCandles(100, 100, 105, 100)
	perfect := []signalio.PerfectSignal{{Timestamp: barTS(1), BestHoldDays: 1, BestReturn: 0.10}}
	eval := newDayScorer(t, 0).Score([]signalio.Signal{buy(barTS(1))}, perfect, candles)
	// signal=1.0, profit=0.5 → 0.4*1.0 + 0.6*0.5 = 0.7
	assert.InDelta(t, 0.7, eval.CombinedScore, 1e-9)
	assert.Equal(t, "S", eval.Tier)
}

func TestTierBoundaries(t *testing.T) {
	assert.Equal(t, "S", TierFor(0.70))
	assert.Equal(t, "A", TierFor(0.6999))
	assert.Equal(t, "A", TierFor(0.55))
	assert.Equal(t, "B", TierFor(0.5499))
	assert.Equal(t, "B", TierFor(0.35))
	assert.Equal(t, "C", TierFor(0.3499))
	assert.Equal(t, "C", TierFor(0))
}
