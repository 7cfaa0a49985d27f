package backtest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func curveOf(values ...float64) []EquityPoint {
	curve := make([]EquityPoint, len(values))
	for i, v := range values {
		curve[i] = EquityPoint{Timestamp: int64(i+1) * dayMillis, Cash: v, TotalEquity: v}
	}
	return curve
}

func TestComputeMetricsTotalReturn(t *testing.T) {
	m := ComputeMetrics(curveOf(10_000, 10_500, 11_000), nil, 10_000, 365)
	assert.InDelta(t, 0.10, m.TotalReturn, 1e-12)
}

func TestComputeMetricsEmptyInputs(t *testing.T) {
	m := ComputeMetrics(nil, nil, 10_000, 365)
	assert.Zero(t, m.TotalReturn)
	assert.Nil(t, m.SharpeRatio)
	assert.Nil(t, m.WinRate)
}

// 胜率样本不足时是 null，不能折算成 0。
func TestWinRateNilWithoutTrades(t *testing.T) {
	m := ComputeMetrics(curveOf(10_000, 10_100, 10_200), nil, 10_000, 365)
	assert.Nil(t, m.WinRate)

	trades := []Trade{{PnLAbs: 5}, {PnLAbs: -3}, {PnLAbs: 1}, {PnLAbs: -1}}
	m = ComputeMetrics(curveOf(10_000, 10_100, 10_200), trades, 10_000, 365)
	require.NotNil(t, m.WinRate)
	assert.InDelta(t, 0.5, *m.WinRate, 1e-12)
}

func TestSharpeNilOnDegenerateSeries(t *testing.T) {
	// 收益样本不足 2 个
	m := ComputeMetrics(curveOf(10_000, 10_100), nil, 10_000, 365)
	assert.Nil(t, m.SharpeRatio)

	// 波动率为 0
	m = ComputeMetrics(curveOf(10_000, 10_000, 10_000, 10_000), nil, 10_000, 365)
	assert.Nil(t, m.SharpeRatio)

	// 正常情形非 nil
	m = ComputeMetrics(curveOf(10_000, 10_100, 10_050, 10_300), nil, 10_000, 365)
	require.NotNil(t, m.SharpeRatio)
	assert.Greater(t, *m.SharpeRatio, 0.0)
}

func TestMaxDrawdownBounds(t *testing.T) {
	// 峰值 12000 → 谷底 6000：回撤 -0.5
	m := ComputeMetrics(curveOf(10_000, 12_000, 6_000, 9_000), nil, 10_000, 365)
	assert.InDelta(t, -0.5, m.MaxDrawdown, 1e-12)

	// 单调上涨无回撤
	m = ComputeMetrics(curveOf(10_000, 11_000, 12_000), nil, 10_000, 365)
	assert.Zero(t, m.MaxDrawdown)

	// 跌到 0 也不越过 -1
	m = ComputeMetrics(curveOf(10_000, 0.0001), nil, 10_000, 365)
	assert.GreaterOrEqual(t, m.MaxDrawdown, -1.0)
	assert.LessOrEqual(t, m.MaxDrawdown, 0.0)
}
