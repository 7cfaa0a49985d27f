package backtest

import (
	"math"
)

// Metrics 是对 Trade 列表 + 资金曲线的纯归约。
// Sharpe/胜率在样本不足时为 null（不可计算），绝不折算成 0 —— 0 是有含义的坏分数。
type Metrics struct {
	TotalReturn float64  `json:"total_return"`
	SharpeRatio *float64 `json:"sharpe_ratio"`
	MaxDrawdown float64  `json:"max_drawdown"`
	WinRate     *float64 `json:"win_rate"`
}

// ComputeMetrics 计算总收益、年化 Sharpe、最大回撤与胜率。
func ComputeMetrics(curve []EquityPoint, trades []Trade, initialCapital, periodsPerYear float64) Metrics {
	var m Metrics
	if len(curve) == 0 || initialCapital <= 0 {
		return m
	}

	final := curve[len(curve)-1].TotalEquity
	m.TotalReturn = final/initialCapital - 1

	m.MaxDrawdown = maxDrawdown(curve)
	m.SharpeRatio = sharpe(curve, periodsPerYear)

	if n := len(trades); n > 0 {
		wins := 0
		for _, t := range trades {
			if t.PnLAbs > 0 {
				wins++
			}
		}
		wr := float64(wins) / float64(n)
		m.WinRate = &wr
	}
	return m
}

// maxDrawdown = min_t (equity[t] − peak[t]) / peak[t]，恒在 [-1, 0]。
func maxDrawdown(curve []EquityPoint) float64 {
	peak := 0.0
	minDD := 0.0
	for _, p := range curve {
		if p.TotalEquity > peak {
			peak = p.TotalEquity
		}
		if peak <= 0 {
			continue
		}
		dd := (p.TotalEquity - peak) / peak
		if dd < minDD {
			minDD = dd
		}
	}
	if minDD < -1 {
		minDD = -1
	}
	return minDD
}

// sharpe 基于逐期收益率年化；stdev 为 0 或收益样本不足 2 个时返回 nil。
func sharpe(curve []EquityPoint, periodsPerYear float64) *float64 {
	var returns []float64
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].TotalEquity
		if prev <= 0 {
			continue
		}
		returns = append(returns, curve[i].TotalEquity/prev-1)
	}
	if len(returns) < 2 || periodsPerYear <= 0 {
		return nil
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	sd := math.Sqrt(variance)
	if sd == 0 {
		return nil
	}
	s := mean / sd * math.Sqrt(periodsPerYear)
	return &s
}
