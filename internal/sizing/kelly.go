package sizing

import (
	"fmt"
	"math"
)

// KellyConfig 是分数凯利仓位的配置契约。
type KellyConfig struct {
	Fraction  float64 // 凯利缩放系数，默认 0.25
	Cap       float64 // 输出仓位上限，(0,1]，默认 1.0
	MinSample int     // 样本不足阈值（已结算交易数），默认 10
	Fallback  float64 // 样本不足时的默认仓位，默认 0.10
}

func (c *KellyConfig) applyDefaults() {
	if c.Fraction <= 0 {
		c.Fraction = 0.25
	}
	if c.Cap <= 0 {
		c.Cap = 1.0
	}
	if c.MinSample <= 0 {
		c.MinSample = 10
	}
	if c.Fallback <= 0 {
		c.Fallback = 0.10
	}
}

func (c KellyConfig) validate() error {
	if c.Cap > 1 {
		return fmt.Errorf("kelly cap must be in (0,1], got %.4f", c.Cap)
	}
	if c.Fraction > 1 {
		return fmt.Errorf("kelly fraction must be in (0,1], got %.4f", c.Fraction)
	}
	if c.Fallback > c.Cap {
		return fmt.Errorf("kelly fallback %.4f exceeds cap %.4f", c.Fallback, c.Cap)
	}
	return nil
}

// TradeStats 是滚动胜负统计的输入快照。
type TradeStats struct {
	Trades     int
	WinRate    float64
	AvgWinPct  float64 // 盈利交易的平均收益率（正数）
	AvgLossPct float64 // 亏损交易的平均亏损率（正数）
}

// KellySizer 把滚动胜负统计转成 [0, cap] 内的仓位比例。
type KellySizer struct {
	cfg KellyConfig
}

func NewKellySizer(cfg KellyConfig) (*KellySizer, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &KellySizer{cfg: cfg}, nil
}

// Size 计算分数凯利仓位：f* = p − (1−p)/b，再乘缩放系数并收敛到 [0, cap]。
// 样本不足时直接返回配置的默认仓位，不用噪声统计去算。
func (s *KellySizer) Size(stats TradeStats) float64 {
	if stats.Trades < s.cfg.MinSample {
		return clamp(s.cfg.Fallback, s.cfg.Cap)
	}
	p := clamp01(stats.WinRate)
	var f float64
	switch {
	case stats.AvgWinPct <= 0:
		// b == 0：赢不挣钱，满仓惩罚到 0。
		f = 0
	case stats.AvgLossPct <= 0:
		// 没有亏损样本，b 发散，f* 退化为 p。
		f = p
	default:
		b := stats.AvgWinPct / stats.AvgLossPct
		f = p - (1-p)/b
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		f = 0
	}
	return clamp(f*s.cfg.Fraction, s.cfg.Cap)
}

// Rolling 维护一份已结算交易的滚动胜负统计，供 Backtester 按笔喂入。
type Rolling struct {
	window  int
	results []float64 // 每笔收益率，FIFO
}

// NewRolling 创建窗口为 window 笔的滚动统计；window<=0 表示不滚动（全样本）。
func NewRolling(window int) *Rolling {
	return &Rolling{window: window}
}

// Observe 记录一笔已平仓交易的收益率。
func (r *Rolling) Observe(pnlPct float64) {
	r.results = append(r.results, pnlPct)
	if r.window > 0 && len(r.results) > r.window {
		r.results = r.results[len(r.results)-r.window:]
	}
}

// Stats 汇总为 TradeStats 快照。
func (r *Rolling) Stats() TradeStats {
	var wins, losses int
	var winSum, lossSum float64
	for _, v := range r.results {
		if v > 0 {
			wins++
			winSum += v
		} else {
			losses++
			lossSum += -v
		}
	}
	total := len(r.results)
	stats := TradeStats{Trades: total}
	if total > 0 {
		stats.WinRate = float64(wins) / float64(total)
	}
	if wins > 0 {
		stats.AvgWinPct = winSum / float64(wins)
	}
	if losses > 0 {
		stats.AvgLossPct = lossSum / float64(losses)
	}
	return stats
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func clamp(v, cap float64) float64 {
	if v < 0 {
		return 0
	}
	if v > cap {
		return cap
	}
	return v
}
