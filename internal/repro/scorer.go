// Package repro 评估生成信号对完美信号参考集的还原度，输出分层评级。
package repro

import (
	"sort"

	"btlab/internal/backtest"
	"btlab/internal/config"
	"btlab/internal/market"
	"btlab/internal/pkg/fmath"
	"btlab/internal/signalio"
)

// Evaluation 是分层评估结果，字段名对下游稳定。
type Evaluation struct {
	SignalReproductionRate float64 `json:"signal_reproduction_rate"`
	ProfitReproductionRate float64 `json:"profit_reproduction_rate"`
	CombinedScore          float64 `json:"combined_score"`
	Tier                   string  `json:"tier"`
	Matched                int     `json:"matched"`
	TotalPerfect           int     `json:"total_perfect"`
}

// 分层阈值（闭区间下界）：≥0.70 S、≥0.55 A、≥0.35 B、其余 C。
const (
	tierSThreshold = 0.70
	tierAThreshold = 0.55
	tierBThreshold = 0.35
)

const (
	signalWeight = 0.4
	profitWeight = 0.6
)

// Scorer 按时间容差做贪心最近邻匹配，再比较匹配对的收益还原度。
type Scorer struct {
	toleranceBars int
	tf            backtest.Timeframe
}

func NewScorer(toleranceBars int, tf backtest.Timeframe) (*Scorer, error) {
	if toleranceBars < 0 {
		return nil, config.NewConfigError("reproduction tolerance bars must be >= 0, got %d", toleranceBars)
	}
	return &Scorer{toleranceBars: toleranceBars, tf: tf}, nil
}

type matchedPair struct {
	perfect   signalio.PerfectSignal
	generated signalio.Signal
}

// Score 计算信号还原率、收益还原率与合成评级。
// perfect 集只读；每条生成信号至多被消费一次。
func (s *Scorer) Score(generated []signalio.Signal, perfect []signalio.PerfectSignal, candles []market.Candle) Evaluation {
	eval := Evaluation{TotalPerfect: len(perfect), Tier: "C"}
	if len(perfect) == 0 {
		return eval
	}

	pairs := s.matchSignals(generated, perfect)
	eval.Matched = len(pairs)
	eval.SignalReproductionRate = float64(len(pairs)) / float64(len(perfect))
	eval.ProfitReproductionRate = s.profitRate(pairs, len(perfect), candles)
	eval.CombinedScore = signalWeight*eval.SignalReproductionRate + profitWeight*eval.ProfitReproductionRate
	eval.Tier = TierFor(eval.CombinedScore)
	return eval
}

// matchSignals：按时间序遍历完美信号，容差窗口内取最近的未消费 buy 信号，
// 距离相同取生成时间更早的那条。
func (s *Scorer) matchSignals(generated []signalio.Signal, perfect []signalio.PerfectSignal) []matchedPair {
	tolMillis := int64(s.toleranceBars) * s.tf.Duration.Milliseconds()

	candidates := make([]signalio.Signal, 0, len(generated))
	for _, g := range generated {
		if g.Action == signalio.ActionBuy {
			candidates = append(candidates, g)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Timestamp < candidates[j].Timestamp })
	consumed := make([]bool, len(candidates))

	ordered := append([]signalio.PerfectSignal(nil), perfect...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Timestamp < ordered[j].Timestamp })

	var pairs []matchedPair
	for _, p := range ordered {
		best := -1
		var bestDist int64
		for i, g := range candidates {
			if consumed[i] {
				continue
			}
			dist := g.Timestamp - p.Timestamp
			if dist < 0 {
				dist = -dist
			}
			if dist > tolMillis {
				continue
			}
			if best == -1 || dist < bestDist {
				best, bestDist = i, dist
			}
			// 距离相等时保留更早的候选：candidates 升序遍历，先到先得。
		}
		if best >= 0 {
			consumed[best] = true
			pairs = append(pairs, matchedPair{perfect: p, generated: candidates[best]})
		}
	}
	return pairs
}

// profitRate：对每个匹配对，用生成信号入场、按 best_hold_days 出场模拟一笔交易，
// 与 best_return 之比裁剪到 [0,1]；未匹配的完美信号贡献 0，分母是完美信号总数。
func (s *Scorer) profitRate(pairs []matchedPair, totalPerfect int, candles []market.Candle) float64 {
	if totalPerfect == 0 || len(pairs) == 0 || len(candles) == 0 {
		return 0
	}
	holdBarsPerDay := s.tf.BarsPerDay()
	sum := 0.0
	for _, pair := range pairs {
		realized, ok := realizedReturn(candles, pair.generated.Timestamp, pair.perfect.BestHoldDays*holdBarsPerDay)
		if !ok {
			continue
		}
		sum += pairRatio(realized, pair.perfect.BestReturn)
	}
	return sum / float64(totalPerfect)
}

// realizedReturn 从收盘价序列取 entry→exit 的简单收益率。
func realizedReturn(candles []market.Candle, entryTS int64, holdBars int) (float64, bool) {
	entryIdx := sort.Search(len(candles), func(i int) bool { return candles[i].CloseTime >= entryTS })
	if entryIdx >= len(candles) {
		return 0, false
	}
	exitIdx := entryIdx + holdBars
	if exitIdx >= len(candles) {
		exitIdx = len(candles) - 1
	}
	entry := candles[entryIdx].Close
	if entry <= 0 {
		return 0, false
	}
	return candles[exitIdx].Close/entry - 1, true
}

func pairRatio(realized, best float64) float64 {
	if best <= 0 {
		// 参考收益非正：达到或超过它就算完整还原。
		if realized >= best {
			return 1
		}
		return 0
	}
	ratio := realized / best
	if ratio < 0 {
		return 0
	}
	if ratio > 1 {
		return 1
	}
	return ratio
}

// TierFor 是 combined_score → 分层的纯函数，边界按下界闭合判定。
func TierFor(score float64) string {
	switch {
	case fmath.GTE(score, tierSThreshold):
		return "S"
	case fmath.GTE(score, tierAThreshold):
		return "A"
	case fmath.GTE(score, tierBThreshold):
		return "B"
	default:
		return "C"
	}
}
