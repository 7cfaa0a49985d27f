package strategy

import (
	"context"

	"btlab/internal/market"
	"btlab/internal/signalio"
)

// ReplaySource 回放一份已落盘的信号序列：时间戳对得上就发对应决策，
// 否则观望。评估「生成信号 vs 完美信号」的流水线用它驱动引擎。
type ReplaySource struct {
	byTS map[int64]signalio.Signal
}

func NewReplaySource(signals []signalio.Signal) *ReplaySource {
	byTS := make(map[int64]signalio.Signal, len(signals))
	for _, s := range signals {
		byTS[s.Timestamp] = s
	}
	return &ReplaySource{byTS: byTS}
}

func (r *ReplaySource) Decide(_ context.Context, series []market.Candle, idx int) (Action, error) {
	s, ok := r.byTS[series[idx].CloseTime]
	if !ok {
		return HoldAction(""), nil
	}
	return Action{
		Kind:     ActionKind(s.Action),
		Fraction: s.Fraction,
		Reason:   s.Reason,
	}, nil
}
