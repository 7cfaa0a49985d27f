package strategy

import (
	"context"

	"btlab/internal/market"
)

// ActionKind 是决策类型。
type ActionKind string

const (
	Buy  ActionKind = "buy"
	Sell ActionKind = "sell"
	Hold ActionKind = "hold"
)

// Action 是策略对单根 K 线给出的决策。
// buy 时 Fraction 是可用资金的投入比例，sell 时是持仓的平仓比例。
type Action struct {
	Kind     ActionKind
	Fraction float64 // [0,1]
	Reason   string
}

// HoldAction 返回标准的观望决策。
func HoldAction(reason string) Action {
	return Action{Kind: Hold, Reason: reason}
}

// DecisionSource 是引擎对策略的唯一依赖：给定序列和当前下标，产出一个决策。
// 不要求任何继承关系，实现方自带状态即可。
type DecisionSource interface {
	Decide(ctx context.Context, series []market.Candle, idx int) (Action, error)
}

// Func 允许用函数直接充当 DecisionSource。
type Func func(ctx context.Context, series []market.Candle, idx int) (Action, error)

func (f Func) Decide(ctx context.Context, series []market.Candle, idx int) (Action, error) {
	return f(ctx, series, idx)
}
