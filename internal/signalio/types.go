// Package signalio 定义信号文件的稳定记录结构与读写。
// 字段名是对外契约：下游分层比较依赖这些 key 与 double 精度。
package signalio

// Signal 是策略产出的单条决策记录。
type Signal struct {
	Timestamp int64   `json:"timestamp"` // Unix 毫秒
	Action    string  `json:"action"`    // buy/sell/hold
	Fraction  float64 `json:"fraction"`
	Regime    string  `json:"regime,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// PerfectSignal 是带后验信息的参考信号，只读，引擎不得修改。
type PerfectSignal struct {
	Timestamp    int64   `json:"timestamp"`
	BestHoldDays int     `json:"best_hold_days"`
	BestReturn   float64 `json:"best_return"`
	BestMaxDD    float64 `json:"best_max_dd"`
}

const (
	ActionBuy  = "buy"
	ActionSell = "sell"
	ActionHold = "hold"
)
