package backtest

import (
	"encoding/json"
	"time"

	"btlab/internal/config"
	"btlab/internal/regime"
	"btlab/internal/signalio"
)

const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
)

// RunConfig 记录一次模拟的完整参数快照，便于重放。
type RunConfig struct {
	Symbol    string              `json:"symbol"`
	Timeframe string              `json:"timeframe"`
	StartTS   int64               `json:"start_ts"`
	EndTS     int64               `json:"end_ts"`
	Strategy  string              `json:"strategy"`
	Profile   string              `json:"profile,omitempty"`
	Engine    config.EngineConfig `json:"engine"`
	Notes     string              `json:"notes,omitempty"`
}

// Run 表示一次模拟任务的生命周期。
type Run struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Timeframe   string    `json:"timeframe"`
	Strategy    string    `json:"strategy"`
	Status      string    `json:"status"`
	StartTS     int64     `json:"start_ts"`
	EndTS       int64     `json:"end_ts"`
	Message     string    `json:"message"`
	Config      RunConfig `json:"config"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
	Trades      int       `json:"trades"`
	Anomalies   int       `json:"anomalies"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// MarshalConfig 返回 config JSON。
func (r Run) MarshalConfig() ([]byte, error) {
	return json.Marshal(r.Config)
}

// Trade 是一笔已平仓交易的不可变记录。
type Trade struct {
	EntryTime     int64        `json:"entry_time"`
	EntryPrice    float64      `json:"entry_price"`
	ExitTime      int64        `json:"exit_time"`
	ExitPrice     float64      `json:"exit_price"`
	Quantity      float64      `json:"quantity"`
	PnLPct        float64      `json:"pnl_pct"`
	PnLAbs        float64      `json:"pnl_abs"`
	HoldingBars   int          `json:"holding_bars"`
	ExitReason    string       `json:"exit_reason"`
	FeesPaid      float64      `json:"fees_paid"`
	RegimeAtEntry regime.Label `json:"regime_at_entry,omitempty"`
}

// EquityPoint 是逐根 K 线的资金曲线点（mark-to-market）。
type EquityPoint struct {
	Timestamp     int64   `json:"timestamp"`
	Cash          float64 `json:"cash"`
	PositionValue float64 `json:"position_value"`
	TotalEquity   float64 `json:"total_equity"`
}

// Anomaly 记录与状态机不一致的决策：降级为观望，不中断模拟。
type Anomaly struct {
	Timestamp int64  `json:"timestamp"`
	Kind      string `json:"kind"`
	Reason    string `json:"reason,omitempty"`
}

const (
	AnomalyBuyWhileLong  = "buy_while_long"
	AnomalySellWhileFlat = "sell_while_flat"
	AnomalyBelowMinOrder = "below_min_order"
	AnomalyDecisionError = "decision_error"
)

// Result 是一次模拟的全部产出，字段名对下游稳定。
type Result struct {
	Trades      []Trade           `json:"trades"`
	EquityCurve []EquityPoint     `json:"equity_curve"`
	Metrics     Metrics           `json:"metrics"`
	Signals     []signalio.Signal `json:"signals,omitempty"`
	Anomalies   []Anomaly         `json:"anomalies,omitempty"`
}

// RunRequest 为 HTTP 提交使用。
type RunRequest struct {
	Symbol     string               `json:"symbol" binding:"required"`
	Timeframe  string               `json:"timeframe" binding:"required"`
	Strategy   string               `json:"strategy"`
	Profile    string               `json:"profile,omitempty"`
	SignalFile string               `json:"signal_file,omitempty"`
	StartTS    int64                `json:"start_ts"`
	EndTS      int64                `json:"end_ts"`
	Engine     *config.EngineConfig `json:"engine,omitempty"`
}
