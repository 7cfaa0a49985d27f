package model

import "gorm.io/datatypes"

// 信号集类型。
const (
	SignalKindGenerated = "generated"
	SignalKindPerfect   = "perfect"
)

// SignalSetModel 保存一份完整的信号数组快照，按名字去重。
type SignalSetModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	Name          string         `gorm:"column:name;uniqueIndex"`
	Symbol        string         `gorm:"column:symbol"`
	Timeframe     string         `gorm:"column:timeframe"`
	Kind          string         `gorm:"column:kind;index"`
	Count         int            `gorm:"column:count"`
	Payload       datatypes.JSON `gorm:"column:payload;type:TEXT"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (SignalSetModel) TableName() string { return "signal_sets" }

// EvaluationModel 保存一次还原度评估的输入引用与结果。
type EvaluationModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	RunID         string         `gorm:"column:run_id;index"`
	GeneratedSet  string         `gorm:"column:generated_set"`
	PerfectSet    string         `gorm:"column:perfect_set"`
	ToleranceBars int            `gorm:"column:tolerance_bars"`
	CombinedScore float64        `gorm:"column:combined_score"`
	Tier          string         `gorm:"column:tier"`
	Result        datatypes.JSON `gorm:"column:result;type:TEXT"`
	CreatedAtUnix int64          `gorm:"column:created_at"`
}

func (EvaluationModel) TableName() string { return "evaluations" }
