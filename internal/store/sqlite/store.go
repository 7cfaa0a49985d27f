package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"btlab/internal/repro"
	"btlab/internal/signalio"
	"btlab/internal/store/model"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SqliteStore 保存信号集与评估结果。
type SqliteStore struct {
	db *gorm.DB
}

func NewSqliteStore(path string) (*SqliteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	return newSqliteStore(db)
}

func NewSqliteStoreFromDB(db *gorm.DB) (*SqliteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db 不能为空")
	}
	return newSqliteStore(db)
}

func newSqliteStore(db *gorm.DB) (*SqliteStore, error) {
	models := []interface{}{
		&model.SignalSetModel{},
		&model.EvaluationModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &SqliteStore{db: db}, nil
}

func (s *SqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveSignalSet 按名字 upsert 一份生成信号集。
func (s *SqliteStore) SaveSignalSet(ctx context.Context, name, symbol, timeframe string, signals []signalio.Signal) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("signal set name 不能为空")
	}
	payload, err := json.Marshal(signals)
	if err != nil {
		return err
	}
	return s.upsertSet(ctx, model.SignalSetModel{
		Name:      strings.TrimSpace(name),
		Symbol:    symbol,
		Timeframe: timeframe,
		Kind:      model.SignalKindGenerated,
		Count:     len(signals),
		Payload:   datatypes.JSON(payload),
	})
}

// SavePerfectSet 按名字 upsert 一份完美信号参考集。
func (s *SqliteStore) SavePerfectSet(ctx context.Context, name, symbol, timeframe string, signals []signalio.PerfectSignal) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("signal set name 不能为空")
	}
	payload, err := json.Marshal(signals)
	if err != nil {
		return err
	}
	return s.upsertSet(ctx, model.SignalSetModel{
		Name:      strings.TrimSpace(name),
		Symbol:    symbol,
		Timeframe: timeframe,
		Kind:      model.SignalKindPerfect,
		Count:     len(signals),
		Payload:   datatypes.JSON(payload),
	})
}

func (s *SqliteStore) upsertSet(ctx context.Context, rec model.SignalSetModel) error {
	now := time.Now().Unix()
	rec.CreatedAtUnix = now
	rec.UpdatedAtUnix = now
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"symbol", "timeframe", "kind", "count", "payload", "updated_at"}),
	}).Create(&rec).Error
}

// GetSignalSet 读取生成信号集并解码。
func (s *SqliteStore) GetSignalSet(ctx context.Context, name string) ([]signalio.Signal, error) {
	rec, err := s.getSet(ctx, name, model.SignalKindGenerated)
	if err != nil {
		return nil, err
	}
	var out []signalio.Signal
	if err := json.Unmarshal(rec.Payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetPerfectSet 读取完美信号集并解码。
func (s *SqliteStore) GetPerfectSet(ctx context.Context, name string) ([]signalio.PerfectSignal, error) {
	rec, err := s.getSet(ctx, name, model.SignalKindPerfect)
	if err != nil {
		return nil, err
	}
	var out []signalio.PerfectSignal
	if err := json.Unmarshal(rec.Payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SqliteStore) getSet(ctx context.Context, name, kind string) (model.SignalSetModel, error) {
	var rec model.SignalSetModel
	err := s.db.WithContext(ctx).
		Where("name = ? AND kind = ?", strings.TrimSpace(name), kind).
		First(&rec).Error
	if err != nil {
		return model.SignalSetModel{}, fmt.Errorf("signal set %s (%s) 不存在: %w", name, kind, err)
	}
	return rec, nil
}

// ListSignalSets 按类型列出信号集元信息（payload 不随列表返回）。
func (s *SqliteStore) ListSignalSets(ctx context.Context, kind string, limit int) ([]model.SignalSetModel, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := s.db.WithContext(ctx).
		Select("id", "name", "symbol", "timeframe", "kind", "count", "created_at", "updated_at").
		Order("updated_at DESC").
		Limit(limit)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	var out []model.SignalSetModel
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// SaveEvaluation 记录一次评估结果。
func (s *SqliteStore) SaveEvaluation(ctx context.Context, runID, generatedSet, perfectSet string, toleranceBars int, eval repro.Evaluation) (int64, error) {
	payload, err := json.Marshal(eval)
	if err != nil {
		return 0, err
	}
	rec := model.EvaluationModel{
		RunID:         runID,
		GeneratedSet:  generatedSet,
		PerfectSet:    perfectSet,
		ToleranceBars: toleranceBars,
		CombinedScore: eval.CombinedScore,
		Tier:          eval.Tier,
		Result:        datatypes.JSON(payload),
		CreatedAtUnix: time.Now().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return 0, err
	}
	return rec.ID, nil
}

// ListEvaluations 按时间倒序列出评估记录。
func (s *SqliteStore) ListEvaluations(ctx context.Context, runID string, limit int) ([]model.EvaluationModel, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if runID != "" {
		q = q.Where("run_id = ?", runID)
	}
	var out []model.EvaluationModel
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
