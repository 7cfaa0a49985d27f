package market

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"btlab/internal/logger"
)

// Loader 为回测提供指定 symbol+timeframe 的有序 K 线。
// 契约：时间戳严格递增、OHLCV 字段齐全、缺口原样暴露不填补。
type Loader interface {
	Load(ctx context.Context, symbol, timeframe string, startTS, endTS int64) ([]Candle, error)
}

// FileLoader 从本地 CSV 目录读取 K 线，文件名约定 <SYMBOL>_<timeframe>.csv。
// 列: timestamp,open,high,low,close,volume（timestamp 为 Unix 毫秒收盘时间）。
type FileLoader struct {
	root string
}

func NewFileLoader(root string) (*FileLoader, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("data root cannot be empty")
	}
	return &FileLoader{root: root}, nil
}

func (l *FileLoader) Load(ctx context.Context, symbol, timeframe string, startTS, endTS int64) ([]Candle, error) {
	name := fmt.Sprintf("%s_%s.csv", strings.ToUpper(strings.TrimSpace(symbol)), strings.ToLower(strings.TrimSpace(timeframe)))
	path := filepath.Join(l.root, name)
	f, err := os.Open(path)
	if err != nil {
		return nil, NewDataError("open candle file %s: %v", path, err)
	}
	defer f.Close()

	candles, err := ReadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if startTS > 0 || endTS > 0 {
		candles = clip(candles, startTS, endTS)
	}
	if err := ValidateSeries(candles); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	// 缺口只上报不填补：对齐由数据源负责，引擎按原始序列模拟。
	if gaps := DetectGaps(candles, InferStep(candles)); len(gaps) > 0 {
		logger.Warnf("[market] %s 存在 %d 个缺口（首个 %d→%d，缺 %d 根）", name, len(gaps), gaps[0].FromTS, gaps[0].ToTS, gaps[0].Bars)
	}
	return candles, nil
}

// ReadCSV 解析 timestamp,open,high,low,close,volume 格式的 K 线文件。
// 首行如果是表头会被跳过。
func ReadCSV(r io.Reader) ([]Candle, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	var candles []Candle
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, NewDataError("csv line %d: %v", line+1, err)
		}
		line++
		if len(record) < 6 {
			return nil, NewDataError("csv line %d: expected 6 columns, got %d", line, len(record))
		}
		if line == 1 && !isNumeric(record[0]) {
			continue // 表头
		}
		c, err := parseRow(record)
		if err != nil {
			return nil, NewDataError("csv line %d: %v", line, err)
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func parseRow(record []string) (Candle, error) {
	ts, err := strconv.ParseInt(strings.TrimSpace(record[0]), 10, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("bad timestamp %q", record[0])
	}
	vals := make([]float64, 5)
	for i := 0; i < 5; i++ {
		v, err := strconv.ParseFloat(strings.TrimSpace(record[i+1]), 64)
		if err != nil {
			return Candle{}, fmt.Errorf("bad numeric field %q", record[i+1])
		}
		vals[i] = v
	}
	return Candle{
		CloseTime: ts,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}

func isNumeric(s string) bool {
	_, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return err == nil
}

func clip(candles []Candle, startTS, endTS int64) []Candle {
	lo := 0
	for lo < len(candles) && startTS > 0 && candles[lo].CloseTime < startTS {
		lo++
	}
	hi := len(candles)
	for hi > lo && endTS > 0 && candles[hi-1].CloseTime > endTS {
		hi--
	}
	return candles[lo:hi]
}
