package market

import (
	"errors"
	"fmt"
)

// Candle 表示单根 K 线。时间戳为 Unix 毫秒，CloseTime 是全系统使用的主时间戳。
type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// DataError 表示输入序列本身不合法（重复/乱序时间戳、缺字段、空序列）。
// 遇到它立即终止，不允许带病模拟。
type DataError struct {
	msg string
}

func (e *DataError) Error() string { return e.msg }

func NewDataError(format string, args ...any) error {
	return &DataError{msg: fmt.Sprintf(format, args...)}
}

// IsDataError 判断 err 链上是否存在 DataError。
func IsDataError(err error) bool {
	var de *DataError
	return errors.As(err, &de)
}

// Gap 记录相邻 K 线之间缺失的区间（按给定步长推断）。
type Gap struct {
	FromTS int64 `json:"from_ts"`
	ToTS   int64 `json:"to_ts"`
	Bars   int64 `json:"bars"`
}

// ValidateSeries 校验序列满足 Loader 契约：非空、时间戳严格递增、OHLCV 有效。
// 失败返回 DataError。
func ValidateSeries(candles []Candle) error {
	if len(candles) == 0 {
		return NewDataError("empty candle series")
	}
	var prev int64 = -1
	for i, c := range candles {
		if c.CloseTime <= 0 {
			return NewDataError("candle %d: missing close_time", i)
		}
		if c.CloseTime == prev {
			return NewDataError("candle %d: duplicate timestamp %d", i, c.CloseTime)
		}
		if c.CloseTime < prev {
			return NewDataError("candle %d: non-monotonic timestamp %d < %d", i, c.CloseTime, prev)
		}
		if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
			return NewDataError("candle %d (ts=%d): non-positive OHLC field", i, c.CloseTime)
		}
		if c.Volume < 0 {
			return NewDataError("candle %d (ts=%d): negative volume", i, c.CloseTime)
		}
		if c.High < c.Low {
			return NewDataError("candle %d (ts=%d): high < low", i, c.CloseTime)
		}
		prev = c.CloseTime
	}
	return nil
}

// DetectGaps 按固定步长（毫秒）找出缺口。缺口只上报，不做任何填补。
func DetectGaps(candles []Candle, stepMillis int64) []Gap {
	if stepMillis <= 0 || len(candles) < 2 {
		return nil
	}
	var gaps []Gap
	for i := 1; i < len(candles); i++ {
		delta := candles[i].CloseTime - candles[i-1].CloseTime
		if delta > stepMillis {
			gaps = append(gaps, Gap{
				FromTS: candles[i-1].CloseTime,
				ToTS:   candles[i].CloseTime,
				Bars:   delta/stepMillis - 1,
			})
		}
	}
	return gaps
}

// InferStep 推断序列的 bar 步长（毫秒）：取相邻时间戳差值的最小正值。
// 缺口只会放大差值，不会缩小，所以最小差值就是真实步长。
func InferStep(candles []Candle) int64 {
	var step int64
	for i := 1; i < len(candles); i++ {
		delta := candles[i].CloseTime - candles[i-1].CloseTime
		if delta > 0 && (step == 0 || delta < step) {
			step = delta
		}
	}
	return step
}

// Closes 提取收盘价序列，供指标计算使用。
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
