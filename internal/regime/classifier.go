package regime

import (
	"fmt"
	"math"
	"sort"

	"github.com/markcheno/go-talib"

	"btlab/internal/market"
)

// Label 是单根 K 线的市场状态标签。
type Label string

const (
	BullStrong      Label = "BULL_STRONG"
	BullWeak        Label = "BULL_WEAK"
	SidewaysBull    Label = "SIDEWAYS_BULL"
	SidewaysNeutral Label = "SIDEWAYS_NEUTRAL"
	SidewaysBear    Label = "SIDEWAYS_BEAR"
	BearWeak        Label = "BEAR_WEAK"
	BearStrong      Label = "BEAR_STRONG"
)

// Config 控制分类窗口与阈值分位数。
type Config struct {
	Window    int     // 趋势窗口（SMA/ADX 周期），默认 30
	Lookback  int     // 阈值标定回看长度，默认 500
	LowQ      float64 // 中性带分位数，默认 0.30
	MidQ      float64 // 弱趋势分位数，默认 0.60
	HighQ     float64 // 强趋势分位数，默认 0.85
	StrengthQ float64 // 趋势强度分位数，默认 0.70
}

func (c *Config) applyDefaults() {
	if c.Window <= 0 {
		c.Window = 30
	}
	if c.Lookback <= 0 {
		c.Lookback = 500
	}
	if c.LowQ <= 0 {
		c.LowQ = 0.30
	}
	if c.MidQ <= 0 {
		c.MidQ = 0.60
	}
	if c.HighQ <= 0 {
		c.HighQ = 0.85
	}
	if c.StrengthQ <= 0 {
		c.StrengthQ = 0.70
	}
}

func (c Config) validate() error {
	if !(c.LowQ < c.MidQ && c.MidQ < c.HighQ) {
		return fmt.Errorf("regime quantiles must satisfy low < mid < high, got %.2f/%.2f/%.2f", c.LowQ, c.MidQ, c.HighQ)
	}
	for _, q := range []float64{c.LowQ, c.MidQ, c.HighQ, c.StrengthQ} {
		if q <= 0 || q >= 1 {
			return fmt.Errorf("regime quantile out of (0,1): %.3f", q)
		}
	}
	return nil
}

// Thresholds 是标定后的斜率/强度阈值。斜率单位：每根 K 线的百分比变化。
type Thresholds struct {
	Low      float64 `json:"low"`
	Mid      float64 `json:"mid"`
	High     float64 `json:"high"`
	Strength float64 `json:"strength"`
}

// DefaultThresholds 为未标定时的兜底阈值（按 BTC 日线经验值）。
var DefaultThresholds = Thresholds{
	Low:      0.0004,
	Mid:      0.0012,
	High:     0.0030,
	Strength: 0.22,
}

// Classifier 把趋势斜率 + 趋势强度映射到七档市场状态。
// 纯派生计算：标签不作为权威状态持久化。
type Classifier struct {
	cfg Config
	th  Thresholds
}

func NewClassifier(cfg Config) (*Classifier, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Classifier{cfg: cfg, th: DefaultThresholds}, nil
}

// Thresholds 返回当前生效的阈值。
func (c *Classifier) Thresholds() Thresholds { return c.th }

// Window 返回趋势窗口长度。
func (c *Classifier) Window() int { return c.cfg.Window }

// warmup 是第一根可分类 K 线的下标：SMA 斜率与 ADX 都需要约两个窗口。
func (c *Classifier) warmup() int { return 2 * c.cfg.Window }

// Calibrate 用给定历史的最近 Lookback 根 K 线重新标定阈值：
// 斜率阈值取 |slope| 分布的分位数，强度阈值取强度分布分位数。
func (c *Classifier) Calibrate(candles []market.Candle) error {
	if len(candles) <= c.warmup() {
		return market.NewDataError("calibration needs more than %d candles, got %d", c.warmup(), len(candles))
	}
	if len(candles) > c.cfg.Lookback {
		candles = candles[len(candles)-c.cfg.Lookback:]
	}
	slopes, strengths := c.indicators(candles)
	absSlopes := make([]float64, 0, len(slopes))
	liveStrengths := make([]float64, 0, len(strengths))
	for i := c.warmup(); i < len(slopes); i++ {
		absSlopes = append(absSlopes, math.Abs(slopes[i]))
		liveStrengths = append(liveStrengths, strengths[i])
	}
	if len(absSlopes) == 0 {
		return market.NewDataError("calibration window too short after warmup")
	}
	c.th = Thresholds{
		Low:      quantile(absSlopes, c.cfg.LowQ),
		Mid:      quantile(absSlopes, c.cfg.MidQ),
		High:     quantile(absSlopes, c.cfg.HighQ),
		Strength: quantile(liveStrengths, c.cfg.StrengthQ),
	}
	return nil
}

// ClassifyAll 给每根 K 线打标签。warmup 之前的 K 线统一记为 SIDEWAYS_NEUTRAL。
// 指标整段预计算，整体 O(n)。
func (c *Classifier) ClassifyAll(candles []market.Candle) ([]Label, error) {
	if err := market.ValidateSeries(candles); err != nil {
		return nil, err
	}
	slopes, strengths := c.indicators(candles)
	labels := make([]Label, len(candles))
	for i := range candles {
		if i < c.warmup() {
			labels[i] = SidewaysNeutral
			continue
		}
		labels[i] = c.label(slopes[i], strengths[i])
	}
	return labels, nil
}

// ClassifyWindow 对单个 trailing 窗口分类（窗口内部再取半窗周期算指标）。
func (c *Classifier) ClassifyWindow(window []market.Candle) (Label, error) {
	if len(window) < 4 {
		return SidewaysNeutral, market.NewDataError("window too short: %d", len(window))
	}
	period := len(window) / 2
	closes := market.Closes(window)
	sma := talib.Sma(closes, period)
	first, last := sma[period-1], sma[len(sma)-1]
	span := float64(len(window) - period)
	slope := 0.0
	if first > 0 && span > 0 {
		slope = (last - first) / (first * span)
	}
	highs := make([]float64, len(window))
	lows := make([]float64, len(window))
	for i, k := range window {
		highs[i] = k.High
		lows[i] = k.Low
	}
	adxPeriod := period / 2
	strength := 0.0
	if adxPeriod >= 2 {
		adx := talib.Adx(highs, lows, closes, adxPeriod)
		strength = adx[len(adx)-1] / 100
	}
	return c.label(slope, strength), nil
}

// label 按文档化的顺序规则求标签。平局一律落向更中性的一档，
// 因此中性带判定（含端点）先于强弱趋势判定。
func (c *Classifier) label(slope, strength float64) Label {
	th := c.th
	switch {
	case math.Abs(slope) <= th.Low:
		return SidewaysNeutral
	case slope >= th.High && strength >= th.Strength:
		return BullStrong
	case slope >= th.Mid:
		return BullWeak
	case slope <= -th.High && strength >= th.Strength:
		return BearStrong
	case slope <= -th.Mid:
		return BearWeak
	case slope > 0:
		return SidewaysBull
	default:
		return SidewaysBear
	}
}

// indicators 返回与 candles 等长的斜率/强度序列（warmup 之前为 0）。
func (c *Classifier) indicators(candles []market.Candle) (slopes, strengths []float64) {
	n := len(candles)
	w := c.cfg.Window
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, k := range candles {
		closes[i] = k.Close
		highs[i] = k.High
		lows[i] = k.Low
	}
	slopes = make([]float64, n)
	strengths = make([]float64, n)
	if n < w+1 {
		return slopes, strengths
	}
	sma := talib.Sma(closes, w)
	for i := 2*w - 1; i < n; i++ {
		base := sma[i-w]
		if base > 0 {
			slopes[i] = (sma[i] - base) / (base * float64(w))
		}
	}
	if n > 2*w {
		adx := talib.Adx(highs, lows, closes, w)
		for i := range adx {
			strengths[i] = adx[i] / 100
		}
	}
	return slopes, strengths
}

// quantile 取排序后序列的线性插值分位数。
func quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
