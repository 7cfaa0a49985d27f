package config

import (
	"errors"
	"fmt"
)

// ConfigError 表示配置值越界，构造期即失败，不带入模拟。
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

func NewConfigError(format string, args ...any) error {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// IsConfigError 判断 err 链上是否存在 ConfigError。
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

func validate(c *Config) error {
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if c.Batch.MaxConcurrent < 1 {
		return NewConfigError("batch.max_concurrent must be >= 1, got %d", c.Batch.MaxConcurrent)
	}
	return nil
}

// Validate 按文档化范围校验引擎参数。
func (e EngineConfig) Validate() error {
	if e.InitialCapital <= 0 {
		return NewConfigError("engine.initial_capital must be > 0, got %v", e.InitialCapital)
	}
	if e.FeeRate < 0 || e.FeeRate > 0.01 {
		return NewConfigError("engine.fee_rate must be in [0, 0.01], got %v", e.FeeRate)
	}
	if e.Slippage < 0 || e.Slippage > 0.01 {
		return NewConfigError("engine.slippage must be in [0, 0.01], got %v", e.Slippage)
	}
	if e.MinOrderAmount < 0 {
		return NewConfigError("engine.min_order_amount must be >= 0, got %v", e.MinOrderAmount)
	}
	if e.KellyFractionCap < 0 || e.KellyFractionCap > 1 {
		return NewConfigError("engine.kelly_fraction_cap must be in [0, 1], got %v", e.KellyFractionCap)
	}
	if e.KellyFraction <= 0 || e.KellyFraction > 1 {
		return NewConfigError("engine.kelly_fraction must be in (0, 1], got %v", e.KellyFraction)
	}
	if e.KellyMinSample < 1 {
		return NewConfigError("engine.kelly_min_sample must be >= 1, got %d", e.KellyMinSample)
	}
	if e.RegimeWindow < 1 {
		return NewConfigError("engine.regime_window must be >= 1, got %d", e.RegimeWindow)
	}
	if e.RegimeLookback < 1 {
		return NewConfigError("engine.regime_lookback must be >= 1, got %d", e.RegimeLookback)
	}
	if e.ReproductionToleranceBars < 0 {
		return NewConfigError("engine.reproduction_tolerance_bars must be >= 0, got %d", e.ReproductionToleranceBars)
	}
	return nil
}
