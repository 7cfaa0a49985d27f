package config

// applyDefaults 只补零值，已显式配置的字段不动。
func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	c.Engine.applyDefaults()
	if c.Data.CandleDir == "" {
		c.Data.CandleDir = "data/candles"
	}
	if c.Data.ResultDir == "" {
		c.Data.ResultDir = "data/results"
	}
	if c.Data.SignalDir == "" {
		c.Data.SignalDir = "data/signals"
	}
	if c.Data.SignalDB == "" {
		c.Data.SignalDB = "data/signals.db"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":9991"
	}
	if c.Batch.MaxConcurrent <= 0 {
		c.Batch.MaxConcurrent = 2
	}
}

func (e *EngineConfig) applyDefaults() {
	if e.InitialCapital == 0 {
		e.InitialCapital = 10_000_000
	}
	if e.FeeRate == 0 {
		e.FeeRate = 0.0005
	}
	if e.Slippage == 0 {
		e.Slippage = 0.0002
	}
	if e.KellyFractionCap == 0 {
		e.KellyFractionCap = 1.0
	}
	if e.KellyFraction == 0 {
		e.KellyFraction = 0.25
	}
	if e.KellyMinSample == 0 {
		e.KellyMinSample = 10
	}
	if e.KellyFallback == 0 {
		e.KellyFallback = 0.10
	}
	if e.RegimeWindow == 0 {
		e.RegimeWindow = 30
	}
	if e.RegimeLookback == 0 {
		e.RegimeLookback = 500
	}
	if e.ReproductionToleranceBars == 0 {
		e.ReproductionToleranceBars = 1
	}
}
