package config

// Config 是整个 harness 的配置根。
type Config struct {
	App    AppConfig    `mapstructure:"app"`
	Engine EngineConfig `mapstructure:"engine"`
	Data   DataConfig   `mapstructure:"data"`
	Server ServerConfig `mapstructure:"server"`
	Batch  BatchConfig  `mapstructure:"batch"`
}

type AppConfig struct {
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
	LogPath  string `mapstructure:"log_path"`
}

// EngineConfig 是回测引擎的参数契约，范围见各字段注释。
// 构造时整体校验一次，模拟过程中不再做任何兜底读取。
type EngineConfig struct {
	InitialCapital            float64 `mapstructure:"initial_capital" json:"initial_capital"`                         // > 0
	FeeRate                   float64 `mapstructure:"fee_rate" json:"fee_rate"`                                       // [0, 0.01]
	Slippage                  float64 `mapstructure:"slippage" json:"slippage"`                                       // [0, 0.01]
	MinOrderAmount            float64 `mapstructure:"min_order_amount" json:"min_order_amount"`                       // >= 0
	KellyEnabled              bool    `mapstructure:"kelly_enabled" json:"kelly_enabled"`                             //
	KellyFractionCap          float64 `mapstructure:"kelly_fraction_cap" json:"kelly_fraction_cap"`                   // [0, 1]
	KellyFraction             float64 `mapstructure:"kelly_fraction" json:"kelly_fraction"`                           // (0, 1]
	KellyMinSample            int     `mapstructure:"kelly_min_sample" json:"kelly_min_sample"`                       // >= 1
	KellyFallback             float64 `mapstructure:"kelly_fallback" json:"kelly_fallback"`                           // (0, cap]
	RegimeWindow              int     `mapstructure:"regime_window" json:"regime_window"`                             // >= 1
	RegimeLookback            int     `mapstructure:"regime_lookback" json:"regime_lookback"`                         // >= 1
	ReproductionToleranceBars int     `mapstructure:"reproduction_tolerance_bars" json:"reproduction_tolerance_bars"` // >= 0
}

type DataConfig struct {
	CandleDir string `mapstructure:"candle_dir"`
	ResultDir string `mapstructure:"result_dir"`
	SignalDir string `mapstructure:"signal_dir"`
	SignalDB  string `mapstructure:"signal_db"`
	Profiles  string `mapstructure:"profiles"`
}

type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type BatchConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent"`
}
