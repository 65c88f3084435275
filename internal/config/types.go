package config

// Config is the top-level quantbox configuration.
type Config struct {
	App        AppConfig        `toml:"app"`
	Data       DataConfig       `toml:"data"`
	Strategies StrategiesConfig `toml:"strategies"`
	Backtest   BacktestConfig   `toml:"backtest"`
	Paper      PaperConfig      `toml:"paper"`
	Bus        BusConfig        `toml:"bus"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	LogPath  string `toml:"log_path"`
}

// DataConfig locates the candle databases and the backtest results store.
type DataConfig struct {
	CandleDir string `toml:"candle_dir"`
	RunsDir   string `toml:"runs_dir"`
}

// StrategiesConfig points at the directory of strategy documents watched by
// the registry.
type StrategiesConfig struct {
	Dir string `toml:"dir"`
}

type BacktestConfig struct {
	MaxConcurrent      int     `toml:"max_concurrent"`
	InitialBalance     float64 `toml:"initial_balance"`
	RiskFreeRateAnnual float64 `toml:"risk_free_rate_annual"`
}

type PaperConfig struct {
	DBPath         string  `toml:"db_path"`
	Account        string  `toml:"account"`
	InitialBalance float64 `toml:"initial_balance"`
	DustThreshold  float64 `toml:"dust_threshold"`
}

// BusConfig tunes the tick fan-out. Policy is one of drop-newest,
// drop-oldest or block.
type BusConfig struct {
	QueueSize      int    `toml:"queue_size"`
	Policy         string `toml:"policy"`
	BlockTimeoutMS int    `toml:"block_timeout_ms"`
}
