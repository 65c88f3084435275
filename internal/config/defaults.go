package config

const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultCandleDir         = "data/candles"
	defaultRunsDir           = "data/backtests"
	defaultStrategiesDir     = "strategies"
	defaultMaxConcurrent     = 2
	defaultInitialBalance    = 10000000
	defaultPaperDBPath       = "data/paper/paper.db"
	defaultPaperAccount      = "default"
	defaultBusQueueSize      = 256
	defaultBusPolicy         = "drop-newest"
	defaultBusBlockTimeoutMS = 100
)

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = defaultAppEnv
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = defaultAppLogLevel
	}
	if c.Data.CandleDir == "" {
		c.Data.CandleDir = defaultCandleDir
	}
	if c.Data.RunsDir == "" {
		c.Data.RunsDir = defaultRunsDir
	}
	if c.Strategies.Dir == "" {
		c.Strategies.Dir = defaultStrategiesDir
	}
	if c.Backtest.MaxConcurrent <= 0 {
		c.Backtest.MaxConcurrent = defaultMaxConcurrent
	}
	if c.Backtest.InitialBalance <= 0 {
		c.Backtest.InitialBalance = defaultInitialBalance
	}
	if c.Paper.DBPath == "" {
		c.Paper.DBPath = defaultPaperDBPath
	}
	if c.Paper.Account == "" {
		c.Paper.Account = defaultPaperAccount
	}
	if c.Paper.InitialBalance <= 0 {
		c.Paper.InitialBalance = defaultInitialBalance
	}
	if c.Bus.QueueSize <= 0 {
		c.Bus.QueueSize = defaultBusQueueSize
	}
	if c.Bus.Policy == "" {
		c.Bus.Policy = defaultBusPolicy
	}
	if c.Bus.BlockTimeoutMS <= 0 {
		c.Bus.BlockTimeoutMS = defaultBusBlockTimeoutMS
	}
}
