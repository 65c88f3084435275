package config

import (
	"fmt"

	"quantbox/internal/bus"
)

func validate(c *Config) error {
	switch c.App.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app.log_level must be one of debug|info|warn|error, got %q", c.App.LogLevel)
	}
	if c.Backtest.RiskFreeRateAnnual < 0 {
		return fmt.Errorf("backtest.risk_free_rate_annual must be >= 0")
	}
	if c.Paper.DustThreshold < 0 {
		return fmt.Errorf("paper.dust_threshold must be >= 0")
	}
	if _, err := bus.ParsePolicy(c.Bus.Policy); err != nil {
		return fmt.Errorf("bus.policy: %w", err)
	}
	return nil
}
