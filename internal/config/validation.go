package config

import (
	"fmt"
)

func (c *Config) validate() error {
	switch c.App.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log_level %q 非法（可用: debug/info/warn/error）", c.App.LogLevel)
	}
	switch c.Data.Source {
	case "binance":
	case "csv":
		if c.Data.CSVPath == "" {
			return fmt.Errorf("config: data.source 为 csv 时必须给 csv_path")
		}
	default:
		return fmt.Errorf("config: data.source %q 非法（可用: binance/csv）", c.Data.Source)
	}
	if c.Backtest.FeeRate < 0 || c.Backtest.FeeRate >= 0.1 {
		return fmt.Errorf("config: fee_rate %v 不合理", c.Backtest.FeeRate)
	}
	if c.Backtest.SlippageBps < 0 {
		return fmt.Errorf("config: slippage_bps 不能为负")
	}
	if c.Backtest.Leverage < 1 || c.Backtest.Leverage > 125 {
		return fmt.Errorf("config: leverage %v 超出 [1,125]", c.Backtest.Leverage)
	}
	if c.Backtest.MaintenanceRate < 0 || c.Backtest.MaintenanceRate >= 1/c.Backtest.Leverage {
		return fmt.Errorf("config: maintenance_rate %v 不合理", c.Backtest.MaintenanceRate)
	}
	return nil
}
