package config

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.HTTPAddr == "" {
		c.App.HTTPAddr = ":9991"
	}
	if c.App.PlaysDir == "" {
		c.App.PlaysDir = "plays"
	}
	if c.Data.Root == "" {
		c.Data.Root = "data/candles"
	}
	if c.Data.Source == "" {
		c.Data.Source = "binance"
	}
	if c.Data.FetchBatch <= 0 {
		c.Data.FetchBatch = 1000
	}
	if c.Data.FetchWorkers <= 0 {
		c.Data.FetchWorkers = 2
	}
	if c.Backtest.ResultsDB == "" {
		c.Backtest.ResultsDB = "data/runs.db"
	}
	if c.Backtest.InitialBalance <= 0 {
		c.Backtest.InitialBalance = 10000
	}
	if c.Backtest.FeeRate == 0 {
		c.Backtest.FeeRate = 0.0005
	}
	if c.Backtest.Leverage == 0 {
		c.Backtest.Leverage = 1
	}
	if c.Report.Dir == "" {
		c.Report.Dir = "data/reports"
	}
}
