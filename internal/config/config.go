// Package config 加载并校验应用配置（单个 YAML 文件）。
// 所有默认值显式落在 applyDefaults 里，校验失败立刻报错，
// 不让半残配置活到运行期。
package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config 是应用的全部配置。
type Config struct {
	App      AppConfig      `yaml:"app"`
	Data     DataConfig     `yaml:"data"`
	Backtest BacktestConfig `yaml:"backtest"`
	Report   ReportConfig   `yaml:"report"`
}

// AppConfig 是进程级设置。
type AppConfig struct {
	LogLevel string `yaml:"log_level"` // debug/info/warn/error
	LogFile  string `yaml:"log_file"`  // 为空则只写 stdout
	HTTPAddr string `yaml:"http_addr"`
	PlaysDir string `yaml:"plays_dir"`
	// WatchPlays 为真时监听 plays_dir，文件变更后重新加载。
	WatchPlays bool `yaml:"watch_plays"`
}

// DataConfig 是 K 线数据层设置。
type DataConfig struct {
	Root string `yaml:"root"` // 候选数据库目录
	// Source 为 binance 或 csv；csv 时 CSVPath 必填。
	Source         string `yaml:"source"`
	CSVPath        string `yaml:"csv_path"`
	BinanceBaseURL string `yaml:"binance_base_url"`
	FetchBatch     int    `yaml:"fetch_batch"`
	FetchWorkers   int    `yaml:"fetch_workers"`
}

// BacktestConfig 是模拟账户与结果库设置。
type BacktestConfig struct {
	ResultsDB       string  `yaml:"results_db"`
	InitialBalance  float64 `yaml:"initial_balance"`
	FeeRate         float64 `yaml:"fee_rate"`
	SlippageBps     float64 `yaml:"slippage_bps"`
	Leverage        float64 `yaml:"leverage"`
	MaintenanceRate float64 `yaml:"maintenance_rate"`
}

// ReportConfig 是报表输出设置。
type ReportConfig struct {
	Dir string `yaml:"dir"`
	// PNG 为真时用 headless 浏览器把报表页截成 PNG。
	PNG bool `yaml:"png"`
}

// Load 读取并校验配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config: 路径不能为空")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: 读取 %s 失败: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("config: 解析失败: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
