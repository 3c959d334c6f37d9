package app

import (
	"context"
	"fmt"
	"os"

	"backplay/internal/backtest"
	"backplay/internal/config"
	"backplay/internal/datasource"
	"backplay/internal/datastore"
	"backplay/internal/exchange"
	"backplay/internal/logger"
	"backplay/internal/play"
	"backplay/internal/report"
)

// AppBuilder 按配置逐层装配依赖。装配函数可被测试替换。
type AppBuilder struct {
	cfg *config.Config

	sourceFn func(*config.Config) (datasource.Source, error)
	playsFn  func(string) (map[string]*play.Play, error)
}

// AppBuilderOption 定制装配行为。
type AppBuilderOption func(*AppBuilder)

// WithSource 替换数据源（测试注入假源）。
func WithSource(src datasource.Source) AppBuilderOption {
	return func(b *AppBuilder) {
		b.sourceFn = func(*config.Config) (datasource.Source, error) { return src, nil }
	}
}

// NewAppBuilder 创建装配器。
func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:      cfg,
		sourceFn: buildSource,
		playsFn:  loadPlays,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func buildSource(cfg *config.Config) (datasource.Source, error) {
	switch cfg.Data.Source {
	case "binance":
		return datasource.NewBinanceSource(cfg.Data.BinanceBaseURL, 0), nil
	case "csv":
		return datasource.NewCSVSource(cfg.Data.CSVPath), nil
	}
	return nil, fmt.Errorf("app: 未知数据源 %q", cfg.Data.Source)
}

// loadPlays 加载目录下全部 play；目录不存在按空集处理。
func loadPlays(dir string) (map[string]*play.Play, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Warnf("[app] play 目录 %s 不存在，以空策略集启动", dir)
		return map[string]*play.Play{}, nil
	}
	return play.LoadDir(dir)
}

// Build 装配完整应用。
func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := b.cfg

	store, err := datastore.Open(cfg.Data.Root)
	if err != nil {
		return nil, fmt.Errorf("app: 打开候选数据库失败: %w", err)
	}
	results, err := backtest.NewResultStore(cfg.Backtest.ResultsDB)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("app: 打开结果库失败: %w", err)
	}
	engine, err := backtest.NewEngine(store)
	if err != nil {
		return nil, err
	}
	source, err := b.sourceFn(cfg)
	if err != nil {
		return nil, err
	}
	syncer, err := datasource.NewSyncer(store, source, cfg.Data.FetchBatch, cfg.Data.FetchWorkers)
	if err != nil {
		return nil, err
	}
	plays, err := b.playsFn(cfg.App.PlaysDir)
	if err != nil {
		return nil, err
	}
	logger.Infof("[app] 已加载 %d 份策略", len(plays))

	svc, err := backtest.NewService(backtest.ServiceConfig{
		Store:   store,
		Results: results,
		Engine:  engine,
		Syncer:  syncer,
		Plays:   plays,
		Account: exchange.Config{
			InitialBalance:  cfg.Backtest.InitialBalance,
			FeeRate:         cfg.Backtest.FeeRate,
			SlippageBps:     cfg.Backtest.SlippageBps,
			Leverage:        cfg.Backtest.Leverage,
			MaintenanceRate: cfg.Backtest.MaintenanceRate,
		},
	})
	if err != nil {
		return nil, err
	}
	httpSrv, err := backtest.NewHTTPServer(backtest.HTTPConfig{
		Addr:    cfg.App.HTTPAddr,
		Svc:     svc,
		Results: results,
	})
	if err != nil {
		return nil, err
	}
	reporter, err := report.New(cfg.Report.Dir, cfg.Report.PNG)
	if err != nil {
		return nil, err
	}

	app := &App{
		cfg:      cfg,
		store:    store,
		results:  results,
		svc:      svc,
		httpSrv:  httpSrv,
		reporter: reporter,
	}
	if cfg.App.WatchPlays {
		app.watcher = b.buildWatcher(cfg.App.PlaysDir, svc)
	}
	return app, nil
}

// buildWatcher 让目录里任何一次成功/失败的变更都触发整目录重载，
// 保证服务看到的策略集始终与磁盘一致。
func (b *AppBuilder) buildWatcher(dir string, svc *backtest.Service) *play.Watcher {
	return play.NewWatcher(dir, func(path string, _ *play.Play, err error) {
		if err != nil {
			logger.Warnf("[app] play %s 校验失败: %v", path, err)
			return
		}
		plays, loadErr := b.playsFn(dir)
		if loadErr != nil {
			logger.Warnf("[app] 重载 play 目录失败: %v", loadErr)
			return
		}
		svc.ReplacePlays(plays)
		logger.Infof("[app] play 目录已重载（%d 份）", len(plays))
	})
}
