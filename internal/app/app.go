package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"backplay/internal/backtest"
	"backplay/internal/config"
	"backplay/internal/datastore"
	"backplay/internal/logger"
	"backplay/internal/play"
	"backplay/internal/report"
)

// App 负责应用级编排：加载配置→初始化依赖→启动 HTTP 与目录监听。
type App struct {
	cfg      *config.Config
	store    *datastore.Store
	results  *backtest.ResultStore
	svc      *backtest.Service
	httpSrv  *backtest.HTTPServer
	watcher  *play.Watcher
	reporter *report.Reporter
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run 以服务模式运行：HTTP 接口 + 可选的 play 目录监听，直到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.httpSrv.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	if a.watcher != nil {
		group.Go(func() error {
			return a.watcher.Run(ctx)
		})
	}
	err := group.Wait()
	a.svc.Wait()
	return err
}

// RunOnce 以 CLI 模式同步跑一次回测并生成报表。
func (a *App) RunOnce(ctx context.Context, req backtest.RunRequest) (backtest.Run, error) {
	run, result, err := a.svc.RunOnce(ctx, req)
	if err != nil {
		return run, err
	}
	htmlPath, pngPath, err := a.reporter.Write(ctx, run, result.Equity)
	if err != nil {
		logger.Warnf("[app] 报表生成失败: %v", err)
		return run, nil
	}
	logger.Infof("[app] 报表已写入 %s", htmlPath)
	if pngPath != "" {
		logger.Infof("[app] PNG 已写入 %s", pngPath)
	}
	return run, nil
}

// Service 暴露回测服务（测试与回放使用）。
func (a *App) Service() *backtest.Service {
	if a == nil {
		return nil
	}
	return a.svc
}

// Close 释放底层存储。
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var firstErr error
	if a.results != nil {
		if err := a.results.Close(); err != nil {
			firstErr = err
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
