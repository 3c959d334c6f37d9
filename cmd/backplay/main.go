package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"backplay/internal/app"
	"backplay/internal/backtest"
	"backplay/internal/config"
	"backplay/internal/logger"
)

func main() {
	cfgPath := flag.String("config", envOr("BACKPLAY_CONFIG", "configs/config.yaml"), "配置文件路径")
	playName := flag.String("play", "", "run-once 模式：策略名（为空则启动服务模式）")
	startArg := flag.String("start", "", "run-once 模式：起始时间（毫秒时间戳或 2006-01-02）")
	endArg := flag.String("end", "", "run-once 模式：结束时间（毫秒时间戳或 2006-01-02）")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}
	logFile, err := setupLogOutput(cfg.App.LogFile)
	if err != nil {
		log.Fatalf("初始化日志文件失败: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ 配置加载成功（plays=%s，data=%s）", cfg.App.PlaysDir, cfg.Data.Root)

	application, err := app.NewApp(cfg)
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *playName != "" {
		if err := runOnce(ctx, application, *playName, *startArg, *endArg); err != nil {
			log.Fatalf("回测失败: %v", err)
		}
		return
	}
	if err := application.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("运行失败: %v", err)
	}
}

func runOnce(ctx context.Context, application *app.App, playName, startArg, endArg string) error {
	start, err := parseTime(startArg)
	if err != nil {
		return fmt.Errorf("解析 -start 失败: %w", err)
	}
	end, err := parseTime(endArg)
	if err != nil {
		return fmt.Errorf("解析 -end 失败: %w", err)
	}
	run, err := application.RunOnce(ctx, backtest.RunRequest{
		Play:    playName,
		StartTS: start,
		EndTS:   end,
	})
	if err != nil {
		return err
	}
	logger.Infof("run %s 完成：余额 %.2f → %.2f（%.2f%%），%d 笔交易，最大回撤 %.1f%%",
		run.ID, run.InitialBalance, run.FinalBalance, run.ReturnPct*100, run.Positions, run.MaxDrawdownPct*100)
	return nil
}

// parseTime 接受毫秒时间戳或 2006-01-02（按 UTC 零点）。
func parseTime(arg string) (int64, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return 0, fmt.Errorf("不能为空")
	}
	if ms, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.ParseInLocation("2006-01-02", arg, time.UTC)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
