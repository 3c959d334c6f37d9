package backtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"backplay/internal/datasource"
	"backplay/internal/datastore"
	"backplay/internal/exchange"
	"backplay/internal/feed"
	"backplay/internal/logger"
	"backplay/internal/market"
	"backplay/internal/play"
)

// ServiceConfig 装配回测服务。
type ServiceConfig struct {
	Store   *datastore.Store
	Results *ResultStore
	Engine  *Engine
	// Syncer 可为空：为空时只用本地已有数据，不做远端补齐。
	Syncer *datasource.Syncer
	// Plays 是已加载的策略文档，key 为 play 名。
	Plays map[string]*play.Play
	// Account 是账户默认参数，RunRequest 可逐项覆盖。
	Account exchange.Config
}

// Service 负责 run 的生命周期：提交、补数据、执行、落库、查询。
// 每个 run 在独立 goroutine 中执行，互不共享求值状态。
type Service struct {
	store   *datastore.Store
	results *ResultStore
	engine  *Engine
	syncer  *datasource.Syncer
	account exchange.Config

	mu    sync.RWMutex
	plays map[string]*play.Play
	wg    sync.WaitGroup
}

// NewService 创建回测服务。
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("backtest: store 不能为空")
	}
	if cfg.Results == nil {
		return nil, fmt.Errorf("backtest: result store 不能为空")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("backtest: engine 不能为空")
	}
	if cfg.Account.InitialBalance <= 0 {
		cfg.Account.InitialBalance = 10000
	}
	plays := cfg.Plays
	if plays == nil {
		plays = make(map[string]*play.Play)
	}
	return &Service{
		store:   cfg.Store,
		results: cfg.Results,
		engine:  cfg.Engine,
		syncer:  cfg.Syncer,
		account: cfg.Account,
		plays:   plays,
	}, nil
}

// ReplacePlays 整体替换已加载的策略集（目录监听回调使用）。
func (s *Service) ReplacePlays(plays map[string]*play.Play) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plays = plays
}

// PlayNames 返回可用策略名（排序）。
func (s *Service) PlayNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.plays))
	for name := range s.plays {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Play 按名取策略文档。
func (s *Service) Play(name string) (*play.Play, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.plays[name]
	return doc, ok
}

// accountFor 以服务默认为底，按请求逐项覆盖。
func (s *Service) accountFor(req RunRequest) exchange.Config {
	cfg := s.account
	if req.InitialBalance > 0 {
		cfg.InitialBalance = req.InitialBalance
	}
	if req.FeeRate > 0 {
		cfg.FeeRate = req.FeeRate
	}
	if req.SlippageBps > 0 {
		cfg.SlippageBps = req.SlippageBps
	}
	if req.Leverage > 0 {
		cfg.Leverage = req.Leverage
	}
	if req.MaintenanceRate > 0 {
		cfg.MaintenanceRate = req.MaintenanceRate
	}
	return cfg
}

// SubmitRun 异步提交一次回测，立即返回 pending 的 run 记录。
func (s *Service) SubmitRun(ctx context.Context, req RunRequest) (Run, error) {
	run, doc, acctCfg, err := s.buildRun(req)
	if err != nil {
		return Run{}, err
	}
	if err := s.results.CreateRun(ctx, run); err != nil {
		return Run{}, err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(context.Background(), run, doc, acctCfg)
	}()
	return run, nil
}

// RunOnce 同步执行一次回测（CLI 模式），返回已完成的 run。
func (s *Service) RunOnce(ctx context.Context, req RunRequest) (Run, *Result, error) {
	run, doc, acctCfg, err := s.buildRun(req)
	if err != nil {
		return Run{}, nil, err
	}
	if err := s.results.CreateRun(ctx, run); err != nil {
		return Run{}, nil, err
	}
	result, err := s.runToCompletion(ctx, &run, doc, acctCfg)
	if err != nil {
		return run, nil, err
	}
	return run, result, nil
}

// Wait 等待所有异步 run 结束（关停时用）。
func (s *Service) Wait() { s.wg.Wait() }

func (s *Service) buildRun(req RunRequest) (Run, *play.Play, exchange.Config, error) {
	doc, ok := s.Play(req.Play)
	if !ok {
		return Run{}, nil, exchange.Config{}, fmt.Errorf("backtest: 未找到策略 %q（可用: %v）", req.Play, s.PlayNames())
	}
	if req.StartTS <= 0 || req.EndTS <= 0 || req.EndTS < req.StartTS {
		return Run{}, nil, exchange.Config{}, fmt.Errorf("backtest: 区间 [%d, %d] 非法", req.StartTS, req.EndTS)
	}
	acctCfg := s.accountFor(req)
	now := time.Now()
	run := Run{
		ID:             uuid.NewString(),
		Play:           doc.Name,
		Symbol:         doc.Symbol,
		Status:         RunStatusPending,
		StartTS:        req.StartTS,
		EndTS:          req.EndTS,
		ExecTimeframe:  doc.Timeframes["exec"],
		InitialBalance: acctCfg.InitialBalance,
		Config: RunConfig{
			Play:            doc.Name,
			Symbol:          doc.Symbol,
			StartTS:         req.StartTS,
			EndTS:           req.EndTS,
			Timeframes:      doc.Timeframes,
			InitialBalance:  acctCfg.InitialBalance,
			FeeRate:         acctCfg.FeeRate,
			SlippageBps:     acctCfg.SlippageBps,
			Leverage:        acctCfg.Leverage,
			MaintenanceRate: acctCfg.MaintenanceRate,
			Notes:           req.Notes,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	return run, doc, acctCfg, nil
}

func (s *Service) execute(ctx context.Context, run Run, doc *play.Play, acctCfg exchange.Config) {
	if _, err := s.runToCompletion(ctx, &run, doc, acctCfg); err != nil {
		logger.ForRun(run.ID).Errorf("执行失败: %v", err)
	}
}

func (s *Service) runToCompletion(ctx context.Context, run *Run, doc *play.Play, acctCfg exchange.Config) (*Result, error) {
	log := logger.ForRun(run.ID)
	log.Infof("开始: play=%s symbol=%s 区间 [%d, %d]", run.Play, run.Symbol, run.StartTS, run.EndTS)
	if err := s.results.SetStatus(ctx, run.ID, RunStatusRunning, ""); err != nil {
		return nil, err
	}
	if err := s.ensureData(ctx, doc, run.StartTS, run.EndTS); err != nil {
		_ = s.results.SetStatus(ctx, run.ID, RunStatusFailed, err.Error())
		return nil, err
	}
	result, err := s.engine.Run(ctx, doc, acctCfg, run.StartTS, run.EndTS)
	if err != nil {
		_ = s.results.SetStatus(ctx, run.ID, RunStatusFailed, err.Error())
		return nil, err
	}
	finishRun(run, result)
	if err := s.results.FinishRun(ctx, *run, result); err != nil {
		return nil, err
	}
	log.Infof("完成: %d bars, %d 笔交易, 终值 %.2f", result.Bars, len(result.Trades), result.Stats.FinalBalance)
	return result, nil
}

// finishRun 把引擎产物折叠进 run 汇总字段。
func finishRun(run *Run, result *Result) {
	stats := result.Stats
	now := time.Now()
	run.Status = RunStatusDone
	run.FinalBalance = stats.FinalBalance
	run.Profit = stats.Profit
	run.ReturnPct = stats.ReturnPct
	run.WinRate = stats.WinRate
	run.MaxDrawdownPct = stats.MaxDrawdownPct
	run.Orders = len(result.Fills)
	run.Positions = len(result.Trades)
	run.ActionHash = result.ActionHash
	run.UpdatedAt = now
	run.CompletedAt = now
	run.Stats = RunStats{
		FinalBalance:   stats.FinalBalance,
		Profit:         stats.Profit,
		ReturnPct:      stats.ReturnPct,
		WinRate:        stats.WinRate,
		MaxDrawdownPct: stats.MaxDrawdownPct,
		Orders:         len(result.Fills),
		Positions:      len(result.Trades),
		Wins:           stats.Wins,
		Losses:         stats.Losses,
		Liquidations:   stats.Liquidations,
		FeesPaid:       stats.FeesPaid,
		EquityPeak:     stats.EquityPeak,
		EquityValley:   stats.EquityValley,
		Bars:           result.Bars,
		ActionHash:     result.ActionHash,
		FinishedAt:     now,
	}
}

// ensureData 在有同步器时把 play 声明的所有周期补齐到目标区间；
// play 引用了 ticker 通道时连带补齐 1m 成交价与标记价数据。
func (s *Service) ensureData(ctx context.Context, doc *play.Play, start, end int64) error {
	if s.syncer == nil {
		return nil
	}
	tfs := make([]market.Timeframe, 0, len(doc.Timeframes))
	for roleName, tfKey := range doc.Timeframes {
		if _, err := feed.ParseRole(roleName); err != nil {
			return err
		}
		tf, err := market.ParseTimeframe(tfKey)
		if err != nil {
			return err
		}
		tfs = append(tfs, tf)
	}
	if err := s.syncer.EnsureAll(ctx, doc.Symbol, tfs, start, end); err != nil {
		return err
	}
	ticker, err := s.engine.UsesTicker(doc)
	if err != nil {
		return err
	}
	if !ticker {
		return nil
	}
	return s.syncer.EnsureTicker(ctx, doc.Symbol, start, end)
}

// Runs 列出最近的 run。
func (s *Service) Runs(ctx context.Context, limit int) ([]Run, error) {
	return s.results.ListRuns(ctx, limit)
}

// Run 查询单个 run。
func (s *Service) Run(ctx context.Context, id string) (Run, error) {
	return s.results.GetRun(ctx, id)
}

// Manifest 返回某 symbol@timeframe 的本地数据清单。
func (s *Service) Manifest(ctx context.Context, symbol, timeframe string) (datastore.Manifest, error) {
	return s.store.Manifest(ctx, symbol, timeframe)
}
