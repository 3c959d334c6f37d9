package backtest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"

	"backplay/internal/datastore"
	"backplay/internal/dsl"
	"backplay/internal/exchange"
	"backplay/internal/feed"
	"backplay/internal/indicator"
	"backplay/internal/logger"
	"backplay/internal/market"
	"backplay/internal/play"
	"backplay/internal/structure"
)

// Engine 执行单次回测：取数、算指标与结构、建快照、编译 play、
// 逐 bar 求值并把触发的动作落到模拟账户。无共享可变状态，
// 可以并发跑多个 run（每个 run 自己一套求值状态与账户）。
type Engine struct {
	store *datastore.Store
}

// NewEngine 创建回测引擎。
func NewEngine(store *datastore.Store) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("backtest: 候选数据仓库不能为空")
	}
	return &Engine{store: store}, nil
}

// Result 是一次回测的完整产物。
type Result struct {
	Play       string
	Symbol     string
	Stats      exchange.Stats
	Fills      []exchange.Fill
	Trades     []exchange.Trade
	Equity     []EquityPoint
	Fires      []FireEvent
	ActionHash string
	Bars       int
}

// roleData 是单个周期角色准备好的全部数组。
type roleData struct {
	role       feed.Role
	tf         market.Timeframe
	cols       market.Columns
	features   map[string][]float64
	structures map[string]feed.StructureFields
	lastPrice  []float64
	markPrice  []float64
}

// Run 在 [start, end]（毫秒，按执行周期对齐）上回测一份 play。
// 全流程确定性：同样的输入必然产出同样的 ActionHash。
func (e *Engine) Run(ctx context.Context, doc *play.Play, acctCfg exchange.Config, start, end int64) (*Result, error) {
	if doc == nil {
		return nil, fmt.Errorf("backtest: play 文档为空")
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	tfs, err := parseTimeframes(doc)
	if err != nil {
		return nil, err
	}
	execTF := tfs[feed.RoleExec]
	start, end = execTF.AlignRange(start, end)
	if start > end {
		return nil, fmt.Errorf("backtest: 区间 [%d, %d] 对齐到 %s 后为空", start, end, execTF.Key)
	}

	roles, err := e.prepareRoles(ctx, doc, tfs, start, end)
	if err != nil {
		return nil, err
	}

	reg, err := buildRegistry(doc, tfs)
	if err != nil {
		return nil, err
	}
	prog, err := dsl.Compile(doc, reg, tfs)
	if err != nil {
		return nil, err
	}

	var markBars []market.Candle
	if usesTicker(prog) {
		markBars, err = e.attachTicker(ctx, doc.Symbol, roles, start, end)
		if err != nil {
			return nil, err
		}
	}

	execStore, contexts, err := buildStores(doc.Symbol, roles)
	if err != nil {
		return nil, err
	}
	snap, err := feed.NewSnapshot(execStore, contexts)
	if err != nil {
		return nil, err
	}
	acct, err := exchange.New(acctCfg)
	if err != nil {
		return nil, err
	}

	return e.runBars(doc, prog, snap, execStore, acct, markBars)
}

func usesTicker(prog *dsl.Program) bool {
	return prog.ReferencesBuiltin("last_price") || prog.ReferencesBuiltin("mark_price")
}

// UsesTicker 报告一份 play 是否引用 ticker 通道（last_price / mark_price）。
// 数据同步据此决定要不要补 1m 成交价与标记价 K 线。
func (e *Engine) UsesTicker(doc *play.Play) (bool, error) {
	tfs, err := parseTimeframes(doc)
	if err != nil {
		return false, err
	}
	reg, err := buildRegistry(doc, tfs)
	if err != nil {
		return false, err
	}
	prog, err := dsl.Compile(doc, reg, tfs)
	if err != nil {
		return false, err
	}
	return usesTicker(prog), nil
}

// attachTicker 把 1m ticker 数据采样到每个角色的 bar 上，并为执行周期
// 聚合出每根 bar 的标记价 K 线。play 引用了 last_price / mark_price
// 却没有本地 1m 数据时直接失败，不允许整场回测静默落在 Missing 上。
func (e *Engine) attachTicker(ctx context.Context, symbol string, roles map[feed.Role]*roleData, start, end int64) ([]market.Candle, error) {
	oneMin, err := market.ParseTimeframe(datastore.TickerTimeframe)
	if err != nil {
		return nil, err
	}
	// 1m 数据要一直铺到最慢角色最后一根 bar 的收盘，
	// 只对齐 [start, end] 会缺最后一根 bar 内的分钟线。
	s, en := oneMin.AlignRange(start, end)
	for _, rd := range roles {
		if last := rd.cols.CloseTime[rd.cols.Len()-1]; last > en {
			en = last
		}
	}
	trades, err := e.store.RangeCandles(ctx, symbol, datastore.TickerTimeframe, s, en)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, fmt.Errorf("backtest: play 引用了 last_price/mark_price，但 %s@%s 在 [%d, %d] 内没有数据，先同步 ticker", symbol, datastore.TickerTimeframe, s, en)
	}
	marks, err := e.store.RangeCandles(ctx, symbol, datastore.TickerMarkTimeframe, s, en)
	if err != nil {
		return nil, err
	}
	if len(marks) == 0 {
		return nil, fmt.Errorf("backtest: play 引用了 last_price/mark_price，但 %s@%s 在 [%d, %d] 内没有数据，先同步 ticker", symbol, datastore.TickerMarkTimeframe, s, en)
	}
	var execCols market.Columns
	for _, rd := range roles {
		rd.lastPrice = sampleCloses(trades, rd.cols.CloseTime)
		rd.markPrice = sampleCloses(marks, rd.cols.CloseTime)
		if rd.role == feed.RoleExec {
			execCols = rd.cols
		}
	}
	return aggregateMarkBars(marks, execCols), nil
}

// sampleCloses 取每个 bar 收盘时刻（含）之前最近一根 1m K 线的收盘价。
// 还没有任何 1m 数据的前导 bar 记为 NaN，feed 层把它归为 Missing。
func sampleCloses(minutes []market.Candle, closeTS []int64) []float64 {
	out := make([]float64, len(closeTS))
	j := -1
	for i, ts := range closeTS {
		for j+1 < len(minutes) && minutes[j+1].CloseTime <= ts {
			j++
		}
		if j < 0 {
			out[i] = math.NaN()
		} else {
			out[i] = minutes[j].Close
		}
	}
	return out
}

// aggregateMarkBars 把 1m 标记价 K 线聚合成与执行 bar 对齐的标记 K 线。
// 某根执行 bar 完全没有标记价数据时留空（Close==0），主循环退回
// 用执行 K 线自身做强平检查。
func aggregateMarkBars(marks []market.Candle, cols market.Columns) []market.Candle {
	out := make([]market.Candle, cols.Len())
	j := 0
	for i := 0; i < cols.Len(); i++ {
		bar := market.Candle{OpenTime: cols.OpenTime[i], CloseTime: cols.CloseTime[i]}
		empty := true
		for j < len(marks) && marks[j].CloseTime <= cols.CloseTime[i] {
			if marks[j].CloseTime >= cols.OpenTime[i] {
				if empty {
					bar.Open = marks[j].Open
					bar.High = marks[j].High
					bar.Low = marks[j].Low
					empty = false
				} else {
					bar.High = math.Max(bar.High, marks[j].High)
					bar.Low = math.Min(bar.Low, marks[j].Low)
				}
				bar.Close = marks[j].Close
			}
			j++
		}
		if !empty {
			out[i] = bar
		}
	}
	return out
}

// runBars 是主循环：每根执行 bar 先做强平检查，再求值、执行动作、采样权益。
func (e *Engine) runBars(doc *play.Play, prog *dsl.Program, snap *feed.Snapshot, execStore *feed.Store, acct *exchange.Account, markBars []market.Candle) (*Result, error) {
	ev := dsl.NewEvaluator(prog)
	hash := sha256.New()
	res := &Result{
		Play:   doc.Name,
		Symbol: doc.Symbol,
		Bars:   execStore.Len(),
		Equity: make([]EquityPoint, 0, execStore.Len()),
	}
	peak := 0.0

	for i := 0; i < execStore.Len(); i++ {
		if err := snap.AdvanceExec(i, execStore.CloseTime(i)); err != nil {
			return nil, err
		}
		candle := execStore.Candle(i)

		// bar 内强平先于收盘求值。有标记价数据时按标记价盯市。
		if i < len(markBars) && markBars[i].Close > 0 {
			res.Fills = append(res.Fills, acct.MarkBarWithMark(candle, markBars[i])...)
		} else {
			res.Fills = append(res.Fills, acct.MarkBar(candle)...)
		}

		fires, err := ev.Step(snap)
		if err != nil {
			return nil, fmt.Errorf("bar %d (close_ts=%d): %w", i, candle.CloseTime, err)
		}
		for _, fire := range fires {
			fmt.Fprintf(hash, "%d|%s|%s\n", candle.CloseTime, fire.Name, fire.Signal)
			res.Fires = append(res.Fires, FireEvent{
				TS:     candle.CloseTime,
				Action: fire.Name,
				Signal: fire.Signal,
				Size:   fire.Size,
				Values: fire.Values,
			})
			res.Fills = append(res.Fills, applySignal(acct, fire, candle)...)
		}

		equity := acct.Equity(candle.Close)
		if equity > peak {
			peak = equity
		}
		dd := 0.0
		if peak > 0 {
			dd = (peak - equity) / peak
		}
		res.Equity = append(res.Equity, EquityPoint{
			TS:       candle.CloseTime,
			Equity:   equity,
			Balance:  acct.Balance(),
			Drawdown: dd,
		})
	}

	// 残留持仓按最后一根收盘强制了结，避免统计口径缺一条腿。
	if execStore.Len() > 0 {
		last := execStore.Candle(execStore.Len() - 1)
		res.Fills = append(res.Fills, acct.CloseAll(last)...)
	}

	res.Trades = acct.Trades()
	res.Stats = acct.Stats()
	res.ActionHash = hex.EncodeToString(hash.Sum(nil))
	logger.Infof("[backtest] %s %s: %d bars, %d 次触发, %d 笔交易, hash=%s",
		doc.Name, doc.Symbol, res.Bars, len(res.Fires), len(res.Trades), res.ActionHash[:12])
	return res, nil
}

// applySignal 把一次触发落到账户上。
func applySignal(acct *exchange.Account, fire dsl.Fire, candle market.Candle) []exchange.Fill {
	switch fire.Signal {
	case "open_long", "open_short":
		return acct.Open(strings.TrimPrefix(fire.Signal, "open_"), fire.Size, candle)
	case "close_long", "close_short":
		return acct.Close(strings.TrimPrefix(fire.Signal, "close_"), fire.Size, candle)
	}
	return nil
}

// VerifyDeterminism 用同样输入连跑两次并比对动作流哈希。
func (e *Engine) VerifyDeterminism(ctx context.Context, doc *play.Play, acctCfg exchange.Config, start, end int64) (*Result, error) {
	first, err := e.Run(ctx, doc, acctCfg, start, end)
	if err != nil {
		return nil, err
	}
	second, err := e.Run(ctx, doc, acctCfg, start, end)
	if err != nil {
		return nil, err
	}
	if first.ActionHash != second.ActionHash {
		return nil, fmt.Errorf("backtest: 重跑动作流哈希不一致: %s != %s", first.ActionHash, second.ActionHash)
	}
	return first, nil
}

func parseTimeframes(doc *play.Play) (map[feed.Role]market.Timeframe, error) {
	tfs := make(map[feed.Role]market.Timeframe, len(doc.Timeframes))
	for roleName, tfKey := range doc.Timeframes {
		role, err := feed.ParseRole(roleName)
		if err != nil {
			return nil, err
		}
		tf, err := market.ParseTimeframe(tfKey)
		if err != nil {
			return nil, fmt.Errorf("play %s: 角色 %s: %w", doc.Name, roleName, err)
		}
		tfs[role] = tf
	}
	return tfs, nil
}

// prepareRoles 取每个角色的 K 线并计算其上声明的指标与结构。
func (e *Engine) prepareRoles(ctx context.Context, doc *play.Play, tfs map[feed.Role]market.Timeframe, start, end int64) (map[feed.Role]*roleData, error) {
	roles := make(map[feed.Role]*roleData, len(tfs))
	for role, tf := range tfs {
		s, en := tf.AlignRange(start, end)
		candles, err := e.store.RangeCandles(ctx, doc.Symbol, tf.Key, s, en)
		if err != nil {
			return nil, err
		}
		if len(candles) == 0 {
			return nil, fmt.Errorf("backtest: %s@%s 在 [%d, %d] 内没有数据，先同步", doc.Symbol, tf.Key, s, en)
		}
		roles[role] = &roleData{
			role:       role,
			tf:         tf,
			cols:       market.ToColumns(candles),
			features:   make(map[string][]float64),
			structures: make(map[string]feed.StructureFields),
		}
	}

	for _, spec := range doc.Features {
		rd, err := roleFor(roles, spec.TF)
		if err != nil {
			return nil, fmt.Errorf("feature %s: %w", spec.ID, err)
		}
		outputs, err := indicator.Compute(spec.ID, spec.Kind, spec.Params, rd.cols)
		if err != nil {
			return nil, fmt.Errorf("feature %s: %w", spec.ID, err)
		}
		for outID, series := range outputs {
			if _, dup := rd.features[outID]; dup {
				return nil, fmt.Errorf("feature %s: 输出 %q 与已有特征冲突", spec.ID, outID)
			}
			rd.features[outID] = series
		}
	}

	ordered, err := structure.Order(doc.Structures)
	if err != nil {
		return nil, err
	}
	computed := make(map[string]structure.Fields, len(ordered))
	structRole := make(map[string]feed.Role, len(ordered))
	for _, spec := range ordered {
		rd, err := roleFor(roles, spec.TF)
		if err != nil {
			return nil, fmt.Errorf("structure %s: %w", spec.ID, err)
		}
		deps := make(map[string]structure.Fields, len(spec.Depends))
		for key, depID := range spec.Depends {
			depFields, ok := computed[depID]
			if !ok {
				return nil, fmt.Errorf("structure %s: 依赖 %q 尚未计算", spec.ID, depID)
			}
			if structRole[depID] != rd.role {
				return nil, fmt.Errorf("structure %s: 依赖 %q 在不同周期角色上，无法对齐", spec.ID, depID)
			}
			deps[key] = depFields
		}
		fields, err := structure.Compute(spec.ID, spec.Kind, spec.Params, rd.cols, deps)
		if err != nil {
			return nil, fmt.Errorf("structure %s: %w", spec.ID, err)
		}
		computed[spec.ID] = fields
		structRole[spec.ID] = rd.role
		rd.structures[spec.ID] = feed.StructureFields(fields)
	}
	return roles, nil
}

func roleFor(roles map[feed.Role]*roleData, tfName string) (*roleData, error) {
	if tfName == "" {
		tfName = "exec"
	}
	role, err := feed.ParseRole(tfName)
	if err != nil {
		return nil, err
	}
	rd, ok := roles[role]
	if !ok {
		return nil, fmt.Errorf("角色 %s 未在 timeframes 中声明", role)
	}
	return rd, nil
}

// buildRegistry 把 play 声明翻译成编译器可见的特征集。
func buildRegistry(doc *play.Play, tfs map[feed.Role]market.Timeframe) (*dsl.Registry, error) {
	reg := dsl.NewRegistry()
	for role := range tfs {
		reg.AddRole(role)
	}
	for _, spec := range doc.Features {
		role, err := feed.ParseRole(defaultRole(spec.TF))
		if err != nil {
			return nil, err
		}
		for _, outID := range indicator.OutputIDs(spec.ID, spec.Kind) {
			reg.AddFeature(outID, role, true)
		}
	}
	for _, spec := range doc.Structures {
		role, err := feed.ParseRole(defaultRole(spec.TF))
		if err != nil {
			return nil, err
		}
		fields, err := structure.FieldSpec(spec.Kind)
		if err != nil {
			return nil, fmt.Errorf("structure %s: %w", spec.ID, err)
		}
		reg.AddStructure(spec.ID, role, fields)
	}
	return reg, nil
}

func defaultRole(tfName string) string {
	if tfName == "" {
		return "exec"
	}
	return tfName
}

// buildStores 把每个角色的数据封装成只读 feed 容器。
func buildStores(symbol string, roles map[feed.Role]*roleData) (*feed.Store, map[feed.Role]*feed.Store, error) {
	var execStore *feed.Store
	contexts := make(map[feed.Role]*feed.Store)
	// map 遍历顺序与结果无关，这里排序只为报错稳定。
	keys := make([]feed.Role, 0, len(roles))
	for role := range roles {
		keys = append(keys, role)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, role := range keys {
		rd := roles[role]
		store, err := feed.Build(feed.Input{
			Symbol:     symbol,
			Timeframe:  rd.tf,
			Candles:    rd.cols,
			LastPrice:  rd.lastPrice,
			MarkPrice:  rd.markPrice,
			Features:   rd.features,
			Structures: rd.structures,
		})
		if err != nil {
			return nil, nil, err
		}
		if role == feed.RoleExec {
			execStore = store
		} else {
			contexts[role] = store
		}
	}
	if execStore == nil {
		return nil, nil, fmt.Errorf("backtest: 缺少执行周期数据")
	}
	return execStore, contexts, nil
}
