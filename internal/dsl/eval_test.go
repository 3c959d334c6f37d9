package dsl

import (
	"math"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backplay/internal/feed"
	"backplay/internal/market"
)

// evalHarness 把一份 play + 单执行周期 feed 接到求值器上，逐 bar 驱动。
type evalHarness struct {
	t     *testing.T
	store *feed.Store
	snap  *feed.Snapshot
	prog  *Program
	ev    *Evaluator
}

func newEvalHarness(t *testing.T, playSrc string, closes []float64,
	features map[string][]float64, discrete map[string]bool) *evalHarness {
	t.Helper()
	tf, err := market.ParseTimeframe("5m")
	require.NoError(t, err)

	n := len(closes)
	cols := market.Columns{
		OpenTime:  make([]int64, n),
		CloseTime: make([]int64, n),
		Open:      make([]float64, n),
		High:      make([]float64, n),
		Low:       make([]float64, n),
		Close:     append([]float64{}, closes...),
		Volume:    make([]float64, n),
	}
	for i := 0; i < n; i++ {
		cols.OpenTime[i] = int64(i) * tf.DurationMillis()
		cols.CloseTime[i] = int64(i+1)*tf.DurationMillis() - 1
		cols.Open[i] = closes[i]
		cols.High[i] = closes[i] + 1
		cols.Low[i] = closes[i] - 1
		cols.Volume[i] = 1
	}
	store, err := feed.Build(feed.Input{
		Symbol:    "BTCUSDT",
		Timeframe: tf,
		Candles:   cols,
		Features:  features,
	})
	require.NoError(t, err)
	snap, err := feed.NewSnapshot(store, nil)
	require.NoError(t, err)

	reg := NewRegistry()
	for id := range features {
		reg.AddFeature(id, feed.RoleExec, !discrete[id])
	}
	doc := parsePlay(t, playSrc)
	prog, err := Compile(doc, reg, map[feed.Role]market.Timeframe{feed.RoleExec: tf})
	require.NoError(t, err)

	return &evalHarness{t: t, store: store, snap: snap, prog: prog, ev: NewEvaluator(prog)}
}

// step 推进到下标 idx 并求值一步。
func (h *evalHarness) step(idx int) ([]Fire, error) {
	h.t.Helper()
	require.NoError(h.t, h.snap.AdvanceExec(idx, h.store.CloseTime(idx)))
	return h.ev.Step(h.snap)
}

func (h *evalHarness) mustStep(idx int) []Fire {
	h.t.Helper()
	fires, err := h.step(idx)
	require.NoError(h.t, err)
	return fires
}

func signals(fires []Fire) []string {
	out := make([]string, 0, len(fires))
	for _, f := range fires {
		out = append(out, f.Signal)
	}
	return out
}

const evalHeader = `
name: t
symbol: BTCUSDT
timeframes: {exec: 5m}
`

func TestCrossoverSequence(t *testing.T) {
	h := newEvalHarness(t, evalHeader+`
actions:
  - name: up
    signal: open_long
    when: [fast, cross_above, slow]
  - name: down
    signal: open_short
    when: [down, cross_below, slow]
`, []float64{10, 10, 10, 10},
		map[string][]float64{
			"fast": {1, 3, 2, 4},
			"slow": {2, 2, 2, 2},
			"down": {3, 1, 2, 1},
		}, nil)

	// bar 0 没有 prev，交叉一律为假
	assert.Empty(t, h.mustStep(0))
	assert.Equal(t, []string{"open_long", "open_short"}, signals(h.mustStep(1)))
	assert.Empty(t, h.mustStep(2))
	assert.Equal(t, []string{"open_long", "open_short"}, signals(h.mustStep(3)))
}

func TestCrossoverAgainstConstant(t *testing.T) {
	// 常量 rhs 的 prev 等于常量本身
	h := newEvalHarness(t, evalHeader+`
actions:
  - signal: open_long
    when: [close, cross_above, 2]
`, []float64{1, 3, 2, 4}, nil, nil)

	assert.Empty(t, h.mustStep(0))
	assert.Len(t, h.mustStep(1), 1)
	assert.Empty(t, h.mustStep(2))
	assert.Len(t, h.mustStep(3), 1)
}

func TestWindowOperators(t *testing.T) {
	// sig: T T T F T / inv: F F F T F
	h := newEvalHarness(t, evalHeader+`
actions:
  - name: holds
    signal: open_long
    when:
      holds_for: {expr: [sig, gt, 0.5], bars: 3}
  - name: occurred
    signal: open_short
    when:
      occurred_within: {expr: [sig, lt, 0.5], bars: 3}
  - name: count
    signal: close_long
    when:
      count_true: {expr: [sig, gt, 0.5], bars: 5, min_true: 4}
`, []float64{10, 10, 10, 10, 10},
		map[string][]float64{"sig": {1, 1, 1, 0, 1}}, nil)

	want := [][]string{
		0: {}, // 窗口未填满
		1: {},
		2: {"open_long"},                // 连续 3 根为真
		3: {"open_short"},               // 断流，occurred 窗口出现真值
		4: {"open_short", "close_long"}, // 5 根里 4 真
	}
	for idx, expect := range want {
		got := signals(h.mustStep(idx))
		if len(expect) == 0 {
			assert.Empty(t, got, "bar %d", idx)
		} else {
			assert.Equal(t, expect, got, "bar %d", idx)
		}
	}
}

func TestWindowStateNotStarvedByShortCircuit(t *testing.T) {
	// all 的首项恒假会短路整棵树，但窗口状态仍须每 bar 推进
	h := newEvalHarness(t, evalHeader+`
actions:
  - signal: open_long
    when:
      all:
        - [gate, gt, 0.5]
        - holds_for: {expr: [sig, gt, 0.5], bars: 3}
`, []float64{10, 10, 10, 10},
		map[string][]float64{
			"gate": {0, 0, 0, 1},
			"sig":  {1, 1, 1, 1},
		}, nil)

	for idx := 0; idx < 3; idx++ {
		assert.Empty(t, h.mustStep(idx))
	}
	// gate 放行时窗口早已填满，立即触发
	assert.Len(t, h.mustStep(3), 1)
}

func TestMissingComparisonIsFalse(t *testing.T) {
	nan := math.NaN()
	h := newEvalHarness(t, evalHeader+`
actions:
  - name: pos
    signal: open_long
    when:
      all:
        - [ind, gt, 0]
        - [close, gt, 0]
  - name: neg
    signal: close_long
    when:
      not: [ind, gt, 0]
`, []float64{10, 10},
		map[string][]float64{"ind": {nan, 5}}, nil)

	// warm-up 缺失值：比较为假，not 取反后为真
	assert.Equal(t, []string{"close_long"}, signals(h.mustStep(0)))
	assert.Equal(t, []string{"open_long"}, signals(h.mustStep(1)))
}

func TestDivisionByZeroIsMissing(t *testing.T) {
	h := newEvalHarness(t, evalHeader+`
actions:
  - signal: open_long
    when: ["close / denom", gt, 0]
`, []float64{10, 10},
		map[string][]float64{"denom": {0, 2}}, nil)

	assert.Empty(t, h.mustStep(0))
	assert.Len(t, h.mustStep(1), 1)
}

func TestExplicitOffsetOutOfRangeIsFatal(t *testing.T) {
	h := newEvalHarness(t, evalHeader+`
actions:
  - signal: open_long
    when: [close, gt, "close[1]"]
`, []float64{1, 2, 3}, nil, nil)

	// 显式 offset 越过历史是配置错误，不是"无交叉"
	_, err := h.step(0)
	var rangeErr *feed.RangeError
	require.ErrorAs(t, err, &rangeErr)

	assert.Len(t, h.mustStep(1), 1)
	assert.Len(t, h.mustStep(2), 1)
}

func TestSetupSharedAcrossActions(t *testing.T) {
	h := newEvalHarness(t, evalHeader+`
setups:
  trending:
    all:
      - [fast, gt, slow]
      - [close, gt, 5]
actions:
  - name: a
    signal: open_long
    when: {setup: trending}
  - name: b
    signal: close_short
    when:
      all:
        - {setup: trending}
        - [close, lt, 100]
`, []float64{10, 10, 3},
		map[string][]float64{
			"fast": {2, 1, 2},
			"slow": {1, 2, 1},
		}, nil)

	assert.Equal(t, []string{"open_long", "close_short"}, signals(h.mustStep(0)))
	assert.Empty(t, h.mustStep(1))
	// fast>slow 但 close<=5，setup 整体为假
	assert.Empty(t, h.mustStep(2))
}

func TestInOnDiscreteField(t *testing.T) {
	h := newEvalHarness(t, evalHeader+`
actions:
  - signal: open_long
    when: {lhs: regime, op: in, rhs: [1, 2]}
`, []float64{10, 10, 10},
		map[string][]float64{"regime": {0, 1, 2}},
		map[string]bool{"regime": true})

	assert.Empty(t, h.mustStep(0))
	assert.Len(t, h.mustStep(1), 1)
	assert.Len(t, h.mustStep(2), 1)
}

func TestBetweenAndNearComparisons(t *testing.T) {
	h := newEvalHarness(t, evalHeader+`
actions:
  - name: band
    signal: open_long
    when: {lhs: rsi, op: between, rhs: [30, 70]}
  - name: near
    signal: close_long
    when: [close, near_pct, 100, 2]
`, []float64{99, 50, 103},
		map[string][]float64{"rsi": {30, 70.1, 75}}, nil)

	// 99 在 100±2% 内；30 在闭区间 [30,70] 内
	assert.Equal(t, []string{"open_long", "close_long"}, signals(h.mustStep(0)))
	assert.Empty(t, h.mustStep(1))
	assert.Empty(t, h.mustStep(2))
}

func TestCaptureValues(t *testing.T) {
	h := newEvalHarness(t, evalHeader+`
actions:
  - signal: open_long
    capture: [close, rsi]
    when: [rsi, gt, 50]
`, []float64{42, 43},
		map[string][]float64{"rsi": {60, 40}}, nil)

	fires := h.mustStep(0)
	require.Len(t, fires, 1)
	assert.Equal(t, 42.0, fires[0].Values["close"])
	assert.Equal(t, 60.0, fires[0].Values["rsi"])
	assert.Empty(t, h.mustStep(1))
}

func TestDeterministicReplay(t *testing.T) {
	playSrc := evalHeader + `
setups:
  base: [fast, gt, slow]
actions:
  - name: a
    signal: open_long
    when:
      all:
        - {setup: base}
        - occurred_within: {expr: [close, gt, 10], bars: 2}
  - name: b
    signal: close_long
    when: {not: {setup: base}}
`
	closes := []float64{9, 11, 12, 8, 13, 9}
	features := map[string][]float64{
		"fast": {1, 2, 3, 1, 4, 1},
		"slow": {2, 1, 1, 3, 2, 5},
	}
	run := func() [][]Fire {
		h := newEvalHarness(t, playSrc, closes, features, nil)
		out := make([][]Fire, len(closes))
		for i := range closes {
			out[i] = h.mustStep(i)
		}
		return out
	}
	first, second := run(), run()
	assert.True(t, reflect.DeepEqual(first, second), "同一数据两次回放结果不一致")
}
