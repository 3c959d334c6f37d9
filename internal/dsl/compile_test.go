package dsl

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backplay/internal/feed"
	"backplay/internal/market"
	"backplay/internal/play"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	reg.AddRole(feed.RoleMid)
	reg.AddFeature("ema_fast", feed.RoleExec, true)
	reg.AddFeature("ema_slow", feed.RoleExec, true)
	reg.AddFeature("rsi", feed.RoleExec, true)
	reg.AddStructure("swing", feed.RoleMid, map[string]bool{
		"high_level": true,
		"low_level":  true,
		"direction":  false,
	})
	return reg
}

func testTFs(t *testing.T) map[feed.Role]market.Timeframe {
	t.Helper()
	exec, err := market.ParseTimeframe("5m")
	require.NoError(t, err)
	mid, err := market.ParseTimeframe("1h")
	require.NoError(t, err)
	return map[feed.Role]market.Timeframe{feed.RoleExec: exec, feed.RoleMid: mid}
}

func parsePlay(t *testing.T, src string) *play.Play {
	t.Helper()
	p, err := play.Parse([]byte(src))
	require.NoError(t, err)
	return p
}

const playHeader = `
name: t
symbol: BTCUSDT
timeframes: {exec: 5m, mid: 1h}
`

func TestCompactAndVerboseFormsCompileIdentically(t *testing.T) {
	compact := parsePlay(t, playHeader+`
actions:
  - signal: open_long
    when:
      all:
        - [ema_fast, cross_above, ema_slow]
        - [rsi, lt, 65]
`)
	verbose := parsePlay(t, playHeader+`
actions:
  - signal: open_long
    when:
      all:
        - {lhs: ema_fast, op: cross_above, rhs: ema_slow}
        - {lhs: rsi, op: lt, rhs: 65}
`)
	progA, err := Compile(compact, testRegistry(t), testTFs(t))
	require.NoError(t, err)
	progB, err := Compile(verbose, testRegistry(t), testTFs(t))
	require.NoError(t, err)
	require.Len(t, progA.Actions, 1)
	require.Len(t, progB.Actions, 1)
	// 两种写法必须编出同一棵树；字段形式的字符串 rhs 同样按特征引用解析
	assert.True(t, reflect.DeepEqual(progA.Actions[0].Root, progB.Actions[0].Root),
		"紧凑/字段两种形式编译结果不一致")
}

func TestEqRejectedOnContinuousOperands(t *testing.T) {
	doc := parsePlay(t, playHeader+`
actions:
  - signal: open_long
    when: [rsi, eq, 50.0]
`)
	_, err := Compile(doc, testRegistry(t), testTFs(t))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "near_abs")

	// 同一个比较换成 near_pct 则编译通过
	doc = parsePlay(t, playHeader+`
actions:
  - signal: open_long
    when: [rsi, near_pct, 50.0, 2]
`)
	_, err = Compile(doc, testRegistry(t), testTFs(t))
	require.NoError(t, err)
}

func TestEqAllowedOnDiscreteStructureField(t *testing.T) {
	doc := parsePlay(t, playHeader+`
actions:
  - signal: open_long
    when: [swing.direction@mid, eq, 1]
`)
	_, err := Compile(doc, testRegistry(t), testTFs(t))
	require.NoError(t, err)
}

func TestUnknownFeatureFailsWithSuggestion(t *testing.T) {
	doc := parsePlay(t, playHeader+`
actions:
  - signal: open_long
    when: [ema_fst, gt, ema_slow]
`)
	_, err := Compile(doc, testRegistry(t), testTFs(t))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "ema_fast", "错误信息应给出最接近的候选")
}

func TestStructureFieldRequired(t *testing.T) {
	doc := parsePlay(t, playHeader+`
actions:
  - signal: open_long
    when: [swing@mid, gt, 0]
`)
	_, err := Compile(doc, testRegistry(t), testTFs(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "high_level")
}

func TestSetupCycleDetectedAtCompile(t *testing.T) {
	doc := parsePlay(t, playHeader+`
setups:
  a: {setup: b}
  b: {setup: a}
actions:
  - signal: open_long
    when: {setup: a}
`)
	_, err := Compile(doc, testRegistry(t), testTFs(t))
	var circErr *CircularReferenceError
	require.ErrorAs(t, err, &circErr)
}

func TestDurationWindowConversionAndCap(t *testing.T) {
	doc := parsePlay(t, playHeader+`
actions:
  - signal: open_long
    when:
      holds_for: {expr: [rsi, lt, 65], duration: 2h}
  - signal: close_long
    when:
      occurred_within: {expr: [rsi, gt, 80], duration: 3d}
`)
	prog, err := Compile(doc, testRegistry(t), testTFs(t))
	require.NoError(t, err)
	require.Equal(t, 2, prog.WindowCount())
	// 2h @ 5m 执行周期 = 24 根
	assert.Equal(t, 24, prog.windows[0].Bars)
	// 3d 超过 24h 上限，截断为 1440 分钟 = 288 根
	assert.Equal(t, 288, prog.windows[1].Bars)
}

func TestAnchorTFExpandsBars(t *testing.T) {
	doc := parsePlay(t, playHeader+`
actions:
  - signal: open_long
    when:
      holds_for: {expr: [rsi, lt, 65], bars: 3, anchor_tf: mid}
`)
	prog, err := Compile(doc, testRegistry(t), testTFs(t))
	require.NoError(t, err)
	// 3 根 1h 锚定 bar = 36 根 5m 执行 bar
	assert.Equal(t, 36, prog.windows[0].Bars)
}

func TestWindowValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"bars 与 duration 互斥", `
      holds_for: {expr: [rsi, lt, 65], bars: 3, duration: 1h}`, "互斥"},
		{"缺少宽度", `
      holds_for: {expr: [rsi, lt, 65]}`, "bars 或 duration"},
		{"count_true 需要 min_true", `
      count_true: {expr: [rsi, lt, 65], bars: 5}`, "min_true"},
		{"min_true 超窗口", `
      count_true: {expr: [rsi, lt, 65], bars: 5, min_true: 9}`, "超过窗口"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := parsePlay(t, playHeader+`
actions:
  - signal: open_long
    when:`+tc.body+"\n")
			_, err := Compile(doc, testRegistry(t), testTFs(t))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestCrossLhsScalarRejected(t *testing.T) {
	doc := parsePlay(t, playHeader+`
actions:
  - signal: open_long
    when: ["3", cross_above, ema_slow]
`)
	_, err := Compile(doc, testRegistry(t), testTFs(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "常量")
}

func TestArithmeticSideExpression(t *testing.T) {
	doc := parsePlay(t, playHeader+`
actions:
  - signal: open_long
    when: ["(high + low) / 2", gt, "ema_slow - ema_fast"]
`)
	prog, err := Compile(doc, testRegistry(t), testTFs(t))
	require.NoError(t, err)
	root := prog.Actions[0].Root
	require.Equal(t, KindCompare, root.Kind)
	assert.Equal(t, KindArith, root.Left.Kind)
	assert.Equal(t, byte('/'), root.Left.ArithOp)
	assert.Equal(t, KindArith, root.Right.Kind)
}

func TestInRejectsContinuousLhs(t *testing.T) {
	doc := parsePlay(t, playHeader+`
actions:
  - signal: open_long
    when: {lhs: rsi, op: in, rhs: [1, 2]}
`)
	_, err := Compile(doc, testRegistry(t), testTFs(t))
	require.Error(t, err)

	doc = parsePlay(t, playHeader+`
actions:
  - signal: open_long
    when: {lhs: swing.direction@mid, op: in, rhs: [-1, 1]}
`)
	_, err = Compile(doc, testRegistry(t), testTFs(t))
	require.NoError(t, err)
}

func TestUndeclaredRoleRejected(t *testing.T) {
	doc := parsePlay(t, playHeader+`
actions:
  - signal: open_long
    when: [close@high, gt, ema_slow]
`)
	_, err := Compile(doc, testRegistry(t), testTFs(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "high")
}

func TestProgramRecordsTickerBuiltinRefs(t *testing.T) {
	doc := parsePlay(t, playHeader+`
actions:
  - signal: open_long
    capture: [mark_price]
    when: [last_price, gt, ema_slow]
`)
	prog, err := Compile(doc, testRegistry(t), testTFs(t))
	require.NoError(t, err)
	assert.True(t, prog.ReferencesBuiltin("last_price"))
	assert.True(t, prog.ReferencesBuiltin("mark_price"), "capture 引用同样要记录")
	assert.False(t, prog.ReferencesBuiltin("close"))

	noTicker := parsePlay(t, playHeader+`
actions:
  - signal: open_long
    when: [close, gt, ema_slow]
`)
	prog, err = Compile(noTicker, testRegistry(t), testTFs(t))
	require.NoError(t, err)
	assert.False(t, prog.ReferencesBuiltin("last_price"))
	assert.False(t, prog.ReferencesBuiltin("mark_price"))
}
