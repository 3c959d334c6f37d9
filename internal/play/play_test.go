package play

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const validPlay = `
name: cross_demo
symbol: BTCUSDT
timeframes:
  exec: 5m
  mid: 30m
features:
  - id: ema_fast
    kind: ema
    params: {period: 9}
  - id: ema_slow
    kind: ema
    params: {period: 21}
  - id: rsi
    kind: rsi
    tf: mid
structures:
  - id: swing
    kind: swing_point
    tf: mid
setups:
  trend_up: [ema_fast, gt, ema_slow]
actions:
  - name: enter
    signal: open_long
    size: 0.5
    capture: [close, "rsi@mid"]
    when:
      all:
        - setup: trend_up
        - [rsi@mid, lt, 65]
  - signal: close_long
    when: [ema_fast, cross_below, ema_slow]
`

func TestParseValidPlay(t *testing.T) {
	p, err := Parse([]byte(validPlay))
	require.NoError(t, err)

	assert.Equal(t, "cross_demo", p.Name)
	assert.Equal(t, "BTCUSDT", p.Symbol)
	assert.Equal(t, "5m", p.Timeframes["exec"])
	assert.Len(t, p.Features, 3)
	assert.Equal(t, "mid", p.Features[2].TF)
	require.Len(t, p.Actions, 2)

	// 缺省填充：name 取 signal，size 取 1。
	assert.Equal(t, "enter", p.Actions[0].Name)
	assert.Equal(t, 0.5, p.Actions[0].Size)
	assert.Equal(t, "close_long", p.Actions[1].Name)
	assert.Equal(t, 1.0, p.Actions[1].Size)

	when := p.Actions[0].When
	require.Len(t, when.All, 2)
	assert.Equal(t, "trend_up", when.All[0].Setup)
	assert.Equal(t, "lt", when.All[1].Op)
	assert.Equal(t, OperandNumber, when.All[1].Rhs.Kind)
	assert.Equal(t, 65.0, when.All[1].Rhs.Num)
}

func TestConditionCompactAndFieldFormEqual(t *testing.T) {
	compact, err := Parse([]byte(playWithWhen(`[ema_fast, cross_above, ema_slow]`)))
	require.NoError(t, err)
	field, err := Parse([]byte(playWithWhen(`{lhs: ema_fast, op: cross_above, rhs: ema_slow}`)))
	require.NoError(t, err)

	assert.Equal(t, compact.Actions[0].When, field.Actions[0].When)

	n := compact.Actions[0].When
	assert.Equal(t, "cross_above", n.Op)
	assert.Equal(t, "ema_fast", n.Lhs)
	assert.Equal(t, OperandExpr, n.Rhs.Kind)
	assert.Equal(t, "ema_slow", n.Rhs.Expr)
}

func TestConditionCompactTolerance(t *testing.T) {
	p, err := Parse([]byte(playWithWhen(`[close, near_pct, ema_slow, 0.002]`)))
	require.NoError(t, err)
	assert.Equal(t, 0.002, p.Actions[0].When.Tol)
}

func TestConditionOperandKinds(t *testing.T) {
	p, err := Parse([]byte(playWithWhen(`
      any:
        - [rsi, between, [30, 70]]
        - [close, gt, "ema_slow * 1.01"]
        - [volume, gte, 1000]`)))
	require.NoError(t, err)

	anyOf := p.Actions[0].When.Any
	require.Len(t, anyOf, 3)
	assert.Equal(t, OperandList, anyOf[0].Rhs.Kind)
	assert.Equal(t, []float64{30, 70}, anyOf[0].Rhs.List)
	assert.Equal(t, OperandExpr, anyOf[1].Rhs.Kind)
	assert.Equal(t, "ema_slow * 1.01", anyOf[1].Rhs.Expr)
	assert.Equal(t, OperandNumber, anyOf[2].Rhs.Kind)
	assert.Equal(t, 1000.0, anyOf[2].Rhs.Num)
}

func TestConditionNotAndWindow(t *testing.T) {
	p, err := Parse([]byte(playWithWhen(`
      all:
        - not: [rsi, gt, 80]
        - holds_for:
            expr: [ema_fast, gt, ema_slow]
            bars: 3
        - occurred_within:
            expr: [close, cross_above, ema_slow]
            duration: 2h
            anchor_tf: mid
        - count_true:
            expr: [rsi, lt, 30]
            bars: 10
            min_true: 4`)))
	require.NoError(t, err)

	all := p.Actions[0].When.All
	require.Len(t, all, 4)

	require.NotNil(t, all[0].Not)
	assert.Equal(t, "gt", all[0].Not.Op)

	assert.Equal(t, "holds_for", all[1].WindowOp)
	require.NotNil(t, all[1].Window)
	assert.Equal(t, 3, all[1].Window.Bars)
	assert.Equal(t, "gt", all[1].Window.Expr.Op)

	assert.Equal(t, "occurred_within", all[2].WindowOp)
	assert.Equal(t, "2h", all[2].Window.Duration)
	assert.Equal(t, "mid", all[2].Window.AnchorTF)

	assert.Equal(t, "count_true", all[3].WindowOp)
	assert.Equal(t, 4, all[3].Window.MinTrue)
}

func TestConditionDecodeErrors(t *testing.T) {
	cases := []struct {
		name string
		when string
		want string
	}{
		{"紧凑形式元素不足", `[ema_fast, gt]`, "紧凑条件需要 3 或 4 个元素"},
		{"映射缺少算子", `{lhs: ema_fast, rhs: ema_slow}`, "无法识别的条件节点"},
		{"rhs 布尔标量", `[ema_fast, gt, true]`, "rhs"},
		{"标量条件", `just_a_string`, "序列或映射"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var n ConditionNode
			err := yaml.Unmarshal([]byte(tc.when), &n)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateErrors(t *testing.T) {
	base := func() *Play {
		return &Play{
			Name:       "p",
			Symbol:     "BTCUSDT",
			Timeframes: map[string]string{"exec": "5m"},
			Actions: []ActionSpec{
				{Signal: "open_long", When: ConditionNode{Op: "gt", Lhs: "close", Rhs: Operand{Kind: OperandNumber, Num: 100}}},
			},
		}
	}
	cases := []struct {
		name   string
		mutate func(*Play)
		want   string
	}{
		{"缺少 exec 周期", func(p *Play) { delete(p.Timeframes, "exec"); p.Timeframes["mid"] = "30m" }, "必须包含 exec"},
		{"未知周期角色", func(p *Play) { p.Timeframes["weekly"] = "1w" }, "未知周期角色"},
		{"标识符重复", func(p *Play) {
			p.Features = []FeatureSpec{{ID: "ema", Kind: "ema"}}
			p.Structures = []StructureSpec{{ID: "ema", Kind: "swing_point"}}
		}, "重复声明"},
		{"非法信号", func(p *Play) { p.Actions[0].Signal = "open_everything" }, "非法"},
		{"size 越界", func(p *Play) { p.Actions[0].Size = 1.5 }, "size 需在 (0,1]"},
		{"action 名称重复", func(p *Play) {
			p.Actions = append(p.Actions, ActionSpec{Name: "open_long", Signal: "close_long",
				When: ConditionNode{Op: "lt", Lhs: "close", Rhs: Operand{Kind: OperandNumber, Num: 90}}})
		}, "名称 \"open_long\" 重复"},
		{"缺少 when", func(p *Play) { p.Actions[0].When = ConditionNode{} }, "缺少 when 条件"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := base()
			tc.mutate(p)
			err := p.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestSchemaRejectsMalformedDocs(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"缺少 symbol", `
name: p
timeframes: {exec: 5m}
actions:
  - {signal: open_long, when: [close, gt, 100]}`},
		{"信号超出枚举", `
name: p
symbol: BTCUSDT
timeframes: {exec: 5m}
actions:
  - {signal: open_everything, when: [close, gt, 100]}`},
		{"紧凑条件少于 3 元素", playWithWhen(`[close, gt]`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "schema 校验失败")
		})
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(validPlay), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yml"), []byte(playWithWhen(`[close, gt, 100]`)), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("ignored"), 0o644))

	plays, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Len(t, plays, 2)
	assert.Contains(t, plays, "cross_demo")
	assert.Contains(t, plays, "mini")
}

func TestLoadDirDuplicateName(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(validPlay), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(validPlay), 0o644))

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "重复")
}

// playWithWhen 把一个 when 片段包进最小可校验的 Play 文档。
func playWithWhen(when string) string {
	return `
name: mini
symbol: BTCUSDT
timeframes:
  exec: 5m
  mid: 30m
features:
  - {id: ema_fast, kind: ema}
  - {id: ema_slow, kind: ema}
  - {id: rsi, kind: rsi}
actions:
  - signal: open_long
    when: ` + when + "\n"
}
