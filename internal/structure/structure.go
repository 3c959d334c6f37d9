// Package structure 实现市场结构检测器：摆动点、支撑阻力区、斐波那契回撤
// 与趋势状态。每个检测器输出一组与 K 线时间轴对齐的命名字段数组。
//
// 所有检测器都带确认滞后：下标 i 处的枢轴要等 right 根 K 线之后才可见，
// 字段值从确认 bar 起前向填充，确认之前一律 NaN 占位。回测里结构值
// 因此永远不包含未来信息。
package structure

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"

	"backplay/internal/market"
)

// Fields 是一个结构检测器的输出：字段名 → 序列。
type Fields map[string][]float64

type detector struct {
	compute func(params map[string]any, cols market.Columns, deps map[string]Fields) (Fields, error)
	// fields 声明输出字段及其是否连续（direction/state 这类小整数字段离散）。
	fields map[string]bool
	// needs 列出必须通过 depends 注入的依赖 key。
	needs []string
}

var catalog = map[string]detector{
	"swing": {
		compute: computeSwing,
		fields:  map[string]bool{"high_level": true, "low_level": true, "direction": false},
	},
	"zone": {
		compute: computeZone,
		fields:  map[string]bool{"support": true, "resistance": true, "in_zone": false},
	},
	"fib": {
		compute: computeFib,
		fields:  map[string]bool{"retr_382": true, "retr_500": true, "retr_618": true},
	},
	"trend": {
		compute: computeTrend,
		fields:  map[string]bool{"state": false, "strength": true},
		needs:   []string{"swing"},
	},
}

// Kinds 返回支持的检测器类型（排序后）。
func Kinds() []string {
	out := make([]string, 0, len(catalog))
	for k := range catalog {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// FieldSpec 返回某类检测器的输出字段与连续性标记。
func FieldSpec(kind string) (map[string]bool, error) {
	d, ok := catalog[strings.ToLower(kind)]
	if !ok {
		return nil, fmt.Errorf("未知结构类型 %q（支持: %s）", kind, strings.Join(Kinds(), ", "))
	}
	return d.fields, nil
}

// Compute 计算单个结构声明。deps 按声明的 depends key 注入其他结构的输出。
func Compute(id, kind string, params map[string]any, cols market.Columns, deps map[string]Fields) (Fields, error) {
	d, ok := catalog[strings.ToLower(kind)]
	if !ok {
		return nil, fmt.Errorf("结构 %q: 未知类型 %q（支持: %s）", id, kind, strings.Join(Kinds(), ", "))
	}
	if cols.Len() == 0 {
		return nil, fmt.Errorf("结构 %q: K 线为空", id)
	}
	for _, need := range d.needs {
		if _, ok := deps[need]; !ok {
			return nil, fmt.Errorf("结构 %q: 缺少依赖 %q（在 depends 里声明）", id, need)
		}
	}
	out, err := d.compute(params, cols, deps)
	if err != nil {
		return nil, fmt.Errorf("结构 %q: %w", id, err)
	}
	for field, series := range out {
		if len(series) != cols.Len() {
			return nil, fmt.Errorf("结构 %q: 字段 %s 长度 %d != %d", id, field, len(series), cols.Len())
		}
	}
	return out, nil
}

func decodeParams(params map[string]any, target any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("参数解析失败: %w", err)
	}
	return nil
}

func nanSeries(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}

// pivot 是一个已确认的摆动点。
type pivot struct {
	idx   int     // 枢轴所在 bar
	at    int     // 确认 bar（idx + right）
	price float64
	high  bool
}

type swingParams struct {
	Left  int `yaml:"left"`
	Right int `yaml:"right"`
}

func (p *swingParams) normalize(n int) error {
	if p.Left <= 0 {
		p.Left = 3
	}
	if p.Right <= 0 {
		p.Right = p.Left
	}
	if p.Left+p.Right+1 > n {
		return fmt.Errorf("left=%d right=%d 需要至少 %d 根 K 线", p.Left, p.Right, p.Left+p.Right+1)
	}
	return nil
}

// detectPivots 做分形枢轴检测：High[i] 是 [i-left, i+right] 的最大值则为摆动高点，
// Low 对称。确认 bar 为 i+right。
func detectPivots(cols market.Columns, left, right int) []pivot {
	n := cols.Len()
	out := make([]pivot, 0, n/5)
	for i := left; i < n-right; i++ {
		hi, lo := true, true
		for j := i - left; j <= i+right; j++ {
			if cols.High[j] > cols.High[i] {
				hi = false
			}
			if cols.Low[j] < cols.Low[i] {
				lo = false
			}
			if !hi && !lo {
				break
			}
		}
		if hi {
			out = append(out, pivot{idx: i, at: i + right, price: cols.High[i], high: true})
		}
		if lo && !hi {
			out = append(out, pivot{idx: i, at: i + right, price: cols.Low[i], high: false})
		}
	}
	return out
}

func computeSwing(params map[string]any, cols market.Columns, _ map[string]Fields) (Fields, error) {
	p := swingParams{}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	n := cols.Len()
	if err := p.normalize(n); err != nil {
		return nil, err
	}
	pivots := detectPivots(cols, p.Left, p.Right)

	highLevel := nanSeries(n)
	lowLevel := nanSeries(n)
	direction := make([]float64, n)

	var lastHigh, prevHigh = math.NaN(), math.NaN()
	var lastLow, prevLow = math.NaN(), math.NaN()
	next := 0
	for i := 0; i < n; i++ {
		for next < len(pivots) && pivots[next].at <= i {
			pv := pivots[next]
			if pv.high {
				prevHigh, lastHigh = lastHigh, pv.price
			} else {
				prevLow, lastLow = lastLow, pv.price
			}
			next++
		}
		highLevel[i] = lastHigh
		lowLevel[i] = lastLow
		switch {
		case lastHigh > prevHigh && lastLow > prevLow:
			direction[i] = 1 // HH + HL
		case lastHigh < prevHigh && lastLow < prevLow:
			direction[i] = -1 // LH + LL
		default:
			direction[i] = 0
		}
	}
	return Fields{"high_level": highLevel, "low_level": lowLevel, "direction": direction}, nil
}

type zoneParams struct {
	Left     int     `yaml:"left"`
	Right    int     `yaml:"right"`
	WidthPct float64 `yaml:"width_pct"` // 区带半宽，占价格百分比
	MaxLevel int     `yaml:"max_level"` // 各方向保留的枢轴数
}

func computeZone(params map[string]any, cols market.Columns, _ map[string]Fields) (Fields, error) {
	p := zoneParams{}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sp := swingParams{Left: p.Left, Right: p.Right}
	n := cols.Len()
	if err := sp.normalize(n); err != nil {
		return nil, err
	}
	if p.WidthPct <= 0 {
		p.WidthPct = 0.3
	}
	if p.MaxLevel <= 0 {
		p.MaxLevel = 8
	}
	pivots := detectPivots(cols, sp.Left, sp.Right)

	support := nanSeries(n)
	resistance := nanSeries(n)
	inZone := make([]float64, n)

	var highs, lows []float64
	next := 0
	for i := 0; i < n; i++ {
		for next < len(pivots) && pivots[next].at <= i {
			pv := pivots[next]
			if pv.high {
				highs = appendLevel(highs, pv.price, p.MaxLevel)
			} else {
				lows = appendLevel(lows, pv.price, p.MaxLevel)
			}
			next++
		}
		close := cols.Close[i]
		// 最近的上方阻力 / 下方支撑
		res, sup := math.NaN(), math.NaN()
		for _, h := range highs {
			if h >= close && (math.IsNaN(res) || h < res) {
				res = h
			}
		}
		for _, l := range lows {
			if l <= close && (math.IsNaN(sup) || l > sup) {
				sup = l
			}
		}
		resistance[i] = res
		support[i] = sup
		tol := close * p.WidthPct / 100
		switch {
		case !math.IsNaN(res) && res-close <= tol:
			inZone[i] = 1
		case !math.IsNaN(sup) && close-sup <= tol:
			inZone[i] = -1
		}
	}
	return Fields{"support": support, "resistance": resistance, "in_zone": inZone}, nil
}

func appendLevel(levels []float64, price float64, max int) []float64 {
	levels = append(levels, price)
	if len(levels) > max {
		levels = levels[len(levels)-max:]
	}
	return levels
}

type fibParams struct {
	Left  int `yaml:"left"`
	Right int `yaml:"right"`
}

// computeFib 基于最近一段已确认的摆动腿（低→高或高→低）计算回撤位。
// 上行腿从高点向下回撤，下行腿从低点向上回撤。
func computeFib(params map[string]any, cols market.Columns, _ map[string]Fields) (Fields, error) {
	p := fibParams{}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	sp := swingParams{Left: p.Left, Right: p.Right}
	n := cols.Len()
	if err := sp.normalize(n); err != nil {
		return nil, err
	}
	pivots := detectPivots(cols, sp.Left, sp.Right)

	r382 := nanSeries(n)
	r500 := nanSeries(n)
	r618 := nanSeries(n)

	var prev, last *pivot
	next := 0
	for i := 0; i < n; i++ {
		for next < len(pivots) && pivots[next].at <= i {
			pv := pivots[next]
			if last == nil || last.high != pv.high {
				prev, last = last, &pv
			} else {
				// 同向枢轴只保留更极端的那个
				if (pv.high && pv.price >= last.price) || (!pv.high && pv.price <= last.price) {
					last = &pv
				}
			}
			next++
		}
		if prev == nil || last == nil {
			continue
		}
		lo, hi := prev.price, last.price
		if lo > hi {
			lo, hi = hi, lo
		}
		span := hi - lo
		if last.high {
			// 上行腿：从高点回撤
			r382[i] = hi - span*0.382
			r500[i] = hi - span*0.500
			r618[i] = hi - span*0.618
		} else {
			r382[i] = lo + span*0.382
			r500[i] = lo + span*0.500
			r618[i] = lo + span*0.618
		}
	}
	return Fields{"retr_382": r382, "retr_500": r500, "retr_618": r618}, nil
}

type trendParams struct {
	MinHold int `yaml:"min_hold"` // direction 连续保持多少根才算确立
}

// computeTrend 依赖 swing 检测器输出：direction 连续保持 MinHold 根后
// 确立趋势状态，strength 为当前价相对摆动区间的位置（0..1）。
func computeTrend(params map[string]any, cols market.Columns, deps map[string]Fields) (Fields, error) {
	p := trendParams{}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.MinHold <= 0 {
		p.MinHold = 3
	}
	swing := deps["swing"]
	direction, ok := swing["direction"]
	if !ok {
		return nil, fmt.Errorf("依赖 swing 缺少 direction 字段")
	}
	highLevel := swing["high_level"]
	lowLevel := swing["low_level"]

	n := cols.Len()
	state := make([]float64, n)
	strength := nanSeries(n)

	run, cur := 0, 0.0
	for i := 0; i < n; i++ {
		d := direction[i]
		if d == cur && d != 0 {
			run++
		} else {
			cur, run = d, 1
		}
		if cur != 0 && run >= p.MinHold {
			state[i] = cur
		}
		hi, lo := highLevel[i], lowLevel[i]
		if !math.IsNaN(hi) && !math.IsNaN(lo) && hi > lo {
			pos := (cols.Close[i] - lo) / (hi - lo)
			strength[i] = math.Max(0, math.Min(1, pos))
		}
	}
	return Fields{"state": state, "strength": strength}, nil
}
