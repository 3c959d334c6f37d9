package feed

import "math"

// Value 是显式的两态数值：有限浮点数或缺失。
// 指标 warm-up 期、NaN、±Inf 一律归为缺失，避免 NaN 在算术里静默扩散。
type Value struct {
	num float64
	ok  bool
}

// Missing 表示缺失值。
var Missing = Value{}

// Num 构造数值。非有限输入直接归为缺失。
func Num(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Missing
	}
	return Value{num: f, ok: true}
}

// Float 返回底层数值；缺失时第二个返回值为 false。
func (v Value) Float() (float64, bool) {
	return v.num, v.ok
}

// IsMissing 判断是否缺失。
func (v Value) IsMissing() bool { return !v.ok }

// MustFloat 仅在已知非缺失时使用（测试辅助）。
func (v Value) MustFloat() float64 {
	if !v.ok {
		panic("feed: MustFloat on missing value")
	}
	return v.num
}
