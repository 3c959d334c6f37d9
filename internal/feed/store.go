package feed

import (
	"fmt"
	"sort"

	"backplay/internal/market"
)

// StructureFields 是多字段结构输出：字段名 → 对齐数组。
type StructureFields map[string][]float64

// Store 是单 (symbol, timeframe) 的不可变列式容器。
// 时间戳严格递增，所有数组与时间轴等长，构建之后不再修改。
type Store struct {
	symbol string
	tf     market.Timeframe

	cols market.Columns

	// 1 分钟粒度的成交/标记价通道，按 bar 收盘对齐采样。
	// 与 close 严格区分，互不别名。
	lastPrice []float64
	markPrice []float64

	features   map[string][]float64
	structures map[string]StructureFields
}

// Input 是 Store 的构建参数。
type Input struct {
	Symbol     string
	Timeframe  market.Timeframe
	Candles    market.Columns
	LastPrice  []float64
	MarkPrice  []float64
	Features   map[string][]float64
	Structures map[string]StructureFields
}

// 内置标识符直接读 OHLCV/ticker 数组，无需声明。
var builtinIdents = map[string]bool{
	"open": true, "high": true, "low": true, "close": true,
	"volume": true, "last_price": true, "mark_price": true,
}

// IsBuiltin 判断标识符是否为内置价格/成交量通道。
func IsBuiltin(id string) bool { return builtinIdents[id] }

// Build 校验并冻结一个 Store。
// 任何长度不一致、时间戳乱序、标识符冲突都在这里报错，而不是留到运行期。
func Build(in Input) (*Store, error) {
	n := in.Candles.Len()
	if n == 0 {
		return nil, fmt.Errorf("feed %s@%s: K 线为空", in.Symbol, in.Timeframe.Key)
	}
	if len(in.Candles.OpenTime) != n || len(in.Candles.Open) != n ||
		len(in.Candles.High) != n || len(in.Candles.Low) != n ||
		len(in.Candles.Close) != n || len(in.Candles.Volume) != n {
		return nil, fmt.Errorf("feed %s@%s: OHLCV 列长度不一致", in.Symbol, in.Timeframe.Key)
	}
	for i := 1; i < n; i++ {
		if in.Candles.CloseTime[i] <= in.Candles.CloseTime[i-1] {
			return nil, fmt.Errorf("feed %s@%s: close_ts 在下标 %d 处未严格递增", in.Symbol, in.Timeframe.Key, i)
		}
	}
	if in.LastPrice != nil && len(in.LastPrice) != n {
		return nil, fmt.Errorf("feed %s@%s: last_price 长度 %d != %d", in.Symbol, in.Timeframe.Key, len(in.LastPrice), n)
	}
	if in.MarkPrice != nil && len(in.MarkPrice) != n {
		return nil, fmt.Errorf("feed %s@%s: mark_price 长度 %d != %d", in.Symbol, in.Timeframe.Key, len(in.MarkPrice), n)
	}
	for id, arr := range in.Features {
		if builtinIdents[id] {
			return nil, fmt.Errorf("feed %s@%s: 特征 %q 与内置标识符冲突", in.Symbol, in.Timeframe.Key, id)
		}
		if len(arr) != n {
			return nil, fmt.Errorf("feed %s@%s: 特征 %q 长度 %d != %d", in.Symbol, in.Timeframe.Key, id, len(arr), n)
		}
	}
	for id, fields := range in.Structures {
		if builtinIdents[id] {
			return nil, fmt.Errorf("feed %s@%s: 结构 %q 与内置标识符冲突", in.Symbol, in.Timeframe.Key, id)
		}
		if _, dup := in.Features[id]; dup {
			return nil, fmt.Errorf("feed %s@%s: 标识符 %q 同时出现在指标与结构命名空间", in.Symbol, in.Timeframe.Key, id)
		}
		if len(fields) == 0 {
			return nil, fmt.Errorf("feed %s@%s: 结构 %q 没有输出字段", in.Symbol, in.Timeframe.Key, id)
		}
		for field, arr := range fields {
			if len(arr) != n {
				return nil, fmt.Errorf("feed %s@%s: 结构字段 %s.%s 长度 %d != %d", in.Symbol, in.Timeframe.Key, id, field, len(arr), n)
			}
		}
	}
	return &Store{
		symbol:     in.Symbol,
		tf:         in.Timeframe,
		cols:       in.Candles,
		lastPrice:  in.LastPrice,
		markPrice:  in.MarkPrice,
		features:   in.Features,
		structures: in.Structures,
	}, nil
}

// Symbol 返回标的。
func (s *Store) Symbol() string { return s.symbol }

// Timeframe 返回周期。
func (s *Store) Timeframe() market.Timeframe { return s.tf }

// Len 返回 bar 数量。
func (s *Store) Len() int { return s.cols.Len() }

// CloseTime 返回下标处的收盘时间（毫秒）。
func (s *Store) CloseTime(idx int) int64 { return s.cols.CloseTime[idx] }

// OpenTime 返回下标处的开盘时间（毫秒）。
func (s *Store) OpenTime(idx int) int64 { return s.cols.OpenTime[idx] }

// Candle 返回下标处的整根 K 线。
func (s *Store) Candle(idx int) market.Candle {
	return market.Candle{
		OpenTime:  s.cols.OpenTime[idx],
		CloseTime: s.cols.CloseTime[idx],
		Open:      s.cols.Open[idx],
		High:      s.cols.High[idx],
		Low:       s.cols.Low[idx],
		Close:     s.cols.Close[idx],
		Volume:    s.cols.Volume[idx],
	}
}

// Builtin 读取内置通道。未配置 ticker 通道时 last/mark 退化为缺失。
func (s *Store) Builtin(id string, idx int) (Value, bool) {
	switch id {
	case "open":
		return Num(s.cols.Open[idx]), true
	case "high":
		return Num(s.cols.High[idx]), true
	case "low":
		return Num(s.cols.Low[idx]), true
	case "close":
		return Num(s.cols.Close[idx]), true
	case "volume":
		return Num(s.cols.Volume[idx]), true
	case "last_price":
		if s.lastPrice == nil {
			return Missing, true
		}
		return Num(s.lastPrice[idx]), true
	case "mark_price":
		if s.markPrice == nil {
			return Missing, true
		}
		return Num(s.markPrice[idx]), true
	}
	return Missing, false
}

// Value 按标识符读取某一下标的值。warm-up 的 NaN 占位返回 Missing；
// 未声明标识符返回 UnknownFeatureError（编译期应已拦截）。
func (s *Store) Value(id, field string, idx int) (Value, error) {
	if field == "" {
		if v, ok := s.Builtin(id, idx); ok {
			return v, nil
		}
		if arr, ok := s.features[id]; ok {
			return Num(arr[idx]), nil
		}
	}
	if fields, ok := s.structures[id]; ok {
		if field == "" {
			return Missing, &UnknownFeatureError{Feature: id, Field: field, Known: fieldNames(fields)}
		}
		if arr, ok := fields[field]; ok {
			return Num(arr[idx]), nil
		}
		return Missing, &UnknownFeatureError{Feature: id, Field: field, Known: fieldNames(fields)}
	}
	return Missing, &UnknownFeatureError{Feature: id, Known: s.Identifiers()}
}

// Has 判断标识符（含字段）是否已声明。
func (s *Store) Has(id, field string) bool {
	if field == "" {
		if builtinIdents[id] {
			return true
		}
		_, ok := s.features[id]
		return ok
	}
	fields, ok := s.structures[id]
	if !ok {
		return false
	}
	_, ok = fields[field]
	return ok
}

// Identifiers 返回全部已声明标识符（用于错误提示）。
func (s *Store) Identifiers() []string {
	out := make([]string, 0, len(s.features)+len(s.structures))
	for id := range s.features {
		out = append(out, id)
	}
	for id := range s.structures {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IndexAtOrBefore 二分查找收盘时间 ≤ ts 的最后一根 bar。
// 只用于建立/推进上下文周期指针，不进入执行周期的逐 bar 热路径。
func (s *Store) IndexAtOrBefore(ts int64) (int, bool) {
	n := s.Len()
	// 第一个 close > ts 的位置
	pos := sort.Search(n, func(i int) bool { return s.cols.CloseTime[i] > ts })
	if pos == 0 {
		return 0, false
	}
	return pos - 1, true
}

func fieldNames(fields StructureFields) []string {
	out := make([]string, 0, len(fields))
	for f := range fields {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
