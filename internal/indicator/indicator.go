// Package indicator 把 play 里声明的指标特征算成与 K 线时间轴对齐的数组。
// 各指标统一经 talib 计算，warm-up 段用 NaN 占位；feed 层负责把 NaN
// 归一为缺失值，这里只保证长度对齐与占位正确。
package indicator

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/markcheno/go-talib"
	"github.com/mitchellh/mapstructure"

	"backplay/internal/market"
)

// Outputs 是一次指标计算的输出：标识符 → 序列。
// 单输出指标只有声明 id 一个 key；多输出指标派生 id（如 macd_signal）。
type Outputs map[string][]float64

type computeFn func(id string, params map[string]any, cols market.Columns) (Outputs, error)

var catalog = map[string]computeFn{
	"sma":    computeSMA,
	"ema":    computeEMA,
	"rsi":    computeRSI,
	"atr":    computeATR,
	"macd":   computeMACD,
	"stoch":  computeStoch,
	"willr":  computeWillR,
	"roc":    computeROC,
	"obv":    computeOBV,
	"cci":    computeCCI,
	"mfi":    computeMFI,
	"adx":    computeADX,
	"bbands": computeBBands,
}

// Kinds 返回支持的指标类型（排序后，用于错误提示）。
func Kinds() []string {
	out := make([]string, 0, len(catalog))
	for k := range catalog {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// OutputIDs 返回某个声明会产出的全部标识符。
// 编译期靠它把多输出指标的派生 id 注进声明集。
func OutputIDs(id, kind string) []string {
	switch kind {
	case "macd":
		return []string{id, id + "_signal", id + "_hist"}
	case "stoch":
		return []string{id, id + "_d"}
	case "bbands":
		return []string{id + "_upper", id, id + "_lower"}
	}
	return []string{id}
}

// Compute 计算单个指标声明。序列长度与输入 K 线一致。
func Compute(id, kind string, params map[string]any, cols market.Columns) (Outputs, error) {
	fn, ok := catalog[strings.ToLower(kind)]
	if !ok {
		return nil, fmt.Errorf("指标 %q: 未知类型 %q（支持: %s）", id, kind, strings.Join(Kinds(), ", "))
	}
	if cols.Len() == 0 {
		return nil, fmt.Errorf("指标 %q: K 线为空", id)
	}
	out, err := fn(id, params, cols)
	if err != nil {
		return nil, fmt.Errorf("指标 %q: %w", id, err)
	}
	for outID, series := range out {
		if len(series) != cols.Len() {
			return nil, fmt.Errorf("指标 %q: 输出 %s 长度 %d != %d", id, outID, len(series), cols.Len())
		}
	}
	return out, nil
}

// decodeParams 用弱类型解码把 yaml 的 map 参数填进指标自己的参数结构。
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

// maskWarmup 把前 lookback 个值替换成 NaN 占位。
// talib 的 warm-up 段填 0，直接暴露会被当成合法价格参与比较。
func maskWarmup(series []float64, lookback int) []float64 {
	if lookback > len(series) {
		lookback = len(series)
	}
	for i := 0; i < lookback; i++ {
		series[i] = math.NaN()
	}
	return series
}

type periodParams struct {
	Period int `yaml:"period"`
}

func (p *periodParams) normalize(def, n int) error {
	if p.Period <= 0 {
		p.Period = def
	}
	if p.Period >= n {
		return fmt.Errorf("period=%d 不小于 K 线数 %d", p.Period, n)
	}
	return nil
}

func computeSMA(id string, params map[string]any, cols market.Columns) (Outputs, error) {
	p := periodParams{}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.normalize(20, cols.Len()); err != nil {
		return nil, err
	}
	return Outputs{id: maskWarmup(talib.Sma(cols.Close, p.Period), p.Period-1)}, nil
}

func computeEMA(id string, params map[string]any, cols market.Columns) (Outputs, error) {
	p := periodParams{}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.normalize(21, cols.Len()); err != nil {
		return nil, err
	}
	return Outputs{id: maskWarmup(talib.Ema(cols.Close, p.Period), p.Period-1)}, nil
}

func computeRSI(id string, params map[string]any, cols market.Columns) (Outputs, error) {
	p := periodParams{}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.normalize(14, cols.Len()); err != nil {
		return nil, err
	}
	return Outputs{id: maskWarmup(talib.Rsi(cols.Close, p.Period), p.Period)}, nil
}

func computeATR(id string, params map[string]any, cols market.Columns) (Outputs, error) {
	p := periodParams{}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.normalize(14, cols.Len()); err != nil {
		return nil, err
	}
	return Outputs{id: maskWarmup(talib.Atr(cols.High, cols.Low, cols.Close, p.Period), p.Period)}, nil
}

func computeWillR(id string, params map[string]any, cols market.Columns) (Outputs, error) {
	p := periodParams{}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.normalize(14, cols.Len()); err != nil {
		return nil, err
	}
	return Outputs{id: maskWarmup(talib.WillR(cols.High, cols.Low, cols.Close, p.Period), p.Period-1)}, nil
}

func computeROC(id string, params map[string]any, cols market.Columns) (Outputs, error) {
	p := periodParams{}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.normalize(9, cols.Len()); err != nil {
		return nil, err
	}
	return Outputs{id: maskWarmup(talib.Roc(cols.Close, p.Period), p.Period)}, nil
}

func computeOBV(id string, params map[string]any, cols market.Columns) (Outputs, error) {
	if len(params) > 0 {
		return nil, fmt.Errorf("obv 不接受参数")
	}
	return Outputs{id: talib.Obv(cols.Close, cols.Volume)}, nil
}

func computeCCI(id string, params map[string]any, cols market.Columns) (Outputs, error) {
	p := periodParams{}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.normalize(20, cols.Len()); err != nil {
		return nil, err
	}
	return Outputs{id: maskWarmup(talib.Cci(cols.High, cols.Low, cols.Close, p.Period), p.Period-1)}, nil
}

func computeMFI(id string, params map[string]any, cols market.Columns) (Outputs, error) {
	p := periodParams{}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.normalize(14, cols.Len()); err != nil {
		return nil, err
	}
	return Outputs{id: maskWarmup(talib.Mfi(cols.High, cols.Low, cols.Close, cols.Volume, p.Period), p.Period)}, nil
}

func computeADX(id string, params map[string]any, cols market.Columns) (Outputs, error) {
	p := periodParams{}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := p.normalize(14, cols.Len()); err != nil {
		return nil, err
	}
	return Outputs{id: maskWarmup(talib.Adx(cols.High, cols.Low, cols.Close, p.Period), 2*p.Period-1)}, nil
}

type macdParams struct {
	Fast   int `yaml:"fast"`
	Slow   int `yaml:"slow"`
	Signal int `yaml:"signal"`
}

func computeMACD(id string, params map[string]any, cols market.Columns) (Outputs, error) {
	p := macdParams{}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Fast <= 0 {
		p.Fast = 12
	}
	if p.Slow <= 0 {
		p.Slow = 26
	}
	if p.Signal <= 0 {
		p.Signal = 9
	}
	if p.Fast >= p.Slow {
		return nil, fmt.Errorf("macd: fast=%d 必须小于 slow=%d", p.Fast, p.Slow)
	}
	lookback := p.Slow - 1 + p.Signal - 1
	if lookback >= cols.Len() {
		return nil, fmt.Errorf("macd: 需要至少 %d 根 K 线", lookback+1)
	}
	macd, signal, hist := talib.Macd(cols.Close, p.Fast, p.Slow, p.Signal)
	return Outputs{
		id:             maskWarmup(macd, lookback),
		id + "_signal": maskWarmup(signal, lookback),
		id + "_hist":   maskWarmup(hist, lookback),
	}, nil
}

type stochParams struct {
	KPeriod int `yaml:"k_period"`
	SlowK   int `yaml:"slow_k"`
	DPeriod int `yaml:"d_period"`
}

func computeStoch(id string, params map[string]any, cols market.Columns) (Outputs, error) {
	p := stochParams{}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.KPeriod <= 0 {
		p.KPeriod = 14
	}
	if p.SlowK <= 0 {
		p.SlowK = 3
	}
	if p.DPeriod <= 0 {
		p.DPeriod = 3
	}
	lookback := p.KPeriod - 1 + p.SlowK - 1 + p.DPeriod - 1
	if lookback >= cols.Len() {
		return nil, fmt.Errorf("stoch: 需要至少 %d 根 K 线", lookback+1)
	}
	k, d := talib.Stoch(cols.High, cols.Low, cols.Close, p.KPeriod, p.SlowK, talib.SMA, p.DPeriod, talib.SMA)
	return Outputs{
		id:        maskWarmup(k, lookback),
		id + "_d": maskWarmup(d, lookback),
	}, nil
}

type bbandsParams struct {
	Period int     `yaml:"period"`
	StdDev float64 `yaml:"std_dev"`
}

func computeBBands(id string, params map[string]any, cols market.Columns) (Outputs, error) {
	p := bbandsParams{}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Period <= 0 {
		p.Period = 20
	}
	if p.StdDev <= 0 {
		p.StdDev = 2
	}
	if p.Period >= cols.Len() {
		return nil, fmt.Errorf("bbands: period=%d 不小于 K 线数 %d", p.Period, cols.Len())
	}
	upper, middle, lower := talib.BBands(cols.Close, p.Period, p.StdDev, p.StdDev, talib.SMA)
	return Outputs{
		id + "_upper": maskWarmup(upper, p.Period-1),
		id:            maskWarmup(middle, p.Period-1),
		id + "_lower": maskWarmup(lower, p.Period-1),
	}, nil
}
