package market

// Candle 表示一根已收盘的 K 线（时间为毫秒）。
type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int64   `json:"trades"`
}

// Columns 是一组与同一时间轴对齐的列式数组，供指标计算与 FeedStore 构建使用。
type Columns struct {
	OpenTime  []int64
	CloseTime []int64
	Open      []float64
	High      []float64
	Low       []float64
	Close     []float64
	Volume    []float64
}

// ToColumns 将行式 K 线转换为列式数组。
func ToColumns(candles []Candle) Columns {
	n := len(candles)
	cols := Columns{
		OpenTime:  make([]int64, n),
		CloseTime: make([]int64, n),
		Open:      make([]float64, n),
		High:      make([]float64, n),
		Low:       make([]float64, n),
		Close:     make([]float64, n),
		Volume:    make([]float64, n),
	}
	for i, c := range candles {
		cols.OpenTime[i] = c.OpenTime
		cols.CloseTime[i] = c.CloseTime
		cols.Open[i] = c.Open
		cols.High[i] = c.High
		cols.Low[i] = c.Low
		cols.Close[i] = c.Close
		cols.Volume[i] = c.Volume
	}
	return cols
}

// Len 返回列长度。
func (c Columns) Len() int { return len(c.CloseTime) }
