package feed

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backplay/internal/market"
)

func testColumns(closes ...float64) market.Columns {
	n := len(closes)
	cols := market.Columns{
		OpenTime:  make([]int64, n),
		CloseTime: make([]int64, n),
		Open:      make([]float64, n),
		High:      make([]float64, n),
		Low:       make([]float64, n),
		Close:     make([]float64, n),
		Volume:    make([]float64, n),
	}
	for i, c := range closes {
		cols.OpenTime[i] = int64(i) * 60_000
		cols.CloseTime[i] = int64(i+1)*60_000 - 1
		cols.Open[i] = c - 1
		cols.High[i] = c + 2
		cols.Low[i] = c - 2
		cols.Close[i] = c
		cols.Volume[i] = 100
	}
	return cols
}

func mustTF(t *testing.T, key string) market.Timeframe {
	t.Helper()
	tf, err := market.ParseTimeframe(key)
	require.NoError(t, err)
	return tf
}

func TestBuildRejectsLengthMismatch(t *testing.T) {
	cols := testColumns(1, 2, 3)
	_, err := Build(Input{
		Symbol:    "BTCUSDT",
		Timeframe: mustTF(t, "1m"),
		Candles:   cols,
		Features:  map[string][]float64{"ema_fast": {1, 2}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ema_fast")
}

func TestBuildRejectsUnsortedTimestamps(t *testing.T) {
	cols := testColumns(1, 2, 3)
	cols.CloseTime[2] = cols.CloseTime[1]
	_, err := Build(Input{Symbol: "BTCUSDT", Timeframe: mustTF(t, "1m"), Candles: cols})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "递增")
}

func TestBuildRejectsNamespaceCollisions(t *testing.T) {
	cols := testColumns(1, 2, 3)
	arr := []float64{1, 2, 3}

	_, err := Build(Input{
		Symbol: "BTCUSDT", Timeframe: mustTF(t, "1m"), Candles: cols,
		Features: map[string][]float64{"close": arr},
	})
	require.Error(t, err, "与内置标识符同名")

	_, err = Build(Input{
		Symbol: "BTCUSDT", Timeframe: mustTF(t, "1m"), Candles: cols,
		Features:   map[string][]float64{"swing": arr},
		Structures: map[string]StructureFields{"swing": {"high_level": arr}},
	})
	require.Error(t, err, "指标与结构重名")
}

func TestValueWarmupAndUnknown(t *testing.T) {
	cols := testColumns(1, 2, 3, 4)
	st, err := Build(Input{
		Symbol: "BTCUSDT", Timeframe: mustTF(t, "1m"), Candles: cols,
		Features: map[string][]float64{"rsi": {math.NaN(), math.NaN(), 55, 60}},
		Structures: map[string]StructureFields{
			"swing": {"high_level": []float64{math.NaN(), 3, 3, 3}},
		},
	})
	require.NoError(t, err)

	v, err := st.Value("rsi", "", 0)
	require.NoError(t, err)
	assert.True(t, v.IsMissing(), "warm-up 占位应为 Missing")

	v, err = st.Value("rsi", "", 2)
	require.NoError(t, err)
	assert.Equal(t, 55.0, v.MustFloat())

	v, err = st.Value("swing", "high_level", 1)
	require.NoError(t, err)
	assert.Equal(t, 3.0, v.MustFloat())

	_, err = st.Value("nope", "", 0)
	var unknown *UnknownFeatureError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "nope", unknown.Feature)

	_, err = st.Value("swing", "nope", 0)
	require.ErrorAs(t, err, &unknown)
}

func TestBuiltinChannelsAreDistinct(t *testing.T) {
	cols := testColumns(10, 11, 12)
	st, err := Build(Input{
		Symbol: "BTCUSDT", Timeframe: mustTF(t, "1m"), Candles: cols,
		LastPrice: []float64{10.5, 11.5, 12.5},
		MarkPrice: []float64{10.4, 11.4, 12.4},
	})
	require.NoError(t, err)

	closeV, err := st.Value("close", "", 2)
	require.NoError(t, err)
	lastV, err := st.Value("last_price", "", 2)
	require.NoError(t, err)
	markV, err := st.Value("mark_price", "", 2)
	require.NoError(t, err)
	assert.Equal(t, 12.0, closeV.MustFloat())
	assert.Equal(t, 12.5, lastV.MustFloat())
	assert.Equal(t, 12.4, markV.MustFloat())
}

func TestIndexAtOrBefore(t *testing.T) {
	cols := testColumns(1, 2, 3, 4)
	st, err := Build(Input{Symbol: "BTCUSDT", Timeframe: mustTF(t, "1m"), Candles: cols})
	require.NoError(t, err)

	// 收盘时间: 59999, 119999, 179999, 239999
	idx, ok := st.IndexAtOrBefore(59998)
	assert.False(t, ok, "第一根未收盘前没有可用 bar")
	_ = idx

	idx, ok = st.IndexAtOrBefore(59999)
	require.True(t, ok)
	assert.Equal(t, 0, idx)

	idx, ok = st.IndexAtOrBefore(180000)
	require.True(t, ok)
	assert.Equal(t, 2, idx)

	idx, ok = st.IndexAtOrBefore(1 << 60)
	require.True(t, ok)
	assert.Equal(t, 3, idx)
}
