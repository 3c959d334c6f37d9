package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backplay/internal/market"
)

func candleAt(ts int64, close float64) market.Candle {
	return market.Candle{
		OpenTime:  ts - 60000,
		CloseTime: ts,
		Open:      close,
		High:      close + 1,
		Low:       close - 1,
		Close:     close,
		Volume:    100,
	}
}

func newTestAccount(t *testing.T, cfg Config) *Account {
	t.Helper()
	acc, err := New(cfg)
	require.NoError(t, err)
	return acc
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{InitialBalance: 0})
	require.Error(t, err)
	_, err = New(Config{InitialBalance: 1000, Leverage: 200})
	require.Error(t, err)
	_, err = New(Config{InitialBalance: 1000, Leverage: 10, MaintenanceRate: 0.2})
	require.Error(t, err)
}

func TestOpenCloseLongRoundTrip(t *testing.T) {
	acc := newTestAccount(t, Config{InitialBalance: 1000, FeeRate: 0.001})

	fills := acc.Open("long", 1, candleAt(1000, 100))
	require.Len(t, fills, 1)
	assert.Equal(t, "open_long", fills[0].Action)
	assert.InDelta(t, 10.0, fills[0].Qty, 1e-9)
	assert.InDelta(t, 1.0, fills[0].Fee, 1e-9)
	assert.InDelta(t, 999.0, acc.Balance(), 1e-9)
	assert.True(t, acc.HasPosition("long"))

	fills = acc.Close("long", 1, candleAt(2000, 110))
	require.Len(t, fills, 1)
	// pnl = (110-100)*10 = 100，平仓费 = 1100*0.001 = 1.1
	assert.InDelta(t, 100-1.1, fills[0].RealizedPnL, 1e-9)
	assert.InDelta(t, 999+100-1.1, acc.Balance(), 1e-9)
	assert.False(t, acc.HasPosition(""))

	stats := acc.Stats()
	assert.Equal(t, 1, stats.Trades)
	assert.Equal(t, 1, stats.Wins)
	assert.InDelta(t, 2.1, stats.FeesPaid, 1e-9)
}

func TestShortProfitsWhenPriceFalls(t *testing.T) {
	acc := newTestAccount(t, Config{InitialBalance: 1000})
	acc.Open("short", 1, candleAt(1000, 100))
	acc.Close("short", 1, candleAt(2000, 90))
	assert.InDelta(t, 1100, acc.Balance(), 1e-9)
}

func TestSlippageWorsensBothLegs(t *testing.T) {
	acc := newTestAccount(t, Config{InitialBalance: 1000, SlippageBps: 10})
	fills := acc.Open("long", 1, candleAt(1000, 100))
	// 买入滑点抬高成交价
	assert.InDelta(t, 100.1, fills[0].Price, 1e-9)
	fills = acc.Close("long", 1, candleAt(2000, 100))
	assert.InDelta(t, 99.9, fills[0].Price, 1e-9)
	assert.Less(t, acc.Balance(), 1000.0)
}

func TestOppositeOpenFlipsPosition(t *testing.T) {
	acc := newTestAccount(t, Config{InitialBalance: 1000})
	acc.Open("long", 1, candleAt(1000, 100))
	fills := acc.Open("short", 1, candleAt(2000, 100))
	// 先平多再开空，两笔成交
	require.Len(t, fills, 2)
	assert.Equal(t, "close_long", fills[0].Action)
	assert.Equal(t, "open_short", fills[1].Action)
	assert.True(t, acc.HasPosition("short"))
}

func TestRepeatedOpenSameSideIsNoop(t *testing.T) {
	acc := newTestAccount(t, Config{InitialBalance: 1000})
	acc.Open("long", 0.5, candleAt(1000, 100))
	assert.Empty(t, acc.Open("long", 0.5, candleAt(2000, 100)))
}

func TestPartialClose(t *testing.T) {
	acc := newTestAccount(t, Config{InitialBalance: 1000})
	acc.Open("long", 1, candleAt(1000, 100)) // qty 10
	fills := acc.Close("long", 0.4, candleAt(2000, 110))
	require.Len(t, fills, 1)
	assert.InDelta(t, 4.0, fills[0].Qty, 1e-9)
	assert.True(t, acc.HasPosition("long"))

	fills = acc.Close("long", 1, candleAt(3000, 110))
	assert.InDelta(t, 6.0, fills[0].Qty, 1e-9)
	assert.False(t, acc.HasPosition(""))
	assert.Equal(t, 2, acc.Stats().Trades)
}

func TestLeverageAndLiquidation(t *testing.T) {
	acc := newTestAccount(t, Config{InitialBalance: 1000, Leverage: 10, MaintenanceRate: 0.005})
	fills := acc.Open("long", 1, candleAt(1000, 100))
	// 名义 = 1000*10，qty = 100
	assert.InDelta(t, 100.0, fills[0].Qty, 1e-9)

	// 强平价 = 100*(1-(0.1-0.005)) = 90.5；bar 低点触及即强平
	c := candleAt(2000, 91)
	c.Low = 90
	fills = acc.MarkBar(c)
	require.Len(t, fills, 1)
	assert.Equal(t, "liquidation", fills[0].Action)
	assert.InDelta(t, 90.5, fills[0].Price, 1e-9)
	assert.False(t, acc.HasPosition(""))

	stats := acc.Stats()
	assert.Equal(t, 1, stats.Liquidations)
	require.Len(t, acc.Trades(), 1)
	assert.True(t, acc.Trades()[0].Liquidated)
}

func TestMarkBarTracksDrawdown(t *testing.T) {
	acc := newTestAccount(t, Config{InitialBalance: 1000})
	acc.Open("long", 1, candleAt(1000, 100))
	acc.MarkBar(candleAt(2000, 120)) // equity 1200
	acc.MarkBar(candleAt(3000, 90))  // equity 900

	stats := acc.Stats()
	assert.InDelta(t, 1200, stats.EquityPeak, 1e-9)
	assert.InDelta(t, 900, stats.EquityValley, 1e-9)
	assert.InDelta(t, 0.25, stats.MaxDrawdownPct, 1e-9)
}

func TestCloseAllFlushesOpenPosition(t *testing.T) {
	acc := newTestAccount(t, Config{InitialBalance: 1000})
	acc.Open("short", 0.5, candleAt(1000, 100))
	fills := acc.CloseAll(candleAt(2000, 100))
	require.Len(t, fills, 1)
	assert.False(t, acc.HasPosition(""))
	assert.Empty(t, acc.CloseAll(candleAt(3000, 100)))
}

func TestMarkBarWithMarkLiquidatesOnMarkChannel(t *testing.T) {
	// 10 倍杠杆、维持保证金率 0.5%：100 进场的多头强平价 90.5。
	acc := newTestAccount(t, Config{InitialBalance: 10000, Leverage: 10, MaintenanceRate: 0.005})
	require.NotEmpty(t, acc.Open("long", 1, candleAt(60000, 100)))

	bar := market.Candle{OpenTime: 60001, CloseTime: 120000, Open: 100, High: 100, Low: 95, Close: 96}

	// 执行 K 线最低 95，自身够不到强平价。
	require.Empty(t, acc.MarkBar(bar))
	require.True(t, acc.HasPosition("long"))

	// 标记价 K 线最低 90 触及强平价，仓位被强平。
	mark := market.Candle{OpenTime: 60001, CloseTime: 120000, Open: 99, High: 99, Low: 90, Close: 91}
	fills := acc.MarkBarWithMark(bar, mark)
	require.Len(t, fills, 1)
	assert.Equal(t, "liquidation", fills[0].Action)
	assert.False(t, acc.HasPosition("long"))
	assert.Equal(t, 1, acc.Stats().Liquidations)
}
