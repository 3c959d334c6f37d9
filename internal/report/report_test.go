package report

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backplay/internal/backtest"
)

func sampleEquity(n int) []backtest.EquityPoint {
	out := make([]backtest.EquityPoint, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, backtest.EquityPoint{
			TS:      int64(i) * 300000,
			Equity:  10000 + float64(i*10),
			Balance: 10000,
		})
	}
	return out
}

func TestWriteEquityReport(t *testing.T) {
	dir := t.TempDir()
	r, err := New(dir, false)
	require.NoError(t, err)

	run := backtest.Run{
		ID:     "run-report",
		Play:   "cross",
		Symbol: "BTCUSDT",
		Profit: 500, ReturnPct: 0.05, WinRate: 0.6, MaxDrawdownPct: 0.1,
	}
	htmlPath, pngPath, err := r.Write(context.Background(), run, sampleEquity(20))
	require.NoError(t, err)
	assert.Empty(t, pngPath, "未开启 PNG 时不应截图")
	assert.Equal(t, filepath.Join(dir, "run-report.html"), htmlPath)

	html, err := os.ReadFile(htmlPath)
	require.NoError(t, err)
	assert.Contains(t, string(html), "资金曲线")
	assert.Contains(t, string(html), "回撤")
}

func TestWriteRejectsEmptyEquity(t *testing.T) {
	r, err := New(t.TempDir(), false)
	require.NoError(t, err)
	_, _, err = r.Write(context.Background(), backtest.Run{ID: "x"}, nil)
	require.Error(t, err)
}

func TestNewRejectsEmptyDir(t *testing.T) {
	_, err := New("", false)
	require.Error(t, err)
}
