package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backplay/internal/market"
)

// buildTF 构造 n 根 tf 周期、从 0 点开始的连续 K 线。
func buildTF(t *testing.T, tfKey string, n int) *Store {
	t.Helper()
	tf := mustTF(t, tfKey)
	step := tf.DurationMillis()
	cols := market.Columns{
		OpenTime:  make([]int64, n),
		CloseTime: make([]int64, n),
		Open:      make([]float64, n),
		High:      make([]float64, n),
		Low:       make([]float64, n),
		Close:     make([]float64, n),
		Volume:    make([]float64, n),
	}
	for i := 0; i < n; i++ {
		cols.OpenTime[i] = int64(i) * step
		cols.CloseTime[i] = int64(i+1)*step - 1
		cols.Close[i] = float64(i)
		cols.Open[i] = float64(i)
		cols.High[i] = float64(i)
		cols.Low[i] = float64(i)
		cols.Volume[i] = 1
	}
	st, err := Build(Input{Symbol: "BTCUSDT", Timeframe: tf, Candles: cols})
	require.NoError(t, err)
	return st
}

func TestAdvanceExecLookaheadAssertion(t *testing.T) {
	exec := buildTF(t, "5m", 10)
	snap, err := NewSnapshot(exec, nil)
	require.NoError(t, err)

	require.NoError(t, snap.AdvanceExec(0, exec.CloseTime(0)))
	assert.Equal(t, 0, snap.ExecIndex())

	err = snap.AdvanceExec(1, exec.CloseTime(2))
	require.Error(t, err, "close_ts 不匹配必须中止")
	assert.Contains(t, err.Error(), "前视")
}

func TestContextForwardFill(t *testing.T) {
	exec := buildTF(t, "5m", 24) // 两小时
	mid := buildTF(t, "30m", 4)
	snap, err := NewSnapshot(exec, map[Role]*Store{RoleMid: mid})
	require.NoError(t, err)

	// 前 5 根 5m（30 分钟内）mid 还没有收盘 bar
	for i := 0; i < 5; i++ {
		require.NoError(t, snap.AdvanceExec(i, exec.CloseTime(i)))
		_, ok := snap.ContextIndex(RoleMid)
		assert.False(t, ok, "bar %d 不应看到未收盘的 30m", i)
	}

	// 第 6 根 5m 收盘 == 第一根 30m 收盘
	require.NoError(t, snap.AdvanceExec(5, exec.CloseTime(5)))
	idx, ok := snap.ContextIndex(RoleMid)
	require.True(t, ok)
	assert.Equal(t, 0, idx)

	// 同一 30m 周期内指针保持不变
	for i := 6; i < 11; i++ {
		require.NoError(t, snap.AdvanceExec(i, exec.CloseTime(i)))
		idx, ok = snap.ContextIndex(RoleMid)
		require.True(t, ok)
		assert.Equal(t, 0, idx, "bar %d 应继续前向填充", i)
	}

	// 下一根 30m 收盘后指针 +1
	require.NoError(t, snap.AdvanceExec(11, exec.CloseTime(11)))
	idx, ok = snap.ContextIndex(RoleMid)
	require.True(t, ok)
	assert.Equal(t, 1, idx)
}

func TestFeatureOffsetBounds(t *testing.T) {
	exec := buildTF(t, "5m", 6)
	snap, err := NewSnapshot(exec, nil)
	require.NoError(t, err)
	require.NoError(t, snap.AdvanceExec(2, exec.CloseTime(2)))

	v, err := snap.Feature("close", RoleExec, 2, "")
	require.NoError(t, err)
	assert.Equal(t, 0.0, v.MustFloat())

	_, err = snap.Feature("close", RoleExec, 3, "")
	var rangeErr *RangeError
	require.ErrorAs(t, err, &rangeErr)
	assert.Equal(t, 3, rangeErr.Offset)
}

func TestFeatureBeforeFirstContextClose(t *testing.T) {
	exec := buildTF(t, "5m", 24)
	mid := buildTF(t, "30m", 4)
	snap, err := NewSnapshot(exec, map[Role]*Store{RoleMid: mid})
	require.NoError(t, err)
	require.NoError(t, snap.AdvanceExec(0, exec.CloseTime(0)))

	// 第一根 30m 还没收盘：取值是 warm-up 的 Missing，不是越界
	v, err := snap.Feature("close", RoleMid, 0, "")
	require.NoError(t, err)
	assert.True(t, v.IsMissing())
}

func TestFeatureUndeclaredRole(t *testing.T) {
	exec := buildTF(t, "5m", 3)
	snap, err := NewSnapshot(exec, nil)
	require.NoError(t, err)
	require.NoError(t, snap.AdvanceExec(0, exec.CloseTime(0)))

	_, err = snap.Feature("close", RoleHigh, 0, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "high")
}

func TestSnapshotRejectsFastContext(t *testing.T) {
	exec := buildTF(t, "30m", 4)
	fast := buildTF(t, "5m", 4)
	_, err := NewSnapshot(exec, map[Role]*Store{RoleMid: fast})
	require.Error(t, err)
}
