package backtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backplay/internal/datastore"
	"backplay/internal/play"
)

func newTestService(t *testing.T) (*Service, *datastore.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := datastore.Open(filepath.Join(dir, "candles"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	results, err := NewResultStore(filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { results.Close() })
	engine, err := NewEngine(store)
	require.NoError(t, err)
	doc, err := play.Parse([]byte(crossPlay))
	require.NoError(t, err)

	svc, err := NewService(ServiceConfig{
		Store:   store,
		Results: results,
		Engine:  engine,
		Plays:   map[string]*play.Play{doc.Name: doc},
		Account: testAccount(),
	})
	require.NoError(t, err)
	return svc, store
}

func TestServiceRunOnce(t *testing.T) {
	svc, store := newTestService(t)
	seedCandles(t, store, "BTCUSDT", "5m", crossCloses)

	step := int64(5 * 60 * 1000)
	run, result, err := svc.RunOnce(context.Background(), RunRequest{
		Play:    "cross",
		StartTS: baseTS,
		EndTS:   baseTS + 9*step,
	})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, RunStatusDone, run.Status)
	assert.Len(t, result.Trades, 1)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, run.ActionHash, result.ActionHash)

	// 落库后可查
	stored, err := svc.Run(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusDone, stored.Status)
	assert.InDelta(t, run.FinalBalance, stored.FinalBalance, 1e-9)
}

func TestServiceRunOnceFailsOnMissingData(t *testing.T) {
	svc, _ := newTestService(t)
	step := int64(5 * 60 * 1000)
	run, _, err := svc.RunOnce(context.Background(), RunRequest{
		Play:    "cross",
		StartTS: baseTS,
		EndTS:   baseTS + 9*step,
	})
	require.Error(t, err)

	stored, getErr := svc.Run(context.Background(), run.ID)
	require.NoError(t, getErr)
	assert.Equal(t, RunStatusFailed, stored.Status)
	assert.NotEmpty(t, stored.Message)
}

func TestServiceRejectsUnknownPlay(t *testing.T) {
	svc, _ := newTestService(t)
	_, _, err := svc.RunOnce(context.Background(), RunRequest{Play: "nope", StartTS: 1, EndTS: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "未找到策略")
}

func TestServiceAccountOverrides(t *testing.T) {
	svc, _ := newTestService(t)
	cfg := svc.accountFor(RunRequest{Leverage: 5, FeeRate: 0.0004})
	assert.Equal(t, 5.0, cfg.Leverage)
	assert.Equal(t, 0.0004, cfg.FeeRate)
	assert.Equal(t, 10000.0, cfg.InitialBalance, "未覆盖的项保持默认")
}
