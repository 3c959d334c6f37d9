package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backplay/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	playsDir := filepath.Join(dir, "plays")
	require.NoError(t, os.MkdirAll(playsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(playsDir, "cross.yaml"), []byte(`
name: cross
symbol: BTCUSDT
timeframes: {exec: 5m}
features:
  - id: sma2
    kind: sma
    params: {period: 2}
actions:
  - signal: open_long
    when: [close, cross_above, sma2]
`), 0o644))
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
app:
  plays_dir: `+playsDir+`
data:
  root: `+filepath.Join(dir, "candles")+`
backtest:
  results_db: `+filepath.Join(dir, "runs.db")+`
report:
  dir: `+filepath.Join(dir, "reports")+`
`), 0o644))
	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	return cfg
}

func TestBuilderAssemblesApp(t *testing.T) {
	cfg := testConfig(t)
	app, err := NewAppBuilder(cfg).Build(context.Background())
	require.NoError(t, err)
	defer app.Close()

	require.NotNil(t, app.Service())
	assert.Equal(t, []string{"cross"}, app.Service().PlayNames())
	assert.Nil(t, app.watcher, "未开启监听时不建 watcher")
}

func TestBuilderWithWatcher(t *testing.T) {
	cfg := testConfig(t)
	cfg.App.WatchPlays = true
	app, err := NewAppBuilder(cfg).Build(context.Background())
	require.NoError(t, err)
	defer app.Close()
	assert.NotNil(t, app.watcher)
}

func TestBuilderMissingPlaysDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.App.PlaysDir = filepath.Join(t.TempDir(), "nope")
	app, err := NewAppBuilder(cfg).Build(context.Background())
	require.NoError(t, err, "目录缺失按空策略集启动")
	defer app.Close()
	assert.Empty(t, app.Service().PlayNames())
}

func TestBuilderRejectsBadPlay(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.App.PlaysDir, "bad.yaml"), []byte("name: x\n"), 0o644))
	_, err := NewAppBuilder(cfg).Build(context.Background())
	require.Error(t, err)
}
