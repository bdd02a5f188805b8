package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_FillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
assets:
  - symbol: sol
    enabled: true
  - symbol: eth
    enabled: true
    order_notional_usd: 250
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"SOL", "ETH"}, cfg.AssetSymbols())
	assert.Equal(t, "classic", cfg.Signal.Variant)
	assert.Equal(t, 60, cfg.Agent.TickIntervalSeconds)
	assert.Equal(t, 3600, cfg.Agent.MaxBackoffSeconds)
	assert.InDelta(t, 0.10, cfg.Risk.StopLossPct, 1e-9)
	assert.InDelta(t, 0.15, cfg.Risk.TakeProfitConservativePct, 1e-9)
	assert.InDelta(t, 0.30, cfg.Risk.TakeProfitAggressivePct, 1e-9)
	assert.Equal(t, 5, cfg.Supervisor.MaxRestarts)
	assert.Equal(t, "exec", cfg.Supervisor.Launcher)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.True(t, cfg.Regime.Enabled)

	sol, ok := cfg.Asset("sol")
	require.True(t, ok)
	assert.InDelta(t, 100, sol.OrderNotionalUSD, 1e-9)
	eth, ok := cfg.Asset("ETH")
	require.True(t, ok)
	assert.InDelta(t, 250, eth.OrderNotionalUSD, 1e-9)
}

func TestLoad_ExplicitFalseIsKept(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
assets:
  - symbol: SOL
regime:
  enabled: false
agent:
  record_price_ticks: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Regime.Enabled)
	assert.False(t, cfg.Agent.RecordPriceTicks)
}

func TestLoad_Includes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
signal:
  variant: htf
supervisor:
  max_restarts: 2
`)
	path := writeFile(t, dir, "config.yaml", `
include: [base.yaml]
assets:
  - symbol: SOL
supervisor:
  max_restarts: 3
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "htf", cfg.Signal.Variant)
	assert.Equal(t, 3, cfg.Supervisor.MaxRestarts)
}

func TestLoad_IncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "include: [b.yaml]\n")
	writeFile(t, dir, "b.yaml", "include: [a.yaml]\n")
	_, err := Load(filepath.Join(dir, "a.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestLoad_Validation(t *testing.T) {
	cases := map[string]string{
		"no assets":     "signal:\n  variant: classic\n",
		"duplicate":     "assets:\n  - symbol: SOL\n  - symbol: sol\n",
		"bad variant":   "assets:\n  - symbol: SOL\nsignal:\n  variant: turbo\n",
		"bad backend":   "assets:\n  - symbol: SOL\nstore:\n  backend: mongo\n",
		"bad regime":    "assets:\n  - symbol: SOL\nrisk:\n  table:\n    SIDEWAYS:\n      stop_loss_pct: 0.1\n      take_profit_pct: 0.2\n",
		"telegram half": "assets:\n  - symbol: SOL\nnotify:\n  telegram:\n    enabled: true\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.yaml", body)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoad_SecretFromEnv(t *testing.T) {
	t.Setenv("TOKENGUARD_MODEL_API_KEY", "sk-test")
	path := writeFile(t, t.TempDir(), "config.yaml", "assets:\n  - symbol: SOL\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.Regime.Model.APIKey)
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	assert.Equal(t, DefaultPath, ResolvePath(""))
	t.Setenv(EnvConfigPath, "/etc/tokenguard.yaml")
	assert.Equal(t, "/etc/tokenguard.yaml", ResolvePath(""))
	assert.Equal(t, "x.yaml", ResolvePath(" x.yaml "))
}
