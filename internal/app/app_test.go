package app

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tokenguard/internal/config"
	"tokenguard/internal/gateway/exchange"
	"tokenguard/internal/gateway/notifier"
	"tokenguard/internal/market"
	"tokenguard/internal/store"
	"tokenguard/internal/store/memory"
	"tokenguard/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExchange struct {
	mu        sync.Mutex
	leverages map[string]int
}

func (s *stubExchange) Name() string { return "stub" }

func (s *stubExchange) LatestPrice(context.Context, string) (float64, error) { return 100, nil }

func (s *stubExchange) FetchHistory(context.Context, string, string, int) ([]market.Candle, error) {
	return nil, nil
}

func (s *stubExchange) PlaceOrder(context.Context, exchange.OrderRequest) (*exchange.OrderResult, error) {
	return &exchange.OrderResult{}, nil
}

func (s *stubExchange) ListOpenPositions(context.Context) ([]exchange.Position, error) {
	return nil, nil
}

func (s *stubExchange) SetLeverage(_ context.Context, asset string, leverage int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leverages == nil {
		s.leverages = map[string]int{}
	}
	s.leverages[asset] = leverage
	return nil
}

func (s *stubExchange) leverage(asset string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leverages[asset]
}

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	body := `
app:
  http_addr: "127.0.0.1:0"
assets:
  - symbol: SOL
    enabled: true
    leverage: 3
  - symbol: ETH
    enabled: false
agent:
  tick_interval_seconds: 60
regime:
  rules_path: ` + filepath.Join(dir, "missing_rules.yaml") + `
supervisor:
  launcher: inprocess
  stop_timeout_seconds: 2
store:
  state_path: ` + filepath.Join(dir, "state.db") + `
  events_path: ` + filepath.Join(dir, "events.db") + `
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestBuild_InProcessAgentLifecycle(t *testing.T) {
	cfg := loadTestConfig(t)
	ex := &stubExchange{}
	kv := memory.New()
	a, err := NewApp(context.Background(), cfg,
		WithExchange(ex), WithKV(kv), WithNotifier(notifier.NewRecorder()))
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Summary)
	assert.Equal(t, "inprocess", a.Summary.Launcher)
	assert.Equal(t, "(heuristic only)", a.Summary.Regime.Model)
	assert.NotEmpty(t, a.Summary.Regime.Rules)

	sup := a.Supervisor()
	assert.Equal(t, []string{"SOL", "ETH"}, sup.Assets())

	ctx := context.Background()
	require.NoError(t, sup.StartAgent(ctx, "SOL"))
	require.Eventually(t, func() bool {
		ok, err := store.Exists(ctx, kv, store.HeartbeatKey("SOL"))
		return err == nil && ok
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, ex.leverage("SOL"))

	require.NoError(t, sup.StopAgent(ctx, "SOL", "test"))
	assert.Equal(t, types.StatusStopped, sup.Status()["SOL"].Status)
}

func TestBuildAgent_UnknownAsset(t *testing.T) {
	cfg := loadTestConfig(t)
	b := NewAppBuilder(cfg, WithExchange(&stubExchange{}), WithKV(memory.New()))
	_, _, err := b.BuildAgent(context.Background(), "DOGE", types.ModeTrade)
	require.Error(t, err)
}

func TestBuildAgent_ObserveSkipsLeverage(t *testing.T) {
	cfg := loadTestConfig(t)
	ex := &stubExchange{}
	b := NewAppBuilder(cfg, WithExchange(ex), WithKV(memory.New()))
	ag, closeFn, err := b.BuildAgent(context.Background(), "sol", types.ModeObserve)
	require.NoError(t, err)
	defer closeFn()
	assert.Equal(t, "SOL", ag.Asset())
	assert.Zero(t, ex.leverage("SOL"))
}

func TestSupervisorOptions(t *testing.T) {
	cfg := loadTestConfig(t)
	opts := supervisorOptions(cfg)
	require.Len(t, opts.Assets, 2)
	assert.True(t, opts.Assets[0].Enabled)
	assert.False(t, opts.Assets[1].Enabled)
	assert.Equal(t, 5, opts.MaxRestarts)
	assert.Equal(t, 2*time.Second, opts.StopTimeout)
	assert.Equal(t, 15*time.Minute, opts.RegimeInterval)
	assert.InDelta(t, cfg.Agent.SlippagePct, opts.SlippagePct, 1e-12)
}
