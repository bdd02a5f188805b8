package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"tokenguard/internal/gateway/exchange"
	"tokenguard/internal/market"
	"tokenguard/internal/market/feed"
	"tokenguard/internal/position"
	"tokenguard/internal/store"
	"tokenguard/internal/store/eventlog"
	"tokenguard/internal/store/memory"
	"tokenguard/internal/strategy/risk"
	"tokenguard/internal/strategy/signal"
	"tokenguard/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockExchange struct {
	mock.Mock
}

func (m *MockExchange) Name() string { return "mock" }

func (m *MockExchange) LatestPrice(ctx context.Context, asset string) (float64, error) {
	args := m.Called(asset)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockExchange) FetchHistory(ctx context.Context, asset, interval string, limit int) ([]market.Candle, error) {
	args := m.Called(asset, interval, limit)
	candles, _ := args.Get(0).([]market.Candle)
	return candles, args.Error(1)
}

func (m *MockExchange) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	args := m.Called(req)
	res, _ := args.Get(0).(*exchange.OrderResult)
	return res, args.Error(1)
}

func (m *MockExchange) ListOpenPositions(ctx context.Context) ([]exchange.Position, error) {
	args := m.Called()
	positions, _ := args.Get(0).([]exchange.Position)
	return positions, args.Error(1)
}

type fakeEvents struct {
	mu     sync.Mutex
	events []eventlog.Event
	ticks  []market.PriceTick
}

func (f *fakeEvents) Append(_ context.Context, ev eventlog.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeEvents) List(context.Context, eventlog.Query) ([]eventlog.Event, error) { return nil, nil }

func (f *fakeEvents) RecordTick(_ context.Context, t market.PriceTick) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks = append(f.ticks, t)
	return nil
}

func (f *fakeEvents) RecentTicks(context.Context, string, int) ([]market.PriceTick, error) {
	return nil, nil
}

func (f *fakeEvents) Close() error { return nil }

func (f *fakeEvents) kinds() []eventlog.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]eventlog.Kind, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Kind)
	}
	return out
}

type harness struct {
	agent  *Agent
	ex     *MockExchange
	kv     store.KV
	events *fakeEvents
	now    time.Time
	snap   *types.IndicatorSnapshot
}

func newHarness(t *testing.T, mode types.AgentMode) *harness {
	t.Helper()
	h := &harness{
		ex:     &MockExchange{},
		kv:     memory.New(),
		events: &fakeEvents{},
		now:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	variant, err := signal.ResolveVariant("classic", signal.Overrides{})
	require.NoError(t, err)
	a, err := New(Options{
		Asset:            "sol",
		Mode:             mode,
		TickInterval:     time.Minute,
		OrderNotional:    100,
		SlippagePct:      0.005,
		RecordPriceTicks: true,
		Variant:          variant,
		Risk:             risk.Config{StopLossPct: 0.10, GracePeriod: time.Minute},
	}, Deps{Exchange: h.ex, KV: h.kv, Events: h.events})
	require.NoError(t, err)
	a.nowFn = func() time.Time { return h.now }
	a.snapshotFn = func(context.Context, float64, time.Time) *types.IndicatorSnapshot { return h.snap }
	a.state = &types.PositionState{Asset: "SOL"}
	h.agent = a
	return h
}

func (h *harness) tick(price float64) {
	if h.snap != nil {
		h.snap.LatestPrice = price
	}
	h.agent.handleTick(context.Background(), market.PriceTick{Asset: "SOL", Price: price, Timestamp: h.now})
	h.now = h.now.Add(time.Minute)
}

func entrySnapshot(fibEntry, wma, k, d float64) *types.IndicatorSnapshot {
	return &types.IndicatorSnapshot{FibEntry: fibEntry, WMAFib0: wma, StochRSI: &types.Oscillator{K: k, D: d}}
}

func TestAgent_DipThenBreakoutBuysOnce(t *testing.T) {
	h := newHarness(t, types.ModeTrade)
	h.snap = entrySnapshot(100, 105, 40, 45)
	h.ex.On("PlaceOrder", mock.MatchedBy(func(req exchange.OrderRequest) bool {
		return req.Side == exchange.SideBuy && req.Notional == 100 && !req.ReduceOnly
	})).Return(&exchange.OrderResult{OrderID: "1", ExecutedQty: 0.94, AvgPrice: 106.2}, nil).Once()

	h.tick(99)
	assert.True(t, h.agent.state.Trigger.Armed)
	h.tick(106)

	h.ex.AssertNumberOfCalls(t, "PlaceOrder", 1)
	req := h.ex.Calls[0].Arguments.Get(0).(exchange.OrderRequest)
	assert.InDelta(t, 106*1.005, req.Price, 1e-9)
	assert.LessOrEqual(t, len(req.ClientOrderID), 36)

	st := h.agent.state
	assert.True(t, st.InPosition)
	assert.False(t, st.Trigger.Armed)
	assert.InDelta(t, 106.2, st.EntryPrice, 1e-9)
	assert.Equal(t, []eventlog.Kind{eventlog.KindTriggerArmed, eventlog.KindTradeExecuted}, h.events.kinds())
	assert.Len(t, h.events.ticks, 2)

	saved, err := position.Load(context.Background(), h.kv, "SOL")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.True(t, saved.InPosition)

	var analysis types.AnalysisSnapshot
	require.NoError(t, store.GetJSON(context.Background(), h.kv, store.AnalysisKey("SOL"), &analysis))
	assert.Equal(t, "buy", analysis.Signal)
}

func TestAgent_ObserveModeNeverOrders(t *testing.T) {
	h := newHarness(t, types.ModeObserve)
	h.snap = entrySnapshot(100, 105, 40, 45)
	require.NoError(t, store.PutJSON(context.Background(), h.kv, store.OverrideKey("SOL"),
		types.Directive{Action: types.ActionForceBuy}))

	h.tick(99)
	h.tick(106)

	h.ex.AssertNotCalled(t, "PlaceOrder", mock.Anything)
	assert.False(t, h.agent.state.InPosition)
	assert.Len(t, h.events.ticks, 2)
	ok, err := store.Exists(context.Background(), h.kv, store.OverrideKey("SOL"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAgent_SizeMultiplier(t *testing.T) {
	t.Run("fresh params scale notional", func(t *testing.T) {
		h := newHarness(t, types.ModeTrade)
		h.snap = entrySnapshot(100, 105, 40, 45)
		require.NoError(t, store.PutJSON(context.Background(), h.kv, store.RiskKey("SOL"),
			types.RiskParams{Regime: types.RegimeRanging, SizeMultiplier: 0.5, StopLossPct: 0.05, TakeProfitPct: 0.1, UpdatedAt: h.now}))
		h.ex.On("PlaceOrder", mock.MatchedBy(func(req exchange.OrderRequest) bool { return req.Notional == 50 })).
			Return(&exchange.OrderResult{ExecutedQty: 0.47, AvgPrice: 106}, nil).Once()
		h.tick(99)
		h.tick(106)
		h.ex.AssertExpectations(t)
	})
	t.Run("zero multiplier skips", func(t *testing.T) {
		h := newHarness(t, types.ModeTrade)
		h.snap = entrySnapshot(100, 105, 40, 45)
		require.NoError(t, store.PutJSON(context.Background(), h.kv, store.RiskKey("SOL"),
			types.RiskParams{Regime: types.RegimeStrongDowntrend, SizeMultiplier: 0, StopLossPct: 0.03, TakeProfitPct: 0.06, UpdatedAt: h.now}))
		h.tick(99)
		h.tick(106)
		h.ex.AssertNotCalled(t, "PlaceOrder", mock.Anything)
		assert.Contains(t, h.events.kinds(), eventlog.KindTradeFailed)
	})
}

func openAt(h *harness, entry, size float64) {
	h.agent.state.Open(types.DirectionLong, size, entry, h.now)
	h.agent.inPosition.Store(true)
}

func livePositions(entry, size float64) []exchange.Position {
	return []exchange.Position{{Asset: "SOL", Side: "long", Amount: size, EntryPrice: entry}}
}

func TestAgent_StopLossCloses(t *testing.T) {
	h := newHarness(t, types.ModeTrade)
	openAt(h, 100, 1)
	h.snap = entrySnapshot(95, 97, 50, 50)
	h.ex.On("ListOpenPositions").Return(livePositions(100, 1), nil)
	h.ex.On("PlaceOrder", mock.MatchedBy(func(req exchange.OrderRequest) bool {
		return req.Side == exchange.SideSell && req.ReduceOnly && req.Quantity == 1
	})).Return(&exchange.OrderResult{ExecutedQty: 1, AvgPrice: 89}, nil).Once()

	h.tick(89)

	h.ex.AssertExpectations(t)
	assert.False(t, h.agent.state.InPosition)
	assert.Contains(t, h.events.kinds(), eventlog.KindStopHit)
	ok, err := store.Exists(context.Background(), h.kv, store.LiveRiskKey("SOL"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAgent_LeveragedStopLoss(t *testing.T) {
	cases := []struct {
		name        string
		exchangeLev float64
		configLev   int
	}{
		{"exchange leverage", 5, 0},
		{"configured fallback", 0, 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, types.ModeTrade)
			if tc.configLev > 0 {
				h.agent.opts.Leverage = tc.configLev
			}
			openAt(h, 100, 1)
			h.snap = entrySnapshot(95, 97, 50, 50)
			pos := livePositions(100, 1)
			pos[0].Leverage = tc.exchangeLev
			h.ex.On("ListOpenPositions").Return(pos, nil)
			h.ex.On("PlaceOrder", mock.MatchedBy(func(req exchange.OrderRequest) bool {
				return req.Side == exchange.SideSell && req.ReduceOnly
			})).Return(&exchange.OrderResult{ExecutedQty: 1, AvgPrice: 97.5}, nil).Once()

			h.tick(97.5)

			h.ex.AssertExpectations(t)
			assert.False(t, h.agent.state.InPosition)
			assert.Contains(t, h.events.kinds(), eventlog.KindStopHit)
		})
	}
}

func TestAgent_HoldWritesLiveRisk(t *testing.T) {
	h := newHarness(t, types.ModeTrade)
	openAt(h, 100, 1)
	h.snap = entrySnapshot(95, 97, 50, 50)
	h.ex.On("ListOpenPositions").Return(livePositions(100, 1), nil)

	h.tick(101)

	h.ex.AssertNotCalled(t, "PlaceOrder", mock.Anything)
	var live types.LiveRiskSnapshot
	require.NoError(t, store.GetJSON(context.Background(), h.kv, store.LiveRiskKey("SOL"), &live))
	assert.Equal(t, string(risk.StageFixedStop), live.Stage)
	assert.InDelta(t, 0.01, live.ROE, 1e-9)
	assert.InDelta(t, 0.10, live.LiveStopLossPct, 1e-9)
}

func TestAgent_PartialCloseKeepsRemainder(t *testing.T) {
	h := newHarness(t, types.ModeTrade)
	openAt(h, 100, 2)
	h.snap = entrySnapshot(95, 97, 50, 50)
	h.ex.On("ListOpenPositions").Return(livePositions(100, 2), nil)
	h.ex.On("PlaceOrder", mock.Anything).Return(&exchange.OrderResult{ExecutedQty: 1.5, AvgPrice: 88}, nil).Once()

	h.tick(88)

	assert.True(t, h.agent.state.InPosition)
	assert.InDelta(t, 0.5, h.agent.state.Size, 1e-9)
}

func TestAgent_ForceCloseDirective(t *testing.T) {
	for _, mode := range []types.AgentMode{types.ModeTrade, types.ModeObserve} {
		t.Run(string(mode), func(t *testing.T) {
			h := newHarness(t, mode)
			openAt(h, 100, 1)
			h.ex.On("ListOpenPositions").Return(livePositions(100, 1), nil)
			h.ex.On("PlaceOrder", mock.MatchedBy(func(req exchange.OrderRequest) bool { return req.ReduceOnly })).
				Return(&exchange.OrderResult{ExecutedQty: 1, AvgPrice: 104}, nil).Once()
			require.NoError(t, store.PutJSON(context.Background(), h.kv, store.OverrideKey("SOL"),
				types.Directive{Action: types.ActionForceClose, Reason: "operator"}))

			h.tick(104)

			h.ex.AssertExpectations(t)
			assert.False(t, h.agent.state.InPosition)
			assert.Contains(t, h.events.kinds(), eventlog.KindOverride)
		})
	}
}

func TestAgent_ExternalCloseClearsState(t *testing.T) {
	h := newHarness(t, types.ModeTrade)
	openAt(h, 100, 1)
	h.snap = entrySnapshot(95, 97, 50, 50)
	h.ex.On("ListOpenPositions").Return([]exchange.Position{}, nil)

	h.tick(101)

	assert.False(t, h.agent.state.InPosition)
	assert.Contains(t, h.events.kinds(), eventlog.KindReconciled)
}

func TestAgent_TickPanicIsContained(t *testing.T) {
	h := newHarness(t, types.ModeTrade)
	h.agent.snapshotFn = func(context.Context, float64, time.Time) *types.IndicatorSnapshot { panic("boom") }
	assert.NotPanics(t, func() { h.tick(100) })
	assert.Contains(t, h.events.kinds(), eventlog.KindPanic)
}

type oneShotFeed struct {
	price  float64
	cancel context.CancelFunc
}

func (f *oneShotFeed) Run(ctx context.Context, handle feed.Handler) error {
	handle(ctx, market.PriceTick{Asset: "SOL", Price: f.price, Timestamp: time.Now()})
	f.cancel()
	<-ctx.Done()
	return ctx.Err()
}

func TestAgent_RunReconcilesThenTicks(t *testing.T) {
	h := newHarness(t, types.ModeTrade)
	h.agent.state = nil
	h.agent.reconciler = position.NewReconciler(h.ex, h.kv, h.events, time.Second)
	h.ex.On("ListOpenPositions").Return(livePositions(100, 1), nil)
	h.snap = entrySnapshot(95, 97, 50, 50)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.agent.newFeed = func() tickSource { return &oneShotFeed{price: 101, cancel: cancel} }

	require.NoError(t, h.agent.Run(ctx))

	require.NotNil(t, h.agent.state)
	assert.True(t, h.agent.state.InPosition)
	assert.False(t, h.agent.state.Trigger.Armed)
	var hb types.Heartbeat
	require.NoError(t, store.GetJSON(context.Background(), h.kv, store.HeartbeatKey("SOL"), &hb))
	assert.Equal(t, "SOL", hb.Asset)
	assert.True(t, hb.InPosition)
	assert.Equal(t, eventlog.KindReconciled, h.events.kinds()[0])
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Options{}, Deps{})
	assert.Error(t, err)
	_, err = New(Options{Asset: "SOL"}, Deps{})
	assert.Error(t, err)
}
