package position

import (
	"context"
	"errors"
	"testing"
	"time"

	"tokenguard/internal/gateway/exchange"
	"tokenguard/internal/store"
	"tokenguard/internal/store/memory"
	"tokenguard/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockLister struct {
	mock.Mock
}

func (m *MockLister) ListOpenPositions(ctx context.Context) ([]exchange.Position, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]exchange.Position), args.Error(1)
}

func newReconciler(ex Lister, kv store.KV) *Reconciler {
	r := NewReconciler(ex, kv, nil, time.Millisecond)
	r.sleep = func(ctx context.Context, _ time.Duration) bool { return ctx.Err() == nil }
	return r
}

func TestLoadInitialState_AdoptsLivePosition(t *testing.T) {
	ctx := context.Background()
	kv := memory.New()
	opened := time.Now().Add(-3 * time.Hour).Truncate(time.Second)
	ex := new(MockLister)
	ex.On("ListOpenPositions", mock.Anything).Return([]exchange.Position{
		{Asset: "ETH", Side: "long", Amount: 2, EntryPrice: 3000},
		{Asset: "SOL", Side: "long", Amount: 5, EntryPrice: 120, OpenedAt: opened},
	}, nil)

	state, err := newReconciler(ex, kv).LoadInitialState(ctx, "sol")
	require.NoError(t, err)
	assert.True(t, state.InPosition)
	assert.Equal(t, types.DirectionLong, state.Direction)
	assert.InDelta(t, 5, state.Size, 1e-9)
	assert.InDelta(t, 120, state.EntryPrice, 1e-9)
	assert.True(t, opened.Equal(state.EntryTime))
	assert.False(t, state.Trigger.Armed)
	assert.False(t, state.FibStopActive)

	saved, err := Load(ctx, kv, "SOL")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.True(t, saved.InPosition)
	assert.InDelta(t, 120, saved.EntryPrice, 1e-9)
}

func TestLoadInitialState_KeepsTrailingStopForSamePosition(t *testing.T) {
	stop := 103.0
	entered := time.Now().Add(-6 * time.Hour).Truncate(time.Second)
	cases := []struct {
		name      string
		liveEntry float64
		keep      bool
	}{
		{"same entry", 100, true},
		{"different entry", 110, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			kv := memory.New()
			prev := &types.PositionState{Asset: "SOL"}
			prev.Open(types.DirectionLong, 1, 100, entered)
			prev.FibStopActive = true
			prev.StopPrice = &stop
			prev.Trigger = types.TriggerState{Armed: true}
			require.NoError(t, Save(ctx, kv, prev))

			ex := new(MockLister)
			ex.On("ListOpenPositions", mock.Anything).Return([]exchange.Position{
				{Asset: "SOL", Side: "long", Amount: 2, EntryPrice: tc.liveEntry, Leverage: 3},
			}, nil)

			state, err := newReconciler(ex, kv).LoadInitialState(ctx, "SOL")
			require.NoError(t, err)
			assert.True(t, state.InPosition)
			assert.InDelta(t, 2, state.Size, 1e-9)
			assert.InDelta(t, tc.liveEntry, state.EntryPrice, 1e-9)
			assert.InDelta(t, 3, state.Leverage, 1e-9)
			assert.False(t, state.Trigger.Armed)
			assert.Equal(t, tc.keep, state.FibStopActive)
			if !tc.keep {
				assert.Nil(t, state.StopPrice)
				return
			}
			require.NotNil(t, state.StopPrice)
			assert.InDelta(t, 103, *state.StopPrice, 1e-9)
			assert.True(t, entered.Equal(state.EntryTime))

			saved, err := Load(ctx, kv, "SOL")
			require.NoError(t, err)
			require.NotNil(t, saved)
			assert.True(t, saved.FibStopActive)
			require.NotNil(t, saved.StopPrice)
			assert.InDelta(t, 103, *saved.StopPrice, 1e-9)
		})
	}
}

func TestLoadInitialState_NoLivePositionClearsSnapshots(t *testing.T) {
	ctx := context.Background()
	kv := memory.New()
	stale := &types.PositionState{Asset: "SOL", InPosition: true, EntryPrice: 99, Trigger: types.TriggerState{Armed: true}}
	require.NoError(t, Save(ctx, kv, stale))
	require.NoError(t, kv.Put(ctx, store.LiveRiskKey("SOL"), []byte(`{}`)))

	ex := new(MockLister)
	ex.On("ListOpenPositions", mock.Anything).Return([]exchange.Position{}, nil)

	state, err := newReconciler(ex, kv).LoadInitialState(ctx, "SOL")
	require.NoError(t, err)
	assert.False(t, state.InPosition)
	assert.False(t, state.Trigger.Armed)

	saved, err := Load(ctx, kv, "SOL")
	require.NoError(t, err)
	assert.Nil(t, saved)
	ok, err := store.Exists(ctx, kv, store.LiveRiskKey("SOL"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadInitialState_RetriesUntilSuccess(t *testing.T) {
	ex := new(MockLister)
	ex.On("ListOpenPositions", mock.Anything).Return(nil, errors.New("timeout")).Twice()
	ex.On("ListOpenPositions", mock.Anything).Return([]exchange.Position{}, nil).Once()

	state, err := newReconciler(ex, memory.New()).LoadInitialState(context.Background(), "SOL")
	require.NoError(t, err)
	assert.False(t, state.InPosition)
	ex.AssertNumberOfCalls(t, "ListOpenPositions", 3)
}

func TestLoadInitialState_StopsOnCancel(t *testing.T) {
	ex := new(MockLister)
	ex.On("ListOpenPositions", mock.Anything).Return(nil, errors.New("down"))
	ctx, cancel := context.WithCancel(context.Background())
	r := newReconciler(ex, memory.New())
	calls := 0
	r.sleep = func(context.Context, time.Duration) bool {
		calls++
		if calls == 3 {
			cancel()
			return false
		}
		return true
	}
	_, err := r.LoadInitialState(ctx, "SOL")
	assert.ErrorIs(t, err, context.Canceled)
}
