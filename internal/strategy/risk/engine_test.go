package risk

import (
	"math/rand"
	"testing"
	"time"

	"tokenguard/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openPosition(entry float64, at time.Time) *types.PositionState {
	p := &types.PositionState{Asset: "SOL"}
	p.Open(types.DirectionLong, 1, entry, at)
	return p
}

func snap(fibEntry, wma float64, bull bool) *types.IndicatorSnapshot {
	return &types.IndicatorSnapshot{FibEntry: fibEntry, WMAFib0: wma, BullState: bull}
}

func TestEvaluate_TrailingStopRatchetsAndCloses(t *testing.T) {
	e := NewEngine(Config{})
	entryAt := time.Now().Add(-2 * time.Minute)
	pos := openPosition(100, entryAt)
	now := time.Now()

	var stops []float64
	for i, wma := range []float64{101, 103, 102} {
		dec := e.Evaluate(pos, nil, 104+float64(i), snap(102, wma, false), nil, now)
		require.False(t, dec.ShouldClose, dec.Reason)
		require.NotNil(t, pos.StopPrice)
		assert.Equal(t, StageFibTrailing, dec.Stage)
		stops = append(stops, *pos.StopPrice)
	}
	assert.Equal(t, []float64{101, 103, 103}, stops)

	dec := e.Evaluate(pos, nil, 102, snap(102, 102, false), nil, now)
	assert.True(t, dec.ShouldClose)
	assert.Equal(t, ReasonTrailingStop, dec.Reason)
	assert.InDelta(t, 103, dec.Value, 1e-9)
}

func TestEvaluate_GraceAndFibCondition(t *testing.T) {
	e := NewEngine(Config{GracePeriod: time.Minute})
	now := time.Now()

	fresh := openPosition(100, now.Add(-30*time.Second))
	dec := e.Evaluate(fresh, nil, 101, snap(102, 101, false), nil, now)
	assert.False(t, fresh.FibStopActive)
	assert.Equal(t, StageFixedStop, dec.Stage)

	below := openPosition(100, now.Add(-5*time.Minute))
	e.Evaluate(below, nil, 101, snap(99, 101, false), nil, now)
	assert.False(t, below.FibStopActive)
	assert.Nil(t, below.StopPrice)

	ready := openPosition(100, now.Add(-5*time.Minute))
	dec = e.Evaluate(ready, nil, 101.5, snap(100.5, 101, false), nil, now)
	assert.True(t, dec.Activated)
	assert.True(t, ready.FibStopActive)
}

func TestEvaluate_FixedStopLoss(t *testing.T) {
	e := NewEngine(Config{StopLossPct: 0.10})
	pos := openPosition(100, time.Now())
	dec := e.Evaluate(pos, nil, 90.5, snap(95, 97, false), nil, time.Now())
	assert.False(t, dec.ShouldClose)
	dec = e.Evaluate(pos, nil, 90, snap(95, 97, false), nil, time.Now())
	assert.True(t, dec.ShouldClose)
	assert.Equal(t, ReasonStopLoss, dec.Reason)
}

func TestEvaluate_TakeProfitTiers(t *testing.T) {
	e := NewEngine(Config{})
	now := time.Now()

	pos := openPosition(100, now)
	dec := e.Evaluate(pos, nil, 116, snap(90, 95, false), nil, now)
	assert.True(t, dec.ShouldClose)
	assert.Equal(t, ReasonTakeProfit, dec.Reason)
	assert.InDelta(t, 0.15, dec.LiveTakeProfitPct, 1e-9)

	pos = openPosition(100, now)
	dec = e.Evaluate(pos, nil, 116, snap(90, 95, true), nil, now)
	assert.False(t, dec.ShouldClose)
	assert.InDelta(t, 0.30, dec.LiveTakeProfitPct, 1e-9)
}

func TestEvaluate_RegimeParamsOverrideWhenFresh(t *testing.T) {
	e := NewEngine(Config{ParamsMaxAge: 45 * time.Minute})
	now := time.Now()
	params := &types.RiskParams{Regime: types.RegimeRanging, StopLossPct: 0.08, TakeProfitPct: 0.05, UpdatedAt: now.Add(-10 * time.Minute)}

	pos := openPosition(100, now)
	dec := e.Evaluate(pos, nil, 106, snap(90, 95, true), params, now)
	assert.True(t, dec.ShouldClose)
	assert.InDelta(t, 0.08, dec.LiveStopLossPct, 1e-9)
	assert.InDelta(t, 0.05, dec.LiveTakeProfitPct, 1e-9)

	params.UpdatedAt = now.Add(-2 * time.Hour)
	pos = openPosition(100, now)
	dec = e.Evaluate(pos, nil, 106, snap(90, 95, true), params, now)
	assert.False(t, dec.ShouldClose)
	assert.InDelta(t, 0.10, dec.LiveStopLossPct, 1e-9)
}

func TestEvaluate_SkipsOnMissingData(t *testing.T) {
	e := NewEngine(Config{})
	pos := openPosition(100, time.Now().Add(-time.Hour))
	dec := e.Evaluate(pos, nil, 50, &types.IndicatorSnapshot{}, nil, time.Now())
	assert.True(t, dec.Skipped)
	assert.False(t, dec.ShouldClose)
	dec = e.Evaluate(pos, nil, 50, nil, nil, time.Now())
	assert.True(t, dec.Skipped)
	assert.False(t, pos.FibStopActive)

	flat := &types.PositionState{}
	assert.False(t, e.Evaluate(flat, nil, 50, snap(1, 1, false), nil, time.Now()).ShouldClose)
}

func TestEvaluate_LiveEntryPriceWins(t *testing.T) {
	e := NewEngine(Config{})
	pos := openPosition(100, time.Now())
	live := &types.LivePosition{EntryPrice: 80}
	dec := e.Evaluate(pos, live, 96, snap(90, 95, true), nil, time.Now())
	assert.InDelta(t, 0.2, dec.ROE, 1e-9)
}

func TestEvaluate_LeverageScalesROE(t *testing.T) {
	e := NewEngine(Config{StopLossPct: 0.10})
	now := time.Now()

	t.Run("unleveraged holds", func(t *testing.T) {
		pos := openPosition(100, now)
		dec := e.Evaluate(pos, nil, 97.5, snap(90, 95, false), nil, now)
		assert.False(t, dec.ShouldClose)
		assert.InDelta(t, -0.025, dec.ROE, 1e-9)
	})
	t.Run("position leverage", func(t *testing.T) {
		pos := openPosition(100, now)
		pos.Leverage = 5
		dec := e.Evaluate(pos, nil, 97.5, snap(90, 95, false), nil, now)
		assert.InDelta(t, -0.125, dec.ROE, 1e-9)
		assert.True(t, dec.ShouldClose)
		assert.Equal(t, ReasonStopLoss, dec.Reason)
	})
	t.Run("live leverage wins", func(t *testing.T) {
		pos := openPosition(100, now)
		pos.Leverage = 2
		live := &types.LivePosition{EntryPrice: 100, Leverage: 5}
		dec := e.Evaluate(pos, live, 97.5, snap(90, 95, false), nil, now)
		assert.InDelta(t, -0.125, dec.ROE, 1e-9)
		assert.True(t, dec.ShouldClose)
		assert.InDelta(t, 2, pos.Leverage, 1e-9)
	})
}

func TestEvaluate_StopNeverDecreases(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	e := NewEngine(Config{TakeProfitConservativePct: 10, TakeProfitAggressivePct: 10})
	pos := openPosition(100, time.Now().Add(-time.Hour))
	prev := 0.0
	for i := 0; i < 1000; i++ {
		wma := 90 + rng.Float64()*30
		dec := e.Evaluate(pos, nil, 1000, snap(101, wma, false), nil, time.Now())
		require.False(t, dec.ShouldClose)
		require.NotNil(t, pos.StopPrice)
		assert.GreaterOrEqual(t, *pos.StopPrice, prev)
		prev = *pos.StopPrice
	}
}
