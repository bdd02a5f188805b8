package regime

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"tokenguard/internal/config"
	"tokenguard/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assessment(r types.Regime, conf int) types.Assessment {
	return types.Assessment{Asset: "SOL", Regime: r, Confidence: conf}
}

func TestFirstMatch_DefaultRules(t *testing.T) {
	rules := DefaultRules()
	cases := []struct {
		a    types.Assessment
		want string
	}{
		{assessment(types.RegimeStrongDowntrend, 9), "panic_on_crash"},
		{assessment(types.RegimeStrongDowntrend, 6), "disable_strong_downtrend"},
		{assessment(types.RegimeVolatile, 7), "disable_volatile"},
		{assessment(types.RegimeVolatile, 4), "reduce_volatile"},
		{assessment(types.RegimeWeakDowntrend, 2), "reduce_weak_downtrend"},
		{assessment(types.RegimeRanging, 6), "enable_constructive"},
		{assessment(types.RegimeStrongUptrend, 5), "enable_constructive"},
	}
	for _, tc := range cases {
		r, ok := FirstMatch(rules, tc.a)
		require.True(t, ok, tc.want)
		assert.Equal(t, tc.want, r.Name)
	}

	// 启发式兜底的低置信度结果不会触发高置信度动作
	_, ok := FirstMatch(rules, assessment(types.RegimeStrongDowntrend, MaxHeuristicConfidence))
	assert.False(t, ok)
	_, ok = FirstMatch(rules, assessment(types.RegimeStrongUptrend, MaxHeuristicConfidence))
	assert.False(t, ok)
}

func TestCompileRules_Errors(t *testing.T) {
	cases := map[string][]Rule{
		"no name":        {{Action: ActionEnable}},
		"bad action":     {{Name: "x", Action: "NUKE"}},
		"bad regime":     {{Name: "x", Action: ActionEnable, Regimes: []string{"SIDEWAYS"}}},
		"bad bounds":     {{Name: "x", Action: ActionEnable, MinConfidence: 8, MaxConfidence: 3}},
		"duplicate name": {{Name: "x", Action: ActionEnable}, {Name: "x", Action: ActionDisable}},
	}
	for name, rules := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := CompileRules(rules)
			assert.Error(t, err)
		})
	}
}

func TestRuleRegistry_LoadAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - name: only_panic
    action: panic_all
    regimes: [VOLATILE]
    min_confidence: 6
`), 0o644))

	reg, err := NewRuleRegistry(path, false)
	require.NoError(t, err)
	rules := reg.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, ActionPanicAll, rules[0].Action)
	v1 := reg.Snapshot().Version

	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - name: a
    action: DISABLE
  - name: b
    action: ENABLE
`), 0o644))
	require.NoError(t, reg.Reload())
	assert.Len(t, reg.Rules(), 2)
	assert.Greater(t, reg.Snapshot().Version, v1)

	// 非法内容保留旧规则
	require.NoError(t, os.WriteFile(path, []byte("rules:\n  - name: a\n    action: DISABLE\n    typo_field: 1\n"), 0o644))
	assert.Error(t, reg.Reload())
	assert.Len(t, reg.Rules(), 2)
}

func TestRuleRegistry_MissingFileUsesDefaults(t *testing.T) {
	reg, err := NewRuleRegistry(filepath.Join(t.TempDir(), "absent.yaml"), true)
	require.NoError(t, err)
	assert.Len(t, reg.Rules(), len(DefaultRules()))
	assert.Equal(t, "defaults", reg.Snapshot().Source)
}

func TestRiskTable(t *testing.T) {
	table := NewRiskTable(map[string]config.RiskTableEntry{
		"ranging": {StopLossPct: 0.07, TakeProfitPct: 0.2, SizeMultiplier: 0.6},
	})
	now := time.Unix(1_700_000_000, 0)
	p := table.Params(types.RegimeRanging, now)
	assert.Equal(t, types.RegimeRanging, p.Regime)
	assert.InDelta(t, 0.07, p.StopLossPct, 1e-9)
	assert.Equal(t, "mean_reversion", p.Strategy)
	assert.Equal(t, now, p.UpdatedAt)

	down := table.Params(types.RegimeStrongDowntrend, now)
	assert.Zero(t, down.SizeMultiplier)

	unknown := table.Params(types.Regime("???"), now)
	assert.Equal(t, types.RegimeRanging, unknown.Regime)
}
