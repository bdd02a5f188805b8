package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"tokenguard/internal/types"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_AgentStatusIsOneHot(t *testing.T) {
	r := New()
	r.SetAgentStatus("SOL", types.StatusRunning)
	r.SetAgentStatus("SOL", types.StatusHealthy)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.agentStatus.WithLabelValues("SOL", "HEALTHY")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.agentStatus.WithLabelValues("SOL", "RUNNING")))
}

func TestRecorder_Counters(t *testing.T) {
	r := New()
	r.IncRestart("SOL")
	r.IncRestart("SOL")
	r.RecordTick("SOL", 101.5)
	r.RecordOrder("SOL", "BUY", "filled")
	r.RecordAssessment(types.Assessment{Asset: "SOL", Source: types.SourceLLM, Regime: types.RegimeRanging})
	r.RecordRuleAction("SOL", "disable_volatile", "DISABLE")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.restarts.WithLabelValues("SOL")))
	assert.Equal(t, 101.5, testutil.ToFloat64(r.lastPrice.WithLabelValues("SOL")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.orders.WithLabelValues("SOL", "BUY", "filled")))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tokenguard_regime_assessments_total")
}

func TestRecorder_NilSafe(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.SetAgentStatus("SOL", types.StatusFailed)
		r.IncRestart("SOL")
		r.RecordTick("SOL", 1)
		r.RecordOrder("SOL", "SELL", "failed")
		r.RecordAssessment(types.Assessment{})
		r.RecordRuleAction("SOL", "x", "ENABLE")
	})
}
