package regime

import (
	"testing"
	"time"

	"tokenguard/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponse(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	raw := `**REGIME:** weak_uptrend
CONFIDENCE: 7/10
REASONING: Price holds above the fib support.
Momentum is recovering.
SIGNALS: bull_state true, stoch rising
OUTLOOK: grind higher
RECOMMENDATIONS:
- keep size moderate
- trail stops; avoid chasing`

	a, err := ParseResponse("sol", raw, now)
	require.NoError(t, err)
	assert.Equal(t, "SOL", a.Asset)
	assert.Equal(t, types.RegimeWeakUptrend, a.Regime)
	assert.Equal(t, 7, a.Confidence)
	assert.Equal(t, "Price holds above the fib support. Momentum is recovering.", a.Reasoning)
	assert.Equal(t, "grind higher", a.Outlook)
	assert.Equal(t, []string{"keep size moderate", "trail stops", "avoid chasing"}, a.Recommendations)
	assert.Equal(t, types.SourceLLM, a.Source)
	assert.Equal(t, now, a.Timestamp)
}

func TestParseResponse_Rejects(t *testing.T) {
	cases := map[string]string{
		"empty":              "   ",
		"missing regime":     "CONFIDENCE: 5\nREASONING: x",
		"unknown regime":     "REGIME: SIDEWAYS\nCONFIDENCE: 5\nREASONING: x",
		"missing confidence": "REGIME: RANGING\nREASONING: x",
		"bad confidence":     "REGIME: RANGING\nCONFIDENCE: high\nREASONING: x",
		"out of range":       "REGIME: RANGING\nCONFIDENCE: 11\nREASONING: x",
		"fractional":         "REGIME: RANGING\nCONFIDENCE: 6.5\nREASONING: x",
		"no reasoning":       "REGIME: RANGING\nCONFIDENCE: 5",
		"prose only":         "The market looks bullish to me.",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseResponse("SOL", raw, time.Now())
			assert.Error(t, err)
		})
	}
}
