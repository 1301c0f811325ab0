package supervisor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAgentOutput_WellFormed(t *testing.T) {
	r := parseAgentOutput(`{"result":"ok","cost_usd":1.25,"duration_ms":500,"num_turns":3,"is_error":false,"session_id":"abc"}`)
	require.Equal(t, "ok", r.ResultText)
	require.Equal(t, 1.25, r.CostUSD)
	require.EqualValues(t, 500, r.DurationMs)
	require.Equal(t, 3, r.NumTurns)
	require.False(t, r.IsError)
	require.Equal(t, "abc", r.SessionID)
}

func TestParseAgentOutput_WrongTypedFieldDropped(t *testing.T) {
	r := parseAgentOutput(`{"result":"ok","cost_usd":"not-a-number","num_turns":"also-wrong"}`)
	require.Equal(t, "ok", r.ResultText)
	require.Zero(t, r.CostUSD)
	require.Zero(t, r.NumTurns)
}

func TestParseAgentOutput_UnparsableFallsBackToRawText(t *testing.T) {
	r := parseAgentOutput("not json at all")
	require.Equal(t, "not json at all", r.ResultText)
}
