package supervisor

import "encoding/json"

// Result is the pure outcome of a single agent run. The supervisor carries
// no business logic; callers decide what to do with this.
type Result struct {
	Success       bool
	Output        string
	Error         string
	ExitCode      int
	TimedOut      bool
	HeartbeatKill bool

	// Parsed fields from the agent's JSON output object, taken only when
	// present and of the expected runtime type. ResultText is the parsed
	// "result" field, or the raw output if the JSON failed to parse.
	ResultText    string
	CostUSD       float64
	DurationMs    int64
	DurationAPIMs int64
	NumTurns      int
	IsError       bool
	SessionID     string
}

// parseAgentOutput decodes raw agent stdout into the typed fields on Result.
// It is deliberately tolerant: a value is only taken when its JSON runtime
// type matches what's expected, a wrong-typed field is dropped rather than
// failing the whole parse, and any parse failure degrades to treating the
// entire output as the result text. It never returns an error.
func parseAgentOutput(raw string) Result {
	var r Result
	r.ResultText = raw

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return r
	}

	if v, ok := decoded["result"]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil {
			r.ResultText = s
		}
	}
	if v, ok := decoded["cost_usd"]; ok {
		var f float64
		if json.Unmarshal(v, &f) == nil {
			r.CostUSD = f
		}
	}
	if v, ok := decoded["duration_ms"]; ok {
		var n int64
		if json.Unmarshal(v, &n) == nil {
			r.DurationMs = n
		}
	}
	if v, ok := decoded["duration_api_ms"]; ok {
		var n int64
		if json.Unmarshal(v, &n) == nil {
			r.DurationAPIMs = n
		}
	}
	if v, ok := decoded["num_turns"]; ok {
		var n int
		if json.Unmarshal(v, &n) == nil {
			r.NumTurns = n
		}
	}
	if v, ok := decoded["is_error"]; ok {
		var b bool
		if json.Unmarshal(v, &b) == nil {
			r.IsError = b
		}
	}
	if v, ok := decoded["session_id"]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil {
			r.SessionID = s
		}
	}

	return r
}
