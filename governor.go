package scriptbox

import (
	"encoding/json"
	"fmt"
)

// governor enforces the engine's size ceilings. Body and argument checks run
// on the caller's goroutine before any worker slot is consumed; the result
// check runs on the worker after evaluation.
type governor struct {
	maxScriptBodySize int
	maxTotalArgsSize  int
	maxResultSize     int
}

func newGovernor(cfg Config) *governor {
	return &governor{
		maxScriptBodySize: cfg.MaxScriptBodySize,
		maxTotalArgsSize:  cfg.MaxTotalArgsSize,
		maxResultSize:     cfg.MaxResultSize,
	}
}

// checkBody rejects script bodies over the configured ceiling.
func (g *governor) checkBody(body string) error {
	if len(body) > g.maxScriptBodySize {
		return &ScriptError{
			Code:  CodeOversizedScript,
			Body:  snippet(body),
			Cause: fmt.Errorf("script body is %d bytes, limit %d", len(body), g.maxScriptBodySize),
		}
	}
	return nil
}

// encodeArgs serializes each invocation argument to JSON and enforces the
// combined serialized size ceiling. The encoded slices feed straight into
// the sandbox, so arguments are marshalled exactly once per invocation.
func (g *governor) encodeArgs(args []any) ([][]byte, error) {
	enc := make([][]byte, len(args))
	total := 0
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, &ScriptError{
				Code:  CodeRuntime,
				Cause: fmt.Errorf("encoding argument %d: %w", i, err),
			}
		}
		enc[i] = b
		total += len(b)
	}
	if total > g.maxTotalArgsSize {
		return nil, &ScriptError{
			Code:  CodeOversizedArgs,
			Cause: fmt.Errorf("arguments are %d bytes serialized, limit %d", total, g.maxTotalArgsSize),
		}
	}
	return enc, nil
}

// checkResult enforces the serialized result ceiling. raw is the JSON text
// produced inside the sandbox. On rejection the decoded value is never
// surfaced to the caller.
func (g *governor) checkResult(raw string) error {
	if len(raw) > g.maxResultSize {
		return &ScriptError{
			Code:  CodeOversizedResult,
			Cause: fmt.Errorf("result is %d bytes serialized, limit %d", len(raw), g.maxResultSize),
		}
	}
	return nil
}
