package scriptbox

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrorCode classifies engine failures so callers can branch on the class
// without parsing message text.
type ErrorCode int

const (
	CodeCompilation ErrorCode = iota
	CodeOversizedScript
	CodeOversizedArgs
	CodeOversizedResult
	CodeRuntime
	CodeTimeout
	CodeMemoryOverflow
	CodeBlacklisted
	CodeNotFound
	CodeExecDisabled
)

func (c ErrorCode) String() string {
	switch c {
	case CodeCompilation:
		return "compilation error"
	case CodeOversizedScript:
		return "script body too large"
	case CodeOversizedArgs:
		return "arguments too large"
	case CodeOversizedResult:
		return "result too large"
	case CodeRuntime:
		return "runtime error"
	case CodeTimeout:
		return "execution timed out"
	case CodeMemoryOverflow:
		return "memory limit exceeded"
	case CodeBlacklisted:
		return "script blacklisted"
	case CodeNotFound:
		return "script not found"
	case CodeExecDisabled:
		return "script execution disabled"
	default:
		return fmt.Sprintf("error code %d", int(c))
	}
}

// ErrCompileInFlight is the cause attached to a CodeCompilation error when a
// second compilation of the same script id arrives while the first is still
// running.
var ErrCompileInFlight = errors.New("compilation already in progress")

// ErrEngineClosed is returned for operations submitted after Shutdown.
var ErrEngineClosed = errors.New("engine is shut down")

// ScriptError is the error type returned by all compile and invoke paths.
// It carries the failure class, the script id when one exists, a truncated
// body snippet for diagnostics, and the underlying cause.
type ScriptError struct {
	Code       ErrorCode
	ScriptID   uuid.UUID
	Body       string        // truncated script body, may be empty
	RetryAfter time.Duration // remaining blacklist window, CodeBlacklisted only
	Cause      error
}

func (e *ScriptError) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.String())
	if e.ScriptID != uuid.Nil {
		fmt.Fprintf(&b, " [script %s]", e.ScriptID)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	if e.Code == CodeBlacklisted && e.RetryAfter > 0 {
		fmt.Fprintf(&b, " (retry in %s)", e.RetryAfter.Round(time.Millisecond))
	}
	if e.Body != "" {
		fmt.Fprintf(&b, "; body: %s", e.Body)
	}
	return b.String()
}

func (e *ScriptError) Unwrap() error { return e.Cause }

// CodeOf extracts the ErrorCode from err. The second return is false when
// err has no *ScriptError in its chain.
func CodeOf(err error) (ErrorCode, bool) {
	var se *ScriptError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}

// stampScriptError fills in the script id and body snippet on a *ScriptError
// when the site that built the error did not know them yet.
func stampScriptError(err error, id uuid.UUID, body string) error {
	var se *ScriptError
	if errors.As(err, &se) {
		if se.ScriptID == uuid.Nil {
			se.ScriptID = id
		}
		if se.Body == "" && body != "" {
			se.Body = snippet(body)
		}
	}
	return err
}

// bodySnippetLen caps how much of a script body is reproduced in error
// messages and logs.
const bodySnippetLen = 120

func snippet(body string) string {
	body = strings.ReplaceAll(body, "\n", " ")
	if len(body) <= bodySnippetLen {
		return body
	}
	return body[:bodySnippetLen] + "..."
}
