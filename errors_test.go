package scriptbox

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestScriptErrorMessage(t *testing.T) {
	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	se := &ScriptError{
		Code:     CodeRuntime,
		ScriptID: id,
		Body:     "return x;",
		Cause:    errors.New("x is not defined"),
	}

	msg := se.Error()
	for _, want := range []string{"runtime error", id.String(), "x is not defined", "return x;"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestScriptErrorRetryAfter(t *testing.T) {
	se := &ScriptError{Code: CodeBlacklisted, RetryAfter: 1500 * time.Millisecond}
	if !strings.Contains(se.Error(), "retry in 1.5s") {
		t.Errorf("message = %q", se.Error())
	}

	// RetryAfter is only printed for blacklisted errors.
	se = &ScriptError{Code: CodeRuntime, RetryAfter: time.Second}
	if strings.Contains(se.Error(), "retry") {
		t.Errorf("message = %q", se.Error())
	}
}

func TestCodeOf(t *testing.T) {
	se := &ScriptError{Code: CodeTimeout}
	wrapped := fmt.Errorf("outer: %w", se)

	code, ok := CodeOf(wrapped)
	if !ok || code != CodeTimeout {
		t.Errorf("CodeOf = %v, %v", code, ok)
	}
	if _, ok := CodeOf(errors.New("plain")); ok {
		t.Error("plain error should have no code")
	}
}

func TestScriptErrorUnwrap(t *testing.T) {
	se := &ScriptError{Code: CodeCompilation, Cause: ErrCompileInFlight}
	if !errors.Is(se, ErrCompileInFlight) {
		t.Error("cause should be reachable through errors.Is")
	}
}

func TestStampScriptError(t *testing.T) {
	id := uuid.New()
	se := &ScriptError{Code: CodeOversizedArgs}

	_ = stampScriptError(se, id, "return 1;")
	if se.ScriptID != id {
		t.Errorf("ScriptID = %s, want %s", se.ScriptID, id)
	}
	if se.Body != "return 1;" {
		t.Errorf("Body = %q", se.Body)
	}

	// Fields that are already set stay untouched.
	other := uuid.New()
	_ = stampScriptError(se, other, "something else")
	if se.ScriptID != id || se.Body != "return 1;" {
		t.Errorf("stamp overwrote fields: %+v", se)
	}

	// Non-ScriptError values pass through unchanged.
	plain := errors.New("plain")
	if got := stampScriptError(plain, id, "x"); got != plain {
		t.Errorf("got %v, want the original error", got)
	}
}

func TestSnippet(t *testing.T) {
	if got := snippet("short"); got != "short" {
		t.Errorf("snippet = %q", got)
	}

	long := strings.Repeat("a", 200)
	got := snippet(long)
	if len(got) != bodySnippetLen+3 || !strings.HasSuffix(got, "...") {
		t.Errorf("snippet length = %d, want %d plus ellipsis", len(got), bodySnippetLen)
	}

	if got := snippet("line1\nline2"); got != "line1 line2" {
		t.Errorf("snippet = %q, want newlines flattened", got)
	}
}
