package sandbox

import (
	"strings"
	"testing"
)

func TestWrapBuildsCanonicalForm(t *testing.T) {
	w := Wrap("return a + b;", []string{"a", "b"})

	if !strings.HasPrefix(w, `Object.defineProperty(globalThis, "__sb_main"`) {
		t.Errorf("wrapped source does not pin the main slot: %q", w)
	}
	if !strings.Contains(w, "function(a, b)") {
		t.Errorf("wrapped source missing argument list: %q", w)
	}
	if !strings.Contains(w, "return a + b;") {
		t.Errorf("wrapped source missing body: %q", w)
	}

	// Same inputs must produce byte-identical sources, since every VM in a
	// script's pool compiles the same form.
	if again := Wrap("return a + b;", []string{"a", "b"}); again != w {
		t.Error("Wrap is not deterministic for identical inputs")
	}
}

func TestValidateAcceptsWellFormedBody(t *testing.T) {
	bodies := []string{
		"return a + b;",
		"var x = { a: 1 }; return JSON.stringify(x);",
		"if (a > 0) { return 'pos'; } return 'neg';",
		"",
	}
	for _, body := range bodies {
		if err := Validate(Wrap(body, []string{"a", "b"})); err != nil {
			t.Errorf("Validate(%q): %v", body, err)
		}
	}
}

func TestValidateReportsBodyPosition(t *testing.T) {
	err := Validate(Wrap("var x = ;", nil))
	if err == nil {
		t.Fatal("expected syntax error, got nil")
	}
	if !strings.Contains(err.Error(), "line 1") {
		t.Errorf("error = %v, want position on line 1 of the body", err)
	}

	err = Validate(Wrap("var x = 1;\nvar y = ;\nreturn x;", nil))
	if err == nil {
		t.Fatal("expected syntax error, got nil")
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Errorf("error = %v, want position on line 2 of the body", err)
	}
}

func TestValidateRejectsReservedArgName(t *testing.T) {
	if err := Validate(Wrap("return 1;", []string{"new"})); err == nil {
		t.Error("expected error for reserved word as argument name")
	}
}

func TestValidArgName(t *testing.T) {
	for _, name := range []string{"a", "_x", "$v", "msg2", "camelCase"} {
		if !ValidArgName(name) {
			t.Errorf("ValidArgName(%q) = false, want true", name)
		}
	}
	for _, name := range []string{"", "2x", "a-b", "a b", "arg.name"} {
		if ValidArgName(name) {
			t.Errorf("ValidArgName(%q) = true, want false", name)
		}
	}
}
