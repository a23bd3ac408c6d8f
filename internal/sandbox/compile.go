package sandbox

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// mainSlot is the reserved global holding a VM's compiled script function.
// Wrap pins it with a non-configurable property so a script cannot replace
// or delete its own entry point.
const mainSlot = "__sb_main"

var identRe = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// ValidArgName reports whether name is usable as a declared script
// argument. Reserved words slip through here and are caught by Validate,
// which sees them fail to parse as parameter names.
func ValidArgName(name string) bool {
	return identRe.MatchString(name)
}

// Wrap builds the canonical source for a script: one function holding the
// body, taking the declared arguments, assigned to the reserved slot. The
// same wrapped form is what Compile evaluates on every VM in the script's
// pool, so it must be deterministic for a given body and argument list.
func Wrap(body string, argNames []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Object.defineProperty(globalThis, %q, { value: function(%s) {\n", mainSlot, strings.Join(argNames, ", "))
	b.WriteString(body)
	b.WriteString("\n}, writable: false, configurable: false });")
	return b.String()
}

// Validate parses the wrapped source without executing it and reports the
// first diagnostic. Positions are adjusted for the one-line function header
// Wrap adds, so line numbers point into the script body.
func Validate(wrapped string) error {
	result := api.Transform(wrapped, api.TransformOptions{
		Target: api.ESNext,
	})
	if len(result.Errors) == 0 {
		return nil
	}
	msg := result.Errors[0]
	if msg.Location != nil {
		line := msg.Location.Line
		if line > 1 {
			line--
		}
		return fmt.Errorf("line %d, column %d: %s", line, msg.Location.Column+1, msg.Text)
	}
	return fmt.Errorf("%s", msg.Text)
}
