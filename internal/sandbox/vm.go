// Package sandbox builds and drives the hardened QuickJS instances tenant
// scripts run in. Each VM carries a fixed memory ceiling, a swept global
// namespace with a frozen utils table, and at most one compiled script
// function. Invocations run sequentially on a VM; the engine above this
// package decides when a VM is reused and when it is thrown away.
package sandbox

import (
	"fmt"
	"strings"

	"modernc.org/quickjs"
)

// Options configure a VM at construction time.
type Options struct {
	// MemoryLimitMB caps the QuickJS heap. Zero disables the limit.
	MemoryLimitMB int
}

// VM is a single hardened QuickJS instance. Methods are not safe for
// concurrent use, with one exception: Interrupt may be called from another
// goroutine while Compile or Call is running.
type VM struct {
	vm *quickjs.VM
}

// New builds a VM, installs the utils table and strips every global the
// capability table does not name. The returned VM holds no script yet;
// pair it with Compile before Call.
func New(opts Options) (*VM, error) {
	qvm, err := quickjs.NewVM()
	if err != nil {
		return nil, fmt.Errorf("creating VM: %w", err)
	}
	if opts.MemoryLimitMB > 0 {
		qvm.SetMemoryLimit(uintptr(opts.MemoryLimitMB) * 1024 * 1024)
	}
	v := &VM{vm: qvm}
	if err := v.installUtils(); err != nil {
		qvm.Close()
		return nil, fmt.Errorf("installing utils: %w", err)
	}
	if err := v.harden(); err != nil {
		qvm.Close()
		return nil, fmt.Errorf("hardening globals: %w", err)
	}
	return v, nil
}

// Close releases the underlying QuickJS runtime.
func (v *VM) Close() {
	v.vm.Close()
}

// Interrupt aborts the evaluation currently running on the VM, if any.
// The VM is tainted afterwards and must be closed, not reused.
func (v *VM) Interrupt() {
	v.vm.Interrupt()
}

// Compile evaluates the wrapped script source, installing the script
// function under its reserved global slot, then records the resulting set
// of global names so Scrub can restore it between invocations.
func (v *VM) Compile(wrapped string) error {
	if err := v.eval(wrapped); err != nil {
		return err
	}
	return v.eval(snapshotJS)
}

// Call invokes the compiled script function with pre-encoded JSON arguments
// and returns the JSON serialization of its result. Undefined and null
// results both come back as "null". Size policy on arguments and results
// belongs to the caller; Call only moves bytes across the VM boundary.
func (v *VM) Call(args [][]byte) (string, error) {
	var b strings.Builder
	b.WriteString("(function() {\nvar r = globalThis.")
	b.WriteString(mainSlot)
	b.WriteString("(")
	for i, arg := range args {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "JSON.parse(%q)", string(arg))
	}
	b.WriteString(");\nif (r === undefined || r === null) { return \"null\"; }\nreturn JSON.stringify(r);\n})()")

	raw, err := v.evalString(b.String())

	// Settle promise reactions the script queued so they cannot fire in the
	// middle of the next invocation on this VM.
	runPendingJobs(v.vm)

	if err != nil {
		return "", err
	}
	return raw, nil
}

// snapshotJS records the global names present after compilation as the
// VM's permanent surface. The set is frozen and pinned so scripts cannot
// extend their own keep list.
const snapshotJS = `(function() {
	var keep = Object.create(null);
	var names = Object.getOwnPropertyNames(globalThis);
	for (var i = 0; i < names.length; i++) { keep[names[i]] = true; }
	keep["__sb_keep"] = true;
	Object.freeze(keep);
	Object.defineProperty(globalThis, "__sb_keep", { value: keep, writable: false, enumerable: false, configurable: false });
})();`

// scrubJS deletes every global created since the snapshot.
const scrubJS = `(function() {
	var keep = globalThis["__sb_keep"];
	var names = Object.getOwnPropertyNames(globalThis);
	for (var i = 0; i < names.length; i++) {
		var name = names[i];
		if (keep[name]) { continue; }
		try { delete globalThis[name]; } catch (e) {}
	}
})();`

// Scrub removes globals left behind by the last invocation, returning the
// VM to its post-compile surface. Called between invocations when a VM goes
// back into its script's pool.
func (v *VM) Scrub() error {
	return v.eval(scrubJS)
}

// eval runs JavaScript and discards the result.
func (v *VM) eval(js string) error {
	val, err := v.vm.EvalValue(js, quickjs.EvalGlobal)
	if err != nil {
		return err
	}
	val.Free()
	return nil
}

// evalString runs JavaScript and returns the result as a Go string.
func (v *VM) evalString(js string) (string, error) {
	result, err := v.vm.Eval(js, quickjs.EvalGlobal)
	if err != nil {
		return "", err
	}
	if result == nil {
		return "", nil
	}
	return fmt.Sprint(result), nil
}

// registerFunc exposes a Go function inside the VM under the given global
// name. The QuickJS bindings surface multi-value Go returns as JS arrays,
// so the wrapper unpacks [value, error] pairs and rethrows the error half
// as a TypeError.
func (v *VM) registerFunc(name string, fn any) error {
	rawName := "__raw_" + name
	if err := v.vm.RegisterFunc(rawName, fn, false); err != nil {
		return err
	}
	wrapJS := fmt.Sprintf(`(function() {
	var raw = globalThis[%q];
	globalThis[%q] = function() {
		var r = raw.apply(this, arguments);
		if (Array.isArray(r)) {
			if (r[1] !== null && r[1] !== undefined) { throw new TypeError("calling %s: " + r[1]); }
			return r[0];
		}
		return r;
	};
	delete globalThis[%q];
})()`, rawName, name, name, rawName)
	return v.eval(wrapJS)
}

// IsMemoryExhausted reports whether an evaluation error came from the VM
// hitting its memory ceiling rather than from the script itself.
func IsMemoryExhausted(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "out of memory")
}
