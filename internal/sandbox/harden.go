package sandbox

import (
	"encoding/json"
	"fmt"
)

// allowedGlobals is the sandbox capability table. Hardening removes every
// global the table does not name, so a script resolving anything else gets
// a ReferenceError. Dynamic code generation is cut separately by sealing
// the function constructors; the eval global falls out of the sweep because
// it is not listed here.
var allowedGlobals = []string{
	"globalThis", "undefined", "NaN", "Infinity",
	"Object", "Array", "String", "Number", "Boolean", "BigInt", "Symbol",
	"Math", "JSON", "Date", "RegExp",
	"Map", "Set", "WeakMap", "WeakSet",
	"ArrayBuffer", "DataView",
	"Int8Array", "Uint8Array", "Uint8ClampedArray", "Int16Array", "Uint16Array",
	"Int32Array", "Uint32Array", "Float32Array", "Float64Array",
	"BigInt64Array", "BigUint64Array",
	"Promise",
	"Error", "AggregateError", "EvalError", "RangeError", "ReferenceError",
	"SyntaxError", "TypeError", "URIError", "InternalError",
	"parseInt", "parseFloat", "isNaN", "isFinite",
	"decodeURI", "decodeURIComponent", "encodeURI", "encodeURIComponent",
	"utils",
}

// hardenTemplate sweeps the global object down to the capability table and
// seals the constructor slot on every function flavor so scripts cannot
// rebuild Function from a captured function value.
const hardenTemplate = `(function() {
	var allowed = %s;
	var keep = Object.create(null);
	for (var i = 0; i < allowed.length; i++) { keep[allowed[i]] = true; }
	var names = Object.getOwnPropertyNames(globalThis);
	for (var i = 0; i < names.length; i++) {
		var name = names[i];
		if (keep[name]) { continue; }
		var removed = false;
		try { removed = delete globalThis[name]; } catch (e) {}
		if (!removed) {
			try { globalThis[name] = undefined; } catch (e) {}
		}
	}
	var blocked = function() { throw new TypeError("dynamic code generation is disabled"); };
	var seal = function(fn) {
		try {
			var proto = Object.getPrototypeOf(fn);
			Object.defineProperty(proto, "constructor", { value: blocked, writable: false, configurable: false });
		} catch (e) {}
	};
	seal(function() {});
	seal(function* () {});
	seal(async function() {});
	seal(async function* () {});
})();`

// harden applies the capability table to a freshly built VM. Runs after
// installUtils so the utils table survives the sweep while the helper
// globals it captured do not.
func (v *VM) harden() error {
	names, err := json.Marshal(allowedGlobals)
	if err != nil {
		return fmt.Errorf("encoding capability table: %w", err)
	}
	return v.eval(fmt.Sprintf(hardenTemplate, names))
}
