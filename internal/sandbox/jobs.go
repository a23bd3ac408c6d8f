package sandbox

import (
	"reflect"
	"unsafe"

	"modernc.org/libc"
	lib "modernc.org/libquickjs"
	"modernc.org/quickjs"
)

// runPendingJobs drains the VM's microtask queue. The modernc.org/quickjs
// wrapper never calls JS_ExecutePendingJob itself, so promise reactions
// queued by a script would otherwise sit unresolved and fire during an
// unrelated later evaluation on the same VM. Reaches through the wrapper's
// unexported runtime fields to call the C entry point directly.
//
// Returns the number of jobs executed.
func runPendingJobs(vm *quickjs.VM) int {
	rt, tls, ok := runtimeHandles(vm)
	if !ok {
		return 0
	}

	count := 0
	for {
		ret := lib.XJS_ExecutePendingJob(tls, rt, 0)
		if ret <= 0 {
			break
		}
		count++
	}
	return count
}

// runtimeHandles pulls the C runtime pointer and its libc TLS out of a
// *quickjs.VM via reflection.
//
// Layout as of modernc.org/quickjs v0.17.1:
//
//	type VM struct {
//	    cContext uintptr
//	    ...
//	    runtime  *runtime
//	}
//
//	type runtime struct {
//	    cRuntime uintptr
//	    tls      *libc.TLS
//	}
func runtimeHandles(vm *quickjs.VM) (cRuntime uintptr, tls *libc.TLS, ok bool) {
	vmVal := reflect.ValueOf(vm).Elem()

	rtField := vmVal.FieldByName("runtime")
	if !rtField.IsValid() || rtField.IsNil() {
		return 0, nil, false
	}

	rtPtr := unsafe.Pointer(rtField.Pointer())
	rtVal := reflect.NewAt(rtField.Type().Elem(), rtPtr).Elem()

	cRuntimeField := rtVal.FieldByName("cRuntime")
	if !cRuntimeField.IsValid() {
		return 0, nil, false
	}
	cRuntime = uintptr(cRuntimeField.Uint())

	tlsField := rtVal.FieldByName("tls")
	if !tlsField.IsValid() || tlsField.IsNil() {
		return 0, nil, false
	}
	tls = (*libc.TLS)(unsafe.Pointer(tlsField.Pointer()))

	return cRuntime, tls, true
}
