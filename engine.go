// Package scriptbox compiles and executes untrusted tenant JavaScript in
// pooled QuickJS sandboxes, under per-request size, time and memory budgets,
// with a per-script circuit breaker and periodic usage counters.
package scriptbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cryguy/scriptbox/internal/exec"
	"github.com/cryguy/scriptbox/internal/sandbox"
)

// Engine compiles tenant scripts into pooled sandbox VMs and executes them
// on a fixed worker pool. Compile and Invoke return single-assignment tasks
// that resolve no later than the configured deadline; the *Sync variants
// wrap them for callers that want plain blocking calls.
type Engine struct {
	cfg      Config
	pool     *exec.Pool
	reg      *registry
	gov      *governor
	tracker  *errorTracker
	stats    *statsCollector
	gate     UsageGate
	reporter UsageReporter
	closed   atomic.Bool
}

// New builds an engine from cfg, starts its worker pool and background
// goroutines, and runs one warm-up evaluation so the first tenant request
// does not pay the sandbox's first-use setup cost.
func New(cfg Config) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:      cfg,
		pool:     exec.NewPool(cfg.ThreadPoolSize, cfg.QueueSize),
		reg:      newRegistry(),
		gov:      newGovernor(cfg),
		tracker:  newErrorTracker(cfg.MaxErrors, time.Duration(cfg.MaxBlacklistDurationSec)*time.Second),
		gate:     cfg.UsageGate,
		reporter: cfg.UsageReporter,
	}
	e.stats = newStatsCollector(e.reg.count)
	e.tracker.startSweeper(e.blacklistWindow())
	if cfg.StatsEnabled {
		e.stats.start(time.Duration(cfg.StatsIntervalMs) * time.Millisecond)
	}
	e.warmUp()
	return e
}

// invocation is the state a worker and its deadline watchdog share for one
// running invoke.
type invocation struct {
	vm       atomic.Pointer[sandbox.VM]
	timedOut atomic.Bool
	watchdog *time.Timer
	wdDone   chan struct{} // closed when the watchdog body has finished
}

// Compile registers the script under its deterministic id, building and
// priming its VM pool. The returned task resolves to the uuid.UUID script
// id. Compiling a script that is already registered resolves immediately
// with the existing id; a concurrent compile of the same script fails with
// a compilation error wrapping ErrCompileInFlight.
func (e *Engine) Compile(tenantID, body string, argNames []string) *exec.Task {
	if e.closed.Load() {
		return exec.Failed(ErrEngineClosed)
	}
	e.stats.incRequests()

	if e.gate != nil && !e.gate.ScriptExecEnabled(tenantID) {
		return e.reject(&ScriptError{Code: CodeExecDisabled, Body: snippet(body)})
	}
	if err := e.gov.checkBody(body); err != nil {
		return e.reject(err)
	}
	id := scriptID(tenantID, body, argNames)
	if err := validateArgNames(argNames); err != nil {
		return e.reject(&ScriptError{Code: CodeCompilation, ScriptID: id, Body: snippet(body), Cause: err})
	}

	live, err := e.reg.beginCompile(id)
	if live {
		e.stats.incSuccesses()
		return exec.Completed(id)
	}
	if err != nil {
		return e.reject(&ScriptError{Code: CodeCompilation, ScriptID: id, Body: snippet(body), Cause: err})
	}

	task := exec.NewTask()
	e.armCompileWatchdog(task, id, body)
	if err := e.pool.Submit(func() { e.runCompile(task, id, tenantID, body, argNames) }); err != nil {
		e.reg.abortCompile(id)
		if task.Fail(ErrEngineClosed) {
			e.stats.incFailures()
		}
	}
	return task
}

// CompileSync is Compile for callers that want a blocking call.
func (e *Engine) CompileSync(ctx context.Context, tenantID, body string, argNames []string) (uuid.UUID, error) {
	v, err := e.Compile(tenantID, body, argNames).Wait(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	return v.(uuid.UUID), nil
}

// Invoke schedules an execution of a compiled script. Arguments are
// serialized on the caller's goroutine and checked against the size budget
// before any worker slot is consumed. The returned task resolves to the
// decoded result value.
func (e *Engine) Invoke(id uuid.UUID, args ...any) *exec.Task {
	if e.closed.Load() {
		return exec.Failed(ErrEngineClosed)
	}
	e.stats.incRequests()

	s, ok := e.reg.lookup(id)
	if !ok {
		return e.reject(&ScriptError{Code: CodeNotFound, ScriptID: id})
	}
	if e.gate != nil && !e.gate.ScriptExecEnabled(s.tenantID) {
		return e.reject(&ScriptError{Code: CodeExecDisabled, ScriptID: id, Body: snippet(s.body)})
	}
	if len(args) != len(s.argNames) {
		return e.reject(&ScriptError{
			Code:     CodeRuntime,
			ScriptID: id,
			Body:     snippet(s.body),
			Cause:    fmt.Errorf("script declares %d arguments, got %d", len(s.argNames), len(args)),
		})
	}
	enc, err := e.gov.encodeArgs(args)
	if err != nil {
		return e.reject(stampScriptError(err, id, s.body))
	}
	if wait, blocked := e.tracker.check(id); blocked {
		return e.reject(&ScriptError{Code: CodeBlacklisted, ScriptID: id, Body: snippet(s.body), RetryAfter: wait})
	}
	if e.reporter != nil {
		e.reporter.ReportExecution(s.tenantID, 1)
	}

	task := exec.NewTask()
	inv := &invocation{}
	// Armed before submission so time spent waiting for a queue slot counts
	// against the deadline.
	e.armInvokeWatchdog(task, inv, s)
	if err := e.pool.Submit(func() { e.runInvoke(task, inv, s, enc) }); err != nil {
		if task.Fail(ErrEngineClosed) {
			e.stats.incFailures()
		}
	}
	return task
}

// InvokeSync is Invoke for callers that want a blocking call.
func (e *Engine) InvokeSync(ctx context.Context, id uuid.UUID, args ...any) (any, error) {
	return e.Invoke(id, args...).Wait(ctx)
}

// Release removes a compiled script and closes its VMs. Unknown ids are a
// no-op. Invocations still queued for the script fail as not found;
// invocations mid-run finish on their loaned VM, which is closed when it
// comes back.
func (e *Engine) Release(id uuid.UUID) {
	s, ok := e.reg.release(id)
	if !ok {
		return
	}
	s.vms.dispose()
	e.tracker.forget(id)
}

// Stats returns the counters accumulated since the last periodic reset plus
// the live compiled-script gauge.
func (e *Engine) Stats() Stats {
	return e.stats.snapshot()
}

// Shutdown stops intake, drains queued work, closes every script VM and
// stops the background goroutines. Safe to call more than once.
func (e *Engine) Shutdown() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.pool.Shutdown()
	for _, s := range e.reg.drain() {
		s.vms.dispose()
	}
	e.tracker.haltSweeper()
	e.stats.halt()
}

// reject resolves a pre-execution failure. The request was already counted,
// so the failure is charged here and no worker slot is consumed.
func (e *Engine) reject(err error) *exec.Task {
	e.stats.incFailures()
	return exec.Failed(err)
}

// armCompileWatchdog resolves the compile task as timed out at the
// deadline. There is no VM to interrupt during compilation; the background
// work runs to completion and still installs or aborts the handle, while
// the resolution winner decides which outcome is charged.
func (e *Engine) armCompileWatchdog(task *exec.Task, id uuid.UUID, body string) {
	timeout := e.requestTimeout()
	if timeout <= 0 {
		return
	}
	time.AfterFunc(timeout, func() {
		if task.Fail(&ScriptError{Code: CodeTimeout, ScriptID: id, Body: snippet(body)}) {
			e.stats.incTimeouts()
		}
	})
}

// armInvokeWatchdog resolves the task as timed out at the deadline and
// interrupts the VM if the invocation is already running on one. The task
// resolves at the deadline even though the doomed evaluation may take a
// moment longer to unwind; the worker discards the interrupted VM.
func (e *Engine) armInvokeWatchdog(task *exec.Task, inv *invocation, s *script) {
	timeout := e.requestTimeout()
	if timeout <= 0 {
		return
	}
	inv.wdDone = make(chan struct{})
	inv.watchdog = time.AfterFunc(timeout, func() {
		defer close(inv.wdDone)
		inv.timedOut.Store(true)
		if vm := inv.vm.Load(); vm != nil {
			vm.Interrupt()
		}
		if task.Fail(&ScriptError{Code: CodeTimeout, ScriptID: s.id, Body: snippet(s.body)}) {
			e.stats.incTimeouts()
		}
	})
}

// runCompile executes on a pool worker: validate the wrapped source, build
// the script's VM pool and install the handle.
func (e *Engine) runCompile(task *exec.Task, id uuid.UUID, tenantID, body string, argNames []string) {
	wrapped := sandbox.Wrap(body, argNames)
	if err := sandbox.Validate(wrapped); err != nil {
		e.reg.abortCompile(id)
		if task.Fail(&ScriptError{Code: CodeCompilation, ScriptID: id, Body: snippet(body), Cause: err}) {
			e.stats.incFailures()
		}
		return
	}

	build := func() (*sandbox.VM, error) {
		vm, err := sandbox.New(sandbox.Options{MemoryLimitMB: e.cfg.MaxMemoryLimitMB})
		if err != nil {
			return nil, err
		}
		if err := vm.Compile(wrapped); err != nil {
			vm.Close()
			return nil, err
		}
		return vm, nil
	}
	vms, err := newVMPool(e.cfg.ScriptPoolSize, build)
	if err != nil {
		e.reg.abortCompile(id)
		if task.Fail(&ScriptError{Code: CodeCompilation, ScriptID: id, Body: snippet(body), Cause: err}) {
			e.stats.incFailures()
		}
		return
	}

	e.reg.finishCompile(&script{
		id:           id,
		tenantID:     tenantID,
		body:         body,
		argNames:     argNames,
		wrapped:      wrapped,
		registeredAt: time.Now(),
		vms:          vms,
	})
	if task.Complete(id) {
		e.stats.incSuccesses()
	}
}

// runInvoke executes on a pool worker: borrow a VM, evaluate, enforce the
// result budget and resolve the task. The VM goes back to its pool only
// when the evaluation ended cleanly; interrupted, panicked or
// memory-exhausted VMs are discarded.
func (e *Engine) runInvoke(task *exec.Task, inv *invocation, s *script, args [][]byte) {
	if inv.timedOut.Load() {
		// Deadline passed while queued; the watchdog already resolved the
		// task and charged a timeout.
		return
	}
	vm, err := s.vms.acquire()
	if err != nil {
		// The script was released while this invocation sat in the queue.
		// Not a script fault, so the breaker is left alone.
		if task.Fail(&ScriptError{Code: CodeNotFound, ScriptID: s.id, Cause: err}) {
			e.stats.incFailures()
		}
		return
	}
	inv.vm.Store(vm)
	if inv.timedOut.Load() {
		// Expired during acquire. The watchdog may have seen the stored VM
		// and interrupted it, so wait it out and treat the VM as tainted.
		<-inv.wdDone
		s.vms.discard(vm)
		return
	}

	var raw string
	var evalErr error
	panicked := true
	func() {
		defer func() {
			if r := recover(); r != nil {
				evalErr = fmt.Errorf("sandbox panic: %v", r)
			}
		}()
		raw, evalErr = vm.Call(args)
		panicked = false
	}()

	// Settle the watchdog before deciding the VM's fate so a late interrupt
	// cannot land on a VM that was already recycled or closed.
	timedOut := false
	if inv.watchdog != nil && !inv.watchdog.Stop() {
		<-inv.wdDone
		timedOut = inv.timedOut.Load()
	}

	switch {
	case timedOut:
		s.vms.discard(vm)
		log.Printf("scriptbox: discarding VM for script %s (interrupted at deadline)", s.id)
	case panicked:
		s.vms.discard(vm)
		log.Printf("scriptbox: discarding VM for script %s (eval panic: %v)", s.id, evalErr)
		e.recordInvokeFailure(task, s, &ScriptError{Code: CodeRuntime, ScriptID: s.id, Body: snippet(s.body), Cause: evalErr})
	case evalErr != nil && sandbox.IsMemoryExhausted(evalErr):
		s.vms.discard(vm)
		log.Printf("scriptbox: discarding VM for script %s (memory limit)", s.id)
		e.recordInvokeFailure(task, s, &ScriptError{Code: CodeMemoryOverflow, ScriptID: s.id, Body: snippet(s.body), Cause: evalErr})
	case evalErr != nil:
		s.vms.put(vm)
		e.recordInvokeFailure(task, s, &ScriptError{Code: CodeRuntime, ScriptID: s.id, Body: snippet(s.body), Cause: evalErr})
	default:
		e.finishInvoke(task, s, vm, raw)
	}
}

// finishInvoke enforces the result ceiling, decodes the sandbox JSON and
// resolves the task with the value.
func (e *Engine) finishInvoke(task *exec.Task, s *script, vm *sandbox.VM, raw string) {
	if err := e.gov.checkResult(raw); err != nil {
		s.vms.put(vm)
		e.recordInvokeFailure(task, s, stampScriptError(err, s.id, s.body))
		return
	}
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		s.vms.put(vm)
		e.recordInvokeFailure(task, s, &ScriptError{
			Code: CodeRuntime, ScriptID: s.id, Body: snippet(s.body),
			Cause: fmt.Errorf("decoding result: %w", err),
		})
		return
	}
	s.vms.put(vm)
	if task.Complete(value) {
		e.stats.incSuccesses()
		e.tracker.success(s.id)
	}
}

// recordInvokeFailure resolves the invoke task with err and, when this
// resolution wins, charges the right counter and feeds the breaker. Losing
// the race means the watchdog already charged the invocation as a timeout,
// which never counts toward blacklisting.
func (e *Engine) recordInvokeFailure(task *exec.Task, s *script, err error) {
	if !task.Fail(err) {
		return
	}
	if code, ok := CodeOf(err); ok && code == CodeMemoryOverflow {
		e.stats.incMemoryOverflows()
	} else {
		e.stats.incFailures()
	}
	if e.tracker.fail(s.id) {
		log.Printf("scriptbox: blacklisting script %s for %s after repeated failures", s.id, e.blacklistWindow())
	}
}

// warmUp pushes one throwaway script through a sandbox VM so first-use
// costs (libc TLS setup, parser tables) are paid at startup rather than by
// the first tenant request.
func (e *Engine) warmUp() {
	vm, err := sandbox.New(sandbox.Options{MemoryLimitMB: e.cfg.MaxMemoryLimitMB})
	if err != nil {
		log.Printf("scriptbox: warm-up skipped: %v", err)
		return
	}
	defer vm.Close()
	if err := vm.Compile(sandbox.Wrap("var warmUp = {}; return warmUp;", nil)); err != nil {
		log.Printf("scriptbox: warm-up skipped: %v", err)
		return
	}
	_, _ = vm.Call(nil)
}

func (e *Engine) requestTimeout() time.Duration {
	return time.Duration(e.cfg.MaxRequestsTimeoutMs) * time.Millisecond
}

func (e *Engine) blacklistWindow() time.Duration {
	return time.Duration(e.cfg.MaxBlacklistDurationSec) * time.Second
}

// validateArgNames rejects names that cannot appear in a parameter list.
// Duplicates are rejected here because sloppy-mode functions would bind
// them last-wins without complaint.
func validateArgNames(names []string) error {
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if !sandbox.ValidArgName(name) {
			return fmt.Errorf("invalid argument name %q", name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate argument name %q", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}
