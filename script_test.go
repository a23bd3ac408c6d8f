package scriptbox

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cryguy/scriptbox/internal/sandbox"
)

// countingBuild returns a vmPool build function that tracks how many VMs it
// constructed.
func countingBuild(calls *int32) func() (*sandbox.VM, error) {
	return func() (*sandbox.VM, error) {
		atomic.AddInt32(calls, 1)
		vm, err := sandbox.New(sandbox.Options{MemoryLimitMB: 64})
		if err != nil {
			return nil, err
		}
		if err := vm.Compile(sandbox.Wrap("return 1;", nil)); err != nil {
			vm.Close()
			return nil, err
		}
		return vm, nil
	}
}

func TestVMPoolPrebuilds(t *testing.T) {
	var calls int32
	p, err := newVMPool(2, countingBuild(&calls))
	if err != nil {
		t.Fatalf("newVMPool: %v", err)
	}
	t.Cleanup(p.dispose)

	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("built %d VMs up front, want 2", n)
	}

	a, err := p.acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	b, err := p.acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("idle VMs should serve acquires, built %d", n)
	}

	// Pool is dry, the third acquire builds on demand.
	c, err := p.acquire()
	if err != nil {
		t.Fatalf("acquire on dry pool: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("built %d VMs, want 3", n)
	}

	// Returning all three: two fit, the surplus one is closed.
	p.put(a)
	p.put(b)
	p.put(c)
}

func TestVMPoolRecyclesScrubbedVM(t *testing.T) {
	var calls int32
	p, err := newVMPool(1, countingBuild(&calls))
	if err != nil {
		t.Fatalf("newVMPool: %v", err)
	}
	t.Cleanup(p.dispose)

	first, err := p.acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.put(first)

	second, err := p.acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer p.put(second)

	if first != second {
		t.Error("put VM should be recycled")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("built %d VMs, want 1", n)
	}
}

func TestVMPoolDispose(t *testing.T) {
	var calls int32
	p, err := newVMPool(1, countingBuild(&calls))
	if err != nil {
		t.Fatalf("newVMPool: %v", err)
	}

	loaned, err := p.acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	p.dispose()
	p.dispose() // idempotent

	if _, err := p.acquire(); !errors.Is(err, errPoolDisposed) {
		t.Errorf("acquire after dispose = %v, want errPoolDisposed", err)
	}

	// A VM returned after disposal is closed, not pooled.
	p.put(loaned)
}

func TestVMPoolBuildFailure(t *testing.T) {
	var calls int32
	build := func() (*sandbox.VM, error) {
		if atomic.AddInt32(&calls, 1) == 2 {
			return nil, errors.New("boom")
		}
		vm, err := sandbox.New(sandbox.Options{MemoryLimitMB: 64})
		if err != nil {
			return nil, err
		}
		return vm, nil
	}

	_, err := newVMPool(2, build)
	if err == nil {
		t.Fatal("newVMPool should fail when a build fails")
	}
	if !strings.Contains(err.Error(), "building VM 2 of 2") {
		t.Errorf("error = %v", err)
	}
}
