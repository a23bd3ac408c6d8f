package scriptbox

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cryguy/scriptbox/internal/sandbox"
)

// script is an immutable compiled-script handle: identity, canonical
// wrapped source and the pool of warm VMs carrying the compiled function.
type script struct {
	id           uuid.UUID
	tenantID     string
	body         string
	argNames     []string
	wrapped      string
	registeredAt time.Time
	vms          *vmPool
}

var errPoolDisposed = errors.New("script VM pool is disposed")

// vmPool keeps warm, compiled VMs for one script. The channel holds idle
// VMs; when it runs dry under load, acquire builds a fresh VM on demand
// and put later closes the surplus instead of growing the pool.
type vmPool struct {
	mu       sync.Mutex
	disposed bool
	idle     chan *sandbox.VM
	build    func() (*sandbox.VM, error)
}

// newVMPool builds size VMs up front so first invocations do not pay VM
// construction and compilation cost. On any build failure the VMs built so
// far are closed and the error is returned.
func newVMPool(size int, build func() (*sandbox.VM, error)) (*vmPool, error) {
	p := &vmPool{idle: make(chan *sandbox.VM, size), build: build}
	for i := 0; i < size; i++ {
		vm, err := build()
		if err != nil {
			p.dispose()
			return nil, fmt.Errorf("building VM %d of %d: %w", i+1, size, err)
		}
		p.idle <- vm
	}
	return p, nil
}

// acquire returns an idle VM, or builds a fresh one when the pool is empty.
func (p *vmPool) acquire() (*sandbox.VM, error) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil, errPoolDisposed
	}
	select {
	case vm := <-p.idle:
		p.mu.Unlock()
		return vm, nil
	default:
	}
	p.mu.Unlock()
	// VM construction is slow, so it happens outside the lock. If the pool
	// is disposed meanwhile, put closes the VM on its way back.
	return p.build()
}

// put returns a VM to the pool, scrubbing invocation residue first. VMs
// that fail to scrub, arrive after disposal or exceed pool capacity are
// closed.
func (p *vmPool) put(vm *sandbox.VM) {
	if err := vm.Scrub(); err != nil {
		vm.Close()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		vm.Close()
		return
	}
	select {
	case p.idle <- vm:
	default:
		vm.Close()
	}
}

// discard closes a VM without returning it to the pool. Used for tainted
// VMs after an interrupt, an eval panic or a memory overflow.
func (p *vmPool) discard(vm *sandbox.VM) {
	vm.Close()
}

// dispose closes all idle VMs and marks the pool dead. VMs still out on
// loan are closed by put when they come back.
func (p *vmPool) dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return
	}
	p.disposed = true
	for {
		select {
		case vm := <-p.idle:
			vm.Close()
		default:
			return
		}
	}
}
