package scriptbox

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// scriptNamespace seeds the deterministic script ids. Compiling the same
// tenant, argument list and body always lands on the same id, which is what
// makes Compile idempotent across callers and restarts.
var scriptNamespace = uuid.MustParse("8a4bb2c6-61f9-4d52-9f0a-2c3de17a5b40")

// scriptID derives the UUIDv5 identity of a script. Argument names are part
// of the identity: the same body with different parameter lists compiles to
// different functions.
func scriptID(tenantID, body string, argNames []string) uuid.UUID {
	var b strings.Builder
	b.Grow(len(tenantID) + len(body) + 16)
	b.WriteString(tenantID)
	b.WriteByte(0)
	for _, name := range argNames {
		b.WriteString(name)
		b.WriteByte(0)
	}
	b.WriteString(body)
	return uuid.NewSHA1(scriptNamespace, []byte(b.String()))
}

// registry owns the live script handles and the in-flight compile guard.
// Handles are immutable once installed; all map access is mutex-guarded.
type registry struct {
	mu        sync.RWMutex
	scripts   map[uuid.UUID]*script
	compiling map[uuid.UUID]struct{}
}

func newRegistry() *registry {
	return &registry{
		scripts:   make(map[uuid.UUID]*script),
		compiling: make(map[uuid.UUID]struct{}),
	}
}

// beginCompile claims the id for compilation. Reports live=true when a
// handle already exists, making the compile an idempotent hit, and
// ErrCompileInFlight when another caller is mid-compile on the same id.
func (r *registry) beginCompile(id uuid.UUID) (live bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.scripts[id]; ok {
		return true, nil
	}
	if _, ok := r.compiling[id]; ok {
		return false, ErrCompileInFlight
	}
	r.compiling[id] = struct{}{}
	return false, nil
}

// finishCompile installs the handle and releases the in-flight claim.
func (r *registry) finishCompile(s *script) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.compiling, s.id)
	r.scripts[s.id] = s
}

// abortCompile releases the in-flight claim without installing anything.
func (r *registry) abortCompile(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.compiling, id)
}

// lookup returns the live handle for id.
func (r *registry) lookup(id uuid.UUID) (*script, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scripts[id]
	return s, ok
}

// release removes and returns the handle so the caller can dispose its
// VMs. The false return makes releasing an unknown id a no-op.
func (r *registry) release(id uuid.UUID) (*script, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.scripts[id]
	if ok {
		delete(r.scripts, id)
	}
	return s, ok
}

// count reports the number of live handles.
func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.scripts)
}

// drain removes and returns every live handle. Used at shutdown.
func (r *registry) drain() []*script {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*script, 0, len(r.scripts))
	for _, s := range r.scripts {
		out = append(out, s)
	}
	r.scripts = make(map[uuid.UUID]*script)
	return out
}
