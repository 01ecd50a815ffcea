package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"
)

// NativeRegistry holds Go implementations of script functions and installs
// them on prototypes once the profiler reports them hot. Implementations are
// keyed by NativeKey, the function's chunk name and first line.
type NativeRegistry struct {
	mu        sync.RWMutex
	impls     map[string]NativeFunc
	installed map[*Proto]bool

	installs atomic.Uint64
	misses   atomic.Uint64

	log commonlog.Logger
}

// NewNativeRegistry creates an empty registry.
func NewNativeRegistry() *NativeRegistry {
	return &NativeRegistry{
		impls:     make(map[string]NativeFunc),
		installed: make(map[*Proto]bool),
		log:       commonlog.GetLogger("cobalt.native"),
	}
}

// NativeKey identifies p by where it is defined, e.g. "fib.lua:3".
func NativeKey(p *Proto) string {
	return fmt.Sprintf("%s:%d", p.ChunkID(), p.LineDefined)
}

// Register adds the implementation for the function identified by key.
func (r *NativeRegistry) Register(key string, fn NativeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.impls[key] = fn
}

// Lookup returns the implementation registered for p, if any.
func (r *NativeRegistry) Lookup(p *Proto) (NativeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.impls[NativeKey(p)]
	return fn, ok
}

// Install sets p.Native when an implementation is registered for p. It
// reports whether p now runs natively. Install must run on the goroutine
// driving the State that executes p.
func (r *NativeRegistry) Install(p *Proto) bool {
	fn, ok := r.Lookup(p)
	if !ok {
		r.misses.Add(1)
		return false
	}
	r.mu.Lock()
	if r.installed[p] {
		r.mu.Unlock()
		return true
	}
	r.installed[p] = true
	r.mu.Unlock()

	p.Native = fn
	r.installs.Add(1)
	r.log.Infof("installed native implementation of %s", p)
	return true
}

// Attach installs implementations as prof marks prototypes hot. A
// previously set OnHot callback still runs.
func (r *NativeRegistry) Attach(prof *Profiler) {
	prev := prof.OnHot
	prof.OnHot = func(p *Proto, profile *ProtoProfile) {
		if prev != nil {
			prev(p, profile)
		}
		r.Install(p)
	}
}

// Installed returns how many prototypes got a native implementation.
func (r *NativeRegistry) Installed() int { return int(r.installs.Load()) }

// Misses returns how many hot prototypes had no implementation.
func (r *NativeRegistry) Misses() int { return int(r.misses.Load()) }
