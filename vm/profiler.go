package vm

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Profiler tracks invocation counts per prototype to find hot functions,
// which are candidates for a native implementation (Proto.Native).

// ProtoProfile holds profiling data for a single prototype.
type ProtoProfile struct {
	Proto           *Proto
	InvocationCount uint64 // atomic
	hot             atomic.Bool
}

// IsHot reports whether the prototype crossed the hot threshold.
func (pp *ProtoProfile) IsHot() bool { return pp.hot.Load() }

// Profiler manages profiles for every prototype a State calls. It is safe
// for concurrent use.
type Profiler struct {
	profiles sync.Map // *Proto -> *ProtoProfile

	// HotThreshold is the invocation count at which a prototype becomes hot.
	HotThreshold uint64

	// OnHot is called once per prototype, on the call that made it hot.
	OnHot func(p *Proto, profile *ProtoProfile)

	hotCount uint64
}

// DefaultHotThreshold is the hot threshold of NewProfiler.
const DefaultHotThreshold = 100

// NewProfiler creates a profiler with the default threshold.
func NewProfiler() *Profiler {
	return &Profiler{HotThreshold: DefaultHotThreshold}
}

func (pr *Profiler) profile(p *Proto) *ProtoProfile {
	val, _ := pr.profiles.LoadOrStore(p, &ProtoProfile{Proto: p})
	return val.(*ProtoProfile)
}

// record counts one invocation of p. It reports whether this invocation made
// p hot.
func (pr *Profiler) record(p *Proto) bool {
	return pr.add(p, 1)
}

func (pr *Profiler) add(p *Proto, n uint64) bool {
	profile := pr.profile(p)
	count := atomic.AddUint64(&profile.InvocationCount, n)
	if count >= pr.HotThreshold && profile.hot.CompareAndSwap(false, true) {
		atomic.AddUint64(&pr.hotCount, 1)
		if pr.OnHot != nil {
			pr.OnHot(p, profile)
		}
		return true
	}
	return false
}

// Seed adds count invocations recorded earlier, for example by a previous
// run loaded from a profile store. Seeding may make p hot.
func (pr *Profiler) Seed(p *Proto, count uint64) {
	if count > 0 {
		pr.add(p, count)
	}
}

// Profile returns the profile for p, or nil if p was never called.
func (pr *Profiler) Profile(p *Proto) *ProtoProfile {
	if val, ok := pr.profiles.Load(p); ok {
		return val.(*ProtoProfile)
	}
	return nil
}

// IsHot reports whether p has crossed the hot threshold.
func (pr *Profiler) IsHot(p *Proto) bool {
	profile := pr.Profile(p)
	return profile != nil && profile.IsHot()
}

// ProfileEntry is a point-in-time copy of one profile.
type ProfileEntry struct {
	Proto       *Proto
	Invocations uint64
	Hot         bool
}

// Snapshot returns every profile, most invoked first.
func (pr *Profiler) Snapshot() []ProfileEntry {
	var all []ProfileEntry
	pr.profiles.Range(func(key, value any) bool {
		profile := value.(*ProtoProfile)
		all = append(all, ProfileEntry{
			Proto:       key.(*Proto),
			Invocations: atomic.LoadUint64(&profile.InvocationCount),
			Hot:         profile.IsHot(),
		})
		return true
	})
	sort.Slice(all, func(i, j int) bool {
		if all[i].Invocations != all[j].Invocations {
			return all[i].Invocations > all[j].Invocations
		}
		return all[i].Proto.String() < all[j].Proto.String()
	})
	return all
}

// Top returns the n most invoked prototypes.
func (pr *Profiler) Top(n int) []*Proto {
	snap := pr.Snapshot()
	if n > len(snap) {
		n = len(snap)
	}
	result := make([]*Proto, n)
	for i := range result {
		result[i] = snap[i].Proto
	}
	return result
}

// HotCount returns the number of hot prototypes.
func (pr *Profiler) HotCount() int { return int(atomic.LoadUint64(&pr.hotCount)) }

// Reset clears all profiling data.
func (pr *Profiler) Reset() {
	pr.profiles.Range(func(key, _ any) bool {
		pr.profiles.Delete(key)
		return true
	})
	atomic.StoreUint64(&pr.hotCount, 0)
}
