package reactorbus

import "sync"

// Registry maps a key to matching registrations and supports cancellation.
// Select must return a snapshot: mutation of the registry during an ongoing
// Route call must never invalidate that call's iteration.
type Registry interface {
	Register(sel Selector, consumer any) *Registration
	Select(key any) []*Registration
	Registrations() []*Registration
}

// CachingRegistry is a sync.RWMutex-guarded registration list with a
// per-key selection cache, invalidated on every Register; registrations
// cancelled since a result was cached are filtered out of it on each Select.
// Grounded on
// the read-mostly map idiom the teacher uses for its named-factory
// registries (transportRegistry/codecRegistry in registry.go). Selection
// results are returned as freshly-copied slices so an in-flight Route call
// is never disturbed by concurrent registration changes.
type CachingRegistry struct {
	mu    sync.RWMutex
	regs  []*Registration
	cache map[any][]*Registration
	seq   uint64
}

// NewCachingRegistry returns an empty registry ready for use.
func NewCachingRegistry() *CachingRegistry {
	return &CachingRegistry{cache: make(map[any][]*Registration)}
}

// Register appends a new registration and invalidates the selection cache.
func (r *CachingRegistry) Register(sel Selector, consumer any) *Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	reg := newRegistration(sel, consumer, r.seq)
	r.regs = append(r.regs, reg)
	r.invalidateLocked()
	return reg
}

// Select returns, in insertion order, a fresh copy of the live (non-nil,
// non-cancelled) registrations whose selector matches key. Cacheable only
// when key is itself a valid map key (comparable); non-comparable keys skip
// the cache and are matched directly, since Go maps cannot index them.
func (r *CachingRegistry) Select(key any) []*Registration {
	if cacheable(key) {
		r.mu.RLock()
		if cached, ok := r.cache[key]; ok {
			out := make([]*Registration, 0, len(cached))
			for _, reg := range cached {
				if !reg.Cancelled() {
					out = append(out, reg)
				}
			}
			r.mu.RUnlock()
			return out
		}
		r.mu.RUnlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	matched := r.selectLocked(key)

	if cacheable(key) {
		cached := make([]*Registration, len(matched))
		copy(cached, matched)
		r.cache[key] = cached
	}

	out := make([]*Registration, len(matched))
	copy(out, matched)
	return out
}

func (r *CachingRegistry) selectLocked(key any) []*Registration {
	var matched []*Registration
	for _, reg := range r.regs {
		if reg.Cancelled() {
			continue
		}
		if reg.Selector().Matches(key) {
			matched = append(matched, reg)
		}
	}
	return matched
}

// Registrations returns every live registration currently held, regardless
// of key, primarily for diagnostics and RespondsToKey-style scans.
func (r *CachingRegistry) Registrations() []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Registration, 0, len(r.regs))
	for _, reg := range r.regs {
		if !reg.Cancelled() {
			out = append(out, reg)
		}
	}
	return out
}

// invalidateLocked drops the selection cache. Called under r.mu held for
// writing, whenever a registration is added.
func (r *CachingRegistry) invalidateLocked() {
	r.cache = make(map[any][]*Registration)

	// Compaction: drop cancelled registrations that have accumulated so the
	// backing slice does not grow without bound across a long-lived bus.
	if len(r.regs) < 64 {
		return
	}
	live := r.regs[:0:0]
	for _, reg := range r.regs {
		if !reg.Cancelled() {
			live = append(live, reg)
		}
	}
	r.regs = live
}

// GC forces a compaction pass, dropping cancelled registrations even below
// the automatic threshold. Useful for long-running buses under test.
func (r *CachingRegistry) GC() {
	r.mu.Lock()
	defer r.mu.Unlock()
	live := r.regs[:0:0]
	for _, reg := range r.regs {
		if !reg.Cancelled() {
			live = append(live, reg)
		}
	}
	r.regs = live
	r.cache = make(map[any][]*Registration)
}

func cacheable(key any) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	m := map[any]struct{}{}
	m[key] = struct{}{}
	return true
}
