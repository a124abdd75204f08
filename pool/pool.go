// Package pool implements the per-plugin Instance Pool (C4): an active
// set unique by version, a default pointer, and a bounded dying FIFO
// queue.
package pool

import (
	"sync"

	"github.com/go-lynx/kernel/container"
)

// DefaultMaxDying is spec.md's default dying-queue capacity.
const DefaultMaxDying = 5

// Pool is the per-plugin instance holder described in spec.md §4.4.
type Pool struct {
	mu       sync.Mutex
	active   map[string]*container.Instance // keyed by version
	order    []string                       // insertion order, for label-tie-break stability
	dflt     *container.Instance
	dying    []*container.Instance
	maxDying int
}

// New creates a pool with the given dying-queue capacity; maxDying<=0
// defaults to DefaultMaxDying.
func New(maxDying int) *Pool {
	if maxDying <= 0 {
		maxDying = DefaultMaxDying
	}
	return &Pool{
		active:   make(map[string]*container.Instance),
		maxDying: maxDying,
	}
}

func version(inst *container.Instance) string {
	if inst == nil || inst.Definition == nil {
		return ""
	}
	return inst.Definition.Version
}

// Add inserts inst into the active set. If setDefault is true, it swaps
// the default pointer and returns the previous default (nil if none).
// Rejects a nil instance.
func (p *Pool) Add(inst *container.Instance, setDefault bool) *container.Instance {
	if inst == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	v := version(inst)
	if _, exists := p.active[v]; !exists {
		p.order = append(p.order, v)
	}
	p.active[v] = inst

	var previous *container.Instance
	if setDefault {
		previous = p.dflt
		p.dflt = inst
	}
	return previous
}

// MoveToDying retires inst: clears default if it was the default, removes
// it from active, marks it DYING, and appends it to the dying queue.
// Silent no-op on nil or an instance already outside the active set.
func (p *Pool) MoveToDying(inst *container.Instance) {
	if inst == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	v := version(inst)
	if p.active[v] != inst {
		return // not currently active under this pool (already dying/destroyed)
	}
	delete(p.active, v)
	p.order = removeString(p.order, v)

	if p.dflt == inst {
		p.dflt = nil
	}
	inst.MarkDying()
	p.dying = append(p.dying, inst)
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// CleanupIdle destroys every dying-queue entry whose inflight count is
// zero, invoking destroyFn for each, and returns how many were cleaned.
// Iterates over a snapshot so destroyFn never observes a half-mutated
// queue.
func (p *Pool) CleanupIdle(destroyFn func(*container.Instance)) int {
	p.mu.Lock()
	snapshot := append([]*container.Instance(nil), p.dying...)
	p.mu.Unlock()

	var cleaned []*container.Instance
	for _, inst := range snapshot {
		if inst.Inflight() == 0 {
			inst.Destroy()
			if destroyFn != nil {
				destroyFn(inst)
			}
			cleaned = append(cleaned, inst)
		}
	}

	if len(cleaned) == 0 {
		return 0
	}
	p.mu.Lock()
	p.dying = subtract(p.dying, cleaned)
	p.mu.Unlock()
	return len(cleaned)
}

func subtract(all, remove []*container.Instance) []*container.Instance {
	removeSet := make(map[*container.Instance]bool, len(remove))
	for _, r := range remove {
		removeSet[r] = true
	}
	out := all[:0]
	for _, inst := range all {
		if !removeSet[inst] {
			out = append(out, inst)
		}
	}
	return out
}

// ForceCleanupAll unconditionally destroys every dying entry regardless of
// inflight count, used during shutdown.
func (p *Pool) ForceCleanupAll(destroyFn func(*container.Instance)) int {
	p.mu.Lock()
	snapshot := append([]*container.Instance(nil), p.dying...)
	p.dying = nil
	p.mu.Unlock()

	for _, inst := range snapshot {
		inst.Destroy()
		if destroyFn != nil {
			destroyFn(inst)
		}
	}
	return len(snapshot)
}

// Shutdown clears the default and moves every active instance to dying,
// returning the list that was moved.
func (p *Pool) Shutdown() []*container.Instance {
	p.mu.Lock()
	p.dflt = nil
	var moved []*container.Instance
	for _, v := range append([]string(nil), p.order...) {
		inst := p.active[v]
		delete(p.active, v)
		inst.MarkDying()
		p.dying = append(p.dying, inst)
		moved = append(moved, inst)
	}
	p.order = nil
	p.mu.Unlock()
	return moved
}

// CanAddInstance reports whether the dying queue has room.
func (p *Pool) CanAddInstance() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dying) < p.maxDying
}

// HasAvailableInstance reports whether any active instance is currently
// READY.
func (p *Pool) HasAvailableInstance() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, inst := range p.active {
		if inst.State() == container.StateReady {
			return true
		}
	}
	return false
}

// Default returns the current default instance, or nil.
func (p *Pool) Default() *container.Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dflt
}

// Active returns a stable-ordered snapshot of active instances.
func (p *Pool) Active() []*container.Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*container.Instance, 0, len(p.order))
	for _, v := range p.order {
		out = append(out, p.active[v])
	}
	return out
}

// DyingLen reports the current dying-queue length, for tests and metrics.
func (p *Pool) DyingLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dying)
}
