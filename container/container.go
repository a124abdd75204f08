// Package container defines the narrow capability contract every plugin's
// embedded object graph must satisfy (C3), plus the per-(plugin,version)
// Instance wrapper the pool and runtime manage.
package container

import (
	"context"
	"time"

	"go.uber.org/atomic"

	"github.com/go-lynx/kernel/isolation"
	"github.com/go-lynx/kernel/manifest"
)

// Container is the capability contract a plugin's internal graph must
// satisfy. Start may block until the plugin is ready; Stop must be
// idempotent.
type Container interface {
	Start(ctx PluginContext) error
	Stop() error
	IsActive() bool
	Lookup(iface string) (any, bool)
	CodeDomain() *isolation.Domain
}

// PluginContext is handed to a Container at Start. Every lookup it exposes
// is routed back through the kernel so governance applies uniformly to
// cross-plugin calls the plugin itself initiates.
type PluginContext interface {
	PluginID() string
	Property(key string) (any, bool)
	Service(iface string) (any, error)
	Publish(eventType string, data map[string]any)
}

// State is an Instance's position in its lifecycle.
type State int32

const (
	StateReady State = iota
	StateDying
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "READY"
	case StateDying:
		return "DYING"
	case StateDestroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// Instance is one deployed (plugin, version) pair: spec.md's PluginInstance.
type Instance struct {
	Definition *manifest.Definition
	Container  Container
	Labels     map[string]string
	CreatedAt  time.Time

	state    atomic.Int32
	inflight atomic.Int64
}

// NewInstance wraps a container as a READY instance.
func NewInstance(def *manifest.Definition, c Container, labels map[string]string) *Instance {
	inst := &Instance{
		Definition: def,
		Container:  c,
		Labels:     labels,
		CreatedAt:  time.Now(),
	}
	inst.state.Store(int32(StateReady))
	return inst
}

func (i *Instance) State() State { return State(i.state.Load()) }

func (i *Instance) Inflight() int64 { return i.inflight.Load() }

// TryEnter atomically tests state==READY and bumps inflight, per spec.md
// §5's "tryEnter must atomically test state==READY and bump the counter".
// Returns false (without side effects) once the instance is DYING or
// DESTROYED.
func (i *Instance) TryEnter() bool {
	if i.State() != StateReady {
		return false
	}
	i.inflight.Inc()
	// Re-check after incrementing: a concurrent MoveToDying may have raced
	// us between the read above and the increment.
	if i.State() != StateReady {
		i.inflight.Dec()
		return false
	}
	return true
}

// Exit releases one inflight call. inflight never goes negative: callers
// must pair every accepted TryEnter with exactly one Exit.
func (i *Instance) Exit() {
	i.inflight.Dec()
}

// markDying transitions READY->DYING. No-op if already DYING/DESTROYED.
// The only legal predecessor state is READY (spec.md §3 invariant).
func (i *Instance) markDying() {
	i.state.CompareAndSwap(int32(StateReady), int32(StateDying))
}

// MarkDying exposes markDying to the pool package without making the whole
// state machine public; kept as a method so Instance remains the only
// place that can force a transition.
func (i *Instance) MarkDying() { i.markDying() }

// Destroy transitions DYING->DESTROYED. Requires inflight==0 per spec.md's
// destruction invariant; callers (pool.cleanupIdle/forceCleanupAll) must
// check that themselves before calling when not forcing.
func (i *Instance) Destroy() {
	i.state.Store(int32(StateDestroyed))
}

// IsActive reports whether the underlying container considers itself
// active, independent of pool-level state.
func (i *Instance) IsActive() bool {
	return i.Container != nil && i.Container.IsActive()
}

// Context is an alias of context.Context. Container.Stop takes no context;
// the grace-period drain is enforced by the runtime layer, not inside Stop.
type Context = context.Context
