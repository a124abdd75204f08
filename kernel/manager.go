// Package kernel implements the Plugin Manager (C6) and Governance Kernel
// (C8): the catalog of runtimes, dependency-ordered install/reload/
// uninstall orchestration, and the staged invocation pipeline.
package kernel

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-lynx/kernel/audit"
	"github.com/go-lynx/kernel/container"
	"github.com/go-lynx/kernel/eventbus"
	"github.com/go-lynx/kernel/governance"
	"github.com/go-lynx/kernel/internal/klog"
	"github.com/go-lynx/kernel/kernelerrors"
	"github.com/go-lynx/kernel/manifest"
	"github.com/go-lynx/kernel/permission"
	"github.com/go-lynx/kernel/runtime"
)

// pluginWithLevel pairs a not-yet-installed plugin with its dependency
// depth, used only during topologicalSort.
type pluginWithLevel struct {
	def   *manifest.Definition
	ctr   container.Container
	level int
}

// Manager is the catalog of per-plugin Runtimes (spec.md's PluginManager,
// C6). It exclusively owns Runtimes; each Runtime exclusively owns its
// Pool.
type Manager struct {
	runtimes sync.Map // pluginID -> *runtime.Runtime

	mu       sync.RWMutex
	order    []string // insertion order, for List()
	maxDying int

	Governance *governance.Chain
	Permission *permission.Service
	Events     *eventbus.Bus
	Audit      *audit.Executor

	kernel *Kernel // set by NewKernel; used to drop a plugin's bulkhead on Uninstall
}

// NewManager wires a Manager against already-constructed collaborators;
// the kernel never constructs its own governance chain, permission
// service, event bus, or audit executor, since those are shared singletons
// across every plugin's runtime.
func NewManager(chain *governance.Chain, perm *permission.Service, events *eventbus.Bus, auditExec *audit.Executor, maxDying int) *Manager {
	return &Manager{
		Governance: chain,
		Permission: perm,
		Events:     events,
		Audit:      auditExec,
		maxDying:   maxDying,
	}
}

// Get returns the runtime for pluginID, or false if not installed.
func (m *Manager) Get(pluginID string) (*runtime.Runtime, bool) {
	v, ok := m.runtimes.Load(pluginID)
	if !ok {
		return nil, false
	}
	return v.(*runtime.Runtime), true
}

// List returns plugin ids in installation order.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Install creates a new Runtime for def (if one doesn't already exist),
// installs inst as its default instance, and publishes InstanceReady.
// A plugin already in the catalog is rejected, matching the "one runtime
// per plugin" ownership invariant.
func (m *Manager) Install(def *manifest.Definition, c container.Container) (*runtime.Runtime, error) {
	if _, exists := m.Get(def.ID); exists {
		return nil, kernelerrors.New(kernelerrors.CodePluginInstallFailure, def.ID, "Install",
			fmt.Sprintf("plugin %s is already installed", def.ID), nil)
	}

	rt := runtime.New(def.ID, m.maxDying)
	inst := container.NewInstance(def, c, labelsFromDefinition(def))
	rt.Install(def, inst)

	m.runtimes.Store(def.ID, rt)
	m.mu.Lock()
	m.order = append(m.order, def.ID)
	m.mu.Unlock()

	m.Events.Publish(eventbus.Event{Type: eventbus.EventInstanceReady, PluginID: def.ID})
	return rt, nil
}

// InstallBatch installs every definition/container pair in dependency
// order: a plugin is only installed after every plugin it declares a
// dependency on. Grounded on the teacher's DFS-with-levels topological
// sort; a dependency cycle is reported as an error without installing
// anything.
func (m *Manager) InstallBatch(items map[*manifest.Definition]container.Container) error {
	ordered, err := topologicalSort(items)
	if err != nil {
		return err
	}
	for _, item := range ordered {
		if _, err := m.Install(item.def, item.ctr); err != nil {
			return err
		}
	}
	return nil
}

// Reload performs blue/green promotion: installs inst2 as the new default
// for an already-installed plugin, retiring the previous default through
// the pool's dying queue. If a previous default existed, the runtime
// schedules its drained destruction (periodic cleanupIdle, then a bounded
// forceCleanupAll) in the background; destroyFn is invoked exactly once
// when that retired instance is actually destroyed.
func (m *Manager) Reload(pluginID string, inst2 *container.Instance, destroyFn func(*container.Instance)) error {
	rt, ok := m.Get(pluginID)
	if !ok {
		return kernelerrors.New(kernelerrors.CodePluginNotFound, pluginID, "Reload", "plugin not installed", nil)
	}
	previous := rt.Reload(inst2, func(inst *container.Instance) {
		m.Events.Publish(eventbus.Event{Type: eventbus.EventInstanceDestroyed, PluginID: pluginID})
		if destroyFn != nil {
			destroyFn(inst)
		}
	})
	if previous != nil {
		m.Events.Publish(eventbus.Event{Type: eventbus.EventInstanceDying, PluginID: pluginID})
	}
	m.Events.Publish(eventbus.Event{Type: eventbus.EventInstanceReady, PluginID: pluginID})
	return nil
}

// Canary installs inst as a non-default instance labeled for canary
// routing, alongside the existing default — spec.md's canary(pluginId,
// percent, version) ops-surface operation, minus the percent knob, which
// the Service Routing Proxy's weighted router reads from the instance's
// own trafficWeight property instead of a side channel.
func (m *Manager) Canary(pluginID string, inst *container.Instance) error {
	rt, ok := m.Get(pluginID)
	if !ok {
		return kernelerrors.New(kernelerrors.CodePluginNotFound, pluginID, "Canary", "plugin not installed", nil)
	}
	if !rt.Pool().CanAddInstance() && rt.Pool().DyingLen() > 0 {
		klog.Helper().Warnw("msg", "dying queue near capacity during canary deploy", "plugin", pluginID)
	}
	rt.Pool().Add(inst, false)
	return nil
}

// Uninstall begins graceful shutdown: transitions to STOPPING, force-
// shuts-down the pool, removes the plugin's permission grants and event
// subscriptions, and drops it from the catalog.
func (m *Manager) Uninstall(pluginID string, destroyFn func(*container.Instance)) error {
	rt, ok := m.Get(pluginID)
	if !ok {
		return kernelerrors.New(kernelerrors.CodePluginNotFound, pluginID, "Uninstall", "plugin not installed", nil)
	}

	m.Events.Publish(eventbus.Event{Type: eventbus.EventRuntimeShuttingDown, PluginID: pluginID})
	rt.BeginStop()
	rt.ForceShutdown(func(inst *container.Instance) {
		m.Events.Publish(eventbus.Event{Type: eventbus.EventInstanceDestroyed, PluginID: pluginID})
		if destroyFn != nil {
			destroyFn(inst)
		}
	})

	m.Permission.RemovePlugin(pluginID)
	m.Events.RemovePlugin(pluginID)
	m.runtimes.Delete(pluginID)
	if m.kernel != nil {
		m.kernel.Forget(pluginID)
	}

	m.mu.Lock()
	m.order = removeString(m.order, pluginID)
	m.mu.Unlock()

	m.Events.Publish(eventbus.Event{Type: eventbus.EventRuntimeShutdown, PluginID: pluginID})
	return nil
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

func labelsFromDefinition(def *manifest.Definition) map[string]string {
	if !def.IsCanary() {
		return nil
	}
	return map[string]string{"env": "canary"}
}

// topologicalSort orders plugins so every dependency is installed before
// its dependents, grounded on the teacher's DFS-with-levels algorithm
// (app/plugin_manager.go TopologicalSort): a temp-marked node revisited
// mid-DFS means a cycle.
func topologicalSort(items map[*manifest.Definition]container.Container) ([]pluginWithLevel, error) {
	defByID := make(map[string]*manifest.Definition, len(items))
	ctrByID := make(map[string]container.Container, len(items))
	for def, c := range items {
		defByID[def.ID] = def
		ctrByID[def.ID] = c
	}

	visited := make(map[string]bool)
	inProgress := make(map[string]bool)
	levels := make(map[string]int)
	var result []pluginWithLevel

	var visit func(id string) error
	visit = func(id string) error {
		if inProgress[id] {
			return fmt.Errorf("kernel: cyclic plugin dependency detected involving %s", id)
		}
		if visited[id] {
			return nil
		}
		def, known := defByID[id]
		if !known {
			return nil // optional/external dependency not part of this batch
		}

		inProgress[id] = true
		maxLevel := -1
		for _, dep := range def.Dependencies {
			if err := visit(dep.ID); err != nil {
				return err
			}
			if levels[dep.ID] > maxLevel {
				maxLevel = levels[dep.ID]
			}
		}
		inProgress[id] = false
		visited[id] = true
		levels[id] = maxLevel + 1

		result = append(result, pluginWithLevel{
			def:   def,
			ctr:   ctrByID[id],
			level: levels[id],
		})
		return nil
	}

	ids := make([]string, 0, len(defByID))
	for id := range defByID {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic visit order for reproducible level ties
	for _, id := range ids {
		if err := visit(id); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(result, func(i, j int) bool { return result[i].level < result[j].level })
	return result, nil
}
