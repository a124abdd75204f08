// Package runtime implements the per-plugin Plugin Runtime (C5): the
// INSTALLED/LOADED/ACTIVE/STOPPING/UNINSTALLED state machine, one Pool,
// the label/weight routing policy, and traffic stats.
package runtime

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/go-lynx/kernel/container"
	"github.com/go-lynx/kernel/manifest"
	"github.com/go-lynx/kernel/pool"
)

// Status is the plugin lifecycle state (spec.md §4.5).
type Status int32

const (
	StatusInstalled Status = iota
	StatusLoaded
	StatusActive
	StatusStopping
	StatusUninstalled
)

func (s Status) String() string {
	switch s {
	case StatusInstalled:
		return "INSTALLED"
	case StatusLoaded:
		return "LOADED"
	case StatusActive:
		return "ACTIVE"
	case StatusStopping:
		return "STOPPING"
	case StatusUninstalled:
		return "UNINSTALLED"
	default:
		return "UNKNOWN"
	}
}

// DefaultGracePeriod is how long STOPPING drains inflight calls before
// forceCleanupAll runs.
const DefaultGracePeriod = 30 * time.Second

// DefaultDyingCheckInterval is how often a retired instance's inflight
// count is polled while draining, both during ForceShutdown and after a
// Reload swap (spec.md §4.9's dyingCheckInterval).
const DefaultDyingCheckInterval = 5 * time.Second

// ErrNotActive reports that a plugin is not in StatusActive. No method of
// Runtime returns it: routing does not consult the status.
var ErrNotActive = errors.New("runtime: plugin is not active")

// Runtime is the per-plugin lifecycle owner: spec.md's PluginRuntime.
type Runtime struct {
	PluginID          string
	GracePeriod       time.Duration
	DyingCheckInterval time.Duration

	mu         sync.RWMutex
	status     Status
	pool       *pool.Pool
	createdAt  time.Time

	stats TrafficStats
}

// New creates a runtime in INSTALLED state with a fresh pool.
func New(pluginID string, maxDying int) *Runtime {
	return &Runtime{
		PluginID:           pluginID,
		GracePeriod:        DefaultGracePeriod,
		DyingCheckInterval: DefaultDyingCheckInterval,
		status:             StatusInstalled,
		pool:               pool.New(maxDying),
		createdAt:          time.Now(),
	}
}

func (r *Runtime) Pool() *pool.Pool { return r.pool }

func (r *Runtime) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *Runtime) setStatus(s Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// Install transitions INSTALLED->LOADED and registers inst as the default
// instance. def is accepted for signature parity with spec.md and is not
// read; code material is consumed by the isolation/manifest layers before
// Install is called.
func (r *Runtime) Install(def *manifest.Definition, inst *container.Instance) {
	r.pool.Add(inst, true)
	r.setStatus(StatusLoaded)
}

// Activate transitions LOADED->ACTIVE. The status is informational:
// SelectInstance routes to READY instances whatever the runtime's status,
// so a LOADED or STOPPING runtime still admits invocations.
func (r *Runtime) Activate() {
	r.setStatus(StatusActive)
}

// Deactivate transitions ACTIVE->LOADED.
func (r *Runtime) Deactivate() {
	r.setStatus(StatusLoaded)
}

// Reload installs inst2 as the new default (blue/green promotion), moving
// the previous default to the dying queue. If there was a previous
// default, Reload schedules its drained cleanup asynchronously so the
// caller is never blocked on another plugin version's inflight calls
// finishing (spec.md §4.9): destroyFn is invoked exactly once per
// destroyed instance, same as ForceShutdown's contract.
func (r *Runtime) Reload(inst2 *container.Instance, destroyFn func(*container.Instance)) (previous *container.Instance) {
	previous = r.pool.Add(inst2, true)
	if previous != nil {
		r.pool.MoveToDying(previous)
		go r.drainDyingQueue(destroyFn)
	}
	return previous
}

// BeginStop transitions ACTIVE/LOADED->STOPPING. Callers drain inflight
// calls for up to GracePeriod, then call ForceShutdown.
func (r *Runtime) BeginStop() {
	r.setStatus(StatusStopping)
}

// ForceShutdown moves every active instance to dying, drains inflight
// calls for up to GracePeriod (spec.md §4.5's STOPPING drain), then
// force-destroys whatever remains and marks the runtime UNINSTALLED.
// destroyFn is invoked exactly once per destroyed instance.
func (r *Runtime) ForceShutdown(destroyFn func(*container.Instance)) {
	r.pool.Shutdown()
	r.drainDyingQueue(destroyFn)
	r.setStatus(StatusUninstalled)
}

// drainDyingQueue polls CleanupIdle every DyingCheckInterval until the
// dying queue empties or GracePeriod elapses, then ForceCleanupAll
// destroys any stragglers regardless of inflight count. Shared by
// ForceShutdown (synchronous) and Reload (spawned as a goroutine so a
// blue/green swap never blocks on the retired instance's inflight calls).
func (r *Runtime) drainDyingQueue(destroyFn func(*container.Instance)) {
	interval := r.DyingCheckInterval
	if interval <= 0 {
		interval = DefaultDyingCheckInterval
	}
	gracePeriod := r.GracePeriod
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	deadline := time.Now().Add(gracePeriod)

	r.pool.CleanupIdle(destroyFn)
	for r.pool.DyingLen() > 0 && time.Now().Before(deadline) {
		time.Sleep(interval)
		r.pool.CleanupIdle(destroyFn)
	}
	r.pool.ForceCleanupAll(destroyFn)
}

// SelectInstance implements spec.md §4.5's routing policy.
func (r *Runtime) SelectInstance(labels map[string]string) (*container.Instance, bool) {
	candidates := readyInstances(r.pool.Active())
	if len(candidates) == 0 {
		return nil, false
	}

	var chosen *container.Instance
	if len(labels) == 0 {
		chosen = selectNoLabel(candidates)
	} else {
		chosen = selectByLabels(candidates, labels)
		if chosen == nil {
			if d := r.pool.Default(); d != nil && d.State() == container.StateReady {
				chosen = d
			} else {
				return nil, false
			}
		}
	}
	if chosen == nil {
		return nil, false
	}

	r.recordDispatch(chosen)
	return chosen, true
}

func readyInstances(all []*container.Instance) []*container.Instance {
	out := make([]*container.Instance, 0, len(all))
	for _, inst := range all {
		if inst.State() == container.StateReady {
			out = append(out, inst)
		}
	}
	return out
}

func selectNoLabel(candidates []*container.Instance) *container.Instance {
	if len(candidates) == 1 {
		return candidates[0]
	}
	total := 0
	weights := make([]int, len(candidates))
	for i, inst := range candidates {
		w := inst.Definition.TrafficWeight()
		if w <= 0 {
			w = 100
		}
		weights[i] = w
		total += w
	}
	if total == 0 {
		return candidates[0]
	}
	r := rand.Intn(total)
	for i, w := range weights {
		if r < w {
			return candidates[i]
		}
		r -= w
	}
	return candidates[len(candidates)-1]
}

// selectByLabels scores each candidate: +10 per exact key/value match; a
// candidate that has the key but a different value is rejected outright.
// Returns the highest-scoring candidate, ties broken by insertion order
// (candidates is already in pool insertion order).
func selectByLabels(candidates []*container.Instance, labels map[string]string) *container.Instance {
	var best *container.Instance
	bestScore := -1
	for _, inst := range candidates {
		score, rejected := scoreLabels(inst.Labels, labels)
		if rejected {
			continue
		}
		if score > bestScore {
			bestScore = score
			best = inst
		}
	}
	return best
}

func scoreLabels(instanceLabels, requestLabels map[string]string) (score int, rejected bool) {
	for k, v := range requestLabels {
		iv, has := instanceLabels[k]
		if !has {
			continue
		}
		if iv != v {
			return 0, true
		}
		score += 10
	}
	return score, false
}

func (r *Runtime) recordDispatch(chosen *container.Instance) {
	r.stats.Total.Inc()
	if d := r.pool.Default(); d == chosen {
		r.stats.Stable.Inc()
	} else {
		r.stats.Canary.Inc()
	}
}

// Stats returns a point-in-time snapshot of traffic counters.
func (r *Runtime) Stats() (total, stable, canary int64, windowStart time.Time) {
	return r.stats.Total.Load(), r.stats.Stable.Load(), r.stats.Canary.Load(), r.stats.windowStart()
}

// ResetStats zeroes the counters and restarts the window.
func (r *Runtime) ResetStats() {
	r.stats.Reset()
}

func (r *Runtime) CreatedAt() time.Time { return r.createdAt }

// HealthReport is the instance-state and traffic-stats rollup returned by
// Health.
type HealthReport struct {
	PluginID     string
	Status       Status
	ActiveCount  int
	DyingCount   int
	HasDefault   bool
	Total        int64
	Stable       int64
	Canary       int64
	WindowStart  time.Time
	CreatedAt    time.Time
}

// Health folds instance state and traffic stats into a single point-in-time
// report for the health/metrics surface: how many instances are active,
// how many are draining, whether a default is currently routable, and the
// traffic split between the stable and canary instances.
func (r *Runtime) Health() HealthReport {
	total, stable, canary, windowStart := r.Stats()
	return HealthReport{
		PluginID:    r.PluginID,
		Status:      r.Status(),
		ActiveCount: len(r.pool.Active()),
		DyingCount:  r.pool.DyingLen(),
		HasDefault:  r.pool.Default() != nil,
		Total:       total,
		Stable:      stable,
		Canary:      canary,
		WindowStart: windowStart,
		CreatedAt:   r.createdAt,
	}
}
