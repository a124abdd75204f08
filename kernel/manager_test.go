package kernel

import (
	"testing"
	"time"

	"github.com/go-lynx/kernel/audit"
	"github.com/go-lynx/kernel/container"
	"github.com/go-lynx/kernel/eventbus"
	"github.com/go-lynx/kernel/governance"
	"github.com/go-lynx/kernel/isolation"
	"github.com/go-lynx/kernel/manifest"
	"github.com/go-lynx/kernel/permission"
)

type fakeContainer struct{}

func (fakeContainer) Start(container.PluginContext) error { return nil }
func (fakeContainer) Stop() error                           { return nil }
func (fakeContainer) IsActive() bool                         { return true }
func (fakeContainer) Lookup(string) (any, bool)              { return nil, false }
func (fakeContainer) CodeDomain() *isolation.Domain           { return nil }

type discardSink struct{}

func (discardSink) Write(audit.Record) {}

func newManager() *Manager {
	chain := governance.NewChain()
	perm := permission.New(false, false)
	bus := eventbus.New(false)
	auditExec := audit.NewExecutor(discardSink{})
	return NewManager(chain, perm, bus, auditExec, 5)
}

func TestInstallRegistersRuntime(t *testing.T) {
	m := newManager()
	def := &manifest.Definition{ID: "cache-plugin", Version: "1.0.0", MainEntry: "x"}
	_, err := m.Install(def, fakeContainer{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := m.Get("cache-plugin"); !ok {
		t.Fatalf("expected runtime to be registered")
	}
}

func TestInstallRejectsDuplicate(t *testing.T) {
	m := newManager()
	def := &manifest.Definition{ID: "cache-plugin", Version: "1.0.0", MainEntry: "x"}
	if _, err := m.Install(def, fakeContainer{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.Install(def, fakeContainer{}); err == nil {
		t.Fatalf("expected duplicate install to fail")
	}
}

func TestUninstallRemovesFromCatalog(t *testing.T) {
	m := newManager()
	def := &manifest.Definition{ID: "cache-plugin", Version: "1.0.0", MainEntry: "x"}
	m.Install(def, fakeContainer{})

	if err := m.Uninstall("cache-plugin", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := m.Get("cache-plugin"); ok {
		t.Fatalf("expected plugin removed from catalog")
	}
}

func TestInstallBatchOrdersByDependency(t *testing.T) {
	m := newManager()
	base := &manifest.Definition{ID: "base", Version: "1.0.0", MainEntry: "x"}
	dependent := &manifest.Definition{
		ID: "dependent", Version: "1.0.0", MainEntry: "x",
		Dependencies: []manifest.Dependency{{ID: "base"}},
	}

	err := m.InstallBatch(map[*manifest.Definition]container.Container{
		dependent: fakeContainer{},
		base:      fakeContainer{},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := m.Get("base"); !ok {
		t.Fatalf("expected base installed")
	}
	if _, ok := m.Get("dependent"); !ok {
		t.Fatalf("expected dependent installed")
	}
}

func TestInstallBatchDetectsCycle(t *testing.T) {
	m := newManager()
	a := &manifest.Definition{ID: "a", Version: "1.0.0", MainEntry: "x", Dependencies: []manifest.Dependency{{ID: "b"}}}
	b := &manifest.Definition{ID: "b", Version: "1.0.0", MainEntry: "x", Dependencies: []manifest.Dependency{{ID: "a"}}}

	err := m.InstallBatch(map[*manifest.Definition]container.Container{
		a: fakeContainer{},
		b: fakeContainer{},
	})
	if err == nil {
		t.Fatalf("expected cycle to be detected")
	}
}

func TestCanaryAddsNonDefaultInstance(t *testing.T) {
	m := newManager()
	def := &manifest.Definition{ID: "cache-plugin", Version: "1.0.0", MainEntry: "x"}
	m.Install(def, fakeContainer{})

	canaryDef := &manifest.Definition{ID: "cache-plugin", Version: "2.0.0", MainEntry: "x"}
	canaryInst := container.NewInstance(canaryDef, fakeContainer{}, map[string]string{"env": "canary"})
	if err := m.Canary("cache-plugin", canaryInst); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rt, _ := m.Get("cache-plugin")
	if rt.Pool().Default().Definition.Version != "1.0.0" {
		t.Fatalf("expected default to remain the original version")
	}
	if len(rt.Pool().Active()) != 2 {
		t.Fatalf("expected 2 active instances after canary add")
	}
}

// TestReloadEventuallyDestroysRetiredInstance covers the headline blue/green
// scenario: Reload swaps the default and the prior default, now dying,
// must eventually be destroyed by the background drain without any caller
// ever calling CleanupIdle/ForceCleanupAll directly.
func TestReloadEventuallyDestroysRetiredInstance(t *testing.T) {
	m := newManager()
	def := &manifest.Definition{ID: "cache-plugin", Version: "1.0.0", MainEntry: "x"}
	m.Install(def, fakeContainer{})

	rt, _ := m.Get("cache-plugin")
	rt.GracePeriod = 50 * time.Millisecond
	rt.DyingCheckInterval = 5 * time.Millisecond

	def2 := &manifest.Definition{ID: "cache-plugin", Version: "2.0.0", MainEntry: "x"}
	inst2 := container.NewInstance(def2, fakeContainer{}, nil)

	destroyed := make(chan struct{}, 1)
	if err := m.Reload("cache-plugin", inst2, func(*container.Instance) {
		destroyed <- struct{}{}
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rt.Pool().Default().Definition.Version != "2.0.0" {
		t.Fatalf("expected default swapped to the new version")
	}

	select {
	case <-destroyed:
	case <-time.After(time.Second):
		t.Fatalf("expected retired instance to be destroyed within the grace period")
	}

	deadline := time.Now().Add(time.Second)
	for rt.Pool().DyingLen() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rt.Pool().DyingLen() != 0 {
		t.Fatalf("expected dying queue to drain to empty, got %d", rt.Pool().DyingLen())
	}
}
