package kernel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-lynx/kernel/audit"
	"github.com/go-lynx/kernel/container"
	"github.com/go-lynx/kernel/eventbus"
	"github.com/go-lynx/kernel/governance"
	"github.com/go-lynx/kernel/kernelerrors"
	"github.com/go-lynx/kernel/manifest"
	"github.com/go-lynx/kernel/permission"
)

func newTestKernel(t *testing.T) (*Kernel, *container.Instance) {
	t.Helper()
	chain := governance.NewChain()
	perm := permission.New(false, false)
	bus := eventbus.New(false)
	auditExec := audit.NewExecutor(discardSink{})
	m := NewManager(chain, perm, bus, auditExec, 5)

	def := &manifest.Definition{ID: "cache-plugin", Version: "1.0.0", MainEntry: "x"}
	rt, err := m.Install(def, fakeContainer{})
	if err != nil {
		t.Fatalf("install failed: %v", err)
	}
	inst, _ := rt.SelectInstance(nil)

	k := NewKernel(m, 4, time.Second)
	return k, inst
}

func TestInvokeDispatchesAndReleasesContext(t *testing.T) {
	k, inst := newTestKernel(t)
	ic := AcquireContext()
	ic.TraceID = "t1"
	ic.TargetPluginID = "cache-plugin"
	ic.Operation = "get"
	ic.Args = []any{"key"}

	called := false
	result, err := k.Invoke(context.Background(), inst, ic, func(ctx context.Context, i *container.Instance, c *InvocationContext) (any, error) {
		called = true
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatalf("expected dispatch to be called")
	}
	if result != "ok" {
		t.Fatalf("expected dispatch result to propagate, got %v", result)
	}
	if ic.TraceID != "" || ic.TargetPluginID != "" || ic.Args != nil {
		t.Fatalf("expected Invoke to release the context with its fields reset, got %+v", ic)
	}
}

func TestInvokeRejectsWhenPermissionDenied(t *testing.T) {
	k, inst := newTestKernel(t)
	k.Manager.Governance = governance.NewChain(
		forcedPermission{permissionID: "deny-me"},
	)

	ic := AcquireContext()
	ic.TraceID = "t2"
	ic.CallerPluginID = "other-plugin"
	ic.TargetPluginID = "cache-plugin"
	ic.Operation = "get"

	_, err := k.Invoke(context.Background(), inst, ic, func(ctx context.Context, i *container.Instance, c *InvocationContext) (any, error) {
		t.Fatalf("dispatch should not run when permission is denied")
		return nil, nil
	})
	if !errors.Is(err, kernelerrors.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestInvokeRejectsWhenInstanceNotReady(t *testing.T) {
	k, inst := newTestKernel(t)
	inst.MarkDying()

	ic := AcquireContext()
	ic.TraceID = "t3"
	ic.TargetPluginID = "cache-plugin"
	ic.Operation = "get"

	_, err := k.Invoke(context.Background(), inst, ic, func(ctx context.Context, i *container.Instance, c *InvocationContext) (any, error) {
		t.Fatalf("dispatch should not run against a non-READY instance")
		return nil, nil
	})
	if !errors.Is(err, kernelerrors.ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
}

func TestInvokeTimesOutSlowDispatch(t *testing.T) {
	k, inst := newTestKernel(t)
	k.Manager.Governance = governance.NewChain(fixedTimeout(10 * time.Millisecond))

	ic := AcquireContext()
	ic.TraceID = "t4"
	ic.TargetPluginID = "cache-plugin"
	ic.Operation = "get"

	_, err := k.Invoke(context.Background(), inst, ic, func(ctx context.Context, i *container.Instance, c *InvocationContext) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	if !errors.Is(err, kernelerrors.ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
}

// TestBulkheadIsolatedPerPlugin covers the maintainer-flagged isolation gap
// directly: saturating plugin-a's bulkhead must never block admission for
// plugin-b.
func TestBulkheadIsolatedPerPlugin(t *testing.T) {
	chain := governance.NewChain()
	perm := permission.New(false, false)
	bus := eventbus.New(false)
	auditExec := audit.NewExecutor(discardSink{})
	m := NewManager(chain, perm, bus, auditExec, 5)

	defA := &manifest.Definition{ID: "plugin-a", Version: "1.0.0", MainEntry: "x"}
	defB := &manifest.Definition{ID: "plugin-b", Version: "1.0.0", MainEntry: "x"}
	rtA, _ := m.Install(defA, fakeContainer{})
	rtB, _ := m.Install(defB, fakeContainer{})
	instA, _ := rtA.SelectInstance(nil)
	instB, _ := rtB.SelectInstance(nil)

	k := NewKernel(m, 1, 50*time.Millisecond)

	blockedA := make(chan struct{})
	release := make(chan struct{})
	go func() {
		ic := AcquireContext()
		ic.TargetPluginID = "plugin-a"
		ic.Operation = "get"
		k.Invoke(context.Background(), instA, ic, func(ctx context.Context, i *container.Instance, c *InvocationContext) (any, error) {
			close(blockedA)
			<-release
			return nil, nil
		})
	}()
	<-blockedA
	defer close(release)

	icA2 := AcquireContext()
	icA2.TargetPluginID = "plugin-a"
	icA2.Operation = "get"
	_, errA2 := k.Invoke(context.Background(), instA, icA2, func(ctx context.Context, i *container.Instance, c *InvocationContext) (any, error) {
		t.Fatalf("dispatch should not run: plugin-a's bulkhead is full")
		return nil, nil
	})
	if !errors.Is(errA2, kernelerrors.ErrBulkheadFull) {
		t.Fatalf("expected ErrBulkheadFull for plugin-a, got %v", errA2)
	}

	icB := AcquireContext()
	icB.TargetPluginID = "plugin-b"
	icB.Operation = "get"
	called := false
	_, errB := k.Invoke(context.Background(), instB, icB, func(ctx context.Context, i *container.Instance, c *InvocationContext) (any, error) {
		called = true
		return "ok", nil
	})
	if errB != nil {
		t.Fatalf("unexpected error for plugin-b: %v", errB)
	}
	if !called {
		t.Fatalf("expected plugin-b's dispatch to run despite plugin-a's full bulkhead")
	}
}

// forcedPermission is a test Provider that always demands a permission the
// test's permission.Service never grants.
type forcedPermission struct {
	permissionID string
}

func (f forcedPermission) Order() int { return 0 }
func (f forcedPermission) Resolve(info governance.InvocationInfo) (governance.PartialDecision, bool) {
	perm := f.permissionID
	access := governance.AccessExecute
	return governance.PartialDecision{RequiredPermission: &perm, AccessType: &access}, true
}

type fixedTimeoutProvider struct {
	d time.Duration
}

func (f fixedTimeoutProvider) Order() int { return 0 }
func (f fixedTimeoutProvider) Resolve(info governance.InvocationInfo) (governance.PartialDecision, bool) {
	d := f.d
	return governance.PartialDecision{Timeout: &d}, true
}

func fixedTimeout(d time.Duration) governance.Provider {
	return fixedTimeoutProvider{d: d}
}
