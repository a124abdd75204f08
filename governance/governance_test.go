package governance

import (
	"testing"
	"time"
)

func TestInferredAccessType(t *testing.T) {
	cases := map[string]AccessType{
		"getUser":    AccessRead,
		"findOrders": AccessRead,
		"isActive":   AccessRead,
		"createUser": AccessWrite,
		"deleteUser": AccessWrite,
		"run":        AccessExecute,
		"compute":    AccessExecute,
	}
	for method, want := range cases {
		got := inferAccessType(method)
		if got != want {
			t.Errorf("inferAccessType(%q) = %v, want %v", method, got, want)
		}
	}
}

func TestChainPrecedenceMonotonicity(t *testing.T) {
	self := NewSelfPolicySource()
	self.Set("p", Policy{
		Permissions: []PermissionRule{{MethodPattern: "run", PermissionID: "p:run"}},
	})
	sp := NewStandardProvider(nil, self, nil)
	chain := NewChain(sp)

	d1 := chain.Resolve(InvocationInfo{PluginID: "p", Method: "run"})
	if d1.RequiredPermission != "p:run" {
		t.Fatalf("expected self-declared permission to win, got %q", d1.RequiredPermission)
	}

	// Adding a lower-priority (larger order) provider must not change a
	// decision a higher-priority provider already produced.
	low := fakeProvider{order: 100, pd: PartialDecision{RequiredPermission: strp("low:other")}}
	chain2 := NewChain(sp, low)
	d2 := chain2.Resolve(InvocationInfo{PluginID: "p", Method: "run"})
	if d2.RequiredPermission != d1.RequiredPermission {
		t.Fatalf("lower-priority provider changed an already-resolved field: %q vs %q", d2.RequiredPermission, d1.RequiredPermission)
	}
}

func TestHostForcedOverridesEverything(t *testing.T) {
	self := NewSelfPolicySource()
	self.Set("p", Policy{Permissions: []PermissionRule{{MethodPattern: "run", PermissionID: "p:run"}}})
	sp := NewStandardProvider(nil, self, nil)
	sp.SetHostRules([]HostRule{{Pattern: "p.run", Permission: "host:forced", Access: "execute", Timeout: 5 * time.Second}})
	chain := NewChain(sp)

	d := chain.Resolve(InvocationInfo{PluginID: "p", Method: "run"})
	if d.RequiredPermission != "host:forced" {
		t.Fatalf("expected host-forced permission, got %q", d.RequiredPermission)
	}
	if d.Timeout != 5*time.Second {
		t.Fatalf("expected host-forced timeout, got %v", d.Timeout)
	}
}

func TestFloorAppliesWhenNoProviders(t *testing.T) {
	chain := NewChain()
	d := chain.Resolve(InvocationInfo{PluginID: "p", Method: "run"})
	if d != Floor {
		t.Fatalf("expected floor decision, got %+v", d)
	}
}

func TestDeleteAccessTypeNormalizedToWrite(t *testing.T) {
	if got := NormalizeAccessType("delete"); got != AccessWrite {
		t.Fatalf("expected delete to normalize to write, got %v", got)
	}
}

type fakeProvider struct {
	order int
	pd    PartialDecision
}

func (f fakeProvider) Order() int { return f.order }
func (f fakeProvider) Resolve(InvocationInfo) (PartialDecision, bool) {
	return f.pd, true
}
