package eventbus

import (
	"sync"
	"testing"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New(false)
	var mu sync.Mutex
	var got []string

	b.Subscribe("pluginA", EventInstanceReady, func(e Event) {
		mu.Lock()
		got = append(got, "a:"+e.PluginID)
		mu.Unlock()
	})
	b.Subscribe("pluginB", EventInstanceReady, func(e Event) {
		mu.Lock()
		got = append(got, "b:"+e.PluginID)
		mu.Unlock()
	})

	b.Publish(Event{Type: EventInstanceReady, PluginID: "p1"})

	if len(got) != 2 {
		t.Fatalf("expected 2 listeners invoked, got %d: %v", len(got), got)
	}
}

func TestRemovePluginDropsItsSubscriptions(t *testing.T) {
	b := New(false)
	var called bool
	b.Subscribe("pluginA", EventInstanceReady, func(Event) { called = true })
	b.RemovePlugin("pluginA")

	b.Publish(Event{Type: EventInstanceReady})
	if called {
		t.Fatalf("expected no listener invoked after RemovePlugin")
	}
}

func TestUnsubscribeRemovesOnlyThatListener(t *testing.T) {
	b := New(false)
	var aCalled, bCalled bool
	idA := b.Subscribe("pluginA", EventInstanceReady, func(Event) { aCalled = true })
	b.Subscribe("pluginB", EventInstanceReady, func(Event) { bCalled = true })

	b.Unsubscribe(idA)
	b.Publish(Event{Type: EventInstanceReady})

	if aCalled {
		t.Fatalf("expected unsubscribed listener not invoked")
	}
	if !bCalled {
		t.Fatalf("expected remaining listener invoked")
	}
}

func TestOneBadListenerDoesNotPreventOthers(t *testing.T) {
	b := New(false)
	var secondCalled bool
	b.Subscribe("pluginA", EventInstanceReady, func(Event) { panic("boom") })
	b.Subscribe("pluginB", EventInstanceReady, func(Event) { secondCalled = true })

	b.Publish(Event{Type: EventInstanceReady})
	if !secondCalled {
		t.Fatalf("expected second listener to run despite first panicking")
	}
}

func TestFailFastRepanicsAfterAllListenersRun(t *testing.T) {
	b := New(true)
	var secondCalled bool
	b.Subscribe("pluginA", EventInstanceReady, func(Event) { panic("boom") })
	b.Subscribe("pluginB", EventInstanceReady, func(Event) { secondCalled = true })

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected Publish to repanic in failFast mode")
		}
		if !secondCalled {
			t.Fatalf("expected second listener to have run before repanic")
		}
	}()
	b.Publish(Event{Type: EventInstanceReady})
}
