// Package eventbus implements the in-process publish/subscribe half of the
// Audit & Event Bus (C11): synchronous dispatch keyed by event type, with
// subscriptions attributed to a plugin so they can be torn down in bulk on
// uninstall.
package eventbus

import (
	"fmt"
	"sync"

	"github.com/go-lynx/kernel/internal/klog"
)

// EventType names a lifecycle or invocation event (spec.md §4.11).
type EventType string

const (
	EventInstanceReady      EventType = "instance.ready"
	EventInstanceDying      EventType = "instance.dying"
	EventInstanceDestroyed  EventType = "instance.destroyed"
	EventRuntimeShuttingDown EventType = "runtime.shutting_down"
	EventRuntimeShutdown    EventType = "runtime.shutdown"

	EventInvocationStarted   EventType = "invocation.started"
	EventInvocationCompleted EventType = "invocation.completed"
	EventInvocationRejected  EventType = "invocation.rejected"
)

// Event is the payload handed to every listener.
type Event struct {
	Type     EventType
	PluginID string
	Data     map[string]any
}

// Listener handles one event synchronously. A listener should not block for
// long; the bus calls every matching listener on the publisher's goroutine.
type Listener func(Event)

type subscription struct {
	id       uint64
	pluginID string
	listener Listener
}

// Bus is a synchronous, in-process publish/subscribe dispatcher.
type Bus struct {
	mu        sync.RWMutex
	subs      map[EventType][]subscription
	nextID    uint64
	failFast  bool
}

// New creates an empty bus. failFast controls whether a listener panic is
// re-raised after every listener for the event has run (fail-fast option
// from spec.md §4.11); otherwise panics are recovered and logged.
func New(failFast bool) *Bus {
	return &Bus{
		subs:     make(map[EventType][]subscription),
		failFast: failFast,
	}
}

// Subscribe registers listener for eventType, attributed to pluginID, and
// returns a token usable with Unsubscribe.
func (b *Bus) Subscribe(pluginID string, eventType EventType, listener Listener) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, pluginID: pluginID, listener: listener})
	return id
}

// Unsubscribe removes a single subscription by its token.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t, subs := range b.subs {
		for i, s := range subs {
			if s.id == id {
				b.subs[t] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// RemovePlugin unsubscribes every listener attributed to pluginID, called
// on plugin uninstall.
func (b *Bus) RemovePlugin(pluginID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t, subs := range b.subs {
		kept := subs[:0]
		for _, s := range subs {
			if s.pluginID != pluginID {
				kept = append(kept, s)
			}
		}
		b.subs[t] = kept
	}
}

// Publish dispatches event to every listener subscribed to event.Type, on a
// stable snapshot taken under lock. A listener panic is recovered and
// logged so one bad listener never prevents the others from running; if the
// bus was constructed with failFast, the panic is re-raised once every
// listener has been invoked.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	snapshot := append([]subscription(nil), b.subs[event.Type]...)
	b.mu.RUnlock()

	var firstPanic any
	for _, s := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					klog.Helper().Errorw("msg", "event listener panicked",
						"type", event.Type, "plugin", s.pluginID, "panic", fmt.Sprint(r))
					if firstPanic == nil {
						firstPanic = r
					}
				}
			}()
			s.listener(event)
		}()
	}
	if b.failFast && firstPanic != nil {
		panic(firstPanic)
	}
}
