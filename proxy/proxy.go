// Package proxy implements the Service Routing Proxy (C9): the single
// entry point through which one plugin calls another. It resolves an
// interface name to a target plugin id, asks that plugin's Runtime for a
// fresh instance on every call (spec.md §9's "proxy holds an id, not an
// object" requirement, which keeps two plugins from pinning each other's
// retired instances alive), and drives the call through the Governance
// Kernel's pipeline.
package proxy

import (
	"context"
	"reflect"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-lynx/kernel/container"
	"github.com/go-lynx/kernel/kernel"
	"github.com/go-lynx/kernel/kernelerrors"
)

// ifaceCacheSize bounds the interface->pluginId resolution cache. A
// deployment with more distinct exposed interfaces than this just pays for
// an extra resolution scan on the evicted entries; correctness never
// depends on a hit.
const ifaceCacheSize = 4096

// Proxy is the Service Routing Proxy. It never stores a *container.Instance
// or a *runtime.Runtime itself; only pluginId strings, looked up fresh
// through the Kernel's Manager on every call.
type Proxy struct {
	kernel *kernel.Kernel
	cache  *lru.Cache[string, string] // interface name -> plugin id
}

// New wires a Proxy against the kernel whose Manager owns every installed
// plugin's catalog entry.
func New(k *kernel.Kernel) *Proxy {
	cache, err := lru.New[string, string](ifaceCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which ifaceCacheSize
		// never is.
		panic(err)
	}
	return &Proxy{kernel: k, cache: cache}
}

// Register binds iface to pluginID in the resolution cache. Hosts call this
// once per exposed interface at install time; Resolve falls back to a
// linear scan when an interface was never registered, so Register is an
// optimization, not a correctness requirement.
func (p *Proxy) Register(iface, pluginID string) {
	p.cache.Add(iface, pluginID)
}

// Invalidate drops every cache entry pointing at pluginID, called by the
// host after Manager.Uninstall so a later call to the same interface name
// re-resolves instead of reusing a dead mapping.
func (p *Proxy) Invalidate(pluginID string) {
	for _, iface := range p.cache.Keys() {
		if v, ok := p.cache.Peek(iface); ok && v == pluginID {
			p.cache.Remove(iface)
		}
	}
}

// resolve returns the plugin id exposing iface, consulting the cache first
// and falling back to a scan over every installed plugin's default
// instance. A scan hit is cached for next time.
func (p *Proxy) resolve(iface string) (string, bool) {
	if pluginID, ok := p.cache.Get(iface); ok {
		return pluginID, true
	}
	for _, pluginID := range p.kernel.Manager.List() {
		rt, ok := p.kernel.Manager.Get(pluginID)
		if !ok {
			continue
		}
		inst := rt.Pool().Default()
		if inst == nil {
			continue
		}
		if _, found := inst.Container.Lookup(iface); found {
			p.cache.Add(iface, pluginID)
			return pluginID, true
		}
	}
	return "", false
}

// Invoke resolves iface to a plugin, selects a live instance by labels
// (nil for the default routing policy), and runs method on the looked-up
// service object through the kernel's full invocation pipeline.
func (p *Proxy) Invoke(ctx context.Context, callerPluginID, iface, method string, labels map[string]string, args ...any) (any, error) {
	pluginID, ok := p.resolve(iface)
	if !ok {
		return nil, kernelerrors.New(kernelerrors.CodeNameNotFound, "", "Invoke",
			"no installed plugin exposes interface "+iface, nil)
	}

	rt, ok := p.kernel.Manager.Get(pluginID)
	if !ok {
		p.Invalidate(pluginID)
		return nil, kernelerrors.New(kernelerrors.CodePluginNotFound, pluginID, "Invoke",
			"resolved plugin id is no longer installed", nil)
	}

	inst, ok := rt.SelectInstance(labels)
	if !ok {
		return nil, kernelerrors.New(kernelerrors.CodeServiceUnavailable, pluginID, "Invoke",
			"no ready instance to route "+iface+"."+method+" to", nil)
	}

	ic := kernel.AcquireContext()
	ic.TraceID = traceID(ctx)
	ic.CallerPluginID = callerPluginID
	ic.TargetPluginID = pluginID
	ic.ResourceType = kernel.ResourceRPC
	ic.ResourceID = iface + ":" + method
	ic.Operation = method
	ic.Args = args
	ic.Labels = labels

	return p.kernel.Invoke(ctx, inst, ic, p.dispatch(iface, method))
}

// traceID prefers the trace id of an OTel span context already attached to
// ctx, so calls already inside a host's distributed trace correlate with
// it; falls back to a fresh random id when ctx carries no trace id.
func traceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.NewString()
}

// dispatch builds the DispatchFunc that looks the interface up on the
// selected instance's container and invokes method via reflection. The
// kernel has already handled permission, bulkhead admission, and the
// instance's READY/inflight bookkeeping by the time this runs.
func (p *Proxy) dispatch(iface, method string) kernel.DispatchFunc {
	return func(ctx context.Context, inst *container.Instance, ic *kernel.InvocationContext) (result any, err error) {
		svc, found := inst.Container.Lookup(iface)
		if !found {
			return nil, kernelerrors.New(kernelerrors.CodeNameNotFound, ic.TargetPluginID, "Invoke",
				"instance no longer exposes interface "+iface, nil)
		}
		return callMethod(ctx, svc, method, ic.Args)
	}
}

// callMethod invokes method on svc by name via reflection, recovering any
// panic (wrong arity, wrong argument type, nil method) into an
// InternalFault rather than crashing the caller's goroutine. A leading
// context.Context argument on the target method is supplied automatically
// when present, matching the teacher's own context-first call convention.
func callMethod(ctx context.Context, svc any, method string, args []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = kernelerrors.Internal("Invoke", kernelerrors.ErrInvalidArgument).WithField("panic", r).WithField("method", method)
		}
	}()

	fn := reflect.ValueOf(svc).MethodByName(method)
	if !fn.IsValid() {
		return nil, kernelerrors.New(kernelerrors.CodeNameNotFound, "", "Invoke",
			"target does not expose method "+method, nil)
	}

	ft := fn.Type()
	in := make([]reflect.Value, 0, len(args)+1)
	if ft.NumIn() > 0 && ft.In(0) == reflect.TypeOf((*context.Context)(nil)).Elem() {
		in = append(in, reflect.ValueOf(ctx))
	}
	for _, a := range args {
		in = append(in, reflect.ValueOf(a))
	}

	out := fn.Call(in)
	return splitResult(out)
}

var errType = reflect.TypeOf((*error)(nil)).Elem()

// splitResult interprets a reflected call's return values under the
// convention every exposed method follows: zero or more result values
// optionally followed by a trailing error.
func splitResult(out []reflect.Value) (any, error) {
	if len(out) == 0 {
		return nil, nil
	}

	last := out[len(out)-1]
	var callErr error
	results := out
	if last.Type().Implements(errType) {
		if !last.IsNil() {
			callErr = last.Interface().(error)
		}
		results = out[:len(out)-1]
	}

	switch len(results) {
	case 0:
		return nil, callErr
	case 1:
		return results[0].Interface(), callErr
	default:
		vals := make([]any, len(results))
		for i, v := range results {
			vals[i] = v.Interface()
		}
		return vals, callErr
	}
}
