package kernel

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/go-lynx/kernel/audit"
	"github.com/go-lynx/kernel/container"
	"github.com/go-lynx/kernel/eventbus"
	"github.com/go-lynx/kernel/governance"
	"github.com/go-lynx/kernel/internal/klog"
	"github.com/go-lynx/kernel/kernelerrors"
)

// DefaultBulkheadMaxConcurrent and DefaultBulkheadAcquireTimeout are the
// host-configuration defaults for the admission-control stage (spec.md §6
// runtime.bulkheadMaxConcurrent / bulkheadAcquireTimeout): each plugin gets
// its own semaphore of this capacity, so one noisy plugin can never starve
// another's admission.
const (
	DefaultBulkheadMaxConcurrent  = 10
	DefaultBulkheadAcquireTimeout = 2 * time.Second
)

// DispatchFunc performs the actual cross-boundary call once every guard has
// passed: policy, permission, bulkhead, and timeout have all cleared.
type DispatchFunc func(ctx context.Context, inst *container.Instance, ic *InvocationContext) (result any, err error)

// Kernel implements the Governance Kernel (C8): the invocation pipeline
// policy -> permission-check -> bulkhead admit -> timeout -> dispatch ->
// audit, shared by every plugin's calls. Invoke uses ic.TraceID as the
// caller set it (the proxy assigns one per call); it neither generates a
// trace id nor tracks nesting depth.
type Kernel struct {
	Manager *Manager

	bulkheadMu     sync.Mutex
	bulkheads      map[string]*semaphore.Weighted // pluginID -> per-plugin admission semaphore
	maxConcurrent  int64
	acquireTimeout time.Duration
}

// NewKernel wires a Kernel against its Manager with the given per-plugin
// bulkhead admission-control limits. Every plugin gets its own semaphore of
// capacity maxConcurrent, created lazily on first invocation.
func NewKernel(manager *Manager, maxConcurrent int64, acquireTimeout time.Duration) *Kernel {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultBulkheadMaxConcurrent
	}
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultBulkheadAcquireTimeout
	}
	k := &Kernel{
		Manager:        manager,
		bulkheads:      make(map[string]*semaphore.Weighted),
		maxConcurrent:  maxConcurrent,
		acquireTimeout: acquireTimeout,
	}
	manager.kernel = k
	return k
}

// bulkheadFor returns pluginID's admission semaphore, creating it on first
// use. Isolating one semaphore per plugin is the entire point of the
// bulkhead pattern (spec.md §4.7 step 4): a plugin that exhausts its own
// capacity never blocks admission for any other plugin.
func (k *Kernel) bulkheadFor(pluginID string) *semaphore.Weighted {
	k.bulkheadMu.Lock()
	defer k.bulkheadMu.Unlock()
	sem, ok := k.bulkheads[pluginID]
	if !ok {
		sem = semaphore.NewWeighted(k.maxConcurrent)
		k.bulkheads[pluginID] = sem
	}
	return sem
}

// Forget drops pluginID's bulkhead so an uninstalled plugin's semaphore
// doesn't linger forever; a reinstall gets a fresh one.
func (k *Kernel) Forget(pluginID string) {
	k.bulkheadMu.Lock()
	delete(k.bulkheads, pluginID)
	k.bulkheadMu.Unlock()
}

// Invoke runs the full pipeline for one call against inst, selected by the
// Service Routing Proxy. ic must come from AcquireContext; Invoke always
// releases it before returning, satisfying the pooled-context correctness
// requirement from spec.md §5.
func (k *Kernel) Invoke(ctx context.Context, inst *container.Instance, ic *InvocationContext, dispatch DispatchFunc) (result any, err error) {
	defer ReleaseContext(ic)

	start := time.Now()
	k.Manager.Events.Publish(eventbus.Event{
		Type: eventbus.EventInvocationStarted, PluginID: ic.TargetPluginID,
		Data: map[string]any{"trace": ic.TraceID, "resource": ic.ResourceID},
	})

	decision := k.Manager.Governance.Resolve(governance.InvocationInfo{
		PluginID: ic.TargetPluginID,
		Method:   ic.Operation,
	})
	ic.RequiredPermission = decision.RequiredPermission
	ic.AccessType = decision.AccessType
	ic.AuditAction = decision.AuditAction
	ic.ShouldAudit = decision.AuditEnabled

	if !k.Manager.Permission.IsAllowed(ic.CallerPluginID, ic.RequiredPermission, ic.AccessType) {
		k.reject(ic, kernelerrors.ErrPermissionDenied)
		return nil, kernelerrors.New(kernelerrors.CodePermissionDenied, ic.TargetPluginID, "Invoke",
			"caller lacks required permission "+ic.RequiredPermission, nil)
	}

	if !inst.TryEnter() {
		k.reject(ic, kernelerrors.ErrServiceUnavailable)
		return nil, kernelerrors.New(kernelerrors.CodeServiceUnavailable, ic.TargetPluginID, "Invoke",
			"target instance is not READY", nil)
	}
	defer inst.Exit()

	bulkhead := k.bulkheadFor(ic.TargetPluginID)
	acquireCtx, cancelAcquire := context.WithTimeout(ctx, k.acquireTimeout)
	defer cancelAcquire()
	if err := bulkhead.Acquire(acquireCtx, 1); err != nil {
		k.reject(ic, kernelerrors.ErrBulkheadFull)
		return nil, kernelerrors.New(kernelerrors.CodeBulkheadFull, ic.TargetPluginID, "Invoke",
			"bulkhead admission timed out", nil)
	}
	defer bulkhead.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, decision.Timeout)
	defer cancel()

	result, dispatchErr := dispatch(callCtx, inst, ic)
	success := dispatchErr == nil
	if callCtx.Err() != nil {
		// The deadline wrapper preempts even a dispatch that returned its own
		// context error, so every deadline-related failure surfaces as the
		// same kernel-level code regardless of what the dispatch func did.
		dispatchErr = kernelerrors.New(kernelerrors.CodeTimedOut, ic.TargetPluginID, "Invoke", "dispatch deadline exceeded", dispatchErr)
		success = false
	}

	k.audit(ic, start, success)
	k.Manager.Events.Publish(eventbus.Event{
		Type: eventbus.EventInvocationCompleted, PluginID: ic.TargetPluginID,
		Data: map[string]any{"trace": ic.TraceID, "success": success},
	})
	return result, dispatchErr
}

func (k *Kernel) reject(ic *InvocationContext, cause error) {
	klog.With("trace", ic.TraceID, "plugin", ic.TargetPluginID).Warnw("msg", "invocation rejected", "reason", cause.Error())
	k.Manager.Events.Publish(eventbus.Event{
		Type: eventbus.EventInvocationRejected, PluginID: ic.TargetPluginID,
		Data: map[string]any{"trace": ic.TraceID, "reason": cause.Error()},
	})
	k.audit(ic, time.Now(), false)
}

func (k *Kernel) audit(ic *InvocationContext, start time.Time, success bool) {
	if !ic.ShouldAudit || k.Manager.Audit == nil {
		return
	}
	k.Manager.Audit.Submit(audit.Record{
		TraceID:         ic.TraceID,
		CallerPluginID:  ic.CallerPluginID,
		Action:          ic.AuditAction,
		Resource:        ic.ResourceID,
		ArgsFingerprint: audit.Fingerprint(ic.Args...),
		DurationNanos:   time.Since(start).Nanoseconds(),
		Success:         success,
	})
}
