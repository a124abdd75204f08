package kernel

import (
	"sync"

	"github.com/go-lynx/kernel/governance"
)

// ResourceType classifies the transport an invocation crossed.
type ResourceType string

const (
	ResourceRPC      ResourceType = "RPC"
	ResourceHTTP     ResourceType = "HTTP"
	ResourceDatabase ResourceType = "DATABASE"
	ResourceCache    ResourceType = "CACHE"
	ResourceIPC      ResourceType = "IPC"
)

// InvocationContext is carried for the lifetime of one call. Go has no
// goroutine-local storage, so unlike the teacher's thread-local pooled
// context, this is an explicit value obtained from a sync.Pool and handed
// down the call stack by the caller (see DESIGN.md Open Question #1). The
// correctness requirement spec.md places on the pooled context — nothing
// may retain a reference past the returning call — is enforced by Kernel.
// Invoke always calling ReleaseContext in a defer before it returns.
type InvocationContext struct {
	TraceID        string
	CallerPluginID string
	TargetPluginID string
	ResourceType   ResourceType
	ResourceID     string // "interface:method"
	Operation      string
	Args           []any

	RequiredPermission string
	AccessType         governance.AccessType
	AuditAction        string
	ShouldAudit        bool

	Labels   map[string]string
	Metadata map[string]any
}

func (c *InvocationContext) reset() {
	c.TraceID = ""
	c.CallerPluginID = ""
	c.TargetPluginID = ""
	c.ResourceType = ""
	c.ResourceID = ""
	c.Operation = ""
	c.Args = nil
	c.RequiredPermission = ""
	c.AccessType = 0
	c.AuditAction = ""
	c.ShouldAudit = false
	c.Labels = nil
	c.Metadata = nil
}

var contextPool = sync.Pool{
	New: func() any { return &InvocationContext{} },
}

// AcquireContext takes a zeroed InvocationContext from the pool.
func AcquireContext() *InvocationContext {
	return contextPool.Get().(*InvocationContext)
}

// ReleaseContext nulls every reference field and returns ctx to the pool.
// Callers must not retain ctx (or any slice/map it held) past this call.
func ReleaseContext(ctx *InvocationContext) {
	ctx.reset()
	contextPool.Put(ctx)
}
