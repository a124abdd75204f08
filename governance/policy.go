// Package governance implements the policy chain of responsibility (C7):
// a declarative Policy per plugin, an ordered chain of Providers that each
// may abstain, and the standard provider's five-level P0-P4 precedence.
package governance

import (
	"path"
	"strings"
	"time"
)

// AccessType is the three-level access model; "delete" from legacy
// declarative rules is normalized to Write (see DESIGN.md Open Questions).
type AccessType int

const (
	AccessRead AccessType = iota + 1
	AccessWrite
	AccessExecute
)

func (a AccessType) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	default:
		return "unknown"
	}
}

// NormalizeAccessType maps legacy/free-form access strings onto the
// three-level model, folding "delete" into "write".
func NormalizeAccessType(s string) AccessType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read":
		return AccessRead
	case "write", "delete":
		return AccessWrite
	case "execute":
		return AccessExecute
	default:
		return AccessExecute
	}
}

// PermissionRule binds a method pattern to a required permission id.
type PermissionRule struct {
	MethodPattern string `yaml:"methodPattern"`
	PermissionID  string `yaml:"permissionId"`
}

// CapabilityRule binds a capability name to its required access level.
type CapabilityRule struct {
	Capability string `yaml:"capability"`
	AccessType string `yaml:"accessType"`
}

// AuditRule controls whether/how calls matching a method pattern are
// audited.
type AuditRule struct {
	MethodPattern string `yaml:"methodPattern"`
	Action        string `yaml:"action"`
	Enabled       bool   `yaml:"enabled"`
}

// Policy is the declarative governance document attached to a plugin,
// either self-declared (P2) or supplied as a patch (P1).
type Policy struct {
	Permissions  []PermissionRule `yaml:"permissions"`
	Capabilities []CapabilityRule `yaml:"capabilities"`
	Audits       []AuditRule      `yaml:"audits"`
}

// PolicyYAML is the wire shape used by manifest/patch-file YAML documents;
// kept distinct from Policy so future document versions can evolve the
// wire format without touching the in-memory type.
type PolicyYAML = Policy

// ToPolicy is a no-op identity conversion kept for call-site clarity at
// manifest parse time.
func (p PolicyYAML) ToPolicy() Policy { return Policy(p) }

// matchPattern implements spec.md's "exact match or trailing-* prefix"
// pattern syntax used by non-host-forced rule layers.
func matchPattern(pattern, method string) bool {
	if pattern == method {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(method, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// matchGlob implements the host-forced (P0) layer's glob syntax, which
// supports `*` anywhere in the pattern, not just a trailing prefix.
func matchGlob(pattern, method string) bool {
	ok, err := path.Match(pattern, method)
	return err == nil && ok
}

// findPermission returns the permission id for the first rule whose
// pattern matches method, or "" if none match.
func findPermission(rules []PermissionRule, method string) (string, bool) {
	for _, r := range rules {
		if matchPattern(r.MethodPattern, method) {
			return r.PermissionID, true
		}
	}
	return "", false
}

func findAudit(rules []AuditRule, method string) (*AuditRule, bool) {
	for i := range rules {
		if matchPattern(rules[i].MethodPattern, method) {
			return &rules[i], true
		}
	}
	return nil, false
}

// Decision is the merged governance outcome for one invocation: the result
// of resolving a Policy against one target method.
type Decision struct {
	RequiredPermission string
	AccessType         AccessType
	AuditEnabled       bool
	AuditAction        string
	Timeout            time.Duration
}

// Floor is the hard default applied after every provider has had a chance
// to answer (spec.md §4.6): never leaves any field unresolved.
var Floor = Decision{
	RequiredPermission: "default:execute",
	AccessType:         AccessExecute,
	AuditEnabled:       false,
	Timeout:            3 * time.Second,
}

// PartialDecision is what a single Provider returns: any subset of fields,
// each with an explicit "did I answer this field" flag so a provider can
// set AuditEnabled=false deliberately without that being mistaken for "no
// opinion".
type PartialDecision struct {
	RequiredPermission *string
	AccessType         *AccessType
	AuditEnabled       *bool
	AuditAction        *string
	Timeout            *time.Duration
}

// resolved tracks, across the chain walk, which fields already have a
// winning (highest-priority) answer so later providers cannot override them.
type resolved struct {
	Decision
	permissionSet bool
	accessSet     bool
	auditSet      bool
	timeoutSet    bool
}

func (r *resolved) apply(p PartialDecision) {
	if p.RequiredPermission != nil && !r.permissionSet {
		r.RequiredPermission = *p.RequiredPermission
		r.permissionSet = true
	}
	if p.AccessType != nil && !r.accessSet {
		r.AccessType = *p.AccessType
		r.accessSet = true
	}
	if p.AuditEnabled != nil && !r.auditSet {
		r.AuditEnabled = *p.AuditEnabled
		if p.AuditAction != nil {
			r.AuditAction = *p.AuditAction
		}
		r.auditSet = true
	}
	if p.Timeout != nil && !r.timeoutSet {
		r.Timeout = *p.Timeout
		r.timeoutSet = true
	}
}

func (r *resolved) complete() bool {
	return r.permissionSet && r.accessSet && r.auditSet && r.timeoutSet
}

func (r *resolved) finalize() Decision {
	d := r.Decision
	if !r.permissionSet {
		d.RequiredPermission = Floor.RequiredPermission
	}
	if !r.accessSet {
		d.AccessType = Floor.AccessType
	}
	if !r.auditSet {
		d.AuditEnabled = Floor.AuditEnabled
	}
	if !r.timeoutSet {
		d.Timeout = Floor.Timeout
	}
	return d
}

func strp(s string) *string             { return &s }
func boolp(b bool) *bool                 { return &b }
func accp(a AccessType) *AccessType      { return &a }
func durp(d time.Duration) *time.Duration { return &d }
