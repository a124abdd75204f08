package governance

import (
	"strings"
	"sync"
	"time"
)

// HostRule is one admin-supplied P0 rule, keyed by (pluginId).(methodPattern)
// where methodPattern supports full glob syntax (spec.md §4.6).
type HostRule struct {
	Pattern     string // "pluginId.methodPattern", methodPattern may glob
	Permission  string
	Access      string
	Timeout     time.Duration
	Audit       bool
	AuditAction string
}

// AnnotationLookup reads declarative permission/audit markers attached to a
// target method and its declaring type (P3). The kernel's plugin layer
// supplies the real implementation; governance only depends on the
// interface so it never needs reflection details.
type AnnotationLookup interface {
	Lookup(pluginID, method string) (PartialDecision, bool)
}

// PolicySource resolves a plugin's currently effective self-declared or
// patched Policy (P1/P2).
type PolicySource interface {
	Policy(pluginID string) (Policy, bool)
}

// StandardProvider implements the five-level P0-P4 precedence inside a
// single chain link, per spec.md §4.6.
type StandardProvider struct {
	mu          sync.RWMutex
	hostRules   []HostRule
	patch       PolicySource // P1: persistent patch registry
	selfPolicy  PolicySource // P2: plugin.definition.governance
	annotations AnnotationLookup // P3
}

// NewStandardProvider wires the four declarative layers. patch/selfPolicy/
// annotations may be nil, in which case that layer always abstains.
func NewStandardProvider(patch, selfPolicy PolicySource, annotations AnnotationLookup) *StandardProvider {
	return &StandardProvider{patch: patch, selfPolicy: selfPolicy, annotations: annotations}
}

// Order places the standard provider first; host configuration can still
// prepend higher-priority providers ahead of it if ever needed.
func (s *StandardProvider) Order() int { return 0 }

// SetHostRules replaces the P0 rule set (host-configuration reload path).
func (s *StandardProvider) SetHostRules(rules []HostRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hostRules = append([]HostRule(nil), rules...)
}

func (s *StandardProvider) Resolve(info InvocationInfo) (PartialDecision, bool) {
	if p, ok := s.resolveHostForced(info); ok {
		return p, true
	}
	if p, ok := s.resolvePatch(info); ok {
		return p, true
	}
	if p, ok := s.resolveSelfDeclared(info); ok {
		return p, true
	}
	if p, ok := s.resolveAnnotations(info); ok {
		return p, true
	}
	return s.resolveInferred(info), true
}

// P0: host-forced rules.
func (s *StandardProvider) resolveHostForced(info InvocationInfo) (PartialDecision, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := info.PluginID + "." + info.Method
	for _, rule := range s.hostRules {
		if matchGlob(rule.Pattern, key) {
			pd := PartialDecision{
				RequiredPermission: strp(rule.Permission),
				AccessType:         accp(NormalizeAccessType(rule.Access)),
				AuditEnabled:       boolp(rule.Audit),
				AuditAction:        strp(rule.AuditAction),
			}
			if rule.Timeout > 0 {
				pd.Timeout = durp(rule.Timeout)
			}
			return pd, true
		}
	}
	return PartialDecision{}, false
}

// P1: dynamic patch registry.
func (s *StandardProvider) resolvePatch(info InvocationInfo) (PartialDecision, bool) {
	if s.patch == nil {
		return PartialDecision{}, false
	}
	policy, ok := s.patch.Policy(info.PluginID)
	if !ok {
		return PartialDecision{}, false
	}
	return resolveFromPolicy(policy, info.Method)
}

// P2: plugin self-declared governance.
func (s *StandardProvider) resolveSelfDeclared(info InvocationInfo) (PartialDecision, bool) {
	if s.selfPolicy == nil {
		return PartialDecision{}, false
	}
	policy, ok := s.selfPolicy.Policy(info.PluginID)
	if !ok {
		return PartialDecision{}, false
	}
	return resolveFromPolicy(policy, info.Method)
}

// P3: code-level annotations (declarative markers on the target method).
func (s *StandardProvider) resolveAnnotations(info InvocationInfo) (PartialDecision, bool) {
	if s.annotations == nil {
		return PartialDecision{}, false
	}
	return s.annotations.Lookup(info.PluginID, info.Method)
}

// P4: inferred from method name, spec.md §4.6 prefix tables.
func (s *StandardProvider) resolveInferred(info InvocationInfo) PartialDecision {
	access := inferAccessType(info.Method)
	permission := strings.ToLower(typeSimpleName(info.PluginID) + ":" + access.String())
	audit := access == AccessWrite || access == AccessExecute
	return PartialDecision{
		RequiredPermission: strp(permission),
		AccessType:         accp(access),
		AuditEnabled:       boolp(audit),
	}
}

var readPrefixes = []string{"get", "find", "query", "list", "select", "count", "check", "is", "has"}
var writePrefixes = []string{"create", "save", "insert", "update", "modify", "delete", "remove", "add", "set"}

func inferAccessType(method string) AccessType {
	lower := strings.ToLower(method)
	for _, p := range readPrefixes {
		if strings.HasPrefix(lower, p) {
			return AccessRead
		}
	}
	for _, p := range writePrefixes {
		if strings.HasPrefix(lower, p) {
			return AccessWrite
		}
	}
	return AccessExecute
}

// typeSimpleName degrades a qualified plugin id ("com.acme.widget") to its
// last path segment, mirroring a Java simple-class-name lookup.
func typeSimpleName(pluginID string) string {
	if i := strings.LastIndexAny(pluginID, "./"); i >= 0 {
		return pluginID[i+1:]
	}
	return pluginID
}

func resolveFromPolicy(policy Policy, method string) (PartialDecision, bool) {
	var pd PartialDecision
	answered := false

	if permID, ok := findPermission(policy.Permissions, method); ok {
		pd.RequiredPermission = strp(permID)
		answered = true
	}
	for _, cap := range policy.Capabilities {
		if matchPattern(cap.Capability, method) {
			pd.AccessType = accp(NormalizeAccessType(cap.AccessType))
			answered = true
			break
		}
	}
	if rule, ok := findAudit(policy.Audits, method); ok {
		pd.AuditEnabled = boolp(rule.Enabled)
		pd.AuditAction = strp(rule.Action)
		answered = true
	}
	return pd, answered
}
