// Package permission implements the Permission Service (C12): an in-memory
// per-plugin capability table with a three-level access ordering and a
// dev-mode warn-only override. The ordering mirrors the severity-weight
// pattern the teacher uses to rank conflicts before picking a winner.
package permission

import (
	"strings"
	"sync"

	"github.com/go-lynx/kernel/governance"
	"github.com/go-lynx/kernel/internal/klog"
)

// whitelistedNamespace marks capabilities belonging to the host's public
// contract surface; these are always allowed regardless of the caller's
// granted level.
const whitelistedNamespace = "contract:"

// HostAppPluginID is the reserved caller id the host process itself uses
// when invoking into a plugin directly, bypassing the plugin-to-plugin
// proxy. spec.md §4.7 step 3 exempts this caller from permission checks
// entirely when host governance is disabled.
const HostAppPluginID = "host-app"

// AuditFunc receives every access decision, granted or denied, for
// downstream recording by the audit sink. pluginID is "" for internal
// (nil-caller) checks.
type AuditFunc func(pluginID, capability, operation string, allowed bool)

// Service is the in-memory capability table described by spec.md's
// map<pluginId, map<capability, AccessType>>.
type Service struct {
	mu                    sync.RWMutex
	grants                map[string]map[string]governance.AccessType
	devMode               bool
	hostGovernanceEnabled bool
	onAudit               AuditFunc
}

// New creates an empty permission service. devMode, if true, makes a
// denied check log a warning and return true instead of false.
// hostGovernanceEnabled, if false (the common case), lets the host-app
// caller bypass permission checks entirely (spec.md §4.7 step 3); set it
// true to subject the host's own calls to the same grants as any plugin.
func New(devMode, hostGovernanceEnabled bool) *Service {
	return &Service{
		grants:                make(map[string]map[string]governance.AccessType),
		devMode:               devMode,
		hostGovernanceEnabled: hostGovernanceEnabled,
	}
}

// SetAuditFunc installs the callback invoked after every isAllowed
// decision. Replacing it is not safe to do concurrently with checks.
func (s *Service) SetAuditFunc(fn AuditFunc) {
	s.mu.Lock()
	s.onAudit = fn
	s.mu.Unlock()
}

// Grant records that pluginID holds at least level access to capability.
// A repeated grant for the same capability overwrites the stored level.
func (s *Service) Grant(pluginID, capability string, level governance.AccessType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	caps, ok := s.grants[pluginID]
	if !ok {
		caps = make(map[string]governance.AccessType)
		s.grants[pluginID] = caps
	}
	caps[capability] = level
}

// Revoke removes a single capability grant for pluginID.
func (s *Service) Revoke(pluginID, capability string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if caps, ok := s.grants[pluginID]; ok {
		delete(caps, capability)
		if len(caps) == 0 {
			delete(s.grants, pluginID)
		}
	}
}

// RemovePlugin drops every capability grant for pluginID, called on
// plugin uninstall.
func (s *Service) RemovePlugin(pluginID string) {
	s.mu.Lock()
	delete(s.grants, pluginID)
	s.mu.Unlock()
}

// GetPermission returns the granted level for pluginID/capability, or
// false if no grant exists.
func (s *Service) GetPermission(pluginID, capability string) (governance.AccessType, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	caps, ok := s.grants[pluginID]
	if !ok {
		return 0, false
	}
	lvl, ok := caps[capability]
	return lvl, ok
}

// IsAllowed reports whether pluginID may access capability at required
// level. An empty pluginID (internal caller) and any capability in the
// whitelisted contract namespace are always allowed. Otherwise the
// granted level must be >= required. In devMode, a would-be denial is
// logged and converted to an allow.
func (s *Service) IsAllowed(pluginID, capability string, required governance.AccessType) bool {
	allowed := s.evaluate(pluginID, capability, required)
	if !allowed && s.devMode {
		klog.Helper().Warnw(
			"msg", "permission denied, allowing due to devMode",
			"plugin", pluginID, "capability", capability, "required", required.String(),
		)
		allowed = true
	}
	s.audit(pluginID, capability, "isAllowed", allowed)
	return allowed
}

func (s *Service) evaluate(pluginID, capability string, required governance.AccessType) bool {
	if pluginID == "" {
		return true
	}
	if pluginID == HostAppPluginID && !s.hostGovernanceEnabled {
		return true
	}
	if strings.HasPrefix(capability, whitelistedNamespace) {
		return true
	}
	granted, ok := s.GetPermission(pluginID, capability)
	if !ok {
		return false
	}
	return granted >= required
}

func (s *Service) audit(pluginID, capability, operation string, allowed bool) {
	s.mu.RLock()
	fn := s.onAudit
	s.mu.RUnlock()
	if fn != nil {
		fn(pluginID, capability, operation, allowed)
	}
}

// DevMode reports whether the service was constructed with devMode on.
func (s *Service) DevMode() bool { return s.devMode }

// HostGovernanceEnabled reports whether host-app calls are subject to the
// same permission checks as a plugin's.
func (s *Service) HostGovernanceEnabled() bool { return s.hostGovernanceEnabled }
