// Package isolation implements the three-tier code/resource namespace
// (C1): host -> shared-api -> plugin, with parent delegation for a
// whitelisted set of prefixes and child-first resolution otherwise.
package isolation

import (
	"strings"
	"sync"

	"github.com/go-lynx/kernel/kernelerrors"
)

// Tier identifies a Domain's position in the three-tier hierarchy.
type Tier int

const (
	TierHost Tier = iota
	TierSharedAPI
	TierPlugin
)

// Domain is one isolation scope: a symbol table plus a parent pointer.
// Plugin-tier domains have TierPlugin and a parent pointing at the
// singleton shared-API domain; the shared-API domain has TierSharedAPI and
// a parent pointing at the host domain, which has no parent.
type Domain struct {
	tier   Tier
	parent *Domain

	mu     sync.RWMutex
	closed bool
	values map[string]any

	// whitelist holds delegation-whitelist prefixes. Only the shared-API
	// singleton domain (and the host domain above it) ever receive
	// registrations here; the shared-API and plugin-tier domains share
	// their parent's whitelist by reference since it is append-only.
	whitelist *prefixSet
}

// prefixSet is an append-only (except on teardown) set of string prefixes,
// safe for concurrent reads while being extended.
type prefixSet struct {
	mu       sync.RWMutex
	prefixes []string
}

func newPrefixSet(initial ...string) *prefixSet {
	return &prefixSet{prefixes: append([]string(nil), initial...)}
}

func (p *prefixSet) add(prefix string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.prefixes {
		if existing == prefix {
			return
		}
	}
	p.prefixes = append(p.prefixes, prefix)
}

func (p *prefixSet) matches(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// defaultWhitelist names the platform's own built-in delegation prefixes:
// language-runtime core, the platform's public contract namespace, the
// structured-logging facade, structured-data format parsers, and
// aspect/reflection facades the host exposes.
var defaultWhitelist = []string{
	"runtime.",
	"github.com/go-lynx/kernel/contract/",
	"github.com/go-kratos/kratos/v2/log",
	"gopkg.in/yaml",
	"encoding/json",
	"reflect.",
}

// NewHostDomain creates the root of the hierarchy.
func NewHostDomain() *Domain {
	return &Domain{
		tier:      TierHost,
		values:    make(map[string]any),
		whitelist: newPrefixSet(defaultWhitelist...),
	}
}

// NewSharedAPIDomain creates the singleton shared-API tier beneath host.
func (host *Domain) NewSharedAPIDomain() *Domain {
	return &Domain{
		tier:      TierSharedAPI,
		parent:    host,
		values:    make(map[string]any),
		whitelist: host.whitelist,
	}
}

// NewPluginDomain creates a new plugin-tier domain delegating to
// sharedAPI. Each plugin gets its own instance.
func (sharedAPI *Domain) NewPluginDomain() *Domain {
	return &Domain{
		tier:      TierPlugin,
		parent:    sharedAPI,
		values:    make(map[string]any),
		whitelist: sharedAPI.whitelist,
	}
}

// RegisterPrefix adds a namespace prefix to the delegation whitelist.
// Intended to be called on the shared-API domain when a host registers a
// new contract namespace (spec.md §4.1 "Prefixes and sources can be added
// but never removed except on teardown").
func (d *Domain) RegisterPrefix(prefix string) {
	d.whitelist.add(prefix)
}

// Register binds name to value in this domain's own symbol table.
func (d *Domain) Register(name string, value any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return kernelerrors.ErrLoaderClosed
	}
	d.values[name] = value
	return nil
}

// Lookup implements spec.md §4.1's resolution algorithm:
//  1. whitelisted prefix -> delegate to parent only, never fall through
//     to child even on parent failure (prevents type-identity fracture).
//  2. otherwise child-first; fall back to parent on miss.
func (d *Domain) Lookup(name string) (any, error) {
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return nil, kernelerrors.ErrLoaderClosed
	}

	if d.whitelist.matches(name) {
		if d.parent == nil {
			return d.lookupOwn(name)
		}
		return d.parent.Lookup(name)
	}

	if v, err := d.lookupOwn(name); err == nil {
		return v, nil
	}

	if d.parent != nil {
		return d.parent.Lookup(name)
	}
	return nil, kernelerrors.ErrNameNotFound
}

func (d *Domain) lookupOwn(name string) (any, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, kernelerrors.ErrLoaderClosed
	}
	if v, ok := d.values[name]; ok {
		return v, nil
	}
	return nil, kernelerrors.ErrNameNotFound
}

// LookupResources implements the "always child-first, parent results
// appended (deduplicated)" multi-result lookup variant used for resource
// bundles rather than single-symbol lookups.
func (d *Domain) LookupResources(name string) ([]any, error) {
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return nil, kernelerrors.ErrLoaderClosed
	}

	var results []any
	seen := make(map[any]bool)

	if v, err := d.lookupOwn(name); err == nil {
		results = append(results, v)
		seen[v] = true
	}
	if d.parent != nil {
		parentResults, err := d.parent.LookupResources(name)
		if err == nil {
			for _, v := range parentResults {
				if !seen[v] {
					results = append(results, v)
					seen[v] = true
				}
			}
		}
	}
	if len(results) == 0 {
		return nil, kernelerrors.ErrNameNotFound
	}
	return results, nil
}

// Close marks the domain closed; any lookup in progress that already
// passed the closed check completes normally (no blocking on concurrent
// lookups), but every lookup starting afterward fails with LoaderClosed.
// Releasing backing storage is just dropping the symbol map; there are no
// OS-level handles to close in this code-level isolation model.
func (d *Domain) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.values = nil
}

// Closed reports whether Close has been called.
func (d *Domain) Closed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

func (d *Domain) Tier() Tier { return d.tier }
