package governance

import (
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultPatchPath matches spec.md §6's governance-patch persistence
// location.
const DefaultPatchPath = "./config/ling-governance-patch.yml"

// PatchRegistry is the P1 dynamic patch layer: a file-backed
// map<pluginId, Policy>, read on load and written full-replace with an
// atomic rename. It is safe for concurrent reads; writers must hold the
// single-writer discipline spec.md calls for (callers should serialize
// UpdatePatch calls through the Manager, not call it from multiple
// goroutines directly).
type PatchRegistry struct {
	mu       sync.RWMutex
	path     string
	policies map[string]Policy
}

// NewPatchRegistry loads path if it exists; a missing file is not an error,
// it just means no patches are active yet.
func NewPatchRegistry(path string) (*PatchRegistry, error) {
	if path == "" {
		path = DefaultPatchPath
	}
	r := &PatchRegistry{path: path, policies: make(map[string]Policy)}
	if err := r.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return r, nil
}

func (r *PatchRegistry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}
	var doc map[string]Policy
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if doc == nil {
		doc = make(map[string]Policy)
	}
	r.policies = doc
	return nil
}

// Policy implements PolicySource.
func (r *PatchRegistry) Policy(pluginID string) (Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[pluginID]
	return p, ok
}

// Get returns the raw patch policy for ops surfaces
// (governance.getPatch(pluginId)).
func (r *PatchRegistry) Get(pluginID string) (Policy, bool) {
	return r.Policy(pluginID)
}

// Update replaces the patch policy for one plugin and persists the full
// table via an atomic rename (governance.updatePatch(pluginId, policy)).
func (r *PatchRegistry) Update(pluginID string, policy Policy) error {
	r.mu.Lock()
	r.policies[pluginID] = policy
	snapshot := make(map[string]Policy, len(r.policies))
	for k, v := range r.policies {
		snapshot[k] = v
	}
	r.mu.Unlock()

	return writeAtomic(r.path, snapshot)
}

// Remove deletes a plugin's patch and persists the change.
func (r *PatchRegistry) Remove(pluginID string) error {
	r.mu.Lock()
	delete(r.policies, pluginID)
	snapshot := make(map[string]Policy, len(r.policies))
	for k, v := range r.policies {
		snapshot[k] = v
	}
	r.mu.Unlock()

	return writeAtomic(r.path, snapshot)
}

func writeAtomic(path string, doc map[string]Policy) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".patch-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
