// Package manifest parses and validates the plugin manifest document
// (plugin.yml) into a Definition. Parsing is a pure function over a byte
// slice: no filesystem or network access happens here.
package manifest

import (
	"regexp"
	"strings"

	"github.com/go-lynx/kernel/governance"
	"github.com/go-lynx/kernel/kernelerrors"
	"gopkg.in/yaml.v3"
)

// idPattern matches the spec's plugin id invariant: lowercase letters,
// digits, and hyphens only.
var idPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Dependency names another plugin this one requires, with a minimum
// acceptable version.
type Dependency struct {
	ID         string `yaml:"id"`
	MinVersion string `yaml:"minVersion"`
}

// Definition is the immutable, validated plugin definition. Once Parse
// returns one successfully, none of its fields should be mutated.
type Definition struct {
	ID           string                 `yaml:"id"`
	Version      string                 `yaml:"version"`
	Provider     string                 `yaml:"provider"`
	Description  string                 `yaml:"description"`
	MainEntry    string                 `yaml:"mainEntry"`
	Dependencies []Dependency           `yaml:"dependencies"`
	Governance   governance.Policy      `yaml:"governance"`
	Properties   map[string]any         `yaml:"properties"`
}

// document mirrors the on-disk shape before validation; kept distinct from
// Definition so Parse can validate every field explicitly rather than
// trusting the decoder's zero values.
type document struct {
	ID           string                `yaml:"id"`
	Version      string                `yaml:"version"`
	Provider     string                `yaml:"provider"`
	Description  string                `yaml:"description"`
	MainEntry    string                `yaml:"mainEntry"`
	Dependencies []Dependency          `yaml:"dependencies"`
	Governance   governance.PolicyYAML `yaml:"governance"`
	Properties   map[string]any        `yaml:"properties"`
}

// Parse validates and returns a Definition from manifest source bytes.
// Returns the kernelerrors.ErrManifestMissing sentinel for empty source and
// a KernelError with CodeManifestInvalid for every other failure; never
// performs I/O itself.
func Parse(source []byte) (*Definition, error) {
	if len(source) == 0 {
		return nil, kernelerrors.ErrManifestMissing
	}

	var doc document
	if err := yaml.Unmarshal(source, &doc); err != nil {
		return nil, kernelerrors.Manifest("document", "not valid YAML: "+err.Error())
	}

	if err := validate(&doc); err != nil {
		return nil, err
	}

	return &Definition{
		ID:           doc.ID,
		Version:      doc.Version,
		Provider:     doc.Provider,
		Description:  doc.Description,
		MainEntry:    doc.MainEntry,
		Dependencies: doc.Dependencies,
		Governance:   doc.Governance.ToPolicy(),
		Properties:   doc.Properties,
	}, nil
}

func validate(doc *document) error {
	if strings.TrimSpace(doc.ID) == "" {
		return kernelerrors.Manifest("id", "must be non-empty")
	}
	if !idPattern.MatchString(doc.ID) {
		return kernelerrors.Manifest("id", "must match [a-z0-9-]+")
	}
	if strings.TrimSpace(doc.Version) == "" {
		return kernelerrors.Manifest("version", "must be non-empty")
	}
	if strings.TrimSpace(doc.MainEntry) == "" {
		return kernelerrors.Manifest("mainEntry", "must be non-empty")
	}
	for i, dep := range doc.Dependencies {
		if strings.TrimSpace(dep.ID) == "" {
			return kernelerrors.Manifest("dependencies", "entry has empty id")
		}
		_ = i
	}
	return nil
}

// IsCanary reports whether properties.canary is set to true.
func (d *Definition) IsCanary() bool {
	v, ok := d.Properties["canary"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// TrafficWeight returns properties.trafficWeight, defaulting to 100.
func (d *Definition) TrafficWeight() int {
	v, ok := d.Properties["trafficWeight"]
	if !ok {
		return 100
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 100
	}
}
