// Package persona implements the Persona Loader (spec §4.7, C7): runtime
// tool-set swapping while preserving a protected core, plus hot reload of
// the persona directory (SPEC_FULL.md SUPPLEMENTED FEATURES, grounded on
// the teacher's internal/skills/manager.go fsnotify watcher).
package persona

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Definition is a persona YAML document (spec §3 Persona).
type Definition struct {
	Name          string   `yaml:"name"`
	Description   string   `yaml:"description"`
	Modules       []string `yaml:"modules"`
	Persona       string   `yaml:"persona"`
	PersonaAppend string   `yaml:"personaAppend"`
	DefaultSkills []string `yaml:"defaultSkills"`
}

// Load parses a persona YAML file, enforcing strict field decoding the
// way the teacher's config loader does (SPEC_FULL.md AMBIENT STACK
// "Configuration").
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona %s: %w", path, err)
	}
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("parse persona %s: %w", path, err)
	}
	if def.Name == "" {
		return nil, fmt.Errorf("persona %s: missing name", path)
	}
	return &def, nil
}
