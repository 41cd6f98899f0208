package transform

import (
	"encoding/json"
	"fmt"
	"os"
)

// Rule maps one source field path onto a target field name.
//
// A "collection.field" source expands into a nested link object; a leading
// "*" on the source marks the field required (template export convention).
type Rule struct {
	Source   string `json:"source"`
	Target   string `json:"target,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// NodeMapping is the static mapping table for one node type.
type NodeMapping struct {
	Rules []Rule `json:"rules"`
}

// MappingFile is the on-disk mapping declaration, resolved node type by
// node type.
type MappingFile struct {
	Nodes map[string]NodeMapping `json:"nodes"`
}

// LoadMappingFile loads and validates a JSON mapping file.
func LoadMappingFile(path string) (*MappingFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mappings file: %w", err)
	}

	var mf MappingFile
	if err := json.Unmarshal(b, &mf); err != nil {
		return nil, fmt.Errorf("parse mappings json: %w", err)
	}

	for node, nm := range mf.Nodes {
		for i, r := range nm.Rules {
			if r.Source == "" {
				return nil, fmt.Errorf("mappings: node %s rule %d has empty source", node, i)
			}
		}
	}
	return &mf, nil
}

// LoadManualFields loads the supplementary field map merged into every
// transformed document.
func LoadManualFields(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manual fields file: %w", err)
	}

	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse manual fields json: %w", err)
	}
	return m, nil
}
