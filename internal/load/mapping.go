package load

import (
	"encoding/json"
	"fmt"

	"etl/internal/dictionary"
)

// MappingFromDictionary generates the search-index field mapping from the
// data dictionary: the root node's fields at the top level and every other
// node type as a nested collection.
//
// Type mapping is deliberately coarse: enums and strings become keyword (the
// portal facets on exact values), numeric fields become float, integers long.
func MappingFromDictionary(dict *dictionary.Dictionary, rootNode string) (json.RawMessage, error) {
	root, ok := dict.Node(rootNode)
	if !ok {
		return nil, fmt.Errorf("mapping: root node %q not in dictionary", rootNode)
	}

	props := propertiesFor(root)
	for _, name := range dict.Nodes() {
		if name == root.Name {
			continue
		}
		node, _ := dict.Node(name)
		props[collectionName(name)] = map[string]any{
			"type":       "nested",
			"properties": propertiesFor(node),
		}
	}

	out, err := json.Marshal(map[string]any{
		"mappings": map[string]any{"properties": props},
	})
	if err != nil {
		return nil, fmt.Errorf("mapping: %w", err)
	}
	return out, nil
}

func propertiesFor(node dictionary.Node) map[string]any {
	props := make(map[string]any, len(node.Properties))
	for field, p := range node.Properties {
		props[field] = map[string]any{"type": esType(p)}
	}
	return props
}

func esType(p dictionary.Property) string {
	for _, t := range p.Types {
		switch t {
		case "integer":
			return "long"
		case "number":
			return "float"
		case "boolean":
			return "boolean"
		}
	}
	return "keyword"
}

// collectionName pluralizes a node type the way the portal names nested
// collections ("lab" -> "labs", "medical_history" -> "medical_histories").
func collectionName(node string) string {
	switch {
	case len(node) > 1 && node[len(node)-1] == 'y':
		return node[:len(node)-1] + "ies"
	case len(node) > 0 && node[len(node)-1] == 's':
		return node
	default:
		return node + "s"
	}
}
