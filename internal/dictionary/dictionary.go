// Package dictionary loads the data dictionary that defines node types and
// their field schemas.
//
// The wire form mirrors the submission system's "_all" dictionary export:
//
//	{ "lab.yaml": { "properties": { "lab_spec_type": { "enum": [...] } } }, ... }
//
// Keys carry a ".yaml" suffix and entries starting with "_" are meta entries,
// not node types.
package dictionary

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Property describes a single field of a node type.
type Property struct {
	// Types holds the JSON-schema type(s). A property can declare several,
	// e.g. ["number", "null"].
	Types []string
	Enum  []string
}

// Node is the field schema for one node type.
type Node struct {
	Name       string
	Properties map[string]Property
	Required   []string
}

// Dictionary is the parsed, read-only node/field schema. It is safe for
// concurrent use once built.
type Dictionary struct {
	nodes map[string]Node

	numberFields map[string]struct{}
	arrayFields  map[string]struct{}
}

// Parse builds a Dictionary from the raw JSON export.
func Parse(raw []byte) (*Dictionary, error) {
	var doc map[string]rawNode
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDictionary, err)
	}

	d := &Dictionary{
		nodes:        make(map[string]Node),
		numberFields: make(map[string]struct{}),
		arrayFields:  make(map[string]struct{}),
	}

	for key, rn := range doc {
		if strings.HasPrefix(key, "_") || len(rn.Properties) == 0 {
			continue
		}
		name := strings.ToLower(strings.TrimSuffix(key, ".yaml"))

		node := Node{
			Name:       name,
			Properties: make(map[string]Property, len(rn.Properties)),
			Required:   rn.Required,
		}
		for field, rp := range rn.Properties {
			p := Property{Types: rp.typeList(), Enum: rp.Enum}
			node.Properties[field] = p

			for _, t := range p.Types {
				switch t {
				case "number", "integer":
					d.numberFields[field] = struct{}{}
				case "array":
					d.arrayFields[field] = struct{}{}
				}
			}
		}
		d.nodes[name] = node
	}

	if len(d.nodes) == 0 {
		return nil, fmt.Errorf("%w: no node types found", ErrMalformedDictionary)
	}
	return d, nil
}

type rawNode struct {
	Properties map[string]rawProperty `json:"properties"`
	Required   []string               `json:"required"`
}

type rawProperty struct {
	Type json.RawMessage `json:"type"`
	Enum []string        `json:"enum"`
}

// typeList normalizes the schema "type" field, which may be a string or a
// list of strings.
func (p rawProperty) typeList() []string {
	if len(p.Type) == 0 {
		if len(p.Enum) > 0 {
			return []string{"string"}
		}
		return nil
	}
	var single string
	if err := json.Unmarshal(p.Type, &single); err == nil {
		return []string{single}
	}
	var many []string
	if err := json.Unmarshal(p.Type, &many); err == nil {
		return many
	}
	return nil
}

// Has reports whether nodeType is defined.
func (d *Dictionary) Has(nodeType string) bool {
	_, ok := d.nodes[strings.ToLower(nodeType)]
	return ok
}

// Node returns the schema for nodeType.
func (d *Dictionary) Node(nodeType string) (Node, bool) {
	n, ok := d.nodes[strings.ToLower(nodeType)]
	return n, ok
}

// Nodes returns every node type name in sorted order.
func (d *Dictionary) Nodes() []string {
	out := make([]string, 0, len(d.nodes))
	for n := range d.nodes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// IsNumberField reports whether field is declared numeric anywhere in the
// dictionary. Field typing is dictionary-wide, matching how the submission
// system coerces values.
func (d *Dictionary) IsNumberField(field string) bool {
	_, ok := d.numberFields[field]
	return ok
}

// IsArrayField reports whether field is declared as an array anywhere in the
// dictionary.
func (d *Dictionary) IsArrayField(field string) bool {
	_, ok := d.arrayFields[field]
	return ok
}

// ArrayFields returns the sorted set of array-typed field names.
func (d *Dictionary) ArrayFields() []string {
	out := make([]string, 0, len(d.arrayFields))
	for f := range d.arrayFields {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
