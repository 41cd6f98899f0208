// Package transform maps raw generated records into submission-ready
// documents.
//
// Transform is pure: output depends only on the input record, the static
// mapping table, and the fixed manual-field map. Field typing (number/array
// coercion) follows the dictionary's property declarations.
package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"etl/internal/dictionary"
)

// Document is a transformed record keyed by target field name.
type Document map[string]any

var (
	// ErrUnmappableField marks a record whose required target field has no
	// source value and no manual fallback. Per-record, not fatal to a batch.
	ErrUnmappableField = errors.New("transform: unmappable field")

	// ErrUnknownNodeType means the record's node type is not in the dictionary.
	ErrUnknownNodeType = errors.New("transform: unknown node type")
)

// UnmappableFieldError identifies the record field that could not be mapped.
type UnmappableFieldError struct {
	NodeType string
	Field    string
}

func (e *UnmappableFieldError) Error() string {
	return fmt.Sprintf("transform: node %s: no source or manual value for required field %q", e.NodeType, e.Field)
}

func (e *UnmappableFieldError) Unwrap() error { return ErrUnmappableField }

// Transformer applies per-node-type mapping rules plus the manual-field map.
type Transformer struct {
	Dict     *dictionary.Dictionary
	Mappings map[string]NodeMapping

	// Manual is the fixed supplementary field map merged into every document.
	// On key collision the manual value wins.
	Manual map[string]any
}

// Transform maps one raw record of nodeType into a Document.
func (t *Transformer) Transform(nodeType string, record map[string]any) (Document, error) {
	node, ok := t.Dict.Node(nodeType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNodeType, nodeType)
	}

	rules := t.rulesFor(node)
	doc := make(Document, len(rules)+len(t.Manual))

	for _, rule := range rules {
		if err := t.applyRule(node, rule, record, doc); err != nil {
			return nil, err
		}
	}

	for k, v := range t.Manual {
		doc[k] = v
	}

	return doc, nil
}

// rulesFor returns the configured mapping for the node, or an identity mapping
// derived from the dictionary schema when none is configured.
func (t *Transformer) rulesFor(node dictionary.Node) []Rule {
	if m, ok := t.Mappings[node.Name]; ok && len(m.Rules) > 0 {
		return m.Rules
	}

	required := make(map[string]struct{}, len(node.Required))
	for _, f := range node.Required {
		required[f] = struct{}{}
	}

	fields := make([]string, 0, len(node.Properties))
	for f := range node.Properties {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	rules := make([]Rule, 0, len(fields))
	for _, f := range fields {
		_, req := required[f]
		rules = append(rules, Rule{Source: f, Target: f, Required: req})
	}
	return rules
}

func (t *Transformer) applyRule(node dictionary.Node, rule Rule, record map[string]any, doc Document) error {
	source := rule.Source
	required := rule.Required
	// Template exports mark required fields with a leading "*".
	if strings.HasPrefix(source, "*") {
		source = source[1:]
		required = true
	}

	target := rule.Target
	if target == "" {
		target = source
	}
	target = strings.TrimPrefix(target, "*")

	// Linked fields use the "collection.field" form and expand into a nested
	// object keyed by the collection, e.g. {"subjects": {"submitter_id": id}}.
	if coll, field, ok := strings.Cut(source, "."); ok {
		v, present := record[source]
		if !present || isEmpty(v) {
			if required {
				return t.missing(node.Name, target, doc)
			}
			return nil
		}
		if target == source {
			target = coll
		}
		doc[target] = map[string]any{field: t.coerce(field, v)}
		return nil
	}

	v, present := record[source]
	if !present {
		if required {
			return t.missing(node.Name, target, doc)
		}
		return nil
	}
	if isEmpty(v) {
		if required {
			return t.missing(node.Name, target, doc)
		}
		// Null propagation: a present-but-empty source clears the target.
		doc[target] = nil
		return nil
	}

	doc[target] = t.coerce(source, v)
	return nil
}

// missing records an unmappable field unless the manual map covers the target.
func (t *Transformer) missing(nodeType, target string, doc Document) error {
	if _, ok := t.Manual[target]; ok {
		return nil
	}
	return &UnmappableFieldError{NodeType: nodeType, Field: target}
}

// coerce applies dictionary-driven typing: numeric fields become int64/float64,
// array fields become trimmed string slices split on "|".
func (t *Transformer) coerce(field string, v any) any {
	switch {
	case t.Dict.IsNumberField(field):
		if n, ok := toNum(v); ok {
			return n
		}
		return v
	case t.Dict.IsArrayField(field):
		return toArray(v)
	default:
		if s, ok := v.(string); ok {
			return s
		}
		if n, ok := v.(json.Number); ok {
			return n.String()
		}
		return v
	}
}

// toNum tries int64 first, then float64.
func toNum(v any) (any, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int64:
		return t, true
	case float64:
		return t, true
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, true
		}
		if f, err := t.Float64(); err == nil {
			return f, true
		}
		return nil, false
	case string:
		s := strings.TrimSpace(t)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f, true
		}
		return nil, false
	default:
		return nil, false
	}
}

// toArray splits scalar values on "|" and trims elements. Existing slices are
// passed through with string elements trimmed.
func toArray(v any) []string {
	switch t := v.(type) {
	case []string:
		out := make([]string, len(t))
		for i, s := range t {
			out[i] = strings.TrimSpace(s)
		}
		return out
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, strings.TrimSpace(fmt.Sprint(e)))
		}
		return out
	case string:
		parts := strings.Split(t, "|")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			out = append(out, strings.TrimSpace(p))
		}
		return out
	default:
		return []string{strings.TrimSpace(fmt.Sprint(t))}
	}
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

