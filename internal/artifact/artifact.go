// Package artifact reads and writes the per-node-type record files exchanged
// between the generate and load stages.
//
// TSV artifacts are named "gen3_<node>.tsv" and JSON artifacts "<node>.json",
// matching the layout the generator tool and the submission tooling agree on.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// PathFor returns the artifact path for a node type under dir.
func PathFor(dir, fileType, nodeType string) string {
	switch fileType {
	case "json":
		return filepath.Join(dir, nodeType+".json")
	default:
		return filepath.Join(dir, "gen3_"+nodeType+".tsv")
	}
}

// DiscoverNodeTypes lists node types with an artifact present under dir,
// sorted alphabetically. Used when the run configuration does not name node
// types explicitly.
func DiscoverNodeTypes(dir, fileType string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("artifact: read dir %s: %w", dir, err)
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch fileType {
		case "json":
			if strings.HasSuffix(name, ".json") {
				out = append(out, strings.TrimSuffix(name, ".json"))
			}
		default:
			if strings.HasPrefix(name, "gen3_") && strings.HasSuffix(name, ".tsv") {
				out = append(out, strings.TrimSuffix(strings.TrimPrefix(name, "gen3_"), ".tsv"))
			}
		}
	}

	for i, n := range out {
		out[i] = strings.ToLower(strings.TrimSpace(n))
	}
	sort.Strings(out)
	return out, nil
}

// Remove deletes the artifact for nodeType if present. Removing a missing
// artifact is not an error (clean-slate semantics).
func Remove(dir, fileType, nodeType string) error {
	err := os.Remove(PathFor(dir, fileType, nodeType))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("artifact: remove %s: %w", nodeType, err)
	}
	return nil
}
