package artifact

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// WriteRecords writes a node type's record batch as a single artifact,
// overwriting any prior artifact for the same node type.
func WriteRecords(dir, fileType, nodeType string, records []map[string]any) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("artifact: mkdir %s: %w", dir, err)
	}

	path := PathFor(dir, fileType, nodeType)
	switch fileType {
	case "json":
		if err := writeJSON(path, records); err != nil {
			return "", err
		}
	default:
		if err := writeTSV(path, records); err != nil {
			return "", err
		}
	}
	return path, nil
}

func writeJSON(path string, records []map[string]any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("artifact: create %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("artifact: encode %s: %w", path, err)
	}
	return nil
}

func writeTSV(path string, records []map[string]any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("artifact: create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = '\t'

	columns := columnsOf(records)
	if err := w.Write(columns); err != nil {
		return fmt.Errorf("artifact: write header: %w", err)
	}

	row := make([]string, len(columns))
	for _, rec := range records {
		for i, c := range columns {
			row[i] = cellString(rec[c])
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("artifact: write row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("artifact: flush %s: %w", filepath.Base(path), err)
	}
	return nil
}

// columnsOf returns the union of record keys in sorted order so artifacts are
// byte-stable for identical inputs.
func columnsOf(records []map[string]any) []string {
	set := map[string]struct{}{}
	for _, r := range records {
		for k := range r {
			set[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func cellString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case json.Number:
		return t.String()
	case []string:
		out := ""
		for i, s := range t {
			if i > 0 {
				out += "|"
			}
			out += s
		}
		return out
	default:
		return fmt.Sprint(t)
	}
}
