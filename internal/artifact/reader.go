package artifact

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// ReadOptions controls artifact decoding.
type ReadOptions struct {
	// Encoding names the source charset of TSV artifacts produced by external
	// tools: "utf-8" (default), "latin1", or "windows-1252".
	Encoding string

	// TrimSpace trims cell whitespace. Defaults to true via ReadRecords.
	TrimSpace bool
}

// ReadRecords loads every record from the artifact at path.
//
// TSV values are strings keyed by normalized header name; JSON values keep
// their decoded types. Batches are bounded by the generator's sample cap, so
// records are returned as a slice rather than streamed.
func ReadRecords(ctx context.Context, path, fileType string, opt ReadOptions) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("artifact: open %s: %w", path, err)
	}
	defer f.Close()

	switch fileType {
	case "json":
		return readJSON(f)
	default:
		return readTSV(ctx, f, opt)
	}
}

func readJSON(r io.Reader) ([]map[string]any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var head json.RawMessage
	if err := dec.Decode(&head); err != nil {
		return nil, fmt.Errorf("artifact: parse json: %w", err)
	}

	// A single object (e.g. the project artifact) is one record.
	trimmed := strings.TrimSpace(string(head))
	if strings.HasPrefix(trimmed, "{") {
		var one map[string]any
		if err := decodeNumber(head, &one); err != nil {
			return nil, err
		}
		return []map[string]any{one}, nil
	}

	var many []map[string]any
	if err := decodeNumber(head, &many); err != nil {
		return nil, err
	}
	return many, nil
}

func decodeNumber(raw json.RawMessage, dst any) error {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("artifact: parse json: %w", err)
	}
	return nil
}

func readTSV(ctx context.Context, r io.Reader, opt ReadOptions) ([]map[string]any, error) {
	dr, err := decodeReader(r, opt.Encoding)
	if err != nil {
		return nil, err
	}

	cr := csv.NewReader(dr)
	cr.Comma = '\t'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	hdr, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("artifact: read header: %w", err)
	}
	for i, h := range hdr {
		h = strings.TrimSpace(h)
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		hdr[i] = h
	}

	var out []map[string]any
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("artifact: read row: %w", err)
		}

		row := make(map[string]any, len(hdr))
		for i, h := range hdr {
			if i >= len(rec) || h == "" {
				continue
			}
			v := rec[i]
			if opt.TrimSpace {
				v = strings.TrimSpace(v)
			}
			row[h] = v
		}
		out = append(out, row)
	}
	return out, nil
}

func decodeReader(r io.Reader, encoding string) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "utf-8", "utf8":
		return r, nil
	case "latin1", "iso-8859-1":
		return transform.NewReader(r, charmap.ISO8859_1.NewDecoder()), nil
	case "windows-1252", "cp1252":
		return transform.NewReader(r, charmap.Windows1252.NewDecoder()), nil
	default:
		return nil, fmt.Errorf("artifact: unsupported encoding %q", encoding)
	}
}
