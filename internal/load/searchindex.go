package load

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
)

// IndexDocument is one document destined for the search index, keyed by the
// submission-assigned id.
type IndexDocument struct {
	ID     string
	Source map[string]any
}

// SearchIndex loads documents into an Elasticsearch-compatible index with
// idempotent upsert semantics: the same document id overwrites, never
// duplicates.
type SearchIndex struct {
	Client        *elasticsearch.Client
	IndexName     string
	BulkBatchSize int
	Retry         RetryPolicy
	Logger        Logger
}

// SearchIndexConfig configures the search index client.
type SearchIndexConfig struct {
	Addresses []string
	IndexName string

	// Timeout bounds each request to the index; zero means no bound.
	Timeout time.Duration
}

// NewSearchIndex builds a client for the configured addresses.
func NewSearchIndex(cfg SearchIndexConfig) (*SearchIndex, error) {
	esCfg := elasticsearch.Config{Addresses: cfg.Addresses}
	if cfg.Timeout > 0 {
		esCfg.Transport = &http.Transport{ResponseHeaderTimeout: cfg.Timeout}
	}
	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("search index client: %w", err)
	}
	return &SearchIndex{Client: client, IndexName: cfg.IndexName}, nil
}

const indexTotalFieldsLimit = 2000

// EnsureIndex creates the data index with the given mapping. An index that
// already exists is left untouched.
func (s *SearchIndex) EnsureIndex(ctx context.Context, mapping json.RawMessage) error {
	body := map[string]any{
		"settings": map[string]any{
			"number_of_shards":                 1,
			"number_of_replicas":               1,
			"index.mapping.total_fields.limit": indexTotalFieldsLimit,
		},
	}
	if len(mapping) > 0 {
		var m map[string]any
		if err := json.Unmarshal(mapping, &m); err != nil {
			return fmt.Errorf("%w: parse index mapping: %v", ErrPermanent, err)
		}
		for k, v := range m {
			body[k] = v
		}
	}
	return s.createIndex(ctx, s.IndexName, body)
}

// EnsureArrayConfig creates the companion "<index>-array-config" index and
// writes the array-field document the portal's query layer reads.
func (s *SearchIndex) EnsureArrayConfig(ctx context.Context, alias string, arrayFields []string) error {
	index := s.IndexName + "-array-config"
	body := map[string]any{
		"settings": map[string]any{
			"number_of_shards":   1,
			"number_of_replicas": 1,
		},
		"mappings": map[string]any{
			"properties": map[string]any{
				"array":     map[string]any{"type": "keyword"},
				"timestamp": map[string]any{"type": "date"},
			},
		},
	}
	if err := s.createIndex(ctx, index, body); err != nil {
		return err
	}

	doc := map[string]any{
		"array":     arrayFields,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}

	return s.Retry.Do(ctx, "array_config_doc", func(ctx context.Context) error {
		res, err := s.Client.Index(index, bytes.NewReader(raw),
			s.Client.Index.WithContext(ctx),
			s.Client.Index.WithDocumentID(alias),
		)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		return statusErrorFrom(res)
	})
}

func (s *SearchIndex) createIndex(ctx context.Context, index string, body map[string]any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}

	return s.Retry.Do(ctx, "create_index", func(ctx context.Context) error {
		res, err := s.Client.Indices.Create(index,
			s.Client.Indices.Create.WithContext(ctx),
			s.Client.Indices.Create.WithBody(bytes.NewReader(raw)),
		)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		if res.IsError() {
			excerpt := readExcerpt(res.Body)
			if strings.Contains(excerpt, "resource_already_exists_exception") {
				return nil
			}
			return &StatusError{StatusCode: res.StatusCode, Body: excerpt}
		}
		return nil
	})
}

// BulkUpsert indexes documents in batches. Every document must already carry
// its submission-assigned id; a missing id fails that document permanently
// without blocking the rest of the batch.
//
// Returns the ids that were indexed successfully and a map of failed id (or
// submitter key) to failure detail.
func (s *SearchIndex) BulkUpsert(ctx context.Context, docs []IndexDocument) (indexed []string, failed map[string]error, err error) {
	failed = make(map[string]error)

	batchSize := s.BulkBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	pending := make([]IndexDocument, 0, batchSize)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		ok, bad, err := s.bulkBatch(ctx, pending)
		pending = pending[:0]
		if err != nil {
			return err
		}
		indexed = append(indexed, ok...)
		for id, detail := range bad {
			failed[id] = detail
		}
		return nil
	}

	for _, d := range docs {
		if d.ID == "" {
			failed[submitterKey(d)] = ErrMissingDocumentID
			continue
		}
		pending = append(pending, d)
		if len(pending) >= batchSize {
			if err := flush(); err != nil {
				return indexed, failed, err
			}
		}
	}
	if err := flush(); err != nil {
		return indexed, failed, err
	}
	return indexed, failed, nil
}

func (s *SearchIndex) bulkBatch(ctx context.Context, docs []IndexDocument) (ok []string, bad map[string]error, err error) {
	var buf bytes.Buffer
	for _, d := range docs {
		meta, _ := json.Marshal(map[string]any{
			"index": map[string]any{"_index": s.IndexName, "_id": d.ID},
		})
		src, merr := json.Marshal(d.Source)
		if merr != nil {
			return nil, nil, fmt.Errorf("%w: encode document %s: %v", ErrPermanent, d.ID, merr)
		}
		buf.Write(meta)
		buf.WriteByte('\n')
		buf.Write(src)
		buf.WriteByte('\n')
	}

	var resp bulkResponse
	err = s.Retry.Do(ctx, "bulk_upsert", func(ctx context.Context) error {
		resp = bulkResponse{}
		res, err := s.Client.Bulk(bytes.NewReader(buf.Bytes()), s.Client.Bulk.WithContext(ctx))
		if err != nil {
			return err
		}
		defer res.Body.Close()

		if res.IsError() {
			return &StatusError{StatusCode: res.StatusCode, Body: readExcerpt(res.Body)}
		}
		return json.NewDecoder(res.Body).Decode(&resp)
	})
	if err != nil {
		return nil, nil, err
	}

	bad = make(map[string]error)
	for i, item := range resp.Items {
		action := item["index"]
		id := action.ID
		if id == "" && i < len(docs) {
			id = docs[i].ID
		}
		if action.Status >= 400 {
			bad[id] = fmt.Errorf("%w: %s", ErrPermanent, action.errorDetail())
			continue
		}
		ok = append(ok, id)
	}
	return ok, bad, nil
}

// SwitchAlias points alias at newIndex and removes it from oldIndex. A
// missing alias on the old index is tolerated: first cutover has nothing to
// remove.
func (s *SearchIndex) SwitchAlias(ctx context.Context, alias, oldIndex, newIndex string) error {
	if err := s.putAlias(ctx, newIndex, alias); err != nil {
		return err
	}
	if oldIndex == "" {
		return nil
	}
	return s.deleteAlias(ctx, oldIndex, alias)
}

func (s *SearchIndex) putAlias(ctx context.Context, index, alias string) error {
	return s.Retry.Do(ctx, "put_alias", func(ctx context.Context) error {
		res, err := s.Client.Indices.PutAlias([]string{index}, alias,
			s.Client.Indices.PutAlias.WithContext(ctx))
		if err != nil {
			return err
		}
		defer res.Body.Close()
		return statusErrorFrom(res)
	})
}

func (s *SearchIndex) deleteAlias(ctx context.Context, index, alias string) error {
	return s.Retry.Do(ctx, "delete_alias", func(ctx context.Context) error {
		res, err := s.Client.Indices.DeleteAlias([]string{index}, []string{alias},
			s.Client.Indices.DeleteAlias.WithContext(ctx))
		if err != nil {
			return err
		}
		defer res.Body.Close()

		if res.StatusCode == 404 {
			if s.Logger != nil {
				s.Logger.Printf("stage=alias op=delete index=%s alias=%s status=not_found", index, alias)
			}
			return nil
		}
		return statusErrorFrom(res)
	})
}

type bulkResponse struct {
	Errors bool                  `json:"errors"`
	Items  []map[string]bulkItem `json:"items"`
}

type bulkItem struct {
	ID     string          `json:"_id"`
	Status int             `json:"status"`
	Err    json.RawMessage `json:"error"`
}

func (i bulkItem) errorDetail() string {
	if len(i.Err) == 0 {
		return fmt.Sprintf("status %d", i.Status)
	}
	return string(i.Err)
}

func statusErrorFrom(res *esapi.Response) error {
	if !res.IsError() {
		return nil
	}
	return &StatusError{StatusCode: res.StatusCode, Body: readExcerpt(res.Body)}
}

func readExcerpt(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return string(b)
}

func submitterKey(d IndexDocument) string {
	if v, ok := d.Source["submitter_id"].(string); ok && v != "" {
		return v
	}
	return "(unknown)"
}
