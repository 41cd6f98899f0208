package load

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v7"

	"etl/internal/dictionary"
)

// newFakeES starts a fake Elasticsearch endpoint. The product header is
// required by the client's compatibility check.
func newFakeES(t *testing.T, handler http.HandlerFunc) *SearchIndex {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return &SearchIndex{
		Client:    client,
		IndexName: "pcdc_20220808",
		Retry:     RetryPolicy{Budget: 2, Sleep: func(time.Duration) {}},
	}
}

func TestBulkUpsert_SuccessAndItemFailures(t *testing.T) {
	var bulkCalls int32
	s := newFakeES(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/_bulk") {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		atomic.AddInt32(&bulkCalls, 1)
		_, _ = w.Write([]byte(`{
			"errors": true,
			"items": [
				{"index": {"_id": "uuid-1", "status": 200}},
				{"index": {"_id": "uuid-2", "status": 400, "error": {"type": "mapper_parsing_exception"}}}
			]
		}`))
	})

	indexed, failed, err := s.BulkUpsert(context.Background(), []IndexDocument{
		{ID: "uuid-1", Source: map[string]any{"submitter_id": "s1"}},
		{ID: "uuid-2", Source: map[string]any{"submitter_id": "s2"}},
	})
	if err != nil {
		t.Fatalf("BulkUpsert: %v", err)
	}
	if len(indexed) != 1 || indexed[0] != "uuid-1" {
		t.Fatalf("indexed = %v", indexed)
	}
	if ferr, ok := failed["uuid-2"]; !ok || !errors.Is(ferr, ErrPermanent) {
		t.Fatalf("failed = %v", failed)
	}
	if n := atomic.LoadInt32(&bulkCalls); n != 1 {
		t.Fatalf("bulk calls = %d", n)
	}
}

func TestBulkUpsert_MissingIDFailsDocumentOnly(t *testing.T) {
	s := newFakeES(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errors": false, "items": [{"index": {"_id": "uuid-1", "status": 200}}]}`))
	})

	indexed, failed, err := s.BulkUpsert(context.Background(), []IndexDocument{
		{ID: "", Source: map[string]any{"submitter_id": "orphan"}},
		{ID: "uuid-1", Source: map[string]any{"submitter_id": "s1"}},
	})
	if err != nil {
		t.Fatalf("BulkUpsert: %v", err)
	}
	if len(indexed) != 1 {
		t.Fatalf("indexed = %v", indexed)
	}
	if ferr, ok := failed["orphan"]; !ok || !errors.Is(ferr, ErrMissingDocumentID) {
		t.Fatalf("failed = %v", failed)
	}
}

func TestBulkUpsert_TransientRetries(t *testing.T) {
	var bulkCalls int32
	s := newFakeES(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/_bulk") {
			n := atomic.AddInt32(&bulkCalls, 1)
			if n < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{}`))
				return
			}
			_, _ = w.Write([]byte(`{"errors": false, "items": [{"index": {"_id": "uuid-1", "status": 200}}]}`))
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})

	indexed, failed, err := s.BulkUpsert(context.Background(), []IndexDocument{
		{ID: "uuid-1", Source: map[string]any{"a": 1}},
	})
	if err != nil {
		t.Fatalf("BulkUpsert: %v", err)
	}
	if len(indexed) != 1 || len(failed) != 0 {
		t.Fatalf("indexed=%v failed=%v", indexed, failed)
	}
	if n := atomic.LoadInt32(&bulkCalls); n != 3 {
		t.Fatalf("bulk calls = %d", n)
	}
}

func TestEnsureIndex_ExistingIndexTolerated(t *testing.T) {
	s := newFakeES(t, func(w http.ResponseWriter, r *http.Request) {
		// The client probes GET / before the first API call; only the create
		// itself answers already-exists.
		if r.URL.Path == "/" {
			_, _ = w.Write([]byte(`{"version": {"number": "7.17.0"}}`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"type": "resource_already_exists_exception"}}`))
	})

	if err := s.EnsureIndex(context.Background(), nil); err != nil {
		t.Fatalf("EnsureIndex: %v", err)
	}
}

func TestEnsureArrayConfig_WritesArrayDocWithTimestamp(t *testing.T) {
	var arrayDoc map[string]any
	s := newFakeES(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/_doc/") {
			if err := json.NewDecoder(r.Body).Decode(&arrayDoc); err != nil {
				t.Errorf("decode array doc: %v", err)
			}
		}
		_, _ = w.Write([]byte(`{"acknowledged": true}`))
	})

	if err := s.EnsureArrayConfig(context.Background(), "pcdc_20220808", []string{"labs", "medical_histories"}); err != nil {
		t.Fatalf("EnsureArrayConfig: %v", err)
	}

	fields, ok := arrayDoc["array"].([]any)
	if !ok || len(fields) != 2 || fields[0] != "labs" {
		t.Fatalf("array doc = %v", arrayDoc)
	}
	ts, _ := arrayDoc["timestamp"].(string)
	if _, err := time.Parse(time.RFC3339, ts); err != nil {
		t.Fatalf("timestamp %q: %v", ts, err)
	}
}

func TestSwitchAlias_MissingOldAliasTolerated(t *testing.T) {
	var deletes int32
	s := newFakeES(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			atomic.AddInt32(&deletes, 1)
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{}`))
			return
		}
		_, _ = w.Write([]byte(`{"acknowledged": true}`))
	})

	if err := s.SwitchAlias(context.Background(), "pcdc", "old_index", "new_index"); err != nil {
		t.Fatalf("SwitchAlias: %v", err)
	}
	if n := atomic.LoadInt32(&deletes); n != 1 {
		t.Fatalf("delete calls = %d", n)
	}
}

func TestMappingFromDictionary(t *testing.T) {
	d, err := dictionary.Parse([]byte(`{
		"subject.yaml": {"properties": {"submitter_id": {"type": "string"}, "age": {"type": "number"}}},
		"lab.yaml": {"properties": {"lab_result": {"type": "integer"}}},
		"medical_history.yaml": {"properties": {"condition": {"enum": ["a"]}}}
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	raw, err := MappingFromDictionary(d, "subject")
	if err != nil {
		t.Fatalf("MappingFromDictionary: %v", err)
	}

	var m struct {
		Mappings struct {
			Properties map[string]json.RawMessage `json:"properties"`
		} `json:"mappings"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal mapping: %v", err)
	}

	for _, want := range []string{"submitter_id", "age", "labs", "medical_histories"} {
		if _, ok := m.Mappings.Properties[want]; !ok {
			t.Fatalf("mapping missing %q: %v", want, m.Mappings.Properties)
		}
	}
	if strings.Contains(string(raw), `"subjects"`) {
		t.Fatalf("root node should not be nested under itself")
	}
}
