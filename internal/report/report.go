// Package report accumulates per-document load outcomes for a run and
// persists them for targeted re-runs.
package report

import (
	"sync"
	"time"
)

// Status is a per-document load outcome.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Result is one document's outcome with enough detail to support a targeted
// re-run: stage, node type, identifying key, and error kind.
type Result struct {
	RunID       string
	NodeType    string
	Stage       string
	SubmitterID string
	DocumentID  string
	Status      Status
	ErrorKind   string
	Detail      string
	At          time.Time
}

// Report is the run-level accumulation of results. Appends are synchronized:
// node-type pipelines run concurrently and write one completed Result at a
// time.
type Report struct {
	RunID string

	mu      sync.Mutex
	results []Result
	counts  map[Status]int
	byNode  map[string]map[Status]int
}

func New(runID string) *Report {
	return &Report{
		RunID:  runID,
		counts: make(map[Status]int),
		byNode: make(map[string]map[Status]int),
	}
}

// Add records one result.
func (r *Report) Add(res Result) {
	res.RunID = r.RunID
	if res.At.IsZero() {
		res.At = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.results = append(r.results, res)
	r.counts[res.Status]++

	n := r.byNode[res.NodeType]
	if n == nil {
		n = make(map[Status]int)
		r.byNode[res.NodeType] = n
	}
	n[res.Status]++
}

// Counts returns run totals.
func (r *Report) Counts() (success, failed, skipped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[StatusSuccess], r.counts[StatusFailed], r.counts[StatusSkipped]
}

// NodeCounts returns totals for one node type.
func (r *Report) NodeCounts(nodeType string) (success, failed, skipped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.byNode[nodeType]
	return n[StatusSuccess], n[StatusFailed], n[StatusSkipped]
}

// Results returns a copy of all accumulated results.
func (r *Report) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Result, len(r.results))
	copy(out, r.results)
	return out
}

// HasFailures reports whether any result failed.
func (r *Report) HasFailures() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[StatusFailed] > 0
}
