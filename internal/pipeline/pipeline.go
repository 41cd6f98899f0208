// Package pipeline sequences dictionary resolution, generation, transform and
// load per node type. Node types run as independent bounded-concurrency
// pipelines; one node type failing never blocks the others.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"etl/internal/artifact"
	"etl/internal/config"
	"etl/internal/dictionary"
	"etl/internal/generator"
	"etl/internal/load"
	"etl/internal/metrics"
	"etl/internal/report"
	"etl/internal/transform"
)

// Logger is the minimal logging interface used by the orchestrator.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// State is a node type's position in its pipeline.
type State int

const (
	StatePending State = iota
	StateGenerating
	StateTransforming
	StateLoading
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateGenerating:
		return "generating"
	case StateTransforming:
		return "transforming"
	case StateLoading:
		return "loading"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Submitter is the submission-system surface the orchestrator needs.
// *load.SubmissionClient satisfies this interface.
type Submitter interface {
	CreateProgram(ctx context.Context, name string) error
	CreateProject(ctx context.Context, program string, project map[string]any) error
	SubmitRecords(ctx context.Context, program, project string, docs []transform.Document) ([]load.SubmitResult, error)
}

// Indexer is the search-index surface the orchestrator needs.
// *load.SearchIndex satisfies this interface.
type Indexer interface {
	BulkUpsert(ctx context.Context, docs []load.IndexDocument) (indexed []string, failed map[string]error, err error)
}

// Orchestrator drives per-node-type pipelines against the configured targets.
//
// Submission is required. Index is optional: nil skips the search-index load.
// Store is optional: nil keeps the run report in memory only.
type Orchestrator struct {
	Cfg       config.Run
	Resolver  *dictionary.Resolver
	Generator generator.Generator

	Mappings map[string]transform.NodeMapping
	Manual   map[string]any

	Submission Submitter
	Index      Indexer
	Store      report.Store
	Logger     Logger

	mu     sync.Mutex
	states map[string]State
}

func (o *Orchestrator) logf(format string, v ...any) {
	if o.Logger == nil {
		return
	}
	o.Logger.Printf(format, v...)
}

func (o *Orchestrator) setState(nodeType string, s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.states == nil {
		o.states = make(map[string]State)
	}
	o.states[nodeType] = s
}

// States returns a copy of the per-node-type states.
func (o *Orchestrator) States() map[string]State {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]State, len(o.states))
	for k, v := range o.states {
		out[k] = v
	}
	return out
}

// priorityNodes load before everything else, in this order. The remaining
// node types follow alphabetically.
var priorityNodes = []string{"program", "project", "person", "subject", "timing"}

// OrderNodeTypes returns node types in load order: priority nodes first,
// the rest alphabetical. Input order is otherwise ignored so runs are
// deterministic regardless of TYPES ordering.
func OrderNodeTypes(in []string) []string {
	present := make(map[string]bool, len(in))
	for _, t := range in {
		present[t] = true
	}

	out := make([]string, 0, len(in))
	for _, p := range priorityNodes {
		if present[p] {
			out = append(out, p)
			delete(present, p)
		}
	}

	rest := make([]string, 0, len(present))
	for t := range present {
		rest = append(rest, t)
	}
	sort.Strings(rest)
	return append(out, rest...)
}

// Run executes the full pipeline: resolve dictionary, create program and
// project, then generate+transform+load every configured node type.
//
// Dictionary and program/project failures are fatal for the run. Node-type
// failures are isolated: they mark that node type Failed and the run
// continues. The returned report is complete even under partial failure.
func (o *Orchestrator) Run(ctx context.Context) (*report.Report, error) {
	rep := report.New(uuid.NewString())

	dict, nodeTypes, err := o.prepare(ctx)
	if err != nil {
		return rep, err
	}

	if err := o.bootstrap(ctx); err != nil {
		return rep, err
	}

	tr := &transform.Transformer{Dict: dict, Mappings: o.Mappings, Manual: o.Manual}

	seed := generator.SeedFixed
	if o.Cfg.Random {
		seed = generator.SeedRandom
	}

	err = o.forEachNode(ctx, nodeTypes, func(ctx context.Context, nodeType string) error {
		fetch := func(ctx context.Context) ([]map[string]any, error) {
			o.setState(nodeType, StateGenerating)
			batch, err := o.generate(ctx, dict, nodeType, seed)
			if err != nil {
				return nil, err
			}
			return batch.Records, nil
		}
		o.runNode(ctx, tr, nodeType, "generate", fetch, rep)
		return ctx.Err()
	})
	if err != nil {
		return rep, err
	}

	return rep, o.persist(ctx, rep)
}

// Generate runs dictionary resolution and generation only, leaving the
// artifacts on disk for a later load.
func (o *Orchestrator) Generate(ctx context.Context) error {
	dict, nodeTypes, err := o.prepare(ctx)
	if err != nil {
		return err
	}

	seed := generator.SeedFixed
	if o.Cfg.Random {
		seed = generator.SeedRandom
	}

	var failed int
	var mu sync.Mutex
	err = o.forEachNode(ctx, nodeTypes, func(ctx context.Context, nodeType string) error {
		o.setState(nodeType, StateGenerating)
		if _, err := o.generate(ctx, dict, nodeType, seed); err != nil {
			o.setState(nodeType, StateFailed)
			mu.Lock()
			failed++
			mu.Unlock()
			return ctx.Err()
		}
		o.setState(nodeType, StateDone)
		return ctx.Err()
	})
	if err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("pipeline: generation failed for %d node types", failed)
	}
	return nil
}

// Load runs transform and load for artifacts already on disk. When no node
// types are configured they are discovered from the output directory.
func (o *Orchestrator) Load(ctx context.Context) (*report.Report, error) {
	rep := report.New(uuid.NewString())

	dict, err := o.Resolver.Resolve(ctx, o.Cfg.DictionaryURL)
	if err != nil {
		return rep, err
	}

	nodeTypes := o.Cfg.NodeTypes
	if len(nodeTypes) == 0 {
		nodeTypes, err = artifact.DiscoverNodeTypes(o.Cfg.OutputPath, o.Cfg.FileType)
		if err != nil {
			return rep, err
		}
	}
	nodeTypes = OrderNodeTypes(withoutBootstrapNodes(nodeTypes))

	if err := o.bootstrap(ctx); err != nil {
		return rep, err
	}

	tr := &transform.Transformer{Dict: dict, Mappings: o.Mappings, Manual: o.Manual}

	err = o.forEachNode(ctx, nodeTypes, func(ctx context.Context, nodeType string) error {
		fetch := func(ctx context.Context) ([]map[string]any, error) {
			path := artifact.PathFor(o.Cfg.OutputPath, o.Cfg.FileType, nodeType)
			records, err := artifact.ReadRecords(ctx, path, o.Cfg.FileType, artifact.ReadOptions{TrimSpace: true})
			if err != nil {
				return nil, err
			}
			return o.filterForResume(ctx, nodeType, records)
		}
		o.runNode(ctx, tr, nodeType, "read", fetch, rep)
		return ctx.Err()
	})
	if err != nil {
		return rep, err
	}

	return rep, o.persist(ctx, rep)
}

// filterForResume narrows records to the ones a previous run left failed or
// skipped, per the report store. Without a resume run id (or a store) every
// record loads.
func (o *Orchestrator) filterForResume(ctx context.Context, nodeType string, records []map[string]any) ([]map[string]any, error) {
	if o.Cfg.ResumeRunID == "" || o.Store == nil {
		return records, nil
	}

	keys, err := o.Store.UnfinishedKeys(ctx, o.Cfg.ResumeRunID, nodeType)
	if err != nil {
		return nil, fmt.Errorf("resume run %s: %w", o.Cfg.ResumeRunID, err)
	}
	wanted := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		wanted[k] = struct{}{}
	}

	kept := records[:0]
	for _, rec := range records {
		if _, ok := wanted[submitterID(rec)]; ok {
			kept = append(kept, rec)
		}
	}
	o.logf("stage=resume node_type=%s run_id=%s records=%d of=%d", nodeType, o.Cfg.ResumeRunID, len(kept), len(records))
	return kept, nil
}

// prepare resolves the dictionary and the ordered node-type list shared by
// Run and Generate.
func (o *Orchestrator) prepare(ctx context.Context) (*dictionary.Dictionary, []string, error) {
	dict, err := o.Resolver.Resolve(ctx, o.Cfg.DictionaryURL)
	if err != nil {
		return nil, nil, err
	}

	nodeTypes := o.Cfg.NodeTypes
	if len(nodeTypes) == 0 {
		nodeTypes = dict.Nodes()
	}
	nodeTypes = OrderNodeTypes(withoutBootstrapNodes(nodeTypes))

	for _, t := range nodeTypes {
		o.setState(t, StatePending)
	}
	return dict, nodeTypes, nil
}

// bootstrap creates the program and project records up front. Every other
// node type links back to them, so they load sequentially before any worker
// starts.
func (o *Orchestrator) bootstrap(ctx context.Context) error {
	if err := o.Submission.CreateProgram(ctx, o.Cfg.ProgramName); err != nil {
		return fmt.Errorf("create program %s: %w", o.Cfg.ProgramName, err)
	}

	project := map[string]any{
		"type":                   "project",
		"code":                   o.Cfg.ProjectCode,
		"name":                   o.Cfg.ProjectCode,
		"dbgap_accession_number": o.Cfg.ProjectCode,
	}
	if err := o.Submission.CreateProject(ctx, o.Cfg.ProgramName, project); err != nil {
		return fmt.Errorf("create project %s: %w", o.Cfg.ProjectID(), err)
	}

	o.logf("stage=bootstrap program=%s project=%s", o.Cfg.ProgramName, o.Cfg.ProjectCode)
	return nil
}

// forEachNode runs fn per node type with bounded concurrency. fn returns an
// error only for cancellation; node-level failures are recorded, not
// propagated, so siblings keep running.
func (o *Orchestrator) forEachNode(ctx context.Context, nodeTypes []string, fn func(ctx context.Context, nodeType string) error) error {
	g, gctx := errgroup.WithContext(ctx)

	workers := o.Cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)

	for _, nodeType := range nodeTypes {
		nodeType := nodeType
		g.Go(func() error {
			return fn(gctx, nodeType)
		})
	}
	return g.Wait()
}

func (o *Orchestrator) generate(ctx context.Context, dict *dictionary.Dictionary, nodeType string, seed generator.SeedPolicy) (*generator.Batch, error) {
	start := time.Now()
	batch, err := o.Generator.Generate(ctx, dict, generator.Request{
		Program:    o.Cfg.ProgramName,
		Project:    o.Cfg.ProjectCode,
		NodeType:   nodeType,
		MaxSamples: o.Cfg.MaxSamples,
		Seed:       seed,
		OutputDir:  o.Cfg.OutputPath,
		FileType:   o.Cfg.FileType,
	})
	if err != nil {
		o.logf("stage=generate node_type=%s status=error duration=%s err=%v", nodeType, durMS(start), err)
		observeStage("generate", "error", start)
		return nil, err
	}

	o.logf("stage=generate node_type=%s records=%d duration=%s", nodeType, len(batch.Records), durMS(start))
	observeStage("generate", "ok", start)
	return batch, nil
}

// runNode drives one node type from raw records to loaded documents and
// records its terminal state. fetch supplies the raw records: generation for
// Run, artifact reads for Load.
func (o *Orchestrator) runNode(ctx context.Context, tr *transform.Transformer, nodeType, fetchStage string, fetch func(ctx context.Context) ([]map[string]any, error), rep *report.Report) {
	records, err := fetch(ctx)
	if err != nil {
		rep.Add(report.Result{
			NodeType:  nodeType,
			Stage:     fetchStage,
			Status:    report.StatusFailed,
			ErrorKind: errorKind(err),
			Detail:    err.Error(),
		})
		o.setState(nodeType, StateFailed)
		return
	}

	docs, skipped := o.transformAll(tr, nodeType, records, rep)
	if skipped < 0 {
		o.setState(nodeType, StateFailed)
		return
	}

	o.setState(nodeType, StateLoading)
	failed := o.loadAll(ctx, nodeType, docs, rep)

	if failed > 0 {
		o.setState(nodeType, StateFailed)
	} else {
		o.setState(nodeType, StateDone)
	}
	o.logf("stage=node_done node_type=%s records=%d skipped=%d failed=%d state=%s",
		nodeType, len(records), skipped, failed, o.States()[nodeType])
}

// transformAll maps records to documents, recording unmappable records as
// Skipped and continuing. A node-level transform failure (unknown node type)
// returns (nil, -1).
func (o *Orchestrator) transformAll(tr *transform.Transformer, nodeType string, records []map[string]any, rep *report.Report) ([]transform.Document, int) {
	o.setState(nodeType, StateTransforming)
	start := time.Now()

	docs := make([]transform.Document, 0, len(records))
	skipped := 0
	for _, rec := range records {
		doc, err := tr.Transform(nodeType, rec)
		if err != nil {
			if errors.Is(err, transform.ErrUnmappableField) {
				rep.Add(report.Result{
					NodeType:    nodeType,
					Stage:       "transform",
					SubmitterID: submitterID(rec),
					Status:      report.StatusSkipped,
					ErrorKind:   errorKind(err),
					Detail:      err.Error(),
				})
				skipped++
				continue
			}
			rep.Add(report.Result{
				NodeType:  nodeType,
				Stage:     "transform",
				Status:    report.StatusFailed,
				ErrorKind: errorKind(err),
				Detail:    err.Error(),
			})
			observeStage("transform", "error", start)
			return nil, -1
		}
		docs = append(docs, doc)
	}

	if skipped > 0 {
		metrics.IncCounter("pipeline_records_total", float64(skipped),
			metrics.Labels{"node_type": nodeType, "status": "skipped"})
	}
	o.logf("stage=transform node_type=%s in=%d out=%d skipped=%d duration=%s",
		nodeType, len(records), len(docs), skipped, durMS(start))
	observeStage("transform", "ok", start)
	return docs, skipped
}

// loadAll submits documents in batches, then upserts the submission-assigned
// ids into the search index. Returns the number of failed documents.
func (o *Orchestrator) loadAll(ctx context.Context, nodeType string, docs []transform.Document, rep *report.Report) int {
	if len(docs) == 0 {
		return 0
	}
	start := time.Now()

	indexDocs, failed := o.submitBatches(ctx, nodeType, docs, rep)
	failed += o.indexDocs(ctx, nodeType, indexDocs, rep)

	status := "ok"
	if failed > 0 {
		status = "error"
	}
	o.logf("stage=load node_type=%s docs=%d failed=%d duration=%s", nodeType, len(docs), failed, durMS(start))
	observeStage("load", status, start)
	return failed
}

// submitBatches pushes documents to the submission system in BatchSize
// chunks. A failed batch marks its documents Failed and the loop continues
// with the next batch, except an unrecoverable upstream failure (502), which
// aborts the node type's remaining batches.
func (o *Orchestrator) submitBatches(ctx context.Context, nodeType string, docs []transform.Document, rep *report.Report) (indexDocs []load.IndexDocument, failed int) {
	batchSize := o.Cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	for offset := 0; offset < len(docs); offset += batchSize {
		end := offset + batchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := docs[offset:end]

		metrics.IncCounter("pipeline_batches_total", 1, metrics.Labels{"target": "submission"})
		results, err := o.Submission.SubmitRecords(ctx, o.Cfg.ProgramName, o.Cfg.ProjectCode, batch)
		if err != nil {
			for _, d := range batch {
				rep.Add(report.Result{
					NodeType:    nodeType,
					Stage:       "submit",
					SubmitterID: docSubmitterID(d),
					Status:      report.StatusFailed,
					ErrorKind:   errorKind(err),
					Detail:      err.Error(),
				})
			}
			failed += len(batch)
			metrics.IncCounter("pipeline_records_total", float64(len(batch)),
				metrics.Labels{"node_type": nodeType, "status": "failed"})

			if isUnrecoverable(err) {
				rest := docs[end:]
				for _, d := range rest {
					rep.Add(report.Result{
						NodeType:    nodeType,
						Stage:       "submit",
						SubmitterID: docSubmitterID(d),
						Status:      report.StatusFailed,
						ErrorKind:   "permanent",
						Detail:      "aborted after unrecoverable submission failure",
					})
				}
				failed += len(rest)
				o.logf("stage=submit node_type=%s status=aborted err=%v", nodeType, err)
				return indexDocs, failed
			}
			continue
		}

		assigned := make(map[string]string, len(results))
		for _, r := range results {
			assigned[r.SubmitterID] = r.DocumentID
		}

		for _, d := range batch {
			sid := docSubmitterID(d)
			docID, ok := assigned[sid]
			if !ok || docID == "" {
				rep.Add(report.Result{
					NodeType:    nodeType,
					Stage:       "submit",
					SubmitterID: sid,
					Status:      report.StatusFailed,
					ErrorKind:   "missing_document_id",
					Detail:      "submission system assigned no document id",
				})
				failed++
				continue
			}
			rep.Add(report.Result{
				NodeType:    nodeType,
				Stage:       "submit",
				SubmitterID: sid,
				DocumentID:  docID,
				Status:      report.StatusSuccess,
			})
			indexDocs = append(indexDocs, load.IndexDocument{ID: docID, Source: d})
		}
		metrics.IncCounter("pipeline_records_total", float64(len(results)),
			metrics.Labels{"node_type": nodeType, "status": "success"})
	}
	return indexDocs, failed
}

// indexDocs upserts submitted documents into the search index by their
// assigned ids. Returns the number of failed documents.
func (o *Orchestrator) indexDocs(ctx context.Context, nodeType string, docs []load.IndexDocument, rep *report.Report) int {
	if o.Index == nil || len(docs) == 0 {
		return 0
	}

	metrics.IncCounter("pipeline_batches_total", 1, metrics.Labels{"target": "searchindex"})
	indexed, failedByID, err := o.Index.BulkUpsert(ctx, docs)

	// Earlier batches commit even when a later flush errors; their ids come
	// back in indexed and stay Success.
	committed := make(map[string]struct{}, len(indexed))
	for _, id := range indexed {
		committed[id] = struct{}{}
		rep.Add(report.Result{
			NodeType:   nodeType,
			Stage:      "index",
			DocumentID: id,
			Status:     report.StatusSuccess,
		})
	}

	if err != nil {
		failed := 0
		for _, d := range docs {
			if _, ok := committed[d.ID]; ok {
				continue
			}
			rep.Add(report.Result{
				NodeType:   nodeType,
				Stage:      "index",
				DocumentID: d.ID,
				Status:     report.StatusFailed,
				ErrorKind:  errorKind(err),
				Detail:     err.Error(),
			})
			failed++
		}
		return failed
	}

	for id, detail := range failedByID {
		rep.Add(report.Result{
			NodeType:   nodeType,
			Stage:      "index",
			DocumentID: id,
			Status:     report.StatusFailed,
			ErrorKind:  errorKind(detail),
			Detail:     detail.Error(),
		})
	}
	return len(failedByID)
}

// persist writes the run report to the configured store, if any.
func (o *Orchestrator) persist(ctx context.Context, rep *report.Report) error {
	if o.Store == nil {
		return nil
	}
	if err := o.Store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("report store schema: %w", err)
	}
	if err := o.Store.SaveResults(ctx, rep.Results()); err != nil {
		return fmt.Errorf("report store save: %w", err)
	}
	return nil
}

// withoutBootstrapNodes filters program and project out of the per-node-type
// list; bootstrap loads them before the workers start.
func withoutBootstrapNodes(in []string) []string {
	out := make([]string, 0, len(in))
	for _, t := range in {
		if t == "program" || t == "project" {
			continue
		}
		out = append(out, t)
	}
	return out
}

func submitterID(rec map[string]any) string {
	s, _ := rec["submitter_id"].(string)
	return s
}

func docSubmitterID(d transform.Document) string {
	s, _ := d["submitter_id"].(string)
	return s
}

// errorKind classifies an error for the report's error_kind column.
func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, transform.ErrUnmappableField):
		return "unmappable_field"
	case errors.Is(err, generator.ErrUnknownNodeType), errors.Is(err, transform.ErrUnknownNodeType):
		return "unknown_node_type"
	case errors.Is(err, generator.ErrGenerationFailed):
		return "generation_failed"
	case errors.Is(err, load.ErrMissingDocumentID):
		return "missing_document_id"
	case errors.Is(err, load.ErrPermanent):
		return "permanent"
	case errors.Is(err, load.ErrTransient):
		return "transient"
	default:
		return "unknown"
	}
}

// isUnrecoverable reports whether a submission failure should abort the node
// type's remaining batches. A 502 means the upstream service itself is
// failing, so further batches cannot succeed either.
func isUnrecoverable(err error) bool {
	var se *load.StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusBadGateway
}

func observeStage(stage, status string, start time.Time) {
	metrics.IncCounter("pipeline_stage_total", 1, metrics.Labels{"stage": stage, "status": status})
	metrics.ObserveHistogram("pipeline_stage_duration_seconds", time.Since(start).Seconds(),
		metrics.Labels{"stage": stage, "status": status})
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

var _ Logger = (*log.Logger)(nil)
