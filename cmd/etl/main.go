// Command etl drives the synthetic-data pipeline: it resolves the data
// dictionary, generates record artifacts, transforms them into documents and
// loads them into the submission system and the search index.
//
// Subcommands:
//
//	generate  resolve the dictionary and generate artifacts only
//	load      transform and load previously generated artifacts
//	run       generate, transform and load in one pass
//	alias     switch a search-index alias from an old index to a new one
//
// Exit codes:
//
//	0  full success
//	1  at least one node type did not fully succeed
//	2  configuration/initialization error
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"etl/internal/config"
	"etl/internal/dictionary"
	"etl/internal/generator"
	"etl/internal/load"
	"etl/internal/metrics"
	"etl/internal/metrics/datadog"
	"etl/internal/pipeline"
	"etl/internal/report"
	"etl/internal/transform"

	// register all report store backends with the factory.
	_ "etl/internal/report/all"
)

// runner is the pipeline surface this command drives.
// *pipeline.Orchestrator satisfies it.
type runner interface {
	Run(ctx context.Context) (*report.Report, error)
	Generate(ctx context.Context) error
	Load(ctx context.Context) (*report.Report, error)
	States() map[string]pipeline.State
}

// aliasSwitcher is the search-index surface of the alias subcommand.
type aliasSwitcher interface {
	SwitchAlias(ctx context.Context, alias, oldIndex, newIndex string) error
}

// backendCloser is the minimal interface used to manage a metrics backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are external seams for testability.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	LoadConfig  func() (config.Run, error)
	NewRunner   func(ctx context.Context, cfg config.Run, logger *log.Logger) (runner, error)
	NewSwitcher func(cfg config.Run) (aliasSwitcher, error)

	BackendFactory func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error)
}

// main is intentionally small: it wires real dependencies and exits with a code.
func main() {
	// A missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := run(ctx, os.Args[1:], deps{
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		LoadConfig: config.Load,
		NewRunner:  newOrchestrator,
		NewSwitcher: func(cfg config.Run) (aliasSwitcher, error) {
			return load.NewSearchIndex(load.SearchIndexConfig{
				Addresses: []string{cfg.IndexURL},
				IndexName: cfg.IndexName,
				Timeout:   cfg.IndexTimeout,
			})
		},
		BackendFactory: func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error) {
			return datadog.NewBackend(ctx, datadog.Options{
				JobName:    jobName,
				Tags:       tags,
				FlushEvery: flushEvery,
			})
		},
	})
	os.Exit(code)
}

// run executes one subcommand and returns an exit code.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}

	if len(args) == 0 {
		fmt.Fprintln(d.Stderr, "usage: etl <generate|load|run|alias> [flags]")
		return 2
	}
	sub, subArgs := args[0], args[1:]

	fs := flag.NewFlagSet("etl "+sub, flag.ContinueOnError)
	fs.SetOutput(d.Stderr)
	metricsBackend := fs.String("metrics-backend", "", "metrics backend to use (datadog, none; defaults to METRICS_BACKEND)")
	metricsTags := fs.String("metrics-tags", os.Getenv("METRICS_TAGS"), "extra metrics tags as CSV (e.g. env:prod,service:etl)")
	aliasName := fs.String("alias", "", "search-index alias to switch (alias subcommand)")
	oldIndex := fs.String("old", "", "index currently holding the alias (alias subcommand)")
	newIndex := fs.String("new", "", "index the alias moves to (alias subcommand)")
	if err := fs.Parse(subArgs); err != nil {
		return 2
	}

	logger := log.New(d.Stderr, "", log.LstdFlags)

	cfg, err := d.LoadConfig()
	if err != nil {
		fmt.Fprintf(d.Stderr, "config: %v\n", err)
		return 2
	}

	// Decide metrics backend: flag → env → none.
	backendName := *metricsBackend
	if backendName == "" {
		backendName = os.Getenv("METRICS_BACKEND")
	}
	switch backendName {
	case "datadog":
		if d.BackendFactory == nil {
			fmt.Fprintln(d.Stderr, "internal error: BackendFactory is nil")
			return 2
		}
		tags := datadog.ParseTagsCSV(*metricsTags)
		b, err := d.BackendFactory(ctx, "etl_"+sub, tags, 60*time.Second)
		if err != nil {
			logger.Printf("metrics: datadog init failed: %v; using nop", err)
		} else {
			metrics.SetBackend(b)
			defer func() {
				if err := b.Close(); err != nil {
					logger.Printf("metrics: close/flush error: %v", err)
				}
			}()
		}
	case "", "none":
		// metrics disabled; nop backend remains
	default:
		logger.Printf("metrics: unknown backend %q; metrics disabled", backendName)
	}

	switch sub {
	case "alias":
		if *aliasName == "" || *newIndex == "" {
			fmt.Fprintln(d.Stderr, "alias: -alias and -new are required")
			return 2
		}
		sw, err := d.NewSwitcher(cfg)
		if err != nil {
			fmt.Fprintf(d.Stderr, "alias: %v\n", err)
			return 2
		}
		if err := sw.SwitchAlias(ctx, *aliasName, *oldIndex, *newIndex); err != nil {
			fmt.Fprintf(d.Stderr, "alias: %v\n", err)
			return 1
		}
		logger.Printf("stage=alias alias=%s old=%s new=%s", *aliasName, *oldIndex, *newIndex)
		return 0

	case "generate", "load", "run":
		if sub == "generate" {
			// Generation never touches the search index; leaving IndexName set
			// would create indices at wiring time.
			cfg.IndexName = ""
		}
		r, err := d.NewRunner(ctx, cfg, logger)
		if err != nil {
			fmt.Fprintf(d.Stderr, "init: %v\n", err)
			return 2
		}

		start := time.Now()
		var rep *report.Report
		switch sub {
		case "generate":
			err = r.Generate(ctx)
		case "load":
			rep, err = r.Load(ctx)
		case "run":
			rep, err = r.Run(ctx)
		}
		if err != nil {
			fmt.Fprintf(d.Stderr, "%s: %v\n", sub, err)
			return 1
		}

		code := 0
		for nodeType, state := range r.States() {
			if state == pipeline.StateFailed {
				logger.Printf("node_type=%s state=%s", nodeType, state)
				code = 1
			}
		}
		if rep != nil {
			success, failed, skipped := rep.Counts()
			fmt.Fprintf(d.Stdout, "run=%s success=%d failed=%d skipped=%d duration=%s\n",
				rep.RunID, success, failed, skipped, time.Since(start).Truncate(time.Millisecond))
			if failed > 0 {
				code = 1
			}
		}
		return code

	default:
		fmt.Fprintf(d.Stderr, "unknown subcommand %q\nusage: etl <generate|load|run|alias> [flags]\n", sub)
		return 2
	}
}

// newOrchestrator wires the production pipeline: generator backend, mapping
// tables, submission client, search index and report store.
func newOrchestrator(ctx context.Context, cfg config.Run, logger *log.Logger) (runner, error) {
	gen, err := generator.New(generator.Config{
		Kind:          cfg.GeneratorKind,
		Command:       cfg.GeneratorCommand,
		DictionaryURL: cfg.DictionaryURL,
	})
	if err != nil {
		return nil, err
	}

	var mappings map[string]transform.NodeMapping
	if cfg.MappingFilePath != "" {
		mf, err := transform.LoadMappingFile(cfg.MappingFilePath)
		if err != nil {
			return nil, err
		}
		mappings = mf.Nodes
	}

	var manual map[string]any
	if cfg.ManualFieldsPath != "" {
		if manual, err = transform.LoadManualFields(cfg.ManualFieldsPath); err != nil {
			return nil, err
		}
	}

	creds, err := config.LoadCredentials(cfg.CredentialsPath)
	if err != nil {
		return nil, err
	}

	retry := load.RetryPolicy{
		Budget:    cfg.MaxSubmitAttempts - 1,
		BaseDelay: cfg.RetryBaseDelay,
		MaxDelay:  cfg.RetryMaxDelay,
		Logger:    logger,
	}
	submission := &load.SubmissionClient{
		BaseURL:    cfg.BaseURL,
		Creds:      creds,
		HTTPClient: &http.Client{Timeout: cfg.RequestTimeout},
		Retry:      retry,
		Logger:     logger,
	}

	resolver := &dictionary.Resolver{Timeout: cfg.RequestTimeout}

	var index pipeline.Indexer
	if cfg.IndexName != "" {
		si, err := load.NewSearchIndex(load.SearchIndexConfig{
			Addresses: []string{cfg.IndexURL},
			IndexName: cfg.IndexName,
			Timeout:   cfg.IndexTimeout,
		})
		if err != nil {
			return nil, err
		}
		si.BulkBatchSize = cfg.BulkBatchSize
		si.Retry = load.RetryPolicy{
			Budget:    cfg.BulkMaxTries - 1,
			BaseDelay: cfg.BulkRetryDelay,
			MaxDelay:  cfg.RetryMaxDelay,
			Logger:    logger,
		}
		si.Logger = logger

		if err := prepareIndex(ctx, cfg, resolver, si); err != nil {
			return nil, err
		}
		index = si
	}

	var store report.Store
	if cfg.ReportStoreKind != "" && cfg.ReportStoreKind != "none" {
		store, err = report.OpenStore(ctx, report.StoreConfig{
			Kind: cfg.ReportStoreKind,
			DSN:  cfg.ReportStoreDSN,
		})
		if err != nil {
			// The report store supports targeted re-runs but is not load-bearing
			// for the run itself.
			logger.Printf("report store unavailable, continuing without: %v", err)
			store = nil
		}
	}

	return &pipeline.Orchestrator{
		Cfg:        cfg,
		Resolver:   resolver,
		Generator:  gen,
		Mappings:   mappings,
		Manual:     manual,
		Submission: submission,
		Index:      index,
		Store:      store,
		Logger:     logger,
	}, nil
}

// prepareIndex creates the index with a dictionary-derived mapping and the
// array-config companion index. The resolver caches, so the pipeline's own
// dictionary resolution later in the run does not refetch.
func prepareIndex(ctx context.Context, cfg config.Run, resolver *dictionary.Resolver, si *load.SearchIndex) error {
	dict, err := resolver.Resolve(ctx, cfg.DictionaryURL)
	if err != nil {
		return err
	}

	mapping, err := load.MappingFromDictionary(dict, rootNode(dict))
	if err != nil {
		return err
	}
	if err := si.EnsureIndex(ctx, mapping); err != nil {
		return err
	}
	return si.EnsureArrayConfig(ctx, cfg.IndexName, dict.ArrayFields())
}

// rootNode picks the document root for the search-index mapping: subject when
// the dictionary has one, otherwise the first node alphabetically.
func rootNode(dict *dictionary.Dictionary) string {
	if dict.Has("subject") {
		return "subject"
	}
	nodes := dict.Nodes()
	if len(nodes) == 0 {
		return ""
	}
	return nodes[0]
}
