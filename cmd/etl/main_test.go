package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"etl/internal/config"
	"etl/internal/metrics"
	"etl/internal/pipeline"
	"etl/internal/report"
)

// fakeRunner is a deterministic runner used by CLI tests. It records call
// counts per operation and returns a configurable report and error.
type fakeRunner struct {
	rep    *report.Report
	states map[string]pipeline.State

	genErr error
	runErr error

	generated atomic.Int64
	loaded    atomic.Int64
	ran       atomic.Int64
}

func (f *fakeRunner) Run(ctx context.Context) (*report.Report, error) {
	_ = ctx
	f.ran.Add(1)
	return f.rep, f.runErr
}

func (f *fakeRunner) Generate(ctx context.Context) error {
	_ = ctx
	f.generated.Add(1)
	return f.genErr
}

func (f *fakeRunner) Load(ctx context.Context) (*report.Report, error) {
	_ = ctx
	f.loaded.Add(1)
	return f.rep, f.runErr
}

func (f *fakeRunner) States() map[string]pipeline.State { return f.states }

type fakeSwitcher struct {
	alias, old, new string
	err             error
}

func (f *fakeSwitcher) SwitchAlias(ctx context.Context, alias, oldIndex, newIndex string) error {
	f.alias, f.old, f.new = alias, oldIndex, newIndex
	return f.err
}

func okConfig() (config.Run, error) {
	return config.Run{
		DictionaryURL: "http://localhost/dictionary.json",
		ProgramName:   "pcdc",
		ProjectCode:   "20XX",
		OutputPath:    "out",
		FileType:      "tsv",
		Workers:       1,
	}, nil
}

// testDeps wires fakes into every seam so run never touches the network,
// the filesystem or real metrics.
func testDeps(r runner, sw aliasSwitcher) (deps, *bytes.Buffer, *bytes.Buffer) {
	var stdout, stderr bytes.Buffer
	return deps{
		Stdout:     &stdout,
		Stderr:     &stderr,
		LoadConfig: okConfig,
		NewRunner: func(ctx context.Context, cfg config.Run, logger *log.Logger) (runner, error) {
			if r == nil {
				return nil, errors.New("no runner configured")
			}
			return r, nil
		},
		NewSwitcher: func(cfg config.Run) (aliasSwitcher, error) {
			if sw == nil {
				return nil, errors.New("no switcher configured")
			}
			return sw, nil
		},
	}, &stdout, &stderr
}

func TestRun_UsageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		args          []string
		wantStderrSub string
	}{
		{
			name:          "no_args",
			args:          nil,
			wantStderrSub: "usage: etl",
		},
		{
			name:          "unknown_subcommand",
			args:          []string{"frobnicate"},
			wantStderrSub: `unknown subcommand "frobnicate"`,
		},
		{
			name:          "unknown_flag",
			args:          []string{"run", "-nope"},
			wantStderrSub: "flag provided but not defined",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			d, stdout, stderr := testDeps(nil, nil)
			if code := run(context.Background(), tc.args, d); code != 2 {
				t.Fatalf("exit code=%d, want 2; stderr=%q", code, stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if stdout.Len() != 0 {
				t.Fatalf("stdout=%q, want empty", stdout.String())
			}
		})
	}
}

func TestRun_ConfigErrorIsFatal(t *testing.T) {
	t.Parallel()

	d, _, stderr := testDeps(&fakeRunner{}, nil)
	d.LoadConfig = func() (config.Run, error) {
		return config.Run{}, fmt.Errorf("DICTIONARY_URL is required")
	}
	if code := run(context.Background(), []string{"run"}, d); code != 2 {
		t.Fatalf("exit code=%d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "DICTIONARY_URL") {
		t.Fatalf("stderr=%q, want contains config error", stderr.String())
	}
}

func TestRun_RunnerInitErrorIsFatal(t *testing.T) {
	t.Parallel()

	d, _, stderr := testDeps(nil, nil)
	if code := run(context.Background(), []string{"run"}, d); code != 2 {
		t.Fatalf("exit code=%d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "init:") {
		t.Fatalf("stderr=%q, want contains init error", stderr.String())
	}
}

func TestRun_FullSuccessExitsZero(t *testing.T) {
	t.Parallel()

	rep := report.New("run-1")
	rep.Add(report.Result{NodeType: "patient", Stage: "submit", SubmitterID: "patient_1", Status: report.StatusSuccess})

	fr := &fakeRunner{rep: rep, states: map[string]pipeline.State{"patient": pipeline.StateDone}}
	d, stdout, stderr := testDeps(fr, nil)

	if code := run(context.Background(), []string{"run"}, d); code != 0 {
		t.Fatalf("exit code=%d, want 0; stderr=%q", code, stderr.String())
	}
	if got := fr.ran.Load(); got != 1 {
		t.Fatalf("Run calls=%d, want 1", got)
	}
	if !strings.Contains(stdout.String(), "success=1 failed=0 skipped=0") {
		t.Fatalf("stdout=%q, want summary line", stdout.String())
	}
}

func TestRun_FailedNodeExitsOne(t *testing.T) {
	t.Parallel()

	rep := report.New("run-1")
	rep.Add(report.Result{NodeType: "patient", Stage: "generate", Status: report.StatusFailed, ErrorKind: "generation_failed"})

	fr := &fakeRunner{rep: rep, states: map[string]pipeline.State{"patient": pipeline.StateFailed}}
	d, _, _ := testDeps(fr, nil)

	if code := run(context.Background(), []string{"run"}, d); code != 1 {
		t.Fatalf("exit code=%d, want 1", code)
	}
}

func TestRun_SkippedOnlyExitsZero(t *testing.T) {
	t.Parallel()

	// A record skipped at transform time is reported but does not fail the run.
	rep := report.New("run-1")
	rep.Add(report.Result{NodeType: "patient", Stage: "transform", SubmitterID: "patient_1", Status: report.StatusSkipped})
	rep.Add(report.Result{NodeType: "patient", Stage: "submit", SubmitterID: "patient_2", Status: report.StatusSuccess})

	fr := &fakeRunner{rep: rep, states: map[string]pipeline.State{"patient": pipeline.StateDone}}
	d, stdout, _ := testDeps(fr, nil)

	if code := run(context.Background(), []string{"load"}, d); code != 0 {
		t.Fatalf("exit code=%d, want 0", code)
	}
	if got := fr.loaded.Load(); got != 1 {
		t.Fatalf("Load calls=%d, want 1", got)
	}
	if !strings.Contains(stdout.String(), "success=1 failed=0 skipped=1") {
		t.Fatalf("stdout=%q, want summary line", stdout.String())
	}
}

func TestRun_GenerateOnly(t *testing.T) {
	t.Parallel()

	fr := &fakeRunner{states: map[string]pipeline.State{"patient": pipeline.StateDone}}
	d, stdout, _ := testDeps(fr, nil)

	if code := run(context.Background(), []string{"generate"}, d); code != 0 {
		t.Fatalf("exit code=%d, want 0", code)
	}
	if gen, ran, loaded := fr.generated.Load(), fr.ran.Load(), fr.loaded.Load(); gen != 1 || ran != 0 || loaded != 0 {
		t.Fatalf("calls=(generate=%d run=%d load=%d), want (1 0 0)", gen, ran, loaded)
	}
	// Generate produces no report, so no summary line is printed.
	if stdout.Len() != 0 {
		t.Fatalf("stdout=%q, want empty", stdout.String())
	}
}

func TestRun_GenerateFailureExitsOne(t *testing.T) {
	t.Parallel()

	fr := &fakeRunner{genErr: errors.New("generation failed for 1 node types")}
	d, _, stderr := testDeps(fr, nil)

	if code := run(context.Background(), []string{"generate"}, d); code != 1 {
		t.Fatalf("exit code=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "generation failed") {
		t.Fatalf("stderr=%q, want contains generation error", stderr.String())
	}
}

func TestRun_AliasSwitch(t *testing.T) {
	t.Parallel()

	sw := &fakeSwitcher{}
	d, _, stderr := testDeps(nil, sw)

	code := run(context.Background(), []string{"alias", "-alias", "pcdc_20xx", "-old", "pcdc_20xx_1", "-new", "pcdc_20xx_2"}, d)
	if code != 0 {
		t.Fatalf("exit code=%d, want 0; stderr=%q", code, stderr.String())
	}
	if sw.alias != "pcdc_20xx" || sw.old != "pcdc_20xx_1" || sw.new != "pcdc_20xx_2" {
		t.Fatalf("SwitchAlias called with (%q, %q, %q)", sw.alias, sw.old, sw.new)
	}
}

func TestRun_AliasRequiresFlags(t *testing.T) {
	t.Parallel()

	d, _, stderr := testDeps(nil, &fakeSwitcher{})
	if code := run(context.Background(), []string{"alias", "-alias", "pcdc_20xx"}, d); code != 2 {
		t.Fatalf("exit code=%d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "-new") {
		t.Fatalf("stderr=%q, want flag hint", stderr.String())
	}
}

func TestRun_AliasSwitchErrorExitsOne(t *testing.T) {
	t.Parallel()

	sw := &fakeSwitcher{err: errors.New("index pcdc_20xx_2 does not exist")}
	d, _, stderr := testDeps(nil, sw)

	code := run(context.Background(), []string{"alias", "-alias", "pcdc_20xx", "-new", "pcdc_20xx_2"}, d)
	if code != 1 {
		t.Fatalf("exit code=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "does not exist") {
		t.Fatalf("stderr=%q, want switch error", stderr.String())
	}
}

// fakeBackend satisfies backendCloser and records Close calls.
type fakeBackend struct{ closed atomic.Int64 }

func (b *fakeBackend) IncCounter(string, float64, metrics.Labels) {}

func (b *fakeBackend) ObserveHistogram(string, float64, metrics.Labels) {}

func (b *fakeBackend) Close() error { b.closed.Add(1); return nil }

func TestRun_DatadogBackendLifecycle(t *testing.T) {
	// Not parallel: SetBackend mutates package-level metrics state.
	t.Cleanup(func() { metrics.SetBackend(nil) })

	fr := &fakeRunner{states: map[string]pipeline.State{}}
	d, _, _ := testDeps(fr, nil)

	b := &fakeBackend{}
	var gotJob string
	var gotTags []string
	d.BackendFactory = func(ctx context.Context, jobName string, tags []string, flushEvery time.Duration) (backendCloser, error) {
		gotJob = jobName
		gotTags = tags
		return b, nil
	}

	code := run(context.Background(), []string{"generate", "-metrics-backend", "datadog", "-metrics-tags", "env:ci,service:etl"}, d)
	if code != 0 {
		t.Fatalf("exit code=%d, want 0", code)
	}
	if gotJob != "etl_generate" {
		t.Fatalf("backend job=%q, want etl_generate", gotJob)
	}
	if len(gotTags) != 2 || gotTags[0] != "env:ci" || gotTags[1] != "service:etl" {
		t.Fatalf("backend tags=%v, want [env:ci service:etl]", gotTags)
	}
	if got := b.closed.Load(); got != 1 {
		t.Fatalf("backend closed=%d, want 1", got)
	}
}

func TestRun_MetricsBackendFromEnv(t *testing.T) {
	// Not parallel: t.Setenv and the package-level metrics backend.
	t.Setenv("METRICS_BACKEND", "datadog")
	t.Cleanup(func() { metrics.SetBackend(nil) })

	fr := &fakeRunner{states: map[string]pipeline.State{}}
	d, _, _ := testDeps(fr, nil)

	b := &fakeBackend{}
	factoryCalls := 0
	d.BackendFactory = func(context.Context, string, []string, time.Duration) (backendCloser, error) {
		factoryCalls++
		return b, nil
	}

	if code := run(context.Background(), []string{"generate"}, d); code != 0 {
		t.Fatalf("exit code=%d, want 0", code)
	}
	if factoryCalls != 1 {
		t.Fatalf("factory calls=%d, want 1", factoryCalls)
	}
	if got := b.closed.Load(); got != 1 {
		t.Fatalf("backend closed=%d, want 1", got)
	}
}

func TestRun_GenerateDoesNotWireIndex(t *testing.T) {
	t.Parallel()

	var gotCfg config.Run
	fr := &fakeRunner{states: map[string]pipeline.State{}}
	d, _, _ := testDeps(fr, nil)
	d.LoadConfig = func() (config.Run, error) {
		cfg, _ := okConfig()
		cfg.IndexName = "pcdc_20xx"
		return cfg, nil
	}
	d.NewRunner = func(ctx context.Context, cfg config.Run, logger *log.Logger) (runner, error) {
		gotCfg = cfg
		return fr, nil
	}

	if code := run(context.Background(), []string{"generate"}, d); code != 0 {
		t.Fatalf("exit code=%d, want 0", code)
	}
	if gotCfg.IndexName != "" {
		t.Fatalf("generate wired IndexName=%q, want empty", gotCfg.IndexName)
	}

	if code := run(context.Background(), []string{"run"}, d); code != 0 {
		t.Fatalf("exit code=%d, want 0", code)
	}
	if gotCfg.IndexName != "pcdc_20xx" {
		t.Fatalf("run IndexName=%q, want pcdc_20xx", gotCfg.IndexName)
	}
}

func TestRun_DatadogInitFailureFallsBackToNop(t *testing.T) {
	t.Parallel()

	fr := &fakeRunner{states: map[string]pipeline.State{}}
	d, _, stderr := testDeps(fr, nil)
	d.BackendFactory = func(context.Context, string, []string, time.Duration) (backendCloser, error) {
		return nil, errors.New("missing DD_API_KEY")
	}

	if code := run(context.Background(), []string{"generate", "-metrics-backend", "datadog"}, d); code != 0 {
		t.Fatalf("exit code=%d, want 0", code)
	}
	if !strings.Contains(stderr.String(), "using nop") {
		t.Fatalf("stderr=%q, want fallback notice", stderr.String())
	}
	if got := fr.generated.Load(); got != 1 {
		t.Fatalf("Generate calls=%d, want 1", got)
	}
}
