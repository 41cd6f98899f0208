// Package datadog implements a Datadog backend for the internal/metrics package.
//
// NOTE ABOUT FLUSHING:
// This backend serves both short one-off loads and long pipeline runs.
// Submitting only once at process exit makes dashboards awkward for long runs
// (a single spike instead of a time series).
//
// Therefore we:
//   - buffer metrics in-memory (fast, lock-protected)
//   - periodically Flush() on a ticker (default: once per minute)
//   - Flush() one final time on Close()
//
// Concurrency model:
//   - pipeline goroutines can call IncCounter/ObserveHistogram at any time
//   - Flush snapshots+resets buffers under a mutex, then submits out-of-lock
//   - The flush loop calls Flush() periodically; Close() stops the loop
//
// If the process is killed with SIGKILL/OOM, Close() won't run (no backend can
// fix that).
package datadog

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"etl/internal/metrics"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric.
	// If empty, defaults to "etl".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod", "service:etl"}).
	Tags []string

	// FlushEvery controls how often we submit buffered metrics to Datadog.
	// If <= 0, defaults to 60 seconds.
	FlushEvery time.Duration

	// The following fields are unexported test seams. Production code never
	// sets them; unit tests set them to avoid real network submission and
	// nondeterministic clocks/tickers.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the minimal interface needed to submit metrics.
//
// The Datadog SDK exposes a concrete *datadogV2.MetricsApi, which cannot be
// stubbed without real HTTP. Backend depends on this interface instead,
// enabling deterministic tests with a fake submitter.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	// now is injected for deterministic tests. Production uses time.Now.
	now func() time.Time

	// newTicker is injected for deterministic tests. Production uses time.NewTicker.
	newTicker func(d time.Duration) *time.Ticker

	mu sync.Mutex

	stageCounts     map[string]float64 // stage\x00status -> count
	recordCounts    map[string]float64 // node_type\x00status -> count
	batchCounts     map[string]float64 // target -> count
	retryCounts     map[string]float64 // target -> count
	durationSamples map[string][]float64
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the background flush loop and performs one final Flush().
//
// Close must be called at most once; a second call panics on the closed
// stopCh. This mirrors typical "Close once" semantics and is acceptable for a
// process-lifetime backend.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// NewBackend constructs a Datadog backend using the official client.
//
// Edge cases:
//   - If opts.FlushEvery <= 0, defaults to 60s.
//   - If opts.JobName is empty, defaults to "etl".
//   - Environment tag selection uses ENV then DD_ENV, otherwise env:unknown.
//
// Client construction itself is not expected to fail; network errors surface
// from Flush().
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "etl"
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	envTag := resolveEnvTag()
	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, envTag, "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		cfg := dd.NewConfiguration()
		client := dd.NewAPIClient(cfg)
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),

		baseTags: baseTags,

		now:       nowFn,
		newTicker: newTicker,

		stageCounts:     make(map[string]float64),
		recordCounts:    make(map[string]float64),
		batchCounts:     make(map[string]float64),
		retryCounts:     make(map[string]float64),
		durationSamples: make(map[string][]float64),
	}

	go b.loop()
	return b, nil
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case "pipeline_stage_total":
		b.stageCounts[pairKey(labels["stage"], labels["status"])] += delta

	case "pipeline_records_total":
		nodeType := labels["node_type"]
		if nodeType == "" {
			return
		}
		b.recordCounts[pairKey(nodeType, labels["status"])] += delta

	case "pipeline_batches_total":
		b.batchCounts[targetOrUnknown(labels)] += delta

	case "pipeline_retries_total":
		b.retryCounts[targetOrUnknown(labels)] += delta

	default:
		// Unknown metrics are ignored.
	}
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case "pipeline_stage_duration_seconds":
		k := pairKey(labels["stage"], labels["status"])
		b.durationSamples[k] = append(b.durationSamples[k], value)

	default:
		// Unknown histograms are ignored.
	}
}

// snapshot is the buffered metric state used to build a flush payload.
//
// Flush() must reset buffers under a lock but submit out-of-lock; snapshot
// separates collect+reset from payload building+submission.
type snapshot struct {
	stageCounts     map[string]float64
	recordCounts    map[string]float64
	batchCounts     map[string]float64
	retryCounts     map[string]float64
	durationSamples map[string][]float64
}

// snapshotAndReset grabs current buffered metrics and resets internal buffers.
// Takes the lock internally and returns detached maps.
func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{
		stageCounts:     b.stageCounts,
		recordCounts:    b.recordCounts,
		batchCounts:     b.batchCounts,
		retryCounts:     b.retryCounts,
		durationSamples: b.durationSamples,
	}

	b.stageCounts = make(map[string]float64)
	b.recordCounts = make(map[string]float64)
	b.batchCounts = make(map[string]float64)
	b.retryCounts = make(map[string]float64)
	b.durationSamples = make(map[string][]float64)

	return s
}

func (s snapshot) isEmpty() bool {
	return len(s.stageCounts) == 0 &&
		len(s.recordCounts) == 0 &&
		len(s.batchCounts) == 0 &&
		len(s.retryCounts) == 0 &&
		len(s.durationSamples) == 0
}

// Flush submits buffered metrics to Datadog and resets local buffers.
//
// Buffers are reset even if submission fails, to keep the pipeline fast and
// avoid blocking future writes. Returns nil if there is nothing to submit.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	series := b.buildSeries(snap, b.now().Unix())
	payload := datadogV2.MetricPayload{Series: series}

	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries constructs Datadog series for a snapshot at a fixed timestamp.
// Pure (no locks, no network, no clocks), so naming/tagging behavior is unit
// testable.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(s.stageCounts)+len(s.recordCounts)+16)

	for k, v := range s.stageCounts {
		if v == 0 {
			continue
		}
		stage, status := splitPairKey(k)
		tags := withTags(b.baseTags, "stage:"+stage, "status:"+status)
		series = append(series, countSeries("etl.pipeline.stage.total", v, tags, nowUnix))
	}

	for k, v := range s.recordCounts {
		if v == 0 {
			continue
		}
		nodeType, status := splitPairKey(k)
		tags := withTags(b.baseTags, "node_type:"+nodeType, "status:"+status)
		series = append(series, countSeries("etl.pipeline.records.total", v, tags, nowUnix))
	}

	for target, v := range s.batchCounts {
		if v == 0 {
			continue
		}
		tags := withTags(b.baseTags, "target:"+target)
		series = append(series, countSeries("etl.pipeline.batches.total", v, tags, nowUnix))
	}

	for target, v := range s.retryCounts {
		if v == 0 {
			continue
		}
		tags := withTags(b.baseTags, "target:"+target)
		series = append(series, countSeries("etl.pipeline.retries.total", v, tags, nowUnix))
	}

	for k, samples := range s.durationSamples {
		addPercentiles(&series, b.baseTags, "etl.pipeline.stage.duration_seconds", k, samples, nowUnix)
	}

	return series
}

// addPercentiles appends a fixed set of percentile gauges for a sample set.
// Sorts a copy of samples (does not mutate input); does nothing when samples
// is empty.
func addPercentiles(series *[]datadogV2.MetricSeries, baseTags []string, metricPrefix, key string, samples []float64, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	stage, status := splitPairKey(key)
	tags := withTags(baseTags, "stage:"+stage, "status:"+status)

	*series = append(*series, gaugeSeries(metricPrefix+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p90", percentileNearestRank(cp, 0.90), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".max", cp[len(cp)-1], tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".samples", float64(len(cp)), tags, nowUnix))
}

func countSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func gaugeSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func pairKey(a, b string) string {
	return a + "\x00" + b
}

func splitPairKey(k string) (a, b string) {
	parts := strings.SplitN(k, "\x00", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return k, "unknown"
}

func targetOrUnknown(labels metrics.Labels) string {
	if t := labels["target"]; t != "" {
		return t
	}
	return "unknown"
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,service:etl".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
