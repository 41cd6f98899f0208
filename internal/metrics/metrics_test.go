package metrics

import "testing"

type recordingBackend struct {
	counters   int
	histograms int
	flushed    int
}

func (r *recordingBackend) IncCounter(string, float64, Labels)       { r.counters++ }
func (r *recordingBackend) ObserveHistogram(string, float64, Labels) { r.histograms++ }
func (r *recordingBackend) Flush() error                             { r.flushed++; return nil }

func TestDefaultBackendDiscards(t *testing.T) {
	SetBackend(nil)

	// Must not panic and Flush must be trivial.
	IncCounter("pipeline_batches_total", 1, Labels{"target": "submission"})
	ObserveHistogram("pipeline_stage_duration_seconds", 0.1, nil)
	if err := Flush(); err != nil {
		t.Fatalf("Flush() on nop backend: %v", err)
	}
}

func TestSetBackendRoutes(t *testing.T) {
	rb := &recordingBackend{}
	SetBackend(rb)
	t.Cleanup(func() { SetBackend(nil) })

	IncCounter("pipeline_stage_total", 1, Labels{"stage": "load", "status": "ok"})
	IncCounter("pipeline_stage_total", 1, Labels{"stage": "load", "status": "ok"})
	ObserveHistogram("pipeline_stage_duration_seconds", 0.5, nil)
	if err := Flush(); err != nil {
		t.Fatalf("Flush(): %v", err)
	}

	if rb.counters != 2 || rb.histograms != 1 || rb.flushed != 1 {
		t.Fatalf("backend saw (%d, %d, %d), want (2, 1, 1)", rb.counters, rb.histograms, rb.flushed)
	}
}
