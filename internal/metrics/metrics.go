// Package metrics is a minimal metrics facade. Pipeline code records counters
// and histograms against metric names; a process-level backend decides where
// they go. The default backend discards everything, so instrumented code works
// without configuration.
package metrics

import "sync"

// Labels are the dimensions attached to one observation.
type Labels map[string]string

// Backend receives observations. Implementations must be safe for concurrent
// use: pipeline stages for different node types record from separate
// goroutines.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer observations.
type Flusher interface {
	Flush() error
}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

// SetBackend installs the process-wide backend. Passing nil restores the
// discarding default.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter adds delta to a counter on the installed backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram records one sample on the installed backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush flushes the installed backend if it buffers. A backend without
// buffering flushes trivially.
func Flush() error {
	if f, ok := current().(Flusher); ok {
		return f.Flush()
	}
	return nil
}
