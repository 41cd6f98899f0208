package report

import (
	"context"
	"fmt"
	"sync"
)

// StoreConfig selects a persistent report store backend.
type StoreConfig struct {
	Kind string
	DSN  string
}

// Store persists run results. Saves are idempotent: re-saving a result for
// the same (run, node type, stage, submitter key) overwrites the prior row,
// so a resumed run converges instead of duplicating.
type Store interface {
	Close()

	// EnsureSchema creates the results table if needed. Safe to call at every
	// startup.
	EnsureSchema(ctx context.Context) error

	// SaveResults upserts a batch of results.
	SaveResults(ctx context.Context, results []Result) error

	// UnfinishedKeys returns the submitter keys recorded Failed or Skipped for
	// a run and node type, supporting targeted re-runs.
	UnfinishedKeys(ctx context.Context, runID, nodeType string) ([]string, error)
}

type storeFactory func(ctx context.Context, cfg StoreConfig) (Store, error)

var (
	storeMu        sync.RWMutex
	storeFactories = map[string]storeFactory{}
)

// RegisterStore registers a store backend under a kind. Registering the same
// kind twice panics so backend selection stays unambiguous.
func RegisterStore(kind string, f storeFactory) {
	storeMu.Lock()
	defer storeMu.Unlock()

	if kind == "" {
		panic("report: RegisterStore called with empty kind")
	}
	if f == nil {
		panic("report: RegisterStore called with nil factory")
	}
	if _, exists := storeFactories[kind]; exists {
		panic(fmt.Sprintf("report: store factory already registered for kind=%q", kind))
	}
	storeFactories[kind] = f
}

// OpenStore constructs a Store using the registered backend factory.
func OpenStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("report: missing store kind")
	}

	storeMu.RLock()
	f := storeFactories[cfg.Kind]
	storeMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("report: unsupported store kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
