// Package generator produces per-node-type record batches from a data
// dictionary.
//
// Two backends are registered: "simulate" synthesizes records in-process and
// "exec" shells out to an external simulator tool. Both write one artifact per
// node type under the configured output path with clean-slate semantics.
package generator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"etl/internal/dictionary"
)

var (
	// ErrUnknownNodeType means the requested node type is not in the dictionary.
	ErrUnknownNodeType = errors.New("generator: unknown node type")

	// ErrGenerationFailed wraps an underlying tool or synthesis failure.
	ErrGenerationFailed = errors.New("generator: generation failed")
)

// SeedPolicy selects how generation is seeded.
type SeedPolicy int

const (
	// SeedFixed derives the seed from the request, making output reproducible
	// for identical inputs.
	SeedFixed SeedPolicy = iota

	// SeedRandom seeds from system entropy.
	SeedRandom
)

// Request describes one node type's generation.
type Request struct {
	Program    string
	Project    string
	NodeType   string
	MaxSamples int
	Seed       SeedPolicy

	OutputDir string
	FileType  string
}

// Batch is the generated output for one node type. Records are ordered and
// the seed is recorded so a SeedFixed batch can be regenerated byte-identically.
type Batch struct {
	NodeType string
	Path     string
	Seed     int64
	Records  []map[string]any
}

// Generator produces a record batch for a node type.
type Generator interface {
	Generate(ctx context.Context, dict *dictionary.Dictionary, req Request) (*Batch, error)
}

// Config selects and parameterizes a generator backend.
type Config struct {
	Kind string

	// Command is the external tool invoked by the exec backend.
	Command string

	// DictionaryURL is forwarded to external tools that fetch the dictionary
	// themselves.
	DictionaryURL string
}

type factory func(cfg Config) (Generator, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a generator backend under a kind. Registering a kind
// twice panics: backend selection must be unambiguous.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("generator: Register called with empty kind")
	}
	if f == nil {
		panic("generator: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("generator: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New constructs a Generator for the configured kind.
func New(cfg Config) (Generator, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("generator: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("generator: unsupported kind=%s", cfg.Kind)
	}
	return f(cfg)
}

func validateRequest(dict *dictionary.Dictionary, req Request) error {
	if req.MaxSamples < 0 {
		return fmt.Errorf("generator: max samples must be >= 0, got %d", req.MaxSamples)
	}
	if !dict.Has(req.NodeType) {
		return fmt.Errorf("%w: %s", ErrUnknownNodeType, req.NodeType)
	}
	return nil
}
