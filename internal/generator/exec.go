package generator

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"etl/internal/artifact"
	"etl/internal/dictionary"
)

func init() {
	Register("exec", func(cfg Config) (Generator, error) {
		if cfg.Command == "" {
			return nil, fmt.Errorf("generator: exec backend requires a command")
		}
		return &ExecAdapter{
			Command:       cfg.Command,
			DictionaryURL: cfg.DictionaryURL,
		}, nil
	})
}

// ExecAdapter wraps an external simulator CLI. The tool is expected to accept
// url/path/program/project/max_samples flags plus an optional random flag, and
// to write one file per node type under path in the requested format.
type ExecAdapter struct {
	Command       string
	DictionaryURL string

	// RunCommand is a seam for tests. When nil, the command is executed with
	// exec.CommandContext.
	RunCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Generate invokes the external tool for a single node type, then reads back
// the artifact the tool wrote. Any stale artifact for the node type is removed
// first so a tool failure cannot leave old data in place.
func (a *ExecAdapter) Generate(ctx context.Context, dict *dictionary.Dictionary, req Request) (*Batch, error) {
	if err := validateRequest(dict, req); err != nil {
		return nil, err
	}

	if err := artifact.Remove(req.OutputDir, req.FileType, req.NodeType); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	args := a.buildArgs(req)
	out, err := a.run(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %v: %v: %s", ErrGenerationFailed, a.Command, args, err, truncate(out, 512))
	}

	path := artifact.PathFor(req.OutputDir, req.FileType, req.NodeType)
	records, err := artifact.ReadRecords(ctx, path, req.FileType, artifact.ReadOptions{TrimSpace: true})
	if err != nil {
		return nil, fmt.Errorf("%w: read tool output: %v", ErrGenerationFailed, err)
	}
	if len(records) > req.MaxSamples {
		records = records[:req.MaxSamples]
	}

	return &Batch{
		NodeType: req.NodeType,
		Path:     path,
		Records:  records,
	}, nil
}

func (a *ExecAdapter) buildArgs(req Request) []string {
	args := []string{
		"simulate",
		"--url", a.DictionaryURL,
		"--path", req.OutputDir,
		"--program", req.Program,
		"--project", req.Project,
		"--max_samples", strconv.Itoa(req.MaxSamples),
		"--node_num_instances_file", req.NodeType,
	}
	if req.Seed == SeedRandom {
		args = append(args, "--random")
	}
	return args
}

func (a *ExecAdapter) run(ctx context.Context, args []string) ([]byte, error) {
	if a.RunCommand != nil {
		return a.RunCommand(ctx, a.Command, args...)
	}
	return exec.CommandContext(ctx, a.Command, args...).CombinedOutput()
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
