// Package config builds the immutable run configuration from the environment.
//
// All stage logic receives a Run value constructed once at startup; stages never
// read the environment themselves.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Run is the configuration for a single pipeline run.
//
// A Run is constructed once by Load and treated as read-only afterwards.
type Run struct {
	DictionaryURL string
	ProgramName   string
	ProjectCode   string
	MaxSamples    int
	BaseURL       string
	OutputPath    string
	FileType      string

	// NodeTypes is the ordered list of node types to process. Empty means
	// "every node type in the dictionary" (resolved after the dictionary loads).
	NodeTypes []string

	// Random selects entropy seeding for generation. When false, generation is
	// deterministic for identical inputs.
	Random bool

	// GeneratorKind selects the generator backend ("simulate" or "exec").
	GeneratorKind string
	// GeneratorCommand is the external tool invoked by the exec generator.
	GeneratorCommand string

	CredentialsPath string

	BatchSize         int
	MaxSubmitAttempts int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	RequestTimeout    time.Duration

	IndexName       string
	IndexURL        string
	IndexTimeout    time.Duration
	BulkBatchSize   int
	BulkMaxTries    int
	BulkRetryDelay  time.Duration
	MappingFilePath string

	// ManualFieldsPath points at a JSON file with the supplementary fields
	// merged into every transformed document. Optional.
	ManualFieldsPath string

	ReportStoreKind string
	ReportStoreDSN  string

	// ResumeRunID restricts a load run to the records a previous run left
	// failed or skipped, looked up in the report store. Empty means load all.
	ResumeRunID string

	// Workers bounds concurrent node-type pipelines.
	Workers int
}

// Load reads the run configuration from the environment, applying the
// documented defaults. It does not validate reachability of any endpoint.
func Load() (Run, error) {
	r := Run{
		DictionaryURL:    os.Getenv("DICTIONARY_URL"),
		ProgramName:      getEnv("PROGRAM_NAME", "pcdc"),
		ProjectCode:      os.Getenv("PROJECT_CODE"),
		BaseURL:          getEnv("BASE_URL", "http://localhost"),
		OutputPath:       getEnv("LOCAL_FILE_PATH", "../fake_data/quick_load/"),
		FileType:         getEnv("FILE_TYPE", "tsv"),
		GeneratorKind:    getEnv("GENERATOR", "simulate"),
		GeneratorCommand: getEnv("GENERATOR_COMMAND", "data-simulator"),
		CredentialsPath:  getEnv("CREDENTIALS", "../credentials.json"),

		IndexName:       os.Getenv("INDEX_NAME"),
		IndexURL:        getEnv("ES_URL", "http://localhost:"+getEnv("ES_PORT", "9200")),
		MappingFilePath: os.Getenv("MAPPING_FILE"),

		ManualFieldsPath: os.Getenv("MANUAL_FIELDS_FILE"),

		ReportStoreKind: getEnv("REPORT_STORE", "sqlite"),
		ReportStoreDSN:  getEnv("REPORT_STORE_DSN", "file:etl_report.db"),
		ResumeRunID:     os.Getenv("RESUME_RUN_ID"),
	}

	var err error
	if r.MaxSamples, err = getEnvInt("SAMPLE", 1); err != nil {
		return r, err
	}
	if r.Random, err = getEnvBool("RANDOM", false); err != nil {
		return r, err
	}
	if r.BatchSize, err = getEnvInt("BATCH_SIZE", 100); err != nil {
		return r, err
	}
	if r.MaxSubmitAttempts, err = getEnvInt("MAX_SUBMIT_ATTEMPTS", 3); err != nil {
		return r, err
	}
	if r.BulkBatchSize, err = getEnvInt("ES_BULK_BATCH_SIZE", 100); err != nil {
		return r, err
	}
	if r.BulkMaxTries, err = getEnvInt("ES_BULK_MAX_TRIES", 3); err != nil {
		return r, err
	}
	if r.Workers, err = getEnvInt("PIPELINE_WORKERS", 4); err != nil {
		return r, err
	}

	retryBase, err := getEnvInt("RETRY_BASE_DELAY_SECS", 1)
	if err != nil {
		return r, err
	}
	r.RetryBaseDelay = time.Duration(retryBase) * time.Second

	retryMax, err := getEnvInt("RETRY_MAX_DELAY_SECS", 60)
	if err != nil {
		return r, err
	}
	r.RetryMaxDelay = time.Duration(retryMax) * time.Second

	timeout, err := getEnvInt("REQUEST_TIMEOUT_SECS", 180)
	if err != nil {
		return r, err
	}
	r.RequestTimeout = time.Duration(timeout) * time.Second

	bulkDelay, err := getEnvInt("ES_BULK_RETRY_DELAY", 60)
	if err != nil {
		return r, err
	}
	r.BulkRetryDelay = time.Duration(bulkDelay) * time.Second

	esTimeout, err := getEnvInt("ES_TIMEOUT", 120)
	if err != nil {
		return r, err
	}
	r.IndexTimeout = time.Duration(esTimeout) * time.Second

	if r.NodeTypes, err = getEnvList("TYPES"); err != nil {
		return r, err
	}

	if r.IndexName == "" && r.ProjectCode != "" {
		r.IndexName = strings.ToLower(r.ProgramName + "_" + r.ProjectCode)
	}

	return r, r.Validate()
}

// Validate reports configuration-level errors that must abort the run before
// any stage starts.
func (r Run) Validate() error {
	if r.DictionaryURL == "" {
		return fmt.Errorf("config: DICTIONARY_URL is required")
	}
	if r.ProgramName == "" {
		return fmt.Errorf("config: PROGRAM_NAME must not be empty")
	}
	if r.MaxSamples < 0 {
		return fmt.Errorf("config: SAMPLE must be >= 0, got %d", r.MaxSamples)
	}
	if r.FileType != "tsv" && r.FileType != "json" {
		return fmt.Errorf("config: unsupported FILE_TYPE %q", r.FileType)
	}
	if r.OutputPath == "" {
		return fmt.Errorf("config: LOCAL_FILE_PATH must not be empty")
	}
	if r.Workers < 1 {
		return fmt.Errorf("config: PIPELINE_WORKERS must be >= 1, got %d", r.Workers)
	}
	return nil
}

// ProjectID returns the "program-project" composite used by the submission
// system, e.g. "pcdc-20220808".
func (r Run) ProjectID() string {
	return r.ProgramName + "-" + r.ProjectCode
}

// SplitProjectID parses a "program-project" composite id.
func SplitProjectID(projectID string) (program, project string, err error) {
	parts := strings.SplitN(projectID, "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("config: invalid project id %q", projectID)
	}
	return parts[0], parts[1], nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}

// getEnvList accepts either a JSON array (the historical form) or a
// comma-separated list.
func getEnvList(key string) ([]string, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil, nil
	}
	if strings.HasPrefix(v, "[") {
		var out []string
		if err := json.Unmarshal([]byte(v), &out); err != nil {
			return nil, fmt.Errorf("config: %s: %w", key, err)
		}
		return normalizeList(out), nil
	}
	return normalizeList(strings.Split(v, ",")), nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
