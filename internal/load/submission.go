package load

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"etl/internal/config"
	"etl/internal/transform"
)

// SubmissionClient performs create-or-update loads against the submission
// system's graph API, keyed by submitter_id. The system assigns each record
// its document id; that id is the join key for the search-index load.
type SubmissionClient struct {
	BaseURL    string
	Creds      config.Credentials
	HTTPClient *http.Client
	Retry      RetryPolicy
	Logger     Logger

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// SubmitResult pairs a record's submitter key with the system-assigned id.
type SubmitResult struct {
	SubmitterID string
	DocumentID  string
}

// CreateProgram registers the top-level program. An already-existing program
// is an update, not an error (create-or-update semantics).
func (c *SubmissionClient) CreateProgram(ctx context.Context, name string) error {
	body := map[string]any{
		"type":                   "program",
		"name":                   name,
		"dbgap_accession_number": name,
	}
	return c.Retry.Do(ctx, "create_program", func(ctx context.Context) error {
		return c.do(ctx, http.MethodPost, "/api/v0/submission/", body, nil)
	})
}

// CreateProject registers a project under program.
func (c *SubmissionClient) CreateProject(ctx context.Context, program string, project map[string]any) error {
	return c.Retry.Do(ctx, "create_project", func(ctx context.Context) error {
		return c.do(ctx, http.MethodPut, "/api/v0/submission/"+program, project, nil)
	})
}

// SubmitRecords upserts a batch of documents under program/project and
// returns the system-assigned id for each, keyed by submitter_id.
//
// The composite project_id field ("program-project") routes the call but is
// not part of the wire record. A record carrying a malformed project_id, or
// one routing to a different program/project than the rest of the batch, is
// a permanent failure. When program and project are empty the route is taken
// from the first record's project_id.
func (c *SubmissionClient) SubmitRecords(ctx context.Context, program, project string, docs []transform.Document) ([]SubmitResult, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	payload := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		rec := make(map[string]any, len(d))
		for k, v := range d {
			if k == "project_id" {
				id, _ := v.(string)
				p, pr, err := config.SplitProjectID(id)
				if err != nil {
					return nil, fmt.Errorf("%w: record %s: %v", ErrPermanent, docSubmitter(d), err)
				}
				if program == "" && project == "" {
					program, project = p, pr
				} else if p != program || pr != project {
					return nil, fmt.Errorf("%w: record %s: project_id %q does not match route %s-%s",
						ErrPermanent, docSubmitter(d), id, program, project)
				}
				continue
			}
			rec[k] = v
		}
		payload = append(payload, rec)
	}

	var resp submitResponse
	err := c.Retry.Do(ctx, "submit_records", func(ctx context.Context) error {
		resp = submitResponse{}
		return c.do(ctx, http.MethodPut, "/api/v0/submission/"+program+"/"+project, payload, &resp)
	})
	if err != nil {
		return nil, err
	}

	out := make([]SubmitResult, 0, len(resp.Entities))
	for _, e := range resp.Entities {
		out = append(out, SubmitResult{SubmitterID: e.submitterID(), DocumentID: e.ID})
	}
	return out, nil
}

// ExportRecord fetches a submitted record by its document id. Used for
// spot-check verification of loaded data.
func (c *SubmissionClient) ExportRecord(ctx context.Context, program, project, documentID string) (map[string]any, error) {
	var out exportResponse
	err := c.Retry.Do(ctx, "export_record", func(ctx context.Context) error {
		out = exportResponse{}
		path := fmt.Sprintf("/api/v0/submission/%s/%s/export/?ids=%s&format=json", program, project, documentID)
		return c.do(ctx, http.MethodGet, path, nil, &out)
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: record %s not found", ErrPermanent, documentID)
	}
	return out[0], nil
}

func docSubmitter(d transform.Document) string {
	if v, ok := d["submitter_id"].(string); ok && v != "" {
		return v
	}
	return "(unknown)"
}

type submitResponse struct {
	Success  bool           `json:"success"`
	Entities []submitEntity `json:"entities"`
}

type submitEntity struct {
	ID         string              `json:"id"`
	UniqueKeys []map[string]string `json:"unique_keys"`
}

func (e submitEntity) submitterID() string {
	for _, keys := range e.UniqueKeys {
		if id, ok := keys["submitter_id"]; ok {
			return id
		}
	}
	return ""
}

type exportResponse []map[string]any

// do executes one authenticated JSON request. Non-2xx statuses become
// StatusError so the retry policy can classify them.
func (c *SubmissionClient) do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", ErrPermanent, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(truncateBytes(raw, 512))}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%w: decode response: %v", ErrPermanent, err)
		}
	}
	return nil
}

// accessToken exchanges the API key pair for a bearer token, caching it for
// the run. Token fetch failures are classified like any other call.
func (c *SubmissionClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && time.Now().Before(c.tokenExp) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	body, err := json.Marshal(map[string]string{
		"api_key": c.Creds.APIKey,
		"key_id":  c.Creds.KeyID,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPermanent, err)
	}

	url := strings.TrimRight(c.BaseURL, "/") + "/user/credentials/cdis/access_token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(truncateBytes(raw, 512))}
	}

	var tok struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(raw, &tok); err != nil || tok.AccessToken == "" {
		return "", fmt.Errorf("%w: token response malformed", ErrPermanent)
	}

	c.mu.Lock()
	c.token = tok.AccessToken
	c.tokenExp = time.Now().Add(10 * time.Minute)
	c.mu.Unlock()

	return tok.AccessToken, nil
}

func (c *SubmissionClient) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func truncateBytes(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
