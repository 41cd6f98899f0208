package dictionary

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

var (
	// ErrUnreachableSource means the dictionary URL or path could not be read.
	ErrUnreachableSource = errors.New("dictionary: unreachable source")

	// ErrMalformedDictionary means the content could not be parsed into a
	// node/field schema.
	ErrMalformedDictionary = errors.New("dictionary: malformed content")
)

// Resolver fetches and caches the dictionary for a run. The first successful
// resolve is cached per source; the resolver never refetches mid-run.
type Resolver struct {
	// HTTPClient is a seam for tests. When nil, a client with Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to the fetch when HTTPClient is nil.
	Timeout time.Duration

	mu    sync.Mutex
	cache map[string]*Dictionary
}

// Resolve reads the dictionary from a URL (http/https) or a local file path.
func (r *Resolver) Resolve(ctx context.Context, urlOrPath string) (*Dictionary, error) {
	if urlOrPath == "" {
		return nil, fmt.Errorf("%w: empty source", ErrUnreachableSource)
	}

	r.mu.Lock()
	if d, ok := r.cache[urlOrPath]; ok {
		r.mu.Unlock()
		return d, nil
	}
	r.mu.Unlock()

	var (
		raw []byte
		err error
	)
	if isURL(urlOrPath) {
		raw, err = r.fetch(ctx, urlOrPath)
	} else {
		raw, err = os.ReadFile(urlOrPath)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrUnreachableSource, err)
		}
	}
	if err != nil {
		return nil, err
	}

	d, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.cache == nil {
		r.cache = make(map[string]*Dictionary)
	}
	r.cache[urlOrPath] = d
	r.mu.Unlock()

	return d, nil
}

func (r *Resolver) fetch(ctx context.Context, url string) ([]byte, error) {
	client := r.HTTPClient
	if client == nil {
		timeout := r.Timeout
		if timeout <= 0 {
			timeout = 180 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachableSource, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachableSource, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: GET %s: status %d", ErrUnreachableSource, url, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachableSource, err)
	}
	return raw, nil
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
