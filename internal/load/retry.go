// Package load pushes transformed documents into the submission system and
// the search index.
//
// Failure handling follows one rule everywhere: transient failures (network,
// 5xx) are retried with exponential backoff up to a bounded budget; permanent
// failures (validation, 4xx) are reported immediately and never retried.
package load

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"etl/internal/metrics"
)

// Logger is the minimal logging interface used by this package.
// *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

var (
	// ErrTransient marks failures worth retrying.
	ErrTransient = errors.New("load: transient failure")

	// ErrPermanent marks failures that retrying cannot fix.
	ErrPermanent = errors.New("load: permanent failure")

	// ErrMissingDocumentID means a search-index load was attempted before the
	// submission system assigned the document its id.
	ErrMissingDocumentID = errors.New("load: document id not assigned")
)

// StatusError carries an HTTP status and response excerpt for reporting.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}

// Unwrap classifies the status: 5xx is transient except 502, which the
// submission system emits for unrecoverable service errors. Everything else
// (4xx) is permanent.
func (e *StatusError) Unwrap() error {
	if e.StatusCode >= 500 && e.StatusCode != http.StatusBadGateway {
		return ErrTransient
	}
	return ErrPermanent
}

// classify wraps non-status errors: network and timeout failures are
// transient, anything already classified keeps its class.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrPermanent) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	// Unclassified errors from HTTP round trips are connection-level and
	// retryable.
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// RetryPolicy bounds retries of transient failures with exponential backoff.
type RetryPolicy struct {
	// Budget is the number of retries after the first attempt: an operation
	// that keeps failing transiently is attempted Budget+1 times.
	Budget int

	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Sleep is a seam for tests. When nil, the policy sleeps for real, still
	// honoring ctx cancellation.
	Sleep func(d time.Duration)

	Logger Logger
}

// Do runs op, retrying transient failures until the budget is exhausted.
// The last error is returned once it is, already classified.
func (p RetryPolicy) Do(ctx context.Context, desc string, op func(ctx context.Context) error) error {
	attempts := p.Budget + 1
	if attempts < 1 {
		attempts = 1
	}

	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}

		err = classify(op(ctx))
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrTransient) {
			return err
		}
		if attempt == attempts {
			break
		}

		delay := base << (attempt - 1)
		if delay > maxDelay {
			delay = maxDelay
		}
		metrics.IncCounter("pipeline_retries_total", 1, metrics.Labels{"target": desc})
		if p.Logger != nil {
			p.Logger.Printf("stage=load op=%s attempt=%d err=%v retry_in=%s", desc, attempt, err, delay)
		}
		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return fmt.Errorf("%s: retry budget exhausted after %d attempts: %w", desc, attempts, err)
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		p.Sleep(d)
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
