package load

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestRetryPolicy_BudgetExhaustion(t *testing.T) {
	attempts := 0
	p := RetryPolicy{Budget: 3, Sleep: func(time.Duration) {}}

	err := p.Do(context.Background(), "always_transient", func(context.Context) error {
		attempts++
		return &StatusError{StatusCode: 503, Body: "unavailable"}
	})

	if attempts != 4 {
		t.Fatalf("attempts = %d, want budget+1 = 4", attempts)
	}
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("err = %v, want transient classification", err)
	}
}

func TestRetryPolicy_PermanentNotRetried(t *testing.T) {
	attempts := 0
	p := RetryPolicy{Budget: 3, Sleep: func(time.Duration) {}}

	err := p.Do(context.Background(), "validation", func(context.Context) error {
		attempts++
		return &StatusError{StatusCode: 400, Body: "bad record"}
	})

	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 for permanent failure", attempts)
	}
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("err = %v, want permanent classification", err)
	}
}

func TestRetryPolicy_EventualSuccess(t *testing.T) {
	attempts := 0
	p := RetryPolicy{Budget: 5, Sleep: func(time.Duration) {}}

	err := p.Do(context.Background(), "flaky", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return &StatusError{StatusCode: 500, Body: "oops"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d", attempts)
	}
}

func TestRetryPolicy_BackoffGrowsAndCaps(t *testing.T) {
	var delays []time.Duration
	p := RetryPolicy{
		Budget:    4,
		BaseDelay: time.Second,
		MaxDelay:  4 * time.Second,
		Sleep:     func(d time.Duration) { delays = append(delays, d) },
	}

	_ = p.Do(context.Background(), "x", func(context.Context) error {
		return &StatusError{StatusCode: 500}
	})

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v", delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delay[%d] = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestStatusError_Classification(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{500, true},
		{503, true},
		{429, false},
		{400, false},
		{404, false},
		{http.StatusBadGateway, false}, // unrecoverable service error
	}
	for _, c := range cases {
		err := error(&StatusError{StatusCode: c.status})
		if got := errors.Is(err, ErrTransient); got != c.transient {
			t.Fatalf("status %d: transient = %v, want %v", c.status, got, c.transient)
		}
	}
}

func TestRetryPolicy_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := RetryPolicy{Budget: 3, Sleep: func(time.Duration) {}}
	err := p.Do(ctx, "x", func(context.Context) error {
		return &StatusError{StatusCode: 500}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
