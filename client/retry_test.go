package client

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicy_BackoffDoubles(t *testing.T) {
	p := DefaultRetryPolicy()
	cases := map[int]time.Duration{
		0: time.Second,
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		6: 30 * time.Second,
	}
	for retry, want := range cases {
		if got := p.backoffForAttempt(retry); got != want {
			t.Fatalf("retry %d: expected %s, got %s", retry, want, got)
		}
	}
}

func TestNormalizeRetryPolicy(t *testing.T) {
	got := normalizeRetryPolicy(RetryPolicy{MaxAttempts: 0, BaseBackoff: 5 * time.Second, MaxBackoff: time.Second})
	if got.MaxAttempts != 1 {
		t.Fatalf("expected at least one attempt, got %d", got.MaxAttempts)
	}
	if got.MaxBackoff != 5*time.Second {
		t.Fatalf("expected max backoff raised to base, got %s", got.MaxBackoff)
	}
}

func TestSleepContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Fatalf("nil error is not retryable")
	}
	if IsRetryable(&StatusError{StatusCode: 429}) {
		t.Fatalf("client-class status must not be retried")
	}
	if !IsRetryable(&StatusError{StatusCode: 500}) {
		t.Fatalf("server-class status must be retried")
	}
	if !IsRetryable(errors.New("connection reset by peer")) {
		t.Fatalf("connection failures must be retried")
	}
	if IsRetryable(&decodeError{err: errors.New("bad json")}) {
		t.Fatalf("decode errors must not be retried")
	}
}
