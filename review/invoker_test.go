package review

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRetryTransientEventualSuccess(t *testing.T) {
	calls := 0
	result, err := retryTransient(context.Background(), discardLogger(), "test", func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("status 503: upstream unavailable")
		}
		return "ok", nil
	}, time.Millisecond)

	if err != nil {
		t.Fatalf("retryTransient() error = %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %q, want %q", result, "ok")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

// Client errors must not be retried; the request stays bad.
func TestRetryTransientNonRetryable(t *testing.T) {
	calls := 0
	wantErr := errors.New("status 400: invalid_request_error")
	_, err := retryTransient(context.Background(), discardLogger(), "test", func() (string, error) {
		calls++
		return "", wantErr
	}, time.Millisecond)

	if !errors.Is(err, wantErr) {
		t.Fatalf("retryTransient() error = %v, want %v", err, wantErr)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on client error)", calls)
	}
}

func TestRetryTransientExhaustion(t *testing.T) {
	calls := 0
	_, err := retryTransient(context.Background(), discardLogger(), "invokeModel", func() (string, error) {
		calls++
		return "", errors.New("overloaded_error: try again later")
	}, time.Millisecond)

	if err == nil {
		t.Fatal("retryTransient() error = nil, want exhaustion error")
	}
	if !strings.Contains(err.Error(), "max retries exceeded") {
		t.Errorf("error = %v, want max retries exceeded", err)
	}
	if want := invokeMaxRetries + 1; calls != want {
		t.Errorf("calls = %d, want %d", calls, want)
	}
}

func TestRetryTransientContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := retryTransient(ctx, discardLogger(), "test", func() (string, error) {
		calls++
		cancel()
		return "", errors.New("status 502: bad gateway")
	}, time.Hour)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("retryTransient() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("calling model: %w", context.DeadlineExceeded), true},
		{"server error", errors.New("status 500: internal error"), true},
		{"bad gateway", errors.New("status 502"), true},
		{"unavailable", errors.New("status 503"), true},
		{"gateway timeout", errors.New("status 504"), true},
		{"overloaded", errors.New("overloaded_error"), true},
		{"connection reset", errors.New("connection reset by peer"), true},
		{"bad request", errors.New("status 400: invalid_request_error"), false},
		{"unauthorized", errors.New("status 401: authentication_error"), false},
		{"rate limit detail", errors.New("status 429: rate_limit_error"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransientError(tt.err); got != tt.want {
				t.Errorf("isTransientError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
