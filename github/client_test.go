package github

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		timeout:    5 * time.Second,
		retryDelay: time.Millisecond,
	}
}

func TestGetJSONRetriesTransientStatus(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"number": 7}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	var out struct {
		Number int `json:"number"`
	}
	if err := c.getJSON(context.Background(), srv.Client(), srv.URL, &out); err != nil {
		t.Fatalf("getJSON() error = %v", err)
	}
	if out.Number != 7 {
		t.Errorf("Number = %d, want 7", out.Number)
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
}

func TestGetJSONRetriesRateLimit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	var out struct{}
	if err := c.getJSON(context.Background(), srv.Client(), srv.URL, &out); err != nil {
		t.Fatalf("getJSON() error = %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}
}

// 404 maps to ErrNotFound without a second request.
func TestGetJSONNotFoundNoRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	var out struct{}
	err := c.getJSON(context.Background(), srv.Client(), srv.URL, &out)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("getJSON() error = %v, want ErrNotFound", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}
}

func TestGetJSONClientErrorNoRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	var out struct{}
	err := c.getJSON(context.Background(), srv.Client(), srv.URL, &out)
	if err == nil {
		t.Fatal("getJSON() error = nil, want status error")
	}
	if !strings.Contains(err.Error(), "status 403") {
		t.Errorf("error = %v, want status 403", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}
}

func TestGetJSONExhaustsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	var out struct{}
	err := c.getJSON(context.Background(), srv.Client(), srv.URL, &out)
	if err == nil {
		t.Fatal("getJSON() error = nil, want exhaustion error")
	}
	if !strings.Contains(err.Error(), "max retries exceeded") {
		t.Errorf("error = %v, want max retries exceeded", err)
	}
	if got := hits.Load(); got != int32(fetchMaxAttempts) {
		t.Errorf("requests = %d, want %d", got, fetchMaxAttempts)
	}
}

func TestRetryableStatus(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusOK, false},
		{http.StatusNotFound, false},
		{http.StatusForbidden, false},
		{http.StatusUnprocessableEntity, false},
	}
	for _, tt := range tests {
		if got := retryableStatus(tt.status); got != tt.want {
			t.Errorf("retryableStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
