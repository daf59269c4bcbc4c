package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/reviewgate/reviewgate/github"
	"github.com/reviewgate/reviewgate/queue"
	"github.com/reviewgate/reviewgate/review"
	"github.com/reviewgate/reviewgate/storage/memory"
)

const testWebhookSecret = "webhook-secret"

const validPRPayload = `{
	"action": "opened",
	"number": 3,
	"pull_request": {
		"id": 901,
		"number": 3,
		"title": "Add retries",
		"head": {"ref": "feature", "sha": "abc123"},
		"base": {"ref": "main", "sha": "def456"}
	},
	"repository": {
		"id": 777,
		"name": "repo",
		"full_name": "acme/repo",
		"owner": {"id": 5, "login": "acme"},
		"default_branch": "main"
	},
	"installation": {"id": 999}
}`

type dropProcessor struct{}

func (dropProcessor) Process(ctx context.Context, job review.Job) (*review.Outcome, error) {
	return &review.Outcome{Status: review.StatusNotEnrolled}, nil
}

func setupWebhookTest(t *testing.T) {
	t.Helper()
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	webhookHandler = github.NewWebhookHandler(testWebhookSecret)
	store = memory.New(50)
	jobQueue = queue.New(dropProcessor{}, logger, queue.Options{Capacity: 4})
	autoEnroll = false
}

func signedRequest(body, eventType, deliveryID string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewBufferString(body))
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write([]byte(body))
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	req.Header.Set("X-GitHub-Event", eventType)
	req.Header.Set("X-GitHub-Delivery", deliveryID)
	return req
}

// A payload rejected as malformed must not consume the delivery id: the
// corrected redelivery carries the same id and still has to be processed.
func TestHandleWebhookMalformedBodyKeepsDeliveryFree(t *testing.T) {
	setupWebhookTest(t)
	const deliveryID = "delivery-bad-then-good"

	for _, body := range []string{
		`{"action": "opened", `,
		`{"action": "opened", "pull_request": {"id": 901, "number": 3}, "repository": {"id": 777, "name": "repo", "full_name": "acme/repo", "owner": {"id": 5, "login": "acme"}}, "installation": {"id": 999}}`,
	} {
		rec := httptest.NewRecorder()
		handleWebhook(rec, signedRequest(body, "pull_request", deliveryID))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("malformed payload: status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	}

	rec := httptest.NewRecorder()
	handleWebhook(rec, signedRequest(validPRPayload, "pull_request", deliveryID))
	if rec.Code != http.StatusOK {
		t.Fatalf("corrected redelivery: status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "review queued") {
		t.Errorf("corrected redelivery: body = %q, want review queued", rec.Body.String())
	}
	if jobQueue.Depth() != 1 {
		t.Errorf("queue depth = %d, want 1", jobQueue.Depth())
	}
}

func TestHandleWebhookDuplicateDelivery(t *testing.T) {
	setupWebhookTest(t)
	const deliveryID = "delivery-replayed"

	rec := httptest.NewRecorder()
	handleWebhook(rec, signedRequest(validPRPayload, "pull_request", deliveryID))
	if rec.Code != http.StatusOK {
		t.Fatalf("first delivery: status = %d, want %d", rec.Code, http.StatusOK)
	}

	rec = httptest.NewRecorder()
	handleWebhook(rec, signedRequest(validPRPayload, "pull_request", deliveryID))
	if rec.Code != http.StatusOK {
		t.Fatalf("replay: status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "already processed") {
		t.Errorf("replay: body = %q, want already processed", rec.Body.String())
	}
	if jobQueue.Depth() != 1 {
		t.Errorf("queue depth = %d, want 1 (replay must not enqueue)", jobQueue.Depth())
	}
}

func TestHandleWebhookBadSignature(t *testing.T) {
	setupWebhookTest(t)

	req := signedRequest(validPRPayload, "pull_request", "delivery-forged")
	req.Header.Set("X-Hub-Signature-256", "sha256="+strings.Repeat("00", 32))
	rec := httptest.NewRecorder()
	handleWebhook(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}
