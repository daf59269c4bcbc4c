package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidSignature indicates the webhook signature verification failed.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMissingSignature indicates the webhook signature header is missing.
	ErrMissingSignature = errors.New("missing webhook signature")
)

// Disposition is the routing decision for an incoming webhook delivery.
type Disposition int

const (
	// DispositionIgnore acknowledges the event without processing. Unknown
	// events land here; GitHub disables webhooks that fail repeatedly, so
	// routing decisions are never errors.
	DispositionIgnore Disposition = iota
	// DispositionReview runs the review pipeline.
	DispositionReview
	// DispositionInstallation updates installation records.
	DispositionInstallation
)

// Route maps an (event type, action) pair to its disposition.
func Route(eventType, action string) Disposition {
	switch eventType {
	case "pull_request":
		switch action {
		case "opened", "synchronize", "reopened":
			return DispositionReview
		}
	case "installation":
		switch action {
		case "created", "unsuspend", "deleted", "suspend":
			return DispositionInstallation
		}
	}
	return DispositionIgnore
}

// WebhookHandler verifies and parses GitHub webhook deliveries.
type WebhookHandler struct {
	secret []byte
}

// NewWebhookHandler creates a webhook handler with the given shared secret.
func NewWebhookHandler(secret string) *WebhookHandler {
	return &WebhookHandler{secret: []byte(secret)}
}

// VerifySignature verifies the payload against the X-Hub-Signature-256 header
// value (format "sha256=<hex>"). The comparison is constant-time; the secret
// and signature are never included in returned errors.
func (h *WebhookHandler) VerifySignature(payload []byte, signatureHeader string) error {
	if signatureHeader == "" {
		return ErrMissingSignature
	}

	parts := strings.SplitN(signatureHeader, "=", 2)
	if len(parts) != 2 || parts[0] != "sha256" {
		return ErrInvalidSignature
	}

	signature, err := hex.DecodeString(parts[1])
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(payload)
	expected := mac.Sum(nil)

	if !hmac.Equal(signature, expected) {
		return ErrInvalidSignature
	}
	return nil
}

// ParsePullRequestEvent parses a pull_request webhook payload.
func (h *WebhookHandler) ParsePullRequestEvent(payload []byte) (*WebhookEvent, error) {
	var event WebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}
	if event.PullRequest == nil {
		return nil, errors.New("payload is not a pull request event")
	}
	if event.PullRequest.Head == nil {
		return nil, errors.New("payload is missing pull request head")
	}
	if event.Repository == nil || event.Repository.Owner == nil {
		return nil, errors.New("payload is missing repository")
	}
	if event.Installation == nil {
		return nil, errors.New("payload is missing installation")
	}
	return &event, nil
}

// ParseInstallationEvent parses an installation webhook payload.
func (h *WebhookHandler) ParseInstallationEvent(payload []byte) (*InstallationEvent, error) {
	var event InstallationEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to parse installation payload: %w", err)
	}
	if event.Installation == nil || event.Installation.Account == nil {
		return nil, errors.New("payload is missing installation")
	}
	return &event, nil
}

// InstallationRemoved reports whether the installation action deactivates the
// installation (as opposed to creating/restoring it).
func InstallationRemoved(action string) bool {
	return action == "deleted" || action == "suspend"
}
