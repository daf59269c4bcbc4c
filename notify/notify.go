// Package notify emits fire-and-forget events when a review finishes.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Event describes a finished review. Delivery is best-effort: a lost
// event never affects the stored review.
type Event struct {
	ID           string    `json:"id"`
	Repository   string    `json:"repository"`
	PRNumber     int       `json:"prNumber"`
	DeliveryID   string    `json:"deliveryId"`
	Status       string    `json:"status"`
	OverallScore float64   `json:"overallScore,omitempty"`
	CompletedAt  time.Time `json:"completedAt"`
}

// NewEvent stamps an event with a fresh id and timestamp.
func NewEvent(repository string, prNumber int, deliveryID, status string, score float64) Event {
	return Event{
		ID:           uuid.NewString(),
		Repository:   repository,
		PRNumber:     prNumber,
		DeliveryID:   deliveryID,
		Status:       status,
		OverallScore: score,
		CompletedAt:  time.Now().UTC(),
	}
}

// Notifier delivers events somewhere. Implementations must not block the
// caller beyond their own timeout and must swallow nothing silently.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// WebhookNotifier POSTs events as JSON to a configured endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewWebhookNotifier(url string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-ReviewGate-Event-ID", event.ID)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}

	n.logger.Debug("notification delivered",
		"event_id", event.ID,
		"repository", event.Repository,
		"status", event.Status,
	)
	return nil
}

// NopNotifier drops all events. Used when no endpoint is configured.
type NopNotifier struct{}

func (NopNotifier) Notify(ctx context.Context, event Event) error { return nil }
