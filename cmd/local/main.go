// Package main provides a local development server backed by SQLite.
//
// It behaves like cmd/server but keeps state in a single file, logs at
// debug level, auto-enrolls every repository it sees, and drops
// completion events instead of delivering them.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/reviewgate/reviewgate/config"
	"github.com/reviewgate/reviewgate/github"
	"github.com/reviewgate/reviewgate/notify"
	"github.com/reviewgate/reviewgate/queue"
	"github.com/reviewgate/reviewgate/review"
	"github.com/reviewgate/reviewgate/storage"
	"github.com/reviewgate/reviewgate/storage/sqlite"
)

var (
	logger         *slog.Logger
	webhookHandler *github.WebhookHandler
	githubClient   *github.Client
	store          *sqlite.SQLite
	pipeline       *review.Pipeline
	jobQueue       *queue.Queue
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	if err := initialize(); err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := jobQueue.Run(ctx); err != nil {
			logger.Error("queue dispatcher stopped", "error", err)
		}
	}()

	http.HandleFunc("/webhooks/github", handleWebhook)
	http.HandleFunc("/health", handleHealth)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logger.Info("starting local server", "port", port)
	logger.Info("webhook endpoint", "url", fmt.Sprintf("http://localhost:%s/webhooks/github", port))

	if err := http.ListenAndServe(":"+port, nil); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func initialize() error {
	webhookSecret := os.Getenv("GITHUB_WEBHOOK_SECRET")
	if webhookSecret == "" {
		return fmt.Errorf("GITHUB_WEBHOOK_SECRET is required")
	}

	privateKey := os.Getenv("GITHUB_PRIVATE_KEY")
	if privateKey == "" {
		return fmt.Errorf("GITHUB_PRIVATE_KEY is required")
	}

	claudeAPIKey := os.Getenv("ANTHROPIC_API_KEY")
	if claudeAPIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required")
	}

	appIDStr := os.Getenv("GITHUB_APP_ID")
	if appIDStr == "" {
		return fmt.Errorf("GITHUB_APP_ID is required")
	}
	appID, err := strconv.ParseInt(appIDStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid GITHUB_APP_ID: %w", err)
	}

	dbPath := os.Getenv("REVIEWGATE_DB")
	if dbPath == "" {
		dbPath = "reviewgate.db"
	}

	store, err = sqlite.Open(dbPath, storage.UnlimitedReviews)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	webhookHandler = github.NewWebhookHandler(webhookSecret)
	githubClient = github.NewClient(appID, []byte(privateKey))

	invoker := review.NewClaudeInvoker(claudeAPIKey, os.Getenv("REVIEW_MODEL"), logger)
	pipeline = review.NewPipeline(store, githubClient, config.NewLoader(githubClient), invoker, notify.NopNotifier{}, logger)
	jobQueue = queue.New(pipeline, logger, queue.Options{Concurrency: 1})

	logger.Info("initialized", "app_id", appID, "db", dbPath)
	return nil
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	eventType := r.Header.Get("X-GitHub-Event")
	if eventType == "" {
		http.Error(w, "missing X-GitHub-Event header", http.StatusBadRequest)
		return
	}
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if deliveryID == "" {
		http.Error(w, "missing X-GitHub-Delivery header", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("X-Hub-Signature-256")
	if err := webhookHandler.VerifySignature(payload, signature); err != nil {
		logger.Error("signature verification failed", "error", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if eventType == "ping" {
		jsonResponse(w, http.StatusOK, map[string]string{"message": "pong"})
		return
	}

	var probe struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		http.Error(w, "failed to parse event", http.StatusBadRequest)
		return
	}

	if github.Route(eventType, probe.Action) != github.DispositionReview {
		logger.Debug("ignoring event", "type", eventType, "action", probe.Action)
		jsonResponse(w, http.StatusOK, map[string]string{"message": "event ignored"})
		return
	}

	// Parse before claiming the delivery id so a malformed payload does not
	// swallow the claim for a corrected redelivery.
	event, err := webhookHandler.ParsePullRequestEvent(payload)
	if err != nil {
		http.Error(w, "failed to parse event", http.StatusBadRequest)
		return
	}

	claimed, err := store.ClaimDelivery(r.Context(), deliveryID)
	if err != nil {
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	if !claimed {
		logger.Debug("duplicate delivery", "delivery_id", deliveryID)
		jsonResponse(w, http.StatusOK, map[string]string{"message": "already processed"})
		return
	}

	// Local mode always enrolls on first contact.
	enroll(r.Context(), event)

	job := review.Job{
		DeliveryID:     deliveryID,
		InstallationID: event.Installation.ID,
		RepoExternalID: event.Repository.ID,
		Owner:          event.Repository.Owner.Login,
		RepoName:       event.Repository.Name,
		PRNumber:       event.PullRequest.Number,
		PRExternalID:   event.PullRequest.ID,
		PRTitle:        event.PullRequest.Title,
		PRBody:         event.PullRequest.Body,
		HeadSHA:        event.PullRequest.Head.SHA,
		DefaultBranch:  event.Repository.DefaultBranch,
		Action:         event.Action,
	}
	if !jobQueue.Enqueue(job) {
		http.Error(w, "queue full, retry later", http.StatusServiceUnavailable)
		return
	}

	logger.Info("review queued", "repo", event.Repository.FullName, "pr", event.PullRequest.Number)
	jsonResponse(w, http.StatusOK, map[string]string{"message": "review queued"})
}

func enroll(ctx context.Context, event *github.WebhookEvent) {
	install, err := store.GetInstallation(ctx, event.Installation.ID)
	if err == nil && install == nil {
		_ = store.SaveInstallation(ctx, &storage.Installation{
			InstallationID: event.Installation.ID,
			AccountLogin:   event.Repository.Owner.Login,
			Active:         true,
		})
	}
	repo, err := store.GetRepositoryByExternalID(ctx, event.Repository.ID)
	if err == nil && repo == nil {
		_ = store.SaveRepository(ctx, &storage.Repository{
			ExternalID:     event.Repository.ID,
			FullName:       event.Repository.FullName,
			DefaultBranch:  event.Repository.DefaultBranch,
			Language:       event.Repository.Language,
			OwnerID:        event.Repository.Owner.ID,
			InstallationID: event.Installation.ID,
			IsActive:       true,
		})
	}
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
