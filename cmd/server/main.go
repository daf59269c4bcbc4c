// Package main provides the ReviewGate webhook server.
//
// Configuration via environment variables:
//
//	GITHUB_APP_ID         - GitHub App ID (required)
//	GITHUB_WEBHOOK_SECRET - Webhook signature verification secret (required)
//	GITHUB_PRIVATE_KEY    - GitHub App private key in PEM format (required)
//	ANTHROPIC_API_KEY     - Anthropic API key for Claude (required)
//	DATABASE_URL          - PostgreSQL connection string (required)
//	PORT                  - HTTP server port (default: 8080)
//	REVIEW_MODEL          - Claude model override (default: built-in)
//	MONTHLY_REVIEW_LIMIT  - Default reviews per owner per month (default: 50, -1 for unlimited)
//	DEDUP_RETENTION       - How long delivery ids are remembered (default: 24h)
//	QUEUE_CAPACITY        - Review backlog bound (default: 256)
//	REVIEW_CONCURRENCY    - Parallel reviews (default: 4)
//	NOTIFY_URL            - Endpoint for completion events (default: none)
//	AUTO_ENROLL           - Enroll repositories on first webhook (default: false)
//
// Usage:
//
//	go run cmd/server/main.go
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/reviewgate/reviewgate/anthropic"
	"github.com/reviewgate/reviewgate/config"
	"github.com/reviewgate/reviewgate/github"
	"github.com/reviewgate/reviewgate/notify"
	"github.com/reviewgate/reviewgate/queue"
	"github.com/reviewgate/reviewgate/review"
	"github.com/reviewgate/reviewgate/storage"
	"github.com/reviewgate/reviewgate/storage/postgres"
)

var (
	logger         *slog.Logger
	webhookHandler *github.WebhookHandler
	githubClient   *github.Client
	store          storage.Store
	pipeline       *review.Pipeline
	jobQueue       *queue.Queue
	dedupRetention time.Duration
	autoEnroll     bool
)

func main() {
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if err := initialize(); err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	rootCtx, stopWorkers := context.WithCancel(context.Background())

	// Review workers
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		if err := jobQueue.Run(rootCtx); err != nil {
			logger.Error("queue dispatcher stopped", "error", err)
		}
	}()

	// Hourly sweep of expired delivery ids
	go runDedupSweeper(rootCtx)

	// Set up routes
	mux := http.NewServeMux()
	mux.HandleFunc("/webhooks/github", handleWebhook)
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/", handleRoot)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("starting server", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}

	stopWorkers()
	select {
	case <-workersDone:
	case <-ctx.Done():
		logger.Warn("workers did not drain in time")
	}
	pipeline.Wait()
}

func initialize() error {
	// Load required config from environment
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

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	defaultLimit := int64(50)
	if v := os.Getenv("MONTHLY_REVIEW_LIMIT"); v != "" {
		defaultLimit, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid MONTHLY_REVIEW_LIMIT: %w", err)
		}
	}

	dedupRetention = 24 * time.Hour
	if v := os.Getenv("DEDUP_RETENTION"); v != "" {
		dedupRetention, err = time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid DEDUP_RETENTION: %w", err)
		}
	}

	autoEnroll = os.Getenv("AUTO_ENROLL") == "true"

	// Initialize PostgreSQL storage
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	pg := postgres.New(db, defaultLimit)

	// Run migrations
	if err := pg.Migrate(context.Background()); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	store = pg

	// Initialize GitHub components
	webhookHandler = github.NewWebhookHandler(webhookSecret)
	githubClient = github.NewClient(appID, []byte(privateKey))

	// A dead API key means every review fails; surface it at boot.
	if err := anthropic.ValidateAPIKey(context.Background(), claudeAPIKey, 15*time.Second); err != nil {
		logger.Warn("Anthropic API key validation failed, reviews may fail", "error", err)
	}

	var notifier notify.Notifier = notify.NopNotifier{}
	if url := os.Getenv("NOTIFY_URL"); url != "" {
		notifier = notify.NewWebhookNotifier(url, logger)
	}

	invoker := review.NewClaudeInvoker(claudeAPIKey, os.Getenv("REVIEW_MODEL"), logger)
	pipeline = review.NewPipeline(store, githubClient, config.NewLoader(githubClient), invoker, notifier, logger)

	opts := queue.Options{}
	if v := os.Getenv("QUEUE_CAPACITY"); v != "" {
		capacity, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid QUEUE_CAPACITY: %w", err)
		}
		opts.Capacity = capacity
	}
	if v := os.Getenv("REVIEW_CONCURRENCY"); v != "" {
		concurrency, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid REVIEW_CONCURRENCY: %w", err)
		}
		opts.Concurrency = concurrency
	}
	jobQueue = queue.New(pipeline, logger, opts)

	logger.Info("initialized",
		"app_id", appID,
		"default_limit", defaultLimit,
		"dedup_retention", dedupRetention,
		"auto_enroll", autoEnroll,
	)

	return nil
}

// runDedupSweeper purges expired delivery claims once an hour.
func runDedupSweeper(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-dedupRetention)
			purged, err := store.PurgeDeliveries(ctx, cutoff)
			if err != nil {
				logger.Error("delivery purge failed", "error", err)
				continue
			}
			if purged > 0 {
				logger.Info("purged expired delivery ids", "count", purged)
			}
		}
	}
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{
		"name":   "ReviewGate",
		"status": "running",
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Read body
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error("failed to read body", "error", err)
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

	// Verify signature before anything else touches the payload
	signature := r.Header.Get("X-Hub-Signature-256")
	if err := webhookHandler.VerifySignature(payload, signature); err != nil {
		logger.Error("signature verification failed", "error", err, "delivery_id", deliveryID)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if eventType == "ping" {
		jsonResponse(w, http.StatusOK, map[string]string{"message": "pong"})
		return
	}

	// Peek at the action for routing
	var probe struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		http.Error(w, "failed to parse event", http.StatusBadRequest)
		return
	}

	disposition := github.Route(eventType, probe.Action)
	if disposition == github.DispositionIgnore {
		logger.Info("ignoring event", "type", eventType, "action", probe.Action)
		jsonResponse(w, http.StatusOK, map[string]string{"message": "event ignored"})
		return
	}

	// Parse fully before claiming the delivery id: a malformed payload must
	// not consume the claim, or a corrected redelivery inside the retention
	// window would be dropped as a duplicate.
	var prEvent *github.WebhookEvent
	var instEvent *github.InstallationEvent
	switch disposition {
	case github.DispositionInstallation:
		instEvent, err = webhookHandler.ParseInstallationEvent(payload)
	case github.DispositionReview:
		prEvent, err = webhookHandler.ParsePullRequestEvent(payload)
	}
	if err != nil {
		logger.Error("failed to parse event", "error", err, "delivery_id", deliveryID)
		http.Error(w, "failed to parse event", http.StatusBadRequest)
		return
	}

	// Claim the delivery id; replays are acknowledged without reprocessing
	claimed, err := store.ClaimDelivery(r.Context(), deliveryID)
	if err != nil {
		logger.Error("failed to claim delivery", "error", err, "delivery_id", deliveryID)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}
	if !claimed {
		logger.Info("duplicate delivery", "delivery_id", deliveryID, "event", eventType)
		jsonResponse(w, http.StatusOK, map[string]string{"message": "already processed"})
		return
	}

	logger.Info("received webhook", "event", eventType, "delivery_id", deliveryID, "size", len(payload))

	switch disposition {
	case github.DispositionInstallation:
		handleInstallationEvent(w, r, instEvent, probe.Action)
	case github.DispositionReview:
		handlePullRequestEvent(w, r, prEvent, deliveryID)
	}
}

func handleInstallationEvent(w http.ResponseWriter, r *http.Request, event *github.InstallationEvent, action string) {
	ctx := r.Context()
	if github.InstallationRemoved(action) {
		if err := store.DeactivateInstallation(ctx, event.Installation.ID); err != nil {
			logger.Error("failed to deactivate installation", "error", err)
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		logger.Info("installation deactivated",
			"installation_id", event.Installation.ID,
			"account", event.Installation.Account.Login,
		)
		jsonResponse(w, http.StatusOK, map[string]string{"message": "installation deactivated"})
		return
	}

	install := &storage.Installation{
		InstallationID: event.Installation.ID,
		AccountLogin:   event.Installation.Account.Login,
		AccountType:    event.Installation.Account.Type,
		Active:         true,
	}
	if err := store.SaveInstallation(ctx, install); err != nil {
		logger.Error("failed to save installation", "error", err)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	}

	for _, repo := range event.Repositories {
		if err := store.SaveRepository(ctx, &storage.Repository{
			ExternalID:     repo.ID,
			FullName:       repo.FullName,
			OwnerID:        event.Installation.Account.ID,
			InstallationID: event.Installation.ID,
			IsActive:       true,
		}); err != nil {
			logger.Error("failed to save repository", "error", err, "repo", repo.FullName)
		}
	}

	logger.Info("installation saved",
		"installation_id", event.Installation.ID,
		"account", event.Installation.Account.Login,
		"repositories", len(event.Repositories),
	)
	jsonResponse(w, http.StatusOK, map[string]string{"message": "installation saved"})
}

func handlePullRequestEvent(w http.ResponseWriter, r *http.Request, event *github.WebhookEvent, deliveryID string) {
	if autoEnroll {
		enrollFromEvent(r.Context(), event)
	}

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
		// The delivery id stays claimed; a redelivery inside the retention
		// window is dropped rather than double-reviewed.
		http.Error(w, "queue full, retry later", http.StatusServiceUnavailable)
		return
	}

	logger.Info("review queued",
		"repo", event.Repository.FullName,
		"pr", event.PullRequest.Number,
		"action", event.Action,
		"queue_depth", jobQueue.Depth(),
	)
	jsonResponse(w, http.StatusOK, map[string]string{"message": "review queued"})
}

// enrollFromEvent creates installation and repository records on first
// contact, for deployments that skip the installation webhook.
func enrollFromEvent(ctx context.Context, event *github.WebhookEvent) {
	install, err := store.GetInstallation(ctx, event.Installation.ID)
	if err == nil && install == nil {
		if err := store.SaveInstallation(ctx, &storage.Installation{
			InstallationID: event.Installation.ID,
			AccountLogin:   event.Repository.Owner.Login,
			Active:         true,
		}); err != nil {
			logger.Error("failed to auto-enroll installation", "error", err)
		}
	}

	repo, err := store.GetRepositoryByExternalID(ctx, event.Repository.ID)
	if err == nil && repo == nil {
		if err := store.SaveRepository(ctx, &storage.Repository{
			ExternalID:     event.Repository.ID,
			FullName:       event.Repository.FullName,
			DefaultBranch:  event.Repository.DefaultBranch,
			Language:       event.Repository.Language,
			OwnerID:        event.Repository.Owner.ID,
			InstallationID: event.Installation.ID,
			IsActive:       true,
		}); err != nil {
			logger.Error("failed to auto-enroll repository", "error", err)
		}
	}
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
