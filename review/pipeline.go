// Package review turns a claimed webhook delivery into a persisted review:
// enrollment and quota checks, diff retrieval, model invocation, response
// parsing, and the final transactional write.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/reviewgate/reviewgate/config"
	"github.com/reviewgate/reviewgate/github"
	"github.com/reviewgate/reviewgate/notify"
	"github.com/reviewgate/reviewgate/storage"
)

// Error codes recorded on failed reviews.
const (
	ErrCodeFetchFailed = "fetch_failed"
	ErrCodeAIFailed    = "ai_failed"
)

// Job is one unit of review work, queued by the webhook handler.
type Job struct {
	DeliveryID     string
	InstallationID int64
	RepoExternalID int64
	Owner          string
	RepoName       string
	PRNumber       int
	PRExternalID   int64
	PRTitle        string
	PRBody         string
	HeadSHA        string
	DefaultBranch  string
	Action         string
}

// Outcome reports how a job ended.
type Outcome struct {
	// Status is a storage status for persisted outcomes, or "not_enrolled"
	// when the job was dropped before the quota gate.
	Status    string
	ErrorCode string
	Review    *storage.Review
	Analysis  *storage.AIAnalysis
	Method    Method
}

// StatusNotEnrolled marks jobs dropped without persisting anything: the
// repository is unknown, inactive, or has reviews turned off.
const StatusNotEnrolled = "not_enrolled"

// PRSource fetches pull request data. *github.Client implements it.
type PRSource interface {
	GetPullRequest(ctx context.Context, installationID int64, owner, repo string, prNumber int) (*github.PullRequest, error)
	ListPullRequestFiles(ctx context.Context, installationID int64, owner, repo string, prNumber int) ([]github.PullRequestFile, error)
}

// ConfigLoader loads per-repository settings. *config.Loader implements it.
type ConfigLoader interface {
	Load(ctx context.Context, installationID int64, owner, repo, ref string) (*config.RepoConfig, error)
}

// Pipeline processes review jobs end to end.
type Pipeline struct {
	store    storage.Store
	source   PRSource
	configs  ConfigLoader
	invoker  Invoker
	notifier notify.Notifier
	logger   *slog.Logger
	limits   Limits

	notifyWG sync.WaitGroup
}

func NewPipeline(store storage.Store, source PRSource, configs ConfigLoader, invoker Invoker, notifier notify.Notifier, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:    store,
		source:   source,
		configs:  configs,
		invoker:  invoker,
		notifier: notifier,
		logger:   logger,
		limits:   DefaultLimits(),
	}
}

// Process runs one job to a terminal outcome. Infrastructure errors (a
// store that cannot be reached) are returned; review failures (fetch or
// model errors) are persisted as failed reviews and are not errors here.
func (p *Pipeline) Process(ctx context.Context, job Job) (*Outcome, error) {
	logger := p.logger.With(
		"delivery_id", job.DeliveryID,
		"repo", job.Owner+"/"+job.RepoName,
		"pr", job.PRNumber,
	)

	repo, err := p.store.GetRepositoryByExternalID(ctx, job.RepoExternalID)
	if err != nil {
		return nil, fmt.Errorf("resolving repository: %w", err)
	}
	if repo == nil || !repo.IsActive {
		logger.Info("skipping review, repository not enrolled")
		return &Outcome{Status: StatusNotEnrolled}, nil
	}

	install, err := p.store.GetInstallation(ctx, job.InstallationID)
	if err != nil {
		return nil, fmt.Errorf("resolving installation: %w", err)
	}
	if install == nil || !install.Active {
		logger.Info("skipping review, installation inactive")
		return &Outcome{Status: StatusNotEnrolled}, nil
	}

	cfg, err := p.configs.Load(ctx, job.InstallationID, job.Owner, job.RepoName, job.HeadSHA)
	if err != nil {
		logger.Warn("config load failed, using defaults", "error", err)
		cfg = config.Default()
	}
	if !cfg.IsEnabled() {
		logger.Info("skipping review, disabled by repository config")
		return &Outcome{Status: StatusNotEnrolled}, nil
	}

	period := storage.Period(time.Now())
	// The reservation is the usage increment; it is never refunded. A replay
	// whose delivery id already aged out of the dedup window reserves a second
	// unit here before the unique review key makes SaveReviewResult a no-op.
	decision, err := p.store.ReserveReviewUnit(ctx, repo.OwnerID, period)
	if err != nil {
		return nil, fmt.Errorf("reserving review unit: %w", err)
	}
	if !decision.Allowed {
		logger.Info("quota exhausted, recording skipped review",
			"used", decision.Used,
			"limit", decision.Limit,
		)
		return p.finish(ctx, job, repo, period, &Outcome{
			Status: storage.StatusSkippedQuota,
		})
	}

	pr, files, err := p.fetchPR(ctx, job)
	if err != nil {
		logger.Error("fetching pull request failed", "error", err)
		return p.finish(ctx, job, repo, period, &Outcome{
			Status:    storage.StatusFailed,
			ErrorCode: ErrCodeFetchFailed,
		})
	}

	diff := BuildDiffContext(files, cfg.ShouldExcludeFile, p.jobLimits(cfg))
	if len(diff.Files) == 0 {
		logger.Info("no reviewable files after exclusions, recording skipped review")
		return p.finish(ctx, job, repo, period, &Outcome{
			Status:   storage.StatusCompleted,
			Analysis: emptyDiffAnalysis(),
			Method:   MethodFallback,
		})
	}

	prompt := BuildPrompt(PromptInput{
		Owner:        job.Owner,
		Repo:         job.RepoName,
		Language:     repo.Language,
		Title:        pr.Title,
		Body:         pr.Body,
		Instructions: cfg.Instructions,
		Diff:         diff,
	})

	raw, err := p.invoker.Invoke(ctx, InvokeRequest{
		System: SystemPrompt(repo.Language),
		Prompt: prompt,
	})
	if err != nil {
		logger.Error("model invocation failed", "error", err)
		return p.finish(ctx, job, repo, period, &Outcome{
			Status:    storage.StatusFailed,
			ErrorCode: ErrCodeAIFailed,
		})
	}

	parsed := ParseAnalysis(raw)
	logger.Info("review analysis parsed",
		"method", parsed.Method,
		"score", parsed.Analysis.OverallScore,
		"issues", len(parsed.Analysis.Issues),
	)

	return p.finish(ctx, job, repo, period, &Outcome{
		Status:   storage.StatusCompleted,
		Analysis: parsed.Analysis,
		Method:   parsed.Method,
	})
}

func (p *Pipeline) fetchPR(ctx context.Context, job Job) (*github.PullRequest, []github.PullRequestFile, error) {
	pr, err := p.source.GetPullRequest(ctx, job.InstallationID, job.Owner, job.RepoName, job.PRNumber)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching PR #%d: %w", job.PRNumber, err)
	}
	files, err := p.source.ListPullRequestFiles(ctx, job.InstallationID, job.Owner, job.RepoName, job.PRNumber)
	if err != nil {
		return nil, nil, fmt.Errorf("listing files for PR #%d: %w", job.PRNumber, err)
	}
	return pr, files, nil
}

func (p *Pipeline) jobLimits(cfg *config.RepoConfig) Limits {
	limits := p.limits
	if cfg.MaxFiles > 0 && (limits.MaxFiles == 0 || cfg.MaxFiles < limits.MaxFiles) {
		limits.MaxFiles = cfg.MaxFiles
	}
	return limits
}

// finish persists the outcome and fires the notification. The write is
// retried once; if it still fails the error is returned so the caller can
// surface it, since an unrecorded outcome breaks replay protection.
func (p *Pipeline) finish(ctx context.Context, job Job, repo *storage.Repository, period string, outcome *Outcome) (*Outcome, error) {
	rev := &storage.Review{
		RepositoryID: repo.ID,
		PRNumber:     job.PRNumber,
		PRExternalID: job.PRExternalID,
		DeliveryID:   job.DeliveryID,
		Status:       outcome.Status,
		ErrorCode:    outcome.ErrorCode,
		Analysis:     outcome.Analysis,
	}

	created, err := p.store.SaveReviewResult(ctx, rev, repo.OwnerID, period)
	if err != nil {
		created, err = p.store.SaveReviewResult(ctx, rev, repo.OwnerID, period)
	}
	if err != nil {
		return nil, fmt.Errorf("persisting review: %w", err)
	}
	if !created {
		p.logger.Info("review already recorded for delivery",
			"delivery_id", job.DeliveryID,
			"pr", job.PRNumber,
		)
	}
	outcome.Review = rev

	p.notifyAsync(job, repo, outcome)
	return outcome, nil
}

// notifyAsync delivers the completion event without blocking the pipeline.
// Notification failures are logged and never affect the stored review.
func (p *Pipeline) notifyAsync(job Job, repo *storage.Repository, outcome *Outcome) {
	var score float64
	if outcome.Analysis != nil {
		score = outcome.Analysis.OverallScore
	}
	event := notify.NewEvent(repo.FullName, job.PRNumber, job.DeliveryID, outcome.Status, score)

	p.notifyWG.Add(1)
	go func() {
		defer p.notifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := p.notifier.Notify(ctx, event); err != nil {
			p.logger.Warn("notification delivery failed",
				"event_id", event.ID,
				"delivery_id", job.DeliveryID,
				"error", err,
			)
		}
	}()
}

// Wait blocks until in-flight notifications finish. Used during shutdown.
func (p *Pipeline) Wait() {
	p.notifyWG.Wait()
}

func emptyDiffAnalysis() *storage.AIAnalysis {
	return &storage.AIAnalysis{
		OverallScore: 10,
		Summary:      "No reviewable changes after applying exclusion patterns.",
		Issues:       []storage.Issue{},
		Suggestions:  []storage.Suggestion{},
		Confidence:   1.0,
	}
}
