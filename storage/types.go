package storage

import "time"

// Review statuses. A review starts pending and ends in exactly one of the
// terminal states.
const (
	StatusPending      = "pending"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
	StatusSkippedQuota = "skipped_quota"
)

// UnlimitedReviews is the sentinel limit for plans without a monthly cap.
const UnlimitedReviews int64 = -1

// Installation represents a GitHub App installation on a user or org account.
// Installations are soft-deactivated, never deleted.
type Installation struct {
	InstallationID int64     `json:"installation_id"`
	AccountLogin   string    `json:"account_login"`
	AccountType    string    `json:"account_type,omitempty"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Repository is a repository known to the system. ExternalID is the GitHub
// repository id and is globally unique.
type Repository struct {
	ID             int64  `json:"id"`
	ExternalID     int64  `json:"external_id"`
	FullName       string `json:"full_name"`
	DefaultBranch  string `json:"default_branch"`
	Language       string `json:"language,omitempty"`
	OwnerID        int64  `json:"owner_id"`
	InstallationID int64  `json:"installation_id"`
	IsActive       bool   `json:"is_active"`
	WebhookID      int64  `json:"webhook_id,omitempty"`
}

// Review is one review run for a (repository, pull request) pair. The
// delivery id keys idempotent replay protection: at most one row exists per
// (repository id, PR external id, delivery id).
type Review struct {
	ID           int64       `json:"id"`
	RepositoryID int64       `json:"repository_id"`
	PRNumber     int         `json:"pr_number"`
	PRExternalID int64       `json:"pr_external_id"`
	DeliveryID   string      `json:"delivery_id"`
	Status       string      `json:"status"`
	ErrorCode    string      `json:"error_code,omitempty"`
	Analysis     *AIAnalysis `json:"analysis,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// AIAnalysis is the structured outcome of parsing the reviewer's response.
// Issues and Suggestions are always non-nil, possibly empty.
type AIAnalysis struct {
	OverallScore float64      `json:"overallScore"`
	Summary      string       `json:"summary"`
	Issues       []Issue      `json:"issues"`
	Suggestions  []Suggestion `json:"suggestions"`
	Confidence   float64      `json:"confidence,omitempty"`
	RawResponse  string       `json:"rawResponse,omitempty"`
}

// Issue severities, ordered most to least severe.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Issue is a single problem the reviewer found.
type Issue struct {
	Severity   string `json:"severity"`
	Type       string `json:"type"`
	File       string `json:"file,omitempty"`
	Line       int    `json:"line,omitempty"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Suggestion is a non-blocking improvement the reviewer proposed.
type Suggestion struct {
	Description string `json:"description"`
	File        string `json:"file,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// UsageCounter tracks per-owner review usage for one billing period.
// Period is formatted "2006-01".
type UsageCounter struct {
	OwnerID      int64      `json:"owner_id"`
	Period       string     `json:"period"`
	ReviewsUsed  int64      `json:"reviews_used"`
	ReviewsLimit int64      `json:"reviews_limit"`
	LastReviewAt *time.Time `json:"last_review_at,omitempty"`
}

// QuotaDecision is the result of an atomic quota reservation.
type QuotaDecision struct {
	Allowed bool
	Used    int64
	Limit   int64
}

// Period returns the usage-counter period key for t.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}
