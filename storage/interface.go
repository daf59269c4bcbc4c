// Package storage defines the persistence interface for the review pipeline.
package storage

import (
	"context"
	"time"
)

// Store is the persistence backend for the review pipeline.
// Implementations must be safe for concurrent use by multiple goroutines,
// and ClaimDelivery, ReserveReviewUnit, and SaveReviewResult must be atomic
// with respect to concurrent callers on the same key.
type Store interface {
	// ClaimDelivery atomically records a webhook delivery id. It returns
	// true exactly once per id within the retention window; concurrent
	// claims of the same id see true on one call and false on the rest.
	ClaimDelivery(ctx context.Context, deliveryID string) (bool, error)
	// PurgeDeliveries removes delivery claims received before cutoff.
	PurgeDeliveries(ctx context.Context, cutoff time.Time) (int64, error)

	// Installation operations
	SaveInstallation(ctx context.Context, install *Installation) error
	GetInstallation(ctx context.Context, installationID int64) (*Installation, error)
	DeactivateInstallation(ctx context.Context, installationID int64) error

	// Repository operations
	SaveRepository(ctx context.Context, repo *Repository) error
	GetRepositoryByExternalID(ctx context.Context, externalID int64) (*Repository, error)

	// ReserveReviewUnit atomically increments the owner's usage for the
	// period if (and only if) usage is below the limit. The counter row is
	// created with the store's default limit on first touch.
	ReserveReviewUnit(ctx context.Context, ownerID int64, period string) (QuotaDecision, error)
	// SetUsageLimit sets the plan limit for an owner's period, creating the
	// counter if needed. UnlimitedReviews removes the cap.
	SetUsageLimit(ctx context.Context, ownerID int64, period string, limit int64) error
	GetUsage(ctx context.Context, ownerID int64, period string) (*UsageCounter, error)

	// SaveReviewResult inserts the review row keyed by (repository id,
	// PR external id, delivery id) and, for completed reviews, stamps the
	// owner's last_review_at — all in one transaction. A replay of an
	// existing key is a no-op and returns created=false.
	SaveReviewResult(ctx context.Context, rev *Review, ownerID int64, period string) (created bool, err error)
	GetReview(ctx context.Context, repositoryID, prExternalID int64, deliveryID string) (*Review, error)
	ListReviewsForPR(ctx context.Context, repositoryID int64, prNumber int) ([]*Review, error)

	Close() error
}
