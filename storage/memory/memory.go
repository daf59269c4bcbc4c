// Package memory provides an in-process implementation of the storage
// interface. It backs tests and is only correct for a single instance: the
// delivery seen-set and usage counters live behind one mutex, so the
// atomicity guarantees do not extend across processes.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/reviewgate/reviewgate/storage"
)

type reviewKey struct {
	repositoryID int64
	prExternalID int64
	deliveryID   string
}

type counterKey struct {
	ownerID int64
	period  string
}

// Memory implements storage.Store with process-local maps.
type Memory struct {
	mu           sync.Mutex
	defaultLimit int64

	deliveries    map[string]time.Time
	installations map[int64]*storage.Installation
	repositories  map[int64]*storage.Repository
	counters      map[counterKey]*storage.UsageCounter
	reviews       map[reviewKey]*storage.Review
	nextReviewID  int64
	nextRepoID    int64
}

// New creates an empty in-memory store with the given default monthly limit.
func New(defaultLimit int64) *Memory {
	return &Memory{
		defaultLimit:  defaultLimit,
		deliveries:    make(map[string]time.Time),
		installations: make(map[int64]*storage.Installation),
		repositories:  make(map[int64]*storage.Repository),
		counters:      make(map[counterKey]*storage.UsageCounter),
		reviews:       make(map[reviewKey]*storage.Review),
	}
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// ClaimDelivery records a delivery id under the store mutex; the first caller
// per id wins.
func (m *Memory) ClaimDelivery(_ context.Context, deliveryID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.deliveries[deliveryID]; seen {
		return false, nil
	}
	m.deliveries[deliveryID] = time.Now().UTC()
	return true, nil
}

// PurgeDeliveries removes delivery claims received before cutoff.
func (m *Memory) PurgeDeliveries(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for id, at := range m.deliveries {
		if at.Before(cutoff) {
			delete(m.deliveries, id)
			purged++
		}
	}
	return purged, nil
}

// SaveInstallation inserts or reactivates an installation.
func (m *Memory) SaveInstallation(_ context.Context, install *storage.Installation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	cp := *install
	cp.Active = true
	cp.UpdatedAt = now
	if existing, ok := m.installations[install.InstallationID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	m.installations[install.InstallationID] = &cp
	return nil
}

// GetInstallation retrieves an installation, or nil if unknown.
func (m *Memory) GetInstallation(_ context.Context, installationID int64) (*storage.Installation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	install, ok := m.installations[installationID]
	if !ok {
		return nil, nil
	}
	cp := *install
	return &cp, nil
}

// DeactivateInstallation soft-deactivates an installation and its repositories.
func (m *Memory) DeactivateInstallation(_ context.Context, installationID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if install, ok := m.installations[installationID]; ok {
		install.Active = false
		install.UpdatedAt = time.Now().UTC()
	}
	for _, repo := range m.repositories {
		if repo.InstallationID == installationID {
			repo.IsActive = false
		}
	}
	return nil
}

// SaveRepository inserts or updates a repository keyed by its external id.
func (m *Memory) SaveRepository(_ context.Context, repo *storage.Repository) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *repo
	if existing, ok := m.repositories[repo.ExternalID]; ok {
		cp.ID = existing.ID
	} else {
		m.nextRepoID++
		cp.ID = m.nextRepoID
	}
	m.repositories[repo.ExternalID] = &cp
	return nil
}

// GetRepositoryByExternalID retrieves a repository, or nil if not enrolled.
func (m *Memory) GetRepositoryByExternalID(_ context.Context, externalID int64) (*storage.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, ok := m.repositories[externalID]
	if !ok {
		return nil, nil
	}
	cp := *repo
	return &cp, nil
}

// ReserveReviewUnit atomically reserves one unit of the owner's allowance.
func (m *Memory) ReserveReviewUnit(_ context.Context, ownerID int64, period string) (storage.QuotaDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counter := m.counterLocked(ownerID, period)
	if counter.ReviewsLimit >= 0 && counter.ReviewsUsed >= counter.ReviewsLimit {
		return storage.QuotaDecision{Allowed: false, Used: counter.ReviewsUsed, Limit: counter.ReviewsLimit}, nil
	}
	counter.ReviewsUsed++
	return storage.QuotaDecision{Allowed: true, Used: counter.ReviewsUsed, Limit: counter.ReviewsLimit}, nil
}

// SetUsageLimit sets the plan limit for an owner's period.
func (m *Memory) SetUsageLimit(_ context.Context, ownerID int64, period string, limit int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counterLocked(ownerID, period).ReviewsLimit = limit
	return nil
}

// GetUsage retrieves an owner's usage counter, or nil if never touched.
func (m *Memory) GetUsage(_ context.Context, ownerID int64, period string) (*storage.UsageCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counter, ok := m.counters[counterKey{ownerID, period}]
	if !ok {
		return nil, nil
	}
	cp := *counter
	return &cp, nil
}

func (m *Memory) counterLocked(ownerID int64, period string) *storage.UsageCounter {
	key := counterKey{ownerID, period}
	counter, ok := m.counters[key]
	if !ok {
		counter = &storage.UsageCounter{
			OwnerID:      ownerID,
			Period:       period,
			ReviewsLimit: m.defaultLimit,
		}
		m.counters[key] = counter
	}
	return counter
}

// SaveReviewResult inserts the review row if its key is unseen and stamps
// last_review_at for completed reviews.
func (m *Memory) SaveReviewResult(_ context.Context, rev *storage.Review, ownerID int64, period string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := reviewKey{rev.RepositoryID, rev.PRExternalID, rev.DeliveryID}
	if _, exists := m.reviews[key]; exists {
		return false, nil
	}
	now := time.Now().UTC()
	m.nextReviewID++
	cp := *rev
	cp.ID = m.nextReviewID
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.reviews[key] = &cp

	if rev.Status == storage.StatusCompleted {
		counter := m.counterLocked(ownerID, period)
		counter.LastReviewAt = &now
	}
	return true, nil
}

// GetReview retrieves one review by its idempotency key, or nil.
func (m *Memory) GetReview(_ context.Context, repositoryID, prExternalID int64, deliveryID string) (*storage.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rev, ok := m.reviews[reviewKey{repositoryID, prExternalID, deliveryID}]
	if !ok {
		return nil, nil
	}
	cp := *rev
	return &cp, nil
}

// ListReviewsForPR retrieves all review runs for a pull request, oldest first.
func (m *Memory) ListReviewsForPR(_ context.Context, repositoryID int64, prNumber int) ([]*storage.Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var reviews []*storage.Review
	for _, rev := range m.reviews {
		if rev.RepositoryID == repositoryID && rev.PRNumber == prNumber {
			cp := *rev
			reviews = append(reviews, &cp)
		}
	}
	for i := 0; i < len(reviews); i++ {
		for j := i + 1; j < len(reviews); j++ {
			if reviews[j].ID < reviews[i].ID {
				reviews[i], reviews[j] = reviews[j], reviews[i]
			}
		}
	}
	return reviews, nil
}

// Verify Memory implements Store at compile time.
var _ storage.Store = (*Memory)(nil)
