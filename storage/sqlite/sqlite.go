// Package sqlite provides a single-node SQLite implementation of the storage
// interface, used by the local development server. The atomicity guarantees
// match the PostgreSQL backend within one process; it is not suitable for
// multi-instance deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/reviewgate/reviewgate/storage"
)

// SQLite implements storage.Store on a local database file.
type SQLite struct {
	db           *sql.DB
	defaultLimit int64
}

// Open creates or opens a SQLite store at path.
func Open(path string, defaultLimit int64) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writes; a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &SQLite{db: db, defaultLimit: defaultLimit}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Migrate creates the required tables.
func (s *SQLite) Migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS installations (
			installation_id INTEGER PRIMARY KEY,
			account_login TEXT NOT NULL,
			account_type TEXT,
			active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS repositories (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			external_id INTEGER NOT NULL UNIQUE,
			full_name TEXT NOT NULL,
			default_branch TEXT NOT NULL DEFAULT 'main',
			language TEXT,
			owner_id INTEGER NOT NULL,
			installation_id INTEGER NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			webhook_id INTEGER,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS deliveries (
			delivery_id TEXT PRIMARY KEY,
			received_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS usage_counters (
			owner_id INTEGER NOT NULL,
			period TEXT NOT NULL,
			reviews_used INTEGER NOT NULL DEFAULT 0,
			reviews_limit INTEGER NOT NULL,
			last_review_at DATETIME,
			PRIMARY KEY (owner_id, period)
		);

		CREATE TABLE IF NOT EXISTS reviews (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			repository_id INTEGER NOT NULL,
			pr_number INTEGER NOT NULL,
			pr_external_id INTEGER NOT NULL,
			delivery_id TEXT NOT NULL,
			status TEXT NOT NULL,
			error_code TEXT,
			analysis TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (repository_id, pr_external_id, delivery_id)
		);

		CREATE INDEX IF NOT EXISTS idx_reviews_pr ON reviews(repository_id, pr_number);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// ClaimDelivery records a delivery id; the insert-or-ignore is the atomic
// check-and-set.
func (s *SQLite) ClaimDelivery(ctx context.Context, deliveryID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO deliveries (delivery_id) VALUES (?)`, deliveryID)
	if err != nil {
		return false, fmt.Errorf("failed to claim delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result: %w", err)
	}
	return n == 1, nil
}

// PurgeDeliveries removes delivery claims older than cutoff.
func (s *SQLite) PurgeDeliveries(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE received_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge deliveries: %w", err)
	}
	return res.RowsAffected()
}

// SaveInstallation inserts or reactivates an installation.
func (s *SQLite) SaveInstallation(ctx context.Context, install *storage.Installation) error {
	query := `
		INSERT INTO installations (installation_id, account_login, account_type, active)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (installation_id) DO UPDATE SET
			account_login = excluded.account_login,
			account_type = excluded.account_type,
			active = 1,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.ExecContext(ctx, query, install.InstallationID, install.AccountLogin, install.AccountType); err != nil {
		return fmt.Errorf("failed to save installation: %w", err)
	}
	return nil
}

// GetInstallation retrieves an installation, or nil if unknown.
func (s *SQLite) GetInstallation(ctx context.Context, installationID int64) (*storage.Installation, error) {
	query := `
		SELECT installation_id, account_login, COALESCE(account_type, ''), active, created_at, updated_at
		FROM installations
		WHERE installation_id = ?
	`
	var install storage.Installation
	err := s.db.QueryRowContext(ctx, query, installationID).Scan(
		&install.InstallationID,
		&install.AccountLogin,
		&install.AccountType,
		&install.Active,
		&install.CreatedAt,
		&install.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get installation: %w", err)
	}
	return &install, nil
}

// DeactivateInstallation soft-deactivates an installation and its repositories.
func (s *SQLite) DeactivateInstallation(ctx context.Context, installationID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin deactivation: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE installations SET active = 0, updated_at = CURRENT_TIMESTAMP WHERE installation_id = ?`,
		installationID,
	); err != nil {
		return fmt.Errorf("failed to deactivate installation: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE repositories SET is_active = 0, updated_at = CURRENT_TIMESTAMP WHERE installation_id = ?`,
		installationID,
	); err != nil {
		return fmt.Errorf("failed to deactivate repositories: %w", err)
	}
	return tx.Commit()
}

// SaveRepository inserts or updates a repository keyed by its external id.
func (s *SQLite) SaveRepository(ctx context.Context, repo *storage.Repository) error {
	query := `
		INSERT INTO repositories (external_id, full_name, default_branch, language, owner_id, installation_id, is_active, webhook_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_id) DO UPDATE SET
			full_name = excluded.full_name,
			default_branch = excluded.default_branch,
			language = excluded.language,
			installation_id = excluded.installation_id,
			is_active = excluded.is_active,
			webhook_id = excluded.webhook_id,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err := s.db.ExecContext(ctx, query,
		repo.ExternalID,
		repo.FullName,
		repo.DefaultBranch,
		repo.Language,
		repo.OwnerID,
		repo.InstallationID,
		repo.IsActive,
		repo.WebhookID,
	)
	if err != nil {
		return fmt.Errorf("failed to save repository: %w", err)
	}
	return nil
}

// GetRepositoryByExternalID retrieves a repository, or nil if not enrolled.
func (s *SQLite) GetRepositoryByExternalID(ctx context.Context, externalID int64) (*storage.Repository, error) {
	query := `
		SELECT id, external_id, full_name, default_branch, COALESCE(language, ''), owner_id, installation_id, is_active, COALESCE(webhook_id, 0)
		FROM repositories
		WHERE external_id = ?
	`
	var repo storage.Repository
	err := s.db.QueryRowContext(ctx, query, externalID).Scan(
		&repo.ID,
		&repo.ExternalID,
		&repo.FullName,
		&repo.DefaultBranch,
		&repo.Language,
		&repo.OwnerID,
		&repo.InstallationID,
		&repo.IsActive,
		&repo.WebhookID,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}
	return &repo, nil
}

// ReserveReviewUnit atomically reserves one unit of the owner's allowance.
func (s *SQLite) ReserveReviewUnit(ctx context.Context, ownerID int64, period string) (storage.QuotaDecision, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO usage_counters (owner_id, period, reviews_used, reviews_limit) VALUES (?, ?, 0, ?)`,
		ownerID, period, s.defaultLimit,
	)
	if err != nil {
		return storage.QuotaDecision{}, fmt.Errorf("failed to init usage counter: %w", err)
	}

	var used, limit int64
	err = s.db.QueryRowContext(ctx,
		`UPDATE usage_counters
		 SET reviews_used = reviews_used + 1
		 WHERE owner_id = ? AND period = ?
		   AND (reviews_limit < 0 OR reviews_used < reviews_limit)
		 RETURNING reviews_used, reviews_limit`,
		ownerID, period,
	).Scan(&used, &limit)
	if err == sql.ErrNoRows {
		counter, gerr := s.GetUsage(ctx, ownerID, period)
		if gerr != nil {
			return storage.QuotaDecision{}, gerr
		}
		if counter == nil {
			return storage.QuotaDecision{}, fmt.Errorf("usage counter missing for owner %d period %s", ownerID, period)
		}
		return storage.QuotaDecision{Allowed: false, Used: counter.ReviewsUsed, Limit: counter.ReviewsLimit}, nil
	}
	if err != nil {
		return storage.QuotaDecision{}, fmt.Errorf("failed to reserve review unit: %w", err)
	}
	return storage.QuotaDecision{Allowed: true, Used: used, Limit: limit}, nil
}

// SetUsageLimit sets the plan limit for an owner's period.
func (s *SQLite) SetUsageLimit(ctx context.Context, ownerID int64, period string, limit int64) error {
	query := `
		INSERT INTO usage_counters (owner_id, period, reviews_used, reviews_limit)
		VALUES (?, ?, 0, ?)
		ON CONFLICT (owner_id, period) DO UPDATE SET reviews_limit = excluded.reviews_limit
	`
	if _, err := s.db.ExecContext(ctx, query, ownerID, period, limit); err != nil {
		return fmt.Errorf("failed to set usage limit: %w", err)
	}
	return nil
}

// GetUsage retrieves an owner's usage counter, or nil if never touched.
func (s *SQLite) GetUsage(ctx context.Context, ownerID int64, period string) (*storage.UsageCounter, error) {
	query := `
		SELECT owner_id, period, reviews_used, reviews_limit, last_review_at
		FROM usage_counters
		WHERE owner_id = ? AND period = ?
	`
	var counter storage.UsageCounter
	var lastReview sql.NullTime
	err := s.db.QueryRowContext(ctx, query, ownerID, period).Scan(
		&counter.OwnerID,
		&counter.Period,
		&counter.ReviewsUsed,
		&counter.ReviewsLimit,
		&lastReview,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	if lastReview.Valid {
		t := lastReview.Time
		counter.LastReviewAt = &t
	}
	return &counter, nil
}

// SaveReviewResult commits the review row and last-review stamp transactionally.
func (s *SQLite) SaveReviewResult(ctx context.Context, rev *storage.Review, ownerID int64, period string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin review write: %w", err)
	}
	defer tx.Rollback()

	var analysisJSON any
	if rev.Analysis != nil {
		b, err := json.Marshal(rev.Analysis)
		if err != nil {
			return false, fmt.Errorf("failed to marshal analysis: %w", err)
		}
		analysisJSON = string(b)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO reviews (repository_id, pr_number, pr_external_id, delivery_id, status, error_code, analysis)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rev.RepositoryID,
		rev.PRNumber,
		rev.PRExternalID,
		rev.DeliveryID,
		rev.Status,
		rev.ErrorCode,
		analysisJSON,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert review: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}
	created := n == 1

	if created && rev.Status == storage.StatusCompleted {
		if _, err := tx.ExecContext(ctx,
			`UPDATE usage_counters SET last_review_at = CURRENT_TIMESTAMP WHERE owner_id = ? AND period = ?`,
			ownerID, period,
		); err != nil {
			return false, fmt.Errorf("failed to stamp last review: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit review write: %w", err)
	}
	return created, nil
}

// GetReview retrieves one review by its idempotency key, or nil.
func (s *SQLite) GetReview(ctx context.Context, repositoryID, prExternalID int64, deliveryID string) (*storage.Review, error) {
	query := `
		SELECT id, repository_id, pr_number, pr_external_id, delivery_id, status, COALESCE(error_code, ''), COALESCE(analysis, ''), created_at, updated_at
		FROM reviews
		WHERE repository_id = ? AND pr_external_id = ? AND delivery_id = ?
	`
	rev, err := scanReview(s.db.QueryRowContext(ctx, query, repositoryID, prExternalID, deliveryID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review: %w", err)
	}
	return rev, nil
}

// ListReviewsForPR retrieves all review runs for a pull request, oldest first.
func (s *SQLite) ListReviewsForPR(ctx context.Context, repositoryID int64, prNumber int) ([]*storage.Review, error) {
	query := `
		SELECT id, repository_id, pr_number, pr_external_id, delivery_id, status, COALESCE(error_code, ''), COALESCE(analysis, ''), created_at, updated_at
		FROM reviews
		WHERE repository_id = ? AND pr_number = ?
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, repositoryID, prNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()

	var reviews []*storage.Review
	for rows.Next() {
		rev, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		reviews = append(reviews, rev)
	}
	return reviews, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReview(row rowScanner) (*storage.Review, error) {
	var rev storage.Review
	var analysisJSON string
	if err := row.Scan(
		&rev.ID,
		&rev.RepositoryID,
		&rev.PRNumber,
		&rev.PRExternalID,
		&rev.DeliveryID,
		&rev.Status,
		&rev.ErrorCode,
		&analysisJSON,
		&rev.CreatedAt,
		&rev.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if analysisJSON != "" && analysisJSON != "null" {
		var analysis storage.AIAnalysis
		if err := json.Unmarshal([]byte(analysisJSON), &analysis); err == nil {
			rev.Analysis = &analysis
		}
	}
	return &rev, nil
}

// Verify SQLite implements Store at compile time.
var _ storage.Store = (*SQLite)(nil)
