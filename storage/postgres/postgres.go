// Package postgres provides the PostgreSQL implementation of the storage
// interface. It is the production backend; all atomic operations lean on
// database-level guarantees (unique-key inserts, conditional updates) so
// they hold across multiple service instances.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/reviewgate/reviewgate/storage"
)

// PostgreSQL implements storage.Store on top of database/sql with lib/pq.
type PostgreSQL struct {
	db           *sql.DB
	defaultLimit int64
}

// New creates a PostgreSQL store. defaultLimit is the monthly review limit
// applied when an owner's usage counter is first created; pass
// storage.UnlimitedReviews for uncapped plans.
func New(db *sql.DB, defaultLimit int64) *PostgreSQL {
	return &PostgreSQL{db: db, defaultLimit: defaultLimit}
}

// NewFromDSN opens a connection and verifies it before returning a store.
func NewFromDSN(dsn string, defaultLimit int64) (*PostgreSQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return New(db, defaultLimit), nil
}

// Close closes the database connection.
func (p *PostgreSQL) Close() error {
	return p.db.Close()
}

// Migrate creates the required database tables.
func (p *PostgreSQL) Migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS installations (
			installation_id BIGINT PRIMARY KEY,
			account_login TEXT NOT NULL,
			account_type TEXT,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS repositories (
			id BIGSERIAL PRIMARY KEY,
			external_id BIGINT NOT NULL UNIQUE,
			full_name TEXT NOT NULL,
			default_branch TEXT NOT NULL DEFAULT 'main',
			language TEXT,
			owner_id BIGINT NOT NULL,
			installation_id BIGINT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			webhook_id BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS deliveries (
			delivery_id TEXT PRIMARY KEY,
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS usage_counters (
			owner_id BIGINT NOT NULL,
			period TEXT NOT NULL,
			reviews_used BIGINT NOT NULL DEFAULT 0,
			reviews_limit BIGINT NOT NULL,
			last_review_at TIMESTAMPTZ,
			PRIMARY KEY (owner_id, period)
		);

		CREATE TABLE IF NOT EXISTS reviews (
			id BIGSERIAL PRIMARY KEY,
			repository_id BIGINT NOT NULL,
			pr_number INTEGER NOT NULL,
			pr_external_id BIGINT NOT NULL,
			delivery_id TEXT NOT NULL,
			status TEXT NOT NULL,
			error_code TEXT,
			analysis JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (repository_id, pr_external_id, delivery_id)
		);

		CREATE INDEX IF NOT EXISTS idx_reviews_pr ON reviews(repository_id, pr_number);
	`

	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// ClaimDelivery records a delivery id. The unique-key insert is the atomic
// check-and-set: exactly one concurrent caller observes an inserted row.
func (p *PostgreSQL) ClaimDelivery(ctx context.Context, deliveryID string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO deliveries (delivery_id) VALUES ($1) ON CONFLICT (delivery_id) DO NOTHING`,
		deliveryID,
	)
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
func (p *PostgreSQL) PurgeDeliveries(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM deliveries WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge deliveries: %w", err)
	}
	return res.RowsAffected()
}

// SaveInstallation inserts or reactivates an installation.
func (p *PostgreSQL) SaveInstallation(ctx context.Context, install *storage.Installation) error {
	query := `
		INSERT INTO installations (installation_id, account_login, account_type, active)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (installation_id) DO UPDATE SET
			account_login = EXCLUDED.account_login,
			account_type = EXCLUDED.account_type,
			active = TRUE,
			updated_at = NOW()
	`
	if _, err := p.db.ExecContext(ctx, query, install.InstallationID, install.AccountLogin, install.AccountType); err != nil {
		return fmt.Errorf("failed to save installation: %w", err)
	}
	return nil
}

// GetInstallation retrieves an installation, or nil if unknown.
func (p *PostgreSQL) GetInstallation(ctx context.Context, installationID int64) (*storage.Installation, error) {
	query := `
		SELECT installation_id, account_login, COALESCE(account_type, ''), active, created_at, updated_at
		FROM installations
		WHERE installation_id = $1
	`
	var install storage.Installation
	err := p.db.QueryRowContext(ctx, query, installationID).Scan(
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
func (p *PostgreSQL) DeactivateInstallation(ctx context.Context, installationID int64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin deactivation: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE installations SET active = FALSE, updated_at = NOW() WHERE installation_id = $1`,
		installationID,
	); err != nil {
		return fmt.Errorf("failed to deactivate installation: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE repositories SET is_active = FALSE, updated_at = NOW() WHERE installation_id = $1`,
		installationID,
	); err != nil {
		return fmt.Errorf("failed to deactivate repositories: %w", err)
	}
	return tx.Commit()
}

// SaveRepository inserts or updates a repository keyed by its external id.
func (p *PostgreSQL) SaveRepository(ctx context.Context, repo *storage.Repository) error {
	query := `
		INSERT INTO repositories (external_id, full_name, default_branch, language, owner_id, installation_id, is_active, webhook_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (external_id) DO UPDATE SET
			full_name = EXCLUDED.full_name,
			default_branch = EXCLUDED.default_branch,
			language = EXCLUDED.language,
			installation_id = EXCLUDED.installation_id,
			is_active = EXCLUDED.is_active,
			webhook_id = EXCLUDED.webhook_id,
			updated_at = NOW()
	`
	_, err := p.db.ExecContext(ctx, query,
		repo.ExternalID,
		repo.FullName,
		repo.DefaultBranch,
		repo.Language,
		repo.OwnerID,
		repo.InstallationID,
		repo.IsActive,
		nullableID(repo.WebhookID),
	)
	if err != nil {
		return fmt.Errorf("failed to save repository: %w", err)
	}
	return nil
}

// GetRepositoryByExternalID retrieves a repository, or nil if not enrolled.
func (p *PostgreSQL) GetRepositoryByExternalID(ctx context.Context, externalID int64) (*storage.Repository, error) {
	query := `
		SELECT id, external_id, full_name, default_branch, COALESCE(language, ''), owner_id, installation_id, is_active, COALESCE(webhook_id, 0)
		FROM repositories
		WHERE external_id = $1
	`
	var repo storage.Repository
	err := p.db.QueryRowContext(ctx, query, externalID).Scan(
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

// ReserveReviewUnit atomically reserves one unit of the owner's monthly
// allowance. The conditional UPDATE is the entire race-free check: it only
// matches while usage is below the limit, so concurrent callers can never
// push the counter past it.
func (p *PostgreSQL) ReserveReviewUnit(ctx context.Context, ownerID int64, period string) (storage.QuotaDecision, error) {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO usage_counters (owner_id, period, reviews_used, reviews_limit)
		 VALUES ($1, $2, 0, $3)
		 ON CONFLICT (owner_id, period) DO NOTHING`,
		ownerID, period, p.defaultLimit,
	)
	if err != nil {
		return storage.QuotaDecision{}, fmt.Errorf("failed to init usage counter: %w", err)
	}

	var used, limit int64
	err = p.db.QueryRowContext(ctx,
		`UPDATE usage_counters
		 SET reviews_used = reviews_used + 1
		 WHERE owner_id = $1 AND period = $2
		   AND (reviews_limit < 0 OR reviews_used < reviews_limit)
		 RETURNING reviews_used, reviews_limit`,
		ownerID, period,
	).Scan(&used, &limit)
	if err == sql.ErrNoRows {
		// Quota exhausted. Read the counter for the decision detail.
		counter, gerr := p.GetUsage(ctx, ownerID, period)
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
func (p *PostgreSQL) SetUsageLimit(ctx context.Context, ownerID int64, period string, limit int64) error {
	query := `
		INSERT INTO usage_counters (owner_id, period, reviews_used, reviews_limit)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (owner_id, period) DO UPDATE SET reviews_limit = EXCLUDED.reviews_limit
	`
	if _, err := p.db.ExecContext(ctx, query, ownerID, period, limit); err != nil {
		return fmt.Errorf("failed to set usage limit: %w", err)
	}
	return nil
}

// GetUsage retrieves an owner's usage counter, or nil if never touched.
func (p *PostgreSQL) GetUsage(ctx context.Context, ownerID int64, period string) (*storage.UsageCounter, error) {
	query := `
		SELECT owner_id, period, reviews_used, reviews_limit, last_review_at
		FROM usage_counters
		WHERE owner_id = $1 AND period = $2
	`
	var counter storage.UsageCounter
	var lastReview sql.NullTime
	err := p.db.QueryRowContext(ctx, query, ownerID, period).Scan(
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

// SaveReviewResult commits the review row and the last-review stamp in one
// transaction. A replayed delivery key leaves the existing row untouched.
func (p *PostgreSQL) SaveReviewResult(ctx context.Context, rev *storage.Review, ownerID int64, period string) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin review write: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO reviews (repository_id, pr_number, pr_external_id, delivery_id, status, error_code, analysis)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (repository_id, pr_external_id, delivery_id) DO NOTHING`,
		rev.RepositoryID,
		rev.PRNumber,
		rev.PRExternalID,
		rev.DeliveryID,
		rev.Status,
		nullableString(rev.ErrorCode),
		analysisToJSON(rev.Analysis),
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
			`UPDATE usage_counters SET last_review_at = NOW() WHERE owner_id = $1 AND period = $2`,
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
func (p *PostgreSQL) GetReview(ctx context.Context, repositoryID, prExternalID int64, deliveryID string) (*storage.Review, error) {
	query := `
		SELECT id, repository_id, pr_number, pr_external_id, delivery_id, status, COALESCE(error_code, ''), analysis, created_at, updated_at
		FROM reviews
		WHERE repository_id = $1 AND pr_external_id = $2 AND delivery_id = $3
	`
	row := p.db.QueryRowContext(ctx, query, repositoryID, prExternalID, deliveryID)
	rev, err := scanReview(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review: %w", err)
	}
	return rev, nil
}

// ListReviewsForPR retrieves all review runs for a pull request, oldest first.
func (p *PostgreSQL) ListReviewsForPR(ctx context.Context, repositoryID int64, prNumber int) ([]*storage.Review, error) {
	query := `
		SELECT id, repository_id, pr_number, pr_external_id, delivery_id, status, COALESCE(error_code, ''), analysis, created_at, updated_at
		FROM reviews
		WHERE repository_id = $1 AND pr_number = $2
		ORDER BY created_at ASC
	`
	rows, err := p.db.QueryContext(ctx, query, repositoryID, prNumber)
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
	var analysisJSON sql.NullString
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
	rev.Analysis = analysisFromJSON(analysisJSON.String)
	return &rev, nil
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Verify PostgreSQL implements Store at compile time.
var _ storage.Store = (*PostgreSQL)(nil)
