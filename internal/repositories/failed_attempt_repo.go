package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BradenHooton/labdesk/internal/database"
	"github.com/BradenHooton/labdesk/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// LockedAttemptStore is the set of statements available while identifier locks are held
type LockedAttemptStore interface {
	CountByEmailSince(ctx context.Context, email string, since time.Time) (int, error)
	CountByIPSince(ctx context.Context, ipAddress string, since time.Time) (int, error)
	HasActiveBlock(ctx context.Context, email, ipAddress string, now time.Time) (bool, error)
	Create(ctx context.Context, attempt *models.FailedAttempt) error
}

// FailedAttemptRepository handles database operations for failed login attempts
type FailedAttemptRepository struct {
	db *database.DB
	q  database.Querier
}

// NewFailedAttemptRepository creates a new FailedAttemptRepository
func NewFailedAttemptRepository(db *database.DB) *FailedAttemptRepository {
	return &FailedAttemptRepository{db: db, q: db.Pool}
}

const failedAttemptColumns = `id, email, ip_address, user_agent, reason, attempt_count, blocked, blocked_until, created_at`

func scanFailedAttemptRow(row rowScanner) (*models.FailedAttempt, error) {
	var a models.FailedAttempt

	err := row.Scan(
		&a.ID, &a.Email, &a.IPAddress, &a.UserAgent, &a.Reason,
		&a.AttemptCount, &a.Blocked, &a.BlockedUntil, &a.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &a, nil
}

// NormalizeEmail is the form emails are stored and compared in
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// WithIdentifierLock runs fn in one transaction holding advisory locks on the
// email and IP identifiers, so concurrent failures for either are serialized
func (r *FailedAttemptRepository) WithIdentifierLock(ctx context.Context, email, ipAddress string, fn func(LockedAttemptStore) error) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if err := database.LockKeys(ctx, tx, "attempt:email:"+NormalizeEmail(email), "attempt:ip:"+ipAddress); err != nil {
			return fmt.Errorf("failed to lock attempt identifiers: %w", err)
		}
		return fn(&FailedAttemptRepository{db: r.db, q: tx})
	})
}

// Create inserts one failed attempt; the row is never updated afterwards
func (r *FailedAttemptRepository) Create(ctx context.Context, attempt *models.FailedAttempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	attempt.Email = NormalizeEmail(attempt.Email)

	query := `
		INSERT INTO failed_login_attempts (` + failedAttemptColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.q.Exec(ctx, query,
		attempt.ID,
		attempt.Email,
		attempt.IPAddress,
		attempt.UserAgent,
		attempt.Reason,
		attempt.AttemptCount,
		attempt.Blocked,
		attempt.BlockedUntil,
		attempt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record failed attempt: %w", database.MapPostgresError(err))
	}

	return nil
}

// CountByEmailSince returns the number of failed attempts for an email created at or after since
func (r *FailedAttemptRepository) CountByEmailSince(ctx context.Context, email string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM failed_login_attempts WHERE email = $1 AND created_at >= $2`

	var count int
	if err := r.q.QueryRow(ctx, query, NormalizeEmail(email), since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count attempts by email: %w", err)
	}
	return count, nil
}

// CountByIPSince returns the number of failed attempts from an IP created at or after since
func (r *FailedAttemptRepository) CountByIPSince(ctx context.Context, ipAddress string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM failed_login_attempts WHERE ip_address = $1 AND created_at >= $2`

	var count int
	if err := r.q.QueryRow(ctx, query, ipAddress, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count attempts by ip: %w", err)
	}
	return count, nil
}

// HasActiveBlock reports whether either identifier has a block extending past now
func (r *FailedAttemptRepository) HasActiveBlock(ctx context.Context, email, ipAddress string, now time.Time) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM failed_login_attempts
			WHERE (email = $1 OR ip_address = $2) AND blocked AND blocked_until > $3
		)
	`

	var exists bool
	if err := r.q.QueryRow(ctx, query, NormalizeEmail(email), ipAddress, now).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check active block: %w", err)
	}
	return exists, nil
}

// LatestActiveBlockByEmail returns the most recent record blocking the email at now
func (r *FailedAttemptRepository) LatestActiveBlockByEmail(ctx context.Context, email string, now time.Time) (*models.FailedAttempt, error) {
	query := `
		SELECT ` + failedAttemptColumns + `
		FROM failed_login_attempts
		WHERE email = $1 AND blocked AND blocked_until > $2
		ORDER BY created_at DESC
		LIMIT 1
	`

	return scanFailedAttemptRow(r.q.QueryRow(ctx, query, NormalizeEmail(email), now))
}

// LatestActiveBlockByIP returns the most recent record blocking the IP at now
func (r *FailedAttemptRepository) LatestActiveBlockByIP(ctx context.Context, ipAddress string, now time.Time) (*models.FailedAttempt, error) {
	query := `
		SELECT ` + failedAttemptColumns + `
		FROM failed_login_attempts
		WHERE ip_address = $1 AND blocked AND blocked_until > $2
		ORDER BY created_at DESC
		LIMIT 1
	`

	return scanFailedAttemptRow(r.q.QueryRow(ctx, query, ipAddress, now))
}

// DeleteRecent removes attempts for either identifier created at or after since
func (r *FailedAttemptRepository) DeleteRecent(ctx context.Context, email, ipAddress string, since time.Time) (int64, error) {
	query := `
		DELETE FROM failed_login_attempts
		WHERE (email = $1 OR ip_address = $2) AND created_at >= $3
	`

	result, err := r.q.Exec(ctx, query, NormalizeEmail(email), ipAddress, since)
	if err != nil {
		return 0, fmt.Errorf("failed to clear attempts: %w", err)
	}
	return result.RowsAffected(), nil
}

// ActivityFeaturesSince collects the scoring features for one IP
func (r *FailedAttemptRepository) ActivityFeaturesSince(ctx context.Context, ipAddress string, since time.Time) (models.ActivityFeatures, error) {
	query := `
		WITH recent AS (
			SELECT email, user_agent FROM failed_login_attempts
			WHERE ip_address = $1 AND created_at >= $2
		)
		SELECT
			(SELECT COUNT(DISTINCT email) FROM recent),
			(SELECT COUNT(*) FROM recent),
			COALESCE((SELECT MAX(c) FROM (SELECT COUNT(*) AS c FROM recent GROUP BY user_agent) ua), 0)
	`

	var f models.ActivityFeatures
	err := r.q.QueryRow(ctx, query, ipAddress, since).Scan(&f.DistinctEmails, &f.AttemptCount, &f.TopUserAgentCount)
	if err != nil {
		return models.ActivityFeatures{}, fmt.Errorf("failed to collect activity features: %w", err)
	}
	return f, nil
}

// ReportTotals returns the window totals and the identifiers blocked at now
func (r *FailedAttemptRepository) ReportTotals(ctx context.Context, since, now time.Time) (total, distinctEmails, blockedEmails, blockedIPs int, err error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE created_at >= $1),
			COUNT(DISTINCT email) FILTER (WHERE created_at >= $1),
			COUNT(DISTINCT email) FILTER (WHERE blocked AND blocked_until > $2),
			COUNT(DISTINCT ip_address) FILTER (WHERE blocked AND blocked_until > $2)
		FROM failed_login_attempts
		WHERE created_at >= $1 OR (blocked AND blocked_until > $2)
	`

	err = r.q.QueryRow(ctx, query, since, now).Scan(&total, &distinctEmails, &blockedEmails, &blockedIPs)
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("failed to compute report totals: %w", err)
	}
	return total, distinctEmails, blockedEmails, blockedIPs, nil
}

// TopEmailsSince returns the most targeted emails by attempt count
func (r *FailedAttemptRepository) TopEmailsSince(ctx context.Context, since time.Time, limit int) ([]models.IdentifierCount, error) {
	query := `
		SELECT email, COUNT(*) AS attempts
		FROM failed_login_attempts
		WHERE created_at >= $1
		GROUP BY email
		ORDER BY attempts DESC, email
		LIMIT $2
	`

	return r.queryIdentifierCounts(ctx, query, since, limit)
}

// TopIPsSince returns the most active source IPs by attempt count
func (r *FailedAttemptRepository) TopIPsSince(ctx context.Context, since time.Time, limit int) ([]models.IdentifierCount, error) {
	query := `
		SELECT ip_address, COUNT(*) AS attempts
		FROM failed_login_attempts
		WHERE created_at >= $1
		GROUP BY ip_address
		ORDER BY attempts DESC, ip_address
		LIMIT $2
	`

	return r.queryIdentifierCounts(ctx, query, since, limit)
}

func (r *FailedAttemptRepository) queryIdentifierCounts(ctx context.Context, query string, args ...any) ([]models.IdentifierCount, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempt counts: %w", err)
	}
	defer rows.Close()

	counts := make([]models.IdentifierCount, 0)
	for rows.Next() {
		var c models.IdentifierCount
		if err := rows.Scan(&c.Identifier, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan attempt count: %w", err)
		}
		counts = append(counts, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempt counts: %w", err)
	}
	return counts, nil
}

// DeleteOlderThan removes records created before cutoff that no longer block anything at now
func (r *FailedAttemptRepository) DeleteOlderThan(ctx context.Context, cutoff, now time.Time) (int64, error) {
	query := `
		DELETE FROM failed_login_attempts
		WHERE created_at < $1
		  AND (NOT blocked OR blocked_until IS NULL OR blocked_until <= $2)
	`

	result, err := r.q.Exec(ctx, query, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup failed attempts: %w", err)
	}
	return result.RowsAffected(), nil
}
