package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BradenHooton/labdesk/internal/database"
	"github.com/BradenHooton/labdesk/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SessionRepository handles session data access. Sessions are addressed by token hash only.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new SessionRepository
func NewSessionRepository(db *database.DB) *SessionRepository {
	return &SessionRepository{pool: db.Pool}
}

const sessionColumns = `id, token_hash, user_id, ip_address, user_agent, device_fingerprint,
	is_remember_me, expires_at, last_activity, is_active, logged_out_at, logout_reason, created_at`

func scanSessionRow(row rowScanner) (*models.Session, error) {
	var s models.Session
	var fingerprint []byte

	err := row.Scan(
		&s.ID, &s.TokenHash, &s.UserID, &s.IPAddress, &s.UserAgent, &fingerprint,
		&s.IsRememberMe, &s.ExpiresAt, &s.LastActivity, &s.IsActive,
		&s.LoggedOutAt, &s.LogoutReason, &s.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	if len(fingerprint) > 0 {
		if err := json.Unmarshal(fingerprint, &s.DeviceFingerprint); err != nil {
			return nil, fmt.Errorf("failed to decode device fingerprint: %w", err)
		}
	}

	return &s, nil
}

func scanSessionRows(rows pgx.Rows) ([]*models.Session, error) {
	defer rows.Close()

	sessions := make([]*models.Session, 0)

	for rows.Next() {
		s, err := scanSessionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}

	return sessions, nil
}

// Create inserts a new active session
func (r *SessionRepository) Create(ctx context.Context, s *models.Session) (*models.Session, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}

	fingerprint, err := json.Marshal(s.DeviceFingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to encode device fingerprint: %w", err)
	}

	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING ` + sessionColumns

	created, err := scanSessionRow(r.pool.QueryRow(ctx, query,
		s.ID, s.TokenHash, s.UserID, s.IPAddress, s.UserAgent, fingerprint,
		s.IsRememberMe, s.ExpiresAt, s.LastActivity, s.IsActive,
		s.LoggedOutAt, s.LogoutReason, s.CreatedAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return created, nil
}

// ValidateAndTouch returns the session for hash if it is active and unexpired at
// now, updating last_activity in the same statement
func (r *SessionRepository) ValidateAndTouch(ctx context.Context, tokenHash string, now time.Time) (*models.Session, error) {
	query := `
		UPDATE sessions
		SET last_activity = $2
		WHERE token_hash = $1 AND is_active AND expires_at > $2
		RETURNING ` + sessionColumns

	return scanSessionRow(r.pool.QueryRow(ctx, query, tokenHash, now))
}

// Touch updates last_activity for an active session; it never changes validity
func (r *SessionRepository) Touch(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	query := `UPDATE sessions SET last_activity = $2 WHERE token_hash = $1 AND is_active`

	result, err := r.pool.Exec(ctx, query, tokenHash, now)
	if err != nil {
		return false, fmt.Errorf("failed to touch session: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// RevokeByHash transitions one active session to revoked
func (r *SessionRepository) RevokeByHash(ctx context.Context, tokenHash, reason string, now time.Time) (bool, error) {
	query := `
		UPDATE sessions
		SET is_active = FALSE, logged_out_at = $2, logout_reason = $3
		WHERE token_hash = $1 AND is_active
	`

	result, err := r.pool.Exec(ctx, query, tokenHash, now, reason)
	if err != nil {
		return false, fmt.Errorf("failed to revoke session: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// RevokeByUser revokes every active session of a user except the one whose hash
// equals excludeHash, when given
func (r *SessionRepository) RevokeByUser(ctx context.Context, userID string, excludeHash *string, reason string, now time.Time) (int64, error) {
	query := `
		UPDATE sessions
		SET is_active = FALSE, logged_out_at = $3, logout_reason = $4
		WHERE user_id = $1 AND is_active AND ($2::text IS NULL OR token_hash <> $2::text)
	`

	result, err := r.pool.Exec(ctx, query, userID, excludeHash, now, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user sessions: %w", err)
	}
	return result.RowsAffected(), nil
}

// RevokeExpired sweeps active sessions past their expiry to revoked
func (r *SessionRepository) RevokeExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE sessions
		SET is_active = FALSE, logged_out_at = $1, logout_reason = $2
		WHERE is_active AND expires_at <= $1
	`

	result, err := r.pool.Exec(ctx, query, now, models.LogoutReasonExpired)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke expired sessions: %w", err)
	}
	return result.RowsAffected(), nil
}

// ListByUserSince returns up to limit of the user's sessions created at or after since, newest first
func (r *SessionRepository) ListByUserSince(ctx context.Context, userID string, since time.Time, limit int) ([]*models.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE user_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query session history: %w", err)
	}

	return scanSessionRows(rows)
}

// ListRecentByUser returns the user's newest sessions regardless of state
func (r *SessionRepository) ListRecentByUser(ctx context.Context, userID string, limit int) ([]*models.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent sessions: %w", err)
	}

	return scanSessionRows(rows)
}

// GetByIDForUser returns a session only if it belongs to userID
func (r *SessionRepository) GetByIDForUser(ctx context.Context, sessionID, userID string) (*models.Session, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, models.ErrNotFound
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1 AND user_id = $2`

	return scanSessionRow(r.pool.QueryRow(ctx, query, sessionID, userID))
}

// ExistsValid reports whether an active, unexpired session exists for hash at now
func (r *SessionRepository) ExistsValid(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM sessions WHERE token_hash = $1 AND is_active AND expires_at > $2)`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, tokenHash, now).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check session: %w", err)
	}
	return exists, nil
}

// Stats aggregates sessions, for one user when userID is non-nil
func (r *SessionRepository) Stats(ctx context.Context, userID *string, now time.Time) (*models.SessionStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE is_active AND expires_at > $2),
			COUNT(*) FILTER (WHERE is_active AND expires_at <= $2),
			COUNT(*) FILTER (WHERE NOT is_active),
			COUNT(*) FILTER (WHERE is_remember_me),
			COUNT(DISTINCT user_id),
			COUNT(DISTINCT ip_address)
		FROM sessions
		WHERE ($1::uuid IS NULL OR user_id = $1::uuid)
	`

	var stats models.SessionStats
	err := r.pool.QueryRow(ctx, query, userID, now).Scan(
		&stats.Total, &stats.Active, &stats.Expired, &stats.Revoked,
		&stats.RememberMe, &stats.UniqueUsers, &stats.UniqueIPs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute session stats: %w", err)
	}

	return &stats, nil
}

// DeleteInactiveOlderThan purges revoked sessions created before cutoff
func (r *SessionRepository) DeleteInactiveOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM sessions WHERE NOT is_active AND created_at < $1`

	result, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup sessions: %w", err)
	}
	return result.RowsAffected(), nil
}
