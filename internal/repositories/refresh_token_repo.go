package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/labdesk/internal/database"
	"github.com/BradenHooton/labdesk/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RefreshTokenTx is the set of statements available inside a refresh chain transaction
type RefreshTokenTx interface {
	Create(ctx context.Context, token *models.RefreshToken) error
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
	RevokeValidForUser(ctx context.Context, userID string, now time.Time) (int64, error)
	ConsumeValid(ctx context.Context, tokenHash string, now time.Time) (*models.RefreshToken, error)
}

// RefreshTokenRepository handles refresh token data access. Only token hashes are stored.
type RefreshTokenRepository struct {
	db *database.DB
	q  database.Querier
}

// NewRefreshTokenRepository creates a new RefreshTokenRepository
func NewRefreshTokenRepository(db *database.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db, q: db.Pool}
}

const refreshTokenColumns = `id, token_hash, user_id, expires_at, is_revoked, is_remember_me, ip_address, user_agent, created_at`

func scanRefreshTokenRow(row rowScanner) (*models.RefreshToken, error) {
	var t models.RefreshToken

	err := row.Scan(
		&t.ID, &t.TokenHash, &t.UserID, &t.ExpiresAt, &t.IsRevoked,
		&t.IsRememberMe, &t.IPAddress, &t.UserAgent, &t.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &t, nil
}

// WithUserLock runs fn in one transaction holding an advisory lock on the user's
// refresh chain
func (r *RefreshTokenRepository) WithUserLock(ctx context.Context, userID string, fn func(RefreshTokenTx) error) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if err := database.LockKeys(ctx, tx, "refresh:user:"+userID); err != nil {
			return fmt.Errorf("failed to lock refresh chain: %w", err)
		}
		return fn(&RefreshTokenRepository{db: r.db, q: tx})
	})
}

// Create inserts a new refresh token row
func (r *RefreshTokenRepository) Create(ctx context.Context, token *models.RefreshToken) error {
	if token.ID == "" {
		token.ID = uuid.New().String()
	}

	query := `
		INSERT INTO refresh_tokens (` + refreshTokenColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.q.Exec(ctx, query,
		token.ID, token.TokenHash, token.UserID, token.ExpiresAt, token.IsRevoked,
		token.IsRememberMe, token.IPAddress, token.UserAgent, token.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create refresh token: %w", database.MapPostgresError(err))
	}

	return nil
}

// GetByHash returns the token row regardless of state
func (r *RefreshTokenRepository) GetByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	query := `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE token_hash = $1`

	return scanRefreshTokenRow(r.q.QueryRow(ctx, query, tokenHash))
}

// ConsumeValid revokes the token only if it is still valid at now and returns the
// row as it was. A concurrent consumer of the same token gets ErrNotFound.
func (r *RefreshTokenRepository) ConsumeValid(ctx context.Context, tokenHash string, now time.Time) (*models.RefreshToken, error) {
	query := `
		UPDATE refresh_tokens
		SET is_revoked = TRUE
		WHERE token_hash = $1 AND NOT is_revoked AND expires_at > $2
		RETURNING ` + refreshTokenColumns

	token, err := scanRefreshTokenRow(r.q.QueryRow(ctx, query, tokenHash, now))
	if err != nil {
		return nil, err
	}
	token.IsRevoked = false
	return token, nil
}

// RevokeByHash revokes one token if it is not already revoked
func (r *RefreshTokenRepository) RevokeByHash(ctx context.Context, tokenHash string) (bool, error) {
	query := `UPDATE refresh_tokens SET is_revoked = TRUE WHERE token_hash = $1 AND NOT is_revoked`

	result, err := r.q.Exec(ctx, query, tokenHash)
	if err != nil {
		return false, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// RevokeValidForUser revokes the user's tokens that are unrevoked and unexpired at now
func (r *RefreshTokenRepository) RevokeValidForUser(ctx context.Context, userID string, now time.Time) (int64, error) {
	query := `
		UPDATE refresh_tokens
		SET is_revoked = TRUE
		WHERE user_id = $1 AND NOT is_revoked AND expires_at > $2
	`

	result, err := r.q.Exec(ctx, query, userID, now)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user refresh tokens: %w", err)
	}
	return result.RowsAffected(), nil
}

// RevokeAllForUser revokes every unrevoked token of the user, expired or not
func (r *RefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	query := `UPDATE refresh_tokens SET is_revoked = TRUE WHERE user_id = $1 AND NOT is_revoked`

	result, err := r.q.Exec(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke all user refresh tokens: %w", err)
	}
	return result.RowsAffected(), nil
}

// ListNonRevokedByUser returns the user's unrevoked tokens, newest first
func (r *RefreshTokenRepository) ListNonRevokedByUser(ctx context.Context, userID string) ([]*models.RefreshToken, error) {
	query := `
		SELECT ` + refreshTokenColumns + `
		FROM refresh_tokens
		WHERE user_id = $1 AND NOT is_revoked
		ORDER BY created_at DESC
	`

	rows, err := r.q.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query refresh tokens: %w", err)
	}
	defer rows.Close()

	tokens := make([]*models.RefreshToken, 0)
	for rows.Next() {
		t, err := scanRefreshTokenRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan refresh token: %w", err)
		}
		tokens = append(tokens, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating refresh tokens: %w", err)
	}
	return tokens, nil
}

// DeleteExpired removes tokens whose expiry has passed at now
func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM refresh_tokens WHERE expires_at <= $1`

	result, err := r.q.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup refresh tokens: %w", err)
	}
	return result.RowsAffected(), nil
}
