package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/labdesk/internal/models"
	"github.com/BradenHooton/labdesk/internal/repositories"
	"github.com/BradenHooton/labdesk/pkg/auth"
)

const (
	DefaultRefreshTokenExpiry = 24 * time.Hour
	DefaultRememberMeExpiry   = 30 * 24 * time.Hour
)

// RefreshTokenRepository defines the persistence operations of the refresh chain
type RefreshTokenRepository interface {
	WithUserLock(ctx context.Context, userID string, fn func(repositories.RefreshTokenTx) error) error
	GetByHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error)
	RevokeByHash(ctx context.Context, tokenHash string) (bool, error)
	RevokeValidForUser(ctx context.Context, userID string, now time.Time) (int64, error)
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
	ListNonRevokedByUser(ctx context.Context, userID string) ([]*models.RefreshToken, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// UserReader loads users by ID
type UserReader interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}

// AccessTokenMinter issues short-lived access credentials
type AccessTokenMinter interface {
	GenerateAccessToken(user *models.User) (string, time.Time, error)
}

// RefreshResult is the outcome of a successful rotation
type RefreshResult struct {
	Tokens          *models.TokenPair
	User            *models.User
	AccessExpiresAt time.Time
	RememberMe      bool
}

// TokenIssuerConfig holds the refresh chain settings. RememberMeExpiry is the
// lifetime of every token in a chain started with remember-me; other chains use
// RefreshTokenExpiry. Each rotation restarts the lifetime.
type TokenIssuerConfig struct {
	RefreshTokenExpiry time.Duration
	RememberMeExpiry   time.Duration
}

// TokenIssuer manages each user's rotating refresh-token chain. It is independent
// of SessionRegistry and never touches session rows.
type TokenIssuer struct {
	repo   RefreshTokenRepository
	users  UserReader
	minter AccessTokenMinter
	config TokenIssuerConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewTokenIssuer creates a new TokenIssuer
func NewTokenIssuer(repo RefreshTokenRepository, users UserReader, minter AccessTokenMinter, config TokenIssuerConfig, logger *slog.Logger) *TokenIssuer {
	if config.RefreshTokenExpiry <= 0 {
		config.RefreshTokenExpiry = DefaultRefreshTokenExpiry
	}
	if config.RememberMeExpiry <= 0 {
		config.RememberMeExpiry = DefaultRememberMeExpiry
	}
	return &TokenIssuer{
		repo:   repo,
		users:  users,
		minter: minter,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock replaces the time source
func (s *TokenIssuer) SetClock(now func() time.Time) {
	s.now = now
}

func (s *TokenIssuer) lifetime(rememberMe bool) time.Duration {
	if rememberMe {
		return s.config.RememberMeExpiry
	}
	return s.config.RefreshTokenExpiry
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// CreateRefreshToken revokes all of the user's unrevoked tokens and starts a new
// chain, in one transaction
func (s *TokenIssuer) CreateRefreshToken(ctx context.Context, user *models.User, ipAddress, userAgent string, rememberMe bool) (string, error) {
	token, err := auth.GenerateOpaqueToken()
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	record := &models.RefreshToken{
		TokenHash:    auth.HashToken(token),
		UserID:       user.ID,
		ExpiresAt:    now.Add(s.lifetime(rememberMe)),
		IsRememberMe: rememberMe,
		IPAddress:    optionalString(ipAddress),
		UserAgent:    optionalString(userAgent),
		CreatedAt:    now,
	}

	err = s.repo.WithUserLock(ctx, user.ID, func(tx repositories.RefreshTokenTx) error {
		if _, err := tx.RevokeAllForUser(ctx, user.ID); err != nil {
			return err
		}
		return tx.Create(ctx, record)
	})
	if err != nil {
		return "", fmt.Errorf("failed to create refresh token: %w", err)
	}

	return token, nil
}

// ValidateRefreshToken returns the record for a usable token. Unknown, revoked
// and expired tokens are all ErrNotFound; an expired token is revoked on the way.
func (s *TokenIssuer) ValidateRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	if token == "" {
		return nil, models.ErrNotFound
	}

	hash := auth.HashToken(token)
	record, err := s.repo.GetByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}

	if record.IsRevoked {
		return nil, models.ErrNotFound
	}

	if !record.ExpiresAt.After(s.now()) {
		if _, err := s.repo.RevokeByHash(ctx, hash); err != nil {
			return nil, fmt.Errorf("failed to revoke expired refresh token: %w", err)
		}
		return nil, models.ErrNotFound
	}

	return record, nil
}

// RefreshAccessToken exchanges a refresh token for a new access token and the
// next token in the chain. The presented token is consumed with a conditional
// revoke, so of two concurrent calls with the same token only one succeeds.
func (s *TokenIssuer) RefreshAccessToken(ctx context.Context, token string) (*RefreshResult, error) {
	return s.RotateRefreshToken(ctx, token, nil)
}

// RotateRefreshToken is RefreshAccessToken with a hook that runs inside the
// rotation transaction once the successor is staged. When beforeCommit fails
// the rotation is rolled back, the presented token stays usable and the hook's
// error is returned wrapped.
func (s *TokenIssuer) RotateRefreshToken(ctx context.Context, token string, beforeCommit func(*RefreshResult) error) (*RefreshResult, error) {
	record, err := s.ValidateRefreshToken(ctx, token)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.detectReuse(ctx, token)
		}
		return nil, err
	}

	user, err := s.users.GetByID(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load refresh token owner: %w", err)
	}
	if !user.IsActive {
		s.logger.Warn("refresh rejected for inactive user", slog.String("user_id", user.ID))
		return nil, models.ErrNotFound
	}

	accessToken, accessExpiresAt, err := s.minter.GenerateAccessToken(user)
	if err != nil {
		return nil, fmt.Errorf("failed to mint access token: %w", err)
	}

	successor, err := auth.GenerateOpaqueToken()
	if err != nil {
		return nil, err
	}

	result := &RefreshResult{
		Tokens: &models.TokenPair{
			AccessToken:  accessToken,
			RefreshToken: successor,
			ExpiresIn:    int64(accessExpiresAt.Sub(s.now()).Seconds()),
		},
		User:            user,
		AccessExpiresAt: accessExpiresAt,
	}

	now := s.now().UTC()
	var hookErr error
	err = s.repo.WithUserLock(ctx, user.ID, func(tx repositories.RefreshTokenTx) error {
		consumed, err := tx.ConsumeValid(ctx, auth.HashToken(token), now)
		if err != nil {
			return err
		}

		// Single active chain: anything else still valid goes too
		if _, err := tx.RevokeValidForUser(ctx, user.ID, now); err != nil {
			return err
		}

		err = tx.Create(ctx, &models.RefreshToken{
			TokenHash:    auth.HashToken(successor),
			UserID:       user.ID,
			ExpiresAt:    now.Add(s.lifetime(consumed.IsRememberMe)),
			IsRememberMe: consumed.IsRememberMe,
			IPAddress:    consumed.IPAddress,
			UserAgent:    consumed.UserAgent,
			CreatedAt:    now,
		})
		if err != nil {
			return err
		}

		result.RememberMe = consumed.IsRememberMe
		if beforeCommit != nil {
			hookErr = beforeCommit(result)
		}
		return hookErr
	})
	if err != nil {
		if hookErr != nil {
			return nil, fmt.Errorf("failed to complete rotation: %w", hookErr)
		}
		if errors.Is(err, models.ErrNotFound) {
			s.detectReuse(ctx, token)
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	return result, nil
}

// detectReuse logs a presented token that was revoked before it expired, which
// is a replay of a rotated or logged-out token. The chain is left intact.
func (s *TokenIssuer) detectReuse(ctx context.Context, token string) {
	if token == "" {
		return
	}

	record, err := s.repo.GetByHash(ctx, auth.HashToken(token))
	if err != nil || !record.IsRevoked || !record.ExpiresAt.After(s.now()) {
		return
	}

	s.logger.WarnContext(ctx, "revoked refresh token presented",
		slog.String("user_id", record.UserID),
		slog.String("token_id", record.ID),
		slog.Time("issued_at", record.CreatedAt))
}

// RevokeToken revokes one refresh token
func (s *TokenIssuer) RevokeToken(ctx context.Context, token string) (bool, error) {
	revoked, err := s.repo.RevokeByHash(ctx, auth.HashToken(token))
	if err != nil {
		return false, fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return revoked, nil
}

// RevokeUserTokens revokes the user's currently valid tokens
func (s *TokenIssuer) RevokeUserTokens(ctx context.Context, userID string) (int64, error) {
	revoked, err := s.repo.RevokeValidForUser(ctx, userID, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user tokens: %w", err)
	}
	return revoked, nil
}

// RevokeAllUserTokens revokes every unrevoked token of the user including expired ones
func (s *TokenIssuer) RevokeAllUserTokens(ctx context.Context, userID string) (int64, error) {
	revoked, err := s.repo.RevokeAllForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke all user tokens: %w", err)
	}
	return revoked, nil
}

// CleanupExpiredTokens deletes tokens past their expiry
func (s *TokenIssuer) CleanupExpiredTokens(ctx context.Context) (int64, error) {
	deleted, err := s.repo.DeleteExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired tokens: %w", err)
	}
	return deleted, nil
}

// GetUserActiveSessions lists the user's unrevoked refresh tokens. These are
// refresh-chain entries, not SessionRegistry sessions.
func (s *TokenIssuer) GetUserActiveSessions(ctx context.Context, userID string) ([]*models.RefreshToken, error) {
	tokens, err := s.repo.ListNonRevokedByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list refresh tokens: %w", err)
	}
	return tokens, nil
}
