package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/labdesk/internal/models"
	"github.com/BradenHooton/labdesk/pkg/auth"
)

const (
	loginHistoryWindow  = 30 * 24 * time.Hour
	loginHistoryLimit   = 50
	defaultSessionLimit = 20
	maxSessionLimit     = 100
)

// SessionRepository defines the persistence operations of the session registry
type SessionRepository interface {
	Create(ctx context.Context, s *models.Session) (*models.Session, error)
	ValidateAndTouch(ctx context.Context, tokenHash string, now time.Time) (*models.Session, error)
	Touch(ctx context.Context, tokenHash string, now time.Time) (bool, error)
	RevokeByHash(ctx context.Context, tokenHash, reason string, now time.Time) (bool, error)
	RevokeByUser(ctx context.Context, userID string, excludeHash *string, reason string, now time.Time) (int64, error)
	RevokeExpired(ctx context.Context, now time.Time) (int64, error)
	ListByUserSince(ctx context.Context, userID string, since time.Time, limit int) ([]*models.Session, error)
	ListRecentByUser(ctx context.Context, userID string, limit int) ([]*models.Session, error)
	GetByIDForUser(ctx context.Context, sessionID, userID string) (*models.Session, error)
	ExistsValid(ctx context.Context, tokenHash string, now time.Time) (bool, error)
	Stats(ctx context.Context, userID *string, now time.Time) (*models.SessionStats, error)
	DeleteInactiveOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionRegistry issues, validates and revokes sessions addressed by the hash
// of their bearer token. Revocation is terminal.
type SessionRegistry struct {
	repo   SessionRepository
	logger *slog.Logger
	now    func() time.Time
}

// NewSessionRegistry creates a new SessionRegistry
func NewSessionRegistry(repo SessionRepository, logger *slog.Logger) *SessionRegistry {
	return &SessionRegistry{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock replaces the time source
func (r *SessionRegistry) SetClock(now func() time.Time) {
	r.now = now
}

// CreateSession stores a new active session for the token
func (r *SessionRegistry) CreateSession(ctx context.Context, in models.CreateSessionInput) (*models.Session, error) {
	if in.UserID == "" || in.Token == "" {
		return nil, fmt.Errorf("%w: user id and token are required", models.ErrBadRequest)
	}

	now := r.now().UTC()
	if !in.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: session expiry must be in the future", models.ErrBadRequest)
	}

	ipAddress, userAgent := unknownRequestValue, unknownRequestValue
	if in.Request != nil {
		if in.Request.IPAddress != "" {
			ipAddress = in.Request.IPAddress
		}
		if in.Request.UserAgent != "" {
			userAgent = in.Request.UserAgent
		}
	}

	session, err := r.repo.Create(ctx, &models.Session{
		TokenHash:         auth.HashToken(in.Token),
		UserID:            in.UserID,
		IPAddress:         ipAddress,
		UserAgent:         userAgent,
		DeviceFingerprint: ParseDeviceFingerprint(userAgent),
		IsRememberMe:      in.IsRememberMe,
		ExpiresAt:         in.ExpiresAt.UTC(),
		LastActivity:      now,
		IsActive:          true,
		CreatedAt:         now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	r.logger.Info("session created",
		slog.String("session_id", session.ID),
		slog.String("user_id", session.UserID),
		slog.String("device_type", session.DeviceFingerprint.DeviceType),
		slog.Bool("remember_me", session.IsRememberMe))

	return session, nil
}

// ValidateSession returns the session for token if it is active and unexpired,
// touching last activity. Any miss is ErrNotFound.
func (r *SessionRegistry) ValidateSession(ctx context.Context, token string) (*models.Session, error) {
	if token == "" {
		return nil, models.ErrNotFound
	}

	session, err := r.repo.ValidateAndTouch(ctx, auth.HashToken(token), r.now().UTC())
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to validate session: %w", err)
	}
	return session, nil
}

// UpdateLastActivity touches an active session; a missing or revoked one is a no-op
func (r *SessionRegistry) UpdateLastActivity(ctx context.Context, token string) error {
	if _, err := r.repo.Touch(ctx, auth.HashToken(token), r.now().UTC()); err != nil {
		return fmt.Errorf("failed to update session activity: %w", err)
	}
	return nil
}

// RevokeSession revokes the token's session if it is still active
func (r *SessionRegistry) RevokeSession(ctx context.Context, token, reason string) (bool, error) {
	revoked, err := r.repo.RevokeByHash(ctx, auth.HashToken(token), reason, r.now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to revoke session: %w", err)
	}
	return revoked, nil
}

// RevokeUserSessions revokes every active session of the user, keeping the one
// for excludeToken when it is non-empty
func (r *SessionRegistry) RevokeUserSessions(ctx context.Context, userID, excludeToken, reason string) (int64, error) {
	var excludeHash *string
	if excludeToken != "" {
		hash := auth.HashToken(excludeToken)
		excludeHash = &hash
	}

	revoked, err := r.repo.RevokeByUser(ctx, userID, excludeHash, reason, r.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user sessions: %w", err)
	}

	r.logger.Info("user sessions revoked",
		slog.String("user_id", userID),
		slog.String("reason", reason),
		slog.Int64("revoked", revoked),
		slog.Bool("kept_current", excludeHash != nil))

	return revoked, nil
}

// RevokeExpiredSessions sweeps active sessions past expiry to revoked
func (r *SessionRegistry) RevokeExpiredSessions(ctx context.Context) (int64, error) {
	revoked, err := r.repo.RevokeExpired(ctx, r.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to revoke expired sessions: %w", err)
	}
	return revoked, nil
}

// DetectSuspiciousLogin compares the login against the user's last 30 days of sessions
func (r *SessionRegistry) DetectSuspiciousLogin(ctx context.Context, userID, ipAddress, userAgent string) (*models.LoginAssessment, error) {
	now := r.now().UTC()

	history, err := r.repo.ListByUserSince(ctx, userID, now.Add(-loginHistoryWindow), loginHistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load session history: %w", err)
	}

	assessment := AssessLogin(history, ipAddress, ParseDeviceFingerprint(userAgent), now)
	return &assessment, nil
}

// GetSessionStats aggregates sessions, for one user when userID is non-nil
func (r *SessionRegistry) GetSessionStats(ctx context.Context, userID *string) (*models.SessionStats, error) {
	stats, err := r.repo.Stats(ctx, userID, r.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to get session stats: %w", err)
	}
	return stats, nil
}

// GetRecentSessions lists the user's newest sessions in any state
func (r *SessionRegistry) GetRecentSessions(ctx context.Context, userID string, limit int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = defaultSessionLimit
	}
	if limit > maxSessionLimit {
		limit = maxSessionLimit
	}

	sessions, err := r.repo.ListRecentByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent sessions: %w", err)
	}
	return sessions, nil
}

// FindSessionByID returns the session only when it belongs to userID
func (r *SessionRegistry) FindSessionByID(ctx context.Context, sessionID, userID string) (*models.Session, error) {
	session, err := r.repo.GetByIDForUser(ctx, sessionID, userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	return session, nil
}

// IsTokenRevoked reports true unless an active, unexpired session exists for token
func (r *SessionRegistry) IsTokenRevoked(ctx context.Context, token string) (bool, error) {
	exists, err := r.repo.ExistsValid(ctx, auth.HashToken(token), r.now().UTC())
	if err != nil {
		return true, fmt.Errorf("failed to check session revocation: %w", err)
	}
	return !exists, nil
}

// CleanOldSessions deletes inactive sessions created more than days ago
func (r *SessionRegistry) CleanOldSessions(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("%w: days must be positive", models.ErrBadRequest)
	}

	deleted, err := r.repo.DeleteInactiveOlderThan(ctx, r.now().UTC().AddDate(0, 0, -days))
	if err != nil {
		return 0, fmt.Errorf("failed to clean old sessions: %w", err)
	}

	r.logger.Info("old sessions cleaned", slog.Int64("deleted", deleted), slog.Int("retention_days", days))
	return deleted, nil
}
