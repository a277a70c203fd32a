package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BradenHooton/labdesk/internal/auth"
	"github.com/BradenHooton/labdesk/internal/models"
	"github.com/BradenHooton/labdesk/internal/repositories"
	pkgauth "github.com/BradenHooton/labdesk/pkg/auth"
	pkghttp "github.com/BradenHooton/labdesk/pkg/http"
	"github.com/BradenHooton/labdesk/pkg/logger"
)

const suspiciousLoginSource = "login"

// UserRepository defines the user lookups and updates the gateway needs
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error
}

// AccessTokens mints and verifies access credentials
type AccessTokens interface {
	GenerateAccessToken(user *models.User) (string, time.Time, error)
	ValidateToken(tokenString string) (*models.TokenClaims, error)
}

// AuthServiceConfig holds the gateway settings. RememberMeExpiry is the session
// row lifetime for remember-me logins and should match the token issuer's.
type AuthServiceConfig struct {
	RememberMeExpiry time.Duration
}

// AuthService orchestrates login, refresh, logout and password change over the
// attempt tracker, session registry, token issuer and audit log
type AuthService struct {
	users    UserRepository
	tracker  *AttemptTracker
	sessions *SessionRegistry
	tokens   *TokenIssuer
	audit    *AuditService
	notifier SecurityNotifier
	tm       AccessTokens
	config   AuthServiceConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewAuthService creates a new AuthService
func NewAuthService(
	users UserRepository,
	tracker *AttemptTracker,
	sessions *SessionRegistry,
	tokens *TokenIssuer,
	audit *AuditService,
	notifier SecurityNotifier,
	tm AccessTokens,
	config AuthServiceConfig,
	logger *slog.Logger,
) *AuthService {
	if config.RememberMeExpiry <= 0 {
		config.RememberMeExpiry = DefaultRememberMeExpiry
	}
	return &AuthService{
		users:    users,
		tracker:  tracker,
		sessions: sessions,
		tokens:   tokens,
		audit:    audit,
		notifier: notifier,
		tm:       tm,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock replaces the time source
func (s *AuthService) SetClock(now func() time.Time) {
	s.now = now
}

// UserResponse represents a user in the HTTP response
type UserResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

// AuthResponse represents the response from login and refresh
type AuthResponse struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	ExpiresIn    int64         `json:"expires_in"`
	SessionID    string        `json:"session_id"`
	User         *UserResponse `json:"user"`
}

// LoginInput is a single login request
type LoginInput struct {
	Email      string
	Password   string
	RememberMe bool
	Request    *models.RequestContext
}

// Login authenticates a user and opens a session. Denials from the attempt
// tracker come back as *models.SecurityCheckError; a bad password as
// *models.InvalidCredentialsError unless it triggered the lock.
func (s *AuthService) Login(ctx context.Context, in LoginInput) (*AuthResponse, error) {
	email := repositories.NormalizeEmail(in.Email)
	if email == "" {
		return nil, models.ErrInvalidCredentials
	}
	req := requestOrUnknown(in.Request)

	check, err := s.tracker.CheckLoginSecurity(ctx, email, req.IPAddress)
	if err != nil {
		s.logger.Error("login security check failed", slog.String("error", err.Error()))
		return nil, models.ErrInternalServer
	}
	if !check.Allowed {
		return nil, &models.SecurityCheckError{Result: check}
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			s.logger.Error("failed to load user for login", slog.String("error", err.Error()))
			return nil, models.ErrInternalServer
		}
		pkgauth.CompareDummyPassword(in.Password)
		return nil, s.failLogin(ctx, nil, email, models.FailureReasonUnknownUser, req)
	}

	if err := pkgauth.ComparePassword(user.PasswordHash, in.Password); err != nil {
		return nil, s.failLogin(ctx, user, email, models.FailureReasonInvalidPassword, req)
	}

	if !user.IsActive {
		return nil, s.failLogin(ctx, user, email, models.FailureReasonAccountDisabled, req)
	}

	assessment, err := s.sessions.DetectSuspiciousLogin(ctx, user.ID, req.IPAddress, req.UserAgent)
	if err != nil {
		s.logger.Error("failed to assess login", slog.String("error", err.Error()))
		return nil, models.ErrInternalServer
	}

	accessToken, accessExpiresAt, err := s.tm.GenerateAccessToken(user)
	if err != nil {
		s.logger.Error("failed to generate access token", slog.String("error", err.Error()))
		return nil, models.ErrInternalServer
	}

	sessionExpiresAt := accessExpiresAt
	if in.RememberMe {
		sessionExpiresAt = s.now().Add(s.config.RememberMeExpiry)
	}

	session, err := s.sessions.CreateSession(ctx, models.CreateSessionInput{
		UserID:       user.ID,
		Token:        accessToken,
		IsRememberMe: in.RememberMe,
		ExpiresAt:    sessionExpiresAt,
		Request:      req,
	})
	if err != nil {
		s.logger.Error("failed to create session", slog.String("error", err.Error()))
		return nil, models.ErrInternalServer
	}

	refreshToken, err := s.tokens.CreateRefreshToken(ctx, user, req.IPAddress, req.UserAgent, in.RememberMe)
	if err != nil {
		s.logger.Error("failed to create refresh token", slog.String("error", err.Error()))
		s.abandonSession(ctx, accessToken)
		return nil, models.ErrInternalServer
	}

	if err := s.audit.LogLogin(ctx, user, session.ID, in.RememberMe, req); err != nil {
		s.logger.Error("failed to audit login", slog.String("error", err.Error()))
		s.abandonSession(ctx, accessToken)
		s.abandonRefreshToken(ctx, refreshToken)
		return nil, models.ErrInternalServer
	}

	// Cleared only once the login is fully recorded
	if _, err := s.tracker.ClearFailedAttempts(ctx, email, req.IPAddress); err != nil {
		s.logger.Error("failed to clear failed attempts", slog.String("error", err.Error()))
	}

	if assessment.Suspicious {
		s.reportSuspiciousLogin(ctx, user, session.ID, assessment.Reasons, req)
	}

	s.logger.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.String("session_id", session.ID),
		slog.Bool("remember_me", in.RememberMe))

	return &AuthResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(accessExpiresAt.Sub(s.now()).Seconds()),
		SessionID:    session.ID,
		User:         userModelToResponse(user),
	}, nil
}

// failLogin records the failure and maps the outcome to the caller's error
func (s *AuthService) failLogin(ctx context.Context, user *models.User, email, reason string, req *models.RequestContext) error {
	outcome, err := s.tracker.RecordFailedAttempt(ctx, email, req.IPAddress, req.UserAgent, reason)
	if err != nil {
		s.logger.Error("failed to record failed attempt", slog.String("error", err.Error()))
		return models.ErrInternalServer
	}

	s.logger.Info("login failed",
		slog.String("email", logger.SanitizedEmail(email)),
		slog.String("reason", reason),
		slog.Int("remaining_attempts", outcome.RemainingAttempts))

	if !outcome.Blocked {
		return &models.InvalidCredentialsError{RemainingAttempts: outcome.RemainingAttempts}
	}

	// Only known accounts get mail
	if outcome.NewlyLocked && user != nil {
		if err := s.notifier.NotifyAccountLocked(ctx, user.Email, *outcome.BlockedUntil, req); err != nil {
			s.logger.Error("failed to send lock notification", slog.String("error", err.Error()))
		}
	}

	return &models.SecurityCheckError{Result: blockedResult(*outcome.BlockedUntil, s.now())}
}

func (s *AuthService) reportSuspiciousLogin(ctx context.Context, user *models.User, sessionID string, reasons []string, req *models.RequestContext) {
	s.logger.Warn("suspicious login",
		slog.String("user_id", user.ID),
		slog.String("session_id", sessionID),
		slog.Any("reasons", reasons))

	// Medium: the login itself succeeded with valid credentials
	userID := user.ID
	if err := s.audit.LogSuspiciousActivity(ctx, &userID, user.Email, models.RiskMedium, reasons, suspiciousLoginSource, req); err != nil {
		s.logger.Error("failed to audit suspicious login", slog.String("error", err.Error()))
	}

	if err := s.notifier.NotifySuspiciousLogin(ctx, user, reasons, req); err != nil {
		s.logger.Error("failed to send suspicious login notification", slog.String("error", err.Error()))
	}
}

func (s *AuthService) abandonSession(ctx context.Context, accessToken string) {
	if _, err := s.sessions.RevokeSession(ctx, accessToken, models.LogoutReasonLogout); err != nil {
		s.logger.Error("failed to revoke abandoned session", slog.String("error", err.Error()))
	}
}

func (s *AuthService) abandonRefreshToken(ctx context.Context, refreshToken string) {
	if _, err := s.tokens.RevokeToken(ctx, refreshToken); err != nil {
		s.logger.Error("failed to revoke abandoned refresh token", slog.String("error", err.Error()))
	}
}

// Refresh rotates the refresh token and opens a session for the new access
// token. The session is created before the rotation commits, so a failure
// leaves the presented refresh token usable. The previous access token's
// session is revoked as rotated when it belongs to the same user.
func (s *AuthService) Refresh(ctx context.Context, refreshToken, previousAccessToken string, req *models.RequestContext) (*AuthResponse, error) {
	req = requestOrUnknown(req)

	var (
		session     *models.Session
		sessionErr  error
		accessToken string
	)
	result, err := s.tokens.RotateRefreshToken(ctx, refreshToken, func(r *RefreshResult) error {
		accessToken = r.Tokens.AccessToken
		expiresAt := r.AccessExpiresAt
		if r.RememberMe {
			expiresAt = s.now().Add(s.config.RememberMeExpiry)
		}
		session, sessionErr = s.sessions.CreateSession(ctx, models.CreateSessionInput{
			UserID:       r.User.ID,
			Token:        accessToken,
			IsRememberMe: r.RememberMe,
			ExpiresAt:    expiresAt,
			Request:      req,
		})
		return sessionErr
	})
	if err != nil {
		// Rotation did not commit after the session was opened
		if session != nil {
			s.abandonSession(ctx, accessToken)
		}
		switch {
		case sessionErr != nil:
			s.logger.Error("failed to create session for refreshed token", slog.String("error", sessionErr.Error()))
			return nil, models.ErrInternalServer
		case errors.Is(err, models.ErrNotFound):
			s.logger.Info("refresh rejected: invalid refresh token")
			return nil, models.ErrUnauthorized
		}
		s.logger.Error("failed to refresh token", slog.String("error", err.Error()))
		return nil, models.ErrInternalServer
	}

	if previousAccessToken != "" {
		s.retirePreviousSession(ctx, result.User.ID, previousAccessToken)
	}

	return &AuthResponse{
		AccessToken:  result.Tokens.AccessToken,
		RefreshToken: result.Tokens.RefreshToken,
		ExpiresIn:    result.Tokens.ExpiresIn,
		SessionID:    session.ID,
		User:         userModelToResponse(result.User),
	}, nil
}

func (s *AuthService) retirePreviousSession(ctx context.Context, userID, accessToken string) {
	claims, err := s.tm.ValidateToken(accessToken)
	if err != nil && !errors.Is(err, auth.ErrTokenExpired) {
		return
	}
	if claims == nil || claims.UserID != userID {
		return
	}

	if _, err := s.sessions.RevokeSession(ctx, accessToken, models.LogoutReasonRotated); err != nil {
		s.logger.Error("failed to revoke rotated session", slog.String("error", err.Error()))
	}
}

// Logout ends the current session and the user's refresh chain
func (s *AuthService) Logout(ctx context.Context, session *models.Session, claims *models.TokenClaims, accessToken string, req *models.RequestContext) error {
	if _, err := s.sessions.RevokeSession(ctx, accessToken, models.LogoutReasonLogout); err != nil {
		s.logger.Error("failed to revoke session", slog.String("error", err.Error()))
		return models.ErrInternalServer
	}

	if _, err := s.tokens.RevokeUserTokens(ctx, claims.UserID); err != nil {
		s.logger.Error("failed to revoke refresh tokens", slog.String("error", err.Error()))
		return models.ErrInternalServer
	}

	duration := s.now().Sub(session.CreatedAt)
	if err := s.audit.LogLogout(ctx, claims.UserID, claims.Email, session.ID, models.LogoutReasonLogout, &duration, req); err != nil {
		s.logger.Error("failed to audit logout", slog.String("error", err.Error()))
		return models.ErrInternalServer
	}

	s.logger.Info("user logged out", slog.String("user_id", claims.UserID), slog.String("session_id", session.ID))
	return nil
}

// LogoutOthers revokes every session of the user except the current one
func (s *AuthService) LogoutOthers(ctx context.Context, session *models.Session, claims *models.TokenClaims, accessToken string, req *models.RequestContext) (int64, error) {
	revoked, err := s.sessions.RevokeUserSessions(ctx, claims.UserID, accessToken, models.LogoutReasonLogoutAll)
	if err != nil {
		s.logger.Error("failed to revoke other sessions", slog.String("error", err.Error()))
		return 0, models.ErrInternalServer
	}

	if err := s.audit.LogLogout(ctx, claims.UserID, claims.Email, session.ID, models.LogoutReasonLogoutAll, nil, req); err != nil {
		s.logger.Error("failed to audit logout", slog.String("error", err.Error()))
		return 0, models.ErrInternalServer
	}

	return revoked, nil
}

// LogoutAll revokes every session and every refresh token of the user
func (s *AuthService) LogoutAll(ctx context.Context, session *models.Session, claims *models.TokenClaims, req *models.RequestContext) (int64, error) {
	revoked, err := s.sessions.RevokeUserSessions(ctx, claims.UserID, "", models.LogoutReasonLogoutAll)
	if err != nil {
		s.logger.Error("failed to revoke sessions", slog.String("error", err.Error()))
		return 0, models.ErrInternalServer
	}

	if _, err := s.tokens.RevokeAllUserTokens(ctx, claims.UserID); err != nil {
		s.logger.Error("failed to revoke refresh tokens", slog.String("error", err.Error()))
		return 0, models.ErrInternalServer
	}

	duration := s.now().Sub(session.CreatedAt)
	if err := s.audit.LogLogout(ctx, claims.UserID, claims.Email, session.ID, models.LogoutReasonLogoutAll, &duration, req); err != nil {
		s.logger.Error("failed to audit logout", slog.String("error", err.Error()))
		return 0, models.ErrInternalServer
	}

	s.logger.Info("user logged out everywhere", slog.String("user_id", claims.UserID), slog.Int64("sessions_revoked", revoked))
	return revoked, nil
}

// ChangePassword verifies the current password, stores the new hash and ends
// every other session and all refresh tokens
func (s *AuthService) ChangePassword(ctx context.Context, claims *models.TokenClaims, accessToken, currentPassword, newPassword string, req *models.RequestContext) error {
	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.ErrUnauthorized
		}
		s.logger.Error("failed to load user", slog.String("error", err.Error()))
		return models.ErrInternalServer
	}

	if err := pkgauth.ComparePassword(user.PasswordHash, currentPassword); err != nil {
		s.logger.Info("password change rejected: wrong current password", slog.String("user_id", user.ID))
		return models.ErrInvalidCredentials
	}

	if currentPassword == newPassword {
		return fmt.Errorf("%w: new password must differ from the current one", models.ErrBadRequest)
	}

	hash, err := pkgauth.HashPassword(newPassword)
	if err != nil {
		s.logger.Error("failed to hash password", slog.String("error", err.Error()))
		return models.ErrInternalServer
	}

	if err := s.users.UpdatePassword(ctx, user.ID, hash, s.now().UTC()); err != nil {
		s.logger.Error("failed to update password", slog.String("error", err.Error()))
		return models.ErrInternalServer
	}

	tokensRevoked, err := s.tokens.RevokeAllUserTokens(ctx, user.ID)
	if err != nil {
		s.logger.Error("failed to revoke refresh tokens", slog.String("error", err.Error()))
		return models.ErrInternalServer
	}

	sessionsRevoked, err := s.sessions.RevokeUserSessions(ctx, user.ID, accessToken, models.LogoutReasonPasswordChanged)
	if err != nil {
		s.logger.Error("failed to revoke sessions", slog.String("error", err.Error()))
		return models.ErrInternalServer
	}

	if err := s.audit.LogPasswordChanged(ctx, user.ID, user.Email, sessionsRevoked, tokensRevoked, req); err != nil {
		s.logger.Error("failed to audit password change", slog.String("error", err.Error()))
		return models.ErrInternalServer
	}

	s.logger.Info("password changed",
		slog.String("user_id", user.ID),
		slog.Int64("sessions_revoked", sessionsRevoked),
		slog.Int64("tokens_revoked", tokensRevoked))
	return nil
}

// ExtendSession records activity on the current session
func (s *AuthService) ExtendSession(ctx context.Context, session *models.Session, claims *models.TokenClaims, accessToken string, req *models.RequestContext) error {
	if err := s.sessions.UpdateLastActivity(ctx, accessToken); err != nil {
		s.logger.Error("failed to extend session", slog.String("error", err.Error()))
		return models.ErrInternalServer
	}

	if err := s.audit.LogSessionExtended(ctx, claims.UserID, claims.Email, session.ID, req); err != nil {
		s.logger.Error("failed to audit session extension", slog.String("error", err.Error()))
		return models.ErrInternalServer
	}
	return nil
}

func requestOrUnknown(req *models.RequestContext) *models.RequestContext {
	out := &models.RequestContext{IPAddress: unknownRequestValue, UserAgent: unknownRequestValue}
	if req == nil {
		return out
	}
	if req.IPAddress != "" {
		out.IPAddress = req.IPAddress
	}
	if ua := pkghttp.SanitizeUserAgent(req.UserAgent); ua != "" {
		out.UserAgent = ua
	}
	return out
}

// userModelToResponse converts a User model to UserResponse
func userModelToResponse(user *models.User) *UserResponse {
	return &UserResponse{
		ID:        user.ID,
		Email:     user.Email,
		Name:      user.Name,
		Role:      user.Role,
		CreatedAt: user.CreatedAt.Format(time.RFC3339),
	}
}
