package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BradenHooton/labdesk/internal/auth"
	"github.com/BradenHooton/labdesk/internal/models"
	"github.com/BradenHooton/labdesk/internal/services"
	pkghttp "github.com/BradenHooton/labdesk/pkg/http"
	"github.com/go-chi/chi/v5"
)

const (
	defaultSessionListLimit = 10
	maxSessionListLimit     = 50
)

// AuthServiceInterface defines the interface for auth business logic
type AuthServiceInterface interface {
	Login(ctx context.Context, in services.LoginInput) (*services.AuthResponse, error)
	Refresh(ctx context.Context, refreshToken, previousAccessToken string, req *models.RequestContext) (*services.AuthResponse, error)
	Logout(ctx context.Context, session *models.Session, claims *models.TokenClaims, accessToken string, req *models.RequestContext) error
	LogoutOthers(ctx context.Context, session *models.Session, claims *models.TokenClaims, accessToken string, req *models.RequestContext) (int64, error)
	LogoutAll(ctx context.Context, session *models.Session, claims *models.TokenClaims, req *models.RequestContext) (int64, error)
	ChangePassword(ctx context.Context, claims *models.TokenClaims, accessToken, currentPassword, newPassword string, req *models.RequestContext) error
	ExtendSession(ctx context.Context, session *models.Session, claims *models.TokenClaims, accessToken string, req *models.RequestContext) error
}

// SessionQueryInterface lists a user's sessions
type SessionQueryInterface interface {
	GetRecentSessions(ctx context.Context, userID string, limit int) ([]*models.Session, error)
	FindSessionByID(ctx context.Context, sessionID, userID string) (*models.Session, error)
}

// RefreshSessionInterface lists a user's live refresh tokens
type RefreshSessionInterface interface {
	GetUserActiveSessions(ctx context.Context, userID string) ([]*models.RefreshToken, error)
}

// AuthHandler handles authentication-related HTTP requests
type AuthHandler struct {
	service         AuthServiceInterface
	sessions        SessionQueryInterface
	refreshSessions RefreshSessionInterface
	ipConfig        *pkghttp.IPConfig
	now             func() time.Time
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(service AuthServiceInterface, sessions SessionQueryInterface, refreshSessions RefreshSessionInterface, ipConfig *pkghttp.IPConfig) *AuthHandler {
	return &AuthHandler{
		service:         service,
		sessions:        sessions,
		refreshSessions: refreshSessions,
		ipConfig:        ipConfig,
		now:             time.Now,
	}
}

// SetClock replaces the time source used for Retry-After headers
func (h *AuthHandler) SetClock(now func() time.Time) {
	h.now = now
}

// Request DTOs

// LoginRequest represents the request body for login
type LoginRequest struct {
	Email      string `json:"email" validate:"required,email,max=254"`
	Password   string `json:"password" validate:"required,max=72"`
	RememberMe bool   `json:"remember_me"`
}

// RefreshTokenRequest represents the request body for token refresh
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required,len=64,hexadecimal"`
}

// ChangePasswordRequest represents the request body for a password change
type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required,max=72"`
	NewPassword     string `json:"new_password" validate:"required,min=8,max=72"`
}

// Response DTOs

// LoginDeniedResponse is returned when the attempt tracker refuses a login
type LoginDeniedResponse struct {
	Error                string     `json:"error"`
	Message              string     `json:"message"`
	RemainingAttempts    int        `json:"remainingAttempts"`
	RetryAfter           *time.Time `json:"retryAfter,omitempty"`
	BlockDurationMinutes int        `json:"blockDurationMinutes,omitempty"`
}

// InvalidCredentialsResponse is returned for a rejected password
type InvalidCredentialsResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RemainingAttempts int    `json:"remainingAttempts"`
}

// SessionResponse is a session as shown to its owner
type SessionResponse struct {
	ID           string                   `json:"id"`
	IPAddress    string                   `json:"ip_address"`
	Device       models.DeviceFingerprint `json:"device"`
	IsRememberMe bool                     `json:"is_remember_me"`
	IsActive     bool                     `json:"is_active"`
	IsCurrent    bool                     `json:"is_current"`
	LastActivity time.Time                `json:"last_activity"`
	ExpiresAt    time.Time                `json:"expires_at"`
	LogoutReason *string                  `json:"logout_reason,omitempty"`
	CreatedAt    time.Time                `json:"created_at"`
}

// RefreshSessionResponse is a live refresh token as shown to its owner
type RefreshSessionResponse struct {
	ID        string    `json:"id"`
	IPAddress *string   `json:"ip_address,omitempty"`
	UserAgent *string   `json:"user_agent,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Login handles user login
// @Summary User login
// @Accept json
// @Param request body LoginRequest true "Login request"
// @Produce json
// @Success 200 {object} services.AuthResponse
// @Failure 400 {object} pkghttp.ErrorResponse
// @Failure 401 {object} LoginDeniedResponse
// @Failure 429 {object} LoginDeniedResponse
// @Router /auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	authResp, err := h.service.Login(r.Context(), services.LoginInput{
		Email:      strings.TrimSpace(req.Email),
		Password:   req.Password,
		RememberMe: req.RememberMe,
		Request:    h.requestContext(r),
	})
	if err != nil {
		h.writeLoginError(w, err)
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, authResp)
}

func (h *AuthHandler) writeLoginError(w http.ResponseWriter, err error) {
	var denied *models.SecurityCheckError
	var invalid *models.InvalidCredentialsError

	switch {
	case errors.As(err, &denied):
		result := denied.Result
		if result == nil {
			result = &models.SecurityCheckResult{Message: models.SecurityMessageBlocked}
		}
		if result.RetryAfter != nil {
			pkghttp.SetRetryAfter(w, *result.RetryAfter, h.now())
		}

		status, code := http.StatusUnauthorized, "security_blocked"
		if errors.Is(err, models.ErrRateLimited) {
			status, code = http.StatusTooManyRequests, "rate_limited"
		}
		pkghttp.WriteJSON(w, status, LoginDeniedResponse{
			Error:                code,
			Message:              result.Message,
			RemainingAttempts:    result.RemainingAttempts,
			RetryAfter:           result.RetryAfter,
			BlockDurationMinutes: result.BlockDurationMinutes,
		})
	case errors.As(err, &invalid):
		pkghttp.WriteJSON(w, http.StatusUnauthorized, InvalidCredentialsResponse{
			Error:             "invalid_credentials",
			Message:           "Invalid email or password",
			RemainingAttempts: invalid.RemainingAttempts,
		})
	case errors.Is(err, models.ErrInvalidCredentials), errors.Is(err, models.ErrUnauthorized):
		pkghttp.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid email or password")
	default:
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}

// RefreshToken exchanges a refresh token for a new credential pair. An
// Authorization header, when present, names the access token being replaced.
// @Router /auth/refresh [post]
func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteUnauthorized(w, "Invalid or expired refresh token")
		return
	}

	previous, _ := pkghttp.ExtractBearerToken(r)

	authResp, err := h.service.Refresh(r.Context(), req.RefreshToken, previous, h.requestContext(r))
	if err != nil {
		if errors.Is(err, models.ErrUnauthorized) {
			pkghttp.WriteUnauthorized(w, "Invalid or expired refresh token")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, authResp)
}

// Logout ends the current session
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	session, claims, token, ok := requireSession(w, r)
	if !ok {
		return
	}

	if err := h.service.Logout(r.Context(), session, claims, token, h.requestContext(r)); err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

// LogoutOthers ends every other session of the caller
// @Router /auth/logout-others [post]
func (h *AuthHandler) LogoutOthers(w http.ResponseWriter, r *http.Request) {
	session, claims, token, ok := requireSession(w, r)
	if !ok {
		return
	}

	revoked, err := h.service.LogoutOthers(r.Context(), session, claims, token, h.requestContext(r))
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]any{
		"message":          "Other sessions logged out",
		"sessions_revoked": revoked,
	})
}

// LogoutAll ends every session and refresh token of the caller
// @Router /auth/logout-all [post]
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	session, claims, _, ok := requireSession(w, r)
	if !ok {
		return
	}

	revoked, err := h.service.LogoutAll(r.Context(), session, claims, h.requestContext(r))
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]any{
		"message":          "Logged out from all devices",
		"sessions_revoked": revoked,
	})
}

// Heartbeat records activity on the current session
// @Router /auth/heartbeat [post]
func (h *AuthHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	session, claims, token, ok := requireSession(w, r)
	if !ok {
		return
	}

	if err := h.service.ExtendSession(r.Context(), session, claims, token, h.requestContext(r)); err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ChangePassword replaces the caller's password and ends their other sessions
// @Router /auth/password [post]
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	_, claims, token, ok := requireSession(w, r)
	if !ok {
		return
	}

	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}

	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	err := h.service.ChangePassword(r.Context(), claims, token, req.CurrentPassword, req.NewPassword, h.requestContext(r))
	switch {
	case err == nil:
		pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"message": "Password changed"})
	case errors.Is(err, models.ErrInvalidCredentials):
		pkghttp.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "Current password is incorrect")
	case errors.Is(err, models.ErrBadRequest):
		pkghttp.WriteBadRequest(w, "New password must differ from the current one")
	case errors.Is(err, models.ErrUnauthorized):
		pkghttp.WriteUnauthorized(w, "unauthorized")
	default:
		pkghttp.WriteInternalError(w, "Internal server error")
	}
}

// ListSessions returns the caller's most recent sessions
// @Router /auth/sessions [get]
func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	current, claims, _, ok := requireSession(w, r)
	if !ok {
		return
	}

	limit := defaultSessionListLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= maxSessionListLimit {
			limit = n
		}
	}

	sessions, err := h.sessions.GetRecentSessions(r.Context(), claims.UserID, limit)
	if err != nil {
		pkghttp.WriteInternalError(w, "Failed to retrieve sessions")
		return
	}

	response := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		response = append(response, sessionToResponse(s, current.ID))
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]any{"sessions": response})
}

// GetSession returns one of the caller's sessions
// @Router /auth/sessions/{id} [get]
func (h *AuthHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	current, claims, _, ok := requireSession(w, r)
	if !ok {
		return
	}

	session, err := h.sessions.FindSessionByID(r.Context(), chi.URLParam(r, "id"), claims.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "Session not found")
			return
		}
		pkghttp.WriteInternalError(w, "Failed to retrieve session")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, sessionToResponse(session, current.ID))
}

// ListRefreshSessions returns the caller's live refresh tokens
// @Router /auth/refresh-sessions [get]
func (h *AuthHandler) ListRefreshSessions(w http.ResponseWriter, r *http.Request) {
	_, claims, _, ok := requireSession(w, r)
	if !ok {
		return
	}

	tokens, err := h.refreshSessions.GetUserActiveSessions(r.Context(), claims.UserID)
	if err != nil {
		pkghttp.WriteInternalError(w, "Failed to retrieve refresh sessions")
		return
	}

	response := make([]RefreshSessionResponse, 0, len(tokens))
	for _, t := range tokens {
		response = append(response, RefreshSessionResponse{
			ID:        t.ID,
			IPAddress: t.IPAddress,
			UserAgent: t.UserAgent,
			ExpiresAt: t.ExpiresAt,
			CreatedAt: t.CreatedAt,
		})
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]any{"refresh_sessions": response})
}

func (h *AuthHandler) requestContext(r *http.Request) *models.RequestContext {
	return &models.RequestContext{
		IPAddress: pkghttp.ExtractClientIP(r, h.ipConfig),
		UserAgent: pkghttp.ExtractUserAgent(r),
	}
}

// requireSession reads what SessionMiddleware stored and writes 401 when absent
func requireSession(w http.ResponseWriter, r *http.Request) (*models.Session, *models.TokenClaims, string, bool) {
	claims := auth.GetUserFromContext(r)
	session := auth.GetSessionFromContext(r)
	token := auth.GetTokenFromContext(r)
	if claims == nil || session == nil || token == "" {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return nil, nil, "", false
	}
	return session, claims, token, true
}

func sessionToResponse(s *models.Session, currentID string) SessionResponse {
	return SessionResponse{
		ID:           s.ID,
		IPAddress:    s.IPAddress,
		Device:       s.DeviceFingerprint,
		IsRememberMe: s.IsRememberMe,
		IsActive:     s.IsActive,
		IsCurrent:    s.ID == currentID,
		LastActivity: s.LastActivity,
		ExpiresAt:    s.ExpiresAt,
		LogoutReason: s.LogoutReason,
		CreatedAt:    s.CreatedAt,
	}
}
