package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/labdesk/internal/models"
	pkghttp "github.com/BradenHooton/labdesk/pkg/http"
)

// contextKey is a custom type for context keys
type contextKey string

const (
	// UserContextKey is the key for storing user claims in context
	UserContextKey contextKey = "user"
	// SessionContextKey is the key for storing the validated session in context
	SessionContextKey contextKey = "session"
	// TokenContextKey is the key for storing the raw bearer token in context
	TokenContextKey contextKey = "token"
)

// SessionValidator resolves a bearer token to its live session
type SessionValidator interface {
	ValidateSession(ctx context.Context, token string) (*models.Session, error)
}

// ExpiredTokenAuditor records requests made with expired access tokens
type ExpiredTokenAuditor interface {
	LogTokenExpired(ctx context.Context, userID, email, path string, req *models.RequestContext) error
}

// SessionMiddlewareConfig wires the session middleware
type SessionMiddlewareConfig struct {
	Tokens   *TokenManager
	Sessions SessionValidator
	Audit    ExpiredTokenAuditor
	IPConfig *pkghttp.IPConfig
	Logger   *slog.Logger
}

// SessionMiddleware verifies the bearer JWT, then requires an active session
// for it. A session store failure denies the request with 503.
func SessionMiddleware(cfg SessionMiddlewareConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := pkghttp.ExtractBearerToken(r)
			if !ok {
				pkghttp.WriteUnauthorized(w, "missing or invalid authorization header")
				return
			}

			claims, err := cfg.Tokens.ValidateToken(token)
			if err != nil {
				if errors.Is(err, ErrTokenExpired) && claims != nil {
					auditExpired(r, cfg, claims)
					pkghttp.WriteError(w, http.StatusUnauthorized, "token_expired", "access token expired")
					return
				}
				pkghttp.WriteUnauthorized(w, "invalid token")
				return
			}

			session, err := cfg.Sessions.ValidateSession(r.Context(), token)
			if err != nil {
				if errors.Is(err, models.ErrNotFound) {
					pkghttp.WriteUnauthorized(w, "session is no longer active")
					return
				}
				cfg.Logger.Error("session validation failed",
					slog.String("user_id", claims.UserID),
					slog.String("error", err.Error()))
				pkghttp.WriteServiceUnavailable(w, "unable to verify session")
				return
			}

			// Token and session must agree on the owner
			if session.UserID != claims.UserID {
				cfg.Logger.Warn("session owner mismatch",
					slog.String("session_id", session.ID),
					slog.String("user_id", claims.UserID))
				pkghttp.WriteUnauthorized(w, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), UserContextKey, claims)
			ctx = context.WithValue(ctx, SessionContextKey, session)
			ctx = context.WithValue(ctx, TokenContextKey, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func auditExpired(r *http.Request, cfg SessionMiddlewareConfig, claims *models.TokenClaims) {
	if cfg.Audit == nil {
		return
	}

	req := &models.RequestContext{
		IPAddress: pkghttp.ExtractClientIP(r, cfg.IPConfig),
		UserAgent: pkghttp.ExtractUserAgent(r),
	}
	if err := cfg.Audit.LogTokenExpired(r.Context(), claims.UserID, claims.Email, r.URL.Path, req); err != nil {
		cfg.Logger.Error("failed to audit expired token", slog.String("error", err.Error()))
	}
}

// RequireRole creates a middleware that enforces role-based access control
func RequireRole(userRepo UserRepository, role string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Must run after SessionMiddleware
			claims := GetUserFromContext(r)
			if claims == nil {
				pkghttp.WriteUnauthorized(w, "unauthorized")
				return
			}

			// Current role comes from the database, not the token
			user, err := userRepo.GetByID(r.Context(), claims.UserID)
			if err != nil {
				if errors.Is(err, models.ErrNotFound) {
					pkghttp.WriteUnauthorized(w, "user not found")
					return
				}
				pkghttp.WriteInternalError(w, "internal server error")
				return
			}

			if !user.IsActive || user.Role != role {
				pkghttp.WriteForbidden(w, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// GetUserFromContext extracts user claims from request context
func GetUserFromContext(r *http.Request) *models.TokenClaims {
	claims, ok := r.Context().Value(UserContextKey).(*models.TokenClaims)
	if !ok {
		return nil
	}
	return claims
}

// GetSessionFromContext extracts the validated session from request context
func GetSessionFromContext(r *http.Request) *models.Session {
	session, ok := r.Context().Value(SessionContextKey).(*models.Session)
	if !ok {
		return nil
	}
	return session
}

// GetTokenFromContext extracts the raw bearer token from request context
func GetTokenFromContext(r *http.Request) string {
	token, _ := r.Context().Value(TokenContextKey).(string)
	return token
}

// UserRepository interface for fetching user data
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
}
