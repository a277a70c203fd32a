package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/BradenHooton/labdesk/internal/auth"
	"github.com/BradenHooton/labdesk/internal/handlers"
	"github.com/BradenHooton/labdesk/internal/middleware"
	"github.com/BradenHooton/labdesk/internal/models"
	pkghttp "github.com/BradenHooton/labdesk/pkg/http"
	"github.com/go-chi/chi/v5"
)

// HealthChecker reports whether the backing store is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies carries everything the router needs
type Dependencies struct {
	AuthHandler  *handlers.AuthHandler
	AdminHandler *handlers.AdminHandler
	AuditHandler *handlers.AuditHandler
	Session      auth.SessionMiddlewareConfig
	Users        auth.UserRepository // current role lookups for admin routes
	Health       HealthChecker
	PublicLimit  middleware.RateLimitConfig
	UserLimit    middleware.RateLimitConfig
}

// RegisterRoutes registers all application routes
func RegisterRoutes(router chi.Router, deps Dependencies) {
	router.Get("/health", healthHandler(deps.Health))

	// Public routes - no authentication required
	router.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(deps.PublicLimit))
		r.Post("/auth/login", deps.AuthHandler.Login)
		r.Post("/auth/refresh", deps.AuthHandler.RefreshToken)
	})

	// Protected routes - live session required
	router.Group(func(r chi.Router) {
		r.Use(auth.SessionMiddleware(deps.Session))
		r.Use(middleware.RateLimitByUserID(deps.UserLimit))

		r.Post("/auth/logout", deps.AuthHandler.Logout)
		r.Post("/auth/logout-others", deps.AuthHandler.LogoutOthers)
		r.Post("/auth/logout-all", deps.AuthHandler.LogoutAll)
		r.Post("/auth/heartbeat", deps.AuthHandler.Heartbeat)
		r.Post("/auth/password", deps.AuthHandler.ChangePassword)
		r.Get("/auth/sessions", deps.AuthHandler.ListSessions)
		r.Get("/auth/sessions/{id}", deps.AuthHandler.GetSession)
		r.Get("/auth/refresh-sessions", deps.AuthHandler.ListRefreshSessions)

		// Admin-only routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireRole(deps.Users, models.RoleAdmin))

			r.Get("/security/report", deps.AdminHandler.GetSecurityReport)
			r.Get("/security/ip/{ip}", deps.AdminHandler.GetIPActivity)
			r.Get("/audit/stats", deps.AuditHandler.GetLoginStats)
			r.Get("/audit/users/{email}", deps.AuditHandler.GetUserAuditTrail)
			r.Get("/sessions/stats", deps.AdminHandler.GetSessionStats)
			r.Post("/cleanup/{target}", deps.AdminHandler.RunCleanup)
		})
	})
}

func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := checker.HealthCheck(ctx); err != nil {
			pkghttp.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": "down"})
			return
		}

		pkghttp.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy", "database": "up"})
	}
}
