package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/BradenHooton/labdesk/internal/models"
	pkghttp "github.com/BradenHooton/labdesk/pkg/http"
	"github.com/go-chi/chi/v5"
)

const ipFailedLoginWindowHours = 24

// SecurityServiceInterface is the attempt tracker surface used by admins
type SecurityServiceInterface interface {
	GetSecurityReport(ctx context.Context) (*models.SecurityReport, error)
	DetectSuspiciousActivity(ctx context.Context, ipAddress string) (*models.SuspiciousActivity, error)
	CleanOldFailedAttempts(ctx context.Context, days int) (int64, error)
}

// SessionAdminInterface is the session registry surface used by admins
type SessionAdminInterface interface {
	GetSessionStats(ctx context.Context, userID *string) (*models.SessionStats, error)
	RevokeExpiredSessions(ctx context.Context) (int64, error)
	CleanOldSessions(ctx context.Context, days int) (int64, error)
}

// TokenCleanupInterface removes dead refresh tokens
type TokenCleanupInterface interface {
	CleanupExpiredTokens(ctx context.Context) (int64, error)
}

// RetentionPolicy holds the default retention windows for manual cleanup
type RetentionPolicy struct {
	FailedAttemptDays int
	AuditLogDays      int
	SessionDays       int
}

// AdminHandler handles admin security HTTP requests.
type AdminHandler struct {
	security  SecurityServiceInterface
	audit     AuditQueryInterface
	sessions  SessionAdminInterface
	tokens    TokenCleanupInterface
	retention RetentionPolicy
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(security SecurityServiceInterface, audit AuditQueryInterface, sessions SessionAdminInterface, tokens TokenCleanupInterface, retention RetentionPolicy) *AdminHandler {
	return &AdminHandler{
		security:  security,
		audit:     audit,
		sessions:  sessions,
		tokens:    tokens,
		retention: retention,
	}
}

// IPActivityResponse combines the scored assessment of an IP with its recent failures
type IPActivityResponse struct {
	Activity           *models.SuspiciousActivity `json:"activity"`
	RecentFailedLogins []*models.AuditLog         `json:"recent_failed_logins"`
}

// CleanupResponse reports the result of a manual sweep
type CleanupResponse struct {
	Target  string `json:"target"`
	Days    int    `json:"days,omitempty"`
	Deleted int64  `json:"deleted"`
	Revoked int64  `json:"revoked,omitempty"`
}

// GetSecurityReport handles GET /admin/security/report
func (h *AdminHandler) GetSecurityReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.security.GetSecurityReport(r.Context())
	if err != nil {
		pkghttp.WriteInternalError(w, "Failed to build security report")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, report)
}

// GetIPActivity handles GET /admin/security/ip/{ip}
func (h *AdminHandler) GetIPActivity(w http.ResponseWriter, r *http.Request) {
	ip := strings.TrimSpace(chi.URLParam(r, "ip"))
	if err := ValidateValue("ip", ip, "required,ip"); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	activity, err := h.security.DetectSuspiciousActivity(r.Context(), ip)
	if err != nil {
		pkghttp.WriteInternalError(w, "Failed to assess IP activity")
		return
	}

	failed, err := h.audit.GetFailedLoginsByIP(r.Context(), ip, ipFailedLoginWindowHours)
	if err != nil {
		pkghttp.WriteInternalError(w, "Failed to retrieve failed logins")
		return
	}
	if failed == nil {
		failed = []*models.AuditLog{}
	}

	pkghttp.WriteJSON(w, http.StatusOK, IPActivityResponse{Activity: activity, RecentFailedLogins: failed})
}

// GetSessionStats handles GET /admin/sessions/stats
// Accepts optional query param ?user_id= to scope the counts.
func (h *AdminHandler) GetSessionStats(w http.ResponseWriter, r *http.Request) {
	var userID *string
	if id := strings.TrimSpace(r.URL.Query().Get("user_id")); id != "" {
		userID = &id
	}

	stats, err := h.sessions.GetSessionStats(r.Context(), userID)
	if err != nil {
		pkghttp.WriteInternalError(w, "Failed to retrieve session stats")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, stats)
}

// RunCleanup handles POST /admin/cleanup/{target}
// Accepts optional query param ?days=N to override the configured retention.
func (h *AdminHandler) RunCleanup(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	days, ok := parseDays(r, h.retentionFor(target))
	if !ok {
		pkghttp.WriteBadRequest(w, "days must be a positive integer")
		return
	}

	ctx := r.Context()
	resp := CleanupResponse{Target: target}
	var err error

	switch target {
	case "attempts":
		resp.Days = days
		resp.Deleted, err = h.security.CleanOldFailedAttempts(ctx, days)
	case "logs":
		resp.Days = days
		resp.Deleted, err = h.audit.CleanOldLogs(ctx, days)
	case "sessions":
		resp.Days = days
		resp.Revoked, err = h.sessions.RevokeExpiredSessions(ctx)
		if err == nil {
			resp.Deleted, err = h.sessions.CleanOldSessions(ctx, days)
		}
	case "tokens":
		resp.Deleted, err = h.tokens.CleanupExpiredTokens(ctx)
	default:
		pkghttp.WriteNotFound(w, "Unknown cleanup target")
		return
	}

	if err != nil {
		pkghttp.WriteInternalError(w, "Cleanup failed")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) retentionFor(target string) int {
	switch target {
	case "attempts":
		return h.retention.FailedAttemptDays
	case "logs":
		return h.retention.AuditLogDays
	case "sessions":
		return h.retention.SessionDays
	default:
		return 0
	}
}

func parseDays(r *http.Request, fallback int) (int, bool) {
	raw := r.URL.Query().Get("days")
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
