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

const (
	defaultStatsDays   = 7
	maxStatsDays       = 365
	defaultAuditLimit  = 50
	maxAuditTrailLimit = 200
)

// AuditQueryInterface is the audit log surface used by admins
type AuditQueryInterface interface {
	GetLoginStats(ctx context.Context, days int) (*models.LoginStats, error)
	GetLogsByUser(ctx context.Context, email string, limit int) ([]*models.AuditLog, error)
	GetFailedLoginsByIP(ctx context.Context, ipAddress string, hours int) ([]*models.AuditLog, error)
	CleanOldLogs(ctx context.Context, days int) (int64, error)
}

// AuditHandler handles audit log HTTP requests
type AuditHandler struct {
	audit AuditQueryInterface
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(audit AuditQueryInterface) *AuditHandler {
	return &AuditHandler{audit: audit}
}

// GetLoginStats handles GET /admin/audit/stats?days=N (1-365, default 7)
func (h *AuditHandler) GetLoginStats(w http.ResponseWriter, r *http.Request) {
	days := defaultStatsDays
	if d := r.URL.Query().Get("days"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n <= 0 || n > maxStatsDays {
			pkghttp.WriteBadRequest(w, "days must be between 1 and 365")
			return
		}
		days = n
	}

	stats, err := h.audit.GetLoginStats(r.Context(), days)
	if err != nil {
		pkghttp.WriteInternalError(w, "Failed to retrieve login stats")
		return
	}

	pkghttp.WriteJSON(w, http.StatusOK, stats)
}

// GetUserAuditTrail handles GET /admin/audit/users/{email}
func (h *AuditHandler) GetUserAuditTrail(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(chi.URLParam(r, "email"))
	if err := ValidateValue("email", email, "required,email"); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	limit := defaultAuditLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= maxAuditTrailLimit {
			limit = n
		}
	}

	logs, err := h.audit.GetLogsByUser(r.Context(), email, limit)
	if err != nil {
		pkghttp.WriteInternalError(w, "Failed to retrieve audit trail")
		return
	}
	if logs == nil {
		logs = []*models.AuditLog{}
	}

	pkghttp.WriteJSON(w, http.StatusOK, map[string]any{
		"logs":  logs,
		"count": len(logs),
		"limit": limit,
	})
}
