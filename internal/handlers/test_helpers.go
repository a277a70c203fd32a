package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BradenHooton/labdesk/internal/auth"
	"github.com/BradenHooton/labdesk/internal/models"
	"github.com/BradenHooton/labdesk/internal/services"
	pkghttp "github.com/BradenHooton/labdesk/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithSessionContext adds what SessionMiddleware stores for an authenticated request
func WithSessionContext(req *http.Request, session *models.Session, userID, email, token string) *http.Request {
	claims := &models.TokenClaims{
		UserID: userID,
		Email:  email,
		Role:   models.RoleUser,
		Type:   models.TokenTypeAccess,
	}
	ctx := context.WithValue(req.Context(), auth.UserContextKey, claims)
	ctx = context.WithValue(ctx, auth.SessionContextKey, session)
	ctx = context.WithValue(ctx, auth.TokenContextKey, token)
	return req.WithContext(ctx)
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	contentType := w.Header().Get("Content-Type")
	assert.Equal(t, "application/json", contentType, "Content-Type should be application/json")

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
}

// MockAuthService implements AuthServiceInterface for testing
type MockAuthService struct {
	LoginFunc          func(ctx context.Context, in services.LoginInput) (*services.AuthResponse, error)
	RefreshFunc        func(ctx context.Context, refreshToken, previousAccessToken string, req *models.RequestContext) (*services.AuthResponse, error)
	LogoutFunc         func(ctx context.Context, session *models.Session, claims *models.TokenClaims, accessToken string, req *models.RequestContext) error
	LogoutOthersFunc   func(ctx context.Context, session *models.Session, claims *models.TokenClaims, accessToken string, req *models.RequestContext) (int64, error)
	LogoutAllFunc      func(ctx context.Context, session *models.Session, claims *models.TokenClaims, req *models.RequestContext) (int64, error)
	ChangePasswordFunc func(ctx context.Context, claims *models.TokenClaims, accessToken, currentPassword, newPassword string, req *models.RequestContext) error
	ExtendSessionFunc  func(ctx context.Context, session *models.Session, claims *models.TokenClaims, accessToken string, req *models.RequestContext) error
}

func (m *MockAuthService) Login(ctx context.Context, in services.LoginInput) (*services.AuthResponse, error) {
	if m.LoginFunc == nil {
		return nil, models.ErrInvalidCredentials
	}
	return m.LoginFunc(ctx, in)
}

func (m *MockAuthService) Refresh(ctx context.Context, refreshToken, previousAccessToken string, req *models.RequestContext) (*services.AuthResponse, error) {
	if m.RefreshFunc == nil {
		return nil, models.ErrUnauthorized
	}
	return m.RefreshFunc(ctx, refreshToken, previousAccessToken, req)
}

func (m *MockAuthService) Logout(ctx context.Context, session *models.Session, claims *models.TokenClaims, accessToken string, req *models.RequestContext) error {
	if m.LogoutFunc == nil {
		return nil
	}
	return m.LogoutFunc(ctx, session, claims, accessToken, req)
}

func (m *MockAuthService) LogoutOthers(ctx context.Context, session *models.Session, claims *models.TokenClaims, accessToken string, req *models.RequestContext) (int64, error) {
	if m.LogoutOthersFunc == nil {
		return 0, nil
	}
	return m.LogoutOthersFunc(ctx, session, claims, accessToken, req)
}

func (m *MockAuthService) LogoutAll(ctx context.Context, session *models.Session, claims *models.TokenClaims, req *models.RequestContext) (int64, error) {
	if m.LogoutAllFunc == nil {
		return 0, nil
	}
	return m.LogoutAllFunc(ctx, session, claims, req)
}

func (m *MockAuthService) ChangePassword(ctx context.Context, claims *models.TokenClaims, accessToken, currentPassword, newPassword string, req *models.RequestContext) error {
	if m.ChangePasswordFunc == nil {
		return nil
	}
	return m.ChangePasswordFunc(ctx, claims, accessToken, currentPassword, newPassword, req)
}

func (m *MockAuthService) ExtendSession(ctx context.Context, session *models.Session, claims *models.TokenClaims, accessToken string, req *models.RequestContext) error {
	if m.ExtendSessionFunc == nil {
		return nil
	}
	return m.ExtendSessionFunc(ctx, session, claims, accessToken, req)
}

// MockSessionQuery implements SessionQueryInterface and SessionAdminInterface for testing
type MockSessionQuery struct {
	GetRecentSessionsFunc     func(ctx context.Context, userID string, limit int) ([]*models.Session, error)
	FindSessionByIDFunc       func(ctx context.Context, sessionID, userID string) (*models.Session, error)
	GetSessionStatsFunc       func(ctx context.Context, userID *string) (*models.SessionStats, error)
	RevokeExpiredSessionsFunc func(ctx context.Context) (int64, error)
	CleanOldSessionsFunc      func(ctx context.Context, days int) (int64, error)
}

func (m *MockSessionQuery) GetRecentSessions(ctx context.Context, userID string, limit int) ([]*models.Session, error) {
	if m.GetRecentSessionsFunc == nil {
		return nil, nil
	}
	return m.GetRecentSessionsFunc(ctx, userID, limit)
}

func (m *MockSessionQuery) FindSessionByID(ctx context.Context, sessionID, userID string) (*models.Session, error) {
	if m.FindSessionByIDFunc == nil {
		return nil, models.ErrNotFound
	}
	return m.FindSessionByIDFunc(ctx, sessionID, userID)
}

func (m *MockSessionQuery) GetSessionStats(ctx context.Context, userID *string) (*models.SessionStats, error) {
	if m.GetSessionStatsFunc == nil {
		return &models.SessionStats{}, nil
	}
	return m.GetSessionStatsFunc(ctx, userID)
}

func (m *MockSessionQuery) RevokeExpiredSessions(ctx context.Context) (int64, error) {
	if m.RevokeExpiredSessionsFunc == nil {
		return 0, nil
	}
	return m.RevokeExpiredSessionsFunc(ctx)
}

func (m *MockSessionQuery) CleanOldSessions(ctx context.Context, days int) (int64, error) {
	if m.CleanOldSessionsFunc == nil {
		return 0, nil
	}
	return m.CleanOldSessionsFunc(ctx, days)
}

// MockTokenService implements RefreshSessionInterface and TokenCleanupInterface for testing
type MockTokenService struct {
	GetUserActiveSessionsFunc func(ctx context.Context, userID string) ([]*models.RefreshToken, error)
	CleanupExpiredTokensFunc  func(ctx context.Context) (int64, error)
}

func (m *MockTokenService) GetUserActiveSessions(ctx context.Context, userID string) ([]*models.RefreshToken, error) {
	if m.GetUserActiveSessionsFunc == nil {
		return nil, nil
	}
	return m.GetUserActiveSessionsFunc(ctx, userID)
}

func (m *MockTokenService) CleanupExpiredTokens(ctx context.Context) (int64, error) {
	if m.CleanupExpiredTokensFunc == nil {
		return 0, nil
	}
	return m.CleanupExpiredTokensFunc(ctx)
}

// MockSecurityService implements SecurityServiceInterface for testing
type MockSecurityService struct {
	GetSecurityReportFunc        func(ctx context.Context) (*models.SecurityReport, error)
	DetectSuspiciousActivityFunc func(ctx context.Context, ipAddress string) (*models.SuspiciousActivity, error)
	CleanOldFailedAttemptsFunc   func(ctx context.Context, days int) (int64, error)
}

func (m *MockSecurityService) GetSecurityReport(ctx context.Context) (*models.SecurityReport, error) {
	if m.GetSecurityReportFunc == nil {
		return &models.SecurityReport{}, nil
	}
	return m.GetSecurityReportFunc(ctx)
}

func (m *MockSecurityService) DetectSuspiciousActivity(ctx context.Context, ipAddress string) (*models.SuspiciousActivity, error) {
	if m.DetectSuspiciousActivityFunc == nil {
		return &models.SuspiciousActivity{IPAddress: ipAddress, RiskLevel: models.RiskLow}, nil
	}
	return m.DetectSuspiciousActivityFunc(ctx, ipAddress)
}

func (m *MockSecurityService) CleanOldFailedAttempts(ctx context.Context, days int) (int64, error) {
	if m.CleanOldFailedAttemptsFunc == nil {
		return 0, nil
	}
	return m.CleanOldFailedAttemptsFunc(ctx, days)
}

// MockAuditQuery implements AuditQueryInterface for testing
type MockAuditQuery struct {
	GetLoginStatsFunc       func(ctx context.Context, days int) (*models.LoginStats, error)
	GetLogsByUserFunc       func(ctx context.Context, email string, limit int) ([]*models.AuditLog, error)
	GetFailedLoginsByIPFunc func(ctx context.Context, ipAddress string, hours int) ([]*models.AuditLog, error)
	CleanOldLogsFunc        func(ctx context.Context, days int) (int64, error)
}

func (m *MockAuditQuery) GetLoginStats(ctx context.Context, days int) (*models.LoginStats, error) {
	if m.GetLoginStatsFunc == nil {
		return &models.LoginStats{Days: days, SuccessRate: "100%"}, nil
	}
	return m.GetLoginStatsFunc(ctx, days)
}

func (m *MockAuditQuery) GetLogsByUser(ctx context.Context, email string, limit int) ([]*models.AuditLog, error) {
	if m.GetLogsByUserFunc == nil {
		return nil, nil
	}
	return m.GetLogsByUserFunc(ctx, email, limit)
}

func (m *MockAuditQuery) GetFailedLoginsByIP(ctx context.Context, ipAddress string, hours int) ([]*models.AuditLog, error) {
	if m.GetFailedLoginsByIPFunc == nil {
		return nil, nil
	}
	return m.GetFailedLoginsByIPFunc(ctx, ipAddress, hours)
}

func (m *MockAuditQuery) CleanOldLogs(ctx context.Context, days int) (int64, error) {
	if m.CleanOldLogsFunc == nil {
		return 0, nil
	}
	return m.CleanOldLogsFunc(ctx, days)
}

// WithChiRouteContext adds chi route parameters to the request for testing
// handlers that read chi.URLParam
//
// Example usage:
//
//	req := httptest.NewRequest("GET", "/auth/sessions/s1", nil)
//	req = WithChiRouteContext(req, map[string]string{
//	    "id": "s1",
//	})
func WithChiRouteContext(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}
