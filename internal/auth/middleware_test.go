package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BradenHooton/labdesk/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-that-is-at-least-32-bytes"

type stubSessions struct {
	session *models.Session
	err     error
	calls   int
}

func (s *stubSessions) ValidateSession(ctx context.Context, token string) (*models.Session, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.session, nil
}

type expiredEvent struct {
	userID, email, path string
	ip                  string
}

type stubAuditor struct {
	events []expiredEvent
	err    error
}

func (a *stubAuditor) LogTokenExpired(ctx context.Context, userID, email, path string, req *models.RequestContext) error {
	a.events = append(a.events, expiredEvent{userID: userID, email: email, path: path, ip: req.IPAddress})
	return a.err
}

type stubUsers struct {
	users map[string]*models.User
	err   error
}

func (u *stubUsers) GetByID(ctx context.Context, id string) (*models.User, error) {
	if u.err != nil {
		return nil, u.err
	}
	user, ok := u.users[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return user, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

var testUser = &models.User{ID: "u1", Email: "user@example.com", Role: models.RoleUser, IsActive: true}

// echoHandler reports what the middleware placed in the context
func echoHandler(t *testing.T, seen *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*seen = true
		claims := GetUserFromContext(r)
		require.NotNil(t, claims)
		assert.Equal(t, testUser.ID, claims.UserID)
		require.NotNil(t, GetSessionFromContext(r))
		assert.NotEmpty(t, GetTokenFromContext(r))
		w.WriteHeader(http.StatusNoContent)
	})
}

func serve(h http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/auth/sessions", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSessionMiddleware(t *testing.T) {
	tm := NewTokenManager(testSecret, 15*time.Minute)
	valid, _, err := tm.GenerateAccessToken(testUser)
	require.NoError(t, err)

	other := NewTokenManager("a-completely-different-signing-secret!!", 15*time.Minute)
	forged, _, err := other.GenerateAccessToken(testUser)
	require.NoError(t, err)

	activeSession := &models.Session{ID: "s1", UserID: testUser.ID, IsActive: true}

	tests := []struct {
		name       string
		token      string
		sessions   *stubSessions
		wantStatus int
		wantNext   bool
	}{
		{"missing header", "", &stubSessions{session: activeSession}, http.StatusUnauthorized, false},
		{"bad signature", forged, &stubSessions{session: activeSession}, http.StatusUnauthorized, false},
		{"garbage token", "not.a.jwt", &stubSessions{session: activeSession}, http.StatusUnauthorized, false},
		{"revoked session", valid, &stubSessions{err: models.ErrNotFound}, http.StatusUnauthorized, false},
		{"registry unavailable", valid, &stubSessions{err: errors.New("connection refused")}, http.StatusServiceUnavailable, false},
		{"session of another user", valid, &stubSessions{session: &models.Session{ID: "s2", UserID: "u2", IsActive: true}}, http.StatusUnauthorized, false},
		{"valid", valid, &stubSessions{session: activeSession}, http.StatusNoContent, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var reached bool
			mw := SessionMiddleware(SessionMiddlewareConfig{
				Tokens:   tm,
				Sessions: tt.sessions,
				Audit:    &stubAuditor{},
				Logger:   discardLogger(),
			})

			rec := serve(mw(echoHandler(t, &reached)), tt.token)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantNext, reached)
		})
	}
}

func TestSessionMiddleware_ExpiredTokenIsAudited(t *testing.T) {
	issuedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tm := NewTokenManager(testSecret, 15*time.Minute)
	tm.SetClock(func() time.Time { return issuedAt })
	token, _, err := tm.GenerateAccessToken(testUser)
	require.NoError(t, err)

	tm.SetClock(func() time.Time { return issuedAt.Add(time.Hour) })

	sessions := &stubSessions{session: &models.Session{ID: "s1", UserID: testUser.ID}}
	auditor := &stubAuditor{err: errors.New("audit store down")}
	mw := SessionMiddleware(SessionMiddlewareConfig{
		Tokens:   tm,
		Sessions: sessions,
		Audit:    auditor,
		Logger:   discardLogger(),
	})

	var reached bool
	rec := serve(mw(echoHandler(t, &reached)), token)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "token_expired")
	assert.False(t, reached)
	assert.Zero(t, sessions.calls)

	require.Len(t, auditor.events, 1)
	assert.Equal(t, expiredEvent{userID: "u1", email: "user@example.com", path: "/auth/sessions", ip: "203.0.113.9"}, auditor.events[0])
}

func TestRequireRole(t *testing.T) {
	tm := NewTokenManager(testSecret, 15*time.Minute)

	admin := &models.User{ID: "a1", Email: "admin@example.com", Role: models.RoleAdmin, IsActive: true}
	demoted := &models.User{ID: "a2", Email: "former@example.com", Role: models.RoleUser, IsActive: true}
	disabled := &models.User{ID: "a3", Email: "off@example.com", Role: models.RoleAdmin, IsActive: false}
	users := &stubUsers{users: map[string]*models.User{admin.ID: admin, demoted.ID: demoted, disabled.ID: disabled}}

	tests := []struct {
		name       string
		user       *models.User
		repo       UserRepository
		wantStatus int
	}{
		{"admin", admin, users, http.StatusOK},
		{"role taken away", demoted, users, http.StatusForbidden},
		{"disabled admin", disabled, users, http.StatusForbidden},
		{"deleted user", &models.User{ID: "gone", Role: models.RoleAdmin}, users, http.StatusUnauthorized},
		{"store error", admin, &stubUsers{err: errors.New("boom")}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, _, err := tm.GenerateAccessToken(tt.user)
			require.NoError(t, err)

			chain := SessionMiddleware(SessionMiddlewareConfig{
				Tokens:   tm,
				Sessions: &stubSessions{session: &models.Session{ID: "s", UserID: tt.user.ID, IsActive: true}},
				Logger:   discardLogger(),
			})(RequireRole(tt.repo, models.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})))

			rec := serve(chain, token)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestRequireRole_WithoutClaims(t *testing.T) {
	handler := RequireRole(&stubUsers{}, models.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/report", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestContextHelpers_Empty(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Nil(t, GetUserFromContext(r))
	assert.Nil(t, GetSessionFromContext(r))
	assert.Empty(t, GetTokenFromContext(r))
}
