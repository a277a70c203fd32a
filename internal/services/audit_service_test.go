package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/BradenHooton/labdesk/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuditService() (*AuditService, *MockAuditLogRepository, *fakeClock) {
	clock := newFakeClock()
	repo := &MockAuditLogRepository{}
	svc := NewAuditService(repo, testLogger())
	svc.SetClock(clock.Now)
	return svc, repo, clock
}

func TestAuditService_CreateLog_RejectsUnknownMetadata(t *testing.T) {
	svc, repo, _ := newTestAuditService()

	_, err := svc.CreateLog(context.Background(), models.AuditEvent{
		EventType: models.AuditEventLogin,
		UserEmail: "user@example.com",
		Success:   true,
		Metadata:  models.AuditMetadata{models.MetaFailureReason: "nope"},
	})

	assert.ErrorIs(t, err, models.ErrInvalidMetadata)
	assert.Empty(t, repo.Logs)
}

func TestAuditService_CreateLog_RejectsUnknownEventType(t *testing.T) {
	svc, repo, _ := newTestAuditService()

	_, err := svc.CreateLog(context.Background(), models.AuditEvent{EventType: "password_reset"})

	assert.ErrorIs(t, err, models.ErrInvalidEventType)
	assert.Empty(t, repo.Logs)
}

func TestAuditService_CreateLog_DefaultsAndNormalization(t *testing.T) {
	svc, _, clock := newTestAuditService()
	duration := 90 * time.Second

	log, err := svc.CreateLog(context.Background(), models.AuditEvent{
		EventType:       models.AuditEventLogout,
		UserEmail:       " User@Example.com ",
		Success:         true,
		SessionDuration: &duration,
	})
	require.NoError(t, err)

	assert.Equal(t, "user@example.com", log.UserEmail)
	assert.Equal(t, "unknown", log.IPAddress)
	assert.Equal(t, "unknown", log.UserAgent)
	assert.Nil(t, log.ErrorMessage)
	require.NotNil(t, log.SessionDurationSeconds)
	assert.Equal(t, int64(90), *log.SessionDurationSeconds)
	assert.Equal(t, clock.Now(), log.CreatedAt)
}

func TestAuditService_CreateLog_PropagatesStoreError(t *testing.T) {
	svc, repo, _ := newTestAuditService()
	repo.CreateFunc = func(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error) {
		return nil, errors.New("connection refused")
	}

	err := svc.LogLogin(context.Background(), &models.User{ID: "u1", Email: "a@b.c"}, "s1", true, nil)
	assert.Error(t, err)
}

// decodeLines parses every JSON log line written to buf
func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var lines []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		var line map[string]any
		require.NoError(t, dec.Decode(&line))
		lines = append(lines, line)
	}
	return lines
}

func TestAuditService_CreateLog_AuditLineFollowsPersist(t *testing.T) {
	var buf bytes.Buffer
	repo := &MockAuditLogRepository{}
	svc := NewAuditService(repo, slog.New(slog.NewJSONHandler(&buf, nil)))

	created, err := svc.CreateLog(context.Background(), models.AuditEvent{
		EventType: models.AuditEventLogin,
		UserEmail: "user@example.com",
		Success:   true,
	})
	require.NoError(t, err)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "audit", lines[0]["msg"])
	assert.Equal(t, created.ID, lines[0]["audit_id"])
}

func TestAuditService_CreateLog_StoreErrorEmitsNoAuditLine(t *testing.T) {
	var buf bytes.Buffer
	repo := &MockAuditLogRepository{}
	repo.CreateFunc = func(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error) {
		return nil, errors.New("connection refused")
	}
	svc := NewAuditService(repo, slog.New(slog.NewJSONHandler(&buf, nil)))

	_, err := svc.CreateLog(context.Background(), models.AuditEvent{
		EventType: models.AuditEventLogin,
		UserEmail: "user@example.com",
		Success:   true,
	})
	require.Error(t, err)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "failed to persist audit log", lines[0]["msg"])
	assert.Equal(t, "ERROR", lines[0]["level"])
	assert.Equal(t, string(models.AuditEventLogin), lines[0]["event_type"])
	assert.NotContains(t, lines[0], "audit_type")
}

func TestAuditService_CreateLog_SanitizesUserAgent(t *testing.T) {
	svc, _, _ := newTestAuditService()

	log, err := svc.CreateLog(context.Background(), models.AuditEvent{
		EventType: models.AuditEventLogin,
		UserEmail: "user@example.com",
		Success:   true,
		Request:   &models.RequestContext{IPAddress: "10.0.0.1", UserAgent: "Mozilla/5.0 \xff\xfe"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Mozilla/5.0 \uFFFD", log.UserAgent)
}

func TestAuditService_LogHelpersUseDocumentedKeys(t *testing.T) {
	svc, repo, _ := newTestAuditService()
	ctx := context.Background()
	req := &models.RequestContext{IPAddress: "10.0.0.1", UserAgent: "ua"}
	user := &models.User{ID: "u1", Email: "user@example.com"}
	until := time.Now().Add(15 * time.Minute)
	outcome := &models.AttemptOutcome{AttemptCount: 5, Blocked: true, BlockedUntil: &until, NewlyLocked: true}
	duration := time.Minute

	require.NoError(t, svc.LogLogin(ctx, user, "s1", true, req))
	require.NoError(t, svc.LogLogout(ctx, user.ID, user.Email, "s1", models.LogoutReasonLogout, &duration, req))
	require.NoError(t, svc.LogFailedLogin(ctx, user.Email, models.FailureReasonInvalidPassword, outcome, req))
	require.NoError(t, svc.LogAccountLocked(ctx, user.Email, outcome, 15*time.Minute, req))
	require.NoError(t, svc.LogSuspiciousActivity(ctx, &user.ID, user.Email, models.RiskMedium, []string{"new_ip_address"}, "login", req))
	require.NoError(t, svc.LogPasswordChanged(ctx, user.ID, user.Email, 2, 1, req))
	require.NoError(t, svc.LogTokenExpired(ctx, user.ID, user.Email, "/auth/sessions", req))
	require.NoError(t, svc.LogSessionExtended(ctx, user.ID, user.Email, "s1", req))

	assert.Equal(t, []models.AuditEventType{
		models.AuditEventLogin,
		models.AuditEventLogout,
		models.AuditEventFailedLogin,
		models.AuditEventAccountLocked,
		models.AuditEventSuspiciousActivity,
		models.AuditEventPasswordChanged,
		models.AuditEventTokenExpired,
		models.AuditEventSessionExtended,
	}, repo.Events())

	login := repo.ByType(models.AuditEventLogin)[0]
	assert.Equal(t, "true", login.Metadata[models.MetaRememberMe])

	failed := repo.ByType(models.AuditEventFailedLogin)[0]
	assert.False(t, failed.Success)
	require.NotNil(t, failed.ErrorMessage)
	assert.Equal(t, models.FailureReasonInvalidPassword, *failed.ErrorMessage)
}

func TestAuditService_GetLogsByUser_Limits(t *testing.T) {
	svc, _, clock := newTestAuditService()
	ctx := context.Background()
	user := &models.User{ID: "u1", Email: "user@example.com"}

	for i := 0; i < 60; i++ {
		require.NoError(t, svc.LogLogin(ctx, user, "s", false, nil))
		clock.Advance(time.Second)
	}

	logs, err := svc.GetLogsByUser(ctx, "USER@example.com", 0)
	require.NoError(t, err)
	assert.Len(t, logs, 50)
	assert.True(t, logs[0].CreatedAt.After(logs[49].CreatedAt))

	logs, err = svc.GetLogsByUser(ctx, "user@example.com", 5)
	require.NoError(t, err)
	assert.Len(t, logs, 5)
}

func TestAuditService_FailedLoginQueries(t *testing.T) {
	svc, _, clock := newTestAuditService()
	ctx := context.Background()
	req := &models.RequestContext{IPAddress: "192.0.2.1"}

	require.NoError(t, svc.LogFailedLogin(ctx, "user@example.com", models.FailureReasonInvalidPassword, nil, req))
	clock.Advance(2 * time.Hour)
	require.NoError(t, svc.LogFailedLogin(ctx, "user@example.com", models.FailureReasonInvalidPassword, nil, req))

	byEmail, err := svc.GetRecentFailedLogins(ctx, "user@example.com", 1)
	require.NoError(t, err)
	assert.Len(t, byEmail, 1)

	byIP, err := svc.GetFailedLoginsByIP(ctx, "192.0.2.1", 3)
	require.NoError(t, err)
	assert.Len(t, byIP, 2)
}

func TestAuditService_GetLoginStats(t *testing.T) {
	tests := []struct {
		name        string
		successful  int
		failed      int
		successRate string
	}{
		{"no failures", 3, 0, "100%"},
		{"no activity", 0, 0, "100%"},
		{"mixed", 3, 1, "75.00%"},
		{"thirds", 1, 2, "33.33%"},
		{"only failures", 0, 4, "0.00%"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := newTestAuditService()
			ctx := context.Background()

			for i := 0; i < tt.successful; i++ {
				require.NoError(t, svc.LogLogin(ctx, &models.User{ID: "u1", Email: "same@example.com"}, "s", false, nil))
			}
			for i := 0; i < tt.failed; i++ {
				require.NoError(t, svc.LogFailedLogin(ctx, "other@example.com", models.FailureReasonUnknownUser, nil, nil))
			}

			stats, err := svc.GetLoginStats(ctx, 7)
			require.NoError(t, err)

			assert.Equal(t, tt.successful, stats.Successful)
			assert.Equal(t, tt.failed, stats.Failed)
			assert.Equal(t, tt.successRate, stats.SuccessRate)
			if tt.successful > 0 {
				assert.Equal(t, 1, stats.UniqueUsers)
			}
		})
	}
}

func TestAuditService_CleanOldLogs(t *testing.T) {
	svc, repo, clock := newTestAuditService()
	ctx := context.Background()

	require.NoError(t, svc.LogLogin(ctx, &models.User{ID: "u1", Email: "a@example.com"}, "s", false, nil))
	clock.Advance(91 * 24 * time.Hour)
	require.NoError(t, svc.LogLogin(ctx, &models.User{ID: "u1", Email: "a@example.com"}, "s", false, nil))

	deleted, err := svc.CleanOldLogs(ctx, 90)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Len(t, repo.Logs, 1)

	_, err = svc.CleanOldLogs(ctx, -1)
	assert.ErrorIs(t, err, models.ErrBadRequest)
}
