package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/BradenHooton/labdesk/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trackerFixture struct {
	tracker   *AttemptTracker
	attempts  *MockFailedAttemptRepository
	auditRepo *MockAuditLogRepository
	audit     *AuditService
	clock     *fakeClock
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()

	clock := newFakeClock()
	attempts := &MockFailedAttemptRepository{}
	auditRepo := &MockAuditLogRepository{}

	audit := NewAuditService(auditRepo, testLogger())
	audit.SetClock(clock.Now)

	tracker := NewAttemptTracker(attempts, audit, DefaultSecurityPolicy(), testLogger())
	tracker.SetClock(clock.Now)

	return &trackerFixture{
		tracker:   tracker,
		attempts:  attempts,
		auditRepo: auditRepo,
		audit:     audit,
		clock:     clock,
	}
}

func (f *trackerFixture) fail(t *testing.T, email, ip string) *models.AttemptOutcome {
	t.Helper()
	outcome, err := f.tracker.RecordFailedAttempt(context.Background(), email, ip, "curl/8.0", models.FailureReasonInvalidPassword)
	require.NoError(t, err)
	return outcome
}

// ============================================================================
// Lockout
// ============================================================================

func TestAttemptTracker_EmailLockAfterFiveFailures(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		outcome := f.fail(t, "victim@example.com", fmt.Sprintf("10.0.0.%d", i))
		assert.Equal(t, 5-i, outcome.RemainingAttempts, "attempt %d", i)
		assert.Equal(t, i == 5, outcome.Blocked, "attempt %d", i)
		assert.Equal(t, i == 5, outcome.NewlyLocked, "attempt %d", i)
	}

	result, err := f.tracker.CheckLoginSecurity(ctx, "victim@example.com", "192.0.2.50")
	require.NoError(t, err)

	assert.False(t, result.Allowed)
	assert.Equal(t, models.SecurityReasonBlocked, result.Reason)
	assert.Equal(t, models.SecurityMessageBlocked, result.Message)
	assert.Equal(t, 0, result.RemainingAttempts)
	assert.Equal(t, 15, result.BlockDurationMinutes)
	require.NotNil(t, result.RetryAfter)
	assert.Equal(t, f.clock.Now().Add(15*time.Minute), *result.RetryAfter)
}

func TestAttemptTracker_InvalidUserAgentStillLocks(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()

	agents := []string{"Mozilla/5.0 \xff\xfe", strings.Repeat("a", 511) + "é" + "a"}
	for i := 1; i <= 5; i++ {
		outcome, err := f.tracker.RecordFailedAttempt(ctx, "victim@example.com", "10.0.0.1", agents[i%2], models.FailureReasonInvalidPassword)
		require.NoError(t, err, "attempt %d", i)
		assert.Equal(t, i == 5, outcome.Blocked, "attempt %d", i)
	}

	require.Len(t, f.attempts.Attempts, 5)
	for _, a := range f.attempts.Attempts {
		assert.True(t, utf8.ValidString(a.UserAgent))
		assert.LessOrEqual(t, len(a.UserAgent), 512)
	}

	result, err := f.tracker.CheckLoginSecurity(ctx, "victim@example.com", "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
}

func TestAttemptTracker_IPLockAfterFiveFailures(t *testing.T) {
	f := newTrackerFixture(t)

	for i := 1; i <= 5; i++ {
		f.fail(t, fmt.Sprintf("user%d@example.com", i), "203.0.113.9")
	}

	result, err := f.tracker.CheckLoginSecurity(context.Background(), "someone-else@example.com", "203.0.113.9")
	require.NoError(t, err)

	assert.False(t, result.Allowed)
	assert.Equal(t, models.SecurityReasonBlocked, result.Reason)
	assert.Equal(t, 0, result.RemainingAttempts)
	assert.Equal(t, 15, result.BlockDurationMinutes)
}

func TestAttemptTracker_EmailAndIPLocksLookAlike(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		f.fail(t, "locked@example.com", fmt.Sprintf("10.1.0.%d", i))
		f.fail(t, fmt.Sprintf("spray%d@example.com", i), "198.51.100.7")
	}

	byEmail, err := f.tracker.CheckLoginSecurity(ctx, "locked@example.com", "10.9.9.9")
	require.NoError(t, err)
	byIP, err := f.tracker.CheckLoginSecurity(ctx, "fresh@example.com", "198.51.100.7")
	require.NoError(t, err)

	assert.Equal(t, byEmail.Reason, byIP.Reason)
	assert.Equal(t, byEmail.Message, byIP.Message)
}

func TestAttemptTracker_EmailIsCaseInsensitive(t *testing.T) {
	f := newTrackerFixture(t)

	for i := 1; i <= 5; i++ {
		f.fail(t, "  Victim@Example.COM ", fmt.Sprintf("10.2.0.%d", i))
	}

	result, err := f.tracker.CheckLoginSecurity(context.Background(), "victim@example.com", "10.3.0.1")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
}

func TestAttemptTracker_LockAuditsOnce(t *testing.T) {
	f := newTrackerFixture(t)

	for i := 0; i < 6; i++ {
		f.fail(t, "victim@example.com", "10.0.0.1")
	}

	assert.Len(t, f.auditRepo.ByType(models.AuditEventFailedLogin), 6)
	locked := f.auditRepo.ByType(models.AuditEventAccountLocked)
	require.Len(t, locked, 1)
	assert.Equal(t, "5", locked[0].Metadata[models.MetaAttemptCount])
	assert.Equal(t, "15", locked[0].Metadata[models.MetaBlockMinutes])
}

func TestAttemptTracker_WindowExpiry(t *testing.T) {
	f := newTrackerFixture(t)

	for i := 0; i < 4; i++ {
		f.fail(t, "victim@example.com", "10.0.0.1")
	}

	f.clock.Advance(61 * time.Minute)

	outcome := f.fail(t, "victim@example.com", "10.0.0.1")
	assert.False(t, outcome.Blocked)
	assert.Equal(t, 4, outcome.RemainingAttempts)
}

func TestAttemptTracker_EndToEndLockAndRelease(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		f.fail(t, "user@x.com", "1.2.3.4")
	}

	result, err := f.tracker.CheckLoginSecurity(ctx, "user@x.com", "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 1, result.RemainingAttempts)

	f.fail(t, "user@x.com", "1.2.3.4")

	result, err = f.tracker.CheckLoginSecurity(ctx, "user@x.com", "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	require.NotNil(t, result.RetryAfter)
	assert.True(t, result.RetryAfter.After(f.clock.Now()))

	f.clock.Advance(15 * time.Minute)

	result, err = f.tracker.CheckLoginSecurity(ctx, "user@x.com", "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestAttemptTracker_ClearRestoresAllowance(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.fail(t, "user@example.com", "10.0.0.1")
	}

	deleted, err := f.tracker.ClearFailedAttempts(ctx, "user@example.com", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	result, err := f.tracker.CheckLoginSecurity(ctx, "user@example.com", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 5, result.RemainingAttempts)
}

func TestAttemptTracker_ConcurrentFailuresLockExactlyOnce(t *testing.T) {
	f := newTrackerFixture(t)

	const workers = 10
	outcomes := make([]*models.AttemptOutcome, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, err := f.tracker.RecordFailedAttempt(context.Background(), "race@example.com", "10.0.0.1", "bot", models.FailureReasonInvalidPassword)
			assert.NoError(t, err)
			outcomes[i] = outcome
		}(i)
	}
	wg.Wait()

	counts := map[int]bool{}
	newlyLocked := 0
	for _, o := range outcomes {
		require.NotNil(t, o)
		assert.False(t, counts[o.AttemptCount], "attempt count %d seen twice", o.AttemptCount)
		counts[o.AttemptCount] = true
		if o.NewlyLocked {
			newlyLocked++
			assert.Equal(t, 5, o.AttemptCount)
		}
	}
	assert.Equal(t, 1, newlyLocked)
	assert.Len(t, f.auditRepo.ByType(models.AuditEventAccountLocked), 1)
}

// ============================================================================
// Rate limit
// ============================================================================

func TestAttemptTracker_RateLimit(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()
	start := f.clock.Now()

	user := &models.User{ID: "u1", Email: "busy@example.com"}
	req := &models.RequestContext{IPAddress: "198.51.100.1", UserAgent: "test"}
	for i := 0; i < 10; i++ {
		require.NoError(t, f.audit.LogLogin(ctx, user, "s", false, req))
		f.clock.Advance(10 * time.Second)
	}

	result, err := f.tracker.CheckLoginSecurity(ctx, "other@example.com", "198.51.100.1")
	require.NoError(t, err)

	assert.False(t, result.Allowed)
	assert.Equal(t, models.SecurityReasonRateLimited, result.Reason)
	require.NotNil(t, result.RetryAfter)
	assert.Equal(t, start.Add(5*time.Minute), *result.RetryAfter)

	result, err = f.tracker.CheckLoginSecurity(ctx, "other@example.com", "198.51.100.2")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestAttemptTracker_RateLimitWindowSlides(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()

	user := &models.User{ID: "u1", Email: "busy@example.com"}
	req := &models.RequestContext{IPAddress: "198.51.100.1"}
	for i := 0; i < 10; i++ {
		require.NoError(t, f.audit.LogLogin(ctx, user, "s", false, req))
	}

	f.clock.Advance(5*time.Minute + time.Second)

	result, err := f.tracker.CheckLoginSecurity(ctx, "busy@example.com", "198.51.100.1")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

// ============================================================================
// Failure propagation
// ============================================================================

func TestAttemptTracker_StoreErrorsPropagate(t *testing.T) {
	f := newTrackerFixture(t)
	f.attempts.Err = errors.New("connection reset")
	ctx := context.Background()

	_, err := f.tracker.CheckLoginSecurity(ctx, "user@example.com", "10.0.0.1")
	assert.Error(t, err)

	_, err = f.tracker.RecordFailedAttempt(ctx, "user@example.com", "10.0.0.1", "ua", models.FailureReasonInvalidPassword)
	assert.Error(t, err)

	_, err = f.tracker.DetectSuspiciousActivity(ctx, "10.0.0.1")
	assert.Error(t, err)
}

func TestAttemptTracker_AuditFailureFailsRecord(t *testing.T) {
	f := newTrackerFixture(t)
	f.auditRepo.CreateFunc = func(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error) {
		return nil, errors.New("disk full")
	}

	_, err := f.tracker.RecordFailedAttempt(context.Background(), "user@example.com", "10.0.0.1", "ua", models.FailureReasonInvalidPassword)
	assert.Error(t, err)
}

// ============================================================================
// Reporting
// ============================================================================

func TestAttemptTracker_DetectSuspiciousActivity(t *testing.T) {
	tests := []struct {
		name          string
		emails        int
		expectedLevel models.RiskLevel
		suspicious    bool
	}{
		{"single account", 1, models.RiskLow, false},
		{"three accounts", 3, models.RiskMedium, true},
		{"four accounts", 4, models.RiskMedium, true},
		{"five accounts", 5, models.RiskHigh, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTrackerFixture(t)
			for i := 0; i < tt.emails; i++ {
				_, err := f.tracker.RecordFailedAttempt(context.Background(),
					fmt.Sprintf("target%d@example.com", i), "203.0.113.5", fmt.Sprintf("agent-%d", i), models.FailureReasonUnknownUser)
				require.NoError(t, err)
			}

			activity, err := f.tracker.DetectSuspiciousActivity(context.Background(), "203.0.113.5")
			require.NoError(t, err)

			assert.Equal(t, tt.expectedLevel, activity.RiskLevel)
			assert.Equal(t, tt.suspicious, activity.Suspicious)
			assert.Equal(t, tt.emails, activity.Features.DistinctEmails)
		})
	}
}

func TestAttemptTracker_SecurityReport(t *testing.T) {
	f := newTrackerFixture(t)

	for i := 0; i < 5; i++ {
		f.fail(t, "hot@example.com", fmt.Sprintf("10.0.0.%d", i))
	}
	f.fail(t, "cold@example.com", "10.0.0.1")

	report, err := f.tracker.GetSecurityReport(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 6, report.TotalFailedAttempts)
	assert.Equal(t, 2, report.DistinctTargetedEmails)
	assert.Equal(t, 1, report.BlockedEmails)
	require.NotEmpty(t, report.TopTargetedEmails)
	assert.Equal(t, models.IdentifierCount{Identifier: "hot@example.com", Count: 5}, report.TopTargetedEmails[0])
	require.NotEmpty(t, report.TopAttackingIPs)
	assert.Equal(t, "10.0.0.1", report.TopAttackingIPs[0].Identifier)
}

func TestAttemptTracker_CleanOldFailedAttempts(t *testing.T) {
	f := newTrackerFixture(t)
	ctx := context.Background()

	f.fail(t, "old@example.com", "10.0.0.1")
	f.clock.Advance(31 * 24 * time.Hour)
	f.fail(t, "new@example.com", "10.0.0.2")

	deleted, err := f.tracker.CleanOldFailedAttempts(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Len(t, f.attempts.Attempts, 1)

	_, err = f.tracker.CleanOldFailedAttempts(ctx, 0)
	assert.ErrorIs(t, err, models.ErrBadRequest)
}
