package background

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSweeper struct {
	mu       sync.Mutex
	calls    []string
	days     map[string]int
	failures map[string]error
}

func newRecordingSweeper() *recordingSweeper {
	return &recordingSweeper{days: map[string]int{}, failures: map[string]error{}}
}

func (s *recordingSweeper) record(name string, days int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name)
	s.days[name] = days
	if err := s.failures[name]; err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *recordingSweeper) RevokeExpiredSessions(ctx context.Context) (int64, error) {
	return s.record("revoke_expired_sessions", 0)
}

func (s *recordingSweeper) CleanOldSessions(ctx context.Context, days int) (int64, error) {
	return s.record("clean_old_sessions", days)
}

func (s *recordingSweeper) CleanupExpiredTokens(ctx context.Context) (int64, error) {
	return s.record("cleanup_expired_tokens", 0)
}

func (s *recordingSweeper) CleanOldLogs(ctx context.Context, days int) (int64, error) {
	return s.record("clean_old_logs", days)
}

func (s *recordingSweeper) CleanOldFailedAttempts(ctx context.Context, days int) (int64, error) {
	return s.record("clean_old_failed_attempts", days)
}

func (s *recordingSweeper) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestManager(s *recordingSweeper, interval time.Duration) *CleanupManager {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewCleanupManager(s, s, s, s, Retention{AuditLogDays: 90, FailedAttemptDays: 30, SessionDays: 60}, logger, interval)
}

func TestRunOnce_RunsEverySweepWithRetention(t *testing.T) {
	s := newRecordingSweeper()
	newTestManager(s, time.Hour).RunOnce(context.Background())

	assert.Equal(t, []string{
		"revoke_expired_sessions",
		"cleanup_expired_tokens",
		"clean_old_logs",
		"clean_old_failed_attempts",
		"clean_old_sessions",
	}, s.calls)
	assert.Equal(t, 90, s.days["clean_old_logs"])
	assert.Equal(t, 30, s.days["clean_old_failed_attempts"])
	assert.Equal(t, 60, s.days["clean_old_sessions"])
}

func TestRunOnce_FailureDoesNotSkipOtherSweeps(t *testing.T) {
	s := newRecordingSweeper()
	s.failures["revoke_expired_sessions"] = errors.New("db down")
	s.failures["clean_old_logs"] = errors.New("db down")

	newTestManager(s, time.Hour).RunOnce(context.Background())

	assert.Len(t, s.calls, 5)
}

func TestStartStop(t *testing.T) {
	s := newRecordingSweeper()
	cm := newTestManager(s, 10*time.Millisecond)

	go cm.Start(context.Background())

	require.Eventually(t, func() bool { return s.callCount() >= 10 }, time.Second, 5*time.Millisecond)

	cm.Stop()
	cm.Stop()

	select {
	case <-cm.Done():
	case <-time.After(time.Second):
		t.Fatal("cleanup manager did not stop")
	}
}

func TestStart_ContextCancel(t *testing.T) {
	s := newRecordingSweeper()
	cm := newTestManager(s, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	go cm.Start(ctx)
	require.Eventually(t, func() bool { return s.callCount() == 5 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-cm.Done():
	case <-time.After(time.Second):
		t.Fatal("cleanup manager ignored cancellation")
	}
}
