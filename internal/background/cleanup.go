package background

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const sweepTimeout = 30 * time.Second

// SessionSweeper expires and purges sessions
type SessionSweeper interface {
	RevokeExpiredSessions(ctx context.Context) (int64, error)
	CleanOldSessions(ctx context.Context, days int) (int64, error)
}

// TokenSweeper purges dead refresh tokens
type TokenSweeper interface {
	CleanupExpiredTokens(ctx context.Context) (int64, error)
}

// AuditSweeper purges audit records past retention
type AuditSweeper interface {
	CleanOldLogs(ctx context.Context, days int) (int64, error)
}

// AttemptSweeper purges failed-attempt records past retention
type AttemptSweeper interface {
	CleanOldFailedAttempts(ctx context.Context, days int) (int64, error)
}

// Retention holds the retention windows applied on each run, in days
type Retention struct {
	AuditLogDays      int
	FailedAttemptDays int
	SessionDays       int
}

// CleanupManager periodically expires sessions and purges old security records
type CleanupManager struct {
	sessions  SessionSweeper
	tokens    TokenSweeper
	audit     AuditSweeper
	attempts  AttemptSweeper
	retention Retention
	logger    *slog.Logger
	interval  time.Duration

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(
	sessions SessionSweeper,
	tokens TokenSweeper,
	audit AuditSweeper,
	attempts AttemptSweeper,
	retention Retention,
	logger *slog.Logger,
	interval time.Duration,
) *CleanupManager {
	return &CleanupManager{
		sessions:  sessions,
		tokens:    tokens,
		audit:     audit,
		attempts:  attempts,
		retention: retention,
		logger:    logger,
		interval:  interval,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs a cleanup pass immediately and then on every tick until Stop is
// called or ctx is cancelled. It blocks.
func (cm *CleanupManager) Start(ctx context.Context) {
	defer close(cm.doneCh)

	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	cm.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			cm.RunOnce(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// RunOnce executes every sweep. A failing sweep is logged and does not prevent
// the others from running.
func (cm *CleanupManager) RunOnce(ctx context.Context) {
	cm.sweep(ctx, "expired_sessions", cm.sessions.RevokeExpiredSessions)
	cm.sweep(ctx, "expired_refresh_tokens", cm.tokens.CleanupExpiredTokens)
	cm.sweep(ctx, "old_audit_logs", func(ctx context.Context) (int64, error) {
		return cm.audit.CleanOldLogs(ctx, cm.retention.AuditLogDays)
	})
	cm.sweep(ctx, "old_failed_attempts", func(ctx context.Context) (int64, error) {
		return cm.attempts.CleanOldFailedAttempts(ctx, cm.retention.FailedAttemptDays)
	})
	cm.sweep(ctx, "old_sessions", func(ctx context.Context) (int64, error) {
		return cm.sessions.CleanOldSessions(ctx, cm.retention.SessionDays)
	})
}

func (cm *CleanupManager) sweep(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	rows, err := fn(sweepCtx)
	if err != nil {
		cm.logger.Error("cleanup sweep failed",
			slog.String("sweep", name),
			slog.Any("error", err))
		return
	}

	if rows > 0 {
		cm.logger.Info("cleanup sweep completed",
			slog.String("sweep", name),
			slog.Int64("rows", rows))
	}
}

// Stop signals the cleanup manager to stop. Safe to call more than once; use
// Done to wait for Start to return.
func (cm *CleanupManager) Stop() {
	cm.stopOnce.Do(func() { close(cm.stopCh) })
}

// Done is closed when Start returns
func (cm *CleanupManager) Done() <-chan struct{} {
	return cm.doneCh
}
