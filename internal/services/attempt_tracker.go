package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/BradenHooton/labdesk/internal/models"
	"github.com/BradenHooton/labdesk/internal/repositories"
	pkghttp "github.com/BradenHooton/labdesk/pkg/http"
	"github.com/BradenHooton/labdesk/pkg/logger"
)

const (
	securityReportWindow = 24 * time.Hour
	securityReportTopN   = 10
)

// SecurityPolicy holds the lockout and rate-limit thresholds. It is copied into
// the tracker at construction and never mutated.
type SecurityPolicy struct {
	MaxFailedAttempts    int
	BlockDuration        time.Duration
	AttemptWindow        time.Duration
	RateLimitWindow      time.Duration
	MaxRequestsPerWindow int
	SuspiciousWindow     time.Duration
}

// DefaultSecurityPolicy returns the stock thresholds
func DefaultSecurityPolicy() SecurityPolicy {
	return SecurityPolicy{
		MaxFailedAttempts:    5,
		BlockDuration:        15 * time.Minute,
		AttemptWindow:        time.Hour,
		RateLimitWindow:      5 * time.Minute,
		MaxRequestsPerWindow: 10,
		SuspiciousWindow:     24 * time.Hour,
	}
}

// FailedAttemptRepository defines the persistence operations of the attempt tracker
type FailedAttemptRepository interface {
	WithIdentifierLock(ctx context.Context, email, ipAddress string, fn func(repositories.LockedAttemptStore) error) error
	CountByEmailSince(ctx context.Context, email string, since time.Time) (int, error)
	LatestActiveBlockByEmail(ctx context.Context, email string, now time.Time) (*models.FailedAttempt, error)
	LatestActiveBlockByIP(ctx context.Context, ipAddress string, now time.Time) (*models.FailedAttempt, error)
	DeleteRecent(ctx context.Context, email, ipAddress string, since time.Time) (int64, error)
	ActivityFeaturesSince(ctx context.Context, ipAddress string, since time.Time) (models.ActivityFeatures, error)
	ReportTotals(ctx context.Context, since, now time.Time) (total, distinctEmails, blockedEmails, blockedIPs int, err error)
	TopEmailsSince(ctx context.Context, since time.Time, limit int) ([]models.IdentifierCount, error)
	TopIPsSince(ctx context.Context, since time.Time, limit int) ([]models.IdentifierCount, error)
	DeleteOlderThan(ctx context.Context, cutoff, now time.Time) (int64, error)
}

// AttemptAuditLog is the slice of the audit log the tracker writes to and reads from
type AttemptAuditLog interface {
	LogFailedLogin(ctx context.Context, email, reason string, outcome *models.AttemptOutcome, req *models.RequestContext) error
	LogAccountLocked(ctx context.Context, email string, outcome *models.AttemptOutcome, blockDuration time.Duration, req *models.RequestContext) error
	CountLoginEventsByIP(ctx context.Context, ipAddress string, since time.Time) (int, *time.Time, error)
}

// AttemptTracker counts failed logins per email and IP and decides lock and
// rate-limit state. Store errors are returned, never swallowed.
type AttemptTracker struct {
	repo   FailedAttemptRepository
	audit  AttemptAuditLog
	policy SecurityPolicy
	logger *slog.Logger
	now    func() time.Time
}

// NewAttemptTracker creates a new AttemptTracker
func NewAttemptTracker(repo FailedAttemptRepository, audit AttemptAuditLog, policy SecurityPolicy, logger *slog.Logger) *AttemptTracker {
	return &AttemptTracker{
		repo:   repo,
		audit:  audit,
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock replaces the time source
func (t *AttemptTracker) SetClock(now func() time.Time) {
	t.now = now
}

// Policy returns a copy of the thresholds in use
func (t *AttemptTracker) Policy() SecurityPolicy {
	return t.policy
}

// CheckLoginSecurity runs the email lock, IP lock and rate limit checks in that
// order. The first denial wins.
func (t *AttemptTracker) CheckLoginSecurity(ctx context.Context, email, ipAddress string) (*models.SecurityCheckResult, error) {
	now := t.now()

	block, err := t.repo.LatestActiveBlockByEmail(ctx, email, now)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("failed to check email lock: %w", err)
	}
	if block != nil {
		t.logger.Warn("login denied: email locked",
			slog.String("email", logger.SanitizedEmail(email)),
			slog.Time("blocked_until", *block.BlockedUntil))
		return blockedResult(*block.BlockedUntil, now), nil
	}

	block, err = t.repo.LatestActiveBlockByIP(ctx, ipAddress, now)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("failed to check ip lock: %w", err)
	}
	if block != nil {
		t.logger.Warn("login denied: ip locked",
			slog.String("ip_address", ipAddress),
			slog.Time("blocked_until", *block.BlockedUntil))
		return blockedResult(*block.BlockedUntil, now), nil
	}

	windowStart := now.Add(-t.policy.RateLimitWindow)
	requests, oldest, err := t.audit.CountLoginEventsByIP(ctx, ipAddress, windowStart)
	if err != nil {
		return nil, fmt.Errorf("failed to check rate limit: %w", err)
	}
	if requests >= t.policy.MaxRequestsPerWindow {
		retryAfter := now.Add(t.policy.RateLimitWindow)
		if oldest != nil {
			retryAfter = oldest.Add(t.policy.RateLimitWindow)
		}
		t.logger.Warn("login denied: rate limited",
			slog.String("ip_address", ipAddress),
			slog.Int("requests", requests))
		return &models.SecurityCheckResult{
			Allowed:              false,
			Reason:               models.SecurityReasonRateLimited,
			Message:              models.SecurityMessageRateLimited,
			RemainingAttempts:    0,
			RetryAfter:           &retryAfter,
			BlockDurationMinutes: ceilMinutes(retryAfter.Sub(now)),
		}, nil
	}

	failures, err := t.repo.CountByEmailSince(ctx, email, now.Add(-t.policy.AttemptWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to count recent failures: %w", err)
	}

	return &models.SecurityCheckResult{
		Allowed:           true,
		RemainingAttempts: max(0, t.policy.MaxFailedAttempts-failures),
	}, nil
}

func blockedResult(blockedUntil, now time.Time) *models.SecurityCheckResult {
	until := blockedUntil
	return &models.SecurityCheckResult{
		Allowed:              false,
		Reason:               models.SecurityReasonBlocked,
		Message:              models.SecurityMessageBlocked,
		RemainingAttempts:    0,
		RetryAfter:           &until,
		BlockDurationMinutes: ceilMinutes(blockedUntil.Sub(now)),
	}
}

func ceilMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Minutes()))
}

// RecordFailedAttempt counts the failure against both identifiers and decides
// the lock under identifier locks, then writes the audit entries before returning
func (t *AttemptTracker) RecordFailedAttempt(ctx context.Context, email, ipAddress, userAgent, reason string) (*models.AttemptOutcome, error) {
	userAgent = pkghttp.SanitizeUserAgent(userAgent)
	now := t.now()
	windowStart := now.Add(-t.policy.AttemptWindow)

	var outcome *models.AttemptOutcome
	err := t.repo.WithIdentifierLock(ctx, email, ipAddress, func(store repositories.LockedAttemptStore) error {
		wasBlocked, err := store.HasActiveBlock(ctx, email, ipAddress, now)
		if err != nil {
			return err
		}

		emailCount, err := store.CountByEmailSince(ctx, email, windowStart)
		if err != nil {
			return err
		}
		ipCount, err := store.CountByIPSince(ctx, ipAddress, windowStart)
		if err != nil {
			return err
		}
		emailCount++
		ipCount++

		attempt := &models.FailedAttempt{
			Email:        email,
			IPAddress:    ipAddress,
			UserAgent:    userAgent,
			Reason:       reason,
			AttemptCount: max(emailCount, ipCount),
			Blocked:      emailCount >= t.policy.MaxFailedAttempts || ipCount >= t.policy.MaxFailedAttempts,
			CreatedAt:    now,
		}
		if attempt.Blocked {
			until := now.Add(t.policy.BlockDuration)
			attempt.BlockedUntil = &until
		}

		if err := store.Create(ctx, attempt); err != nil {
			return err
		}

		outcome = &models.AttemptOutcome{
			AttemptCount:      attempt.AttemptCount,
			RemainingAttempts: max(0, t.policy.MaxFailedAttempts-emailCount),
			Blocked:           attempt.Blocked,
			BlockedUntil:      attempt.BlockedUntil,
			NewlyLocked:       attempt.Blocked && !wasBlocked,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record failed attempt: %w", err)
	}

	req := &models.RequestContext{IPAddress: ipAddress, UserAgent: userAgent}
	if err := t.audit.LogFailedLogin(ctx, email, reason, outcome, req); err != nil {
		return nil, err
	}

	if outcome.NewlyLocked {
		t.logger.Warn("login lock triggered",
			slog.String("email", logger.SanitizedEmail(email)),
			slog.String("ip_address", ipAddress),
			slog.Int("attempt_count", outcome.AttemptCount),
			slog.Time("blocked_until", *outcome.BlockedUntil))

		if err := t.audit.LogAccountLocked(ctx, email, outcome, t.policy.BlockDuration, req); err != nil {
			return nil, err
		}
	}

	return outcome, nil
}

// ClearFailedAttempts deletes both identifiers' attempts from the trailing window
func (t *AttemptTracker) ClearFailedAttempts(ctx context.Context, email, ipAddress string) (int64, error) {
	deleted, err := t.repo.DeleteRecent(ctx, email, ipAddress, t.now().Add(-t.policy.AttemptWindow))
	if err != nil {
		return 0, fmt.Errorf("failed to clear failed attempts: %w", err)
	}
	return deleted, nil
}

// DetectSuspiciousActivity scores one IP's failed attempts over the suspicious window
func (t *AttemptTracker) DetectSuspiciousActivity(ctx context.Context, ipAddress string) (*models.SuspiciousActivity, error) {
	features, err := t.repo.ActivityFeaturesSince(ctx, ipAddress, t.now().Add(-t.policy.SuspiciousWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to detect suspicious activity: %w", err)
	}

	indicators, level := ScoreActivity(features)
	return &models.SuspiciousActivity{
		IPAddress:  ipAddress,
		Suspicious: len(indicators) > 0,
		Indicators: indicators,
		RiskLevel:  level,
		Features:   features,
	}, nil
}

// GetSecurityReport aggregates failed-attempt activity over the last 24 hours
func (t *AttemptTracker) GetSecurityReport(ctx context.Context) (*models.SecurityReport, error) {
	now := t.now()
	since := now.Add(-securityReportWindow)

	total, distinctEmails, blockedEmails, blockedIPs, err := t.repo.ReportTotals(ctx, since, now)
	if err != nil {
		return nil, fmt.Errorf("failed to build security report: %w", err)
	}

	topEmails, err := t.repo.TopEmailsSince(ctx, since, securityReportTopN)
	if err != nil {
		return nil, fmt.Errorf("failed to build security report: %w", err)
	}

	topIPs, err := t.repo.TopIPsSince(ctx, since, securityReportTopN)
	if err != nil {
		return nil, fmt.Errorf("failed to build security report: %w", err)
	}

	return &models.SecurityReport{
		GeneratedAt:            now.UTC(),
		TotalFailedAttempts:    total,
		BlockedEmails:          blockedEmails,
		BlockedIPs:             blockedIPs,
		DistinctTargetedEmails: distinctEmails,
		TopTargetedEmails:      topEmails,
		TopAttackingIPs:        topIPs,
	}, nil
}

// CleanOldFailedAttempts deletes records older than days that are not currently blocking
func (t *AttemptTracker) CleanOldFailedAttempts(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("%w: days must be positive", models.ErrBadRequest)
	}

	now := t.now()
	deleted, err := t.repo.DeleteOlderThan(ctx, now.AddDate(0, 0, -days), now)
	if err != nil {
		return 0, fmt.Errorf("failed to clean old failed attempts: %w", err)
	}

	t.logger.Info("old failed attempts cleaned", slog.Int64("deleted", deleted), slog.Int("retention_days", days))
	return deleted, nil
}
