package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BradenHooton/labdesk/internal/models"
	"github.com/BradenHooton/labdesk/internal/repositories"
	pkghttp "github.com/BradenHooton/labdesk/pkg/http"
	"github.com/BradenHooton/labdesk/pkg/logger"
)

const (
	unknownRequestValue = "unknown"
	defaultAuditLimit   = 50
	maxAuditLimit       = 500
)

// AuditLogRepository defines the persistence operations the audit log needs
type AuditLogRepository interface {
	Create(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error)
	GetByEmail(ctx context.Context, email string, limit int) ([]*models.AuditLog, error)
	GetByEmailAndEventSince(ctx context.Context, email string, eventType models.AuditEventType, since time.Time) ([]*models.AuditLog, error)
	GetByIPAndEventSince(ctx context.Context, ipAddress string, eventType models.AuditEventType, since time.Time) ([]*models.AuditLog, error)
	CountByIPAndEventsSince(ctx context.Context, ipAddress string, eventTypes []models.AuditEventType, since time.Time) (int, *time.Time, error)
	LoginCountsSince(ctx context.Context, since time.Time) (successful, failed, uniqueUsers int, err error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditService is the append-only authentication audit trail. Every write goes
// to the database and then to slog; a database failure is returned to the
// caller and logged as an error instead of an audit line.
type AuditService struct {
	repo        AuditLogRepository
	auditLogger *logger.AuditLogger
	logger      *slog.Logger
	now         func() time.Time
}

// NewAuditService creates a new AuditService
func NewAuditService(repo AuditLogRepository, log *slog.Logger) *AuditService {
	return &AuditService{
		repo:        repo,
		auditLogger: logger.NewAuditLogger(log),
		logger:      log,
		now:         time.Now,
	}
}

// SetClock replaces the time source
func (s *AuditService) SetClock(now func() time.Time) {
	s.now = now
}

// CreateLog validates and writes one audit record
func (s *AuditService) CreateLog(ctx context.Context, event models.AuditEvent) (*models.AuditLog, error) {
	if err := event.Metadata.Validate(event.EventType); err != nil {
		return nil, err
	}

	ipAddress, userAgent := unknownRequestValue, unknownRequestValue
	if event.Request != nil {
		if event.Request.IPAddress != "" {
			ipAddress = event.Request.IPAddress
		}
		if ua := pkghttp.SanitizeUserAgent(event.Request.UserAgent); ua != "" {
			userAgent = ua
		}
	}

	record := &models.AuditLog{
		EventType: event.EventType,
		UserID:    event.UserID,
		UserEmail: repositories.NormalizeEmail(event.UserEmail),
		IPAddress: ipAddress,
		UserAgent: userAgent,
		Success:   event.Success,
		Metadata:  event.Metadata,
		CreatedAt: s.now().UTC(),
	}
	if event.ErrorMessage != "" {
		msg := event.ErrorMessage
		record.ErrorMessage = &msg
	}
	if event.SessionDuration != nil {
		seconds := int64(event.SessionDuration.Seconds())
		record.SessionDurationSeconds = &seconds
	}

	created, err := s.repo.Create(ctx, record)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to persist audit log",
			slog.String("event_type", string(event.EventType)),
			slog.String("email", logger.SanitizedEmail(record.UserEmail)),
			slog.Bool("success", event.Success),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("failed to persist audit log: %w", err)
	}

	entry := logger.AuditEntry{
		AuditID:         created.ID,
		EventType:       string(event.EventType),
		Email:           record.UserEmail,
		IPAddress:       ipAddress,
		UserAgent:       userAgent,
		Success:         event.Success,
		FailureReason:   event.ErrorMessage,
		SessionDuration: event.SessionDuration,
		OccurredAt:      record.CreatedAt,
	}
	if event.UserID != nil {
		entry.UserID = *event.UserID
	}
	if len(event.Metadata) > 0 {
		entry.Metadata = make(map[string]string, len(event.Metadata))
		for k, v := range event.Metadata {
			entry.Metadata[string(k)] = v
		}
	}
	s.auditLogger.LogAuthEvent(ctx, entry)

	return created, nil
}

// LogLogin records a successful login
func (s *AuditService) LogLogin(ctx context.Context, user *models.User, sessionID string, rememberMe bool, req *models.RequestContext) error {
	userID := user.ID
	_, err := s.CreateLog(ctx, models.AuditEvent{
		EventType: models.AuditEventLogin,
		UserID:    &userID,
		UserEmail: user.Email,
		Success:   true,
		Metadata: models.AuditMetadata{
			models.MetaSessionID:  sessionID,
			models.MetaRememberMe: strconv.FormatBool(rememberMe),
		},
		Request: req,
	})
	return err
}

// LogLogout records the end of a session with its duration
func (s *AuditService) LogLogout(ctx context.Context, userID, email, sessionID, reason string, duration *time.Duration, req *models.RequestContext) error {
	metadata := models.AuditMetadata{models.MetaLogoutReason: reason}
	if sessionID != "" {
		metadata[models.MetaSessionID] = sessionID
	}

	_, err := s.CreateLog(ctx, models.AuditEvent{
		EventType:       models.AuditEventLogout,
		UserID:          &userID,
		UserEmail:       email,
		Success:         true,
		SessionDuration: duration,
		Metadata:        metadata,
		Request:         req,
	})
	return err
}

// LogFailedLogin records a rejected credential check and the counter state it produced
func (s *AuditService) LogFailedLogin(ctx context.Context, email, reason string, outcome *models.AttemptOutcome, req *models.RequestContext) error {
	metadata := models.AuditMetadata{models.MetaFailureReason: reason}
	if outcome != nil {
		metadata[models.MetaAttemptCount] = strconv.Itoa(outcome.AttemptCount)
		metadata[models.MetaRemaining] = strconv.Itoa(outcome.RemainingAttempts)
		metadata[models.MetaBlocked] = strconv.FormatBool(outcome.Blocked)
	}

	_, err := s.CreateLog(ctx, models.AuditEvent{
		EventType:    models.AuditEventFailedLogin,
		UserEmail:    email,
		Success:      false,
		ErrorMessage: reason,
		Metadata:     metadata,
		Request:      req,
	})
	return err
}

// LogAccountLocked records a lock that was newly triggered
func (s *AuditService) LogAccountLocked(ctx context.Context, email string, outcome *models.AttemptOutcome, blockDuration time.Duration, req *models.RequestContext) error {
	metadata := models.AuditMetadata{
		models.MetaAttemptCount: strconv.Itoa(outcome.AttemptCount),
		models.MetaBlockMinutes: strconv.Itoa(int(blockDuration.Minutes())),
	}
	if outcome.BlockedUntil != nil {
		metadata[models.MetaBlockedUntil] = outcome.BlockedUntil.UTC().Format(time.RFC3339)
	}

	_, err := s.CreateLog(ctx, models.AuditEvent{
		EventType:    models.AuditEventAccountLocked,
		UserEmail:    email,
		Success:      false,
		ErrorMessage: "too many failed login attempts",
		Metadata:     metadata,
		Request:      req,
	})
	return err
}

// LogSuspiciousActivity records an anomaly; source names the detector
func (s *AuditService) LogSuspiciousActivity(ctx context.Context, userID *string, email string, level models.RiskLevel, indicators []string, source string, req *models.RequestContext) error {
	_, err := s.CreateLog(ctx, models.AuditEvent{
		EventType: models.AuditEventSuspiciousActivity,
		UserID:    userID,
		UserEmail: email,
		Success:   true,
		Metadata: models.AuditMetadata{
			models.MetaRiskLevel:  string(level),
			models.MetaIndicators: strings.Join(indicators, ","),
			models.MetaSource:     source,
		},
		Request: req,
	})
	return err
}

// LogPasswordChanged records a password change and the credentials it revoked
func (s *AuditService) LogPasswordChanged(ctx context.Context, userID, email string, sessionsRevoked, tokensRevoked int64, req *models.RequestContext) error {
	_, err := s.CreateLog(ctx, models.AuditEvent{
		EventType: models.AuditEventPasswordChanged,
		UserID:    &userID,
		UserEmail: email,
		Success:   true,
		Metadata: models.AuditMetadata{
			models.MetaSessionsRevoked: strconv.FormatInt(sessionsRevoked, 10),
			models.MetaTokensRevoked:   strconv.FormatInt(tokensRevoked, 10),
		},
		Request: req,
	})
	return err
}

// LogTokenExpired records a request presenting an expired access token
func (s *AuditService) LogTokenExpired(ctx context.Context, userID, email, path string, req *models.RequestContext) error {
	var uid *string
	if userID != "" {
		uid = &userID
	}

	_, err := s.CreateLog(ctx, models.AuditEvent{
		EventType:    models.AuditEventTokenExpired,
		UserID:       uid,
		UserEmail:    email,
		Success:      false,
		ErrorMessage: "access token expired",
		Metadata: models.AuditMetadata{
			models.MetaTokenType: models.TokenTypeAccess,
			models.MetaPath:      path,
		},
		Request: req,
	})
	return err
}

// LogSessionExtended records a client heartbeat on a live session
func (s *AuditService) LogSessionExtended(ctx context.Context, userID, email, sessionID string, req *models.RequestContext) error {
	_, err := s.CreateLog(ctx, models.AuditEvent{
		EventType: models.AuditEventSessionExtended,
		UserID:    &userID,
		UserEmail: email,
		Success:   true,
		Metadata:  models.AuditMetadata{models.MetaSessionID: sessionID},
		Request:   req,
	})
	return err
}

// GetLogsByUser returns the newest records for an email
func (s *AuditService) GetLogsByUser(ctx context.Context, email string, limit int) ([]*models.AuditLog, error) {
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}

	logs, err := s.repo.GetByEmail(ctx, email, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get logs by user: %w", err)
	}
	return logs, nil
}

// GetRecentFailedLogins returns failed_login records for an email in the trailing hours
func (s *AuditService) GetRecentFailedLogins(ctx context.Context, email string, hours int) ([]*models.AuditLog, error) {
	since := s.now().Add(-time.Duration(hours) * time.Hour)

	logs, err := s.repo.GetByEmailAndEventSince(ctx, email, models.AuditEventFailedLogin, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent failed logins: %w", err)
	}
	return logs, nil
}

// GetFailedLoginsByIP returns failed_login records from an IP in the trailing hours
func (s *AuditService) GetFailedLoginsByIP(ctx context.Context, ipAddress string, hours int) ([]*models.AuditLog, error) {
	since := s.now().Add(-time.Duration(hours) * time.Hour)

	logs, err := s.repo.GetByIPAndEventSince(ctx, ipAddress, models.AuditEventFailedLogin, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get failed logins by ip: %w", err)
	}
	return logs, nil
}

// CountLoginEventsByIP counts login and failed_login events from an IP since a
// time and returns the oldest one counted
func (s *AuditService) CountLoginEventsByIP(ctx context.Context, ipAddress string, since time.Time) (int, *time.Time, error) {
	count, oldest, err := s.repo.CountByIPAndEventsSince(ctx, ipAddress,
		[]models.AuditEventType{models.AuditEventLogin, models.AuditEventFailedLogin}, since)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to count login events: %w", err)
	}
	return count, oldest, nil
}

// GetLoginStats summarizes login outcomes over the trailing days
func (s *AuditService) GetLoginStats(ctx context.Context, days int) (*models.LoginStats, error) {
	if days <= 0 {
		return nil, fmt.Errorf("%w: days must be positive", models.ErrBadRequest)
	}

	since := s.now().AddDate(0, 0, -days)
	successful, failed, uniqueUsers, err := s.repo.LoginCountsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get login stats: %w", err)
	}

	return &models.LoginStats{
		Days:        days,
		Successful:  successful,
		Failed:      failed,
		UniqueUsers: uniqueUsers,
		SuccessRate: formatSuccessRate(successful, failed),
	}, nil
}

func formatSuccessRate(successful, failed int) string {
	if failed == 0 {
		return "100%"
	}
	rate := float64(successful) / float64(successful+failed) * 100
	return strconv.FormatFloat(rate, 'f', 2, 64) + "%"
}

// CleanOldLogs deletes records older than days and returns the count removed
func (s *AuditService) CleanOldLogs(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("%w: days must be positive", models.ErrBadRequest)
	}

	deleted, err := s.repo.DeleteOlderThan(ctx, s.now().AddDate(0, 0, -days))
	if err != nil {
		return 0, fmt.Errorf("failed to clean old logs: %w", err)
	}

	s.logger.Info("old audit logs cleaned", slog.Int64("deleted", deleted), slog.Int("retention_days", days))
	return deleted, nil
}
