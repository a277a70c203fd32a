package logger

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// AuditEntry is the log-line shape of one authentication audit event
type AuditEntry struct {
	AuditID         string
	EventType       string
	UserID          string
	Email           string
	IPAddress       string
	UserAgent       string
	Success         bool
	FailureReason   string
	SessionDuration *time.Duration
	Metadata        map[string]string
	OccurredAt      time.Time
}

// AuditLogger writes audit events as structured slog records
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger,
	}
}

// LogAuthEvent emits one audit line. Failures are logged at warn level.
func (al *AuditLogger) LogAuthEvent(ctx context.Context, entry AuditEntry) {
	occurred := entry.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}

	attrs := []slog.Attr{
		slog.String("audit_type", "auth"),
		slog.String("event_type", entry.EventType),
		slog.Bool("success", entry.Success),
		slog.String("timestamp", occurred.UTC().Format(time.RFC3339)),
	}

	if entry.AuditID != "" {
		attrs = append(attrs, slog.String("audit_id", entry.AuditID))
	}
	if entry.UserID != "" {
		attrs = append(attrs, slog.String("user_id", entry.UserID))
	}
	if entry.Email != "" {
		attrs = append(attrs, slog.String("email", SanitizedEmail(entry.Email)))
	}
	if entry.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", entry.IPAddress))
	}
	if entry.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", entry.UserAgent))
	}
	if entry.FailureReason != "" {
		attrs = append(attrs, slog.String("failure_reason", entry.FailureReason))
	}
	if entry.SessionDuration != nil {
		attrs = append(attrs, slog.Duration("session_duration", *entry.SessionDuration))
	}

	if len(entry.Metadata) > 0 {
		keys := make([]string, 0, len(entry.Metadata))
		for key := range entry.Metadata {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		meta := make([]any, 0, len(keys))
		for _, key := range keys {
			meta = append(meta, slog.String(key, entry.Metadata[key]))
		}
		attrs = append(attrs, slog.Group("metadata", meta...))
	}

	level := slog.LevelInfo
	if !entry.Success {
		level = slog.LevelWarn
	}
	al.logger.LogAttrs(ctx, level, "audit", attrs...)
}
