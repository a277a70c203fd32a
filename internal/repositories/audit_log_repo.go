package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BradenHooton/labdesk/internal/database"
	"github.com/BradenHooton/labdesk/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLogRepository handles audit log data access
type AuditLogRepository struct {
	pool *pgxpool.Pool
}

// NewAuditLogRepository creates a new AuditLogRepository
func NewAuditLogRepository(db *database.DB) *AuditLogRepository {
	return &AuditLogRepository{pool: db.Pool}
}

const auditLogColumns = `id, event_type, user_id, user_email, ip_address, user_agent, success,
	error_message, session_duration_seconds, metadata, created_at`

// scanAuditLogRow handles nullable fields and populates an AuditLog model from a database row
func scanAuditLogRow(row rowScanner) (*models.AuditLog, error) {
	var log models.AuditLog
	var metadata []byte

	err := row.Scan(
		&log.ID, &log.EventType, &log.UserID, &log.UserEmail,
		&log.IPAddress, &log.UserAgent, &log.Success, &log.ErrorMessage,
		&log.SessionDurationSeconds, &metadata, &log.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	log.Metadata = models.AuditMetadata{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &log.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode audit metadata: %w", err)
		}
	}

	return &log, nil
}

// scanAuditLogRows iterates through rows and scans each into AuditLog models
func scanAuditLogRows(rows pgx.Rows) ([]*models.AuditLog, error) {
	defer rows.Close()

	logs := make([]*models.AuditLog, 0)

	for rows.Next() {
		log, err := scanAuditLogRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log rows: %w", err)
	}

	return logs, nil
}

// Create appends one audit log entry
func (r *AuditLogRepository) Create(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error) {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.Metadata == nil {
		log.Metadata = models.AuditMetadata{}
	}

	metadata, err := json.Marshal(log.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit metadata: %w", err)
	}

	query := `
		INSERT INTO audit_logs (` + auditLogColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING ` + auditLogColumns

	result, err := scanAuditLogRow(r.pool.QueryRow(
		ctx, query,
		log.ID, log.EventType, log.UserID, log.UserEmail, log.IPAddress, log.UserAgent,
		log.Success, log.ErrorMessage, log.SessionDurationSeconds, metadata, log.CreatedAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create audit log: %w", err)
	}

	return result, nil
}

// GetByEmail retrieves the newest audit logs for a user email
func (r *AuditLogRepository) GetByEmail(ctx context.Context, email string, limit int) ([]*models.AuditLog, error) {
	query := `
		SELECT ` + auditLogColumns + `
		FROM audit_logs
		WHERE user_email = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, NormalizeEmail(email), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}

	return scanAuditLogRows(rows)
}

// GetByEmailAndEventSince retrieves one event type for an email since a time, newest first
func (r *AuditLogRepository) GetByEmailAndEventSince(ctx context.Context, email string, eventType models.AuditEventType, since time.Time) ([]*models.AuditLog, error) {
	query := `
		SELECT ` + auditLogColumns + `
		FROM audit_logs
		WHERE user_email = $1 AND event_type = $2 AND created_at >= $3
		ORDER BY created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, NormalizeEmail(email), eventType, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs by email: %w", err)
	}

	return scanAuditLogRows(rows)
}

// GetByIPAndEventSince retrieves one event type from an IP since a time, newest first
func (r *AuditLogRepository) GetByIPAndEventSince(ctx context.Context, ipAddress string, eventType models.AuditEventType, since time.Time) ([]*models.AuditLog, error) {
	query := `
		SELECT ` + auditLogColumns + `
		FROM audit_logs
		WHERE ip_address = $1 AND event_type = $2 AND created_at >= $3
		ORDER BY created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, ipAddress, eventType, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs by ip: %w", err)
	}

	return scanAuditLogRows(rows)
}

// CountByIPAndEventsSince counts events of the given types from an IP and reports
// the oldest one in the window
func (r *AuditLogRepository) CountByIPAndEventsSince(ctx context.Context, ipAddress string, eventTypes []models.AuditEventType, since time.Time) (int, *time.Time, error) {
	types := make([]string, len(eventTypes))
	for i, et := range eventTypes {
		types[i] = string(et)
	}

	query := `
		SELECT COUNT(*), MIN(created_at)
		FROM audit_logs
		WHERE ip_address = $1 AND event_type = ANY($2) AND created_at >= $3
	`

	var count int
	var oldest *time.Time
	if err := r.pool.QueryRow(ctx, query, ipAddress, types, since).Scan(&count, &oldest); err != nil {
		return 0, nil, fmt.Errorf("failed to count audit events by ip: %w", err)
	}

	return count, oldest, nil
}

// LoginCountsSince returns successful logins, failed logins and distinct
// successful users since a time
func (r *AuditLogRepository) LoginCountsSince(ctx context.Context, since time.Time) (successful, failed, uniqueUsers int, err error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE event_type = 'login' AND success),
			COUNT(*) FILTER (WHERE event_type = 'failed_login'),
			COUNT(DISTINCT user_email) FILTER (WHERE event_type = 'login' AND success)
		FROM audit_logs
		WHERE created_at >= $1 AND event_type IN ('login', 'failed_login')
	`

	err = r.pool.QueryRow(ctx, query, since).Scan(&successful, &failed, &uniqueUsers)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to compute login stats: %w", err)
	}

	return successful, failed, uniqueUsers, nil
}

// DeleteOlderThan removes audit logs created before cutoff
func (r *AuditLogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM audit_logs WHERE created_at < $1`

	result, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup audit logs: %w", err)
	}

	return result.RowsAffected(), nil
}
