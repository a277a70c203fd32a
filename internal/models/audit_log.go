package models

import (
	"fmt"
	"time"
)

// AuditEventType is one of the closed set of authentication events
type AuditEventType string

// Event types for audit logging
const (
	AuditEventLogin              AuditEventType = "login"
	AuditEventLogout             AuditEventType = "logout"
	AuditEventFailedLogin        AuditEventType = "failed_login"
	AuditEventTokenExpired       AuditEventType = "token_expired"
	AuditEventSessionExtended    AuditEventType = "session_extended"
	AuditEventPasswordChanged    AuditEventType = "password_changed"
	AuditEventAccountLocked      AuditEventType = "account_locked"
	AuditEventSuspiciousActivity AuditEventType = "suspicious_activity"
)

// MetadataKey names a recognized metadata field
type MetadataKey string

const (
	MetaSessionID       MetadataKey = "session_id"
	MetaRememberMe      MetadataKey = "remember_me"
	MetaLogoutReason    MetadataKey = "logout_reason"
	MetaFailureReason   MetadataKey = "failure_reason"
	MetaAttemptCount    MetadataKey = "attempt_count"
	MetaRemaining       MetadataKey = "remaining_attempts"
	MetaBlocked         MetadataKey = "blocked"
	MetaBlockedUntil    MetadataKey = "blocked_until"
	MetaBlockMinutes    MetadataKey = "block_duration_minutes"
	MetaTokenType       MetadataKey = "token_type"
	MetaPath            MetadataKey = "path"
	MetaSessionsRevoked MetadataKey = "sessions_revoked"
	MetaTokensRevoked   MetadataKey = "tokens_revoked"
	MetaRiskLevel       MetadataKey = "risk_level"
	MetaIndicators      MetadataKey = "indicators"
	MetaSource          MetadataKey = "source"
)

// allowedMetadata is the documented key set per event type. Anything outside it
// is rejected before the write.
var allowedMetadata = map[AuditEventType][]MetadataKey{
	AuditEventLogin:              {MetaSessionID, MetaRememberMe},
	AuditEventLogout:             {MetaSessionID, MetaLogoutReason, MetaSessionsRevoked, MetaTokensRevoked},
	AuditEventFailedLogin:        {MetaFailureReason, MetaAttemptCount, MetaRemaining, MetaBlocked},
	AuditEventTokenExpired:       {MetaTokenType, MetaPath},
	AuditEventSessionExtended:    {MetaSessionID},
	AuditEventPasswordChanged:    {MetaSessionsRevoked, MetaTokensRevoked},
	AuditEventAccountLocked:      {MetaAttemptCount, MetaBlockedUntil, MetaBlockMinutes},
	AuditEventSuspiciousActivity: {MetaRiskLevel, MetaIndicators, MetaSource, MetaSessionID},
}

// AuditMetadata is a typed key/value map attached to an audit record
type AuditMetadata map[MetadataKey]string

// Validate checks every key against the set recognized for eventType
func (m AuditMetadata) Validate(eventType AuditEventType) error {
	allowed, ok := allowedMetadata[eventType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidEventType, eventType)
	}

	for key := range m {
		if !containsKey(allowed, key) {
			return fmt.Errorf("%w: %q for event %q", ErrInvalidMetadata, key, eventType)
		}
	}
	return nil
}

// AllowedMetadataKeys returns the recognized keys for eventType
func AllowedMetadataKeys(eventType AuditEventType) []MetadataKey {
	keys := allowedMetadata[eventType]
	out := make([]MetadataKey, len(keys))
	copy(out, keys)
	return out
}

// IsValid reports whether t belongs to the closed event set
func (t AuditEventType) IsValid() bool {
	_, ok := allowedMetadata[t]
	return ok
}

func containsKey(keys []MetadataKey, key MetadataKey) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// AuditLog is an immutable authentication event record
type AuditLog struct {
	ID                     string         `json:"id"`
	EventType              AuditEventType `json:"event_type"`
	UserID                 *string        `json:"user_id,omitempty"`
	UserEmail              string         `json:"user_email"`
	IPAddress              string         `json:"ip_address"`
	UserAgent              string         `json:"user_agent"`
	Success                bool           `json:"success"`
	ErrorMessage           *string        `json:"error_message,omitempty"`
	SessionDurationSeconds *int64         `json:"session_duration_seconds,omitempty"`
	Metadata               AuditMetadata  `json:"metadata"`
	CreatedAt              time.Time      `json:"created_at"`
}

// AuditEvent is the input to a single audit write
type AuditEvent struct {
	EventType       AuditEventType
	UserID          *string
	UserEmail       string
	Success         bool
	ErrorMessage    string
	SessionDuration *time.Duration
	Metadata        AuditMetadata
	Request         *RequestContext
}

// LoginStats summarizes login outcomes over a trailing window of days
type LoginStats struct {
	Days        int    `json:"days"`
	Successful  int    `json:"successful_logins"`
	Failed      int    `json:"failed_logins"`
	UniqueUsers int    `json:"unique_users"`
	SuccessRate string `json:"success_rate"`
}
