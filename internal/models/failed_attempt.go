package models

import "time"

// FailedAttempt is one failed login. Rows are written once and never updated.
type FailedAttempt struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	IPAddress    string     `json:"ip_address"`
	UserAgent    string     `json:"user_agent"`
	Reason       string     `json:"reason"`
	AttemptCount int        `json:"attempt_count"` // max of the email and IP window counts at write time
	Blocked      bool       `json:"blocked"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// IsBlocking reports whether the record still denies logins at now
func (a *FailedAttempt) IsBlocking(now time.Time) bool {
	return a.Blocked && a.BlockedUntil != nil && a.BlockedUntil.After(now)
}

// Failure reasons recorded by the gateway
const (
	FailureReasonInvalidPassword = "invalid_password"
	FailureReasonUnknownUser     = "unknown_user"
	FailureReasonAccountDisabled = "account_disabled"
)
