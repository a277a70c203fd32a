package models

import "time"

// Denial reasons surfaced by the attempt tracker. Email and IP locks share one
// reason so callers cannot tell which identifier tripped.
const (
	SecurityReasonBlocked     = "blocked"
	SecurityReasonRateLimited = "rate_limited"
)

const (
	SecurityMessageBlocked     = "Too many failed login attempts. Please try again later."
	SecurityMessageRateLimited = "Too many login requests. Please slow down and try again later."
)

// SecurityCheckResult is the outcome of a pre-login security check
type SecurityCheckResult struct {
	Allowed              bool       `json:"allowed"`
	Reason               string     `json:"reason,omitempty"`
	Message              string     `json:"message,omitempty"`
	RemainingAttempts    int        `json:"remainingAttempts"`
	RetryAfter           *time.Time `json:"retryAfter,omitempty"`
	BlockDurationMinutes int        `json:"blockDurationMinutes,omitempty"`
}

// SecurityCheckError carries a denial to the transport layer. It unwraps to
// ErrRateLimited or ErrSecurityBlocked.
type SecurityCheckError struct {
	Result *SecurityCheckResult
}

func (e *SecurityCheckError) Error() string {
	if e.Result == nil || e.Result.Message == "" {
		return ErrSecurityBlocked.Error()
	}
	return e.Result.Message
}

func (e *SecurityCheckError) Unwrap() error {
	if e.Result != nil && e.Result.Reason == SecurityReasonRateLimited {
		return ErrRateLimited
	}
	return ErrSecurityBlocked
}

// AttemptOutcome describes the record written for a failed attempt
type AttemptOutcome struct {
	AttemptCount      int        `json:"attempt_count"`
	RemainingAttempts int        `json:"remaining_attempts"`
	Blocked           bool       `json:"blocked"`
	BlockedUntil      *time.Time `json:"blocked_until,omitempty"`
	NewlyLocked       bool       `json:"newly_locked"`
}

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

func (r RiskLevel) rank() int {
	switch r {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// Max returns the higher of two risk levels
func (r RiskLevel) Max(other RiskLevel) RiskLevel {
	if other.rank() > r.rank() {
		return other
	}
	if r == "" {
		return RiskLow
	}
	return r
}

// ActivityFeatures is the feature vector scored for one IP over the suspicious window
type ActivityFeatures struct {
	DistinctEmails    int `json:"distinct_emails"`
	AttemptCount      int `json:"attempt_count"`
	TopUserAgentCount int `json:"top_user_agent_count"`
}

// SuspiciousActivity is the scored assessment of one IP
type SuspiciousActivity struct {
	IPAddress  string           `json:"ip_address"`
	Suspicious bool             `json:"suspicious"`
	Indicators []string         `json:"indicators"`
	RiskLevel  RiskLevel        `json:"risk_level"`
	Features   ActivityFeatures `json:"features"`
}

// IdentifierCount pairs an email or IP with an attempt count
type IdentifierCount struct {
	Identifier string `json:"identifier"`
	Count      int    `json:"count"`
}

// SecurityReport aggregates failed-attempt activity over the trailing 24 hours
type SecurityReport struct {
	GeneratedAt            time.Time         `json:"generated_at"`
	TotalFailedAttempts    int               `json:"total_failed_attempts"`
	BlockedEmails          int               `json:"blocked_emails"`
	BlockedIPs             int               `json:"blocked_ips"`
	DistinctTargetedEmails int               `json:"distinct_targeted_emails"`
	TopTargetedEmails      []IdentifierCount `json:"top_targeted_emails"`
	TopAttackingIPs        []IdentifierCount `json:"top_attacking_ips"`
}

// InvalidCredentialsError is a rejected login that did not trigger a lock. It
// unwraps to ErrInvalidCredentials.
type InvalidCredentialsError struct {
	RemainingAttempts int
}

func (e *InvalidCredentialsError) Error() string {
	return ErrInvalidCredentials.Error()
}

func (e *InvalidCredentialsError) Unwrap() error {
	return ErrInvalidCredentials
}
