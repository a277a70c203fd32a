package models

import "time"

// Logout reasons recorded when a session leaves the active state
const (
	LogoutReasonLogout          = "logout"
	LogoutReasonLogoutAll       = "logout_all"
	LogoutReasonRotated         = "rotated"
	LogoutReasonExpired         = "expired"
	LogoutReasonPasswordChanged = "password_changed"
	LogoutReasonAdmin           = "admin_revoked"
)

// Device types derived from the user agent
const (
	DeviceTypeDesktop = "desktop"
	DeviceTypeMobile  = "mobile"
	DeviceTypeTablet  = "tablet"
	DeviceTypeBot     = "bot"
	DeviceTypeUnknown = "unknown"
)

// DeviceFingerprint is the parsed shape of a user agent
type DeviceFingerprint struct {
	Browser        string `json:"browser"`
	BrowserVersion string `json:"browser_version,omitempty"`
	OS             string `json:"os"`
	DeviceType     string `json:"device_type"`
	Engine         string `json:"engine"`
}

// SameDevice compares the browser and OS families, ignoring versions
func (f DeviceFingerprint) SameDevice(other DeviceFingerprint) bool {
	return f.Browser == other.Browser && f.OS == other.OS
}

// Session is a server-side login record addressed by the hash of its bearer token.
// Once IsActive is false the row is terminal.
type Session struct {
	ID                string            `json:"id"`
	TokenHash         string            `json:"-"`
	UserID            string            `json:"user_id"`
	IPAddress         string            `json:"ip_address"`
	UserAgent         string            `json:"user_agent"`
	DeviceFingerprint DeviceFingerprint `json:"device_fingerprint"`
	IsRememberMe      bool              `json:"is_remember_me"`
	ExpiresAt         time.Time         `json:"expires_at"`
	LastActivity      time.Time         `json:"last_activity"`
	IsActive          bool              `json:"is_active"`
	LoggedOutAt       *time.Time        `json:"logged_out_at,omitempty"`
	LogoutReason      *string           `json:"logout_reason,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// IsValid reports whether the session may authenticate a request at now
func (s *Session) IsValid(now time.Time) bool {
	return s.IsActive && s.ExpiresAt.After(now)
}

// CreateSessionInput is the input to SessionRegistry.CreateSession
type CreateSessionInput struct {
	UserID       string
	Token        string
	IsRememberMe bool
	ExpiresAt    time.Time
	Request      *RequestContext
}

// LoginAssessment is the result of comparing a login against the user's history
type LoginAssessment struct {
	Suspicious bool     `json:"suspicious"`
	Reasons    []string `json:"reasons"`
}

// SessionStats aggregates session rows, optionally for one user
type SessionStats struct {
	Total       int `json:"total"`
	Active      int `json:"active"`
	Expired     int `json:"expired"` // active flag still set but past expiry
	Revoked     int `json:"revoked"`
	RememberMe  int `json:"remember_me"`
	UniqueUsers int `json:"unique_users"`
	UniqueIPs   int `json:"unique_ips"`
}
