package models

import "time"

// RefreshToken is one step of a user's rotating refresh chain. Only the hash of
// the random token is stored. It is unrelated to Session.
type RefreshToken struct {
	ID           string    `json:"id"`
	TokenHash    string    `json:"-"`
	UserID       string    `json:"user_id"`
	ExpiresAt    time.Time `json:"expires_at"`
	IsRevoked    bool      `json:"is_revoked"`
	IsRememberMe bool      `json:"is_remember_me"`
	IPAddress    *string   `json:"ip_address,omitempty"`
	UserAgent    *string   `json:"user_agent,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsValid reports whether the token can still be exchanged at now
func (t *RefreshToken) IsValid(now time.Time) bool {
	return !t.IsRevoked && t.ExpiresAt.After(now)
}
