package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Account state errors
	ErrAccountDisabled    = errors.New("account is disabled")
	ErrInvalidCredentials = errors.New("invalid credentials")

	// Security control errors
	ErrSecurityBlocked = errors.New("login temporarily blocked")
	ErrRateLimited     = errors.New("too many requests")

	// Audit errors
	ErrInvalidEventType = errors.New("unknown audit event type")
	ErrInvalidMetadata  = errors.New("unrecognized audit metadata key")
)
