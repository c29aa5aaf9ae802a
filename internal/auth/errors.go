package auth

import "errors"

var (
	// ErrUnauthenticated covers missing, invalid, expired, blacklisted and revoked credentials.
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	// ErrForbidden means the principal is valid but no permission row matches.
	ErrForbidden = errors.New("auth: forbidden")
	// ErrStoreUnavailable means a Session or Credential Store could not answer. Callers fail closed.
	ErrStoreUnavailable = errors.New("auth: store unavailable")
	// ErrInvalidCredentials is the single login failure shape.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")
	ErrWeakPassword  = errors.New("auth: weak password")
)

// Token verification failures.
var (
	ErrMalformed    = errors.New("auth: malformed token")
	ErrExpired      = errors.New("auth: token expired")
	ErrBadSignature = errors.New("auth: bad token signature")
)
