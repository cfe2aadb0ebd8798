package pool

import "errors"

var (
	// ErrNotFound covers unknown accounts and unknown/already-released sessions.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientAccounts means allocation could not lock the requested
	// count; no partial locks remain when it is returned.
	ErrInsufficientAccounts = errors.New("insufficient allocatable accounts")
	// ErrInvalidCredential means a login link or credential blob could not be
	// turned into a usable token (malformed, or a single-use code already spent).
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrDuplicateEmail means the account is already registered.
	ErrDuplicateEmail = errors.New("account already exists")
)
