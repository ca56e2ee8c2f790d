package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNotAuthenticated indicates that no viewer could be resolved.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrPermissionDenied indicates that the viewer exists but access rules deny.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrConflict indicates an optimistic-concurrency or uniqueness violation.
	ErrConflict = errors.New("conflict")
	// ErrValidation indicates malformed input or an unknown role, scope or audience.
	ErrValidation = errors.New("validation failed")
)
