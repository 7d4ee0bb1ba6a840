package domain

import "errors"

var (
	// ErrUnauthorized indicates no identity could be resolved for the caller.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrAccessDenied indicates the caller is known but does not own the target org.
	ErrAccessDenied = errors.New("access denied")
)
