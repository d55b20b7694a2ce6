// Package errs defines the error taxonomy shared by every service in the
// subsystem. Services wrap these sentinels with fmt.Errorf("%w: ...") so the
// transport boundary can classify failures with errors.Is without depending
// on any service package.
package errs

import "errors"

var (
	// ErrValidation marks malformed or missing input.
	ErrValidation = errors.New("validation failed")

	// ErrAuthentication marks a bad credential or a bad, expired or
	// mismatched session artifact. Messages wrapped around it must stay
	// generic and never name the field that failed.
	ErrAuthentication = errors.New("authentication failed")

	// ErrAuthorization marks a subject that is known but not allowed.
	ErrAuthorization = errors.New("authorization failed")

	// ErrConflict marks a duplicate unique field.
	ErrConflict = errors.New("conflict")

	// ErrRateLimited marks a request rejected inside a rate-limit window.
	ErrRateLimited = errors.New("rate limited")

	// ErrNotFound marks a missing entity.
	ErrNotFound = errors.New("not found")
)
