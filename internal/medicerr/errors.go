// Package medicerr defines the error taxonomy shared by the monitoring core
// and the HTTP surface. Handlers map these sentinels to explicit status codes
// so operator-facing recovery actions (restore, approval decisions) return
// concrete reasons instead of generic failures.
package medicerr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a missing service, snapshot, playbook or execution.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a state conflict, e.g. a snapshot that was already
	// restored or an attempt to open a second active alert for a service.
	ErrConflict = errors.New("conflict")

	// ErrInvalid indicates malformed input: a bad trigger pattern, bad step
	// parameters, or out-of-range pagination.
	ErrInvalid = errors.New("invalid")

	// ErrUnauthorized indicates missing or bad credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrSignatureInvalid indicates an approval callback that failed signature
	// verification or arrived outside the allowed timestamp window.
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrUnavailable indicates the persistence gateway or shared cache is
	// unreachable.
	ErrUnavailable = errors.New("unavailable")

	// ErrStepFailed indicates a playbook step execution error.
	ErrStepFailed = errors.New("step failed")

	// ErrRateLimited indicates the caller exceeded the configured rate limit.
	ErrRateLimited = errors.New("rate limited")
)

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// Conflictf wraps ErrConflict with a formatted message.
func Conflictf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

// Invalidf wraps ErrInvalid with a formatted message.
func Invalidf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalid)...)
}

// StepFailedf wraps ErrStepFailed with a formatted message.
func StepFailedf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrStepFailed)...)
}

// Unauthorizedf wraps ErrUnauthorized with a formatted message.
func Unauthorizedf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrUnauthorized)...)
}

// Unavailablef wraps ErrUnavailable with a formatted message.
func Unavailablef(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrUnavailable)...)
}

// RateLimitedf wraps ErrRateLimited with a formatted message.
func RateLimitedf(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrRateLimited)...)
}

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is (or wraps) ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsInvalid reports whether err is (or wraps) ErrInvalid.
func IsInvalid(err error) bool { return errors.Is(err, ErrInvalid) }

// IsUnauthorized reports whether err is (or wraps) ErrUnauthorized.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

// IsUnavailable reports whether err is (or wraps) ErrUnavailable.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// IsRateLimited reports whether err is (or wraps) ErrRateLimited.
func IsRateLimited(err error) bool { return errors.Is(err, ErrRateLimited) }
