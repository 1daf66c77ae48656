// Package errdefs defines the error kinds used across klt and helpers for
// joining a sentinel kind with a detail error while keeping errors.Is working.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidParameter signals a malformed or missing recipe field.
	// Maps to the RecipeInvalid error kind in the design.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrUnauthorized signals a 401 that survived a token-refresh attempt.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound signals a 404 on a manifest or blob.
	ErrNotFound = errors.New("not found")

	// ErrDigestMismatch signals a computed digest that differs from the
	// expected one, either on fetch or on upload finalization.
	ErrDigestMismatch = errors.New("digest mismatch")

	// ErrUnavailable signals a transient failure that survived retries.
	ErrUnavailable = errors.New("unavailable")

	// ErrUnsupported signals a manifest or index media type outside the
	// accepted set.
	ErrUnsupported = errors.New("unsupported media type")

	// ErrPlatformNotFound signals an index with no entry matching the
	// requested platform.
	ErrPlatformNotFound = errors.New("platform not found")

	// ErrLayerBuild signals an I/O error or tar invariant violation while
	// building the application layer.
	ErrLayerBuild = errors.New("layer build failure")

	// ErrConflict signals a state conflict that a retry with different
	// input could clear, such as tags publishing to different digests.
	ErrConflict = errors.New("conflict")

	// ErrCanceled signals the build was aborted by a cancellation signal.
	ErrCanceled = errors.New("canceled")
)

// Newf wraps the base error kind and a formatted detail error, joined so
// errors.Is(result, base) still holds.
func Newf(base error, format string, args ...any) error {
	return errors.Join(base, fmt.Errorf(format, args...))
}

// NewE wraps the base error kind and an existing error. If err is nil or
// already carries base, it is returned unchanged.
func NewE(base error, err error) error {
	if err == nil || errors.Is(err, base) {
		return err
	}
	return errors.Join(base, err)
}
