package xhttp

import (
	"context"
	"fmt"
	"net/http"
)

type directRequestKey struct{}

// IsDirectRequest reports whether ctx marks the request to go out without
// the auth-retry wrapper attempting a challenge/token exchange — used by
// the token endpoint request itself to avoid recursing into auth.
func IsDirectRequest(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	return ctx.Value(directRequestKey{}) != nil
}

// WithDirectRequest marks ctx so a request made with it bypasses the
// auth-retry wrapper.
func WithDirectRequest(ctx context.Context) context.Context {
	return context.WithValue(ctx, directRequestKey{}, true)
}

// CheckRequestBodyRewindable returns an error if req has a body that
// cannot be replayed via GetBody, which the auth-retry wrapper requires
// before it can resend a request after a 401 challenge.
func CheckRequestBodyRewindable(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	if req.GetBody == nil {
		return fmt.Errorf("%s %s: request body is not rewindable", req.Method, req.URL.Redacted())
	}
	return nil
}
