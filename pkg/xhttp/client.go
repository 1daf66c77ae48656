// Package xhttp collects small HTTP helpers shared by the registry client:
// a minimal Client interface, response-to-error translation, and the
// direct-request context marker used to bypass the auth-retry wrapper
// during the token exchange itself.
package xhttp

import "net/http"

// Client is the minimal surface the registry client depends on, satisfied
// by *http.Client and by the auth-retrying wrapper in ocidist/remote.
type Client interface {
	Do(*http.Request) (*http.Response, error)
}
