package authn

import "errors"

var (
	// ErrNoToken is returned when a token response succeeds but contains no
	// usable token field.
	ErrNoToken = errors.New("authorization server did not include a token in the response")
)
