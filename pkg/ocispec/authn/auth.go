// Package authn implements the OCI distribution auth handshake: parsing
// Www-Authenticate challenges, building scope strings, and attaching
// credentials or bearer tokens to outgoing requests.
package authn

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

var (
	_ Authorizer = Anonymous{}
	_ Authorizer = Basic{}
	_ Authorizer = Token{}
	_ Authorizer = AuthorizeFunc(nil)
)

// Authorizer attaches credentials to an outgoing request.
type Authorizer interface {
	Authorize(req *http.Request) error
}

// AuthorizeFunc adapts a function to the Authorizer interface.
type AuthorizeFunc func(req *http.Request) error

// Authorize calls fn.
func (fn AuthorizeFunc) Authorize(req *http.Request) error { return fn(req) }

// defaultTokenExpires is the floor applied to a token's lifetime so a
// server that reports an unreasonably short TTL doesn't cause needless
// re-authentication.
const defaultTokenExpires = 60

// Anonymous attaches no credentials; used when a recipe target/base has no
// auth entry and the registry never challenges the request.
type Anonymous struct{}

// NewAnonymous returns an Authorizer that never sets credentials.
func NewAnonymous() Anonymous { return Anonymous{} }

// Authorize does nothing.
func (Anonymous) Authorize(*http.Request) error { return nil }

// Basic attaches HTTP Basic credentials.
type Basic struct {
	Username string
	Password string
}

// NewBasic returns a Basic authorizer.
func NewBasic(username, password string) Basic {
	return Basic{Username: username, Password: password}
}

// Authorize sets the Authorization header, unless either credential is
// empty.
func (auth Basic) Authorize(req *http.Request) error {
	if auth.Username == "" || auth.Password == "" {
		return nil
	}
	req.SetBasicAuth(auth.Username, auth.Password)
	return nil
}

// Token attaches a bearer token obtained from a token endpoint.
type Token struct {
	Scheme      string    `json:"scheme,omitempty"`
	Token       string    `json:"token,omitempty"`
	AccessToken string    `json:"access_token,omitempty"`
	ExpiresIn   int       `json:"expires_in,omitempty"`
	IssuedAt    time.Time `json:"issued_at,omitempty"`
}

// NewToken wraps a raw bearer token string.
func NewToken(token string) Token {
	return Token{Token: token, AccessToken: token}
}

// ExpiresAt returns when the token should be considered stale.
func (t Token) ExpiresAt() time.Time {
	issuedAt := t.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now()
	}
	return issuedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// Authorize sets "Authorization: {scheme} {token}", defaulting scheme to
// Bearer, unless no token value is present.
func (t Token) Authorize(req *http.Request) error {
	value := t.Token
	if value == "" {
		value = t.AccessToken
	}
	if value == "" {
		return nil
	}
	scheme := t.Scheme
	if scheme == "" {
		scheme = "Bearer"
	}
	req.Header.Set("Authorization", scheme+" "+value)
	return nil
}

// UnmarshalJSON canonicalizes the token/access_token aliasing a token
// endpoint response may use, and enforces the minimum TTL.
func (t *Token) UnmarshalJSON(data []byte) error {
	type shadowType Token
	var shadow shadowType
	if err := json.Unmarshal(data, &shadow); err != nil {
		return fmt.Errorf("decode token response: %w", err)
	}
	*t = Token(shadow)
	if t.Token == "" {
		t.Token = t.AccessToken
	}
	if t.Token == "" {
		return ErrNoToken
	}
	if t.AccessToken == "" {
		t.AccessToken = t.Token
	}
	if t.ExpiresIn < defaultTokenExpires {
		t.ExpiresIn = defaultTokenExpires
	}
	return nil
}
