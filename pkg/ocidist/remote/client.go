// Package remote implements the ocidist.Spec contract against a live
// registry over HTTP: the auth-retry wrapper (challenge parsing, bearer
// token acquisition and caching), chunked blob upload with resume, and
// manifest get/put.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/max-te/kleinladungstraeger/pkg/errdefs"
	"github.com/max-te/kleinladungstraeger/pkg/ocispec/authn"
	"github.com/max-te/kleinladungstraeger/pkg/xcache"
	"github.com/max-te/kleinladungstraeger/pkg/xhttp"
	"github.com/max-te/kleinladungstraeger/pkg/xio"
	"github.com/max-te/kleinladungstraeger/pkg/xlog"
)

var _ xhttp.Client = (*Client)(nil)

const defaultClientID = "klt"

// maxAuthResponseBytes bounds how many bytes of a token-endpoint response
// are decoded; a typical response is a few KiB.
const maxAuthResponseBytes int64 = 128 * 1024

// ChallengeCache holds the Www-Authenticate challenge last seen for a
// registry host.
type ChallengeCache = xcache.Cache[authn.Challenge]

// TokenCache holds a bearer token keyed by (host, scopes).
type TokenCache = xcache.Cache[authn.Token]

var (
	defaultChallengeCache = xcache.NewMemory[authn.Challenge]()
	defaultTokenCache     = xcache.NewMemory[authn.Token]()
)

// AuthProvider resolves the credential to use for a given host.
type AuthProvider func(ctx context.Context, host string) authn.AuthConfig

// NewClient returns a Client with a fresh in-process challenge/token cache.
func NewClient(auth AuthProvider) *Client {
	return &Client{
		AuthProvider:   auth,
		ChallengeCache: xcache.NewMemory[authn.Challenge](),
		TokenCache:     xcache.NewMemory[authn.Token](),
		RetryPolicy:    DefaultRetryPolicy,
	}
}

// Client is an http.Client wrapper that transparently performs the
// Www-Authenticate challenge/bearer-token handshake and retries transient
// failures with backoff.
type Client struct {
	// HTTPClient is the underlying transport. If nil, http.DefaultClient is
	// used.
	HTTPClient *http.Client

	// Header carries additional headers (e.g. User-Agent) added to every
	// request.
	Header http.Header

	AuthProvider AuthProvider

	ChallengeCache ChallengeCache
	TokenCache     TokenCache

	RetryPolicy RetryPolicy
}

// Do sends request, transparently handling a 401 challenge/token exchange
// and retrying transient failures per RetryPolicy.
func (c *Client) Do(request *http.Request) (*http.Response, error) {
	if err := xhttp.CheckRequestBodyRewindable(request); err != nil {
		return nil, err
	}

	policy := c.RetryPolicy
	if policy.MaxAttempt == 0 {
		policy = DefaultRetryPolicy
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempt; attempt++ {
		resp, err := c.send(request)
		if err == nil && (resp == nil || !isTransientStatus(resp.StatusCode)) {
			return resp, nil
		}
		if err != nil && !isTransientError(err) {
			return nil, xhttp.MakeRequestError(request, err)
		}
		lastErr = err
		if lastErr == nil {
			lastErr = xhttp.MakeResponseError(resp, fmt.Errorf("transient status %d", resp.StatusCode))
		}
		if attempt == policy.MaxAttempt {
			break
		}

		wait := policy.delay(attempt)
		if resp != nil {
			if d, ok := retryAfter(resp); ok {
				wait = d
			}
			xio.CloseAndSkipError(resp.Body)
		}
		xlog.FromContext(request.Context()).Debugf("retrying %s %s after %s (attempt %d of %d): %v",
			request.Method, request.URL.Redacted(), wait, attempt+1, policy.MaxAttempt, lastErr)
		if sleepErr := sleep(request.Context(), wait); sleepErr != nil {
			return nil, sleepErr
		}
		req2, err := rewindRequest(request)
		if err != nil {
			return nil, err
		}
		request = req2
	}
	return nil, lastErr
}

// rewindRequest rebuilds request's body from GetBody so a retried attempt
// resends the same bytes.
func rewindRequest(request *http.Request) (*http.Request, error) {
	if request.GetBody == nil {
		return request, nil
	}
	body, err := request.GetBody()
	if err != nil {
		return nil, fmt.Errorf("rewind request body for retry: %w", err)
	}
	clone := request.Clone(request.Context())
	clone.Body = body
	return clone, nil
}

func (c *Client) send(request *http.Request) (*http.Response, error) {
	ctx := request.Context()
	request.Header = c.expandHeader(request.Header)

	if xhttp.IsDirectRequest(ctx) {
		return c.client().Do(request)
	}

	auth := authn.AuthConfig{}
	if c.AuthProvider != nil {
		auth = c.AuthProvider(ctx, request.URL.Host)
	}

	if err := c.setAuthorization(ctx, request, auth); err != nil {
		return nil, err
	}

	resp, err := c.client().Do(request)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	challenge := authn.ParseChallenge(resp.Header.Get("Www-Authenticate"))
	if challenge.Scheme != authn.SchemeBasic && challenge.Scheme != authn.SchemeBearer {
		return resp, nil
	}
	c.challengeCache().Set(ctx, c.challengeCacheKey(request), challenge)

	retryable, err := c.setAuthorizationWithChallenge(ctx, request, auth, challenge)
	if err != nil {
		xio.CloseAndSkipError(resp.Body)
		return nil, err
	}
	if !retryable {
		return resp, nil
	}
	xio.CloseAndLogError(resp.Body, "discarding 401 body before retry")

	if request, err = rewindRequest(request); err != nil {
		return nil, err
	}
	resp2, err := c.client().Do(request)
	if err != nil {
		return nil, err
	}
	if resp2.StatusCode == http.StatusUnauthorized {
		xio.CloseAndLogError(resp2.Body, "second unauthorized response")
		return nil, errdefs.NewE(errdefs.ErrUnauthorized, xhttp.MakeRequestError(request, errors.New("still unauthorized after token refresh")))
	}
	return resp2, nil
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) expandHeader(h http.Header) http.Header {
	if h == nil {
		h = make(http.Header)
	}
	for key, values := range c.Header {
		for _, value := range values {
			h.Add(key, value)
		}
	}
	return h
}

func (c *Client) clientID() string {
	return defaultClientID
}

func (c *Client) challengeCache() ChallengeCache {
	if c.ChallengeCache != nil {
		return c.ChallengeCache
	}
	return defaultChallengeCache
}

func (c *Client) tokenCache() TokenCache {
	if c.TokenCache != nil {
		return c.TokenCache
	}
	return defaultTokenCache
}

func (c *Client) challengeCacheKey(request *http.Request) string {
	return request.URL.Host
}

func (c *Client) tokenCacheKey(request *http.Request, scopes ...string) string {
	key := request.URL.Host
	if scopeStr := strings.Join(scopes, ","); scopeStr != "" {
		key = key + " " + scopeStr
	}
	return key
}

func (c *Client) setAuthorization(ctx context.Context, request *http.Request, auth authn.AuthConfig) error {
	if request.Header.Get("Authorization") != "" {
		return nil
	}
	challenge, ok := c.challengeCache().Get(ctx, c.challengeCacheKey(request))
	if !ok {
		return nil
	}
	switch challenge.Scheme {
	case authn.SchemeBasic:
		if auth.Username != "" && auth.Password != "" {
			return authn.NewBasic(auth.Username, auth.Password).Authorize(request)
		}
	case authn.SchemeBearer:
		scopes := c.acquireMergeScopes(ctx, challenge)
		token, ok := c.tokenCache().Get(ctx, c.tokenCacheKey(request, scopes...))
		if ok && token.ExpiresAt().After(time.Now()) {
			return authn.NewToken(token.Token).Authorize(request)
		}
	case authn.SchemeUnknown:
	}
	return nil
}

func (c *Client) setAuthorizationWithChallenge(ctx context.Context, request *http.Request, auth authn.AuthConfig, challenge authn.Challenge) (bool, error) {
	switch challenge.Scheme {
	case authn.SchemeBasic:
		if auth.Username == "" || auth.Password == "" {
			return false, nil
		}
		return true, authn.NewBasic(auth.Username, auth.Password).Authorize(request)
	case authn.SchemeBearer:
		token, err := c.acquireToken(ctx, auth, challenge)
		if err != nil {
			return false, err
		}
		scopes := c.acquireMergeScopes(ctx, challenge)
		c.tokenCache().Set(ctx, c.tokenCacheKey(request, scopes...), *token)
		return true, authn.NewToken(token.Token).Authorize(request)
	case authn.SchemeUnknown:
	}
	return false, nil
}

func (c *Client) acquireMergeScopes(ctx context.Context, challenge authn.Challenge) []string {
	requiredScopes := authn.CleanScopes(strings.Split(challenge.Parameters["scope"], " "))
	wantScopes := authn.CleanScopes(authn.GetScopes(ctx))
	merged := append(append([]string(nil), requiredScopes...), wantScopes...)
	return authn.CleanScopes(merged)
}

func (c *Client) acquireToken(ctx context.Context, auth authn.AuthConfig, challenge authn.Challenge) (*authn.Token, error) {
	realm := challenge.Parameters["realm"]
	if realm == "" {
		return nil, errors.New("malformed Www-Authenticate header: missing realm")
	}
	service := challenge.Parameters["service"]
	scopes := c.acquireMergeScopes(ctx, challenge)
	return c.fetchTokenWithBasic(ctx, auth, realm, service, scopes)
}

// fetchTokenWithBasic requests a bearer token via a GET against realm,
// attaching Basic credentials when present. klt's credential model (a
// plain username/secret pair, see recipe.AuthEntry) never carries an
// OAuth2 refresh token, so the OAuth2 grant path a full registry client
// supports has no caller here and is intentionally not implemented.
func (c *Client) fetchTokenWithBasic(ctx context.Context, auth authn.AuthConfig, realm, service string, scopes []string) (*authn.Token, error) {
	request, err := http.NewRequestWithContext(xhttp.WithDirectRequest(ctx), http.MethodGet, realm, http.NoBody)
	if err != nil {
		return nil, err
	}
	q := request.URL.Query()
	if service != "" {
		q.Add("service", service)
	}
	for _, scope := range scopes {
		q.Add("scope", scope)
	}
	q.Add("client_id", c.clientID())
	request.URL.RawQuery = q.Encode()

	if auth.Username != "" && auth.Password != "" {
		request.SetBasicAuth(auth.Username, auth.Password)
	}

	resp, err := c.client().Do(request)
	if err != nil {
		return nil, err
	}
	defer xio.CloseAndSkipError(resp.Body)
	if err := xhttp.Success(resp); err != nil {
		return nil, err
	}

	token := &authn.Token{}
	r := io.LimitReader(resp.Body, maxAuthResponseBytes)
	if err := json.NewDecoder(r).Decode(token); err != nil {
		return nil, xhttp.MakeResponseError(resp, err)
	}
	if token.IssuedAt.IsZero() {
		token.IssuedAt = time.Now().UTC()
	}
	return token, nil
}

