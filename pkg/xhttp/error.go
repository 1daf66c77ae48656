package xhttp

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/samber/lo"

	"github.com/max-te/kleinladungstraeger/pkg/errdefs"
)

// maxErrorBytes bounds how many response bytes are read into an error
// message; registries rarely send more than a few hundred bytes of JSON.
const maxErrorBytes int64 = 8 * 1024

// Success returns nil if resp's status code is http.StatusOK or one of
// allowedCodes, otherwise an error built from the response body.
//
// Success reads resp.Body but does not close it; callers remain
// responsible for closing it.
func Success(resp *http.Response, allowedCodes ...int) error {
	if resp == nil {
		return errors.New("xhttp: nil response")
	}
	allowedCodes = lo.Uniq(append(allowedCodes, http.StatusOK))
	if lo.Contains(allowedCodes, resp.StatusCode) {
		return nil
	}

	msg := fmt.Sprintf("unexpected status code: %d", resp.StatusCode)
	body := resp.Body
	if body == nil {
		body = http.NoBody
	}
	content, err := io.ReadAll(io.LimitReader(body, maxErrorBytes))
	if err != nil {
		return MakeResponseError(resp, fmt.Errorf("%s: unable to read response body: %w", msg, err))
	}
	if len(content) > 0 {
		return MakeResponseError(resp, fmt.Errorf("%s: %s", msg, content))
	}
	return MakeResponseError(resp, errors.New(msg))
}

// MakeResponseError wraps err with request context taken from resp, and
// classifies a 401/404 status into the matching errdefs sentinel.
func MakeResponseError(resp *http.Response, err error) error {
	if resp == nil {
		return err
	}
	ret := MakeRequestError(resp.Request, err)
	if ret == nil {
		return nil
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		ret = errdefs.NewE(errdefs.ErrNotFound, ret)
	case http.StatusUnauthorized, http.StatusForbidden:
		ret = errdefs.NewE(errdefs.ErrUnauthorized, ret)
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusBadGateway:
		ret = errdefs.NewE(errdefs.ErrUnavailable, ret)
	}
	return ret
}

// MakeRequestError wraps err with the request's method and redacted URL,
// so credentials embedded in a userinfo component are never logged.
func MakeRequestError(req *http.Request, err error) error {
	if err == nil {
		return nil
	}
	if req == nil {
		return err
	}
	return fmt.Errorf("%s %s: %w", req.Method, req.URL.Redacted(), err)
}
