// Package ocidist defines the OCI Distribution v2 wire contract a registry
// client implements: route descriptors for the handful of endpoints klt
// drives (ping, manifest get/head/put, blob head/get, chunked blob upload,
// cross-repository mount) and the Spec interface that pkg/ocidist/remote
// implements against a live registry.
package ocidist

import (
	"context"
	"fmt"
	"io"
	"net/http"
	stdurl "net/url"
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"
)

// RouteDescriptor describes one distribution-spec endpoint: its method,
// path template, and the status codes that indicate success or a
// recognized failure.
type RouteDescriptor struct {
	ID           string
	Method       string
	PathPattern  string
	QueryParams  map[string]string
	SuccessCodes []int
}

var (
	RoutePing = RouteDescriptor{
		ID:           "end-1",
		Method:       http.MethodGet,
		PathPattern:  "/v2/",
		SuccessCodes: []int{http.StatusOK},
	}
	RouteManifestsGet = RouteDescriptor{
		ID:           "end-3",
		Method:       http.MethodGet,
		PathPattern:  "/v2/{name}/manifests/{reference}",
		SuccessCodes: []int{http.StatusOK},
	}
	RouteManifestsHead = RouteDescriptor{
		ID:           "end-3",
		Method:       http.MethodHead,
		PathPattern:  "/v2/{name}/manifests/{reference}",
		SuccessCodes: []int{http.StatusOK},
	}
	RouteManifestsPut = RouteDescriptor{
		ID:           "end-7",
		Method:       http.MethodPut,
		PathPattern:  "/v2/{name}/manifests/{reference}",
		SuccessCodes: []int{http.StatusCreated},
	}
	RouteBlobsGet = RouteDescriptor{
		ID:           "end-2",
		Method:       http.MethodGet,
		PathPattern:  "/v2/{name}/blobs/{digest}",
		SuccessCodes: []int{http.StatusOK},
	}
	RouteBlobsHead = RouteDescriptor{
		ID:           "end-2",
		Method:       http.MethodHead,
		PathPattern:  "/v2/{name}/blobs/{digest}",
		SuccessCodes: []int{http.StatusOK},
	}
	RouteBlobsUploadStart = RouteDescriptor{
		ID:           "end-4a",
		Method:       http.MethodPost,
		PathPattern:  "/v2/{name}/blobs/uploads/",
		SuccessCodes: []int{http.StatusAccepted},
	}
	RouteBlobsMount = RouteDescriptor{
		ID:          "end-11",
		Method:      http.MethodPost,
		PathPattern: "/v2/{name}/blobs/uploads/",
		QueryParams: map[string]string{
			"mount": "{digest}",
			"from":  "{from_name}",
		},
		SuccessCodes: []int{http.StatusCreated},
	}
	RouteBlobsUploadChunk = RouteDescriptor{
		ID:           "end-5",
		Method:       http.MethodPatch,
		PathPattern:  "/v2/{name}/blobs/uploads/{reference}",
		SuccessCodes: []int{http.StatusAccepted},
	}
	RouteBlobsUploadComplete = RouteDescriptor{
		ID:          "end-6",
		Method:      http.MethodPut,
		PathPattern: "/v2/{name}/blobs/uploads/{reference}",
		QueryParams: map[string]string{
			"digest": "{digest}",
		},
		SuccessCodes: []int{http.StatusCreated},
	}
)

// RouteBuilder fills a RouteDescriptor's path/query template with concrete
// values and produces an http.Request.
type RouteBuilder struct {
	BaseURL   string
	Name      string
	Reference string
	Digest    digest.Digest
	FromName  string
	Body      io.Reader
}

func (rb *RouteBuilder) WithName(name string) *RouteBuilder {
	rb.Name = name
	return rb
}

func (rb *RouteBuilder) WithReference(ref string) *RouteBuilder {
	rb.Reference = ref
	return rb
}

func (rb *RouteBuilder) WithDigest(dgst digest.Digest) *RouteBuilder {
	rb.Digest = dgst
	return rb
}

func (rb *RouteBuilder) WithFromName(name string) *RouteBuilder {
	rb.FromName = name
	return rb
}

func (rb *RouteBuilder) WithBody(body io.Reader) *RouteBuilder {
	rb.Body = body
	return rb
}

func (rb *RouteBuilder) replace(pattern string) string {
	replacements := map[string]string{
		"{name}":      rb.Name,
		"{reference}": rb.Reference,
		"{digest}":    rb.Digest.String(),
		"{from_name}": rb.FromName,
	}
	for k, v := range replacements {
		if v != "" {
			pattern = strings.ReplaceAll(pattern, k, v)
		}
	}
	return pattern
}

var (
	routePathValidateRegex = regexp.MustCompile(`\{name\}|\{reference\}|\{digest\}|\{from_name\}|/{2,}`)
)

func (rb *RouteBuilder) buildPath(route RouteDescriptor) (string, error) {
	path := rb.replace(route.PathPattern)
	if routePathValidateRegex.MatchString(path) {
		return "", fmt.Errorf("invalid route path: %s", path)
	}
	return path, nil
}

// BuildURL resolves route's path and query template against rb without
// producing a request, for callers (like a resumed chunked upload) that
// only need the endpoint URL.
func (rb *RouteBuilder) BuildURL(route RouteDescriptor) (*stdurl.URL, error) {
	return rb.buildURL(route)
}

func (rb *RouteBuilder) buildURL(route RouteDescriptor) (*stdurl.URL, error) {
	routePath, err := rb.buildPath(route)
	if err != nil {
		return nil, err
	}
	urlStr := strings.TrimSuffix(rb.BaseURL, "/") + "/" + strings.TrimPrefix(routePath, "/")
	u, err := stdurl.Parse(urlStr)
	if err != nil {
		return nil, err
	}
	query := u.Query()
	for k, v := range route.QueryParams {
		query.Set(k, rb.replace(v))
	}
	u.RawQuery = query.Encode()
	return u, nil
}

// BuildRequest builds the concrete *http.Request for route.
func (rb *RouteBuilder) BuildRequest(ctx context.Context, route RouteDescriptor) (*http.Request, error) {
	u, err := rb.buildURL(route)
	if err != nil {
		return nil, err
	}
	body := rb.Body
	if body == nil {
		body = http.NoBody
	}
	return http.NewRequestWithContext(ctx, route.Method, u.String(), body)
}
