package ocidist

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/max-te/kleinladungstraeger/pkg/ocispec"
	"github.com/max-te/kleinladungstraeger/pkg/xhttp"
)

const dockerContentDigestHeader = "Docker-Content-Digest"

// DescriptorFromResponse builds a Descriptor from a manifest/blob response's
// Content-Type, Content-Length (or Content-Range, for a 206), and
// Docker-Content-Digest header, cross-checking against knownDigest (the
// digest already named by the request, if any) and failing on mismatch.
func DescriptorFromResponse(resp *http.Response, knownDigest digest.Digest) (imgspecv1.Descriptor, error) {
	var zero imgspecv1.Descriptor

	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ocispec.DefaultMediaType
	}

	var size int64
	if resp.StatusCode == http.StatusPartialContent {
		contentRange := resp.Header.Get("Content-Range")
		if contentRange == "" {
			return zero, xhttp.MakeResponseError(resp, errors.New("missing 'Content-Range' header in partial content response"))
		}
		i := strings.LastIndex(contentRange, "/")
		if i == -1 {
			return zero, xhttp.MakeResponseError(resp, fmt.Errorf("invalid 'Content-Range' header: %q", contentRange))
		}
		contentSize, err := strconv.ParseInt(contentRange[i+1:], 10, 64)
		if err != nil {
			return zero, xhttp.MakeResponseError(resp, fmt.Errorf("invalid 'Content-Range' header: %q", contentRange))
		}
		size = contentSize
	} else {
		if resp.ContentLength < 0 {
			return zero, xhttp.MakeResponseError(resp, errors.New("missing 'Content-Length' header"))
		}
		size = resp.ContentLength
	}

	var serverDigest digest.Digest
	if s := resp.Header.Get(dockerContentDigestHeader); s != "" {
		dgst, err := digest.Parse(s)
		if err != nil {
			return zero, xhttp.MakeResponseError(resp, fmt.Errorf("invalid %q header: %q: %w", dockerContentDigestHeader, s, err))
		}
		serverDigest = dgst
	}
	if knownDigest != "" && serverDigest != "" && serverDigest != knownDigest {
		return zero, xhttp.MakeResponseError(resp, fmt.Errorf("digest mismatch: requested=%q, server=%q", knownDigest, serverDigest))
	}

	contentDigest := serverDigest
	if contentDigest == "" {
		if resp.Request != nil && resp.Request.Method == http.MethodHead {
			if knownDigest == "" {
				return zero, xhttp.MakeResponseError(resp, fmt.Errorf("missing both %q header and known digest in HEAD response", dockerContentDigestHeader))
			}
		} else {
			contentDigest = knownDigest
		}
	}

	return imgspecv1.Descriptor{
		MediaType: mediaType,
		Digest:    contentDigest,
		Size:      size,
	}, nil
}
