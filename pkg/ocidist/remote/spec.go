package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/max-te/kleinladungstraeger/pkg/errdefs"
	"github.com/max-te/kleinladungstraeger/pkg/ocidist"
	"github.com/max-te/kleinladungstraeger/pkg/ocispec"
	"github.com/max-te/kleinladungstraeger/pkg/ocispec/authn"
	"github.com/max-te/kleinladungstraeger/pkg/ocispec/cas"
	"github.com/max-te/kleinladungstraeger/pkg/xhttp"
	"github.com/max-te/kleinladungstraeger/pkg/xio"
)

var _ ocidist.Spec = (*Repository)(nil)

// Repository is a concrete ocidist.Spec bound to one registry base URL and
// repository name, authenticating through client.
type Repository struct {
	client  xhttp.Client
	baseURL string
	name    string
}

// NewRepository returns a Spec that drives baseURL (e.g. "https://registry.example.com")
// for the repository name (e.g. "library/busybox"), authenticating requests through client.
func NewRepository(client xhttp.Client, baseURL, name string) *Repository {
	return &Repository{client: client, baseURL: strings.TrimSuffix(baseURL, "/"), name: name}
}

func (r *Repository) builder() *ocidist.RouteBuilder {
	return &ocidist.RouteBuilder{BaseURL: r.baseURL, Name: r.name}
}

func manifestAcceptHeader() string {
	return strings.Join(ocispec.AcceptManifestTypes, ", ")
}

// ResolveManifest fetches the manifest or index named by selector,
// returning its raw bytes alongside the media type and digest the
// registry reported, so the caller can rehash and republish the exact
// same bytes.
func (r *Repository) ResolveManifest(ctx context.Context, selector string) ([]byte, string, digest.Digest, error) {
	ctx = authn.WithScopes(ctx, authn.RepositoryScope(r.name, "pull"))
	request, err := r.builder().WithReference(selector).BuildRequest(ctx, ocidist.RouteManifestsGet)
	if err != nil {
		return nil, "", "", err
	}
	request.Header.Set("Accept", manifestAcceptHeader())

	resp, err := r.client.Do(request)
	if err != nil {
		return nil, "", "", err
	}
	defer xio.CloseAndSkipError(resp.Body)
	if err := xhttp.Success(resp, ocidist.RouteManifestsGet.SuccessCodes...); err != nil {
		return nil, "", "", err
	}

	var known digest.Digest
	if parsed, err := digest.Parse(selector); err == nil {
		known = parsed
	}
	desc, err := ocidist.DescriptorFromResponse(resp, known)
	if err != nil {
		return nil, "", "", err
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, desc.Size+1))
	if err != nil {
		return nil, "", "", xhttp.MakeResponseError(resp, fmt.Errorf("read manifest body: %w", err))
	}
	gotDigest := digest.FromBytes(content)
	if desc.Digest != "" && gotDigest != desc.Digest {
		return nil, "", "", errdefs.Newf(errdefs.ErrDigestMismatch, "manifest digest mismatch: computed %s, server reported %s", gotDigest, desc.Digest)
	}

	return content, desc.MediaType, gotDigest, nil
}

// StatBlob HEADs dgst, returning its descriptor without fetching content.
func (r *Repository) StatBlob(ctx context.Context, dgst digest.Digest) (imgspecv1.Descriptor, error) {
	var zero imgspecv1.Descriptor
	ctx = authn.WithScopes(ctx, authn.RepositoryScope(r.name, "pull"))
	request, err := r.builder().WithDigest(dgst).BuildRequest(ctx, ocidist.RouteBlobsHead)
	if err != nil {
		return zero, err
	}
	resp, err := r.client.Do(request)
	if err != nil {
		return zero, err
	}
	defer xio.CloseAndSkipError(resp.Body)
	if err := xhttp.Success(resp, ocidist.RouteBlobsHead.SuccessCodes...); err != nil {
		return zero, err
	}
	return ocidist.DescriptorFromResponse(resp, dgst)
}

// BlobExists reports whether dgst is already present in the repository.
func (r *Repository) BlobExists(ctx context.Context, dgst digest.Digest) (bool, error) {
	_, err := r.StatBlob(ctx, dgst)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, errdefs.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// FetchBlob streams dgst's content, verified as it is read.
func (r *Repository) FetchBlob(ctx context.Context, dgst digest.Digest) (cas.ReadCloser, error) {
	ctx = authn.WithScopes(ctx, authn.RepositoryScope(r.name, "pull"))
	request, err := r.builder().WithDigest(dgst).BuildRequest(ctx, ocidist.RouteBlobsGet)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(request)
	if err != nil {
		return nil, err
	}
	if err := xhttp.Success(resp, ocidist.RouteBlobsGet.SuccessCodes...); err != nil {
		xio.CloseAndSkipError(resp.Body)
		return nil, err
	}
	desc, err := ocidist.DescriptorFromResponse(resp, dgst)
	if err != nil {
		xio.CloseAndSkipError(resp.Body)
		return nil, err
	}
	return cas.NewReadCloser(resp.Body, desc), nil
}

// MountBlob attempts a cross-repository mount of dgst from fromRepo.
// mounted=false with a nil error means the registry declined (e.g. it
// doesn't support mounting) and the caller should fall back to a normal
// upload.
func (r *Repository) MountBlob(ctx context.Context, dgst digest.Digest, fromRepo string) (bool, error) {
	ctx = authn.WithScopes(ctx, authn.RepositoryScope(r.name, "pull", "push"), authn.RepositoryScope(fromRepo, "pull"))
	request, err := r.builder().WithDigest(dgst).WithFromName(fromRepo).BuildRequest(ctx, ocidist.RouteBlobsMount)
	if err != nil {
		return false, err
	}
	resp, err := r.client.Do(request)
	if err != nil {
		return false, err
	}
	defer xio.CloseAndSkipError(resp.Body)
	switch resp.StatusCode {
	case http.StatusCreated:
		return true, nil
	case http.StatusAccepted:
		// Registry started a normal upload session instead of mounting;
		// the caller still has to push the blob, so discard the session
		// rather than leaving it dangling.
		if location, err := resp.Location(); err == nil {
			cancelRequest, cErr := http.NewRequestWithContext(ctx, http.MethodDelete, location.String(), http.NoBody)
			if cErr == nil {
				if cancelResp, cErr := r.client.Do(cancelRequest); cErr == nil {
					xio.CloseAndSkipError(cancelResp.Body)
				}
			}
		}
		return false, nil
	default:
		return false, xhttp.Success(resp, http.StatusCreated)
	}
}

// PushBlobChunked starts a fresh chunked upload session.
func (r *Repository) PushBlobChunked(ctx context.Context, chunkSize int64) (ocidist.BlobWriteCloser, error) {
	ctx = authn.WithScopes(ctx, authn.RepositoryScope(r.name, "pull", "push"))
	request, err := r.builder().BuildRequest(ctx, ocidist.RouteBlobsUploadStart)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer xio.CloseAndSkipError(resp.Body)
	if err := xhttp.Success(resp, ocidist.RouteBlobsUploadStart.SuccessCodes...); err != nil {
		return nil, err
	}
	location, err := resp.Location()
	if err != nil {
		return nil, xhttp.MakeResponseError(resp, fmt.Errorf("bad Location header: %w", err))
	}
	if chunkSize <= 0 {
		chunkSize = ocidist.DefaultChunkSize
	}
	return &blobWriter{
		client:    r.client,
		chunkSize: chunkSizeFromResponse(resp, chunkSize),
		location:  location,
	}, nil
}

// PushBlobChunkedResume resumes an upload session previously started by
// PushBlobChunked. An offset of -1 asks the writer to discover the offset
// itself via a GET on the upload URL before the next write.
func (r *Repository) PushBlobChunkedResume(ctx context.Context, chunkSize int64, id string, offset int64) (ocidist.BlobWriteCloser, error) {
	ctx = authn.WithScopes(ctx, authn.RepositoryScope(r.name, "pull", "push"))
	location, err := r.builder().WithReference(id).BuildURL(ocidist.RouteBlobsUploadChunk)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		offset, err = discoverOffset(ctx, r.client, location)
		if err != nil {
			return nil, err
		}
	}
	if chunkSize <= 0 {
		chunkSize = ocidist.DefaultChunkSize
	}
	return &blobWriter{
		client:    r.client,
		chunkSize: chunkSize,
		location:  location,
		flushed:   offset,
		size:      offset,
	}, nil
}

// PutManifest publishes content under selector (a tag), returning the
// digest the registry assigned.
func (r *Repository) PutManifest(ctx context.Context, selector string, content []byte, mediaType string) (digest.Digest, error) {
	ctx = authn.AppendScopes(ctx, authn.RepositoryScope(r.name, "pull", "push"))
	request, err := r.builder().WithReference(selector).WithBody(bytes.NewReader(content)).BuildRequest(ctx, ocidist.RouteManifestsPut)
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", mediaType)
	request.ContentLength = int64(len(content))
	request.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(content)), nil
	}

	resp, err := r.client.Do(request)
	if err != nil {
		return "", err
	}
	defer xio.CloseAndSkipError(resp.Body)
	if err := xhttp.Success(resp, ocidist.RouteManifestsPut.SuccessCodes...); err != nil {
		return "", err
	}

	wantDigest := digest.FromBytes(content)
	if s := resp.Header.Get("Docker-Content-Digest"); s != "" {
		if gotDigest, err := digest.Parse(s); err == nil && gotDigest != wantDigest {
			return "", errdefs.Newf(errdefs.ErrDigestMismatch, "registry stored manifest as %s, expected %s", gotDigest, wantDigest)
		}
	}
	return wantDigest, nil
}
