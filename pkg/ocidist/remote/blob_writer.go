package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	stdurl "net/url"
	"strings"
	"sync"

	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/spf13/cast"

	"github.com/max-te/kleinladungstraeger/pkg/ocidist"
	"github.com/max-te/kleinladungstraeger/pkg/ocispec"
	"github.com/max-te/kleinladungstraeger/pkg/ocispec/authn"
	"github.com/max-te/kleinladungstraeger/pkg/xhttp"
	"github.com/max-te/kleinladungstraeger/pkg/xio"
	"github.com/max-te/kleinladungstraeger/pkg/xlog"
)

var _ ocidist.BlobWriteCloser = (*blobWriter)(nil)

type blobWriter struct {
	client    xhttp.Client
	chunkSize int64
	location  *stdurl.URL

	mu       sync.Mutex
	closed   bool
	chunk    []byte
	closeErr error

	// size is the number of bytes handed to Write so far.
	size int64
	// flushed is the number of bytes the server has acknowledged.
	flushed int64
}

// Write buffers p and flushes a chunk to the server once the buffer grows
// past chunkSize. Using > rather than >= means writing exactly chunkSize
// bytes does not itself trigger a flush, so a stream whose total size is a
// multiple of chunkSize still ends in one PUT-with-digest on Commit rather
// than a PATCH followed by an empty-bodied PUT.
func (w *blobWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if int64(len(w.chunk)+len(p)) > w.chunkSize {
		if err := w.flush(context.Background(), p, ""); err != nil {
			return 0, err
		}
	} else {
		if w.chunk == nil {
			w.chunk = make([]byte, 0, w.chunkSize)
		}
		w.chunk = append(w.chunk, p...)
	}
	w.size += int64(len(p))
	return len(p), nil
}

// Close flushes any buffered bytes without committing the upload, leaving
// the session open for a later PushBlobChunkedResume.
func (w *blobWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return w.closeErr
	}
	err := w.flush(context.Background(), nil, "")
	w.closed = true
	w.closeErr = err
	return err
}

func (w *blobWriter) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// ID returns the upload session id parsed out of the upload URL's path.
// Only meaningful before the first Write or after Close, matching the
// upload-location semantics of the distribution spec (the server may
// rewrite the path on every chunk response).
func (w *blobWriter) ID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	idx := strings.LastIndex(w.location.Path, "/")
	if idx == -1 {
		return ""
	}
	return w.location.Path[idx+1:]
}

// Commit flushes any remaining buffered bytes as the final PUT, naming
// dgst so the registry can verify and store the blob under it.
func (w *blobWriter) Commit(ctx context.Context, dgst digest.Digest) (imgspecv1.Descriptor, error) {
	var zero imgspecv1.Descriptor
	if dgst == "" {
		return zero, errors.New("cannot commit blob upload with an empty digest")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flush(ctx, nil, dgst); err != nil {
		return zero, fmt.Errorf("flush before commit: %w", err)
	}
	return imgspecv1.Descriptor{
		MediaType: ocispec.DefaultMediaType,
		Digest:    dgst,
		Size:      w.size,
	}, nil
}

// Cancel best-effort deletes the upload session. Safe to call repeatedly,
// including after Commit, so callers can unconditionally defer it.
func (w *blobWriter) Cancel(ctx context.Context) error {
	if err := w.deleteSession(ctx); err != nil {
		xlog.FromContext(ctx).Debugf("blob upload cancel: %s", err)
	}
	return nil
}

func (w *blobWriter) deleteSession(ctx context.Context) error {
	ctx = authn.AppendScopes(ctx, "delete")
	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, w.location.String(), http.NoBody)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(request)
	if err != nil {
		return err
	}
	defer xio.CloseAndSkipError(resp.Body)
	return xhttp.Success(resp, http.StatusAccepted, http.StatusNoContent)
}

func (w *blobWriter) flush(ctx context.Context, buf []byte, commitDigest digest.Digest) error {
	if commitDigest == "" && len(buf)+len(w.chunk) == 0 {
		return nil
	}

	method := http.MethodPatch
	expectCode := http.StatusAccepted
	url := *w.location
	if commitDigest != "" {
		method = http.MethodPut
		expectCode = http.StatusCreated
		query := url.Query()
		query.Set("digest", commitDigest.String())
		url.RawQuery = query.Encode()
	}

	request, err := http.NewRequestWithContext(ctx, method, url.String(), concatBody(w.chunk, buf))
	if err != nil {
		return err
	}
	request.ContentLength = int64(len(w.chunk) + len(buf))
	request.Header.Set("Content-Range", xhttp.RangeString(w.flushed, w.flushed+request.ContentLength))
	request.Header.Set("Content-Type", "application/octet-stream")

	resp, err := w.client.Do(request)
	if err != nil {
		return err
	}
	defer xio.CloseAndSkipError(resp.Body)
	if err := xhttp.Success(resp, expectCode); err != nil {
		return err
	}

	if commitDigest == "" {
		location, err := resp.Location()
		if err != nil {
			return xhttp.MakeResponseError(resp, fmt.Errorf("bad Location header: %w", err))
		}
		w.location = location
	}
	w.flushed += request.ContentLength
	w.chunk = w.chunk[:0]
	return nil
}

// discoverOffset GETs the upload URL to learn how many bytes the server
// has actually persisted, per the distribution spec's resumable-upload
// status check. Used when PushBlobChunkedResume is asked to resume
// without a caller-supplied offset (offset == -1), e.g. after a process
// restart where only the session id survived.
func discoverOffset(ctx context.Context, client xhttp.Client, location *stdurl.URL) (int64, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, location.String(), http.NoBody)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(request)
	if err != nil {
		return 0, err
	}
	defer xio.CloseAndSkipError(resp.Body)
	if err := xhttp.Success(resp, http.StatusNoContent); err != nil {
		return 0, err
	}
	rangeHeader := resp.Header.Get("Range")
	if rangeHeader == "" {
		return 0, nil
	}
	_, end, ok := xhttp.ParseRange(rangeHeader)
	if !ok {
		return 0, xhttp.MakeResponseError(resp, fmt.Errorf("invalid Range header: %q", rangeHeader))
	}
	return end, nil
}

// chunkSizeFromResponse raises chunkSize to the registry's
// OCI-Chunk-Min-Length when the server demands a larger minimum.
func chunkSizeFromResponse(resp *http.Response, chunkSize int64) int64 {
	minChunkSize, err := cast.ToInt64E(resp.Header.Get("OCI-Chunk-Min-Length"))
	if err == nil && minChunkSize > chunkSize {
		return minChunkSize
	}
	return chunkSize
}

func concatBody(b1, b2 []byte) io.Reader {
	if len(b1)+len(b2) == 0 {
		return nil
	}
	if len(b1) == 0 {
		return bytes.NewReader(b2)
	}
	if len(b2) == 0 {
		return bytes.NewReader(b1)
	}
	return io.MultiReader(bytes.NewReader(b1), bytes.NewReader(b2))
}
