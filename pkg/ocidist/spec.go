package ocidist

import (
	"context"
	"io"

	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/max-te/kleinladungstraeger/pkg/ocispec/cas"
)

// DefaultChunkSize is used for a chunked blob upload when neither the
// caller nor the server's OCI-Chunk-Min-Length response header demands a
// larger one.
const DefaultChunkSize = 8 * 1024 * 1024 // 8 MiB

// Spec is the registry client contract for one (registry, repository) pair
// with an already-attached credential: resolve/fetch/mount/push against a
// single distribution endpoint.
type Spec interface {
	// ResolveManifest fetches the manifest or index named by selector (a
	// tag or digest), returning its raw bytes so the caller can rehash and
	// republish them bit-identically, plus the media type and digest the
	// registry reported.
	ResolveManifest(ctx context.Context, selector string) (raw []byte, mediaType string, dgst digest.Digest, err error)

	// StatBlob HEADs the blob, returning its descriptor without fetching
	// content.
	StatBlob(ctx context.Context, dgst digest.Digest) (imgspecv1.Descriptor, error)

	// BlobExists reports whether dgst is already present in the
	// repository.
	BlobExists(ctx context.Context, dgst digest.Digest) (bool, error)

	// FetchBlob streams the blob's content, verified against dgst as it is
	// read.
	FetchBlob(ctx context.Context, dgst digest.Digest) (cas.ReadCloser, error)

	// MountBlob attempts a cross-repository mount of a blob already
	// present in fromRepo. mounted=true means the blob is now available in
	// this repository with no upload required; mounted=false (err=nil)
	// means the registry declined the mount and the caller must upload
	// normally.
	MountBlob(ctx context.Context, dgst digest.Digest, fromRepo string) (mounted bool, err error)

	// PushBlobChunked starts a fresh chunked upload session. chunkSize is a
	// hint; the returned writer may use a larger size if the registry
	// demands one.
	PushBlobChunked(ctx context.Context, chunkSize int64) (BlobWriteCloser, error)

	// PushBlobChunkedResume resumes an upload session previously started by
	// PushBlobChunked, continuing from offset bytes already flushed. An
	// offset of -1 asks the writer to discover the offset itself via a GET
	// on the upload URL before the next write.
	PushBlobChunkedResume(ctx context.Context, chunkSize int64, id string, offset int64) (BlobWriteCloser, error)

	// PutManifest publishes content under selector (a tag), returning the
	// digest the registry assigned, which must equal the SHA-256 of
	// content.
	PutManifest(ctx context.Context, selector string, content []byte, mediaType string) (digest.Digest, error)
}

// BlobWriteCloser streams a blob upload in one or more chunks and commits it
// against an expected digest on completion.
type BlobWriteCloser interface {
	io.Writer
	io.Closer

	// Size returns the number of bytes written so far from the caller's
	// perspective (including any not-yet-flushed chunk buffer).
	Size() int64

	// ID returns the opaque upload session identifier, valid for passing to
	// PushBlobChunkedResume. Only meaningful before the first Write or
	// after Close.
	ID() string

	// Commit finalizes the upload, verifying the accumulated bytes hash to
	// dgst, and returns the resulting descriptor.
	Commit(ctx context.Context, dgst digest.Digest) (imgspecv1.Descriptor, error)

	// Cancel abandons the upload session. Safe to call after Commit as a
	// no-op; intended for use in a defer.
	Cancel(ctx context.Context) error
}
