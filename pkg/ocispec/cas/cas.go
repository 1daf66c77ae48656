// Package cas wraps a blob stream with digest and size verification: bytes
// are handed to the caller as they arrive, and a read fails as soon as the
// stream exceeds its descriptor's size, or at EOF when the size or digest
// does not match.
package cas

import (
	"context"
	"io"

	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Describable is a resource that can report its own descriptor.
type Describable interface {
	Descriptor() imgspecv1.Descriptor
}

// Reader is an io.Reader that knows the descriptor of what it yields.
type Reader interface {
	Describable
	io.Reader
}

// ReadCloser is a Reader that must be closed once fully read.
type ReadCloser interface {
	Reader
	io.Closer
}

// Storage is the subset of registry operations that deal in
// content-addressed blobs, independent of any particular transport.
type Storage interface {
	Exists(ctx context.Context, target imgspecv1.Descriptor) (bool, error)
	Fetch(ctx context.Context, target imgspecv1.Descriptor) (ReadCloser, error)
	Push(ctx context.Context, content Reader) error
}
