package ocispec

import (
	"io"

	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Digest is a content hash in canonical "algo:hex" form. klt only ever
// produces sha256 digests but must round-trip others found in fetched
// manifests verbatim.
type Digest = digest.Digest

// Digester incrementally hashes bytes, exposing the canonical Digest once
// writing is done. go-digest's sha256 implementation is used directly
// rather than re-wrapping crypto/sha256, since every other digest-shaped
// value in this codebase is already a digest.Digest.
type Digester = digest.Digester

// NewDigester returns a streaming SHA-256 digester.
func NewDigester() digest.Digester {
	return digest.SHA256.Digester()
}

// FromBytes returns the SHA-256 digest of content.
func FromBytes(content []byte) digest.Digest {
	return digest.FromBytes(content)
}

// FromReader consumes r fully and returns its SHA-256 digest.
func FromReader(r io.Reader) (digest.Digest, error) {
	return digest.SHA256.FromReader(r)
}

// NewDescriptorFromBytes builds a Descriptor for an in-memory blob,
// defaulting to DefaultMediaType when mediaType is empty.
func NewDescriptorFromBytes(mediaType string, content []byte) imgspecv1.Descriptor {
	if mediaType == "" {
		mediaType = DefaultMediaType
	}
	return imgspecv1.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(content),
		Size:      int64(len(content)),
	}
}

// ValidateDescriptor checks that a descriptor's digest is well-formed.
// Size is validated against the actual blob length by the caller as bytes
// stream through (cas.NewReader), since a Descriptor alone can't prove it.
func ValidateDescriptor(d imgspecv1.Descriptor) error {
	return d.Digest.Validate()
}
