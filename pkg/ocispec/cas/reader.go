package cas

import (
	"bytes"
	"io"

	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/max-te/kleinladungstraeger/pkg/errdefs"
	"github.com/max-te/kleinladungstraeger/pkg/ocispec"
)

// NewReader wraps r so its bytes are verified against desc as they are
// read, erroring at EOF (or as soon as more bytes than desc.Size have been
// seen) on a mismatch.
func NewReader(r io.Reader, desc imgspecv1.Descriptor) Reader {
	return NewReadCloser(io.NopCloser(r), desc)
}

// NewReaderFromBytes wraps an in-memory blob as a verified Reader,
// computing its own descriptor from the content.
func NewReaderFromBytes(mediaType string, content []byte) Reader {
	desc := ocispec.NewDescriptorFromBytes(mediaType, content)
	return NewReader(bytes.NewReader(content), desc)
}

// NewReadCloser wraps rc so its bytes are verified against desc as they
// are read.
func NewReadCloser(rc io.ReadCloser, desc imgspecv1.Descriptor) ReadCloser {
	digester := desc.Digest.Algorithm().Digester()
	return &verifyReader{
		ReadCloser: rc,
		desc:       desc,
		digester:   digester,
		tee:        io.TeeReader(rc, digester.Hash()),
	}
}

type verifyReader struct {
	io.ReadCloser
	desc     imgspecv1.Descriptor
	digester digest.Digester
	tee      io.Reader
	n        int64
}

func (vr *verifyReader) Descriptor() imgspecv1.Descriptor {
	return vr.desc
}

func (vr *verifyReader) Read(p []byte) (int, error) {
	n, err := vr.tee.Read(p)
	vr.n += int64(n)
	if err == nil {
		if vr.n > vr.desc.Size {
			return n, errdefs.Newf(errdefs.ErrDigestMismatch,
				"blob exceeds expected size %d for %s", vr.desc.Size, vr.desc.Digest)
		}
		return n, nil
	}
	if err != io.EOF {
		return n, err
	}
	if vr.n != vr.desc.Size {
		return n, errdefs.Newf(errdefs.ErrDigestMismatch,
			"size mismatch for %s: got %d bytes, want %d", vr.desc.Digest, vr.n, vr.desc.Size)
	}
	if got := vr.digester.Digest(); got != vr.desc.Digest {
		return n, errdefs.Newf(errdefs.ErrDigestMismatch,
			"digest mismatch: computed %s, expected %s (%d bytes)", got, vr.desc.Digest, vr.n)
	}
	return n, err
}
