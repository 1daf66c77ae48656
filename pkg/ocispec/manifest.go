package ocispec

import (
	"bytes"
	"encoding/json"
	"runtime"

	"github.com/containerd/platforms"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/max-te/kleinladungstraeger/pkg/errdefs"
)

// Manifest is the parsed OCI/Docker image manifest: a config descriptor
// plus an ordered layer list.
type Manifest = imgspecv1.Manifest

// Index is the parsed OCI/Docker manifest list: a set of per-platform
// manifest descriptors.
type Index = imgspecv1.Index

// Descriptor is the {mediaType, digest, size, annotations?} triple
// referring to a blob.
type Descriptor = imgspecv1.Descriptor

// Platform identifies the target OS/architecture of a manifest entry
// within an index.
type Platform = imgspecv1.Platform

// DefaultPlatform is the platform selected from a multi-platform base
// index: linux/amd64, regardless of the host building the image, since klt
// never executes anything from the base image locally. The recipe has no
// field for choosing another platform.
var DefaultPlatform = Platform{OS: "linux", Architecture: "amd64"}

// HostPlatform returns the platform of the machine running klt. Base index
// selection does not use it; it always selects DefaultPlatform.
func HostPlatform() Platform {
	return Platform{OS: runtime.GOOS, Architecture: runtime.GOARCH}
}

// MarshalCanonicalJSON serializes v with sorted object keys at every level
// (struct fields included, by re-encoding through a generic map value) and
// no trailing newline, so two processes building the same logical document
// produce byte-identical output and therefore the same digest.
func MarshalCanonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(buf.Bytes()))
	dec.UseNumber() // keep numeric literals exactly as first encoded
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	buf.Reset()
	if err := enc.Encode(generic); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// SelectPlatform returns the descriptor of the index entry matching want,
// or a PlatformNotFound-classed error listing what was available.
func SelectPlatform(idx Index, want Platform) (Descriptor, error) {
	matcher := platforms.OnlyStrict(want)
	var available []string
	for _, m := range idx.Manifests {
		if m.Platform == nil {
			continue
		}
		if matcher.Match(*m.Platform) {
			return m, nil
		}
		available = append(available, platforms.Format(*m.Platform))
	}
	return Descriptor{}, errdefs.Newf(errdefs.ErrPlatformNotFound,
		"no manifest for platform %s in index, available: %v", platforms.Format(want), available)
}

// ParseManifest unmarshals a manifest document, returning an
// UnsupportedMediaType-classed error when mediaType is not a supported
// image manifest type or the JSON does not decode. The document's
// schemaVersion is not checked.
func ParseManifest(content []byte, mediaType string) (Manifest, error) {
	if !IsSupportedManifest(mediaType) {
		return Manifest{}, errdefs.Newf(errdefs.ErrUnsupported, "unsupported manifest media type %q", mediaType)
	}
	var m Manifest
	if err := json.Unmarshal(content, &m); err != nil {
		return Manifest{}, errdefs.NewE(errdefs.ErrUnsupported, err)
	}
	return m, nil
}

// ParseIndex unmarshals an index/manifest-list document.
func ParseIndex(content []byte, mediaType string) (Index, error) {
	if !IsManifestList(mediaType) {
		return Index{}, errdefs.Newf(errdefs.ErrUnsupported, "unsupported index media type %q", mediaType)
	}
	var idx Index
	if err := json.Unmarshal(content, &idx); err != nil {
		return Index{}, errdefs.NewE(errdefs.ErrUnsupported, err)
	}
	return idx, nil
}
