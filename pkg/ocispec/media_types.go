// Package ocispec holds the wire-level vocabulary shared by the registry
// client and the image assembler: media type constants, digest and
// descriptor helpers, and the manifest/config JSON shapes from the OCI
// image and distribution specs.
package ocispec

import (
	"encoding/json"

	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// DefaultMediaType is used for a blob whose media type cannot be inferred.
const DefaultMediaType = "application/octet-stream"

// OCI image-spec media types.
// See https://github.com/opencontainers/image-spec/blob/v1.1.0/media-types.md
const (
	MediaTypeImageIndex    = "application/vnd.oci.image.index.v1+json"
	MediaTypeImageManifest = "application/vnd.oci.image.manifest.v1+json"
	MediaTypeImageConfig   = "application/vnd.oci.image.config.v1+json"
	MediaTypeEmptyJSON     = "application/vnd.oci.empty.v1+json"

	MediaTypeImageLayer     = "application/vnd.oci.image.layer.v1.tar"
	MediaTypeImageLayerGzip = "application/vnd.oci.image.layer.v1.tar+gzip"
	MediaTypeImageLayerZstd = "application/vnd.oci.image.layer.v1.tar+zstd"
)

// Docker v2 schema2 media types, still widely served by registries and
// accepted for consumption even though klt only ever produces OCI.
const (
	MediaTypeDockerV2S2ManifestList   = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerV2S2Manifest       = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerV2S2ImageConfig    = "application/vnd.docker.container.image.v1+json"
	MediaTypeDockerV2S2ImageLayerGzip = "application/vnd.docker.image.rootfs.diff.tar.gzip"
)

// Docker v2 schema1 media types, deprecated but still occasionally served
// by very old registries; recognized so DetectMediaType never misfires
// into the OCI branch on a schema1 document.
const (
	MediaTypeDockerV2S1Manifest       = "application/vnd.docker.distribution.manifest.v1+json"
	MediaTypeDockerV2S1SignedManifest = "application/vnd.docker.distribution.manifest.v1+prettyjws"
)

// AcceptManifestTypes is the Accept header value used when resolving a
// manifest, listing every media type the assembler knows how to read.
var AcceptManifestTypes = []string{
	MediaTypeImageManifest,
	MediaTypeImageIndex,
	MediaTypeDockerV2S2Manifest,
	MediaTypeDockerV2S2ManifestList,
	MediaTypeDockerV2S1Manifest,
	MediaTypeDockerV2S1SignedManifest,
}

// IsManifestList reports whether mt identifies an index/manifest-list
// media type rather than a single image manifest.
func IsManifestList(mt string) bool {
	return mt == MediaTypeImageIndex || mt == MediaTypeDockerV2S2ManifestList
}

// IsSupportedManifest reports whether mt is one of the manifest media
// types the assembler accepts for a base image.
func IsSupportedManifest(mt string) bool {
	switch mt {
	case MediaTypeImageManifest, MediaTypeDockerV2S2Manifest:
		return true
	}
	return false
}

// IsDockerSchema1Manifest reports whether mt is a (signed or unsigned)
// Docker schema1 manifest.
func IsDockerSchema1Manifest(mt string) bool {
	return mt == MediaTypeDockerV2S1Manifest || mt == MediaTypeDockerV2S1SignedManifest
}

// DetectMediaType infers a manifest's media type from its JSON body when
// the server's Content-Type cannot be trusted, e.g. a schema1 document
// served without a mediaType field.
func DetectMediaType(content []byte) string {
	meta := struct {
		MediaType     string `json:"mediaType"`
		SchemaVersion int    `json:"schemaVersion"`
		Signatures    any    `json:"signatures"`
	}{}
	if err := json.Unmarshal(content, &meta); err != nil {
		return ""
	}

	switch meta.MediaType {
	case MediaTypeDockerV2S2Manifest, MediaTypeDockerV2S2ManifestList,
		MediaTypeImageManifest, MediaTypeImageIndex:
		return meta.MediaType
	}

	if meta.SchemaVersion == 1 {
		if meta.Signatures != nil {
			return MediaTypeDockerV2S1SignedManifest
		}
		return MediaTypeDockerV2S1Manifest
	}

	if meta.SchemaVersion == 2 {
		probe := struct {
			Config struct {
				MediaType string `json:"mediaType"`
			} `json:"config"`
			Manifests []imgspecv1.Descriptor `json:"manifests"`
		}{}
		if err := json.Unmarshal(content, &probe); err != nil {
			return ""
		}
		switch probe.Config.MediaType {
		case MediaTypeImageConfig:
			return MediaTypeImageManifest
		case MediaTypeDockerV2S2ImageConfig:
			return MediaTypeDockerV2S2Manifest
		}
		if len(probe.Manifests) != 0 {
			return MediaTypeImageIndex
		}
	}
	return ""
}
