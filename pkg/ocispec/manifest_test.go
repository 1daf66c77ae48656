package ocispec_test

import (
	"testing"

	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/max-te/kleinladungstraeger/pkg/errdefs"
	"github.com/max-te/kleinladungstraeger/pkg/ocispec"
)

func TestSelectPlatform_MatchesRequestedArchitecture(t *testing.T) {
	amd64 := ocispec.Descriptor{
		Digest:   "sha256:amd64",
		Platform: &imgspecv1.Platform{OS: "linux", Architecture: "amd64"},
	}
	arm64 := ocispec.Descriptor{
		Digest:   "sha256:arm64",
		Platform: &imgspecv1.Platform{OS: "linux", Architecture: "arm64"},
	}
	idx := ocispec.Index{Manifests: []ocispec.Descriptor{arm64, amd64}}

	got, err := ocispec.SelectPlatform(idx, ocispec.Platform{OS: "linux", Architecture: "amd64"})
	require.NoError(t, err)
	assert.Equal(t, amd64.Digest, got.Digest)
}

func TestSelectPlatform_DistinguishesVariant(t *testing.T) {
	armV6 := ocispec.Descriptor{
		Digest:   "sha256:armv6",
		Platform: &imgspecv1.Platform{OS: "linux", Architecture: "arm", Variant: "v6"},
	}
	armV7 := ocispec.Descriptor{
		Digest:   "sha256:armv7",
		Platform: &imgspecv1.Platform{OS: "linux", Architecture: "arm", Variant: "v7"},
	}
	idx := ocispec.Index{Manifests: []ocispec.Descriptor{armV6, armV7}}

	got, err := ocispec.SelectPlatform(idx, ocispec.Platform{OS: "linux", Architecture: "arm", Variant: "v7"})
	require.NoError(t, err)
	assert.Equal(t, armV7.Digest, got.Digest)
}

func TestSelectPlatform_NoMatchListsAvailablePlatforms(t *testing.T) {
	idx := ocispec.Index{Manifests: []ocispec.Descriptor{
		{Digest: "sha256:amd64", Platform: &imgspecv1.Platform{OS: "linux", Architecture: "amd64"}},
		{Digest: "sha256:arm64", Platform: &imgspecv1.Platform{OS: "linux", Architecture: "arm64"}},
		{Digest: "sha256:attestation"}, // no platform: an attestation/signature manifest, must be skipped
	}}

	_, err := ocispec.SelectPlatform(idx, ocispec.Platform{OS: "windows", Architecture: "amd64"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrPlatformNotFound)
	assert.Contains(t, err.Error(), "linux/amd64")
	assert.Contains(t, err.Error(), "linux/arm64")
}
