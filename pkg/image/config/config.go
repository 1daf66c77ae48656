// Package config parses an OCI image configuration blob and applies the
// recipe's execution-config overrides to it, producing the new config
// blob published alongside the assembled manifest.
package config

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/max-te/kleinladungstraeger/pkg/errdefs"
	"github.com/max-te/kleinladungstraeger/pkg/ocispec"
)

// Overrides carries the recipe's modification.execution_config values.
// A nil slice/map leaves the corresponding base field untouched. An empty
// non-nil Cmd clears it; Env, Volumes and Labels are merged into the base
// values, so an empty one leaves those values in place.
type Overrides struct {
	Cmd        []string
	User       *string
	WorkingDir *string
	StopSignal *string
	Env        []string
	Volumes    map[string]struct{}
	Labels     map[string]string
}

// Parse unmarshals an OCI image config document.
func Parse(content []byte) (imgspecv1.Image, error) {
	var img imgspecv1.Image
	if err := json.Unmarshal(content, &img); err != nil {
		return imgspecv1.Image{}, errdefs.NewE(errdefs.ErrUnsupported, err)
	}
	return img, nil
}

// Patch returns a new config derived from base by applying overrides,
// appending appLayerDiffID to rootfs.diff_ids, and recording one history
// entry. createdAt pins the new created/history timestamp; it comes from
// the recipe's source_date_epoch when the caller wants deterministic
// output, or wall-clock otherwise. base is not mutated.
func Patch(base imgspecv1.Image, overrides Overrides, appLayerDiffID digest.Digest, createdAt time.Time) imgspecv1.Image {
	patched := base

	if overrides.Cmd != nil {
		patched.Config.Cmd = append([]string(nil), overrides.Cmd...)
	}
	if overrides.User != nil {
		patched.Config.User = *overrides.User
	}
	if overrides.WorkingDir != nil {
		patched.Config.WorkingDir = *overrides.WorkingDir
	}
	if overrides.StopSignal != nil {
		patched.Config.StopSignal = *overrides.StopSignal
	}
	if overrides.Env != nil {
		patched.Config.Env = mergeEnv(base.Config.Env, overrides.Env)
	}
	if overrides.Volumes != nil {
		patched.Config.Volumes = unionVolumes(base.Config.Volumes, overrides.Volumes)
	}
	if overrides.Labels != nil {
		patched.Config.Labels = mergeLabels(base.Config.Labels, overrides.Labels)
	}

	patched.RootFS.DiffIDs = append(append([]digest.Digest(nil), base.RootFS.DiffIDs...), appLayerDiffID)

	created := createdAt.UTC()
	patched.Created = &created
	patched.History = append(append([]imgspecv1.History(nil), base.History...), imgspecv1.History{
		Created:   &created,
		CreatedBy: "klt",
	})

	return patched
}

// mergeEnv overwrites entries in base sharing an override's "KEY=" prefix
// in place, preserving base's relative order, then appends the remaining
// override entries in the order given.
func mergeEnv(base, overrides []string) []string {
	keyOf := func(s string) string {
		if i := strings.IndexByte(s, '='); i >= 0 {
			return s[:i]
		}
		return s
	}

	overrideByKey := make(map[string]string, len(overrides))
	var overrideOrder []string
	for _, entry := range overrides {
		key := keyOf(entry)
		if _, seen := overrideByKey[key]; !seen {
			overrideOrder = append(overrideOrder, key)
		}
		overrideByKey[key] = entry
	}

	result := make([]string, 0, len(base)+len(overrides))
	applied := make(map[string]bool, len(overrideByKey))
	for _, entry := range base {
		key := keyOf(entry)
		if replacement, ok := overrideByKey[key]; ok {
			result = append(result, replacement)
			applied[key] = true
			continue
		}
		result = append(result, entry)
	}
	for _, key := range overrideOrder {
		if !applied[key] {
			result = append(result, overrideByKey[key])
		}
	}
	return result
}

func mergeLabels(base, overrides map[string]string) map[string]string {
	if len(base) == 0 && len(overrides) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

func unionVolumes(base, overrides map[string]struct{}) map[string]struct{} {
	if len(base) == 0 && len(overrides) == 0 {
		return nil
	}
	merged := make(map[string]struct{}, len(base)+len(overrides))
	for k := range base {
		merged[k] = struct{}{}
	}
	for k := range overrides {
		merged[k] = struct{}{}
	}
	return merged
}

// Marshal serializes img with sorted keys for a byte-reproducible digest,
// alongside the resulting descriptor.
func Marshal(img imgspecv1.Image) ([]byte, imgspecv1.Descriptor, error) {
	content, err := ocispec.MarshalCanonicalJSON(img)
	if err != nil {
		return nil, imgspecv1.Descriptor{}, err
	}
	return content, ocispec.NewDescriptorFromBytes(ocispec.MediaTypeImageConfig, content), nil
}
