// Package recipe loads and validates the TOML document that drives one
// klt build: the base image to start from, the target to publish to, and
// the local-directory modification to layer on top.
package recipe

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/max-te/kleinladungstraeger/pkg/errdefs"
	"github.com/max-te/kleinladungstraeger/pkg/ocispec"
)

// Recipe is the fully parsed, environment-expanded, validated build
// description.
type Recipe struct {
	Base         BaseRef
	Target       TargetRef
	Modification Modification
}

// BaseRef names the image a build starts from.
type BaseRef struct {
	// Image is "host/repo[:tag|@digest]". When empty, Registry/Repo/Tag
	// are joined to form it.
	Image              string
	Registry, Repo, Tag string
	Auth               *AuthEntry
}

// TargetRef names where a build is published.
type TargetRef struct {
	Registry, Repo string
	Tags           []string
	Auth           *AuthEntry
}

// AuthEntry is a username/secret pair read from a recipe's two-element
// `auth = ["user", "secret-or-$ENV"]` array. Secret has already been
// expanded by the time validation runs.
type AuthEntry struct {
	User   string
	Secret string
}

// Modification describes the one application layer and the execution
// config/annotation overrides applied on top of the base image.
type Modification struct {
	AppLayerFolder  string
	AppLayerPrefix  string
	ExecutionConfig ExecutionConfig
	Annotations     map[string]string
	// SourceDateEpoch, when set, pins the layer's tar mtimes and the new
	// config's created/history timestamps for byte-reproducible builds.
	SourceDateEpoch *time.Time
}

// ExecutionConfig carries the recipe's config.* overrides, applied per
// the merge rules in pkg/image/config.
type ExecutionConfig struct {
	Cmd        []string
	User       string
	hasUser    bool
	WorkingDir string
	hasWorkDir bool
	StopSignal string
	hasStop    bool
	Env        []string
	Volumes    map[string]struct{}
	Labels     map[string]string
}

// rawRecipe mirrors the TOML document's shape before environment
// expansion and conversion into the domain types above.
type rawRecipe struct {
	Base struct {
		Image    string   `toml:"image"`
		Registry string   `toml:"registry"`
		Repo     string   `toml:"repo"`
		Tag      string   `toml:"tag"`
		Auth     []string `toml:"auth"`
	} `toml:"base"`
	Target struct {
		Registry string   `toml:"registry"`
		Repo     string   `toml:"repo"`
		Tags     []string `toml:"tags"`
		Auth     []string `toml:"auth"`
	} `toml:"target"`
	Modification struct {
		AppLayerFolder  string `toml:"app_layer_folder"`
		AppLayerPrefix  string `toml:"app_layer_prefix"`
		SourceDateEpoch *int64 `toml:"source_date_epoch"`
		ExecutionConfig struct {
			Cmd        []string          `toml:"Cmd"`
			User       *string           `toml:"User"`
			WorkingDir *string           `toml:"WorkingDir"`
			StopSignal *string           `toml:"StopSignal"`
			Env        []string          `toml:"Env"`
			Volumes    []string          `toml:"Volumes"`
			Labels     map[string]string `toml:"Labels"`
		} `toml:"execution_config"`
		Annotations map[string]string `toml:"annotations"`
	} `toml:"modification"`
}

// Load reads and parses the recipe at path, expanding $NAME environment
// references and validating the result.
func Load(path string) (Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Recipe{}, errdefs.NewE(errdefs.ErrInvalidParameter, err)
	}
	return Parse(data)
}

// Parse decodes a recipe document from memory, expanding $NAME
// environment references and validating the result.
func Parse(data []byte) (Recipe, error) {
	var raw rawRecipe
	if err := toml.Unmarshal(data, &raw); err != nil {
		return Recipe{}, errdefs.NewE(errdefs.ErrInvalidParameter, err)
	}
	if err := expandEnvRefs(reflect.ValueOf(&raw).Elem()); err != nil {
		return Recipe{}, err
	}

	r := Recipe{
		Base: BaseRef{
			Image:    raw.Base.Image,
			Registry: raw.Base.Registry,
			Repo:     raw.Base.Repo,
			Tag:      raw.Base.Tag,
			Auth:     authEntryFromPair(raw.Base.Auth),
		},
		Target: TargetRef{
			Registry: raw.Target.Registry,
			Repo:     raw.Target.Repo,
			Tags:     raw.Target.Tags,
			Auth:     authEntryFromPair(raw.Target.Auth),
		},
		Modification: Modification{
			AppLayerFolder: raw.Modification.AppLayerFolder,
			AppLayerPrefix: raw.Modification.AppLayerPrefix,
			Annotations:    raw.Modification.Annotations,
			ExecutionConfig: ExecutionConfig{
				Cmd:     raw.Modification.ExecutionConfig.Cmd,
				Env:     raw.Modification.ExecutionConfig.Env,
				Labels:  raw.Modification.ExecutionConfig.Labels,
				Volumes: volumeSet(raw.Modification.ExecutionConfig.Volumes),
			},
		},
	}
	if u := raw.Modification.ExecutionConfig.User; u != nil {
		r.Modification.ExecutionConfig.User = *u
		r.Modification.ExecutionConfig.hasUser = true
	}
	if w := raw.Modification.ExecutionConfig.WorkingDir; w != nil {
		r.Modification.ExecutionConfig.WorkingDir = *w
		r.Modification.ExecutionConfig.hasWorkDir = true
	}
	if s := raw.Modification.ExecutionConfig.StopSignal; s != nil {
		r.Modification.ExecutionConfig.StopSignal = *s
		r.Modification.ExecutionConfig.hasStop = true
	}
	if raw.Modification.SourceDateEpoch != nil {
		t := time.Unix(*raw.Modification.SourceDateEpoch, 0).UTC()
		r.Modification.SourceDateEpoch = &t
	}

	if err := r.Validate(); err != nil {
		return Recipe{}, err
	}
	return r, nil
}

// HasUser, HasWorkingDir and HasStopSignal report whether the recipe set
// the corresponding scalar override, distinguishing "not set" from "set
// to the empty string" the way pkg/image/config's Overrides needs to.
func (e ExecutionConfig) HasUser() bool       { return e.hasUser }
func (e ExecutionConfig) HasWorkingDir() bool { return e.hasWorkDir }
func (e ExecutionConfig) HasStopSignal() bool { return e.hasStop }

func authEntryFromPair(pair []string) *AuthEntry {
	if len(pair) == 0 {
		return nil
	}
	entry := &AuthEntry{User: pair[0]}
	if len(pair) > 1 {
		entry.Secret = pair[1]
	}
	return entry
}

func volumeSet(names []string) map[string]struct{} {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

// Validate checks the recipe's required fields and reference shapes,
// before any network I/O is attempted.
func (r Recipe) Validate() error {
	if r.Base.Image == "" && r.Base.Registry == "" && r.Base.Repo == "" {
		return errdefs.Newf(errdefs.ErrInvalidParameter, "base: one of image or registry+repo is required")
	}
	if r.Target.Registry == "" || r.Target.Repo == "" {
		return errdefs.Newf(errdefs.ErrInvalidParameter, "target: registry and repo are required")
	}
	if len(r.Target.Tags) == 0 {
		return errdefs.Newf(errdefs.ErrInvalidParameter, "target: at least one tag is required")
	}
	if r.Modification.AppLayerFolder == "" {
		return errdefs.Newf(errdefs.ErrInvalidParameter, "modification: app_layer_folder is required")
	}
	if _, err := ocispec.ParseReference(r.Base.Reference()); err != nil {
		return fmt.Errorf("base: %w", err)
	}
	for _, tag := range r.Target.Tags {
		if _, err := ocispec.ParseReference(r.Target.Registry + "/" + r.Target.Repo + ":" + tag); err != nil {
			return fmt.Errorf("target: %w", err)
		}
	}
	return nil
}

// Reference returns the base image reference, joining Registry/Repo/Tag
// when Image wasn't given directly.
func (b BaseRef) Reference() string {
	if b.Image != "" {
		return b.Image
	}
	ref := b.Registry + "/" + b.Repo
	if b.Tag != "" {
		ref += ":" + b.Tag
	}
	return ref
}

// expandEnvRefs walks every string reachable from v, replacing any value
// that is exactly "$NAME" with the named environment variable's value.
// An unset variable is fatal, matching the recipe file's documented
// contract. Only whole-string "$NAME" tokens are recognized: embedded
// substitution ("a-$NAME-b") is deliberately not supported, so this isn't
// delegated to a general-purpose env-template library.
func expandEnvRefs(v reflect.Value) error {
	switch v.Kind() {
	case reflect.String:
		if !v.CanSet() {
			return nil
		}
		expanded, err := expandDollar(v.String())
		if err != nil {
			return err
		}
		v.SetString(expanded)
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := expandEnvRefs(v.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Map:
		for _, key := range v.MapKeys() {
			val := v.MapIndex(key)
			if val.Kind() != reflect.String {
				continue
			}
			expanded, err := expandDollar(val.String())
			if err != nil {
				return err
			}
			v.SetMapIndex(key, reflect.ValueOf(expanded))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if err := expandEnvRefs(v.Field(i)); err != nil {
				return err
			}
		}
	case reflect.Ptr:
		if !v.IsNil() {
			return expandEnvRefs(v.Elem())
		}
	}
	return nil
}

func expandDollar(s string) (string, error) {
	if !strings.HasPrefix(s, "$") || len(s) == 1 {
		return s, nil
	}
	name := s[1:]
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", errdefs.Newf(errdefs.ErrInvalidParameter, "recipe references undefined environment variable %q", name)
	}
	return value, nil
}
