// Package assembler orchestrates one build: resolve the base image, copy
// its layers to the target (mounting where possible), stream the new
// application layer, patch the config, and publish the manifest under
// every requested tag.
package assembler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/sync/errgroup"

	"github.com/max-te/kleinladungstraeger/pkg/errdefs"
	"github.com/max-te/kleinladungstraeger/pkg/image/config"
	"github.com/max-te/kleinladungstraeger/pkg/image/layer"
	"github.com/max-te/kleinladungstraeger/pkg/ocidist"
	"github.com/max-te/kleinladungstraeger/pkg/ocispec"
	"github.com/max-te/kleinladungstraeger/pkg/recipe"
	"github.com/max-te/kleinladungstraeger/pkg/xlog"
)

// DefaultParallelism bounds concurrent base-layer copy operations.
const DefaultParallelism = 4

// Options configures one BuildAndPublish call beyond what the recipe
// itself carries.
type Options struct {
	// Parallelism bounds concurrent base-layer uploads while the application
	// layer uploads alongside them; at most Parallelism+1 uploads run at
	// once. DefaultParallelism is used when zero.
	Parallelism int
}

// BuildAndPublish resolves the base image named by r.Base, layers the
// application folder named by r.Modification on top of it, and publishes
// the result to every tag in r.Target.Tags. base and target are registry
// clients already bound to their respective (registry, repo) pairs;
// baseRepo is the base's repository name, offered as the "from" repo for
// cross-repository mount attempts against target. It returns the digest
// shared by every published tag.
func BuildAndPublish(ctx context.Context, r recipe.Recipe, base, target ocidist.Spec, baseRepo string, opts Options) (digest.Digest, error) {
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	log := xlog.FromContext(ctx)

	baseSelector, err := baseSelectorFrom(r.Base)
	if err != nil {
		return "", err
	}

	log.Infof("resolving base manifest %s", baseSelector)
	baseManifest, err := resolveBaseManifest(ctx, base, baseSelector)
	if err != nil {
		return "", err
	}

	log.Infof("fetching base config %s", baseManifest.Config.Digest)
	baseConfig, err := fetchBaseConfig(ctx, base, baseManifest.Config)
	if err != nil {
		return "", err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism + 1)

	var appLayerDesc imgspecv1.Descriptor
	var appDiffID digest.Digest
	g.Go(func() error {
		desc, diffID, err := uploadAppLayer(gctx, target, r)
		if err != nil {
			return err
		}
		appLayerDesc, appDiffID = desc, diffID
		return nil
	})

	for _, desc := range baseManifest.Layers {
		g.Go(func() error {
			return copyLayerIfNeeded(gctx, base, target, baseRepo, desc)
		})
	}

	if err := g.Wait(); err != nil {
		return "", err
	}

	createdAt := time.Now()
	if r.Modification.SourceDateEpoch != nil {
		createdAt = *r.Modification.SourceDateEpoch
	}
	patchedConfig := config.Patch(baseConfig, overridesFrom(r.Modification.ExecutionConfig), appDiffID, createdAt)
	configBytes, configDesc, err := config.Marshal(patchedConfig)
	if err != nil {
		return "", errdefs.NewE(errdefs.ErrLayerBuild, err)
	}

	log.Infof("uploading image config %s", configDesc.Digest)
	if err := pushBlob(ctx, target, configDesc.Digest, configDesc.Size, bytes.NewReader(configBytes)); err != nil {
		return "", err
	}

	newManifest := imgspecv1.Manifest{
		Versioned:   specs.Versioned{SchemaVersion: 2},
		MediaType:   ocispec.MediaTypeImageManifest,
		Config:      configDesc,
		Layers:      append(append([]imgspecv1.Descriptor(nil), baseManifest.Layers...), appLayerDesc),
		Annotations: r.Modification.Annotations,
	}
	manifestBytes, err := ocispec.MarshalCanonicalJSON(newManifest)
	if err != nil {
		return "", errdefs.NewE(errdefs.ErrLayerBuild, err)
	}

	var published digest.Digest
	for i, tag := range r.Target.Tags {
		log.Infof("publishing manifest as %s", tag)
		gotDigest, err := target.PutManifest(ctx, tag, manifestBytes, ocispec.MediaTypeImageManifest)
		if err != nil {
			return "", err
		}
		if i == 0 {
			published = gotDigest
			continue
		}
		if gotDigest != published {
			return "", errdefs.Newf(errdefs.ErrConflict,
				"tag %q published as %s, expected %s (first tag %q)", tag, gotDigest, published, r.Target.Tags[0])
		}
	}
	return published, nil
}

func baseSelectorFrom(b recipe.BaseRef) (string, error) {
	ref, err := ocispec.ParseReference(b.Reference())
	if err != nil {
		return "", err
	}
	return ref.Selector(), nil
}

// resolveBaseManifest fetches the base manifest, following one level of
// index indirection to the platform-matching entry when the base
// reference names a multi-platform index.
func resolveBaseManifest(ctx context.Context, base ocidist.Spec, selector string) (imgspecv1.Manifest, error) {
	content, mediaType, _, err := base.ResolveManifest(ctx, selector)
	if err != nil {
		return imgspecv1.Manifest{}, err
	}

	if ocispec.IsManifestList(mediaType) {
		idx, err := ocispec.ParseIndex(content, mediaType)
		if err != nil {
			return imgspecv1.Manifest{}, err
		}
		platformDesc, err := ocispec.SelectPlatform(idx, ocispec.DefaultPlatform)
		if err != nil {
			return imgspecv1.Manifest{}, err
		}
		content, mediaType, _, err = base.ResolveManifest(ctx, platformDesc.Digest.String())
		if err != nil {
			return imgspecv1.Manifest{}, err
		}
	}

	return ocispec.ParseManifest(content, mediaType)
}

func fetchBaseConfig(ctx context.Context, base ocidist.Spec, desc imgspecv1.Descriptor) (imgspecv1.Image, error) {
	rc, err := base.FetchBlob(ctx, desc.Digest)
	if err != nil {
		return imgspecv1.Image{}, err
	}
	defer rc.Close()

	content, err := io.ReadAll(rc)
	if err != nil {
		return imgspecv1.Image{}, errdefs.NewE(errdefs.ErrUnavailable, fmt.Errorf("read base config: %w", err))
	}
	return config.Parse(content)
}

// copyLayerIfNeeded ensures desc is present on target: a no-op if it's
// already there, a cross-repository mount from baseRepo if the registry
// supports it, or a full fetch-then-upload otherwise.
func copyLayerIfNeeded(ctx context.Context, base, target ocidist.Spec, baseRepo string, desc imgspecv1.Descriptor) error {
	exists, err := target.BlobExists(ctx, desc.Digest)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	mounted, err := target.MountBlob(ctx, desc.Digest, baseRepo)
	if err != nil {
		return err
	}
	if mounted {
		return nil
	}

	rc, err := base.FetchBlob(ctx, desc.Digest)
	if err != nil {
		return err
	}
	defer rc.Close()

	return pushBlob(ctx, target, desc.Digest, desc.Size, rc)
}

func pushBlob(ctx context.Context, target ocidist.Spec, dgst digest.Digest, size int64, r io.Reader) error {
	w, err := target.PushBlobChunked(ctx, 0)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Cancel(ctx)
		return errdefs.NewE(errdefs.ErrUnavailable, fmt.Errorf("upload %s: %w", dgst, err))
	}
	if _, err := w.Commit(ctx, dgst); err != nil {
		_ = w.Cancel(ctx)
		return err
	}
	return nil
}

// uploadAppLayer streams the recipe's application folder into target as a
// new blob, returning its manifest descriptor and uncompressed diff_id.
func uploadAppLayer(ctx context.Context, target ocidist.Spec, r recipe.Recipe) (imgspecv1.Descriptor, digest.Digest, error) {
	modTime := time.Unix(0, 0).UTC()
	if r.Modification.SourceDateEpoch != nil {
		modTime = *r.Modification.SourceDateEpoch
	}

	stream, err := layer.Build(ctx, r.Modification.AppLayerFolder, r.Modification.AppLayerPrefix, layer.Options{ModTime: modTime})
	if err != nil {
		return imgspecv1.Descriptor{}, "", err
	}

	w, err := target.PushBlobChunked(ctx, 0)
	if err != nil {
		_ = stream.Close()
		return imgspecv1.Descriptor{}, "", err
	}

	if _, err := io.Copy(w, stream); err != nil {
		_ = w.Cancel(ctx)
		_ = stream.Close()
		return imgspecv1.Descriptor{}, "", errdefs.NewE(errdefs.ErrLayerBuild, err)
	}

	result, err := stream.Wait()
	if err != nil {
		_ = w.Cancel(ctx)
		return imgspecv1.Descriptor{}, "", err
	}

	desc, err := w.Commit(ctx, result.CompressedDigest)
	if err != nil {
		return imgspecv1.Descriptor{}, "", err
	}
	desc.MediaType = ocispec.MediaTypeImageLayerGzip
	desc.Size = result.CompressedSize

	return desc, result.UncompressedDigest, nil
}

func overridesFrom(ec recipe.ExecutionConfig) config.Overrides {
	overrides := config.Overrides{
		Cmd:     ec.Cmd,
		Env:     ec.Env,
		Volumes: ec.Volumes,
		Labels:  ec.Labels,
	}
	if ec.HasUser() {
		user := ec.User
		overrides.User = &user
	}
	if ec.HasWorkingDir() {
		workDir := ec.WorkingDir
		overrides.WorkingDir = &workDir
	}
	if ec.HasStopSignal() {
		stopSignal := ec.StopSignal
		overrides.StopSignal = &stopSignal
	}
	return overrides
}
