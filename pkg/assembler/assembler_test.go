package assembler_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/max-te/kleinladungstraeger/pkg/assembler"
	"github.com/max-te/kleinladungstraeger/pkg/ocidist/remote"
	"github.com/max-te/kleinladungstraeger/pkg/ocispec"
	"github.com/max-te/kleinladungstraeger/pkg/recipe"
)

// storedManifest keeps the media type alongside the raw bytes so an index
// document is served with Content-Type: image.index, not image.manifest.
type storedManifest struct {
	content   []byte
	mediaType string
}

// mockRegistry is a minimal in-memory OCI distribution endpoint covering
// exactly the operations BuildAndPublish drives: manifest/blob fetch on the
// base side, and mount/upload/manifest-publish on the target side. Blobs are
// scoped per repository, as a real registry scopes them, so a cross-repo
// mount is the only way a blob known to one repo becomes visible in another.
type mockRegistry struct {
	mu        sync.Mutex
	blobs     map[string]map[digest.Digest][]byte
	manifests map[string]map[string]storedManifest
	uploads   map[string]*bytes.Buffer
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{
		blobs:     map[string]map[digest.Digest][]byte{},
		manifests: map[string]map[string]storedManifest{},
		uploads:   map[string]*bytes.Buffer{},
	}
}

func (m *mockRegistry) putBlob(repo string, dgst digest.Digest, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putBlobLocked(repo, dgst, content)
}

func (m *mockRegistry) putBlobLocked(repo string, dgst digest.Digest, content []byte) {
	if m.blobs[repo] == nil {
		m.blobs[repo] = map[digest.Digest][]byte{}
	}
	m.blobs[repo][dgst] = content
}

func (m *mockRegistry) putManifest(repo, ref string, content []byte, mediaType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.manifests[repo] == nil {
		m.manifests[repo] = map[string]storedManifest{}
	}
	m.manifests[repo][ref] = storedManifest{content: content, mediaType: mediaType}
}

// splitOnLast splits path on the last occurrence of sep, returning the parts
// before and after it. repo segments may themselves contain slashes (e.g.
// "base/distroless"), which is why routing below can't use a single
// {repo...} wildcard segment (net/http.ServeMux requires such wildcards to
// be the final pattern element).
func splitOnLast(path, sep string) (before, after string, ok bool) {
	idx := strings.LastIndex(path, sep)
	if idx < 0 {
		return "", "", false
	}
	return path[:idx], path[idx+len(sep):], true
}

func (m *mockRegistry) server() *httptest.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/v2/")

		if r.Method == http.MethodGet {
			if repo, ref, ok := splitOnLast(path, "/manifests/"); ok {
				m.mu.Lock()
				stored, ok := m.manifests[repo][ref]
				m.mu.Unlock()
				if !ok {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				w.Header().Set("Content-Type", stored.mediaType)
				w.Header().Set("Docker-Content-Digest", digest.FromBytes(stored.content).String())
				w.Header().Set("Content-Length", itoa(len(stored.content)))
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(stored.content)
				return
			}
		}

		if r.Method == http.MethodHead {
			if repo, dgstStr, ok := splitOnLast(path, "/blobs/"); ok {
				dgst := digest.Digest(dgstStr)
				m.mu.Lock()
				content, ok := m.blobs[repo][dgst]
				m.mu.Unlock()
				if !ok {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				w.Header().Set("Docker-Content-Digest", dgst.String())
				w.Header().Set("Content-Length", itoa(len(content)))
				w.WriteHeader(http.StatusOK)
				return
			}
		}

		if r.Method == http.MethodGet {
			if repo, dgstStr, ok := splitOnLast(path, "/blobs/"); ok {
				dgst := digest.Digest(dgstStr)
				m.mu.Lock()
				content, ok := m.blobs[repo][dgst]
				m.mu.Unlock()
				if !ok {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				w.Header().Set("Docker-Content-Digest", dgst.String())
				w.Header().Set("Content-Length", itoa(len(content)))
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(content)
				return
			}
		}

		if r.Method == http.MethodPost {
			if repo, rest, ok := splitOnLast(path, "/blobs/uploads/"); ok && rest == "" {
				if mountDigest := r.URL.Query().Get("mount"); mountDigest != "" {
					from := r.URL.Query().Get("from")
					dgst := digest.Digest(mountDigest)
					m.mu.Lock()
					content, exists := m.blobs[from][dgst]
					if exists {
						m.putBlobLocked(repo, dgst, content)
					}
					m.mu.Unlock()
					if exists {
						w.Header().Set("Docker-Content-Digest", dgst.String())
						w.WriteHeader(http.StatusCreated)
						return
					}
					w.WriteHeader(http.StatusNotFound)
					return
				}

				id := nextUploadID()
				m.mu.Lock()
				m.uploads[repo+"/"+id] = &bytes.Buffer{}
				m.mu.Unlock()
				w.Header().Set("Location", r.URL.Path+id)
				w.WriteHeader(http.StatusAccepted)
				return
			}
		}

		if r.Method == http.MethodPatch {
			if repo, id, ok := splitOnLast(path, "/blobs/uploads/"); ok && id != "" {
				key := repo + "/" + id
				body, err := io.ReadAll(r.Body)
				if err != nil {
					w.WriteHeader(http.StatusInternalServerError)
					return
				}
				m.mu.Lock()
				buf, ok := m.uploads[key]
				if ok {
					buf.Write(body)
				}
				m.mu.Unlock()
				if !ok {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				w.Header().Set("Location", r.URL.Path)
				w.WriteHeader(http.StatusAccepted)
				return
			}
		}

		if r.Method == http.MethodPut {
			if repo, id, ok := splitOnLast(path, "/blobs/uploads/"); ok && id != "" {
				key := repo + "/" + id
				body, err := io.ReadAll(r.Body)
				if err != nil {
					w.WriteHeader(http.StatusInternalServerError)
					return
				}
				wantDigest := digest.Digest(r.URL.Query().Get("digest"))

				m.mu.Lock()
				buf, ok := m.uploads[key]
				m.mu.Unlock()
				if !ok {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				buf.Write(body)

				content := buf.Bytes()
				gotDigest := digest.FromBytes(content)
				if wantDigest != "" && gotDigest != wantDigest {
					w.WriteHeader(http.StatusBadRequest)
					return
				}

				m.mu.Lock()
				m.putBlobLocked(repo, gotDigest, append([]byte(nil), content...))
				delete(m.uploads, key)
				m.mu.Unlock()

				w.Header().Set("Docker-Content-Digest", gotDigest.String())
				w.WriteHeader(http.StatusCreated)
				return
			}

			if repo, ref, ok := splitOnLast(path, "/manifests/"); ok {
				content, err := io.ReadAll(r.Body)
				if err != nil {
					w.WriteHeader(http.StatusInternalServerError)
					return
				}
				gotDigest := digest.FromBytes(content)
				mediaType := r.Header.Get("Content-Type")
				m.putManifest(repo, ref, content, mediaType)
				m.putManifest(repo, gotDigest.String(), content, mediaType)
				w.Header().Set("Docker-Content-Digest", gotDigest.String())
				w.WriteHeader(http.StatusCreated)
				return
			}
		}

		w.WriteHeader(http.StatusNotFound)
	})

	return httptest.NewServer(mux)
}

var uploadSeq int
var uploadSeqMu sync.Mutex

func nextUploadID() string {
	uploadSeqMu.Lock()
	defer uploadSeqMu.Unlock()
	uploadSeq++
	return "session-" + strconv.Itoa(uploadSeq)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func TestBuildAndPublish_MountsBaseLayerAndUploadsAppLayer(t *testing.T) {
	reg := newMockRegistry()
	server := reg.server()
	defer server.Close()

	const baseRepo = "base/distroless"
	const targetRepo = "team/app"

	baseLayerContent := []byte("base layer tar bytes")
	baseLayerDigest := digest.FromBytes(baseLayerContent)
	reg.putBlob(baseRepo, baseLayerDigest, baseLayerContent)

	baseConfig := imgspecv1.Image{
		Config: imgspecv1.ImageConfig{
			Env: []string{"PATH=/usr/bin"},
		},
		RootFS: imgspecv1.RootFS{
			Type:    "layers",
			DiffIDs: []digest.Digest{baseLayerDigest},
		},
	}
	configBytes, err := json.Marshal(baseConfig)
	require.NoError(t, err)
	configDigest := digest.FromBytes(configBytes)
	reg.putBlob(baseRepo, configDigest, configBytes)

	baseManifest := imgspecv1.Manifest{
		MediaType: ocispec.MediaTypeImageManifest,
		Config: imgspecv1.Descriptor{
			MediaType: ocispec.MediaTypeImageConfig,
			Digest:    configDigest,
			Size:      int64(len(configBytes)),
		},
		Layers: []imgspecv1.Descriptor{
			{MediaType: ocispec.MediaTypeImageLayerGzip, Digest: baseLayerDigest, Size: int64(len(baseLayerContent))},
		},
	}
	baseManifestBytes, err := json.Marshal(baseManifest)
	require.NoError(t, err)
	reg.putManifest(baseRepo, "latest", baseManifestBytes, ocispec.MediaTypeImageManifest)

	appDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(appDir, "app.txt"), []byte("app payload"), 0o644))

	client := remote.NewClient(nil)
	baseSpec := remote.NewRepository(client, server.URL, baseRepo)
	targetSpec := remote.NewRepository(client, server.URL, targetRepo)

	r := recipe.Recipe{
		Base: recipe.BaseRef{Registry: "base.example", Repo: baseRepo, Tag: "latest"},
		Target: recipe.TargetRef{
			Registry: "target.example",
			Repo:     targetRepo,
			Tags:     []string{"v1", "stable"},
		},
		Modification: recipe.Modification{
			AppLayerFolder: appDir,
		},
	}

	published, err := assembler.BuildAndPublish(t.Context(), r, baseSpec, targetSpec, baseRepo, assembler.Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, published.String())

	reg.mu.Lock()
	v1, v1ok := reg.manifests[targetRepo]["v1"]
	stable, stableok := reg.manifests[targetRepo]["stable"]
	reg.mu.Unlock()
	require.True(t, v1ok)
	require.True(t, stableok)
	assert.Equal(t, v1.content, stable.content, "every requested tag must resolve to the identical published manifest")

	var published2 imgspecv1.Manifest
	require.NoError(t, json.Unmarshal(v1.content, &published2))
	require.Len(t, published2.Layers, 2)
	assert.Equal(t, baseLayerDigest, published2.Layers[0].Digest)

	reg.mu.Lock()
	_, appLayerStored := reg.blobs[targetRepo][published2.Layers[1].Digest]
	_, baseLayerMountedOnTarget := reg.blobs[targetRepo][baseLayerDigest]
	reg.mu.Unlock()
	assert.True(t, appLayerStored, "app layer blob must be present before the manifest referencing it is published")
	assert.True(t, baseLayerMountedOnTarget, "base layer must be mounted onto the target repo before publish")
}

func TestBuildAndPublish_ResolvesIndexBaseToDefaultPlatform(t *testing.T) {
	reg := newMockRegistry()
	server := reg.server()
	defer server.Close()

	const baseRepo = "base/distroless"
	const targetRepo = "team/app"

	// linux/amd64 is the only platform klt should ever fetch further; the
	// arm64 entry exists purely to prove SelectPlatform actually filters
	// instead of grabbing whatever comes first in the index.
	amd64LayerContent := []byte("linux/amd64 layer bytes")
	amd64LayerDigest := digest.FromBytes(amd64LayerContent)
	reg.putBlob(baseRepo, amd64LayerDigest, amd64LayerContent)

	amd64Config := imgspecv1.Image{
		Platform: imgspecv1.Platform{OS: "linux", Architecture: "amd64"},
		RootFS:   imgspecv1.RootFS{Type: "layers", DiffIDs: []digest.Digest{amd64LayerDigest}},
	}
	amd64ConfigBytes, err := json.Marshal(amd64Config)
	require.NoError(t, err)
	amd64ConfigDigest := digest.FromBytes(amd64ConfigBytes)
	reg.putBlob(baseRepo, amd64ConfigDigest, amd64ConfigBytes)

	amd64Manifest := imgspecv1.Manifest{
		MediaType: ocispec.MediaTypeImageManifest,
		Config: imgspecv1.Descriptor{
			MediaType: ocispec.MediaTypeImageConfig,
			Digest:    amd64ConfigDigest,
			Size:      int64(len(amd64ConfigBytes)),
		},
		Layers: []imgspecv1.Descriptor{
			{MediaType: ocispec.MediaTypeImageLayerGzip, Digest: amd64LayerDigest, Size: int64(len(amd64LayerContent))},
		},
	}
	amd64ManifestBytes, err := json.Marshal(amd64Manifest)
	require.NoError(t, err)
	amd64ManifestDigest := digest.FromBytes(amd64ManifestBytes)
	reg.putManifest(baseRepo, amd64ManifestDigest.String(), amd64ManifestBytes, ocispec.MediaTypeImageManifest)

	// An arm64 sibling manifest that must never be fetched: if
	// SelectPlatform picked the wrong entry, resolveBaseManifest would ask
	// for a manifest never registered under any ref and fail loudly.
	arm64Manifest := imgspecv1.Manifest{
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    imgspecv1.Descriptor{MediaType: ocispec.MediaTypeImageConfig, Digest: digest.Digest("sha256:" + strconv.Itoa(0))},
	}
	arm64ManifestBytes, err := json.Marshal(arm64Manifest)
	require.NoError(t, err)
	arm64ManifestDigest := digest.FromBytes(arm64ManifestBytes)

	index := imgspecv1.Index{
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: []imgspecv1.Descriptor{
			{
				MediaType: ocispec.MediaTypeImageManifest,
				Digest:    arm64ManifestDigest,
				Size:      int64(len(arm64ManifestBytes)),
				Platform:  &imgspecv1.Platform{OS: "linux", Architecture: "arm64"},
			},
			{
				MediaType: ocispec.MediaTypeImageManifest,
				Digest:    amd64ManifestDigest,
				Size:      int64(len(amd64ManifestBytes)),
				Platform:  &imgspecv1.Platform{OS: "linux", Architecture: "amd64"},
			},
		},
	}
	indexBytes, err := json.Marshal(index)
	require.NoError(t, err)
	reg.putManifest(baseRepo, "latest", indexBytes, ocispec.MediaTypeImageIndex)

	appDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(appDir, "app.txt"), []byte("app payload"), 0o644))

	client := remote.NewClient(nil)
	baseSpec := remote.NewRepository(client, server.URL, baseRepo)
	targetSpec := remote.NewRepository(client, server.URL, targetRepo)

	r := recipe.Recipe{
		Base: recipe.BaseRef{Registry: "base.example", Repo: baseRepo, Tag: "latest"},
		Target: recipe.TargetRef{
			Registry: "target.example",
			Repo:     targetRepo,
			Tags:     []string{"v1"},
		},
		Modification: recipe.Modification{
			AppLayerFolder: appDir,
		},
	}

	published, err := assembler.BuildAndPublish(t.Context(), r, baseSpec, targetSpec, baseRepo, assembler.Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, published.String())

	reg.mu.Lock()
	v1, v1ok := reg.manifests[targetRepo]["v1"]
	reg.mu.Unlock()
	require.True(t, v1ok)

	var publishedManifest imgspecv1.Manifest
	require.NoError(t, json.Unmarshal(v1.content, &publishedManifest))
	require.Len(t, publishedManifest.Layers, 2)
	assert.Equal(t, amd64LayerDigest, publishedManifest.Layers[0].Digest,
		"the published manifest must carry the linux/amd64 entry's layer, not the arm64 sibling's")
}
