package remote_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/max-te/kleinladungstraeger/pkg/ocidist/remote"
)

func TestRepository_BlobExists(t *testing.T) {
	content := []byte("a blob")
	dgst := digest.FromBytes(content)

	mux := http.NewServeMux()
	mux.HandleFunc("HEAD /v2/repo/blobs/{dgst}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("dgst") != dgst.String() {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Docker-Content-Digest", dgst.String())
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	repo := remote.NewRepository(remote.NewClient(nil), server.URL, "repo")

	exists, err := repo.BlobExists(t.Context(), dgst)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = repo.BlobExists(t.Context(), digest.FromString("something else"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRepository_ResolveManifest_RejectsDigestMismatch(t *testing.T) {
	served := []byte(`{"schemaVersion":2}`)
	claimedDigest := digest.FromString("not what's actually served")

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/repo/manifests/{ref}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Docker-Content-Digest", claimedDigest.String())
		w.Header().Set("Content-Length", strconv.Itoa(len(served)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(served)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	repo := remote.NewRepository(remote.NewClient(nil), server.URL, "repo")

	_, _, _, err := repo.ResolveManifest(t.Context(), "latest")
	require.Error(t, err)
}

func TestRepository_MountBlob_FallsBackWhenRegistryDeclines(t *testing.T) {
	var startedUploadCanceled bool

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/repo/blobs/uploads/", func(w http.ResponseWriter, r *http.Request) {
		// Registry declines the mount and starts a normal upload session instead.
		w.Header().Set("Location", "/v2/repo/blobs/uploads/session-1")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("DELETE /v2/repo/blobs/uploads/session-1", func(w http.ResponseWriter, r *http.Request) {
		startedUploadCanceled = true
		w.WriteHeader(http.StatusNoContent)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	repo := remote.NewRepository(remote.NewClient(nil), server.URL, "repo")

	mounted, err := repo.MountBlob(t.Context(), digest.FromString("layer"), "other/repo")
	require.NoError(t, err)
	assert.False(t, mounted)
	assert.True(t, startedUploadCanceled, "declined mount must cancel the upload session the registry opened instead")
}

func TestRepository_MountBlob_Succeeds(t *testing.T) {
	dgst := digest.FromString("layer")

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/repo/blobs/uploads/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, dgst.String(), r.URL.Query().Get("mount"))
		assert.Equal(t, "other/repo", r.URL.Query().Get("from"))
		w.Header().Set("Docker-Content-Digest", dgst.String())
		w.WriteHeader(http.StatusCreated)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	repo := remote.NewRepository(remote.NewClient(nil), server.URL, "repo")

	mounted, err := repo.MountBlob(t.Context(), dgst, "other/repo")
	require.NoError(t, err)
	assert.True(t, mounted)
}

func TestPushBlobChunked_FlushesOncePastChunkSizeAndCommits(t *testing.T) {
	var patches int
	var finalBody []byte

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/repo/blobs/uploads/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/v2/repo/blobs/uploads/session-1")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("PATCH /v2/repo/blobs/uploads/session-1", func(w http.ResponseWriter, r *http.Request) {
		patches++
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		finalBody = append(finalBody, body...)
		w.Header().Set("Location", "/v2/repo/blobs/uploads/session-1")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("PUT /v2/repo/blobs/uploads/session-1", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		finalBody = append(finalBody, body...)
		assert.Equal(t, digest.FromBytes(finalBody).String(), r.URL.Query().Get("digest"))
		w.WriteHeader(http.StatusCreated)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	repo := remote.NewRepository(remote.NewClient(nil), server.URL, "repo")

	writer, err := repo.PushBlobChunked(t.Context(), 4)
	require.NoError(t, err)

	_, err = writer.Write([]byte("hello world"))
	require.NoError(t, err)
	assert.Equal(t, 1, patches, "a write larger than chunkSize must flush immediately")

	content := []byte("hello world")
	desc, err := writer.Commit(t.Context(), digest.FromBytes(content))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), desc.Size)
	assert.Equal(t, content, finalBody)
}

func TestPushBlobChunkedResume_DiscoversOffsetViaRangeHeader(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/repo/blobs/uploads/session-1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Range", "0-4")
		w.WriteHeader(http.StatusNoContent)
	})
	var gotContentRange string
	mux.HandleFunc("PUT /v2/repo/blobs/uploads/session-1", func(w http.ResponseWriter, r *http.Request) {
		gotContentRange = r.Header.Get("Content-Range")
		_, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	repo := remote.NewRepository(remote.NewClient(nil), server.URL, "repo")

	writer, err := repo.PushBlobChunkedResume(t.Context(), 64, "session-1", -1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), writer.Size(), "offset discovered from the Range header must seed the writer's size")

	_, err = writer.Commit(t.Context(), "")
	require.Error(t, err, "committing an empty digest must be rejected before any request is sent")

	rest := []byte("rest")
	_, err = writer.Write(rest)
	require.NoError(t, err)
	_, err = writer.Commit(t.Context(), digest.FromBytes(rest))
	require.NoError(t, err)
	assert.Equal(t, "5-8", gotContentRange)
}
