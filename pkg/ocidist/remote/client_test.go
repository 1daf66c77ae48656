package remote_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/max-te/kleinladungstraeger/pkg/ocidist/remote"
	"github.com/max-te/kleinladungstraeger/pkg/ocispec/authn"
)

func TestClient_Do_BearerChallengeThenRetrySucceeds(t *testing.T) {
	var tokenRequests, resourceRequests int

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenRequests++
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "alice", user)
		assert.Equal(t, "hunter2", pass)
		assert.Equal(t, "registry.example/repo:pull", r.URL.Query().Get("scope"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "s3cr3t-token"})
	}))
	defer tokenServer.Close()

	resourceServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resourceRequests++
		if r.Header.Get("Authorization") != "Bearer s3cr3t-token" {
			w.Header().Set("Www-Authenticate", `Bearer realm="`+tokenServer.URL+`",service="registry.example",scope="registry.example/repo:pull"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer resourceServer.Close()

	client := remote.NewClient(func(_ context.Context, host string) authn.AuthConfig {
		return authn.AuthConfig{Username: "alice", Password: "hunter2"}
	})

	req, err := http.NewRequest(http.MethodGet, resourceServer.URL+"/v2/repo/manifests/latest", http.NoBody)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, tokenRequests)
	assert.Equal(t, 2, resourceRequests)
}

func TestClient_Do_SecondUnauthorizedAfterRefreshFails(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "stale-token"})
	}))
	defer tokenServer.Close()

	resourceServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Www-Authenticate", `Bearer realm="`+tokenServer.URL+`",service="registry.example",scope="registry.example/repo:pull"`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer resourceServer.Close()

	client := remote.NewClient(func(_ context.Context, host string) authn.AuthConfig {
		return authn.AuthConfig{Username: "alice", Password: "hunter2"}
	})

	req, err := http.NewRequest(http.MethodGet, resourceServer.URL+"/v2/repo/manifests/latest", http.NoBody)
	require.NoError(t, err)

	_, err = client.Do(req)
	require.Error(t, err)
}

func TestClient_Do_CachesTokenAcrossRequests(t *testing.T) {
	var tokenRequests int
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenRequests++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "cached-token", "expires_in": 3600})
	}))
	defer tokenServer.Close()

	resourceServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer cached-token" {
			w.Header().Set("Www-Authenticate", `Bearer realm="`+tokenServer.URL+`",service="registry.example",scope="registry.example/repo:pull"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer resourceServer.Close()

	client := remote.NewClient(func(_ context.Context, host string) authn.AuthConfig {
		return authn.AuthConfig{Username: "alice", Password: "hunter2"}
	})

	for i := 0; i < 2; i++ {
		req, err := http.NewRequest(http.MethodGet, resourceServer.URL+"/v2/repo/manifests/latest", http.NoBody)
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	assert.Equal(t, 1, tokenRequests, "second request should reuse the cached token without re-authenticating")
}
