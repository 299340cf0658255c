package versioned

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{Endpoint: srv.URL, AccessKey: "ak", SecretKey: "sk"})
}

func TestCreateRepositorySendsExpectedPayload(t *testing.T) {
	var captured map[string]string
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/repositories", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "ak", user)
		assert.Equal(t, "sk", pass)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.WriteHeader(http.StatusCreated)
	})

	err := c.CreateRepository(context.Background(), "hf-model-acme-widgets", "s3://bucket/hf-model-acme-widgets", "main")
	require.NoError(t, err)
	assert.Equal(t, "hf-model-acme-widgets", captured["name"])
	assert.Equal(t, "main", captured["default_branch"])
}

func TestDeleteRepositoryNotFoundIsDetectable(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"not found"}`))
	})

	err := c.DeleteRepository(context.Background(), "missing-repo", true)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestGetBranchParsesResponse(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/repositories/my-repo/branches/main", r.URL.Path)
		_ = json.NewEncoder(w).Encode(Branch{ID: "main", CommitID: "c123"})
	})

	branch, err := c.GetBranch(context.Background(), "my-repo", "main")
	require.NoError(t, err)
	assert.Equal(t, "c123", branch.CommitID)
}

func TestStatObjectNotFoundPropagates(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.StatObject(context.Background(), "my-repo", "main", "missing.txt")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}
