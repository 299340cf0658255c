package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/kohakuhub/hub/internal/auth"
	"github.com/kohakuhub/hub/internal/config"
	"github.com/kohakuhub/hub/internal/db"
	"github.com/kohakuhub/hub/internal/download"
	"github.com/kohakuhub/hub/internal/fallback"
	"github.com/kohakuhub/hub/internal/gitbridge"
	"github.com/kohakuhub/hub/internal/likes"
	"github.com/kohakuhub/hub/internal/metrics"
	"github.com/kohakuhub/hub/internal/objectstore"
	"github.com/kohakuhub/hub/internal/quota"
	"github.com/kohakuhub/hub/internal/registry"
	"github.com/kohakuhub/hub/internal/upload"
	"github.com/kohakuhub/hub/internal/versioned"
)

func openTestDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(context.Background(), config.App{
		DBBackend:   "sqlite",
		DatabaseURL: "file::memory:?cache=shared",
	})
	require.NoError(t, err)
	d.SetMaxOpenConns(1)
	require.NoError(t, d.Migrate(context.Background()))
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func newFakeVersioned(t *testing.T) *versioned.Client {
	t.Helper()
	repos := map[string]bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/repositories":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			repos[body["name"]] = true
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return versioned.New(versioned.Config{Endpoint: srv.URL, AccessKey: "ak", SecretKey: "sk"})
}

func newTestServer(t *testing.T) (*Server, *db.DB) {
	t.Helper()
	d := openTestDB(t)
	authSvc, err := auth.New(d, logr.Discard())
	require.NoError(t, err)
	q := quota.New(d)
	vs := newFakeVersioned(t)
	store, err := objectstore.New(context.Background(), objectstore.Config{
		Endpoint: "http://127.0.0.1:19998", AccessKey: "ak", SecretKey: "sk",
		Bucket: "kohakuhub", Region: "us-east-1", ForcePathStyle: true,
	})
	require.NoError(t, err)

	registrySvc := registry.New(d, vs, q, authSvc, "kohakuhub", logr.Discard())
	uploadSvc := upload.New(d, store, vs, q, authSvc, upload.Config{BaseURL: "https://hub.example.com", Bucket: "kohakuhub"}, logr.Discard())
	downloadSvc := download.New(d, download.Config{TimeBucketSeconds: 1800, KeepSessionsDays: 30, SessionCleanupThreshold: 1000}, logr.Discard())
	likesSvc := likes.New(d, authSvc)
	gitSvc := gitbridge.New(d, vs, authSvc, logr.Discard())
	fallbackCache, err := fallback.NewCache(16, time.Minute)
	require.NoError(t, err)
	fallbackEngine := fallback.New(d, fallbackCache, false, 5, 10)
	metricsReg := metrics.New()

	srv := New(Config{
		DB: d, VS: vs, Store: store, Quota: q, Auth: authSvc,
		Registry: registrySvc, Upload: uploadSvc, Download: downloadSvc, Likes: likesSvc,
		Fallback: fallbackEngine, Git: gitSvc, Metrics: metricsReg, Log: logr.Discard(),
	})
	return srv, d
}

func insertUserWithToken(t *testing.T, d *db.DB, username, secret string) int64 {
	t.Helper()
	ctx := context.Background()
	res, err := d.Exec(ctx, `INSERT INTO "user" (username, email, password_hash, created_at)
		VALUES (?, ?, ?, ?)`, username, username+"@example.com", "x", "2026-01-01T00:00:00Z")
	require.NoError(t, err)
	userID, err := res.LastInsertId()
	require.NoError(t, err)

	_, err = d.Exec(ctx, `INSERT INTO token (principal_kind, principal_id, token_hash, name, created_at)
		VALUES ('user', ?, ?, 'test', ?)`, userID, auth.HashToken(secret), "2026-01-01T00:00:00Z")
	require.NoError(t, err)
	return userID
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateAndFetchRepoEndToEnd(t *testing.T) {
	srv, d := newTestServer(t)
	insertUserWithToken(t, d, "alice", "hf_secret")
	router := srv.Routes()

	body, _ := json.Marshal(map[string]interface{}{
		"type": "model", "namespace": "alice", "name": "widgets", "private": false,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/repos/create", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer hf_secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/models/alice/widgets", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp repoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "alice/widgets", resp.ID)
}

func TestCreateRepoWithoutAuthIsRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Routes()

	body, _ := json.Marshal(map[string]interface{}{
		"type": "model", "namespace": "alice", "name": "widgets",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/repos/create", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.NotEqual(t, http.StatusCreated, rec.Code)
}

func TestGetUnknownRepoReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Routes()

	req := httptest.NewRequest(http.MethodGet, "/api/models/alice/missing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRepoTypeFromParamRejectsUnknownType(t *testing.T) {
	srv, d := newTestServer(t)
	insertUserWithToken(t, d, "alice", "hf_secret")
	router := srv.Routes()

	req := httptest.NewRequest(http.MethodGet, "/api/widgets/alice/widgets", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListReposReturnsLocalRepositoriesTaggedAsSuchAndAppliesLimit(t *testing.T) {
	srv, d := newTestServer(t)
	insertUserWithToken(t, d, "alice", "hf_secret")
	router := srv.Routes()

	for _, name := range []string{"widgets", "gadgets"} {
		body, _ := json.Marshal(map[string]interface{}{
			"type": "model", "namespace": "alice", "name": name, "private": false,
		})
		req := httptest.NewRequest(http.MethodPost, "/api/repos/create", bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer hf_secret")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/models", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var items []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 2)
	for _, item := range items {
		require.Equal(t, "local", item["_source"])
	}

	req = httptest.NewRequest(http.MethodGet, "/api/models?limit=1", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 1)
}
