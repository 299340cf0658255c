package gitbridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/kohakuhub/hub/internal/auth"
	"github.com/kohakuhub/hub/internal/config"
	"github.com/kohakuhub/hub/internal/db"
	"github.com/kohakuhub/hub/internal/models"
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
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/v1/repositories/hf-model-alice-widgets/branches/main":
			_ = json.NewEncoder(w).Encode(versioned.Branch{ID: "main", CommitID: "c1"})
		case r.URL.Path == "/api/v1/repositories/hf-model-alice-widgets/commits/c1":
			_ = json.NewEncoder(w).Encode(versioned.Commit{ID: "c1", Message: "initial", CreationDate: 1767225600})
		case r.URL.Path == "/api/v1/repositories/hf-model-alice-widgets/refs/main/objects":
			_, _ = w.Write([]byte("hello"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return versioned.New(versioned.Config{Endpoint: srv.URL, AccessKey: "ak", SecretKey: "sk"})
}

func newTestRouter(t *testing.T) (*chi.Mux, *db.DB) {
	t.Helper()
	d := openTestDB(t)
	authSvc, err := auth.New(d, logr.Discard())
	require.NoError(t, err)
	vs := newFakeVersioned(t)
	svc := New(d, vs, authSvc, logr.Discard())

	r := chi.NewRouter()
	r.Get("/{namespace}/{name}.git/info/refs", svc.InfoRefs)
	r.Post("/{namespace}/{name}.git/git-upload-pack", svc.UploadPack)
	r.Post("/{namespace}/{name}.git/git-receive-pack", svc.ReceivePack)
	r.Get("/{namespace}/{name}.git/HEAD", svc.HEAD)
	return r, d
}

func seedPublicRepo(t *testing.T, d *db.DB) {
	t.Helper()
	ctx := context.Background()
	res, err := d.Exec(ctx, `INSERT INTO "user" (username, email, password_hash, created_at)
		VALUES (?, ?, ?, ?)`, "alice", "alice@example.com", "x", "2026-01-01T00:00:00Z")
	require.NoError(t, err)
	userID, err := res.LastInsertId()
	require.NoError(t, err)

	repo := &models.Repository{
		Type: models.RepoTypeModel, Namespace: "alice", Name: "widgets", Private: false,
		OwnerPrincipal: models.Principal{Kind: models.PrincipalUser, ID: userID, Username: "alice"},
	}
	repoID, err := d.InsertRepository(ctx, repo)
	require.NoError(t, err)

	_, err = d.Exec(ctx, `INSERT INTO file (repository_id, path_in_repo, size, checksum, lfs, is_deleted, updated_at)
		VALUES (?, ?, ?, ?, FALSE, FALSE, ?)`, repoID, "README.md", 5, "deadbeef", "2026-01-01T00:00:00Z")
	require.NoError(t, err)
}

func TestHEADServesSymref(t *testing.T) {
	r, d := newTestRouter(t)
	seedPublicRepo(t, d)

	req := httptest.NewRequest(http.MethodGet, "/alice/widgets.git/HEAD", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ref: refs/heads/main\n", rec.Body.String())
}

func TestHEADNotFoundForMissingRepo(t *testing.T) {
	r, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/alice/missing.git/HEAD", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInfoRefsRequiresServiceParam(t *testing.T) {
	r, d := newTestRouter(t)
	seedPublicRepo(t, d)

	req := httptest.NewRequest(http.MethodGet, "/alice/widgets.git/info/refs", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInfoRefsAdvertisesUploadPack(t *testing.T) {
	r, d := newTestRouter(t)
	seedPublicRepo(t, d)

	req := httptest.NewRequest(http.MethodGet, "/alice/widgets.git/info/refs?service=git-upload-pack", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "refs/heads/main")
	require.Contains(t, rec.Body.String(), "service=git-upload-pack")
}

func TestReceivePackRejectsAnonymousPush(t *testing.T) {
	r, d := newTestRouter(t)
	ctx := context.Background()
	res, err := d.Exec(ctx, `INSERT INTO "user" (username, email, password_hash, created_at)
		VALUES (?, ?, ?, ?)`, "alice", "alice@example.com", "x", "2026-01-01T00:00:00Z")
	require.NoError(t, err)
	userID, err := res.LastInsertId()
	require.NoError(t, err)
	repo := &models.Repository{
		Type: models.RepoTypeModel, Namespace: "alice", Name: "widgets", Private: false,
		OwnerPrincipal: models.Principal{Kind: models.PrincipalUser, ID: userID, Username: "alice"},
	}
	_, err = d.InsertRepository(ctx, repo)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/alice/widgets.git/git-receive-pack", nil)
	req.SetBasicAuth("git", "anything")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	// anonymous write is rejected before the pack body is ever read
	require.NotEqual(t, http.StatusOK, rec.Code)
}
