package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/kohakuhub/hub/internal/auth"
	"github.com/kohakuhub/hub/internal/config"
	"github.com/kohakuhub/hub/internal/db"
	"github.com/kohakuhub/hub/internal/errs"
	"github.com/kohakuhub/hub/internal/models"
	"github.com/kohakuhub/hub/internal/quota"
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

func insertUser(t *testing.T, d *db.DB, username string) int64 {
	t.Helper()
	res, err := d.Exec(context.Background(), `INSERT INTO "user" (username, email, password_hash, created_at)
		VALUES (?, ?, ?, ?)`, username, username+"@example.com", "x", "2026-01-01T00:00:00Z")
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

// fakeStore runs a minimal LakeFS-compatible repositories endpoint so
// registry.Service can exercise a real versioned.Client without reaching
// a real LakeFS deployment.
func fakeStore(t *testing.T) *versioned.Client {
	t.Helper()
	repos := map[string]bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/repositories":
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			repos[body["name"]] = true
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodDelete && len(r.URL.Path) > len("/api/v1/repositories/"):
			name := r.URL.Path[len("/api/v1/repositories/"):]
			if !repos[name] {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(repos, name)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return versioned.New(versioned.Config{Endpoint: srv.URL, AccessKey: "ak", SecretKey: "sk"})
}

func newTestService(t *testing.T) (*Service, *db.DB, *auth.Service) {
	t.Helper()
	d := openTestDB(t)
	authSvc, err := auth.New(d, logr.Discard())
	require.NoError(t, err)
	q := quota.New(d)
	store := fakeStore(t)
	return New(d, store, q, authSvc, "kohakuhub", logr.Discard()), d, authSvc
}

func TestCreateRepositorySuccess(t *testing.T) {
	svc, d, _ := newTestService(t)
	ctx := context.Background()
	userID := insertUser(t, d, "alice")
	owner := &models.Principal{Kind: models.PrincipalUser, ID: userID, Username: "alice"}

	repo, err := svc.Create(ctx, CreateParams{Type: models.RepoTypeModel, Namespace: "alice", Name: "widgets"}, owner, owner)
	require.NoError(t, err)
	require.Equal(t, "alice/widgets", repo.FullID())
}

func TestCreateRepositoryRejectsDuplicateName(t *testing.T) {
	svc, d, _ := newTestService(t)
	ctx := context.Background()
	userID := insertUser(t, d, "alice")
	owner := &models.Principal{Kind: models.PrincipalUser, ID: userID, Username: "alice"}

	_, err := svc.Create(ctx, CreateParams{Type: models.RepoTypeModel, Namespace: "alice", Name: "widgets"}, owner, owner)
	require.NoError(t, err)

	_, err = svc.Create(ctx, CreateParams{Type: models.RepoTypeModel, Namespace: "alice", Name: "widgets"}, owner, owner)
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.RepoExists, e.Kind)
}

func TestCreateRepositoryRejectsInvalidType(t *testing.T) {
	svc, d, _ := newTestService(t)
	ctx := context.Background()
	userID := insertUser(t, d, "alice")
	owner := &models.Principal{Kind: models.PrincipalUser, ID: userID, Username: "alice"}

	_, err := svc.Create(ctx, CreateParams{Type: "bogus", Namespace: "alice", Name: "widgets"}, owner, owner)
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.InvalidRepoType, e.Kind)
}

func TestCreateRepositoryRejectsOtherUsersNamespace(t *testing.T) {
	svc, d, _ := newTestService(t)
	ctx := context.Background()
	aliceID := insertUser(t, d, "alice")
	insertUser(t, d, "bob")
	alice := &models.Principal{Kind: models.PrincipalUser, ID: aliceID, Username: "alice"}
	bob := &models.Principal{Kind: models.PrincipalUser, ID: 999, Username: "bob"}

	_, err := svc.Create(ctx, CreateParams{Type: models.RepoTypeModel, Namespace: "alice", Name: "widgets"}, bob, alice)
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.Forbidden, e.Kind)
}

func TestGetRepositoryNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Get(context.Background(), models.RepoTypeModel, "alice", "missing", nil)
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.RepoNotFound, e.Kind)
}

func TestGetPrivateRepositoryDeniedToAnonymous(t *testing.T) {
	svc, d, _ := newTestService(t)
	ctx := context.Background()
	userID := insertUser(t, d, "alice")
	owner := &models.Principal{Kind: models.PrincipalUser, ID: userID, Username: "alice"}
	_, err := svc.Create(ctx, CreateParams{Type: models.RepoTypeModel, Namespace: "alice", Name: "secret", Private: true}, owner, owner)
	require.NoError(t, err)

	_, err = svc.Get(ctx, models.RepoTypeModel, "alice", "secret", nil)
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.Unauthorized, e.Kind)
}

func TestDeleteRepositorySuccess(t *testing.T) {
	svc, d, _ := newTestService(t)
	ctx := context.Background()
	userID := insertUser(t, d, "alice")
	owner := &models.Principal{Kind: models.PrincipalUser, ID: userID, Username: "alice"}
	_, err := svc.Create(ctx, CreateParams{Type: models.RepoTypeModel, Namespace: "alice", Name: "widgets"}, owner, owner)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, models.RepoTypeModel, "alice", "widgets", owner))

	_, err = svc.Get(ctx, models.RepoTypeModel, "alice", "widgets", owner)
	require.Error(t, err)
}

func TestRenameRepositoryRejectsExistingDestination(t *testing.T) {
	svc, d, _ := newTestService(t)
	ctx := context.Background()
	userID := insertUser(t, d, "alice")
	owner := &models.Principal{Kind: models.PrincipalUser, ID: userID, Username: "alice"}
	_, err := svc.Create(ctx, CreateParams{Type: models.RepoTypeModel, Namespace: "alice", Name: "widgets"}, owner, owner)
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateParams{Type: models.RepoTypeModel, Namespace: "alice", Name: "gadgets"}, owner, owner)
	require.NoError(t, err)

	_, err = svc.Rename(ctx, models.RepoTypeModel, "alice", "widgets", "alice", "gadgets", owner, owner)
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.RepoExists, e.Kind)
}

func TestRenameRepositorySuccess(t *testing.T) {
	svc, d, _ := newTestService(t)
	ctx := context.Background()
	userID := insertUser(t, d, "alice")
	owner := &models.Principal{Kind: models.PrincipalUser, ID: userID, Username: "alice"}
	_, err := svc.Create(ctx, CreateParams{Type: models.RepoTypeModel, Namespace: "alice", Name: "widgets"}, owner, owner)
	require.NoError(t, err)

	renamed, err := svc.Rename(ctx, models.RepoTypeModel, "alice", "widgets", "alice", "gizmos", owner, owner)
	require.NoError(t, err)
	require.Equal(t, "alice/gizmos", renamed.FullID())
}

func TestEffectiveLFSPolicyFallsBackToDefaults(t *testing.T) {
	repo := &models.Repository{}
	p := EffectiveLFSPolicy(repo, 5<<20, 3)
	require.Equal(t, int64(5<<20), p.ThresholdBytes)
	require.Equal(t, 3, p.KeepVersions)
}
