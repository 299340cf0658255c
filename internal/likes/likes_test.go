package likes

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/kohakuhub/hub/internal/auth"
	"github.com/kohakuhub/hub/internal/config"
	"github.com/kohakuhub/hub/internal/db"
	"github.com/kohakuhub/hub/internal/errs"
	"github.com/kohakuhub/hub/internal/models"
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

func setup(t *testing.T) (*Service, *db.DB) {
	t.Helper()
	d := openTestDB(t)
	authSvc, err := auth.New(d, logr.Discard())
	require.NoError(t, err)
	return New(d, authSvc), d
}

func TestLikeIsIdempotent(t *testing.T) {
	svc, d := setup(t)
	ctx := context.Background()
	userID := insertUser(t, d, "alice")
	owner := &models.Principal{Kind: models.PrincipalUser, ID: userID, Username: "alice"}
	repo := &models.Repository{Type: models.RepoTypeModel, Namespace: "alice", Name: "widgets", OwnerPrincipal: *owner}
	repoID, err := d.InsertRepository(ctx, repo)
	require.NoError(t, err)
	repo.ID = repoID

	require.NoError(t, svc.Like(ctx, repo, owner))
	require.NoError(t, svc.Like(ctx, repo, owner))

	likers, err := svc.ListLikers(ctx, repo, owner)
	require.NoError(t, err)
	require.Len(t, likers, 1)
}

func TestUnlikeWithoutPriorLikeIsNoop(t *testing.T) {
	svc, d := setup(t)
	ctx := context.Background()
	userID := insertUser(t, d, "alice")
	owner := &models.Principal{Kind: models.PrincipalUser, ID: userID, Username: "alice"}
	repo := &models.Repository{Type: models.RepoTypeModel, Namespace: "alice", Name: "widgets", OwnerPrincipal: *owner}
	repoID, err := d.InsertRepository(ctx, repo)
	require.NoError(t, err)
	repo.ID = repoID

	require.NoError(t, svc.Unlike(ctx, repo, owner))
}

func TestLikeRequiresAuthentication(t *testing.T) {
	svc, d := setup(t)
	ctx := context.Background()
	userID := insertUser(t, d, "alice")
	owner := &models.Principal{Kind: models.PrincipalUser, ID: userID, Username: "alice"}
	repo := &models.Repository{Type: models.RepoTypeModel, Namespace: "alice", Name: "widgets", OwnerPrincipal: *owner}
	repoID, err := d.InsertRepository(ctx, repo)
	require.NoError(t, err)
	repo.ID = repoID

	err = svc.Like(ctx, repo, nil)
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.Unauthorized, e.Kind)
}

func TestLikeDeniedOnPrivateRepoToOtherUser(t *testing.T) {
	svc, d := setup(t)
	ctx := context.Background()
	aliceID := insertUser(t, d, "alice")
	bobID := insertUser(t, d, "bob")
	alice := &models.Principal{Kind: models.PrincipalUser, ID: aliceID, Username: "alice"}
	bob := &models.Principal{Kind: models.PrincipalUser, ID: bobID, Username: "bob"}
	repo := &models.Repository{Type: models.RepoTypeModel, Namespace: "alice", Name: "secret", Private: true, OwnerPrincipal: *alice}
	repoID, err := d.InsertRepository(ctx, repo)
	require.NoError(t, err)
	repo.ID = repoID

	err = svc.Like(ctx, repo, bob)
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.Forbidden, e.Kind)
}

func TestListLikersEnforcesReadAccess(t *testing.T) {
	svc, d := setup(t)
	ctx := context.Background()
	aliceID := insertUser(t, d, "alice")
	alice := &models.Principal{Kind: models.PrincipalUser, ID: aliceID, Username: "alice"}
	repo := &models.Repository{Type: models.RepoTypeModel, Namespace: "alice", Name: "secret", Private: true, OwnerPrincipal: *alice}
	repoID, err := d.InsertRepository(ctx, repo)
	require.NoError(t, err)
	repo.ID = repoID

	_, err = svc.ListLikers(ctx, repo, nil)
	require.Error(t, err)
}
