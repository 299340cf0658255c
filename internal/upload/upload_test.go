package upload

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/kohakuhub/hub/internal/auth"
	"github.com/kohakuhub/hub/internal/config"
	"github.com/kohakuhub/hub/internal/db"
	"github.com/kohakuhub/hub/internal/errs"
	"github.com/kohakuhub/hub/internal/models"
	"github.com/kohakuhub/hub/internal/objectstore"
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

// fakeObjects backs both a fake S3 (for HeadObject/Verify) and a fake
// LakeFS server (for UploadObject/LinkPhysicalAddress/Commit), keyed by
// storage key so upload.Verify can see what Commit "uploaded".
type fakeObjects struct {
	sizes map[string]int64
}

func newFakeS3(t *testing.T, objs *fakeObjects) *objectstore.Store {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if r.Method == http.MethodHead {
			size, ok := objs.sizes[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	store, err := objectstore.New(context.Background(), objectstore.Config{
		Endpoint: srv.URL, AccessKey: "ak", SecretKey: "sk",
		Bucket: "kohakuhub", Region: "us-east-1", ForcePathStyle: true,
	})
	require.NoError(t, err)
	return store
}

func newFakeVersioned(t *testing.T) *versioned.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/commits"):
			_ = json.NewEncoder(w).Encode(versioned.Commit{ID: "commit-1"})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/objects"):
			_ = json.NewEncoder(w).Encode(versioned.ObjectStats{Path: "x", Checksum: "x", SizeBytes: 1})
		case r.Method == http.MethodPut:
			_ = json.NewEncoder(w).Encode(versioned.ObjectStats{Path: "x", Checksum: "x", SizeBytes: 1})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(srv.Close)
	return versioned.New(versioned.Config{Endpoint: srv.URL, AccessKey: "ak", SecretKey: "sk"})
}

func newTestService(t *testing.T, objs *fakeObjects) (*Service, *db.DB) {
	t.Helper()
	d := openTestDB(t)
	authSvc, err := auth.New(d, logr.Discard())
	require.NoError(t, err)
	q := quota.New(d)
	store := newFakeS3(t, objs)
	vs := newFakeVersioned(t)
	svc := New(d, store, vs, q, authSvc, Config{BaseURL: "https://hub.example.com", Bucket: "kohakuhub", DefaultLFSThreshold: 1024, DefaultKeepVersions: 5}, logr.Discard())
	return svc, d
}

func makeRepo(t *testing.T, d *db.DB, ownerID int64, username, name string) *models.Repository {
	t.Helper()
	owner := models.Principal{Kind: models.PrincipalUser, ID: ownerID, Username: username}
	repo := &models.Repository{Type: models.RepoTypeModel, Namespace: username, Name: name, OwnerPrincipal: owner}
	id, err := d.InsertRepository(context.Background(), repo)
	require.NoError(t, err)
	repo.ID = id
	return repo
}

func TestPreuploadClassifiesBySizeThreshold(t *testing.T) {
	svc, d := newTestService(t, &fakeObjects{sizes: map[string]int64{}})
	ctx := context.Background()
	userID := insertUser(t, d, "alice")
	owner := &models.Principal{Kind: models.PrincipalUser, ID: userID, Username: "alice"}
	repo := makeRepo(t, d, userID, "alice", "widgets")

	results, err := svc.Preupload(ctx, repo, "main", []PreuploadEntry{
		{Path: "config.json", Size: 10},
		{Path: "model.safetensors", Size: 2048},
	}, owner)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "regular", results[0].UploadMode)
	require.Equal(t, "lfs", results[1].UploadMode)
}

func TestPreuploadSkipsUnchangedFile(t *testing.T) {
	svc, d := newTestService(t, &fakeObjects{sizes: map[string]int64{}})
	ctx := context.Background()
	userID := insertUser(t, d, "alice")
	owner := &models.Principal{Kind: models.PrincipalUser, ID: userID, Username: "alice"}
	repo := makeRepo(t, d, userID, "alice", "widgets")

	_, err := d.Exec(ctx, `INSERT INTO file (repository_id, path_in_repo, size, checksum, lfs, is_deleted, updated_at)
		VALUES (?, ?, ?, ?, FALSE, FALSE, ?)`, repo.ID, "config.json", 10, "existing-sha", "2026-01-01T00:00:00Z")
	require.NoError(t, err)

	results, err := svc.Preupload(ctx, repo, "main", []PreuploadEntry{
		{Path: "config.json", Size: 10, SHA256: "existing-sha"},
	}, owner)
	require.NoError(t, err)
	require.True(t, results[0].ShouldIgnore)
}

func TestPreuploadRejectsOverQuota(t *testing.T) {
	svc, d := newTestService(t, &fakeObjects{sizes: map[string]int64{}})
	ctx := context.Background()
	limit := int64(100)
	res, err := d.Exec(ctx, `INSERT INTO "user" (username, email, password_hash, public_quota_bytes, created_at)
		VALUES (?, ?, ?, ?, ?)`, "bob", "bob@example.com", "x", limit, "2026-01-01T00:00:00Z")
	require.NoError(t, err)
	userID, err := res.LastInsertId()
	require.NoError(t, err)
	owner := &models.Principal{Kind: models.PrincipalUser, ID: userID, Username: "bob"}
	repo := makeRepo(t, d, userID, "bob", "widgets")

	_, err = svc.Preupload(ctx, repo, "main", []PreuploadEntry{
		{Path: "big.bin", Size: 1000},
	}, owner)
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.QuotaExceeded, e.Kind)
}

func TestLFSBatchUploadDedupsBySHA256(t *testing.T) {
	svc, d := newTestService(t, &fakeObjects{sizes: map[string]int64{}})
	ctx := context.Background()
	userID := insertUser(t, d, "alice")
	owner := &models.Principal{Kind: models.PrincipalUser, ID: userID, Username: "alice"}
	repo := makeRepo(t, d, userID, "alice", "widgets")

	_, err := d.Exec(ctx, `INSERT INTO file (repository_id, path_in_repo, size, checksum, lfs, is_deleted, updated_at)
		VALUES (?, ?, ?, ?, TRUE, FALSE, ?)`, repo.ID, "model.safetensors", 5000,
		"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "2026-01-01T00:00:00Z")
	require.NoError(t, err)

	results, err := svc.LFSBatchUpload(ctx, repo, []LFSBatchObject{
		{OID: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", Size: 5000},
	}, owner)
	require.NoError(t, err)
	require.True(t, results[0].Authenticated)
	require.Nil(t, results[0].Upload)
}

func TestLFSBatchUploadPresignsNewObject(t *testing.T) {
	svc, d := newTestService(t, &fakeObjects{sizes: map[string]int64{}})
	ctx := context.Background()
	userID := insertUser(t, d, "alice")
	owner := &models.Principal{Kind: models.PrincipalUser, ID: userID, Username: "alice"}
	repo := makeRepo(t, d, userID, "alice", "widgets")

	results, err := svc.LFSBatchUpload(ctx, repo, []LFSBatchObject{
		{OID: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", Size: 2048},
	}, owner)
	require.NoError(t, err)
	require.NotNil(t, results[0].Upload)
	require.NotEmpty(t, results[0].Upload.Href)
}

func TestLFSBatchDownloadMissingObjectReturns404(t *testing.T) {
	svc, d := newTestService(t, &fakeObjects{sizes: map[string]int64{}})
	ctx := context.Background()
	userID := insertUser(t, d, "alice")
	owner := &models.Principal{Kind: models.PrincipalUser, ID: userID, Username: "alice"}
	repo := makeRepo(t, d, userID, "alice", "widgets")

	results, err := svc.LFSBatchDownload(ctx, repo, []LFSBatchObject{
		{OID: "unknown-oid", Size: 10},
	}, owner)
	require.NoError(t, err)
	require.Equal(t, 404, results[0].ErrorCode)
}

func TestVerifyMissingObjectFails(t *testing.T) {
	svc, _ := newTestService(t, &fakeObjects{sizes: map[string]int64{}})
	err := svc.Verify(context.Background(), "missing-oid", 10)
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.EntryNotFound, e.Kind)
}

func TestVerifySizeMismatchFails(t *testing.T) {
	oid := "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"
	key := objectstore.LFSKey(oid)
	svc, _ := newTestService(t, &fakeObjects{sizes: map[string]int64{"/kohakuhub/" + key: 50}})
	err := svc.Verify(context.Background(), oid, 100)
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.BadRequest, e.Kind)
}

func TestCommitPutRegularUpdatesFile(t *testing.T) {
	svc, d := newTestService(t, &fakeObjects{sizes: map[string]int64{}})
	ctx := context.Background()
	userID := insertUser(t, d, "alice")
	owner := &models.Principal{Kind: models.PrincipalUser, ID: userID, Username: "alice"}
	repo := makeRepo(t, d, userID, "alice", "widgets")

	result, err := svc.Commit(ctx, repo, "main", "add config", []Operation{
		{Kind: "put_regular", Path: "config.json", SHA256: "blob-sha", Size: 42, Content: []byte("{}")},
	}, owner)
	require.NoError(t, err)
	require.Equal(t, "commit-1", result.CommitID)

	f, err := d.GetFile(ctx, repo.ID, "config.json")
	require.NoError(t, err)
	require.NotNil(t, f)
	require.Equal(t, int64(42), f.Size)
}
