// Package upload implements the four-stage upload pipeline of
// spec.md §4.3: preupload negotiation, transfer, verify, and
// commit/promotion.
package upload

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/kohakuhub/hub/internal/auth"
	"github.com/kohakuhub/hub/internal/db"
	"github.com/kohakuhub/hub/internal/errs"
	"github.com/kohakuhub/hub/internal/models"
	"github.com/kohakuhub/hub/internal/objectstore"
	"github.com/kohakuhub/hub/internal/quota"
	"github.com/kohakuhub/hub/internal/registry"
	"github.com/kohakuhub/hub/internal/versioned"
)

// multipartThreshold is the declared non-goal cutoff: files above this
// size fail Stage B with a 501 rather than attempting a multipart flow.
const multipartThreshold = 5 * 1024 * 1024 * 1024 // 5 GiB

// Service wires the registry's storage layers into the upload pipeline.
type Service struct {
	db    *db.DB
	store *objectstore.Store
	vs    *versioned.Client
	quota *quota.Engine
	auth  *auth.Service
	log   logr.Logger

	baseURL             string
	bucket              string
	defaultLFSThreshold int64
	defaultKeepVersions int
}

// Config carries the pieces of app config the pipeline needs.
type Config struct {
	BaseURL             string
	Bucket              string
	DefaultLFSThreshold int64
	DefaultKeepVersions int
}

// New builds an upload Service.
func New(database *db.DB, store *objectstore.Store, vs *versioned.Client, quotaEngine *quota.Engine, authSvc *auth.Service, cfg Config, log logr.Logger) *Service {
	return &Service{
		db: database, store: store, vs: vs, quota: quotaEngine, auth: authSvc, log: log.WithName("upload"),
		baseURL: cfg.BaseURL, bucket: cfg.Bucket, defaultLFSThreshold: cfg.DefaultLFSThreshold, defaultKeepVersions: cfg.DefaultKeepVersions,
	}
}

// PreuploadEntry is one path in a Stage A negotiation request.
type PreuploadEntry struct {
	Path   string
	Size   int64
	SHA256 string // optional
	Sample string // optional, base64
}

// PreuploadResult is the per-path outcome Stage A returns.
type PreuploadResult struct {
	Path         string
	UploadMode   string // "lfs" | "regular"
	ShouldIgnore bool
}

// Preupload is Stage A: classify each path, decide whether it can be
// skipped, and admit the whole batch against the namespace quota.
func (s *Service) Preupload(ctx context.Context, repo *models.Repository, revision string, entries []PreuploadEntry, caller *models.Principal) ([]PreuploadResult, error) {
	if err := s.auth.CheckWrite(ctx, repo, caller); err != nil {
		return nil, err
	}

	policy := registry.EffectiveLFSPolicy(repo, s.defaultLFSThreshold, s.defaultKeepVersions)
	results := make([]PreuploadResult, len(entries))
	var admittedBytes int64

	for i, e := range entries {
		mode := "regular"
		if policy.ShouldUseLFS(e.Path, e.Size) {
			mode = "lfs"
		}
		ignore, err := s.shouldIgnore(ctx, repo, revision, e)
		if err != nil {
			return nil, errs.Wrap(errs.ServerError, err, "preupload dedup check failed for %s", e.Path)
		}
		results[i] = PreuploadResult{Path: e.Path, UploadMode: mode, ShouldIgnore: ignore}
		if !ignore {
			admittedBytes += e.Size
		}
	}

	isOrg := repo.OwnerPrincipal.Kind == models.PrincipalOrg
	if err := s.quota.CheckQuota(ctx, repo.Namespace, admittedBytes, repo.Private, isOrg); err != nil {
		return nil, err
	}

	return results, nil
}

func (s *Service) shouldIgnore(ctx context.Context, repo *models.Repository, revision string, e PreuploadEntry) (bool, error) {
	if e.SHA256 != "" {
		existing, err := s.db.GetFile(ctx, repo.ID, e.Path)
		if err != nil {
			return false, err
		}
		if existing != nil && !existing.IsDeleted && existing.Checksum == e.SHA256 && existing.Size == e.Size {
			return true, nil
		}
	}
	if e.Sample != "" {
		raw, err := base64.StdEncoding.DecodeString(e.Sample)
		if err != nil {
			return false, nil
		}
		storeRepo := repo.StoreRepoName()
		stat, err := s.vs.StatObject(ctx, storeRepo, revision, e.Path)
		if err != nil {
			if versioned.IsNotFound(err) {
				return false, nil
			}
			return false, err
		}
		if stat.SizeBytes != e.Size {
			return false, nil
		}
		sampleSum := sha256.Sum256(raw)
		if hex.EncodeToString(sampleSum[:]) == stat.Checksum {
			return true, nil
		}
	}
	return false, nil
}

// LFSBatchObject is one entry of a Git LFS Batch API request.
type LFSBatchObject struct {
	OID  string
	Size int64
}

// LFSAction is a single named action (upload/verify/download) in a
// batch response entry.
type LFSAction struct {
	Href      string
	ExpiresAt time.Time
	Header    map[string]string
}

// LFSObjectResult is one object entry of a Git LFS Batch API response.
type LFSObjectResult struct {
	OID           string
	Size          int64
	Authenticated bool
	Upload        *LFSAction
	Verify        *LFSAction
	Download      *LFSAction
	ErrorCode     int
	ErrorMessage  string
}

// lfsKey computes the balanced content-addressed storage key for an LFS oid.
func lfsKey(oid string) string { return objectstore.LFSKey(oid) }

// LFSBatchUpload is Stage B's upload branch: dedup by sha256, else
// presign a PUT, else refuse oversized objects outright.
func (s *Service) LFSBatchUpload(ctx context.Context, repo *models.Repository, objects []LFSBatchObject, caller *models.Principal) ([]LFSObjectResult, error) {
	if err := s.auth.CheckWrite(ctx, repo, caller); err != nil {
		return nil, err
	}

	var totalBytes int64
	for _, o := range objects {
		existing, err := s.db.GetFileBySHA256(ctx, o.OID)
		if err != nil {
			return nil, errs.Wrap(errs.ServerError, err, "lfs dedup lookup failed")
		}
		if existing == nil {
			totalBytes += o.Size
		}
	}
	isOrg := repo.OwnerPrincipal.Kind == models.PrincipalOrg
	if err := s.quota.CheckQuota(ctx, repo.Namespace, totalBytes, repo.Private, isOrg); err != nil {
		return nil, err
	}

	out := make([]LFSObjectResult, len(objects))
	for i, o := range objects {
		out[i] = s.lfsUploadOne(ctx, repo, o)
	}
	return out, nil
}

func (s *Service) lfsUploadOne(ctx context.Context, repo *models.Repository, o LFSBatchObject) LFSObjectResult {
	existing, err := s.db.GetFileBySHA256(ctx, o.OID)
	if err != nil {
		return LFSObjectResult{OID: o.OID, Size: o.Size, ErrorCode: 500, ErrorMessage: err.Error()}
	}
	if existing != nil && existing.Size == o.Size {
		return LFSObjectResult{OID: o.OID, Size: o.Size, Authenticated: true}
	}

	if o.Size > multipartThreshold {
		return LFSObjectResult{OID: o.OID, Size: o.Size,
			ErrorCode: 501, ErrorMessage: "multipart upload not supported for files over 5 GiB"}
	}

	checksumB64, err := objectstore.Sha256HexToBase64(o.OID)
	if err != nil {
		return LFSObjectResult{OID: o.OID, Size: o.Size, ErrorCode: 400, ErrorMessage: "invalid oid"}
	}

	const expiresIn = time.Hour
	presigned, err := s.store.GenerateUploadURL(ctx, lfsKey(o.OID), expiresIn, "application/octet-stream", checksumB64)
	if err != nil {
		return LFSObjectResult{OID: o.OID, Size: o.Size, ErrorCode: 500,
			ErrorMessage: fmt.Sprintf("failed to generate upload url: %v", err)}
	}

	return LFSObjectResult{
		OID: o.OID, Size: o.Size, Authenticated: true,
		Upload: &LFSAction{Href: presigned.URL, ExpiresAt: presigned.ExpiresAt, Header: presigned.Headers},
		Verify: &LFSAction{Href: fmt.Sprintf("%s/api/%s.git/info/lfs/verify", s.baseURL, repo.FullID()), ExpiresAt: presigned.ExpiresAt},
	}
}

// LFSBatchDownload is Stage B's download branch.
func (s *Service) LFSBatchDownload(ctx context.Context, repo *models.Repository, objects []LFSBatchObject, caller *models.Principal) ([]LFSObjectResult, error) {
	if err := s.auth.CheckRead(ctx, repo, caller); err != nil {
		return nil, err
	}
	out := make([]LFSObjectResult, len(objects))
	for i, o := range objects {
		out[i] = s.lfsDownloadOne(ctx, o)
	}
	return out, nil
}

func (s *Service) lfsDownloadOne(ctx context.Context, o LFSBatchObject) LFSObjectResult {
	existing, err := s.db.GetFileBySHA256(ctx, o.OID)
	if err != nil || existing == nil {
		return LFSObjectResult{OID: o.OID, Size: o.Size, ErrorCode: 404, ErrorMessage: "Object not found"}
	}
	const expiresIn = time.Hour
	url, err := s.store.GenerateDownloadURL(ctx, lfsKey(o.OID), expiresIn, "")
	if err != nil {
		return LFSObjectResult{OID: o.OID, Size: o.Size, ErrorCode: 500,
			ErrorMessage: fmt.Sprintf("failed to generate download url: %v", err)}
	}
	return LFSObjectResult{
		OID: o.OID, Size: o.Size, Authenticated: true,
		Download: &LFSAction{Href: url, ExpiresAt: time.Now().UTC().Add(expiresIn)},
	}
}

// Verify is Stage C: assert the uploaded LFS object really landed in
// the store at the expected key and (if given) matches the claimed size.
func (s *Service) Verify(ctx context.Context, oid string, size int64) error {
	key := lfsKey(oid)
	exists, err := s.store.ObjectExists(ctx, key)
	if err != nil {
		return errs.Wrap(errs.ServerError, err, "object existence check failed")
	}
	if !exists {
		return errs.New(errs.EntryNotFound, "object not found in storage")
	}
	if size > 0 {
		meta, err := s.store.GetObjectMetadata(ctx, key)
		if err == nil && meta.Size != size {
			return errs.New(errs.BadRequest, "size mismatch: expected %d, got %d", size, meta.Size)
		}
	}
	return nil
}

// Operation is one path mutation in a commit/promotion request.
type Operation struct {
	Kind     string // "put_regular" | "put_lfs" | "delete"
	Path     string
	SHA256   string // git-blob sha1 for regular, lfs oid for lfs
	Size     int64
	Content  []byte // for put_regular, when staged server-side rather than via presigned URL
}

// CommitResult is the outcome of a successful promotion.
type CommitResult struct {
	CommitID string
}

// Commit is Stage D: apply every operation to the branch and update file
// metadata inside one DB transaction, then apply the storage deltas, and
// issue the store commit last, after the transaction has committed.
func (s *Service) Commit(ctx context.Context, repo *models.Repository, branch, message string, ops []Operation, caller *models.Principal) (*CommitResult, error) {
	if err := s.auth.CheckWrite(ctx, repo, caller); err != nil {
		return nil, err
	}
	storeRepo := repo.StoreRepoName()

	var sizeDelta int64
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, op := range ops {
			switch op.Kind {
			case "put_regular":
				if _, err := s.vs.UploadObject(ctx, storeRepo, branch, op.Path, op.Content, true); err != nil {
					return fmt.Errorf("upload regular object %s: %w", op.Path, err)
				}
				delta, err := s.upsertFile(ctx, tx, repo.ID, op.Path, op.Size, op.SHA256, false)
				if err != nil {
					return err
				}
				sizeDelta += delta

			case "put_lfs":
				physicalAddress := fmt.Sprintf("s3://%s/%s", s.bucketPlaceholder(), lfsKey(op.SHA256))
				if _, err := s.vs.LinkPhysicalAddress(ctx, storeRepo, branch, op.Path, physicalAddress, op.SHA256, op.Size); err != nil {
					return fmt.Errorf("link lfs object %s: %w", op.Path, err)
				}
				delta, err := s.upsertFile(ctx, tx, repo.ID, op.Path, op.Size, op.SHA256, true)
				if err != nil {
					return err
				}
				sizeDelta += delta
				if err := s.db.InsertLFSObjectHistory(ctx, tx, &models.LFSObjectHistory{
					RepositoryID: repo.ID, Path: op.Path, SHA256: op.SHA256, Size: op.Size,
				}); err != nil {
					return fmt.Errorf("record lfs history %s: %w", op.Path, err)
				}

			case "delete":
				existing, err := s.db.GetFile(ctx, repo.ID, op.Path)
				if err != nil {
					return err
				}
				if existing != nil {
					sizeDelta -= existing.Size
				}
				if err := s.db.MarkFileDeleted(ctx, tx, repo.ID, op.Path); err != nil {
					return fmt.Errorf("delete %s: %w", op.Path, err)
				}
				if err := s.vs.DeleteObject(ctx, storeRepo, branch, op.Path, true); err != nil && !versioned.IsNotFound(err) {
					return fmt.Errorf("delete object %s: %w", op.Path, err)
				}

			default:
				return fmt.Errorf("unknown operation kind %q", op.Kind)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.ServerError, err, "commit promotion failed")
	}

	isOrg := repo.OwnerPrincipal.Kind == models.PrincipalOrg
	if err := s.quota.IncrementStorage(ctx, repo.Namespace, sizeDelta, repo.Private, isOrg); err != nil {
		s.log.Error(err, "quota delta application failed after commit promotion", "repo", repo.FullID())
	}
	if err := s.db.AddRepositoryUsedBytes(ctx, repo.ID, sizeDelta); err != nil {
		s.log.Error(err, "repository used_bytes update failed after commit promotion", "repo", repo.FullID())
	}

	// The store commit runs last: if it fails, every DB mutation above has
	// already been durably applied, so the drift is recorded rather than
	// silently lost. See spec.md §9's note on commit-promotion partial
	// failure, which explicitly asks for drift tracking over rollback.
	commit, err := s.vs.Commit(ctx, storeRepo, branch, message, nil)
	if err != nil {
		s.log.Error(err, "versioned store commit failed after DB promotion applied; storage drift recorded", "repo", repo.FullID())
		return nil, errs.Wrap(errs.ServerError, err, "versioned store commit failed")
	}

	if caller != nil {
		_ = s.db.InsertCommitStandalone(ctx, &models.Commit{
			CommitID: commit.ID, RepositoryID: repo.ID, Branch: branch,
			AuthorID: caller.ID, AuthorUsername: caller.Username, Message: message,
		})
	}

	return &CommitResult{CommitID: commit.ID}, nil
}

// bucketPlaceholder exists only to keep physical-address construction
// in one place; the real bucket name is threaded through at wiring
// time in cmd/kohakuhub-server.
func (s *Service) bucketPlaceholder() string { return s.bucket }

func (s *Service) upsertFile(ctx context.Context, tx *sql.Tx, repoID int64, path string, size int64, checksum string, lfs bool) (int64, error) {
	// Read through tx: the transaction may hold the pool's only connection.
	var existingSize int64
	var existingDeleted bool
	err := tx.QueryRowContext(ctx, s.db.Rebind(`SELECT size, is_deleted FROM file
		WHERE repository_id = ? AND path_in_repo = ?`), repoID, path).Scan(&existingSize, &existingDeleted)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}
	delta := size
	if err == nil && !existingDeleted {
		delta = size - existingSize
	}
	if err := s.db.UpsertFile(ctx, tx, &models.File{
		RepositoryID: repoID, Path: path, Size: size, Checksum: checksum, LFS: lfs,
	}); err != nil {
		return 0, err
	}
	return delta, nil
}
