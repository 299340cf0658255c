package gitbridge

import (
	"context"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/go-logr/logr"

	"github.com/kohakuhub/hub/internal/auth"
	"github.com/kohakuhub/hub/internal/db"
	"github.com/kohakuhub/hub/internal/errs"
	"github.com/kohakuhub/hub/internal/models"
	"github.com/kohakuhub/hub/internal/versioned"
)

// tipObjects bundles the in-memory object store and root commit hash
// synthesized for one buildTip call.
type tipObjects struct {
	store      *memory.Storage
	commitHash plumbing.Hash
}

// defaultBranch is the only branch the bridge advertises or fetches. The
// persisted File rows only reflect current branch HEAD state, not
// historical per-commit snapshots, so arbitrary historical revisions are
// out of scope for this bridge — a deliberate simplification, not a gap
// in the fetch logic.
const defaultBranch = "main"

// Service serves the Git Smart HTTP v0 surface over a repository's
// current branch tip.
type Service struct {
	db   *db.DB
	vs   *versioned.Client
	auth *auth.Service
	log  logr.Logger
}

// New builds a gitbridge Service.
func New(database *db.DB, vs *versioned.Client, authSvc *auth.Service, log logr.Logger) *Service {
	return &Service{db: database, vs: vs, auth: authSvc, log: log.WithName("gitbridge")}
}

// resolveRepo looks up a repository by namespace/name regardless of
// type, the disambiguation the bridge's URL shape needs since it does
// not carry a type segment.
func (s *Service) resolveRepo(ctx context.Context, namespace, name string) (*models.Repository, error) {
	repo, err := s.db.GetRepositoryAnyType(ctx, namespace, name)
	if err != nil {
		return nil, errs.Wrap(errs.ServerError, err, "repository lookup failed")
	}
	if repo == nil {
		return nil, errs.New(errs.RepoNotFound, "%s/%s not found", namespace, name)
	}
	return repo, nil
}

// tip resolves a repository's default branch into the object graph
// inputs BuildCommit needs.
func (s *Service) tip(ctx context.Context, repo *models.Repository) ([]fileEntry, Identity, string, time.Time, error) {
	storeRepo := repo.StoreRepoName()
	branch, err := s.vs.GetBranch(ctx, storeRepo, defaultBranch)
	if err != nil {
		return nil, Identity{}, "", time.Time{}, fmt.Errorf("get branch: %w", err)
	}
	commit, err := s.vs.GetCommit(ctx, storeRepo, branch.CommitID)
	if err != nil {
		return nil, Identity{}, "", time.Time{}, fmt.Errorf("get commit: %w", err)
	}

	rows, err := s.db.ListFiles(ctx, repo.ID)
	if err != nil {
		return nil, Identity{}, "", time.Time{}, fmt.Errorf("list files: %w", err)
	}
	entries := make([]fileEntry, 0, len(rows))
	for _, f := range rows {
		entries = append(entries, fileEntry{Path: f.Path, Size: f.Size, SHA256: f.Checksum, LFS: f.LFS})
	}

	id := Identity{Name: "kohakuhub", Email: fmt.Sprintf("git@%s.kohakuhub.local", repo.Namespace)}
	message := commit.Message
	if message == "" {
		message = "snapshot"
	}
	when := time.Unix(commit.CreationDate, 0).UTC()
	return entries, id, message, when, nil
}

// fetcher returns a ContentFetcher reading non-LFS blob content from the
// versioned store at the given branch tip.
func (s *Service) fetcher(ctx context.Context, storeRepo, branch string) ContentFetcher {
	return func(path string) ([]byte, error) {
		return s.vs.GetObject(ctx, storeRepo, branch, path, "")
	}
}

// buildTip synthesizes the full commit object graph for repo's current
// branch tip.
func (s *Service) buildTip(ctx context.Context, repo *models.Repository) (*tipObjects, error) {
	entries, id, message, when, err := s.tip(ctx, repo)
	if err != nil {
		if versioned.IsNotFound(err) {
			return nil, errs.New(errs.RevisionNotFound, "no commits on %s", repo.FullID())
		}
		return nil, errs.Wrap(errs.ServerError, err, "load branch tip failed")
	}
	store, commitHash, err := BuildCommit(entries, s.fetcher(ctx, repo.StoreRepoName(), defaultBranch), id, message, when)
	if err != nil {
		return nil, errs.Wrap(errs.ServerError, err, "object graph assembly failed")
	}
	return &tipObjects{store: store, commitHash: commitHash}, nil
}
