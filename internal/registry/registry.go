// Package registry implements repository CRUD and listing, per
// spec.md §4.2: the authoritative metadata store backed by the
// versioned store for actual object data.
package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-logr/logr"

	"github.com/kohakuhub/hub/internal/auth"
	"github.com/kohakuhub/hub/internal/db"
	"github.com/kohakuhub/hub/internal/errs"
	"github.com/kohakuhub/hub/internal/models"
	"github.com/kohakuhub/hub/internal/quota"
	"github.com/kohakuhub/hub/internal/versioned"
)

// Service owns repository lifecycle operations.
type Service struct {
	db     *db.DB
	store  *versioned.Client
	quota  *quota.Engine
	auth   *auth.Service
	bucket string
	log    logr.Logger
}

// New builds a registry Service.
func New(database *db.DB, store *versioned.Client, quotaEngine *quota.Engine, authSvc *auth.Service, bucket string, log logr.Logger) *Service {
	return &Service{db: database, store: store, quota: quotaEngine, auth: authSvc, bucket: bucket, log: log.WithName("registry")}
}

// StoreRepoName computes the versioned-store repository name for a
// logical repo, isolating namespaces from the store's own naming rules.
func StoreRepoName(repoType models.RepoType, namespace, name string) string {
	return (&models.Repository{Type: repoType, Namespace: namespace, Name: name}).StoreRepoName()
}

// CreateParams describes a repository creation request.
type CreateParams struct {
	Type      models.RepoType
	Namespace string
	Name      string
	Private   bool
}

// Create provisions a repository: permission and existence checks,
// versioned-store repository creation, then the local metadata row.
func (s *Service) Create(ctx context.Context, p CreateParams, creator *models.Principal, namespaceOwner *models.Principal) (*models.Repository, error) {
	if p.Type != models.RepoTypeModel && p.Type != models.RepoTypeDataset && p.Type != models.RepoTypeSpace {
		return nil, errs.New(errs.InvalidRepoType, "unknown repository type %q", p.Type)
	}
	if strings.Contains(p.Name, "/") || p.Name == "" {
		return nil, errs.New(errs.InvalidRepoID, "invalid repository name %q", p.Name)
	}

	if err := s.auth.CheckNamespaceUse(ctx, namespaceOwner, creator); err != nil {
		return nil, err
	}

	if existing, err := s.db.GetRepository(ctx, p.Type, p.Namespace, p.Name); err != nil {
		return nil, errs.Wrap(errs.ServerError, err, "lookup existing repository")
	} else if existing != nil {
		return nil, errs.New(errs.RepoExists, "repository %s/%s already exists", p.Namespace, p.Name)
	}

	storeRepo := StoreRepoName(p.Type, p.Namespace, p.Name)
	storageNamespace := fmt.Sprintf("s3://%s/%s", s.bucket, storeRepo)
	if err := s.store.CreateRepository(ctx, storeRepo, storageNamespace, "main"); err != nil {
		return nil, errs.Wrap(errs.ServerError, err, "versioned store repository creation failed")
	}

	repo := &models.Repository{
		Type:           p.Type,
		Namespace:      p.Namespace,
		Name:           p.Name,
		Private:        p.Private,
		OwnerPrincipal: *namespaceOwner,
	}
	id, err := s.db.InsertRepository(ctx, repo)
	if err != nil {
		return nil, errs.Wrap(errs.ServerError, err, "persist repository metadata")
	}
	repo.ID = id
	return repo, nil
}

// Get fetches a repository by type/namespace/name, enforcing the read
// permission for the given caller (nil for anonymous).
func (s *Service) Get(ctx context.Context, repoType models.RepoType, namespace, name string, caller *models.Principal) (*models.Repository, error) {
	repo, err := s.db.GetRepository(ctx, repoType, namespace, name)
	if err != nil {
		return nil, errs.Wrap(errs.ServerError, err, "lookup repository")
	}
	if repo == nil {
		return nil, errs.New(errs.RepoNotFound, "repository %s/%s not found", namespace, name)
	}
	if err := s.auth.CheckRead(ctx, repo, caller); err != nil {
		return nil, err
	}
	return repo, nil
}

// GetAnyType resolves a namespace/name pair to a repository trying
// every repo type, the disambiguation the Git Smart HTTP bridge needs
// since its URL shape does not carry a type segment.
func (s *Service) GetAnyType(ctx context.Context, namespace, name string) (*models.Repository, error) {
	repo, err := s.db.GetRepositoryAnyType(ctx, namespace, name)
	if err != nil {
		return nil, errs.Wrap(errs.ServerError, err, "lookup repository")
	}
	if repo == nil {
		return nil, errs.New(errs.RepoNotFound, "repository %s/%s not found", namespace, name)
	}
	return repo, nil
}

// List returns repositories of a type visible to the caller: public
// repositories, the caller's own, and those of organizations the
// caller belongs to.
func (s *Service) List(ctx context.Context, repoType models.RepoType, caller *models.Principal, limit int) ([]*models.Repository, error) {
	var viewerID *int64
	if caller != nil && caller.Kind == models.PrincipalUser {
		viewerID = &caller.ID
	}
	repos, err := s.db.ListRepositoriesVisibleTo(ctx, repoType, viewerID, limit)
	if err != nil {
		return nil, errs.Wrap(errs.ServerError, err, "list repositories")
	}
	return repos, nil
}

// Delete removes a repository: permission check, versioned-store
// deletion (404 tolerated), storage reclamation, then the metadata
// cascade.
func (s *Service) Delete(ctx context.Context, repoType models.RepoType, namespace, name string, caller *models.Principal) error {
	repo, err := s.db.GetRepository(ctx, repoType, namespace, name)
	if err != nil {
		return errs.Wrap(errs.ServerError, err, "lookup repository")
	}
	if repo == nil {
		return errs.New(errs.RepoNotFound, "repository %s/%s not found", namespace, name)
	}
	if err := s.auth.CheckDelete(ctx, repo, caller); err != nil {
		return err
	}

	storeRepo := StoreRepoName(repoType, namespace, name)
	if err := s.store.DeleteRepository(ctx, storeRepo, true); err != nil && !versioned.IsNotFound(err) {
		return errs.Wrap(errs.ServerError, err, "versioned store repository deletion failed")
	}

	isOrg := repo.OwnerPrincipal.Kind == models.PrincipalOrg
	breakdown, err := s.quota.CalculateRepositoryStorage(ctx, repo.ID)
	if err == nil {
		_ = s.quota.IncrementStorage(ctx, namespace, -breakdown.TotalBytes(), repo.Private, isOrg)
	}

	if err := s.db.DeleteRepositoryCascade(ctx, repo.ID); err != nil {
		return errs.Wrap(errs.ServerError, err, "delete repository metadata")
	}
	return nil
}

// Rename moves a repository to a new namespace/name pair. The
// versioned store's own repository name is left as-is: the mapping
// from logical repo to store repo lives in the metadata row, so only
// that row (and dependent file/commit rows) need updating, matching
// the "rename is metadata-only" approach.
func (s *Service) Rename(ctx context.Context, repoType models.RepoType, fromNamespace, fromName, toNamespace, toName string, caller *models.Principal, toNamespaceOwner *models.Principal) (*models.Repository, error) {
	repo, err := s.db.GetRepository(ctx, repoType, fromNamespace, fromName)
	if err != nil {
		return nil, errs.Wrap(errs.ServerError, err, "lookup repository")
	}
	if repo == nil {
		return nil, errs.New(errs.RepoNotFound, "repository %s/%s not found", fromNamespace, fromName)
	}
	if err := s.auth.CheckDelete(ctx, repo, caller); err != nil {
		return nil, err
	}
	if existing, err := s.db.GetRepository(ctx, repoType, toNamespace, toName); err != nil {
		return nil, errs.Wrap(errs.ServerError, err, "lookup destination repository")
	} else if existing != nil {
		return nil, errs.New(errs.RepoExists, "repository %s/%s already exists", toNamespace, toName)
	}
	if err := s.auth.CheckNamespaceUse(ctx, toNamespaceOwner, caller); err != nil {
		return nil, err
	}

	if err := s.db.RenameRepository(ctx, repo.ID, toNamespace, toName); err != nil {
		return nil, errs.Wrap(errs.ServerError, err, "rename repository metadata")
	}
	repo.Namespace = toNamespace
	repo.Name = toName
	return repo, nil
}

// EffectiveLFSPolicy resolves the repository's LFS policy, falling
// back to the app-wide defaults where the repository has not
// overridden a field.
func EffectiveLFSPolicy(repo *models.Repository, defaultThreshold int64, defaultKeepVersions int) models.LFSPolicy {
	p := models.LFSPolicy{ThresholdBytes: defaultThreshold, KeepVersions: defaultKeepVersions}
	if repo.LFSThreshold != nil {
		p.ThresholdBytes = *repo.LFSThreshold
	}
	if repo.LFSKeepVersions != nil {
		p.KeepVersions = *repo.LFSKeepVersions
	}
	p.SuffixRules = repo.LFSSuffixRules
	return p
}
