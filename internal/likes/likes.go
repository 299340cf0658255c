// Package likes implements repository likes (§4.11): a thin
// permission-checked wrapper around the like/unlike primitives.
package likes

import (
	"context"

	"github.com/kohakuhub/hub/internal/auth"
	"github.com/kohakuhub/hub/internal/db"
	"github.com/kohakuhub/hub/internal/errs"
	"github.com/kohakuhub/hub/internal/models"
)

// Service checks read access before exposing like state, since a
// private repository's like count is as sensitive as its contents.
type Service struct {
	db   *db.DB
	auth *auth.Service
}

// New builds a likes Service.
func New(database *db.DB, authSvc *auth.Service) *Service {
	return &Service{db: database, auth: authSvc}
}

// Like records caller's like of repo, idempotently per spec.md §4.11
// (a second Like by the same user is a no-op, not an error).
func (s *Service) Like(ctx context.Context, repo *models.Repository, caller *models.Principal) error {
	if err := s.auth.CheckRead(ctx, repo, caller); err != nil {
		return err
	}
	if caller == nil || caller.Kind != models.PrincipalUser {
		return errs.New(errs.Unauthorized, "authentication required to like a repository")
	}
	already, err := s.db.HasLiked(ctx, repo.ID, caller.ID)
	if err != nil {
		return errs.Wrap(errs.ServerError, err, "like lookup failed")
	}
	if already {
		return nil
	}
	if err := s.db.Like(ctx, repo.ID, caller.ID); err != nil {
		return errs.Wrap(errs.ServerError, err, "like failed")
	}
	return nil
}

// Unlike removes caller's like, if any.
func (s *Service) Unlike(ctx context.Context, repo *models.Repository, caller *models.Principal) error {
	if err := s.auth.CheckRead(ctx, repo, caller); err != nil {
		return err
	}
	if caller == nil || caller.Kind != models.PrincipalUser {
		return errs.New(errs.Unauthorized, "authentication required to unlike a repository")
	}
	already, err := s.db.HasLiked(ctx, repo.ID, caller.ID)
	if err != nil {
		return errs.Wrap(errs.ServerError, err, "like lookup failed")
	}
	if !already {
		return nil
	}
	if err := s.db.Unlike(ctx, repo.ID, caller.ID); err != nil {
		return errs.Wrap(errs.ServerError, err, "unlike failed")
	}
	return nil
}

// ListLikers returns the user ids who like repo, enforcing read access.
func (s *Service) ListLikers(ctx context.Context, repo *models.Repository, caller *models.Principal) ([]int64, error) {
	if err := s.auth.CheckRead(ctx, repo, caller); err != nil {
		return nil, err
	}
	ids, err := s.db.ListLikers(ctx, repo.ID)
	if err != nil {
		return nil, errs.Wrap(errs.ServerError, err, "list likers failed")
	}
	return ids, nil
}
