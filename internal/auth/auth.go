// Package auth resolves HTTP requests to a Principal and evaluates
// repository permission decisions via a Cedar policy set.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/kohakuhub/hub/internal/db"
	"github.com/kohakuhub/hub/internal/errs"
	"github.com/kohakuhub/hub/internal/models"
)

const sessionCookieName = "kohakuhub_session"

// Service resolves principals and checks permissions for request handlers.
type Service struct {
	db     *db.DB
	policy *Engine
	log    logr.Logger
}

// New builds an auth.Service with its own Cedar policy engine.
func New(database *db.DB, log logr.Logger) (*Service, error) {
	engine, err := NewEngine()
	if err != nil {
		return nil, err
	}
	return &Service{db: database, policy: engine, log: log.WithName("auth")}, nil
}

// HashToken deterministically hashes a bearer secret for storage/lookup;
// bearer secrets are never stored or logged in the clear.
func HashToken(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func (s *Service) lookupByID(ctx context.Context, kind models.PrincipalKind, id int64) (*models.Principal, error) {
	// Username is resolved by a secondary lookup since sessions/tokens key
	// on principal_id, not username; callers needing only id+kind can skip
	// this by constructing the Principal directly.
	row := s.db.QueryRow(ctx, `SELECT username FROM "user" WHERE id = ? AND active = TRUE`, id)
	var username string
	if kind == models.PrincipalUser {
		if err := row.Scan(&username); err != nil {
			return nil, errors.New("inactive or missing user principal")
		}
		return &models.Principal{Kind: kind, ID: id, Username: username}, nil
	}
	row = s.db.QueryRow(ctx, `SELECT name FROM organization WHERE id = ?`, id)
	if err := row.Scan(&username); err != nil {
		return nil, errors.New("missing org principal")
	}
	return &models.Principal{Kind: kind, ID: id, Username: username}, nil
}

// Resolve authenticates an HTTP request via session cookie or Bearer
// token, returning nil for an anonymous caller (not an error).
func (s *Service) Resolve(r *http.Request) (*models.Principal, error) {
	ctx := r.Context()

	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		sess, kind, err := s.db.GetSession(ctx, cookie.Value)
		if err == nil && sess != nil && sess.ExpiresAt.After(time.Now().UTC()) {
			if p, err := s.lookupByID(ctx, kind, sess.PrincipalID); err == nil {
				return p, nil
			}
		}
	}

	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		secret := strings.TrimPrefix(authz, "Bearer ")
		return s.resolveBearer(ctx, secret)
	}

	if username, secret, ok := parseBasicAuth(r); ok {
		_ = username
		return s.resolveBearer(ctx, secret)
	}

	return nil, nil
}

func (s *Service) resolveBearer(ctx context.Context, secret string) (*models.Principal, error) {
	hash := HashToken(secret)
	tok, kind, err := s.db.GetTokenByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, nil
	}
	p, err := s.lookupByID(ctx, kind, tok.PrincipalID)
	if err != nil {
		return nil, nil
	}
	_ = s.db.TouchTokenLastUsed(ctx, tok.ID) // best-effort
	return p, nil
}

// parseBasicAuth extracts username/password from an RFC 7617 Basic
// Authorization header, used by the Git Smart HTTP bridge where the
// password field carries the bearer secret.
func parseBasicAuth(r *http.Request) (username, password string, ok bool) {
	username, password, ok = r.BasicAuth()
	if ok {
		return username, password, true
	}
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "Basic ") {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authz, "Basic "))
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ResolveGitBasicAuth is the Git Smart HTTP entry point: parses the
// Authorization header as Basic auth and resolves the bearer secret.
func (s *Service) ResolveGitBasicAuth(r *http.Request) (*models.Principal, error) {
	_, secret, ok := parseBasicAuth(r)
	if !ok {
		return nil, nil
	}
	return s.resolveBearer(r.Context(), secret)
}

// CreateSession mints a new opaque session id for a principal.
func (s *Service) CreateSession(ctx context.Context, p *models.Principal, expireHours int) (string, error) {
	id := uuid.NewString()
	expiresAt := time.Now().UTC().Add(time.Duration(expireHours) * time.Hour)
	if err := s.db.CreateSession(ctx, id, p.Kind, p.ID, expiresAt); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Service) membershipFor(ctx context.Context, principal *models.Principal, repo *models.Repository) (models.MembershipRole, bool) {
	if principal == nil || principal.Kind != models.PrincipalUser || repo.OwnerPrincipal.Kind != models.PrincipalOrg {
		return "", false
	}
	role, ok, err := s.db.GetMembership(ctx, principal.ID, repo.OwnerPrincipal.ID)
	if err != nil || !ok {
		return "", false
	}
	return role, true
}

// CheckRead enforces spec.md §4.1's read rule, returning an *errs.Error
// (Unauthorized for anonymous, Forbidden otherwise) on denial.
func (s *Service) CheckRead(ctx context.Context, repo *models.Repository, principal *models.Principal) error {
	role, hasMembership := s.membershipFor(ctx, principal, repo)
	if s.policy.evaluate(actionRead, principal, repo, role, hasMembership) {
		return nil
	}
	if principal == nil {
		return errs.New(errs.Unauthorized, "authentication required to read %s", repo.FullID())
	}
	return errs.New(errs.Forbidden, "no read access to %s", repo.FullID())
}

// CheckWrite enforces the write rule.
func (s *Service) CheckWrite(ctx context.Context, repo *models.Repository, principal *models.Principal) error {
	if principal == nil {
		return errs.New(errs.Unauthorized, "authentication required to write %s", repo.FullID())
	}
	role, hasMembership := s.membershipFor(ctx, principal, repo)
	if s.policy.evaluate(actionWrite, principal, repo, role, hasMembership) {
		return nil
	}
	return errs.New(errs.Forbidden, "no write access to %s", repo.FullID())
}

// CheckDelete enforces the delete/rename rule.
func (s *Service) CheckDelete(ctx context.Context, repo *models.Repository, principal *models.Principal) error {
	if principal == nil {
		return errs.New(errs.Unauthorized, "authentication required to delete %s", repo.FullID())
	}
	role, hasMembership := s.membershipFor(ctx, principal, repo)
	if s.policy.evaluate(actionDelete, principal, repo, role, hasMembership) {
		return nil
	}
	return errs.New(errs.Forbidden, "no delete access to %s", repo.FullID())
}

// CheckNamespaceUse enforces the namespace-use rule for repo creation
// under an organization namespace.
func (s *Service) CheckNamespaceUse(ctx context.Context, namespaceOwner *models.Principal, principal *models.Principal) error {
	if principal == nil {
		return errs.New(errs.Unauthorized, "authentication required")
	}
	if namespaceOwner.Kind == models.PrincipalUser {
		if principal.Username == namespaceOwner.Username {
			return nil
		}
		return errs.New(errs.Forbidden, "cannot create repository under another user's namespace")
	}
	role, ok, err := s.db.GetMembership(ctx, principal.ID, namespaceOwner.ID)
	if err != nil {
		return errs.Wrap(errs.ServerError, err, "membership lookup failed")
	}
	if ok && (role == models.RoleMember || role == models.RoleAdmin || role == models.RoleSuperAdmin) {
		return nil
	}
	return errs.New(errs.Forbidden, "not a member of organization %s", namespaceOwner.Username)
}
