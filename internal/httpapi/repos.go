package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kohakuhub/hub/internal/errs"
	"github.com/kohakuhub/hub/internal/fallback"
	"github.com/kohakuhub/hub/internal/models"
	"github.com/kohakuhub/hub/internal/registry"
	"github.com/kohakuhub/hub/internal/versioned"
)

// maxListLimit bounds the local query and final merge when the caller
// sends no `limit`, standing in for spec.md §8's "limit=None returns
// all merged entries".
const maxListLimit = 10000

type createRepoRequest struct {
	Type      string `json:"type"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Private   bool   `json:"private"`
}

type repoResponse struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Private   bool   `json:"private"`
	Downloads int64  `json:"downloads"`
	Likes     int64  `json:"likes"`
	SHA       string `json:"sha,omitempty"`
}

func toRepoResponse(repo *models.Repository, sha string) repoResponse {
	return repoResponse{
		ID: repo.FullID(), Type: string(repo.Type), Namespace: repo.Namespace, Name: repo.Name,
		Private: repo.Private, Downloads: repo.Downloads, Likes: repo.LikesCount, SHA: sha,
	}
}

func (s *Server) handleCreateRepo(w http.ResponseWriter, r *http.Request) {
	var req createRepoRequest
	if err := readJSON(r, &req); err != nil {
		errs.WriteHTTP(w, err)
		return
	}

	caller, err := s.auth.Resolve(r)
	if err != nil {
		errs.WriteHTTP(w, errs.Wrap(errs.ServerError, err, "auth resolution failed"))
		return
	}
	owner, err := s.resolveNamespaceOwner(r.Context(), req.Namespace)
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}

	repo, err := s.registry.Create(r.Context(), registry.CreateParams{
		Type: models.RepoType(req.Type), Namespace: req.Namespace, Name: req.Name, Private: req.Private,
	}, caller, owner)
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRepoResponse(repo, ""))
}

type deleteRepoRequest struct {
	Type      string `json:"type"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

func (s *Server) handleDeleteRepo(w http.ResponseWriter, r *http.Request) {
	var req deleteRepoRequest
	if err := readJSON(r, &req); err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	caller, err := s.auth.Resolve(r)
	if err != nil {
		errs.WriteHTTP(w, errs.Wrap(errs.ServerError, err, "auth resolution failed"))
		return
	}
	if err := s.registry.Delete(r.Context(), models.RepoType(req.Type), req.Namespace, req.Name, caller); err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type moveRepoRequest struct {
	Type     string `json:"type"`
	FromRepo string `json:"fromRepo"` // "namespace/name"
	ToRepo   string `json:"toRepo"`
}

func splitRepoID(id string) (namespace, name string, ok bool) {
	parts := strings.SplitN(id, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (s *Server) handleMoveRepo(w http.ResponseWriter, r *http.Request) {
	var req moveRepoRequest
	if err := readJSON(r, &req); err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	fromNS, fromName, ok := splitRepoID(req.FromRepo)
	if !ok {
		errs.WriteHTTP(w, errs.New(errs.BadRequest, "invalid fromRepo %q", req.FromRepo))
		return
	}
	toNS, toName, ok := splitRepoID(req.ToRepo)
	if !ok {
		errs.WriteHTTP(w, errs.New(errs.BadRequest, "invalid toRepo %q", req.ToRepo))
		return
	}

	caller, err := s.auth.Resolve(r)
	if err != nil {
		errs.WriteHTTP(w, errs.Wrap(errs.ServerError, err, "auth resolution failed"))
		return
	}
	toOwner, err := s.resolveNamespaceOwner(r.Context(), toNS)
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}

	repo, err := s.registry.Rename(r.Context(), models.RepoType(req.Type), fromNS, fromName, toNS, toName, caller, toOwner)
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRepoResponse(repo, ""))
}

// tipSHA fetches the current branch's commit id for the info/revision
// responses, tolerating a brand new repository with no commits yet.
func (s *Server) tipSHA(r *http.Request, repo *models.Repository) string {
	branch, err := s.vs.GetBranch(r.Context(), repo.StoreRepoName(), "main")
	if err != nil {
		return ""
	}
	return branch.CommitID
}

func (s *Server) handleRepoInfo(w http.ResponseWriter, r *http.Request) {
	repoType, err := repoTypeFromParam(r)
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	namespace, name := chi.URLParam(r, "namespace"), chi.URLParam(r, "name")

	caller, err := s.auth.Resolve(r)
	if err != nil {
		errs.WriteHTTP(w, errs.Wrap(errs.ServerError, err, "auth resolution failed"))
		return
	}

	repo, err := s.registry.Get(r.Context(), repoType, namespace, name, caller)
	if err != nil {
		if e, ok := errs.As(err); ok && e.Kind == errs.RepoNotFound && s.fallback != nil {
			if data, ferr := s.fallback.TryInfo(r.Context(), string(repoType), namespace, name); ferr == nil && data != nil {
				writeJSON(w, http.StatusOK, data)
				return
			}
		}
		errs.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRepoResponse(repo, s.tipSHA(r, repo)))
}

func (s *Server) handleRepoRevision(w http.ResponseWriter, r *http.Request) {
	repoType, err := repoTypeFromParam(r)
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	namespace, name, revision := chi.URLParam(r, "namespace"), chi.URLParam(r, "name"), chi.URLParam(r, "revision")

	caller, err := s.auth.Resolve(r)
	if err != nil {
		errs.WriteHTTP(w, errs.Wrap(errs.ServerError, err, "auth resolution failed"))
		return
	}
	repo, err := s.registry.Get(r.Context(), repoType, namespace, name, caller)
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}

	storeRepo := repo.StoreRepoName()
	commitID := revision
	if branch, berr := s.vs.GetBranch(r.Context(), storeRepo, revision); berr == nil {
		commitID = branch.CommitID
	}
	commit, err := s.vs.GetCommit(r.Context(), storeRepo, commitID)
	if err != nil {
		if versioned.IsNotFound(err) {
			errs.WriteHTTP(w, errs.New(errs.RevisionNotFound, "revision %q not found in %s", revision, repo.FullID()))
			return
		}
		errs.WriteHTTP(w, errs.Wrap(errs.ServerError, err, "revision lookup failed"))
		return
	}
	resp := toRepoResponse(repo, commit.ID)
	writeJSON(w, http.StatusOK, resp)
}

type treeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"` // "file" | "directory"
	Size int64  `json:"size"`
	OID  string `json:"oid"`
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	repoType, err := repoTypeFromParam(r)
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	namespace, name, revision := chi.URLParam(r, "namespace"), chi.URLParam(r, "name"), chi.URLParam(r, "revision")
	prefix := chi.URLParam(r, "*")

	caller, err := s.auth.Resolve(r)
	if err != nil {
		errs.WriteHTTP(w, errs.Wrap(errs.ServerError, err, "auth resolution failed"))
		return
	}
	repo, err := s.registry.Get(r.Context(), repoType, namespace, name, caller)
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}

	result, err := s.vs.ListObjects(r.Context(), repo.StoreRepoName(), revision, prefix, "", "", 1000)
	if err != nil {
		if versioned.IsNotFound(err) {
			errs.WriteHTTP(w, errs.New(errs.RevisionNotFound, "revision %q not found", revision))
			return
		}
		errs.WriteHTTP(w, errs.Wrap(errs.ServerError, err, "tree listing failed"))
		return
	}

	entries := make([]treeEntry, 0, len(result.Results))
	for _, obj := range result.Results {
		kind := "file"
		if obj.PathType == "common_prefix" {
			kind = "directory"
		}
		entries = append(entries, treeEntry{Path: obj.Path, Type: kind, Size: obj.SizeBytes, OID: obj.Checksum})
	}
	writeJSON(w, http.StatusOK, entries)
}

type pathsInfoRequest struct {
	Paths []string `json:"paths"`
}

func (s *Server) handlePathsInfo(w http.ResponseWriter, r *http.Request) {
	repoType, err := repoTypeFromParam(r)
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	namespace, name, revision := chi.URLParam(r, "namespace"), chi.URLParam(r, "name"), chi.URLParam(r, "revision")

	var req pathsInfoRequest
	if err := readJSON(r, &req); err != nil {
		errs.WriteHTTP(w, err)
		return
	}

	caller, err := s.auth.Resolve(r)
	if err != nil {
		errs.WriteHTTP(w, errs.Wrap(errs.ServerError, err, "auth resolution failed"))
		return
	}
	repo, err := s.registry.Get(r.Context(), repoType, namespace, name, caller)
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}

	storeRepo := repo.StoreRepoName()
	out := make([]treeEntry, 0, len(req.Paths))
	for _, p := range req.Paths {
		stat, err := s.vs.StatObject(r.Context(), storeRepo, revision, p)
		if err != nil {
			continue // omit paths that do not exist, matching the HF paths-info contract
		}
		out = append(out, treeEntry{Path: stat.Path, Type: "file", Size: stat.SizeBytes, OID: stat.Checksum})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleListRepos implements the list-aggregation operation of
// spec.md §4.10: local repositories always win on id collision, every
// configured source is queried concurrently regardless of whether the
// namespace is hosted locally, and the caller's limit is applied only
// after the merge.
func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	repoType, err := repoTypeFromParam(r)
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	caller, err := s.auth.Resolve(r)
	if err != nil {
		errs.WriteHTTP(w, errs.Wrap(errs.ServerError, err, "auth resolution failed"))
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	local, err := s.registry.List(r.Context(), repoType, caller, maxListLimit)
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}

	seen := make(map[string]bool, len(local))
	merged := make([]map[string]interface{}, 0, len(local))
	for _, repo := range local {
		merged = append(merged, map[string]interface{}{
			"id": repo.FullID(), "type": string(repo.Type), "namespace": repo.Namespace,
			"name": repo.Name, "private": repo.Private, "downloads": repo.Downloads,
			"likes": repo.LikesCount, "_source": "local",
		})
		seen[repo.FullID()] = true
	}

	if s.fallback != nil && !fallback.DisabledByRequest(r.URL.Query()) {
		remote, err := s.fallback.AggregateList(r.Context(), string(repoType), r.URL.Query())
		if err != nil {
			s.log.Error(err, "fallback list aggregation failed")
		}
		for _, item := range remote {
			if id, ok := item["id"].(string); ok && seen[id] {
				continue // local wins on id collision
			}
			merged = append(merged, item)
		}
	}

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	writeJSON(w, http.StatusOK, merged)
}
