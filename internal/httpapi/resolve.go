package httpapi

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kohakuhub/hub/internal/download"
	"github.com/kohakuhub/hub/internal/errs"
	"github.com/kohakuhub/hub/internal/fallback"
	"github.com/kohakuhub/hub/internal/models"
	"github.com/kohakuhub/hub/internal/objectstore"
	"github.com/kohakuhub/hub/internal/versioned"
)

const lfsPresignExpiry = time.Hour

// handleResolve serves both HEAD and GET for the file download endpoint
// of spec.md §4.6: permission check, object stat, branch-to-commit
// resolution, response headers, then either a direct small-file body or
// a 302 to a presigned LFS download URL, with fire-and-forget download
// accounting.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	repoType, err := repoTypeFromParam(r)
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	namespace, name, revision := chi.URLParam(r, "namespace"), chi.URLParam(r, "name"), chi.URLParam(r, "revision")
	filePath := chi.URLParam(r, "*")

	caller, err := s.auth.Resolve(r)
	if err != nil {
		errs.WriteHTTP(w, errs.Wrap(errs.ServerError, err, "auth resolution failed"))
		return
	}

	repo, err := s.registry.Get(r.Context(), repoType, namespace, name, caller)
	if err != nil {
		if e, ok := errs.As(err); ok && e.Kind == errs.RepoNotFound {
			s.tryFallbackResolve(w, r, string(repoType), namespace, name, revision, filePath)
			return
		}
		errs.WriteHTTP(w, err)
		return
	}

	storeRepo := repo.StoreRepoName()
	commitID := revision
	if branch, berr := s.vs.GetBranch(r.Context(), storeRepo, revision); berr == nil {
		commitID = branch.CommitID
	}

	stat, err := s.vs.StatObject(r.Context(), storeRepo, revision, filePath)
	if err != nil {
		if versioned.IsNotFound(err) {
			s.tryFallbackResolve(w, r, string(repoType), namespace, name, revision, filePath)
			return
		}
		errs.WriteHTTP(w, errs.Wrap(errs.ServerError, err, "object stat failed"))
		return
	}

	file, _ := s.db.GetFile(r.Context(), repo.ID, filePath)
	isLFS := file != nil && file.LFS
	checksum := stat.Checksum
	if file != nil {
		checksum = file.Checksum
	}

	w.Header().Set("X-Repo-Commit", commitID)
	w.Header().Set("Accept-Ranges", "bytes")
	contentType := stat.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if stat.Mtime > 0 {
		w.Header().Set("Last-Modified", time.Unix(stat.Mtime, 0).UTC().Format(http.TimeFormat))
	}
	w.Header().Set("Content-Disposition", objectstore.ContentDisposition(path.Base(filePath)))

	if isLFS {
		w.Header().Set("X-Linked-ETag", checksum)
		w.Header().Set("X-Linked-Size", strconv.FormatInt(stat.SizeBytes, 10))

		url, err := s.store.GenerateDownloadURL(r.Context(), objectstore.LFSKey(checksum), lfsPresignExpiry, path.Base(filePath))
		if err != nil {
			errs.WriteHTTP(w, errs.Wrap(errs.ServerError, err, "presign lfs download failed"))
			return
		}
		s.trackDownload(w, r, repo, filePath, caller)
		http.Redirect(w, r, url, http.StatusFound)
		return
	}

	w.Header().Set("ETag", checksum)
	w.Header().Set("Content-Length", strconv.FormatInt(stat.SizeBytes, 10))

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	content, err := s.vs.GetObject(r.Context(), storeRepo, revision, filePath, r.Header.Get("Range"))
	if err != nil {
		errs.WriteHTTP(w, errs.Wrap(errs.ServerError, err, "object fetch failed"))
		return
	}
	s.trackDownload(w, r, repo, filePath, caller)
	if s.metrics != nil {
		s.metrics.DownloadBytesTotal.WithLabelValues(string(repoType)).Add(float64(len(content)))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

// trackDownload mints or reuses the anonymous tracking cookie and fires
// accounting asynchronously, never blocking the response (spec.md §4.8).
func (s *Server) trackDownload(w http.ResponseWriter, r *http.Request, repo *models.Repository, filePath string, caller *models.Principal) {
	if s.download == nil {
		return
	}
	sessionID := ""
	if cookie, err := r.Cookie(download.TrackingCookieName); err == nil {
		sessionID = cookie.Value
	}
	if sessionID == "" {
		sessionID = download.NewSessionID()
		http.SetCookie(w, &http.Cookie{
			Name: download.TrackingCookieName, Value: sessionID, Path: "/",
			MaxAge: int(download.TrackingCookieMaxAge.Seconds()), HttpOnly: true, SameSite: http.SameSiteLaxMode,
		})
	}
	var userID *int64
	if caller != nil && caller.Kind == models.PrincipalUser {
		userID = &caller.ID
	}
	go s.download.Track(context.WithoutCancel(r.Context()), repo, filePath, sessionID, userID)
}

func (s *Server) tryFallbackResolve(w http.ResponseWriter, r *http.Request, repoType, namespace, name, revision, filePath string) {
	if s.fallback == nil || fallback.DisabledByRequest(r.URL.Query()) {
		errs.WriteHTTP(w, errs.New(errs.RepoNotFound, "%s/%s not found", namespace, name))
		return
	}
	result, err := s.fallback.TryResolve(r.Context(), repoType, namespace, name, revision, filePath)
	if err != nil || result == nil {
		errs.WriteHTTP(w, errs.New(errs.RepoNotFound, "%s/%s not found", namespace, name))
		return
	}
	if s.metrics != nil {
		s.metrics.FallbackAttempts.WithLabelValues("resolved").Inc()
	}
	w.Header().Set("X-Fallback-Source", result.SourceName)
	http.Redirect(w, r, result.ExternalURL, http.StatusFound)
}
