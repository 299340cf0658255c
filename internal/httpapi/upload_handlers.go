package httpapi

import (
	"encoding/base64"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kohakuhub/hub/internal/errs"
	"github.com/kohakuhub/hub/internal/models"
	"github.com/kohakuhub/hub/internal/upload"
)

type preuploadFileRequest struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256,omitempty"`
	Sample string `json:"sample,omitempty"`
}

type preuploadRequest struct {
	Files []preuploadFileRequest `json:"files"`
}

type preuploadFileResponse struct {
	Path         string `json:"path"`
	UploadMode   string `json:"uploadMode"`
	ShouldIgnore bool   `json:"shouldIgnore"`
}

func (s *Server) handlePreupload(w http.ResponseWriter, r *http.Request) {
	repoType, err := repoTypeFromParam(r)
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	namespace, name, revision := chi.URLParam(r, "namespace"), chi.URLParam(r, "name"), chi.URLParam(r, "revision")

	var req preuploadRequest
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

	entries := make([]upload.PreuploadEntry, len(req.Files))
	for i, f := range req.Files {
		entries[i] = upload.PreuploadEntry{Path: f.Path, Size: f.Size, SHA256: f.SHA256, Sample: f.Sample}
	}
	results, err := s.upload.Preupload(r.Context(), repo, revision, entries, caller)
	if err != nil {
		s.recordQuotaRejection(repo, err)
		errs.WriteHTTP(w, err)
		return
	}

	resp := make([]preuploadFileResponse, len(results))
	for i, res := range results {
		resp[i] = preuploadFileResponse{Path: res.Path, UploadMode: res.UploadMode, ShouldIgnore: res.ShouldIgnore}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"files": resp})
}

// commitOperationRequest is a deliberate simplification of the upstream
// Hub's multipart-NDJSON commit wire format: one JSON array of typed
// operations instead of a streamed header+payload sequence, chosen
// because the registry core already models a commit as exactly this
// shape (upload.Operation).
type commitOperationRequest struct {
	Kind           string `json:"kind"` // "put_regular" | "put_lfs" | "delete"
	Path           string `json:"path"`
	SHA256         string `json:"sha256"`
	Size           int64  `json:"size"`
	ContentBase64  string `json:"content,omitempty"`
}

type commitRequest struct {
	Message    string                    `json:"message"`
	Operations []commitOperationRequest `json:"operations"`
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	repoType, err := repoTypeFromParam(r)
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	namespace, name, revision := chi.URLParam(r, "namespace"), chi.URLParam(r, "name"), chi.URLParam(r, "revision")

	var req commitRequest
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

	ops := make([]upload.Operation, len(req.Operations))
	for i, o := range req.Operations {
		var content []byte
		if o.ContentBase64 != "" {
			content, err = base64.StdEncoding.DecodeString(o.ContentBase64)
			if err != nil {
				errs.WriteHTTP(w, errs.New(errs.BadRequest, "invalid base64 content for %s", o.Path))
				return
			}
		}
		ops[i] = upload.Operation{Kind: o.Kind, Path: o.Path, SHA256: o.SHA256, Size: o.Size, Content: content}
	}

	result, err := s.upload.Commit(r.Context(), repo, revision, req.Message, ops, caller)
	if err != nil {
		s.recordQuotaRejection(repo, err)
		errs.WriteHTTP(w, err)
		return
	}
	s.recordUploadBytes(ops)
	writeJSON(w, http.StatusOK, map[string]string{"commitOid": result.CommitID})
}

// recordQuotaRejection increments the quota-rejection counter when the
// pipeline failed with errs.QuotaExceeded, labeled by the quota scope
// the namespace draws from (user or organization).
func (s *Server) recordQuotaRejection(repo *models.Repository, err error) {
	if s.metrics == nil {
		return
	}
	e, ok := errs.As(err)
	if !ok || e.Kind != errs.QuotaExceeded {
		return
	}
	namespaceKind := "user"
	if repo.OwnerPrincipal.Kind == models.PrincipalOrg {
		namespaceKind = "org"
	}
	s.metrics.QuotaRejections.WithLabelValues(namespaceKind).Inc()
}

// recordUploadBytes tallies the bytes a successful commit promoted,
// split by upload mode so the counter mirrors the preupload
// regular/lfs classification.
func (s *Server) recordUploadBytes(ops []upload.Operation) {
	if s.metrics == nil {
		return
	}
	for _, op := range ops {
		if op.Kind == "delete" {
			continue
		}
		mode := "regular"
		if op.Kind == "put_lfs" {
			mode = "lfs"
		}
		s.metrics.UploadBytesTotal.WithLabelValues(mode).Add(float64(op.Size))
	}
}
