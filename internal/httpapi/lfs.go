package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kohakuhub/hub/internal/errs"
	"github.com/kohakuhub/hub/internal/upload"
)

const lfsContentType = "application/vnd.git-lfs+json"

type lfsBatchObjectRequest struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

type lfsBatchRequest struct {
	Operation string                  `json:"operation"` // "upload" | "download"
	Objects   []lfsBatchObjectRequest `json:"objects"`
}

type lfsActionResponse struct {
	Href   string            `json:"href"`
	Header map[string]string `json:"header,omitempty"`
}

type lfsObjectResponse struct {
	OID           string                       `json:"oid"`
	Size          int64                        `json:"size"`
	Authenticated bool                         `json:"authenticated,omitempty"`
	Actions       map[string]lfsActionResponse `json:"actions,omitempty"`
	Error         *lfsErrorResponse            `json:"error,omitempty"`
}

type lfsErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func toLFSObjectResponse(r upload.LFSObjectResult) lfsObjectResponse {
	resp := lfsObjectResponse{OID: r.OID, Size: r.Size, Authenticated: r.Authenticated}
	if r.ErrorCode != 0 {
		resp.Error = &lfsErrorResponse{Code: r.ErrorCode, Message: r.ErrorMessage}
		return resp
	}
	actions := map[string]lfsActionResponse{}
	if r.Upload != nil {
		actions["upload"] = lfsActionResponse{Href: r.Upload.Href, Header: r.Upload.Header}
	}
	if r.Verify != nil {
		actions["verify"] = lfsActionResponse{Href: r.Verify.Href}
	}
	if r.Download != nil {
		actions["download"] = lfsActionResponse{Href: r.Download.Href}
	}
	if len(actions) > 0 {
		resp.Actions = actions
	}
	return resp
}

func (s *Server) handleLFSBatch(w http.ResponseWriter, r *http.Request) {
	repoType, err := repoTypeFromParam(r)
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	namespace, name := chi.URLParam(r, "namespace"), chi.URLParam(r, "name")

	var req lfsBatchRequest
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

	objects := make([]upload.LFSBatchObject, len(req.Objects))
	for i, o := range req.Objects {
		objects[i] = upload.LFSBatchObject{OID: o.OID, Size: o.Size}
	}

	var results []upload.LFSObjectResult
	if req.Operation == "upload" {
		results, err = s.upload.LFSBatchUpload(r.Context(), repo, objects, caller)
	} else {
		results, err = s.upload.LFSBatchDownload(r.Context(), repo, objects, caller)
	}
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}

	resp := make([]lfsObjectResponse, len(results))
	for i, res := range results {
		resp[i] = toLFSObjectResponse(res)
	}

	w.Header().Set("Content-Type", lfsContentType)
	writeJSON(w, http.StatusOK, map[string]interface{}{"transfer": "basic", "objects": resp})
}

type lfsVerifyRequest struct {
	OID  string `json:"oid"`
	Size int64  `json:"size"`
}

func (s *Server) handleLFSVerify(w http.ResponseWriter, r *http.Request) {
	var req lfsVerifyRequest
	if err := readJSON(r, &req); err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	if err := s.upload.Verify(r.Context(), req.OID, req.Size); err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
