package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kohakuhub/hub/internal/errs"
)

func (s *Server) handleLike(w http.ResponseWriter, r *http.Request) {
	s.handleLikeAction(w, r, true)
}

func (s *Server) handleUnlike(w http.ResponseWriter, r *http.Request) {
	s.handleLikeAction(w, r, false)
}

func (s *Server) handleLikeAction(w http.ResponseWriter, r *http.Request, like bool) {
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
		errs.WriteHTTP(w, err)
		return
	}

	if like {
		err = s.likes.Like(r.Context(), repo, caller)
	} else {
		err = s.likes.Unlike(r.Context(), repo, caller)
	}
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLikers(w http.ResponseWriter, r *http.Request) {
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
		errs.WriteHTTP(w, err)
		return
	}

	ids, err := s.likes.ListLikers(r.Context(), repo, caller)
	if err != nil {
		errs.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"userIds": ids})
}
