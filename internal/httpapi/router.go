// Package httpapi wires every registry subsystem into the HuggingFace
// Hub-compatible HTTP surface of spec.md §6, grounded on the teacher's
// pkg/registryapi server/router shape (go-chi/chi/v5, a layered
// middleware stack, JSON response helpers) generalized from a single
// Kubernetes-registry API to the full repository/upload/download/
// git-bridge surface this registry exposes.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"

	"github.com/kohakuhub/hub/internal/auth"
	"github.com/kohakuhub/hub/internal/db"
	"github.com/kohakuhub/hub/internal/download"
	"github.com/kohakuhub/hub/internal/errs"
	"github.com/kohakuhub/hub/internal/fallback"
	"github.com/kohakuhub/hub/internal/gitbridge"
	"github.com/kohakuhub/hub/internal/likes"
	"github.com/kohakuhub/hub/internal/metrics"
	"github.com/kohakuhub/hub/internal/models"
	"github.com/kohakuhub/hub/internal/objectstore"
	"github.com/kohakuhub/hub/internal/quota"
	"github.com/kohakuhub/hub/internal/registry"
	"github.com/kohakuhub/hub/internal/upload"
	"github.com/kohakuhub/hub/internal/versioned"
)

// Server owns every dependency a handler needs. It holds no per-request
// state, matching the teacher's Server{config, kubeClient, ...} shape.
type Server struct {
	db       *db.DB
	vs       *versioned.Client
	store    *objectstore.Store
	quota    *quota.Engine
	auth     *auth.Service
	registry *registry.Service
	upload   *upload.Service
	download *download.Service
	likes    *likes.Service
	fallback *fallback.Engine
	git      *gitbridge.Service
	metrics  *metrics.Registry
	log      logr.Logger
}

// Config bundles every collaborator New needs.
type Config struct {
	DB       *db.DB
	VS       *versioned.Client
	Store    *objectstore.Store
	Quota    *quota.Engine
	Auth     *auth.Service
	Registry *registry.Service
	Upload   *upload.Service
	Download *download.Service
	Likes    *likes.Service
	Fallback *fallback.Engine
	Git      *gitbridge.Service
	Metrics  *metrics.Registry
	Log      logr.Logger
}

// New builds a Server from its wired collaborators.
func New(cfg Config) *Server {
	return &Server{
		db: cfg.DB, vs: cfg.VS, store: cfg.Store, quota: cfg.Quota, auth: cfg.Auth,
		registry: cfg.Registry, upload: cfg.Upload, download: cfg.Download, likes: cfg.Likes,
		fallback: cfg.Fallback, git: cfg.Git, metrics: cfg.Metrics, log: cfg.Log.WithName("httpapi"),
	}
}

// Routes builds the full router, mirroring the teacher's
// setupRoutes-builds-a-chi.Mux-with-a-middleware-stack-then-nested-Route-
// blocks pattern.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	if s.metrics != nil {
		r.Use(s.instrument)
	}

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/repos/create", s.handleCreateRepo)
		r.Delete("/repos/delete", s.handleDeleteRepo)
		r.Post("/repos/move", s.handleMoveRepo)

		r.Get("/{repoType}s", s.handleListRepos)

		r.Route("/{repoType}s/{namespace}/{name}", func(r chi.Router) {
			r.Get("/", s.handleRepoInfo)
			r.Get("/revision/{revision}", s.handleRepoRevision)
			r.Get("/tree/{revision}/*", s.handleTree)
			r.Post("/paths-info/{revision}", s.handlePathsInfo)
			r.Post("/preupload/{revision}", s.handlePreupload)
			r.Post("/commit/{revision}", s.handleCommit)
		})
	})

	r.Route("/{repoType}s/{namespace}/{name}", func(r chi.Router) {
		r.Head("/resolve/{revision}/*", s.handleResolve)
		r.Get("/resolve/{revision}/*", s.handleResolve)
		r.Post("/like", s.handleLike)
		r.Delete("/like", s.handleUnlike)
		r.Get("/likers", s.handleLikers)
	})
	r.Post("/{repoType}s/{namespace}/{name}.git/info/lfs/objects/batch", s.handleLFSBatch)
	r.Post("/api/{namespace}/{name}.git/info/lfs/verify", s.handleLFSVerify)

	r.Route("/{namespace}/{name}.git", func(r chi.Router) {
		r.Get("/info/refs", s.git.InfoRefs)
		r.Post("/git-upload-pack", s.git.UploadPack)
		r.Post("/git-receive-pack", s.git.ReceivePack)
		r.Get("/HEAD", s.git.HEAD)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusRecorder captures the status code a handler wrote so the metrics
// middleware can label requests without every handler reporting it
// itself.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, http.StatusText(rec.status)).Inc()
		s.metrics.HTTPRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// repoTypeFromParam validates and converts the plural URL segment
// ("models", "datasets", "spaces") into a models.RepoType.
func repoTypeFromParam(r *http.Request) (models.RepoType, error) {
	raw := chi.URLParam(r, "repoType")
	singular := strings.TrimSuffix(raw, "s")
	switch models.RepoType(singular) {
	case models.RepoTypeModel, models.RepoTypeDataset, models.RepoTypeSpace:
		return models.RepoType(singular), nil
	default:
		return "", errs.New(errs.InvalidRepoType, "unknown repository type %q", raw)
	}
}

// resolveNamespaceOwner maps a namespace path segment to its owning
// Principal, trying a user first and falling back to an organization —
// the same ambiguity the create/move/namespace-use flows all share.
func (s *Server) resolveNamespaceOwner(ctx context.Context, namespace string) (*models.Principal, error) {
	user, err := s.db.GetUserByUsername(ctx, namespace)
	if err != nil {
		return nil, errs.Wrap(errs.ServerError, err, "namespace owner lookup failed")
	}
	if user != nil {
		return &models.Principal{Kind: models.PrincipalUser, ID: user.ID, Username: user.Username}, nil
	}
	org, err := s.db.GetOrganizationByName(ctx, namespace)
	if err != nil {
		return nil, errs.Wrap(errs.ServerError, err, "namespace owner lookup failed")
	}
	if org != nil {
		return &models.Principal{Kind: models.PrincipalOrg, ID: org.ID, Username: org.Name}, nil
	}
	return nil, errs.New(errs.BadRequest, "unknown namespace %q", namespace)
}
