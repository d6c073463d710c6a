// Package api exposes import intake, job control and schedules over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/eventimport/internal/intake"
	"github.com/sells-group/eventimport/internal/model"
	"github.com/sells-group/eventimport/internal/settings"
	"github.com/sells-group/eventimport/internal/store"
)

// JobController changes job state on behalf of a user.
type JobController interface {
	Approve(ctx context.Context, jobID, approvedBy, notes string) (*model.ImportJob, error)
	Reject(ctx context.Context, jobID, rejectedBy, reason string) (*model.ImportJob, error)
	Retry(ctx context.Context, jobID string, stage model.Stage) (*model.ImportJob, error)
}

// Intaker accepts uploaded files.
type Intaker interface {
	Intake(ctx context.Context, u intake.Upload) (*model.ImportFile, error)
	Limit(override int64) int64
}

// Trigger starts a scheduled import immediately.
type Trigger interface {
	Trigger(ctx context.Context, id string) error
}

// Deps are the services the API is built on.
type Deps struct {
	Store       store.Store
	Jobs        JobController
	Intake      Intaker
	Scheduler   Trigger
	Flags       *settings.Cache
	CORSOrigins []string
}

// Server serves the HTTP API.
type Server struct {
	deps Deps
	log  *zap.Logger
}

// New creates a Server.
func New(deps Deps) *Server {
	return &Server{deps: deps, log: zap.L().With(zap.String("component", "api"))}
}

// Routes returns the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/imports", s.createImport)
		r.Get("/import-files/{id}", s.getImportFile)
		r.Route("/import-jobs/{id}", func(r chi.Router) {
			r.Get("/", s.getImportJob)
			r.Post("/approve", s.approveJob)
			r.Post("/reject", s.rejectJob)
			r.Post("/retry", s.retryJob)
		})
		r.Get("/scheduled-imports", s.listSchedules)
		r.Post("/scheduled-imports/{id}/trigger", s.triggerSchedule)
		r.Post("/settings/invalidate", s.invalidateSettings)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		s.log.Warn("api: health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
