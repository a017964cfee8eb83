package api

import (
	"context"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"

	"schedflow/internal/domain"
	"schedflow/internal/lifecycle"
)

// TaskService is the task surface the REST layer drives.
type TaskService interface {
	Create(ctx context.Context, req lifecycle.CreateRequest) (domain.Task, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	List(ctx context.Context, f domain.Filter) ([]domain.Task, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Purge(ctx context.Context, id string) error
	Attempts(ctx context.Context, id string) ([]domain.Attempt, error)
	Stats(ctx context.Context) (lifecycle.Stats, error)
	Ping(ctx context.Context) error
}

type Options struct {
	// Token is the bearer token required on /api/v1 routes.
	Token       string
	EnableDebug bool
	// MaxBodyBytes caps request bodies; defaults to 1 MiB.
	MaxBodyBytes int64
	Logger       *zerolog.Logger
}

type Server struct {
	svc     TaskService
	maxBody int64
	log     zerolog.Logger
}

func NewServer(svc TaskService, opts Options) http.Handler {
	lg := log.Logger
	if opts.Logger != nil {
		lg = *opts.Logger
	}
	lg = lg.With().Str("component", "api").Logger()
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	s := &Server{svc: svc, maxBody: opts.MaxBodyBytes, log: lg}

	r := chi.NewRouter()
	r.Use(
		hlog.NewHandler(lg),
		hlog.RequestIDHandler("req_id", "X-Request-Id"),
		middleware.RealIP,
		hlog.AccessHandler(accessLog),
		middleware.Recoverer,
	)

	r.Get("/ping", s.ping)
	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(bearerAuth(opts.Token))
		r.Post("/tasks", s.createTask)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getTask)
		r.Get("/tasks/{id}/attempts", s.listAttempts)
		r.Delete("/tasks/{id}", s.deleteTask)
	})

	if opts.EnableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		r.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
	}

	return r
}

func accessLog(r *http.Request, status, size int, d time.Duration) {
	ev := hlog.FromRequest(r).Info()
	if status >= 500 {
		ev = hlog.FromRequest(r).Warn()
	}
	ev.Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Int("size", size).
		Dur("duration", d).
		Msg("request")
}

func (s *Server) ping(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"ping": "pong!"})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ping(r.Context()); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
