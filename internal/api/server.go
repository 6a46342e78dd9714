package api

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/eargollo/hashguard/internal/api/handlers"
	"github.com/eargollo/hashguard/internal/config"
	"github.com/eargollo/hashguard/internal/jobs"
	"github.com/eargollo/hashguard/internal/quarantine"
	"github.com/eargollo/hashguard/internal/scheduler"
	"github.com/eargollo/hashguard/internal/signatures"
)

// Server holds the HTTP server and all handler dependencies.
type Server struct {
	addr string
	srv  *http.Server
}

// Deps are the components the handlers read from and drive.
type Deps struct {
	DB         *sql.DB
	Config     *config.Config
	Store      *signatures.Store
	Jobs       *jobs.Manager
	Quarantine *quarantine.Manager
	Sched      *scheduler.Scheduler
	Version    string
}

// New wires all routes and returns a Server ready to Run.
func New(addr string, d Deps) *Server {
	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(d),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// NewRouter builds the chi router serving the JSON API.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	statusH := &handlers.StatusHandler{
		DB:         d.DB,
		Store:      d.Store,
		Manager:    d.Jobs,
		Sched:      d.Sched,
		ScanPaused: d.Config.ScanPaused,
		Version:    d.Version,
	}
	scansH := &handlers.ScansHandler{DB: d.DB, Manager: d.Jobs, ScanPaths: d.Config.ScanPaths}
	updatesH := &handlers.UpdatesHandler{Manager: d.Jobs}
	jobsH := &handlers.JobsHandler{Manager: d.Jobs}
	quarantineH := &handlers.QuarantineHandler{Quarantine: d.Quarantine}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", statusH.ServeHTTP)

		r.Post("/updates", updatesH.Create)
		r.Get("/updates/last", updatesH.Last)

		r.Post("/scans", scansH.Create)
		r.Get("/scans", scansH.List)
		r.Get("/scans/{id}", scansH.Get)

		r.Delete("/jobs/current", jobsH.Cancel)

		r.Get("/quarantine", quarantineH.List)
		r.Post("/quarantine/{id}/restore", quarantineH.Restore)
	})

	return r
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
