// Package gateway is the HTTP surface of execgate: machine inventory
// CRUD, session history, and the exec resource that either streams a
// one-shot command or upgrades into an interactive session.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/antonkrylov/execgate/internal/directory"
	"github.com/antonkrylov/execgate/internal/history"
	"github.com/antonkrylov/execgate/internal/session"
)

// Options configure the gateway server. Directory and Dispatcher are
// required.
type Options struct {
	Directory  *directory.Store
	Dispatcher session.Dispatcher
	History    *history.Store
	Logger     *slog.Logger

	// ConnectTimeout and CloseTimeout are handed to each session; zero
	// means the session defaults.
	ConnectTimeout time.Duration
	CloseTimeout   time.Duration
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.History == nil {
		o.History = history.MustNew()
	}
}

// Server serves the execgate HTTP API.
type Server struct {
	opts Options
	log  *slog.Logger
}

// New builds a Server; mount Router on an http.Server to serve it.
func New(opts Options) *Server {
	opts.setDefaults()
	return &Server{opts: opts, log: opts.Logger}
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/sessions", s.handleListSessions)

	r.Route("/machines", func(r chi.Router) {
		r.Get("/", s.handleListMachines)
		r.Post("/", s.handleCreateMachine)
		r.Route("/{machineID}", func(r chi.Router) {
			r.Get("/", s.handleGetMachine)
			r.Delete("/", s.handleDeleteMachine)
			r.Put("/state", s.handleSetState)
			r.Get("/sessions", s.handleListSessions)
			// The exec resource: POST runs one-shot, GET carries the
			// interactive upgrade handshake.
			r.Post("/exec", s.handleExec)
			r.Get("/exec", s.handleExec)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	machineID := chi.URLParam(r, "machineID")
	s.writeJSON(w, http.StatusOK, s.opts.History.List(machineID))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("encode response", "err", err)
	}
}

// writeError renders the structured rejection body clients rely on.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	detail := session.Describe(err)
	if detail.StatusCode >= http.StatusInternalServerError {
		s.log.Error("request failed", "err", err)
	}
	s.writeJSON(w, detail.StatusCode, detail)
}
