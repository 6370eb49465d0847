// Copyright 2025 James Ross
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server exposes a read/operational HTTP surface over a set of named
// queues: GET /stats, GET /queues/{name}/peek, POST /queues/{name}/pause,
// POST /queues/{name}/resume.
type Server struct {
	byName map[string]*Admin
	log    *zap.Logger
	srv    *http.Server
}

// NewServer builds a Server over the given name->Admin registry.
func NewServer(addr string, byName map[string]*Admin, log *zap.Logger) *Server {
	s := &Server{byName: byName, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/queues/{name}/peek", s.handlePeek).Methods(http.MethodGet)
	r.HandleFunc("/queues/{name}/pause", s.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/queues/{name}/resume", s.handleResume).Methods(http.MethodPost)

	s.srv = &http.Server{Addr: addr, Handler: r}
	return s
}

// Start begins serving in the background; call Shutdown to stop it.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("admin http server exited", zap.Error(err))
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler returns the underlying HTTP handler, useful for testing without
// binding a real listener.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	all := make([]Stats, 0, len(s.byName))
	for _, a := range s.byName {
		st, err := a.Stats(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		all = append(all, st)
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handlePeek(w http.ResponseWriter, r *http.Request) {
	a, ok := s.lookup(w, r)
	if !ok {
		return
	}
	set := r.URL.Query().Get("set")
	if set == "" {
		set = SetWait
	}
	n := int64(10)
	if raw := r.URL.Query().Get("n"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			n = v
		}
	}

	var jobs interface{}
	var err error
	if q := r.URL.Query().Get("query"); q != "" {
		jobs, err = a.SearchJobs(r.Context(), set, q, n*10, n)
	} else if path := r.URL.Query().Get("path"); path != "" {
		jobs, err = a.PeekQuery(r.Context(), set, path, n*10, n)
	} else {
		jobs, err = a.Peek(r.Context(), set, n)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	a, ok := s.lookup(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := a.Pause(ctx); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	a, ok := s.lookup(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := a.Resume(ctx); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*Admin, bool) {
	name := mux.Vars(r)["name"]
	a, ok := s.byName[name]
	if !ok {
		http.Error(w, "unknown queue "+name, http.StatusNotFound)
		return nil, false
	}
	return a, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
