// Package server exposes the daemon's HTTP control API and the WebSocket
// streaming channel.
//
// The control surface is plain net/http with method+pattern routing; the
// streaming channel upgrades to a gorilla WebSocket per project. Errors map
// onto the obvious status codes: unknown project 404, stop-in-flight 409,
// invalid input 400.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhubert/preview-core/config"
	"github.com/zhubert/preview-core/logger"
	"github.com/zhubert/preview-core/store"
	"github.com/zhubert/preview-core/stream"
	"github.com/zhubert/preview-core/supervisor"
)

// Server wires the store, supervisor, and hub behind HTTP.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	sup      *supervisor.Supervisor
	hub      *stream.Hub
	upgrader websocket.Upgrader
}

// New creates a server.
func New(cfg *config.Config, st *store.Store, sup *supervisor.Supervisor, hub *stream.Hub) *Server {
	return &Server{
		cfg:   cfg,
		store: st,
		sup:   sup,
		hub:   hub,
		upgrader: websocket.Upgrader{
			// The daemon trusts its caller; origin checks are the proxy's job
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /projects", s.handleCreateProject)
	mux.HandleFunc("GET /projects", s.handleListProjects)
	mux.HandleFunc("GET /projects/{id}", s.handleGetProject)
	mux.HandleFunc("DELETE /projects/{id}", s.handleDeleteProject)

	mux.HandleFunc("POST /projects/{id}/files", s.handleWriteFile)
	mux.HandleFunc("GET /projects/{id}/files/{path...}", s.handleReadFile)
	mux.HandleFunc("GET /projects/{id}/zip", s.handleZip)

	mux.HandleFunc("POST /projects/{id}/dev-server/start", s.handleStart)
	mux.HandleFunc("POST /projects/{id}/dev-server/stop", s.handleStop)
	mux.HandleFunc("GET /projects/{id}/dev-server/status", s.handleStatus)
	mux.HandleFunc("GET /projects/{id}/dev-server/ws", s.handleWS)

	return mux
}

// Start runs the HTTP server until the context is cancelled, then shuts it
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithComponent("server").Info("listening", "addr", s.cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusCodeFor maps domain errors to HTTP status codes.
func statusCodeFor(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrProjectNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidPath):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"database": "ok", "filesystem": "ok"}
	healthy := true

	if err := s.store.CheckDatabase(r.Context()); err != nil {
		checks["database"] = err.Error()
		healthy = false
	}
	if err := s.store.CheckFilesystem(); err != nil {
		checks["filesystem"] = err.Error()
		healthy = false
	}

	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": overall, "checks": checks})
}

type createProjectRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	p, err := s.store.CreateProject(r.Context(), req.Name)
	if err != nil {
		writeError(w, statusCodeFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		writeError(w, statusCodeFor(err), err.Error())
		return
	}
	if projects == nil {
		projects = []store.Project{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	p, err := s.store.GetProject(r.Context(), id)
	if err != nil {
		writeError(w, statusCodeFor(err), err.Error())
		return
	}
	files, err := s.store.ProjectFiles(r.Context(), id)
	if err != nil {
		writeError(w, statusCodeFor(err), err.Error())
		return
	}
	if files == nil {
		files = []store.File{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": p, "files": files})
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// A running dev server must not outlive its project
	if _, err := s.sup.Stop(id); err != nil && !errors.Is(err, supervisor.ErrProjectNotFound) {
		writeError(w, statusCodeFor(err), err.Error())
		return
	}

	if err := s.store.DeleteProject(r.Context(), id); err != nil {
		writeError(w, statusCodeFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type writeFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req writeFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	f, err := s.store.WriteFile(r.Context(), id, req.Path, req.Content)
	if err != nil {
		writeError(w, statusCodeFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	path := r.PathValue("path")

	content, err := s.store.ReadFile(r.Context(), id, path)
	if err != nil {
		writeError(w, statusCodeFor(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(content))
}

func (s *Server) handleZip(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	data, err := s.store.Zip(r.Context(), id)
	if err != nil {
		writeError(w, statusCodeFor(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".zip"))
	w.Write(data)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	snap, err := s.sup.Start(id)
	if err != nil && snap.State != supervisor.StateError {
		writeError(w, statusCodeFor(err), err.Error())
		return
	}
	if err != nil {
		// Start failed synchronously; the snapshot carries the error state
		writeJSON(w, http.StatusBadGateway, snap)
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, err := s.sup.Stop(id); err != nil {
		writeError(w, statusCodeFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	snap, err := s.sup.Status(id)
	if err != nil {
		writeError(w, statusCodeFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
