// Package server exposes the annotator workflow over HTTP: register a batch,
// run the filter or split pipeline, inspect statistics and upload the result.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ccomkhj/datumaro-gui/internal/logger"
	"github.com/ccomkhj/datumaro-gui/internal/runtime"
	"github.com/ccomkhj/datumaro-gui/internal/staging"
)

// DefaultMaxUploadBytes bounds a registration request body.
const DefaultMaxUploadBytes = 2 << 30

// multipartMemory is how much of a multipart form is held in memory before
// parts spill to temporary files.
const multipartMemory = 32 << 20

// Server serves the session API.
type Server struct {
	orch     *runtime.Orchestrator
	stager   *staging.Stager
	uploader runtime.Uploader
	sessions *runtime.SessionStore

	// MaxUploadBytes overrides DefaultMaxUploadBytes when positive.
	MaxUploadBytes int64

	mux *http.ServeMux
	log *slog.Logger
}

// New wires a server. uploader may be nil, in which case uploads fail with
// an invalid-input error.
func New(orch *runtime.Orchestrator, stager *staging.Stager, uploader runtime.Uploader) *Server {
	s := &Server{
		orch:     orch,
		stager:   stager,
		uploader: uploader,
		sessions: runtime.NewSessionStore(),
		mux:      http.NewServeMux(),
		log:      logger.WithComponent("server"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("POST /sessions/{id}/register", s.handleRegister)
	s.mux.HandleFunc("POST /sessions/{id}/filter", s.handleFilter)
	s.mux.HandleFunc("POST /sessions/{id}/split", s.handleSplit)
	s.mux.HandleFunc("GET /sessions/{id}/stats", s.handleSessionStats)
	s.mux.HandleFunc("POST /sessions/{id}/upload", s.handleUpload)
	s.mux.HandleFunc("GET /tasks/{id}/stats", s.handleTaskStats)
}

// Sessions returns the server's session store.
func (s *Server) Sessions() *runtime.SessionStore {
	return s.sessions
}

// ServeHTTP implements http.Handler with request logging.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.log.Debug("request served",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", rec.status),
		slog.Duration("duration", time.Since(start)))
}

// ListenAndServe serves on bind until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, bind string) error {
	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()
	s.log.Info("api server listening", slog.String("address", listener.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api shutdown: %w", err)
		}
		return nil
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
