package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/pkg/schema"
)

// Deps holds the dependencies for the API server.
type Deps struct {
	Engine *engine.Engine
	Logger *slog.Logger
}

// Server exposes the run engine over HTTP. Routes are grouped under
// /{resource}/{id}/ where id is the registered workflow and resource is an
// opaque namespace segment carried through to the run snapshot.
type Server struct {
	deps Deps
}

// NewServer creates the API server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler with all routes mounted.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Run lifecycle.
	mux.HandleFunc("POST /{resource}/{id}/create-run", s.handleCreateRun)
	mux.HandleFunc("POST /{resource}/{id}/start", s.handleStart)
	mux.HandleFunc("POST /{resource}/{id}/start-async", s.handleStartAsync)
	mux.HandleFunc("POST /{resource}/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /{resource}/{id}/resume-async", s.handleResumeAsync)
	mux.HandleFunc("POST /{resource}/{id}/runs/{runId}/cancel", s.handleCancel)
	mux.HandleFunc("POST /{resource}/{id}/runs/{runId}/send-event", s.handleSendEvent)

	// Streaming.
	mux.HandleFunc("POST /{resource}/{id}/stream", s.handleStream)
	mux.HandleFunc("POST /{resource}/{id}/streamVNext", s.handleStreamVNext)
	mux.HandleFunc("GET /{resource}/{id}/watch", s.handleWatch)

	// Persisted-state reads.
	mux.HandleFunc("GET /{resource}/{id}/graph", s.handleGraph)
	mux.HandleFunc("GET /{resource}/{id}/runs", s.handleListRuns)
	mux.HandleFunc("GET /{resource}/{id}/runs/{runId}", s.handleGetRun)
	mux.HandleFunc("GET /{resource}/{id}/runs/{runId}/execution-result", s.handleExecutionResult)

	return mux
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a plain JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps a structured engine error to an HTTP status and
// writes the error as the response body. Raw errors never cross the API
// boundary; anything unstructured becomes an opaque 500.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var engErr *schema.EngineError
	if !errors.As(err, &engErr) {
		s.deps.Logger.Error("unstructured error at API boundary", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, statusFor(engErr.Code), engErr)
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeRunNotFound:
		return http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeGraphValidation, schema.ErrCodeInvalidResumeTarget:
		return http.StatusBadRequest
	case schema.ErrCodeRunNotSuspended, schema.ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
