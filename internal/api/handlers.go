package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// startBody is the request body shared by start, start-async and stream.
// RuntimeContext is accepted for wire compatibility but carries no engine
// semantics.
type startBody struct {
	InputData      json.RawMessage `json:"inputData"`
	RuntimeContext json.RawMessage `json:"runtimeContext"`
}

// resumeBody is the request body shared by resume and resume-async.
type resumeBody struct {
	Step           string          `json:"step"`
	ResumeData     json.RawMessage `json:"resumeData"`
	RuntimeContext json.RawMessage `json:"runtimeContext"`
}

// handleCreateRun registers a run snapshot for the workflow. Repeated calls
// with the same runId return the existing snapshot's id.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	runID := r.URL.Query().Get("runId")
	resourceID := r.URL.Query().Get("resourceId")
	if resourceID == "" {
		resourceID = r.PathValue("resource")
	}

	snap, err := s.deps.Engine.CreateRun(r.Context(), workflowID, runID, resourceID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"runId": snap.RunID})
}

// handleStart kicks off the run in the background and returns immediately.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	runID := r.URL.Query().Get("runId")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "runId is required")
		return
	}

	var body startBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.deps.Engine.StartAsync(r.Context(), workflowID, runID, body.InputData); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"runId":  runID,
		"status": schema.RunStatusRunning,
	})
}

// handleStartAsync drives the run to a terminal or suspended state and
// returns the resulting snapshot.
func (s *Server) handleStartAsync(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	runID := r.URL.Query().Get("runId")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "runId is required")
		return
	}

	var body startBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := s.deps.Engine.Start(r.Context(), workflowID, runID, body.InputData)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleResume re-enters a suspended run and waits for the next terminal or
// suspended state.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	runID := r.URL.Query().Get("runId")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "runId is required")
		return
	}

	var body resumeBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Step == "" {
		writeError(w, http.StatusBadRequest, "step is required")
		return
	}

	snap, err := s.deps.Engine.Resume(r.Context(), workflowID, runID, body.Step, body.ResumeData)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleResumeAsync claims the resume synchronously, so protocol misuse still
// surfaces as an error, then walks in the background.
func (s *Server) handleResumeAsync(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	runID := r.URL.Query().Get("runId")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "runId is required")
		return
	}

	var body resumeBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Step == "" {
		writeError(w, http.StatusBadRequest, "step is required")
		return
	}

	if err := s.deps.Engine.ResumeAsync(r.Context(), workflowID, runID, body.Step, body.ResumeData); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"runId":  runID,
		"status": schema.RunStatusRunning,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	runID := r.PathValue("runId")

	snap, err := s.deps.Engine.Cancel(r.Context(), workflowID, runID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSendEvent(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")

	var body struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Event == "" {
		writeError(w, http.StatusBadRequest, "event is required")
		return
	}

	delivered, err := s.deps.Engine.SendEvent(r.Context(), runID, body.Event, body.Data)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"delivered": delivered})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")

	filter := store.SnapshotFilter{
		ResourceID: r.URL.Query().Get("resourceId"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}
	if t, ok := queryTime(r, "fromDate"); ok {
		filter.FromDate = &t
	}
	if t, ok := queryTime(r, "toDate"); ok {
		filter.ToDate = &t
	}

	runs, total, err := s.deps.Engine.ListRuns(r.Context(), workflowID, filter)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "total": total})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Engine.GetRun(r.Context(), r.PathValue("id"), r.PathValue("runId"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleGraph renders the workflow's step graph. With runId set, step status
// from that run is overlaid onto the diagram.
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")

	def, err := s.deps.Engine.Workflow(workflowID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	var snap *store.RunSnapshot
	if runID := r.URL.Query().Get("runId"); runID != "" {
		snap, err = s.deps.Engine.GetRun(r.Context(), workflowID, runID)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
	}

	model := diagram.Build(def, snap)
	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(diagram.RenderMermaid(model)))
	case "ascii":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(diagram.RenderASCII(model)))
	default:
		writeError(w, http.StatusBadRequest, "unknown format: "+format)
	}
}

func (s *Server) handleExecutionResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Engine.GetExecutionResult(r.Context(), r.PathValue("id"), r.PathValue("runId"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queryTime parses an RFC 3339 query param.
func queryTime(r *http.Request, key string) (time.Time, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
