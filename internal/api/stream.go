package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

// frameSeparator terminates each event in the legacy frame protocol.
const frameSeparator = '\x1e'

// eventWriter renders one transition event onto the response body.
type eventWriter func(w http.ResponseWriter, ev schema.TransitionEvent) error

// writeFrame serializes an event as `<json>\x1E` for the legacy protocol.
func writeFrame(w http.ResponseWriter, ev schema.TransitionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = w.Write([]byte{frameSeparator})
	return err
}

// newPartWriter renders events as v5 SSE stream parts. One mapper per stream:
// text bracketing is stateful.
func newPartWriter() eventWriter {
	mapper := streaming.NewPartMapper()
	return func(w http.ResponseWriter, ev schema.TransitionEvent) error {
		for _, part := range mapper.Map(ev) {
			data, err := json.Marshal(part)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return err
			}
		}
		return nil
	}
}

// handleStream starts the run and streams its transition events using the
// legacy frame protocol until the run reaches a terminal or suspended state.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.serveRunStream(w, r, writeFrame)
}

// handleStreamVNext is the v5 variant: same lifecycle, SSE-encoded parts.
func (s *Server) handleStreamVNext(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	s.serveRunStream(w, r, newPartWriter())
}

// serveRunStream subscribes, starts the run in the background and pumps
// events to the client. A client disconnect before the run finishes is
// treated as a cancellation request.
func (s *Server) serveRunStream(w http.ResponseWriter, r *http.Request, write eventWriter) {
	workflowID := r.PathValue("id")
	runID := r.URL.Query().Get("runId")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "runId is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var body startBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()

	// StartAsync validates in the background, so an unknown run would
	// otherwise subscribe to a channel nothing ever publishes on.
	if _, err := s.deps.Engine.GetRun(ctx, workflowID, runID); err != nil {
		s.writeEngineError(w, err)
		return
	}

	// Subscribe before starting so the run-started event is not missed.
	ch, cancelSub, err := s.deps.Engine.Watch(ctx, runID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	defer cancelSub()

	if err := s.deps.Engine.StartAsync(ctx, workflowID, runID, body.InputData); err != nil {
		s.writeEngineError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	for {
		select {
		case <-ctx.Done():
			// Client went away mid-run: ask the engine to stop the walk.
			cancelCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if _, cErr := s.deps.Engine.Cancel(cancelCtx, workflowID, runID); cErr != nil {
				s.deps.Logger.Warn("cancel after client disconnect failed", "run_id", runID, "error", cErr)
			}
			done()
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if err := write(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.TerminalRun() {
				return
			}
		}
	}
}

// handleWatch attaches to an in-flight run without starting it. eventType
// selects the encoding: "watch" streams raw transition events as legacy
// frames, "watch-v2" streams v5 parts. Disconnecting a watcher never cancels
// the run.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	runID := r.URL.Query().Get("runId")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "runId is required")
		return
	}

	var write eventWriter
	switch r.URL.Query().Get("eventType") {
	case "", "watch":
		write = writeFrame
		w.Header().Set("Content-Type", "application/json")
	case "watch-v2":
		write = newPartWriter()
		w.Header().Set("Content-Type", "text/event-stream")
	default:
		writeError(w, http.StatusBadRequest, "eventType must be watch or watch-v2")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()

	ch, cancelSub, err := s.deps.Engine.Watch(ctx, runID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	defer cancelSub()

	// A run that already settled will never publish again; synthesize its
	// terminal event from the snapshot so late watchers still get closure.
	snap, err := s.deps.Engine.GetRun(ctx, workflowID, runID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if snap.Status.Terminal() || snap.Status == schema.RunStatusSuspended {
		ev := terminalEvent(snap.WorkflowID, snap.RunID, snap.Status)
		_ = write(w, ev)
		flusher.Flush()
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if err := write(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.TerminalRun() {
				return
			}
		}
	}
}

func terminalEvent(workflowID, runID string, status schema.RunStatus) schema.TransitionEvent {
	typ := schema.EventRunFinished
	switch status {
	case schema.RunStatusSuspended:
		typ = schema.EventRunSuspended
	case schema.RunStatusCanceled:
		typ = schema.EventRunCanceled
	}
	return schema.TransitionEvent{
		RunID:      runID,
		WorkflowID: workflowID,
		Type:       typ,
		Status:     status,
		Timestamp:  time.Now().UTC(),
	}
}
