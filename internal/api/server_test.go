package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/events"
	"github.com/rendis/stepflow/internal/graph"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()
	hub := streaming.NewMemoryHub()
	waiter := events.NewWaiter(st, logger)
	e, err := engine.New(st, hub, waiter, logger, engine.Options{})
	require.NoError(t, err)
	t.Cleanup(e.Shutdown)

	def, err := graph.New("wf").
		Step("double", "double").
		Step("gate", "gate").
		Commit()
	require.NoError(t, err)
	e.RegisterWorkflow(def)

	e.Executors().RegisterFunc("double", func(_ context.Context, ec *engine.ExecContext) (json.RawMessage, error) {
		var in struct {
			N int `json:"n"`
		}
		_ = json.Unmarshal(ec.Input, &in)
		return json.Marshal(map[string]int{"n": in.N * 2})
	})
	e.Executors().RegisterFunc("gate", func(_ context.Context, ec *engine.ExecContext) (json.RawMessage, error) {
		if ec.ResumeData != nil {
			return ec.ResumeData, nil
		}
		var in struct {
			N int `json:"n"`
		}
		_ = json.Unmarshal(ec.Input, &in)
		if in.N >= 10 {
			return nil, ec.Suspend(json.RawMessage(`{"reason":"too big"}`))
		}
		return ec.Input, nil
	})

	return NewServer(Deps{Engine: e, Logger: logger}), e
}

func doJSON(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createRun(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/workflows/wf/create-run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		RunID string `json:"runId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out.RunID)
	return out.RunID
}

func TestCreateRun_UnknownWorkflow(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/workflows/nope/create-run", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartAsync_ReturnsFinalSnapshot(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	runID := createRun(t, h)

	rec := doJSON(t, h, http.MethodPost, "/workflows/wf/start-async?runId="+runID,
		map[string]any{"inputData": map[string]int{"n": 2}})
	require.Equal(t, http.StatusOK, rec.Code)

	var snap store.RunSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, schema.RunStatusSuccess, snap.Status)
	assert.JSONEq(t, `{"n":4}`, string(snap.Output))
}

func TestStartAsync_MissingRunID(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/workflows/wf/start-async", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStart_ReturnsAccepted(t *testing.T) {
	srv, e := newTestServer(t)
	h := srv.Handler()
	runID := createRun(t, h)

	rec := doJSON(t, h, http.MethodPost, "/workflows/wf/start?runId="+runID,
		map[string]any{"inputData": map[string]int{"n": 1}})
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		snap, err := e.GetRun(context.Background(), "wf", runID)
		return err == nil && snap.Status == schema.RunStatusSuccess
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResume_RoundTripOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	runID := createRun(t, h)

	// n=10 doubles to 20, which trips the gate.
	rec := doJSON(t, h, http.MethodPost, "/workflows/wf/start-async?runId="+runID,
		map[string]any{"inputData": map[string]int{"n": 10}})
	require.Equal(t, http.StatusOK, rec.Code)
	var snap store.RunSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, schema.RunStatusSuspended, snap.Status)
	require.Len(t, snap.Suspended, 1)

	rec = doJSON(t, h, http.MethodPost, "/workflows/wf/resume?runId="+runID,
		map[string]any{"step": snap.Suspended[0].Path, "resumeData": map[string]bool{"approved": true}})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, schema.RunStatusSuccess, snap.Status)
}

func TestResume_ErrorMapping(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	runID := createRun(t, h)

	// Not suspended yet.
	rec := doJSON(t, h, http.MethodPost, "/workflows/wf/resume?runId="+runID,
		map[string]any{"step": "wf.seq.gate"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Suspend it, then target the wrong node.
	doJSON(t, h, http.MethodPost, "/workflows/wf/start-async?runId="+runID,
		map[string]any{"inputData": map[string]int{"n": 10}})
	rec = doJSON(t, h, http.MethodPost, "/workflows/wf/resume?runId="+runID,
		map[string]any{"step": "wf.seq.double"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var engErr schema.EngineError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &engErr))
	assert.Equal(t, schema.ErrCodeInvalidResumeTarget, engErr.Code)
}

func TestCancel_SuspendedRunOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	runID := createRun(t, h)

	doJSON(t, h, http.MethodPost, "/workflows/wf/start-async?runId="+runID,
		map[string]any{"inputData": map[string]int{"n": 10}})

	rec := doJSON(t, h, http.MethodPost, "/workflows/wf/runs/"+runID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap store.RunSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, schema.RunStatusCanceled, snap.Status)
}

func TestSendEvent_NoWaiter(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/workflows/wf/runs/no-such-run/send-event",
		map[string]any{"event": "approved"})
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Delivered bool `json:"delivered"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.False(t, out.Delivered)
}

func TestListAndGetRuns(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	runID := createRun(t, h)
	doJSON(t, h, http.MethodPost, "/workflows/wf/start-async?runId="+runID,
		map[string]any{"inputData": map[string]int{"n": 1}})

	rec := doJSON(t, h, http.MethodGet, "/workflows/wf/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Runs  []*store.RunSnapshot `json:"runs"`
		Total int                  `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)

	rec = doJSON(t, h, http.MethodGet, "/workflows/wf/runs/"+runID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/workflows/wf/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/workflows/wf/runs/"+runID+"/execution-result", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var res engine.ExecutionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, schema.RunStatusSuccess, res.Status)
}

func TestExecutionResult_PendingRunConflicts(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	runID := createRun(t, h)

	rec := doJSON(t, h, http.MethodGet, "/workflows/wf/runs/"+runID+"/execution-result", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// --- stream protocols ---

func parseFrames(t *testing.T, body []byte) []schema.TransitionEvent {
	t.Helper()
	var out []schema.TransitionEvent
	for _, raw := range bytes.Split(body, []byte{frameSeparator}) {
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var ev schema.TransitionEvent
		require.NoError(t, json.Unmarshal(raw, &ev))
		out = append(out, ev)
	}
	return out
}

func parseParts(t *testing.T, body string) []schema.StreamPart {
	t.Helper()
	var out []schema.StreamPart
	for _, line := range strings.Split(body, "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var part schema.StreamPart
		require.NoError(t, json.Unmarshal([]byte(data), &part))
		out = append(out, part)
	}
	return out
}

func TestStream_LegacyFrames(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	runID := createRun(t, h)

	rec := doJSON(t, h, http.MethodPost, "/workflows/wf/stream?runId="+runID,
		map[string]any{"inputData": map[string]int{"n": 1}})
	require.Equal(t, http.StatusOK, rec.Code)

	frames := parseFrames(t, rec.Body.Bytes())
	require.NotEmpty(t, frames)
	assert.Equal(t, schema.EventRunStarted, frames[0].Type)
	last := frames[len(frames)-1]
	assert.Equal(t, schema.EventRunFinished, last.Type)
	assert.Equal(t, schema.RunStatusSuccess, last.Status)

	var types []string
	for _, f := range frames {
		types = append(types, f.Type)
	}
	assert.Contains(t, types, schema.EventStepStarted)
	assert.Contains(t, types, schema.EventStepSucceeded)
}

func TestStreamVNext_Parts(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	runID := createRun(t, h)

	rec := doJSON(t, h, http.MethodPost, "/workflows/wf/streamVNext?runId="+runID,
		map[string]any{"inputData": map[string]int{"n": 1}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	parts := parseParts(t, rec.Body.String())
	require.NotEmpty(t, parts)
	assert.Equal(t, schema.PartStart, parts[0].Type)
	last := parts[len(parts)-1]
	assert.Equal(t, schema.PartFinish, last.Type)
	assert.Equal(t, schema.RunStatusSuccess, last.Status)
}

// Both protocols report the same terminal status for the same run shape.
func TestStream_ProtocolEquivalence(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	terminalOf := func(path string, n int) string {
		runID := createRun(t, h)
		rec := doJSON(t, h, http.MethodPost,
			fmt.Sprintf("/workflows/wf/%s?runId=%s", path, runID),
			map[string]any{"inputData": map[string]int{"n": n}})
		require.Equal(t, http.StatusOK, rec.Code)
		if path == "stream" {
			frames := parseFrames(t, rec.Body.Bytes())
			return string(frames[len(frames)-1].Status)
		}
		parts := parseParts(t, rec.Body.String())
		return string(parts[len(parts)-1].Status)
	}

	// n=10 suspends at the gate, n=1 completes.
	assert.Equal(t, terminalOf("stream", 10), terminalOf("streamVNext", 10))
	assert.Equal(t, "suspended", terminalOf("stream", 10))
	assert.Equal(t, terminalOf("stream", 1), terminalOf("streamVNext", 1))
	assert.Equal(t, "success", terminalOf("stream", 1))
}

func TestWatch_SettledRunGetsSyntheticTerminal(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	runID := createRun(t, h)
	doJSON(t, h, http.MethodPost, "/workflows/wf/start-async?runId="+runID,
		map[string]any{"inputData": map[string]int{"n": 1}})

	rec := doJSON(t, h, http.MethodGet, "/workflows/wf/watch?runId="+runID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	frames := parseFrames(t, rec.Body.Bytes())
	require.Len(t, frames, 1)
	assert.Equal(t, schema.EventRunFinished, frames[0].Type)
	assert.Equal(t, schema.RunStatusSuccess, frames[0].Status)
}

func TestStream_UnknownRunIs404(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/workflows/wf/stream?runId=missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), schema.ErrCodeRunNotFound)

	rec = doJSON(t, h, http.MethodPost, "/workflows/wf/streamVNext?runId=missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWatch_UnknownRunIs404(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/workflows/wf/watch?runId=missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWatch_BadEventType(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/workflows/wf/watch?runId=x&eventType=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGraph_RendersMermaid(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/workflows/wf/graph", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "graph TD")
	assert.Contains(t, body, "wf_seq_double")
	assert.Contains(t, body, "wf_seq_gate")
}

func TestGraph_StatusOverlayFromRun(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	runID := createRun(t, h)

	rec := doJSON(t, h, http.MethodPost, "/workflows/wf/start-async?runId="+runID,
		map[string]any{"inputData": map[string]int{"n": 10}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/workflows/wf/graph?format=ascii&runId="+runID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "=== wf ===")
	assert.Contains(t, body, "double (double) [OK]")
	assert.Contains(t, body, "gate (gate) [SUSP]")
}

func TestGraph_BadFormat(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/workflows/wf/graph?format=png", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGraph_UnknownWorkflow(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/workflows/nope/graph", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
