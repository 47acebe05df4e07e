package executors

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execInput(t *testing.T, fn engine.ExecutorFunc, input map[string]any) (map[string]any, error) {
	t.Helper()
	raw, err := json.Marshal(input)
	require.NoError(t, err)

	out, execErr := fn(context.Background(), &engine.ExecContext{Input: raw})
	if execErr != nil {
		return nil, execErr
	}
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	return decoded, nil
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, code, engErr.Code)
}

func TestRegister(t *testing.T) {
	reg := engine.NewRegistry()
	Register(reg, Config{})

	for _, name := range []string{"echo", "http.request"} {
		_, err := reg.Lookup(name)
		assert.NoError(t, err, name)
	}
	// shell.run is opt-in.
	_, err := reg.Lookup("shell.run")
	assert.Error(t, err)

	reg = engine.NewRegistry()
	Register(reg, Config{ShellEnabled: true})
	_, err = reg.Lookup("shell.run")
	assert.NoError(t, err)
}

func TestEcho(t *testing.T) {
	out, err := echoExecutor(context.Background(), &engine.ExecContext{Input: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))

	out, err = echoExecutor(context.Background(), &engine.ExecContext{})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(out))
}

func TestHTTPRequest_GetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"hello":"world"}`))
	}))
	defer srv.Close()

	out, err := execInput(t, httpRequestExecutor(Config{}.withDefaults()), map[string]any{
		"url":  srv.URL,
		"auth": map[string]any{"type": "bearer", "token": "tok"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 200, out["status_code"])
	assert.Equal(t, map[string]any{"hello": "world"}, out["body"])
}

func TestHTTPRequest_PostBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "prod", body["env"])
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	out, err := execInput(t, httpRequestExecutor(Config{}.withDefaults()), map[string]any{
		"url":    srv.URL,
		"method": "post",
		"body":   map[string]any{"env": "prod"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 201, out["status_code"])
}

func TestHTTPRequest_MissingURL(t *testing.T) {
	_, err := execInput(t, httpRequestExecutor(Config{}.withDefaults()), map[string]any{})
	requireCode(t, err, schema.ErrCodeValidation)
}

func TestHTTPRequest_BadScheme(t *testing.T) {
	_, err := execInput(t, httpRequestExecutor(Config{}.withDefaults()), map[string]any{
		"url": "ftp://example.com/file",
	})
	requireCode(t, err, schema.ErrCodeValidation)
}

func TestHTTPRequest_FailOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	// Error statuses are data by default.
	out, err := execInput(t, httpRequestExecutor(Config{}.withDefaults()), map[string]any{"url": srv.URL})
	require.NoError(t, err)
	assert.EqualValues(t, 502, out["status_code"])

	_, err = execInput(t, httpRequestExecutor(Config{}.withDefaults()), map[string]any{
		"url":                  srv.URL,
		"fail_on_error_status": true,
	})
	requireCode(t, err, schema.ErrCodeExecution)
}

func TestShellRun_CapturesOutput(t *testing.T) {
	out, err := execInput(t, shellRunExecutor(Config{}.withDefaults()), map[string]any{
		"command": "echo",
		"args":    []any{"hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out["stdout_raw"])
	assert.EqualValues(t, 0, out["exit_code"])
}

func TestShellRun_JSONStdoutIsParsed(t *testing.T) {
	out, err := execInput(t, shellRunExecutor(Config{}.withDefaults()), map[string]any{
		"command": "echo",
		"args":    []any{`{"ok":true}`},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, out["stdout"])
}

func TestShellRun_NonZeroExit(t *testing.T) {
	out, err := execInput(t, shellRunExecutor(Config{}.withDefaults()), map[string]any{
		"command": "false",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, out["exit_code"])
}

func TestShellRun_CommandNotFound(t *testing.T) {
	_, err := execInput(t, shellRunExecutor(Config{}.withDefaults()), map[string]any{
		"command": "definitely-not-a-real-binary-3141",
	})
	requireCode(t, err, schema.ErrCodeExecution)
}

func TestShellRun_MissingCommand(t *testing.T) {
	_, err := execInput(t, shellRunExecutor(Config{}.withDefaults()), map[string]any{})
	requireCode(t, err, schema.ErrCodeValidation)
}

func TestShellRun_ShellMode(t *testing.T) {
	out, err := execInput(t, shellRunExecutor(Config{}.withDefaults()), map[string]any{
		"command": "echo hi | tr a-z A-Z",
		"shell":   true,
	})
	require.NoError(t, err)
	assert.Equal(t, "HI\n", out["stdout_raw"])
}
