// Package executors provides the builtin step executors registered by the
// stepflow binary. Workflows embedding the engine as a library register
// their own executors alongside or instead of these.
package executors

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/stepflow/internal/engine"
)

// Config tunes the builtin executors.
type Config struct {
	HTTPTimeout     time.Duration
	MaxResponseBody int64
	ShellTimeout    time.Duration
	MaxOutputSize   int64
	// ShellEnabled gates the shell.run executor; off unless the operator
	// opted in through configuration.
	ShellEnabled bool
}

const (
	defaultHTTPTimeout     = 30 * time.Second
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultShellTimeout    = 30 * time.Second
	defaultMaxOutputSize   = 10 * 1024 * 1024
)

func (c Config) withDefaults() Config {
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.MaxResponseBody <= 0 {
		c.MaxResponseBody = defaultMaxResponseBody
	}
	if c.ShellTimeout <= 0 {
		c.ShellTimeout = defaultShellTimeout
	}
	if c.MaxOutputSize <= 0 {
		c.MaxOutputSize = defaultMaxOutputSize
	}
	return c
}

// Register adds the builtin executors to the registry.
func Register(reg *engine.Registry, cfg Config) {
	cfg = cfg.withDefaults()
	reg.RegisterFunc("echo", echoExecutor)
	reg.RegisterFunc("http.request", httpRequestExecutor(cfg))
	if cfg.ShellEnabled {
		reg.RegisterFunc("shell.run", shellRunExecutor(cfg))
	}
}

// echoExecutor returns its input unchanged. Handy as a wiring probe and in
// workflow tests.
func echoExecutor(_ context.Context, ec *engine.ExecContext) (json.RawMessage, error) {
	if len(ec.Input) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return ec.Input, nil
}

// --- param helpers shared by the executor files ---

func decodeParams(raw json.RawMessage) map[string]any {
	params := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &params)
	}
	return params
}

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func durationParam(m map[string]any, key string, defaultVal time.Duration) time.Duration {
	if s := stringParam(m, key, ""); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return defaultVal
}

func stringSliceParam(m map[string]any, key string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	result := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			result = append(result, s)
		}
	}
	return result
}

func stringMapParam(m map[string]any, key string) map[string]string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	result := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			result[k] = s
		}
	}
	return result
}
