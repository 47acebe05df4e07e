package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/pkg/schema"
)

// shellRunExecutor runs a system command described by the step input:
//
//	{"command": "...", "args": [...], "env": {...}, "cwd": "...",
//	 "stdin": "...", "timeout": "30s", "shell": false}
//
// stdout is auto-parsed when it is valid JSON so downstream expressions can
// address it structurally; stdout_raw always carries the raw text.
func shellRunExecutor(cfg Config) engine.ExecutorFunc {
	return func(ctx context.Context, ec *engine.ExecContext) (json.RawMessage, error) {
		params := decodeParams(ec.Input)

		command := stringParam(params, "command", "")
		if command == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "shell.run: missing required param 'command'")
		}
		args := stringSliceParam(params, "args")
		timeout := durationParam(params, "timeout", cfg.ShellTimeout)

		execCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var cmd *exec.Cmd
		if boolParam(params, "shell", false) {
			fullCmd := command
			if len(args) > 0 {
				fullCmd = command + " " + strings.Join(args, " ")
			}
			cmd = exec.CommandContext(execCtx, "/bin/sh", "-c", fullCmd)
		} else {
			cmd = exec.CommandContext(execCtx, command, args...)
		}

		if cwd := stringParam(params, "cwd", ""); cwd != "" {
			cmd.Dir = cwd
		}
		if envMap := stringMapParam(params, "env"); envMap != nil {
			cmd.Env = os.Environ()
			for k, v := range envMap {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		if stdin := stringParam(params, "stdin", ""); stdin != "" {
			cmd.Stdin = strings.NewReader(stdin)
		}

		var stdoutBuf, stderrBuf bytes.Buffer
		cmd.Stdout = &limitedWriter{w: &stdoutBuf, limit: cfg.MaxOutputSize}
		cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: cfg.MaxOutputSize}

		start := time.Now()
		runErr := cmd.Run()
		durationMs := time.Since(start).Milliseconds()

		exitCode := 0
		killed := false
		if runErr != nil {
			var exitErr *exec.ExitError
			if !errors.As(runErr, &exitErr) {
				return nil, schema.NewErrorf(schema.ErrCodeExecution, "shell.run: %v", runErr).WithCause(runErr)
			}
			exitCode = exitErr.ExitCode()
			if execCtx.Err() == context.DeadlineExceeded {
				killed = true
			}
		}

		stdoutStr := stdoutBuf.String()
		var parsedStdout any = stdoutStr
		if stdoutBuf.Len() > 0 && json.Valid(stdoutBuf.Bytes()) {
			var parsed any
			if err := json.Unmarshal(stdoutBuf.Bytes(), &parsed); err == nil {
				parsedStdout = parsed
			}
		}

		return json.Marshal(map[string]any{
			"stdout":      parsedStdout,
			"stdout_raw":  stdoutStr,
			"stderr":      stderrBuf.String(),
			"exit_code":   exitCode,
			"duration_ms": durationMs,
			"killed":      killed,
		})
	}
}

// limitedWriter wraps a writer and silently discards bytes beyond the limit.
// Write always reports the full len(p) consumed to prevent the subprocess
// from blocking on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
