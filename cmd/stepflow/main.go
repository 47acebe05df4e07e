package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rendis/stepflow/internal/api"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/events"
	"github.com/rendis/stepflow/internal/executors"
	"github.com/rendis/stepflow/internal/graph"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/internal/timers"
	"github.com/rendis/stepflow/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "stepflow:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store: libSQL when a path is configured, memory otherwise.
	var st store.SnapshotStore
	if cfg.DBPath == "" {
		st = store.NewMemoryStore()
		logger.Warn("no db_path configured, runs are not durable")
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		ls, err := store.NewLibSQLStore(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		st = ls
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	hub := streaming.NewMemoryHub()
	waiter := events.NewWaiter(st, logger)

	eng, err := engine.New(st, hub, waiter, logger, engine.Options{
		MaxLoopIterations:  cfg.MaxLoopIterations,
		ForeachConcurrency: cfg.ForeachConcurrency,
		WorkerPoolSize:     cfg.PoolSize,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer eng.Shutdown()

	executors.Register(eng.Executors(), executors.Config{ShellEnabled: cfg.ShellExecutor})

	if err := registerWorkflows(eng, cfg.WorkflowsDir, logger); err != nil {
		return err
	}

	timerSvc := timers.NewService(eng, eng, waiter, logger, timers.Options{
		Interval: cfg.timerInterval(),
		Triggers: cfg.Triggers,
	})
	if err := timerSvc.Start(ctx); err != nil {
		return fmt.Errorf("start timers: %w", err)
	}
	defer timerSvc.Stop()

	// `stepflow mcp` serves the MCP tools over stdio instead of HTTP.
	if len(os.Args) > 1 && os.Args[1] == "mcp" {
		srv := mcp.NewStepflowServer(mcp.StepflowServerDeps{Engine: eng, Hub: hub, Logger: logger})
		return srv.Serve(ctx)
	}

	apiSrv := api.NewServer(api.Deps{Engine: eng, Logger: logger})
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// registerWorkflows loads JSON graph definitions from dir. A missing dir is
// fine: workflows can also be registered by embedding the engine.
func registerWorkflows(eng *engine.Engine, dir string, logger *slog.Logger) error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read workflows dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return fmt.Errorf("read workflow %s: %w", path, readErr)
		}
		def, parseErr := graph.Parse(data)
		if parseErr != nil {
			return fmt.Errorf("parse workflow %s: %w", path, parseErr)
		}
		eng.RegisterWorkflow(def)
		logger.Info("workflow registered", slog.String("workflow_id", def.ID()), slog.String("file", path))
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}
