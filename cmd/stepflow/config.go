package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/stepflow/internal/timers"
)

// Config holds all stepflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr   string `json:"listen_addr"`
	DBPath       string `json:"db_path"` // empty = in-memory store
	LogLevel     string `json:"log_level"`
	PoolSize     int    `json:"pool_size"`
	WorkflowsDir string `json:"workflows_dir"`

	MaxLoopIterations  int    `json:"max_loop_iterations"`
	ForeachConcurrency int    `json:"foreach_concurrency"`
	TimerInterval      string `json:"timer_interval"`

	ShellExecutor bool `json:"shell_executor"`

	Triggers []timers.CronTrigger `json:"triggers,omitempty"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:   ":4200",
		DBPath:       filepath.Join(stepflowDir(), "stepflow.db"),
		LogLevel:     "info",
		PoolSize:     32,
		WorkflowsDir: filepath.Join(stepflowDir(), "workflows"),
	}
}

func stepflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepflow"
	}
	return filepath.Join(home, ".stepflow")
}

func settingsPath() string {
	return filepath.Join(stepflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("STEPFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv("STEPFLOW_DB_PATH"); ok {
		cfg.DBPath = v
	}
	if v := os.Getenv("STEPFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STEPFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("STEPFLOW_WORKFLOWS_DIR"); v != "" {
		cfg.WorkflowsDir = v
	}
	if v := os.Getenv("STEPFLOW_MAX_LOOP_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxLoopIterations = n
		}
	}
	if v := os.Getenv("STEPFLOW_TIMER_INTERVAL"); v != "" {
		cfg.TimerInterval = v
	}
	if v := os.Getenv("STEPFLOW_SHELL_EXECUTOR"); v != "" {
		cfg.ShellExecutor = v == "true" || v == "1"
	}

	return cfg
}

// timerInterval parses the configured tick interval, zero meaning default.
func (c Config) timerInterval() time.Duration {
	if c.TimerInterval == "" {
		return 0
	}
	d, err := time.ParseDuration(c.TimerInterval)
	if err != nil {
		return 0
	}
	return d
}
