package timers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/stepflow/internal/events"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Runner is the interface the timer service uses to advance runs.
// Satisfied by the engine (avoids import cycle).
type Runner interface {
	WorkflowIDs() []string
	ListRuns(ctx context.Context, workflowID string, filter store.SnapshotFilter) ([]*store.RunSnapshot, int, error)
	WakeSleep(ctx context.Context, workflowID, runID, path string) error
	CreateRun(ctx context.Context, workflowID, runID, resourceID string) (*store.RunSnapshot, error)
	StartAsync(ctx context.Context, workflowID, runID string, input json.RawMessage) error
}

// CronTrigger creates and starts a run of a workflow on a cron schedule.
type CronTrigger struct {
	WorkflowID string          `json:"workflow_id"`
	Cron       string          `json:"cron"`
	Input      json.RawMessage `json:"input,omitempty"`
	ResourceID string          `json:"resource_id,omitempty"`
}

// Service drives time-based run transitions: waking due sleep suspensions,
// expiring event-wait deadlines, and firing cron triggers. All detection is
// done by scanning persisted state on a tick, so a restart loses nothing.
type Service struct {
	runner  Runner
	resumer events.Resumer
	waiter  *events.Waiter
	parser  cron.Parser
	logger  *slog.Logger

	interval time.Duration
	triggers []CronTrigger
	nextFire []time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Options configures the timer service.
type Options struct {
	// Interval between scan ticks. Defaults to 15s.
	Interval time.Duration
	Triggers []CronTrigger
}

// NewService creates a timer service. runner and resumer are both satisfied
// by the engine.
func NewService(runner Runner, resumer events.Resumer, waiter *events.Waiter, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	return &Service{
		runner:   runner,
		resumer:  resumer,
		waiter:   waiter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		interval: opts.Interval,
		triggers: opts.Triggers,
		nextFire: make([]time.Time, len(opts.Triggers)),
	}
}

// Start rehydrates persisted event waits and launches the background loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("timer service already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	if err := s.waiter.Rehydrate(loopCtx); err != nil {
		s.logger.Error("event-wait rehydration failed", slog.String("error", err.Error()))
	}

	go s.loop(loopCtx)
	s.logger.Info("timer service started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Initial tick catches wakeups that came due while the process was down.
	s.tick(ctx, time.Now().UTC())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now().UTC())
		}
	}
}

// tick performs one scan pass at the given instant.
func (s *Service) tick(ctx context.Context, now time.Time) {
	s.wakeDueSleeps(ctx, now)

	if err := s.waiter.ExpireDue(ctx, s.resumer, now); err != nil {
		s.logger.Error("event-wait expiry failed", slog.String("error", err.Error()))
	}

	s.fireDueTriggers(ctx, now)
}

// wakeDueSleeps scans suspended snapshots for sleep continuations whose
// wake-at stamp has passed and resumes them. WakeSleep tolerates races: a
// concurrently resumed or canceled run is a no-op.
func (s *Service) wakeDueSleeps(ctx context.Context, now time.Time) {
	suspended := schema.RunStatusSuspended
	for _, workflowID := range s.runner.WorkflowIDs() {
		snaps, _, err := s.runner.ListRuns(ctx, workflowID, store.SnapshotFilter{Status: &suspended})
		if err != nil {
			s.logger.Error("suspended-run scan failed",
				slog.String("workflow_id", workflowID),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, snap := range snaps {
			for _, sp := range snap.Suspended {
				if sp.Kind != store.SuspendKindSleep || sp.WakeAt == nil || sp.WakeAt.After(now) {
					continue
				}
				if err := s.runner.WakeSleep(ctx, workflowID, snap.RunID, sp.Path); err != nil {
					s.logger.Error("sleep wakeup failed",
						slog.String("run_id", snap.RunID),
						slog.String("path", sp.Path),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

// fireDueTriggers starts a fresh run for every cron trigger whose schedule
// has come due. The first tick only seeds the schedule.
func (s *Service) fireDueTriggers(ctx context.Context, now time.Time) {
	for i, trig := range s.triggers {
		schedule, err := s.parser.Parse(trig.Cron)
		if err != nil {
			s.logger.Error("invalid cron trigger",
				slog.String("workflow_id", trig.WorkflowID),
				slog.String("cron", trig.Cron),
				slog.String("error", err.Error()),
			)
			continue
		}

		if s.nextFire[i].IsZero() {
			s.nextFire[i] = schedule.Next(now)
			continue
		}
		if s.nextFire[i].After(now) {
			continue
		}
		s.nextFire[i] = schedule.Next(now)

		if err := s.fireTrigger(ctx, trig); err != nil {
			s.logger.Error("cron trigger failed",
				slog.String("workflow_id", trig.WorkflowID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *Service) fireTrigger(ctx context.Context, trig CronTrigger) error {
	snap, err := s.runner.CreateRun(ctx, trig.WorkflowID, "", trig.ResourceID)
	if err != nil {
		return fmt.Errorf("create triggered run: %w", err)
	}
	if err := s.runner.StartAsync(ctx, trig.WorkflowID, snap.RunID, trig.Input); err != nil {
		return fmt.Errorf("start triggered run %q: %w", snap.RunID, err)
	}
	s.logger.Info("cron trigger fired",
		slog.String("workflow_id", trig.WorkflowID),
		slog.String("run_id", snap.RunID),
	)
	return nil
}

// Stop gracefully shuts down the timer loop.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("timer service stopped")
	return nil
}
