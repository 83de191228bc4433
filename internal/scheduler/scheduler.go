// Package scheduler fires runs for active workflows whose start step
// declares a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/schema"
)

// Runner is the interface the scheduler uses to start workflow runs.
// Satisfied by the engine interpreter (avoids import cycle).
type Runner interface {
	Start(ctx context.Context, workflowID, threadID string, input map[string]any) (*store.Run, error)
}

// tickInterval is how often the scheduler checks for due workflows.
const tickInterval = 60 * time.Second

// Scheduler polls the store for active scheduled workflows and starts
// runs when their cron expressions come due. Due times are tracked
// in-memory and reseeded from the schedule on startup, so a schedule
// slot missed while the process was down is skipped, not replayed.
type Scheduler struct {
	store  store.Store
	runner Runner
	std    cron.Parser // minute-resolution expressions
	sec    cron.Parser // 6-field expressions with a seconds column
	logger *slog.Logger
	now    func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	nextMu sync.Mutex
	next   map[string]scheduleEntry // workflow ID -> due tracking

	inflightMu sync.Mutex
	inflight   map[string]struct{} // workflow IDs currently starting (dedup)
}

// scheduleEntry remembers the expression a due time was computed from,
// so editing a workflow's schedule takes effect on the next tick.
type scheduleEntry struct {
	expr string
	due  time.Time
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, runner Runner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		runner:   runner,
		std:      cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		sec:      cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		now:      time.Now,
		next:     make(map[string]scheduleEntry),
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	// Seed due times immediately so the first real tick can fire.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick checks every active scheduled workflow and starts those that
// are due. Exported for tests and for a forced check after workflow
// edits.
func (s *Scheduler) Tick(ctx context.Context) {
	active := schema.WorkflowStatusActive
	workflows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{Status: &active})
	if err != nil {
		s.logger.Error("failed to list workflows", slog.String("error", err.Error()))
		return
	}

	now := s.now().UTC()
	seen := make(map[string]struct{}, len(workflows))

	for _, wf := range workflows {
		expr, ok := scheduledExpression(wf)
		if !ok {
			continue
		}
		seen[wf.ID] = struct{}{}

		due, fire := s.advance(wf.ID, expr, now)
		if !fire {
			continue
		}

		if !s.tryAcquire(wf.ID) {
			continue // previous start still in flight
		}
		s.runScheduled(ctx, wf, due)
		s.release(wf.ID)
	}

	s.prune(seen)
}

// advance looks up the workflow's due time, reports whether it has
// passed, and rolls the entry forward when it fires or the expression
// changed.
func (s *Scheduler) advance(workflowID, expr string, now time.Time) (time.Time, bool) {
	sched, err := s.parse(expr)
	if err != nil {
		s.logger.Warn("invalid schedule on active workflow",
			slog.String("workflow_id", workflowID),
			slog.String("schedule", expr),
			slog.String("error", err.Error()),
		)
		return time.Time{}, false
	}

	s.nextMu.Lock()
	defer s.nextMu.Unlock()

	entry, ok := s.next[workflowID]
	if !ok || entry.expr != expr {
		s.next[workflowID] = scheduleEntry{expr: expr, due: sched.Next(now)}
		return time.Time{}, false
	}
	if entry.due.After(now) {
		return time.Time{}, false
	}

	s.next[workflowID] = scheduleEntry{expr: expr, due: sched.Next(now)}
	return entry.due, true
}

func (s *Scheduler) runScheduled(ctx context.Context, wf *store.Workflow, due time.Time) {
	s.logger.Info("starting scheduled run",
		slog.String("workflow_id", wf.ID),
		slog.String("workflow", wf.Name),
	)

	// Scheduled runs have no owning conversation.
	run, err := s.runner.Start(ctx, wf.ID, "", map[string]any{
		"trigger":     "scheduled",
		"scheduledAt": due.Format(time.RFC3339),
	})
	if err != nil {
		s.logger.Error("scheduled run failed to start",
			slog.String("workflow_id", wf.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Info("scheduled run started",
		slog.String("workflow_id", wf.ID),
		slog.String("run_id", run.ID),
	)
}

// parse accepts both standard 5-field expressions and 6-field
// expressions with a leading seconds column.
func (s *Scheduler) parse(expr string) (cron.Schedule, error) {
	if sched, err := s.std.Parse(expr); err == nil {
		return sched, nil
	}
	return s.sec.Parse(expr)
}

// prune drops due tracking for workflows that disappeared or were
// deactivated.
func (s *Scheduler) prune(seen map[string]struct{}) {
	s.nextMu.Lock()
	defer s.nextMu.Unlock()
	for id := range s.next {
		if _, ok := seen[id]; !ok {
			delete(s.next, id)
		}
	}
}

func (s *Scheduler) tryAcquire(workflowID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[workflowID]; ok {
		return false
	}
	s.inflight[workflowID] = struct{}{}
	return true
}

func (s *Scheduler) release(workflowID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, workflowID)
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// scheduledExpression returns the cron expression of the workflow's
// start step, if its trigger is scheduled.
func scheduledExpression(wf *store.Workflow) (string, bool) {
	for i := range wf.Steps {
		step := &wf.Steps[i]
		if step.StepType.Canonical() != schema.StepTypeStart {
			continue
		}
		var cfg schema.StartConfig
		if err := step.DecodeConfig(&cfg); err != nil {
			return "", false
		}
		if cfg.Type == schema.TriggerScheduled && cfg.Schedule != "" {
			return cfg.Schedule, true
		}
		return "", false
	}
	return "", false
}
