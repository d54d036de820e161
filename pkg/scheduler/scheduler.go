// Package scheduler implements the Task Scheduler (spec §4.F): a poll loop
// that fires due tasks, invoking the agent under the same lock the Router
// and Governance Loop share, and advances or retries each task's schedule.
// The testable Tick(ctx, now)/run-loop split is grounded on
// scalytics/KafClaw's internal/scheduler package, which exposes a
// deterministic tick(ctx, now time.Time) for exactly this reason: a cron
// catch-up policy is only testable if "now" is an input, not a wall-clock
// read buried inside the loop.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/agent"
	"github.com/nanoclaw/nanoclaw/pkg/agentlock"
	"github.com/nanoclaw/nanoclaw/pkg/channel"
	"github.com/nanoclaw/nanoclaw/pkg/store"
)

const (
	defaultPollInterval = 1 * time.Second
	defaultMaxAttempts  = 3
)

// Config holds the Scheduler's dependencies and tunables.
type Config struct {
	Store       *store.Store
	Lock        *agentlock.Lock
	Executor    agent.Executor
	Channel     channel.Driver // optional; nil disables outbound delivery
	TriggerName string

	Timezone     string // IANA zone for cron evaluation, e.g. "Asia/Kolkata"; default UTC
	MaxAttempts  int
	PollInterval time.Duration
	Logger       *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.TriggerName == "" {
		c.TriggerName = "Andy"
	}
	return c
}

// Scheduler fires due tasks on a poll loop.
type Scheduler struct {
	cfg Config
	loc *time.Location
}

// New constructs a Scheduler. cfg.Store, cfg.Lock, and cfg.Executor must be
// non-nil. An unresolvable cfg.Timezone falls back to UTC.
func New(cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil || loc == nil {
		loc = time.UTC
	}
	return &Scheduler{cfg: cfg, loc: loc}
}

// Run loops Tick at PollInterval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx, time.Now().UTC()); err != nil {
				s.cfg.Logger.Error("scheduler: tick failed", "error", err)
			}
		}
	}
}

// Tick fires every task due at or before now. It returns the number of
// tasks for which an agent run was actually attempted (the agent lock may
// cause a due task to be deferred to the next tick instead).
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	due, err := s.cfg.Store.DueTasks(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("scheduler: list due tasks: %w", err)
	}

	fired := 0
	for _, task := range due {
		ran, err := s.fireTask(ctx, task, now)
		if err != nil {
			s.cfg.Logger.Error("scheduler: fire task failed", "task_id", task.TaskID, "error", err)
			continue
		}
		if ran {
			fired++
		}
	}
	return fired, nil
}

// fireTask runs a single due task under the shared agent lock and advances
// its schedule. ran=false means the lock was unavailable; the task stays
// due and will be retried on the next tick (spec §4.F: the scheduler defers
// rather than queuing, just like the router).
func (s *Scheduler) fireTask(ctx context.Context, task store.Task, now time.Time) (ran bool, err error) {
	if !s.cfg.Lock.Acquire() {
		return false, nil
	}
	defer s.cfg.Lock.Release()

	var recent []store.Message
	if store.CanonicalContextMode(task.ContextMode) == "chat" && task.ChatJID != "" {
		all, err := s.cfg.Store.MessagesAfter(ctx, task.ChatJID, time.Time{})
		if err != nil {
			return true, fmt.Errorf("load chat context: %w", err)
		}
		if len(all) > recentMessageWindow {
			all = all[len(all)-recentMessageWindow:]
		}
		recent = all
	}

	prompt := scheduledPromptLabel(buildPrompt(task, recent))

	results, err := s.cfg.Executor.Run(ctx, agent.Request{
		ChatJID:     task.ChatJID,
		Prompt:      prompt,
		Scheduled:   true,
		ContextMode: store.CanonicalContextMode(task.ContextMode),
	})
	if err != nil {
		return true, s.recordFailure(ctx, task)
	}

	var runErr error
	for res := range results {
		switch res.Status {
		case agent.StatusError:
			runErr = fmt.Errorf("agent: %s", res.Error)
		case agent.StatusDone:
			if res.Text != "" && task.ChatJID != "" && s.cfg.Channel != nil {
				text := fmt.Sprintf("%s: %s", s.cfg.TriggerName, res.Text)
				if sendErr := s.cfg.Channel.Send(ctx, task.ChatJID, text); sendErr != nil {
					s.cfg.Logger.Warn("scheduler: outbound send failed", "task_id", task.TaskID, "error", sendErr)
				}
			}
		}
	}

	if runErr != nil {
		return true, s.recordFailure(ctx, task)
	}

	next, err := computeNextRun(task.ScheduleType, task.ScheduleValue, now, s.loc)
	if err != nil {
		return true, fmt.Errorf("compute next run: %w", err)
	}
	if err := s.cfg.Store.CompleteTaskRun(ctx, task.TaskID, now, next); err != nil {
		return true, fmt.Errorf("complete task run: %w", err)
	}
	return true, nil
}

// recordFailure bumps the task's retry counter, moving it to the failed
// sentinel state once max_attempts is reached (spec §4.F item 5). A
// non-terminal failure leaves next_run untouched so the task stays due and
// is retried on the very next tick.
func (s *Scheduler) recordFailure(ctx context.Context, task store.Task) error {
	failed, err := s.cfg.Store.BumpTaskFailure(ctx, task.TaskID, s.cfg.MaxAttempts)
	if err != nil {
		return fmt.Errorf("bump task failure: %w", err)
	}
	if failed {
		s.cfg.Logger.Warn("scheduler: task exhausted max attempts", "task_id", task.TaskID)
	}
	return nil
}
