package scheduler

import (
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/cronexpr"

	"github.com/nanoclaw/nanoclaw/pkg/store"
)

// computeNextRun implements spec §4.F item 4's next_run rules:
//   - cron: next fire strictly after now, evaluated in loc (TZ env var).
//   - interval: now + schedule_value milliseconds.
//   - once: nil (the task completes after this run).
//
// Passing the tick's `now` (rather than the task's last computed next_run)
// is what gives the catch-up policy of spec §4.F its "fire once per tick,
// never coalescing" behavior: however many fire times were missed while
// the host was down, the next computed fire is always exactly one step
// past the current tick, not a backlog of missed steps.
func computeNextRun(scheduleType, scheduleValue string, now time.Time, loc *time.Location) (*time.Time, error) {
	switch scheduleType {
	case "cron":
		expr, err := cronexpr.Parse(scheduleValue)
		if err != nil {
			return nil, fmt.Errorf("parse cron expression %q: %w", scheduleValue, err)
		}
		next := expr.Next(now.In(loc)).UTC()
		return &next, nil
	case "interval":
		ms, err := strconv.ParseInt(scheduleValue, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse interval schedule_value %q: %w", scheduleValue, err)
		}
		next := now.Add(time.Duration(ms) * time.Millisecond)
		return &next, nil
	case "once":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown schedule_type %q", scheduleType)
	}
}

// buildPrompt assembles the agent prompt for a due task, per spec §4.F
// item 3: isolated tasks run with only the task's own prompt; chat-context
// tasks prepend a trailing window of the chat's recent messages. The
// "group"/"chat" naming alias (spec §9 Open Questions) is canonicalized by
// pkg/store before this function ever sees the value.
func buildPrompt(task store.Task, recent []store.Message) string {
	if store.CanonicalContextMode(task.ContextMode) != "chat" || len(recent) == 0 {
		return task.Prompt
	}

	var lines string
	for _, m := range recent {
		sender := m.SenderName
		if sender == "" {
			sender = m.Sender
		}
		lines += sender + ": " + m.Content + "\n"
	}
	return lines + task.Prompt
}

// scheduledPromptLabel prefixes a prompt to mark it as non-user-originated
// (spec §4.F item 3: "the prompt is prefixed with a label marking it as
// non-user-originated").
func scheduledPromptLabel(prompt string) string {
	return "[scheduled task] " + prompt
}

const recentMessageWindow = 10
