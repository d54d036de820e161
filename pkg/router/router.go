// Package router implements the Message Router & Agent Lock (spec §4.H):
// per-chat message aggregation, trigger detection, and the
// advance-and-rollback cursor discipline that gives agent runs
// at-least-once processing with idempotency delegated to the agent. The
// Config.withDefaults/Run/Tick shape is grounded directly on
// flemzord/sclaw's internal/router/router.go, adapted from a
// multi-worker inbox channel to the spec's single-agent-lock discipline.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nanoclaw/nanoclaw/pkg/agent"
	"github.com/nanoclaw/nanoclaw/pkg/agentlock"
	"github.com/nanoclaw/nanoclaw/pkg/channel"
	"github.com/nanoclaw/nanoclaw/pkg/store"
)

const defaultPollInterval = 1 * time.Second

// Config holds the Router's dependencies and tunables.
type Config struct {
	Store       *store.Store
	Lock        *agentlock.Lock
	Executor    agent.Executor
	Channel     channel.Driver
	TriggerName string // assistant trigger token, e.g. "Andy"

	PollInterval time.Duration
	Logger       *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.TriggerName == "" {
		c.TriggerName = "Andy"
	}
	return c
}

// Router aggregates inbound messages per chat, checks the trigger pattern,
// and runs the agent under the shared agent lock, honoring the cursor
// advance-and-rollback discipline of spec §4.H.
type Router struct {
	cfg     Config
	trigger string
	logger  *slog.Logger
}

// New constructs a Router. cfg.Store, cfg.Lock, cfg.Executor, and
// cfg.Channel must all be non-nil.
func New(cfg Config) *Router {
	cfg = cfg.withDefaults()
	return &Router{cfg: cfg, trigger: cfg.TriggerName, logger: cfg.Logger}
}

// Run loops Tick at PollInterval until ctx is cancelled.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Tick(ctx); err != nil {
				r.logger.Error("router: tick failed", "error", err)
			}
		}
	}
}

// Tick processes every chat with pending messages once. It returns the
// number of chats for which an agent run was actually dispatched (trigger
// matched and the lock was acquired).
func (r *Router) Tick(ctx context.Context) (int, error) {
	chats, err := r.cfg.Store.PendingChats(ctx)
	if err != nil {
		return 0, fmt.Errorf("router: list pending chats: %w", err)
	}

	dispatched := 0
	for _, chatJID := range chats {
		ran, err := r.processChat(ctx, chatJID)
		if err != nil {
			r.logger.Error("router: process chat failed", "chat_jid", chatJID, "error", err)
			continue
		}
		if ran {
			dispatched++
		}
	}
	return dispatched, nil
}

// processChat assembles the pending batch for one chat, checks the trigger,
// and (if present) runs the agent under the lock. It returns ran=true only
// when an agent run was actually attempted.
func (r *Router) processChat(ctx context.Context, chatJID string) (ran bool, err error) {
	prevCursor, err := r.cfg.Store.LastAgentTimestamp(ctx, chatJID)
	if err != nil {
		return false, fmt.Errorf("load cursor: %w", err)
	}

	batch, err := r.cfg.Store.MessagesAfter(ctx, chatJID, prevCursor)
	if err != nil {
		return false, fmt.Errorf("load batch: %w", err)
	}
	if len(batch) == 0 {
		return false, nil
	}

	if !batchMatchesTrigger(r.trigger, batch) {
		// No trigger in this batch yet; leave the cursor untouched so the
		// next tick re-aggregates these messages plus any new arrivals.
		return false, nil
	}

	if !r.cfg.Lock.Acquire() {
		// Another agent run (router/scheduler) holds the lock.
		// Defer to the next tick; no queue (spec §4.H).
		return false, nil
	}
	defer r.cfg.Lock.Release()

	newCursor := batch[len(batch)-1].Timestamp
	if err := r.cfg.Store.SetLastAgentTimestamp(ctx, chatJID, newCursor); err != nil {
		return true, fmt.Errorf("advance cursor: %w", err)
	}

	if r.cfg.Channel != nil {
		_ = r.cfg.Channel.SetPresence(ctx, chatJID, channel.PresenceTyping)
	}

	sessionID, _ := r.cfg.Store.SessionFor(ctx, chatJID)
	prompt := assemblePrompt(batch)

	runErr := r.runAgent(ctx, chatJID, sessionID, prompt)

	if r.cfg.Channel != nil {
		_ = r.cfg.Channel.SetPresence(ctx, chatJID, channel.PresenceOnline)
	}

	if runErr != nil {
		// Error rollback: restore the pre-run cursor so the next tick
		// retries the same batch (spec §4.H step 4, §8 invariant).
		if setErr := r.cfg.Store.SetLastAgentTimestamp(ctx, chatJID, prevCursor); setErr != nil {
			return true, fmt.Errorf("rollback cursor after agent error: %w", setErr)
		}
		return true, nil
	}

	return true, nil
}

// runAgent invokes the executor and streams its results, sending outbound
// text and updating the session mapping as they arrive. It returns a
// non-nil error only when the stream reports status=error or the executor
// itself fails to start — the signal the caller uses to roll back the
// cursor.
func (r *Router) runAgent(ctx context.Context, chatJID, sessionID, prompt string) error {
	results, err := r.cfg.Executor.Run(ctx, agent.Request{
		ChatJID:   chatJID,
		SessionID: sessionID,
		Prompt:    prompt,
		Scheduled: false,
	})
	if err != nil {
		return fmt.Errorf("agent run: %w", err)
	}

	var runErr error
	for res := range results {
		if res.SessionID != "" {
			if err := r.cfg.Store.SetSession(ctx, chatJID, res.SessionID); err != nil {
				r.logger.Error("router: persist session", "chat_jid", chatJID, "error", err)
			}
		}
		switch res.Status {
		case agent.StatusError:
			runErr = fmt.Errorf("agent: %s", res.Error)
		case agent.StatusDone:
			if res.Text != "" && r.cfg.Channel != nil {
				text := formatOutboundPrefix(r.trigger, res.Text)
				if sendErr := r.cfg.Channel.Send(ctx, chatJID, text); sendErr != nil {
					r.logger.Warn("router: outbound send failed, channel driver queues for reconnect",
						"chat_jid", chatJID, "error", sendErr)
				}
			}
		}
	}
	return runErr
}

// batchMatchesTrigger reports whether any message in the batch matches the
// trigger pattern (spec §4.H: "a prompt is only dispatched if at least one
// message matches the trigger pattern").
func batchMatchesTrigger(triggerName string, batch []store.Message) bool {
	re := compileTrigger(triggerName)
	for _, m := range batch {
		if re.MatchString(m.Content) {
			return true
		}
	}
	return false
}

// assemblePrompt concatenates a batch's messages into a single prompt,
// oldest first, labelling each line with its sender.
func assemblePrompt(batch []store.Message) string {
	var b strings.Builder
	for i, m := range batch {
		if i > 0 {
			b.WriteByte('\n')
		}
		sender := m.SenderName
		if sender == "" {
			sender = m.Sender
		}
		b.WriteString(sender)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}
