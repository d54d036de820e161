package agent

import (
	"context"

	"github.com/google/uuid"
)

// StubExecutor is a deterministic Executor for tests and local running: it
// echoes the prompt back as a single StatusDone result and assigns a fresh
// session id if none was supplied. No external model call is made.
type StubExecutor struct {
	// Reply overrides the echoed text when non-empty.
	Reply string
	// FailNext, if true, makes the next Run return a StatusError result
	// instead of completing normally (used to test router rollback).
	FailNext bool
}

// Run implements Executor.
func (s *StubExecutor) Run(ctx context.Context, req Request) (<-chan Result, error) {
	ch := make(chan Result, 1)
	if s.FailNext {
		s.FailNext = false
		ch <- Result{Status: StatusError, Error: "stub executor forced failure"}
		close(ch)
		return ch, nil
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	text := s.Reply
	if text == "" {
		text = req.Prompt
	}
	ch <- Result{Status: StatusDone, Text: text, SessionID: sessionID}
	close(ch)
	return ch, nil
}
