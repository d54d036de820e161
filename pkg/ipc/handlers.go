// Handlers wires the IPC dispatch table to the subsystems an agent's
// tasks/ requests actually touch: the Memory Broker for mem_store/
// mem_recall, the Task Scheduler's store rows for task_register/
// task_cancel/task_resume (task_cancel pauses the task),
// and stubs for the plug-ins spec.md §1 names as "deliberately out of
// scope" (trello, slack, external-call) — present in the dispatch table so
// routing is total, but not implemented.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nanoclaw/nanoclaw/pkg/memory"
	"github.com/nanoclaw/nanoclaw/pkg/store"
)

type memStorePayload struct {
	Content   string   `json:"content"`
	Level     string   `json:"level"`
	Scope     string   `json:"scope"`
	ProductID *string  `json:"productId"`
	Tags      []string `json:"tags"`
}

// MemStoreHandler implements the mem_store IPC request (spec §4.I).
func MemStoreHandler(broker *memory.Broker) Handler {
	return func(ctx context.Context, group string, req Request) (any, error) {
		var p memStorePayload
		if err := json.Unmarshal(req.Payload, &p); err != nil || p.Content == "" {
			return nil, fmt.Errorf("%w: content is required", ErrBadRequest)
		}

		caller := memory.Caller{Group: group, IsMain: req.IsMain, ProductID: req.ProductID}
		result, err := broker.Store(ctx, caller, memory.StoreRequest{
			Content: p.Content, Level: p.Level, Scope: p.Scope, ProductID: p.ProductID, Tags: p.Tags,
		})
		if errors.Is(err, memory.ErrUnauthorized) {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return result, err
	}
}

type memRecallPayload struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

// MemRecallHandler implements the mem_recall IPC request (spec §4.I).
func MemRecallHandler(broker *memory.Broker, logger memory.AccessLogger) Handler {
	return func(ctx context.Context, group string, req Request) (any, error) {
		var p memRecallPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil || p.Query == "" {
			return nil, fmt.Errorf("%w: query is required", ErrBadRequest)
		}

		caller := memory.Caller{Group: group, IsMain: req.IsMain, ProductID: req.ProductID}
		return broker.Recall(ctx, caller, memory.RecallRequest{Query: p.Query, Limit: p.Limit}, logger)
	}
}

type taskRegisterPayload struct {
	ChatJID       string `json:"chatJid"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"scheduleType"`
	ScheduleValue string `json:"scheduleValue"`
	ContextMode   string `json:"contextMode"`
}

// TaskRegisterHandler implements the agent-originated schedule-a-task
// request (spec §4.C "tasks/ ... schedule/cancel/register").
func TaskRegisterHandler(s *store.Store) Handler {
	return func(ctx context.Context, group string, req Request) (any, error) {
		var p taskRegisterPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil || p.Prompt == "" || p.ScheduleType == "" {
			return nil, fmt.Errorf("%w: prompt and scheduleType are required", ErrBadRequest)
		}

		taskID := uuid.NewString()
		if err := s.CreateTask(ctx, store.Task{
			TaskID: taskID, ChatJID: p.ChatJID, Prompt: p.Prompt,
			ScheduleType: p.ScheduleType, ScheduleValue: p.ScheduleValue,
			ContextMode: p.ContextMode, Status: "active",
		}); err != nil {
			return nil, err
		}
		return map[string]string{"taskId": taskID}, nil
	}
}

type taskIDPayload struct {
	TaskID string `json:"taskId"`
}

// TaskCancelHandler implements the agent-originated cancel request: a
// cancelled task is paused rather than deleted, preserving its history.
func TaskCancelHandler(s *store.Store) Handler {
	return func(ctx context.Context, group string, req Request) (any, error) {
		var p taskIDPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil || p.TaskID == "" {
			return nil, fmt.Errorf("%w: taskId is required", ErrBadRequest)
		}
		if err := s.SetTaskStatus(ctx, p.TaskID, "paused"); err != nil {
			return nil, err
		}
		return map[string]string{"taskId": p.TaskID, "status": "paused"}, nil
	}
}

// TaskResumeHandler implements the agent-originated resume request.
func TaskResumeHandler(s *store.Store) Handler {
	return func(ctx context.Context, group string, req Request) (any, error) {
		var p taskIDPayload
		if err := json.Unmarshal(req.Payload, &p); err != nil || p.TaskID == "" {
			return nil, fmt.Errorf("%w: taskId is required", ErrBadRequest)
		}
		if err := s.SetTaskStatus(ctx, p.TaskID, "active"); err != nil {
			return nil, err
		}
		return map[string]string{"taskId": p.TaskID, "status": "active"}, nil
	}
}

// notImplementedHandler routes a plug-in request type without implementing
// it: spec.md §1 names trello/slack/external-call as external collaborator
// plug-ins the core only needs to route to, not build.
func notImplementedHandler(kind string) Handler {
	return func(ctx context.Context, group string, req Request) (any, error) {
		return nil, fmt.Errorf("ipc: %s plug-in not implemented", kind)
	}
}

// DefaultHandlers builds the dispatch table for a host wired with the
// given Memory Broker and store: mem_store/mem_recall/task_register/
// task_cancel/task_resume are implemented; trello/slack/external_call are
// routable stubs.
func DefaultHandlers(memBroker *memory.Broker, accessLogger memory.AccessLogger, s *store.Store) map[string]Handler {
	return map[string]Handler{
		"mem_store":      MemStoreHandler(memBroker),
		"mem_recall":     MemRecallHandler(memBroker, accessLogger),
		"task_register":  TaskRegisterHandler(s),
		"task_cancel":    TaskCancelHandler(s),
		"task_resume":    TaskResumeHandler(s),
		"trello":         notImplementedHandler("trello"),
		"slack":          notImplementedHandler("slack"),
		"external_call":  notImplementedHandler("external_call"),
	}
}
