package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/nanoclaw/nanoclaw/pkg/store"
)

// transitionRequest is the body of POST /ops/actions/transition. Action
// selects which human-driven governance.Loop transition to run; the loop
// itself rejects an action that doesn't apply to the task's current state.
type transitionRequest struct {
	Action          string `json:"action"` // "promote" | "override"
	TaskID          string `json:"task_id"`
	ExpectedVersion int    `json:"expected_version"`
	Actor           string `json:"actor"`
	AssignedGroup   string `json:"assigned_group,omitempty"` // required for promote
	Reason          string `json:"reason,omitempty"`         // required for override
}

func (s *Server) transitionHandler(c *echo.Context) error {
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid body")
	}
	if req.TaskID == "" || req.Actor == "" {
		return badRequest("task_id and actor are required")
	}

	ctx := c.Request().Context()
	var (
		task store.GovTask
		err  error
	)
	switch req.Action {
	case "promote":
		task, err = s.cfg.Governance.Promote(ctx, req.TaskID, req.ExpectedVersion, req.AssignedGroup, req.Actor)
	case "override":
		task, err = s.cfg.Governance.Override(ctx, req.TaskID, req.ExpectedVersion, req.Actor, req.Reason)
	default:
		return badRequest("action must be 'promote' or 'override'")
	}

	switch {
	case errors.Is(err, store.ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, "version conflict")
	case errors.Is(err, store.ErrNotFound):
		return notFound(req.TaskID)
	case err != nil:
		return badRequest(err.Error())
	}
	return c.JSON(http.StatusOK, task)
}
