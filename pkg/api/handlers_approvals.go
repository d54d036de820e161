package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/nanoclaw/nanoclaw/pkg/store"
)

// PendingApproval pairs a GovTask awaiting its gate with the gate it's
// waiting on, for the /ops/approvals worklist.
type PendingApproval struct {
	Task store.GovTask `json:"task"`
	Gate string        `json:"gate"`
}

func (s *Server) listApprovalsHandler(c *echo.Context) error {
	tasks, err := s.cfg.Store.ListGovTasksByState(c.Request().Context(), "APPROVAL")
	if err != nil {
		return err
	}
	out := make([]PendingApproval, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, PendingApproval{Task: t, Gate: t.Gate})
	}
	return c.JSON(http.StatusOK, out)
}

// approveRequest is the body of POST /ops/actions/approve.
type approveRequest struct {
	TaskID     string `json:"task_id"`
	GateType   string `json:"gate_type"`
	ApprovedBy string `json:"approved_by"`
	Notes      string `json:"notes"`
}

// approveHandler records a gate approval. The governance loop's next tick
// performs the actual APPROVAL->DONE transition once it observes the
// matching GovApproval row (spec §4.G processApproval).
func (s *Server) approveHandler(c *echo.Context) error {
	var req approveRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid body")
	}
	if req.TaskID == "" || req.GateType == "" || req.ApprovedBy == "" {
		return badRequest("task_id, gate_type, and approved_by are required")
	}

	err := s.cfg.Store.RecordGovApproval(c.Request().Context(), store.GovApproval{
		TaskID:     req.TaskID,
		GateType:   req.GateType,
		ApprovedBy: req.ApprovedBy,
		ApprovedAt: time.Now().UTC(),
		Notes:      req.Notes,
	})
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusAccepted)
}
