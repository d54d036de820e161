package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/nanoclaw/nanoclaw/pkg/dispatcher"
	"github.com/nanoclaw/nanoclaw/pkg/store"
	"github.com/nanoclaw/nanoclaw/pkg/workerauth"
)

// workerCompletionRequest is the body of POST /ops/worker/completion. A
// worker_id field is carried alongside the spec's {taskId, groupFolder,
// status} so the handler can look up which worker's shared secret to
// verify the HMAC against without needing a directory service.
type workerCompletionRequest struct {
	TaskID      string `json:"taskId"`
	GroupFolder string `json:"groupFolder"`
	Status      string `json:"status"`
	WorkerID    string `json:"workerId"`
}

// workerCompletionHandler is the worker fleet's callback for a finished
// dispatch (spec §4.D, §4.E). It is HMAC-authenticated rather than gated by
// the ops secrets, recovers the claimed dispatch_key from gov_dispatches,
// and forwards the event to the dispatcher so the governance loop's next
// tick advances the task DOING->REVIEW.
func (s *Server) workerCompletionHandler(c *echo.Context) error {
	req := c.Request()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return badRequest("failed to read body")
	}

	var payload workerCompletionRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		return badRequest("invalid JSON")
	}
	if payload.TaskID == "" || payload.WorkerID == "" || payload.Status == "" {
		return badRequest("taskId, workerId, and status are required")
	}

	worker, err := s.cfg.Store.GetWorker(req.Context(), payload.WorkerID)
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusUnauthorized, "unknown worker")
	}
	if err != nil {
		return err
	}

	sig := req.Header.Get(workerauth.HeaderHMAC)
	ts := req.Header.Get(workerauth.HeaderTimestamp)
	reqID := req.Header.Get(workerauth.HeaderRequestID)
	if err := s.cfg.WorkerAuth.Verify(req.Context(), worker.SharedSecret, sig, ts, reqID, body, time.Now()); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	dispatch, err := s.cfg.Store.LatestSentDispatchForTask(req.Context(), payload.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		// No SENT dispatch on record; nothing for the dispatcher to
		// reconcile, but still acknowledge so the worker doesn't retry.
		return c.NoContent(http.StatusOK)
	}
	if err != nil {
		return err
	}

	finalStatus := "COMPLETED"
	if payload.Status != "" && payload.Status != "DONE" && payload.Status != "SUCCESS" {
		finalStatus = "FAILED"
	}
	if err := s.cfg.Store.UpdateGovDispatchStatus(req.Context(), dispatch.DispatchKey, finalStatus, &payload.WorkerID); err != nil {
		return err
	}

	if err := s.cfg.Dispatcher.HandleCompletion(req.Context(), dispatch.DispatchKey, dispatcher.CompletionEvent{
		TaskID:      payload.TaskID,
		GroupFolder: payload.GroupFolder,
		Status:      payload.Status,
	}); err != nil {
		return err
	}

	return c.NoContent(http.StatusOK)
}
