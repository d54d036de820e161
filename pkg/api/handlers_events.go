package api

import (
	"fmt"
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// sseHandler streams governance activity events as they happen (spec §6
// "/ops/events" SSE), replacing the teacher's WebSocket ConnectionManager
// push (pkg/events/manager.go) with text/event-stream — see DESIGN.md for
// why.
func (s *Server) sseHandler(c *echo.Context) error {
	if s.cfg.Events == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "event hub not configured")
	}

	resp := c.Response()
	resp.Header().Set("Content-Type", "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)

	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming unsupported")
	}

	events, unsubscribe := s.cfg.Events.Subscribe()
	defer unsubscribe()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case data, open := <-events:
			if !open {
				return nil
			}
			if _, err := fmt.Fprintf(resp, "data: %s\n\n", data); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}
