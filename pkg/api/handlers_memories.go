package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/nanoclaw/nanoclaw/pkg/store"
)

// queryMemoriesHandler backs both /ops/memories and /ops/memories/search —
// the cockpit always searches by content substring, so the two routes are
// the same handler (spec §6 lists them as separate paths, not separate
// semantics). A caller observing from the ops console is treated as a main
// caller with no product scope, the same visibility a founder has.
func (s *Server) queryMemoriesHandler(c *echo.Context) error {
	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	var productID *string
	if p := c.QueryParam("product_id"); p != "" {
		productID = &p
	}

	memories, err := s.cfg.Store.RecallMemories(c.Request().Context(), store.MemoryRecallFilter{
		Query:           c.QueryParam("q"),
		CallerIsMain:    true,
		CallerProductID: productID,
		Limit:           limit,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, memories)
}
