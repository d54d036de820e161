package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/nanoclaw/nanoclaw/pkg/store"
)

func (s *Server) listProductsHandler(c *echo.Context) error {
	products, err := s.cfg.Store.ListProducts(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, products)
}

func (s *Server) getProductHandler(c *echo.Context) error {
	p, err := s.cfg.Store.GetProduct(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c.Param("id"))
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

// setProductStatusRequest is the body of POST /ops/actions/products/:id/status.
type setProductStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) setProductStatusHandler(c *echo.Context) error {
	var req setProductStatusRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid body")
	}
	if req.Status != "active" && req.Status != "paused" {
		return badRequest("status must be 'active' or 'paused'")
	}

	id := c.Param("id")
	if err := s.cfg.Store.SetProductStatus(c.Request().Context(), id, req.Status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFound(id)
		}
		return err
	}
	p, err := s.cfg.Store.GetProduct(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}
