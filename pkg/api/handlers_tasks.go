package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/nanoclaw/nanoclaw/pkg/store"
)

func (s *Server) listTasksHandler(c *echo.Context) error {
	f := store.GovTaskFilter{
		State:     c.QueryParam("state"),
		TaskType:  c.QueryParam("type"),
		ProductID: c.QueryParam("product_id"),
	}
	tasks, err := s.cfg.Store.ListGovTasks(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tasks)
}

func (s *Server) getTaskHandler(c *echo.Context) error {
	task, err := s.cfg.Store.GetGovTask(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c.Param("id"))
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, task)
}

func (s *Server) listTaskActivitiesHandler(c *echo.Context) error {
	activities, err := s.cfg.Store.ListGovActivities(c.Request().Context(), c.Param("id"), 500)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, activities)
}

func (s *Server) listTaskApprovalsHandler(c *echo.Context) error {
	approvals, err := s.cfg.Store.ListGovApprovals(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, approvals)
}
