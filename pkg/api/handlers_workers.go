package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/nanoclaw/nanoclaw/pkg/store"
)

func (s *Server) listWorkersHandler(c *echo.Context) error {
	workers, err := s.cfg.Store.ListWorkers(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, workers)
}

func (s *Server) getWorkerHandler(c *echo.Context) error {
	w, err := s.cfg.Store.GetWorker(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c.Param("id"))
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, w)
}

func (s *Server) listWorkerDispatchesHandler(c *echo.Context) error {
	dispatches, err := s.cfg.Store.ListGovDispatchesForWorker(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, dispatches)
}

// tunnelStatusResponse reports the loopback tunnel endpoint a worker is
// reachable on. There is no separate tunnels table — the host has no more
// visibility into the SSH tunnel than the worker row's own host/port/status
// fields already record (spec §4.E), so this is a thin projection of them
// rather than a new tracked resource.
type tunnelStatusResponse struct {
	WorkerID   string `json:"worker_id"`
	Host       string `json:"host"`
	LocalPort  int    `json:"local_port"`
	RemotePort int    `json:"remote_port"`
	Status     string `json:"status"`
}

func (s *Server) workerTunnelsHandler(c *echo.Context) error {
	w, err := s.cfg.Store.GetWorker(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c.Param("id"))
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tunnelStatusResponse{
		WorkerID: w.ID, Host: w.Host, LocalPort: w.LocalPort, RemotePort: w.RemotePort, Status: w.Status,
	})
}
