package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/nanoclaw/nanoclaw/pkg/database"
	"github.com/nanoclaw/nanoclaw/pkg/version"
)

// HealthResponse mirrors the teacher's composed health response shape
// (pkg/api/responses.go's HealthResponse/HealthCheck), narrowed to what
// this host actually composes: database health plus build version.
type HealthResponse struct {
	Status    string                    `json:"status"`
	Version   string                    `json:"version"`
	Database  *database.HealthStatus    `json:"database,omitempty"`
	Timestamp time.Time                 `json:"timestamp"`
}

func (s *Server) healthHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	resp := HealthResponse{Status: "healthy", Version: version.Full(), Timestamp: time.Now().UTC()}

	if s.cfg.Store != nil {
		dbHealth, err := database.Health(ctx, s.cfg.Store.DB())
		resp.Database = dbHealth
		if err != nil || dbHealth.Status != "healthy" {
			resp.Status = "degraded"
		}
	} else {
		resp.Status = "degraded"
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

// StatsResponse is the /ops/stats response (spec §6): task counts by state,
// worker WIP, and 24h limit denials.
type StatsResponse struct {
	TasksByState map[string]int `json:"tasks_by_state"`
	Workers      []WorkerStats  `json:"workers"`
	Limits       LimitsStats    `json:"limits"`
}

// WorkerStats summarizes one worker's current load for /ops/stats.
type WorkerStats struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	CurrentWIP int    `json:"current_wip"`
	MaxWIP     int    `json:"max_wip"`
}

// LimitsStats summarizes limit denials for /ops/stats.
type LimitsStats struct {
	Denials24h int `json:"denials_24h"`
}

var govTaskStates = []string{"INBOX", "READY", "DOING", "REVIEW", "APPROVAL", "DONE"}

func (s *Server) statsHandler(c *echo.Context) error {
	ctx := c.Request().Context()

	byState := make(map[string]int, len(govTaskStates))
	for _, state := range govTaskStates {
		n, err := s.cfg.Store.CountGovTasksByState(ctx, state)
		if err != nil {
			return err
		}
		byState[state] = n
	}

	workers, err := s.cfg.Store.ListWorkers(ctx)
	if err != nil {
		return err
	}
	workerStats := make([]WorkerStats, 0, len(workers))
	for _, w := range workers {
		workerStats = append(workerStats, WorkerStats{ID: w.ID, Status: w.Status, CurrentWIP: w.CurrentWIP, MaxWIP: w.MaxWIP})
	}

	denials, err := s.cfg.Store.CountLimitDenialsSince(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, StatsResponse{
		TasksByState: byState,
		Workers:      workerStats,
		Limits:       LimitsStats{Denials24h: denials},
	})
}
