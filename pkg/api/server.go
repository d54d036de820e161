// Package api implements the Ops HTTP API (spec §6): a read surface over
// the orchestration core's state plus a narrow write surface for gate
// approvals, governance transitions, and product pause/resume, and the
// worker completion callback. Grounded on the teacher's pkg/api/server.go
// (echo/v5, Set*-wiring-validation, BodyLimit middleware, composed health
// handler), per SPEC_FULL.md §6.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/nanoclaw/nanoclaw/pkg/agentlock"
	"github.com/nanoclaw/nanoclaw/pkg/config"
	"github.com/nanoclaw/nanoclaw/pkg/dispatcher"
	"github.com/nanoclaw/nanoclaw/pkg/governance"
	"github.com/nanoclaw/nanoclaw/pkg/limits"
	"github.com/nanoclaw/nanoclaw/pkg/store"
	"github.com/nanoclaw/nanoclaw/pkg/workerauth"
)

// bodyLimitBytes caps request bodies the Ops API will read, well above any
// legitimate approval note or transition payload.
const bodyLimitBytes = 1 << 20 // 1 MiB

// Config holds everything the Ops API server needs at construction time.
type Config struct {
	Store      *store.Store
	Governance *governance.Loop
	Dispatcher *dispatcher.Dispatcher
	Limits     *limits.Engine
	Lock       *agentlock.Lock
	Events     *Hub
	WorkerAuth *workerauth.Verifier
	Config     *config.Config

	OpsSecret           string
	WriteSecretCurrent  string
	WriteSecretPrevious string

	// CockpitWriteRatePerMin configures the "cockpit_write" rate limit
	// enforced on every write endpoint (spec §8 scenario 5).
	CockpitWriteRatePerMin int
	CockpitWriteSoftLimit  int
	CockpitWriteHardLimit  int
}

// Server is the Ops HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	cfg        Config
}

// NewServer constructs a Server and registers every route.
func NewServer(cfg Config) *Server {
	e := echo.New()
	s := &Server{echo: e, cfg: cfg}

	e.Use(middleware.BodyLimit(bodyLimitBytes))
	e.Use(securityHeaders())

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health is unauthenticated so external load balancers and the worker
	// fleet's own health probes don't need the ops secret.
	s.echo.GET("/ops/health", s.healthHandler)

	read := s.echo.Group("/ops", readAuth(s.cfg.OpsSecret))
	read.GET("/stats", s.statsHandler)
	read.GET("/tasks", s.listTasksHandler)
	read.GET("/tasks/:id", s.getTaskHandler)
	read.GET("/tasks/:id/activities", s.listTaskActivitiesHandler)
	read.GET("/tasks/:id/approvals", s.listTaskApprovalsHandler)
	read.GET("/products", s.listProductsHandler)
	read.GET("/products/:id", s.getProductHandler)
	read.GET("/workers", s.listWorkersHandler)
	read.GET("/workers/:id", s.getWorkerHandler)
	read.GET("/workers/:id/dispatches", s.listWorkerDispatchesHandler)
	read.GET("/workers/:id/tunnels", s.workerTunnelsHandler)
	read.GET("/approvals", s.listApprovalsHandler)
	read.GET("/memories", s.queryMemoriesHandler)
	read.GET("/memories/search", s.queryMemoriesHandler)
	read.GET("/events", s.sseHandler)

	write := s.echo.Group("/ops/actions", readAuth(s.cfg.OpsSecret), writeAuth(s.cfg.WriteSecretCurrent, s.cfg.WriteSecretPrevious), s.cockpitWriteLimit())
	write.POST("/transition", s.transitionHandler)
	write.POST("/approve", s.approveHandler)
	write.POST("/products/:id/status", s.setProductStatusHandler)

	// Worker completion callbacks are HMAC-authenticated (spec §4.D), not
	// gated by the ops secrets.
	s.echo.POST("/ops/worker/completion", s.workerCompletionHandler)
}

// securityHeaders mirrors the teacher's pkg/api/middleware.go.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}

// cockpitWriteLimit enforces the Limits Engine's "cockpit_write" rate limit
// on every write action (spec §8 scenario 5).
func (s *Server) cockpitWriteLimit() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if s.cfg.Limits == nil {
				return next(c)
			}
			decision, err := s.cfg.Limits.Enforce(c.Request().Context(), limits.Context{
				Op:        "cockpit_write",
				ScopeKey:  "ops",
				Now:       time.Now().UTC(),
				RateLimit: s.cfg.CockpitWriteRatePerMin,
				SoftLimit: s.cfg.CockpitWriteSoftLimit,
				HardLimit: s.cfg.CockpitWriteHardLimit,
			})
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
			}
			if !decision.Allowed {
				return echo.NewHTTPError(http.StatusTooManyRequests, string(decision.Code))
			}
			return next(c)
		}
	}
}

// Start starts the HTTP server on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener. Used
// by tests that need a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}

func notFound(id string) error {
	return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("not found: %s", id))
}
