// Package server is the admin HTTP surface: queue operations, direct tool
// invocation, safeguard controls and health.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/mohammad-safakhou/outreach/internal/clock"
	"github.com/mohammad-safakhou/outreach/internal/engagement"
	"github.com/mohammad-safakhou/outreach/internal/fault"
	"github.com/mohammad-safakhou/outreach/internal/goalengine"
	"github.com/mohammad-safakhou/outreach/internal/guard"
	"github.com/mohammad-safakhou/outreach/internal/queue"
	"github.com/mohammad-safakhou/outreach/internal/runtime"
	"github.com/mohammad-safakhou/outreach/internal/tools"
)

// JobQueue is the queue surface the API exposes.
type JobQueue interface {
	Enqueue(ctx context.Context, contractorID, actionType string, payload map[string]any, scheduledAt time.Time) (string, error)
	Cancel(ctx context.Context, jobID string) error
	Requeue(ctx context.Context, jobID string) error
	Get(ctx context.Context, jobID string) (queue.Job, error)
	ListDead(ctx context.Context, limit int) ([]queue.Job, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// ToolInvoker is the guarded tool registry.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, input map[string]any, caller engagement.CallerKind) tools.Result
	Specs() []tools.Spec
}

// Safeguards are the admin controls on proactive outreach.
type Safeguards interface {
	Status(ctx context.Context, contractorID string) (guard.StatusReport, error)
	EmergencyStop(ctx context.Context, contractorID, reason string, days int) (time.Time, error)
	Resume(ctx context.Context, contractorID string) error
}

// Contractors is the engagement store subset used by the API.
type Contractors interface {
	GetState(ctx context.Context, contractorID string) (engagement.State, error)
	UpsertState(ctx context.Context, s engagement.State) error
	ListGoals(ctx context.Context, contractorID string) ([]engagement.Goal, error)
	GoalEvents(ctx context.Context, goalID string) ([]engagement.GoalEvent, error)
	ListAudit(ctx context.Context, contractorID string, limit int) ([]engagement.AuditRecord, error)
	MarkMessage(ctx context.Context, messageID string, replied bool) error
}

// Ticker reports when the heartbeat last ran.
type Ticker interface {
	LastTick() time.Time
}

// CycleReporter reports the last goal engine cycle.
type CycleReporter interface {
	LastCycle() goalengine.Summary
}

// Alerts is the optional operator alert stream.
type Alerts interface {
	EmergencyStop(ctx context.Context, contractorID, reason string, until time.Time) error
}

// Deps wires the server. Heartbeat, Engine, Alerts and Metrics may be nil.
type Deps struct {
	Queue       JobQueue
	Tools       ToolInvoker
	Safeguards  Safeguards
	Contractors Contractors
	Heartbeat   Ticker
	Engine      CycleReporter
	Alerts      Alerts
	Metrics     http.Handler
	Secret      []byte
	Clock       clock.Clock
	Logger      *log.Logger
}

// Server is the echo application.
type Server struct {
	e      *echo.Echo
	deps   Deps
	logger *log.Logger
}

func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	s := &Server{e: echo.New(), deps: d, logger: d.Logger}
	e := s.e
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = s.handleError

	e.GET("/healthz", s.health)
	if d.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(d.Metrics))
	}

	api := e.Group("/api", runtime.EchoAuthMiddleware(d.Secret))
	(&jobsHandler{q: d.Queue}).register(api.Group("/jobs", runtime.RequireScopes(runtime.ScopeAdmin, runtime.ScopeOperator)))
	(&toolsHandler{tools: d.Tools}).register(api.Group("/tools", runtime.RequireScopes(runtime.ScopeAdmin)))
	(&contractorsHandler{
		store:      d.Contractors,
		safeguards: d.Safeguards,
		alerts:     d.Alerts,
		clock:      d.Clock,
		logger:     d.Logger,
	}).register(api.Group("/contractors", runtime.RequireScopes(runtime.ScopeAdmin)))
	api.POST("/messages/:id/outcome", s.messageOutcome, runtime.RequireScopes(runtime.ScopeAdmin, runtime.ScopeOperator))
	return s
}

// Handler exposes the router for tests and custom listeners.
func (s *Server) Handler() http.Handler { return s.e }

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.e,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// handleError renders every failure as {"error": ...} and logs it.
func (s *Server) handleError(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if he.Message != nil {
			msg = fmt.Sprint(he.Message)
		}
	}
	req := c.Request()
	s.logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
	if !c.Response().Committed {
		_ = c.JSON(code, map[string]any{"error": msg})
	}
}

// statusFor maps a fault kind onto an HTTP status.
func statusFor(kind fault.Kind) int {
	switch kind {
	case "":
		return http.StatusOK
	case fault.InvalidInput:
		return http.StatusBadRequest
	case fault.GuardDenied:
		return http.StatusForbidden
	case fault.InvariantViolation:
		return http.StatusConflict
	case fault.ExternalProviderError:
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}

// httpError converts a domain error into an echo error.
func httpError(err error) error {
	if errors.Is(err, engagement.ErrNotFound) || errors.Is(err, queue.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(statusFor(fault.KindOf(err)), err.Error())
}

type healthResponse struct {
	Status      string              `json:"status"`
	LastTick    *time.Time          `json:"last_tick"`
	QueueDepth  int                 `json:"queue_depth"`
	Claimed     int                 `json:"claimed"`
	DeadLetters int                 `json:"dead_letters"`
	LastCycle   *goalengine.Summary `json:"last_cycle,omitempty"`
}

func (s *Server) health(c echo.Context) error {
	stats, err := s.deps.Queue.Stats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
	}
	resp := healthResponse{
		Status:      "ok",
		QueueDepth:  stats.Pending,
		Claimed:     stats.Claimed,
		DeadLetters: stats.Dead,
	}
	if s.deps.Heartbeat != nil {
		if t := s.deps.Heartbeat.LastTick(); !t.IsZero() {
			resp.LastTick = &t
		}
	}
	if s.deps.Engine != nil {
		if sum := s.deps.Engine.LastCycle(); !sum.At.IsZero() {
			resp.LastCycle = &sum
		}
	}
	return c.JSON(http.StatusOK, resp)
}

type outcomeRequest struct {
	Replied bool `json:"replied"`
}

func (s *Server) messageOutcome(c echo.Context) error {
	var req outcomeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.deps.Contractors.MarkMessage(c.Request().Context(), c.Param("id"), req.Replied); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
