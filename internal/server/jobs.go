package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

type jobsHandler struct {
	q JobQueue
}

func (h *jobsHandler) register(g *echo.Group) {
	g.POST("", h.enqueue)
	g.GET("/dead", h.dead)
	g.GET("/:id", h.get)
	g.POST("/:id/cancel", h.cancel)
	g.POST("/:id/requeue", h.requeue)
}

type enqueueRequest struct {
	ContractorID string         `json:"contractor_id"`
	ActionType   string         `json:"action_type"`
	Payload      map[string]any `json:"payload"`
	ScheduledAt  *time.Time     `json:"scheduled_at"`
}

func (h *jobsHandler) enqueue(c echo.Context) error {
	var req enqueueRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.ContractorID) == "" || strings.TrimSpace(req.ActionType) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "contractor_id and action_type are required")
	}
	var at time.Time
	if req.ScheduledAt != nil {
		at = *req.ScheduledAt
	}
	id, err := h.q.Enqueue(c.Request().Context(), req.ContractorID, req.ActionType, req.Payload, at)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"job_id": id})
}

func (h *jobsHandler) get(c echo.Context) error {
	job, err := h.q.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, job)
}

func (h *jobsHandler) dead(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	jobs, err := h.q.ListDead(c.Request().Context(), limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (h *jobsHandler) cancel(c echo.Context) error {
	if err := h.q.Cancel(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *jobsHandler) requeue(c echo.Context) error {
	if err := h.q.Requeue(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
