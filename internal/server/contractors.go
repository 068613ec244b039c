package server

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/outreach/internal/clock"
	"github.com/mohammad-safakhou/outreach/internal/engagement"
)

type contractorsHandler struct {
	store      Contractors
	safeguards Safeguards
	alerts     Alerts
	clock      clock.Clock
	logger     *log.Logger
}

func (h *contractorsHandler) register(g *echo.Group) {
	g.PUT("/:id", h.upsert)
	g.GET("/:id", h.get)
	g.GET("/:id/goals", h.goals)
	g.GET("/:id/goals/:goal/events", h.goalEvents)
	g.GET("/:id/audit", h.audit)
	g.GET("/:id/safeguards", h.status)
	g.POST("/:id/emergency-stop", h.emergencyStop)
	g.POST("/:id/resume", h.resume)
}

// contractorRequest lets callers omit trust_score, which then keeps its
// stored value (or the default for a new contractor).
type contractorRequest struct {
	engagement.State
	TrustScore *int `json:"trust_score"`
}

// upsert registers or replaces a contractor record. Pause fields are owned
// by the safeguard endpoints and are carried over from the stored record.
func (h *contractorsHandler) upsert(c echo.Context) error {
	ctx := c.Request().Context()
	var req contractorRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	st := req.State
	st.ContractorID = c.Param("id")
	if strings.TrimSpace(st.ContractorID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "contractor id required")
	}
	if st.Stage == "" {
		st.Stage = engagement.StageOnboarding
	}
	if !st.Stage.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid stage "+string(st.Stage))
	}
	now := h.clock.Now()
	prev, err := h.store.GetState(ctx, st.ContractorID)
	switch {
	case err == nil:
		st.CreatedAt = prev.CreatedAt
		st.PausedUntil, st.PauseReason = prev.PausedUntil, prev.PauseReason
		st.TrustScore = prev.TrustScore
		if st.LastContactAt.Before(prev.LastContactAt) {
			st.LastContactAt = prev.LastContactAt
		}
	case errors.Is(err, engagement.ErrNotFound):
		st.CreatedAt = now
		st.PausedUntil, st.PauseReason = time.Time{}, ""
		st.TrustScore = engagement.DefaultTrustScore
	default:
		return httpError(err)
	}
	if req.TrustScore != nil {
		if *req.TrustScore < 0 || *req.TrustScore > 100 {
			return echo.NewHTTPError(http.StatusBadRequest, "trust_score must be within 0..100")
		}
		st.TrustScore = *req.TrustScore
	}
	st.UpdatedAt = now
	if err := h.store.UpsertState(ctx, st); err != nil {
		return httpError(err)
	}
	out, err := h.store.GetState(ctx, st.ContractorID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *contractorsHandler) get(c echo.Context) error {
	st, err := h.store.GetState(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *contractorsHandler) goals(c echo.Context) error {
	goals, err := h.store.ListGoals(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"goals": goals})
}

func (h *contractorsHandler) goalEvents(c echo.Context) error {
	events, err := h.store.GoalEvents(c.Request().Context(), c.Param("goal"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"events": events})
}

func (h *contractorsHandler) audit(c echo.Context) error {
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}
	recs, err := h.store.ListAudit(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"records": recs})
}

func (h *contractorsHandler) status(c echo.Context) error {
	report, err := h.safeguards.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, report)
}

type emergencyStopRequest struct {
	Reason string `json:"reason"`
	Days   int    `json:"days"`
}

func (h *contractorsHandler) emergencyStop(c echo.Context) error {
	ctx := c.Request().Context()
	var req emergencyStopRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id := c.Param("id")
	until, err := h.safeguards.EmergencyStop(ctx, id, req.Reason, req.Days)
	if err != nil {
		return httpError(err)
	}
	if h.alerts != nil {
		if err := h.alerts.EmergencyStop(ctx, id, req.Reason, until); err != nil {
			h.logger.Printf("publish emergency stop contractor=%s: %v", id, err)
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"contractor_id": id, "paused_until": until})
}

func (h *contractorsHandler) resume(c echo.Context) error {
	if err := h.safeguards.Resume(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
