package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/outreach/internal/engagement"
)

type toolsHandler struct {
	tools ToolInvoker
}

func (h *toolsHandler) register(g *echo.Group) {
	g.GET("", h.list)
	g.POST("/:name/invoke", h.invoke)
}

func (h *toolsHandler) list(c echo.Context) error {
	return c.JSON(http.StatusOK, h.tools.Specs())
}

// invoke runs a tool as the admin caller. The tool result is returned as is,
// with the status code derived from its error kind.
func (h *toolsHandler) invoke(c echo.Context) error {
	// Decoded directly so path params never leak into the tool input.
	input := map[string]any{}
	if err := json.NewDecoder(c.Request().Body).Decode(&input); err != nil && !errors.Is(err, io.EOF) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid json body: "+err.Error())
	}
	res := h.tools.Invoke(c.Request().Context(), c.Param("name"), input, engagement.CallerAdmin)
	return c.JSON(statusFor(res.ErrorKind), res)
}
