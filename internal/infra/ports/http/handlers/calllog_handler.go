package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/hanainplan/consultcall/internal/application/constant"
	"github.com/hanainplan/consultcall/internal/domain/calllog"
	"github.com/hanainplan/consultcall/internal/infra/ports/http/dto"
)

const defaultCallsLimit = 50

type CallLogHandler struct {
	calls calllog.Repository
}

func NewCallLogHandler(calls calllog.Repository) *CallLogHandler {
	return &CallLogHandler{calls: calls}
}

func (h *CallLogHandler) ListCalls(c echo.Context) error {
	limit := defaultCallsLimit

	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		}

		limit = n
	}

	records, err := h.calls.List(c.Request().Context(), limit)
	if err != nil {
		slog.Error("list calls", slog.Any(constant.Error, err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to list calls"})
	}

	return c.JSON(http.StatusOK, dto.ListCallsResponse{Calls: records})
}
