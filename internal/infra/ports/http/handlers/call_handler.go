package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hanainplan/consultcall/internal/application/constant"
	"github.com/hanainplan/consultcall/internal/domain/call"
	"github.com/hanainplan/consultcall/internal/domain/media"
	"github.com/hanainplan/consultcall/internal/domain/signaling"
	"github.com/hanainplan/consultcall/internal/infra/ports/http/dto"
	"github.com/hanainplan/consultcall/internal/usecase"
)

type CallHandler struct {
	callUsecase usecase.CallUsecase
}

func NewCallHandler(callUsecase usecase.CallUsecase) *CallHandler {
	return &CallHandler{callUsecase: callUsecase}
}

func (h *CallHandler) State(c echo.Context) error {
	return c.JSON(http.StatusOK, dto.NewStateResponse(h.callUsecase.State()))
}

func (h *CallHandler) InitializeMedia(c echo.Context) error {
	req := dto.MediaRequest{Audio: true, Video: true}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	_, err := h.callUsecase.InitializeMedia(c.Request().Context(), media.Constraints{Audio: req.Audio, Video: req.Video})
	if err != nil {
		return callError(c, "initialize media", err)
	}

	return h.State(c)
}

func (h *CallHandler) StartCall(c echo.Context) error {
	var req dto.StartCallRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	if req.CalleeID <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "calleeId is required"})
	}

	roomID, err := h.callUsecase.StartCall(c.Request().Context(), req.RoomID, req.CalleeID, req.CalleeName)
	if err != nil {
		return callError(c, "start call", err)
	}

	return c.JSON(http.StatusOK, dto.StartCallResponse{RoomID: roomID})
}

func (h *CallHandler) AcceptCall(c echo.Context) error {
	return h.action(c, "accept call", h.callUsecase.AcceptCall)
}

func (h *CallHandler) RejectCall(c echo.Context) error {
	return h.action(c, "reject call", h.callUsecase.RejectCall)
}

func (h *CallHandler) EndCall(c echo.Context) error {
	return h.action(c, "end call", h.callUsecase.EndCall)
}

func (h *CallHandler) ToggleMicrophone(c echo.Context) error {
	return h.toggle(c, "toggle microphone", h.callUsecase.ToggleMicrophone)
}

func (h *CallHandler) ToggleVideo(c echo.Context) error {
	return h.toggle(c, "toggle video", h.callUsecase.ToggleVideo)
}

func (h *CallHandler) ToggleScreenShare(c echo.Context) error {
	return h.toggle(c, "toggle screen share", h.callUsecase.ToggleScreenShare)
}

func (h *CallHandler) WaitForConsultation(c echo.Context) error {
	var req dto.WaitRequest
	if err := c.Bind(&req); err != nil || req.RoomID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "roomId is required"})
	}

	return h.action(c, "wait for consultation", func(ctx context.Context) error {
		return h.callUsecase.WaitForConsultation(ctx, req.RoomID)
	})
}

func (h *CallHandler) StartConsultation(c echo.Context) error {
	var req dto.ConsultationRequest
	if err := c.Bind(&req); err != nil || req.RoomID == "" || req.CustomerID <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "roomId and customerId are required"})
	}

	if err := h.callUsecase.StartConsultation(c.Request().Context(), req.CustomerID, req.RoomID); err != nil {
		return callError(c, "start consultation", err)
	}

	return c.NoContent(http.StatusNoContent)
}

// SendSync принимает тип в виде step_sync, STEP_SYNC или step-sync
func (h *CallHandler) SendSync(c echo.Context) error {
	kind := signaling.MessageKind(strings.ToUpper(strings.ReplaceAll(c.Param("kind"), "-", "_")))
	if !kind.Sync() {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown sync kind"})
	}

	var req dto.SyncRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
	}

	if err := h.callUsecase.SendSync(c.Request().Context(), kind, req.ReceiverID, req.RoomID, req.Data); err != nil {
		return callError(c, "send sync", err)
	}

	return c.NoContent(http.StatusNoContent)
}

func (h *CallHandler) action(c echo.Context, op string, fn func(context.Context) error) error {
	if err := fn(c.Request().Context()); err != nil {
		return callError(c, op, err)
	}

	return h.State(c)
}

func (h *CallHandler) toggle(c echo.Context, op string, fn func(context.Context) (bool, error)) error {
	enabled, err := fn(c.Request().Context())
	if err != nil {
		return callError(c, op, err)
	}

	return c.JSON(http.StatusOK, dto.ToggleResponse{Enabled: enabled})
}

func callError(c echo.Context, op string, err error) error {
	status := statusOf(err)

	if status >= http.StatusInternalServerError {
		slog.Error(op, slog.Any(constant.Error, err))
	} else {
		slog.Warn(op, slog.Any(constant.Error, err))
	}

	return c.JSON(status, dto.NewErrorResponse(err))
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, usecase.ErrMachineClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}

	switch call.KindOf(err) {
	case call.KindNegotiation:
		return http.StatusConflict
	case call.KindMediaAccess, call.KindScreenShare:
		return http.StatusUnprocessableEntity
	case call.KindConnection:
		return http.StatusBadGateway
	case "":
		return http.StatusBadRequest
	}

	return http.StatusInternalServerError
}
