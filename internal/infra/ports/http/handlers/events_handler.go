package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/hanainplan/consultcall/internal/application/config"
	"github.com/hanainplan/consultcall/internal/application/constant"
	"github.com/hanainplan/consultcall/internal/application/metric"
	"github.com/hanainplan/consultcall/internal/domain/call"
	"github.com/hanainplan/consultcall/internal/domain/signaling"
	"github.com/hanainplan/consultcall/internal/infra/adapters/memory"
	"github.com/hanainplan/consultcall/internal/infra/ports/http/dto"
	"github.com/hanainplan/consultcall/internal/usecase"
)

const (
	pingInterval = 30 * time.Second
	readDeadline = 60 * time.Second
)

// EventsHandler поток событий звонка по websocket
type EventsHandler struct {
	upgrader *websocket.Upgrader

	callUsecase usecase.CallUsecase
	streams     memory.EventStreamRepository
}

func NewEventsHandler(cfg *config.Config, callUsecase usecase.CallUsecase, streams memory.EventStreamRepository) *EventsHandler {
	return &EventsHandler{
		upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.Debug {
					return true
				}

				origin := r.Header.Get("Origin")

				return origin == "" || origin == cfg.Domain
			},
		},
		callUsecase: callUsecase,
		streams:     streams,
	}
}

// Subscribe пересылает события машины звонка всем клиентам потока
func (h *EventsHandler) Subscribe() func() {
	unsubscribe := []func(){
		h.callUsecase.OnStateChange(func(s *call.State) {
			h.streams.Broadcast(dto.Event{Type: dto.EventState, Data: dto.NewStateResponse(s)})
		}),
		h.callUsecase.OnError(func(err error) {
			h.streams.Broadcast(dto.Event{Type: dto.EventError, Data: dto.NewErrorResponse(err)})
		}),
		h.callUsecase.OnIncomingCall(func(msg signaling.CallRequestMessage) {
			h.streams.Broadcast(dto.Event{Type: dto.EventIncoming, Data: msg})
		}),
		h.callUsecase.OnSync(func(msg signaling.WebRTCMessage) {
			h.streams.Broadcast(dto.Event{Type: dto.EventSync, Data: msg})
		}),
	}

	return func() {
		for _, fn := range unsubscribe {
			fn()
		}
	}
}

func (h *EventsHandler) Handle(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error(
			"WebSocket upgrade error",
			slog.Any(constant.Error, err),
		)
		return err
	}
	defer ws.Close()

	clientID := uuid.New()

	h.streams.Add(clientID, ws)
	defer h.streams.Remove(clientID)

	metric.IncrementWSActiveConnections()
	defer metric.DecrementWSActiveConnections()

	initial := dto.Event{Type: dto.EventState, Data: dto.NewStateResponse(h.callUsecase.State())}
	if err = h.streams.Send(clientID, initial); err != nil {
		slog.Error("send initial state", slog.Any(constant.Error, err))
		return nil
	}

	if err = ws.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		return err
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readDeadline))
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(readDeadline)); err != nil {
					slog.Warn("ping failed", slog.Any(constant.Error, err))
					return
				}
			case <-done:
				return
			}
		}
	}()

	// входящие кадры не используются, чтение нужно для pong и закрытия
	for {
		if _, _, err = ws.ReadMessage(); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				slog.Warn("event stream read error", slog.Any(constant.Error, err))
			}

			return nil
		}
	}
}
