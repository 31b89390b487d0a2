package server

import (
	"github.com/labstack/echo/v4"

	"github.com/hanainplan/consultcall/internal/application/config"
	"github.com/hanainplan/consultcall/internal/infra/adapters/token"
	"github.com/hanainplan/consultcall/internal/infra/ports/http/handlers"
	"github.com/hanainplan/consultcall/internal/infra/ports/http/middleware"
)

// New собирает control API. issuer может быть nil, тогда API открыт
func New(
	cfg *config.Config,
	issuer *token.Issuer,
	callHandler *handlers.CallHandler,
	callLogHandler *handlers.CallLogHandler,
	eventsHandler *handlers.EventsHandler,
) *echo.Echo {
	e := echo.New()

	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.SlogLogger())
	e.Use(middleware.PrometheusMiddleware())

	v1 := e.Group("/api/v1")
	if issuer != nil {
		v1.Use(middleware.JWTAuthMiddleware(issuer))
	}
	{
		callGroup := v1.Group("/call")
		{
			callGroup.GET("/state", callHandler.State)
			callGroup.POST("/media", callHandler.InitializeMedia)

			callGroup.POST("/start", callHandler.StartCall)
			callGroup.POST("/accept", callHandler.AcceptCall)
			callGroup.POST("/reject", callHandler.RejectCall)
			callGroup.POST("/end", callHandler.EndCall)

			callGroup.POST("/microphone/toggle", callHandler.ToggleMicrophone)
			callGroup.POST("/video/toggle", callHandler.ToggleVideo)
			callGroup.POST("/screen/toggle", callHandler.ToggleScreenShare)
		}

		v1.POST("/consultation/wait", callHandler.WaitForConsultation)
		v1.POST("/consultation/start", callHandler.StartConsultation)

		v1.POST("/sync/:kind", callHandler.SendSync)

		v1.GET("/calls", callLogHandler.ListCalls)

		v1.GET("/events", eventsHandler.Handle)
	}

	if cfg.Debug {
		e.Debug = true
	}

	return e
}
