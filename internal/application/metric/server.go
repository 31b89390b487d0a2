package metric

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status состояние клиента звонков для /health
type Status struct {
	BrokerConnected bool   `json:"brokerConnected"`
	CallPhase       string `json:"callPhase"`
}

type healthResponse struct {
	Status string  `json:"status"`
	Client *Status `json:"client,omitempty"`
}

// NewServer сервер /metrics и /health. Без status /health всегда отвечает ok,
// иначе 503 пока клиент не подключен к сигнальному брокеру
func NewServer(status func() Status) *echo.Echo {
	e := echo.New()

	e.HideBanner = true
	e.HidePort = true

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.GET("/health", func(c echo.Context) error {
		if status == nil {
			return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
		}

		s := status()
		if !s.BrokerConnected {
			return c.JSON(http.StatusServiceUnavailable, healthResponse{Status: "degraded", Client: &s})
		}

		return c.JSON(http.StatusOK, healthResponse{Status: "ok", Client: &s})
	})

	return e
}
