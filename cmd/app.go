package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/hanainplan/consultcall/internal/application/config"
	"github.com/hanainplan/consultcall/internal/application/constant"
	"github.com/hanainplan/consultcall/internal/application/logger"
	"github.com/hanainplan/consultcall/internal/application/metric"
	"github.com/hanainplan/consultcall/internal/infra/adapters/memory"
	"github.com/hanainplan/consultcall/internal/infra/ports/http/handlers"
	"github.com/hanainplan/consultcall/internal/infra/ports/http/server"
)

func runApp(parent context.Context) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt)
	defer cancel()

	cfg, err := config.New()
	if err != nil {
		logger.Setup(false)
		slog.Error("parse config", slog.Any(constant.Error, err))

		return err
	}

	logger.Setup(cfg.Debug)

	slog.Info("Running app", slog.Bool("debug", cfg.Debug), slog.Int64(constant.UserID, cfg.UserID))

	c, err := newClient(ctx, cfg)
	if err != nil {
		slog.Error("build client", slog.Any(constant.Error, err))
		return err
	}

	eventStreams := memory.NewEventStreamRepository()

	callHandler := handlers.NewCallHandler(c.machine)
	callLogHandler := handlers.NewCallLogHandler(c.calls)
	eventsHandler := handlers.NewEventsHandler(cfg, c.machine, eventStreams)

	unsubscribe := eventsHandler.Subscribe()
	defer unsubscribe()

	echoSrv := server.New(cfg, c.issuer, callHandler, callLogHandler, eventsHandler)
	metricsSrv := metric.NewServer(func() metric.Status {
		return metric.Status{
			BrokerConnected: c.transport.Connected(),
			CallPhase:       c.machine.State().Phase.String(),
		}
	})

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	c.start(runCtx)
	c.keepConnecting(runCtx)

	echoSrvCh := make(chan error, 1)
	metricsSrvCh := make(chan error, 1)

	go func() {
		echoSrvCh <- echoSrv.Start(":" + cfg.ControlPort)
	}()

	go func() {
		metricsSrvCh <- metricsSrv.Start(":" + cfg.MetricPort)
	}()

	var runErr error

	select {
	case <-ctx.Done():
		slog.Info("Shutting down due to context cancel")
	case err := <-echoSrvCh:
		slog.Error("HTTP server failed", slog.Any(constant.Error, err))
		runErr = err
	case err := <-metricsSrvCh:
		slog.Error("Metrics server failed", slog.Any(constant.Error, err))
		runErr = err
	}

	// машина завершает активный звонок и отправляет CALL_END до отключения
	stopRun()
	c.stop()

	timeoutCtx, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer timeoutCancel()

	if err := echoSrv.Shutdown(timeoutCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Failed to gracefully shutdown HTTP server", slog.Any(constant.Error, err))
	}

	if err := metricsSrv.Shutdown(timeoutCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Failed to gracefully shutdown metric server", slog.Any(constant.Error, err))
	}

	return runErr
}
