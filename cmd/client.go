package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hanainplan/consultcall/internal/application/config"
	"github.com/hanainplan/consultcall/internal/application/constant"
	"github.com/hanainplan/consultcall/internal/application/logger"
	"github.com/hanainplan/consultcall/internal/domain/calllog"
	"github.com/hanainplan/consultcall/internal/domain/signaling"
	"github.com/hanainplan/consultcall/internal/infra/adapters/broker"
	"github.com/hanainplan/consultcall/internal/infra/adapters/broker/redis"
	"github.com/hanainplan/consultcall/internal/infra/adapters/broker/stomp"
	"github.com/hanainplan/consultcall/internal/infra/adapters/capture"
	"github.com/hanainplan/consultcall/internal/infra/adapters/memory"
	"github.com/hanainplan/consultcall/internal/infra/adapters/pion"
	"github.com/hanainplan/consultcall/internal/infra/adapters/postgres"
	"github.com/hanainplan/consultcall/internal/infra/adapters/postgres/repository"
	"github.com/hanainplan/consultcall/internal/infra/adapters/token"
	"github.com/hanainplan/consultcall/internal/usecase"
)

// client собранный клиент звонков: транспорт, медиа, peer connection и машина звонка
type client struct {
	cfg *config.Config

	issuer    *token.Issuer
	transport *broker.Transport
	machine   *usecase.CallMachine
	calls     calllog.Repository

	closers []func() error
	wg      sync.WaitGroup
}

func newClient(ctx context.Context, cfg *config.Config) (*client, error) {
	c := &client{cfg: cfg}

	if cfg.JWTSecret != "" {
		c.issuer = token.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	}

	b, err := c.newBroker(ctx)
	if err != nil {
		c.close()
		return nil, err
	}

	opts := broker.Options{ReconnectDelay: cfg.Broker.ReconnectDelay}
	if c.issuer != nil {
		opts.Headers = c.issuer.ConnectHeaders
	}

	c.transport = broker.NewTransport(b, opts)

	calls, err := c.newCallLog(ctx)
	if err != nil {
		c.close()
		return nil, err
	}
	c.calls = calls

	source, err := capture.New(cfg.Media)
	if err != nil {
		c.close()
		return nil, fmt.Errorf("media source: %w", err)
	}

	// источник устройств регистрирует в MediaEngine свои кодеки
	codecs, _ := source.(pion.MediaEngineConfigurer)

	factory, err := pion.NewFactory(pion.Options{
		DisconnectedTimeout: cfg.ICE.DisconnectedTimeout,
		FailedTimeout:       cfg.ICE.FailedTimeout,
		KeepAlive:           cfg.ICE.KeepAlive,
		IncludeLoopback:     cfg.ICE.IncludeLoopback,
		LoggerFactory:       logger.NewPionFactory(slog.Default()),
		Codecs:              codecs,
	})
	if err != nil {
		c.close()
		return nil, fmt.Errorf("peer connection factory: %w", err)
	}

	peers := usecase.NewPeerManager(cfg.ICEServers, factory, source, c.transport, usecase.NewCandidateQueue())

	c.machine = usecase.NewCallMachine(c.transport, peers, calls, usecase.MachineOptions{
		SetupTimeout: cfg.SetupTimeout,
		UserName:     cfg.UserName,
	})

	return c, nil
}

func (c *client) newBroker(ctx context.Context) (broker.Broker, error) {
	switch c.cfg.Broker.Kind {
	case config.BrokerRedis:
		rc, err := redis.NewClient(ctx, c.cfg.Redis.Addr, c.cfg.Redis.Password, c.cfg.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}

		c.closers = append(c.closers, rc.Close)

		return redis.New(rc, c.cfg.Redis.Prefix), nil
	}

	return stomp.New(c.cfg.Broker.URL, stomp.WithHeartBeat(c.cfg.Broker.HeartBeat)), nil
}

func (c *client) newCallLog(ctx context.Context) (calllog.Repository, error) {
	driver := c.cfg.CallLog.Driver
	if driver == config.CallLogMemory {
		return memory.NewCallLogRepository(), nil
	}

	db, err := postgres.Connect(ctx, driver, c.cfg.CallLogDSN())
	if err != nil {
		return nil, err
	}

	c.closers = append(c.closers, db.Close)

	// встроенная sqlite мигрируется при старте, postgres через команду migrate
	if driver == config.CallLogSQLite {
		if err = postgres.Migrate(ctx, db, driver, "up"); err != nil {
			return nil, err
		}
	}

	return repository.NewCallLogRepo(db), nil
}

// start запускает машину звонка
func (c *client) start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		if err := c.machine.Run(ctx); err != nil {
			slog.Error("call machine stopped", slog.Any(constant.Error, err))
		}
	}()
}

func (c *client) connect(ctx context.Context) error {
	userID := signaling.UserID(c.cfg.UserID)

	if err := c.transport.Connect(ctx, userID); err != nil {
		return fmt.Errorf("connect as %s: %w", userID, err)
	}

	return nil
}

// keepConnecting повторяет первое подключение с задержкой переподключения.
// Дальше разрывы обрабатывает сам Transport
func (c *client) keepConnecting(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		for {
			err := c.connect(ctx)
			if err == nil {
				return
			}

			slog.Warn("connect to signaling broker", slog.Any(constant.Error, err))

			select {
			case <-ctx.Done():
				return
			case <-time.After(c.cfg.Broker.ReconnectDelay):
			}
		}
	}()
}

// stop ждет завершения машины (ctx из start уже отменен) и освобождает ресурсы
func (c *client) stop() {
	c.wg.Wait()

	if err := c.transport.Disconnect(); err != nil {
		slog.Warn("disconnect from broker", slog.Any(constant.Error, err))
	}

	c.close()
}

func (c *client) close() {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	c.closers = nil

	if err := errors.Join(errs...); err != nil {
		slog.Warn("close client resources", slog.Any(constant.Error, err))
	}
}
