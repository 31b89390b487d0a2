package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hanainplan/consultcall/internal/application/constant"
	"github.com/hanainplan/consultcall/internal/domain/signaling"
	"github.com/hanainplan/consultcall/internal/infra/adapters/broker"
)

// NewClient создает клиента и проверяет соединение
func NewClient(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}

	slog.Info("connected to redis", slog.String("addr", addr))

	return client, nil
}

// Broker сигнализация через redis pub/sub: канал <prefix>:user:<id>:<channel>
type Broker struct {
	client *goredis.Client
	prefix string
}

func New(client *goredis.Client, prefix string) *Broker {
	return &Broker{client: client, prefix: prefix}
}

func (b *Broker) channelName(userID signaling.UserID, ch signaling.Channel) string {
	return fmt.Sprintf("%s:user:%s:%s", b.prefix, userID, ch)
}

func (b *Broker) Open(ctx context.Context, userID signaling.UserID, headers map[string]string) (broker.Session, error) {
	if headers[broker.HeaderUserID] != userID.String() {
		return nil, fmt.Errorf("userId header %q does not match %s", headers[broker.HeaderUserID], userID)
	}

	if err := b.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &session{
		broker:     b,
		userID:     userID,
		pubsub:     b.client.Subscribe(ctx),
		topics:     make(map[string]string),
		deliveries: make(chan broker.Delivery, 64),
		done:       make(chan struct{}),
	}, nil
}

type session struct {
	broker *Broker
	userID signaling.UserID
	pubsub *goredis.PubSub

	mu      sync.RWMutex
	topics  map[string]string
	started bool
	closing bool

	deliveries chan broker.Delivery

	once sync.Once
	done chan struct{}
	err  error
}

func (s *session) Subscribe(topic string) error {
	ch, ok := signaling.ChannelForTopic(topic)
	if !ok {
		return fmt.Errorf("%w: %s", broker.ErrUnknownTopic, topic)
	}

	name := s.broker.channelName(s.userID, ch)

	s.mu.Lock()
	s.topics[name] = topic
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.pubsub.Subscribe(ctx, name); err != nil {
		return fmt.Errorf("subscribe %s: %w", name, err)
	}

	s.mu.Lock()
	start := !s.started
	s.started = true
	s.mu.Unlock()

	if start {
		go s.pump(s.pubsub.Channel())
	}

	return nil
}

func (s *session) pump(messages <-chan *goredis.Message) {
	for m := range messages {
		s.mu.RLock()
		topic, ok := s.topics[m.Channel]
		s.mu.RUnlock()

		if !ok {
			slog.Warn("redis message on unknown channel", slog.String(constant.Topic, m.Channel))
			continue
		}

		select {
		case s.deliveries <- broker.Delivery{Topic: topic, Body: []byte(m.Payload)}:
		case <-s.done:
			return
		}
	}

	s.mu.RLock()
	closing := s.closing
	s.mu.RUnlock()

	if !closing {
		s.fail(broker.ErrClosed)
	}
}

func (s *session) Publish(ctx context.Context, destination string, body []byte) error {
	ch, ok := signaling.ChannelForDestination(destination)
	if !ok {
		return fmt.Errorf("%w: %s", broker.ErrUnknownTopic, destination)
	}

	receiver, err := signaling.ReceiverOf(ch, body)
	if err != nil {
		return fmt.Errorf("%w: %v", broker.ErrUnknownReceiver, err)
	}

	return s.broker.client.Publish(ctx, s.broker.channelName(receiver, ch), body).Err()
}

func (s *session) Deliveries() <-chan broker.Delivery { return s.deliveries }
func (s *session) Done() <-chan struct{}              { return s.done }

func (s *session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *session) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *session) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.mu.Unlock()

	s.fail(nil)

	return s.pubsub.Close()
}
