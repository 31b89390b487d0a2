package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hanainplan/consultcall/internal/application/constant"
	"github.com/hanainplan/consultcall/internal/application/metric"
	"github.com/hanainplan/consultcall/internal/domain/call"
	"github.com/hanainplan/consultcall/internal/domain/signaling"
)

const defaultReconnectDelay = 5 * time.Second

// ConnectionState изменение состояния соединения с брокером
type ConnectionState struct {
	Connected bool
	Err       error
}

// HeaderFunc дополнительные заголовки CONNECT, например Authorization
type HeaderFunc func(userID signaling.UserID) (map[string]string, error)

type Options struct {
	ReconnectDelay time.Duration
	Headers        HeaderFunc
}

// Transport сигнальный транспорт: одно соединение на пользователя, подписки на все
// входящие очереди, типизированные send/on и переподключение с фиксированной задержкой
type Transport struct {
	broker Broker
	opts   Options

	// connectMu сериализует Connect и Disconnect
	connectMu sync.Mutex

	mu        sync.RWMutex
	session   Session
	userID    signaling.UserID
	connected bool
	runCancel context.CancelFunc

	hmu           sync.RWMutex
	handlers      map[signaling.Channel]map[uint64]func(signaling.Addressed)
	stateHandlers map[uint64]func(ConnectionState)
	nextID        uint64
}

func NewTransport(b Broker, opts Options) *Transport {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}

	return &Transport{
		broker:        b,
		opts:          opts,
		handlers:      make(map[signaling.Channel]map[uint64]func(signaling.Addressed)),
		stateHandlers: make(map[uint64]func(ConnectionState)),
	}
}

// Connect открывает соединение и подписки. Повторный вызов при активном соединении ничего не делает
func (t *Transport) Connect(ctx context.Context, userID signaling.UserID) error {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()

	t.mu.RLock()
	connected, current := t.connected, t.userID
	t.mu.RUnlock()

	if connected {
		if current != userID {
			return call.Errorf(call.KindConnection, "connect", "already connected as %s", current)
		}

		return nil
	}

	// цикл переподключения прошлой сессии больше не нужен
	t.stopRun()

	session, err := t.open(ctx, userID)
	if err != nil {
		return call.NewError(call.KindConnection, "connect", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.session = session
	t.userID = userID
	t.connected = true
	t.runCancel = cancel
	t.mu.Unlock()

	slog.Info("connected to signaling broker", slog.Any(constant.UserID, userID))

	metric.SetBrokerConnected(true)
	t.notify(ConnectionState{Connected: true})

	go t.run(runCtx, session, userID)

	return nil
}

// Disconnect закрывает соединение и сбрасывает идентичность. Без соединения ничего не делает
func (t *Transport) Disconnect() error {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()

	t.stopRun()

	t.mu.Lock()
	session, wasConnected := t.session, t.connected
	t.session = nil
	t.connected = false
	t.userID = 0
	t.mu.Unlock()

	if session == nil {
		return nil
	}

	err := session.Close()

	metric.SetBrokerConnected(false)

	if wasConnected {
		t.notify(ConnectionState{Connected: false})
	}

	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}

	return nil
}

func (t *Transport) stopRun() {
	t.mu.Lock()
	cancel := t.runCancel
	t.runCancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (t *Transport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.connected
}

// UserID идентичность, заданная при Connect, ноль без соединения
func (t *Transport) UserID() signaling.UserID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.userID
}

func (t *Transport) open(ctx context.Context, userID signaling.UserID) (Session, error) {
	headers := map[string]string{HeaderUserID: userID.String()}

	if t.opts.Headers != nil {
		extra, err := t.opts.Headers(userID)
		if err != nil {
			return nil, fmt.Errorf("build connect headers: %w", err)
		}

		for k, v := range extra {
			headers[k] = v
		}
	}

	session, err := t.broker.Open(ctx, userID, headers)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	for _, ch := range signaling.InboundChannels {
		if err = session.Subscribe(ch.InboundTopic()); err != nil {
			_ = session.Close()

			return nil, fmt.Errorf("subscribe %s: %w", ch.InboundTopic(), err)
		}
	}

	return session, nil
}

func (t *Transport) run(ctx context.Context, session Session, userID signaling.UserID) {
	for {
		t.pump(ctx, session, userID)

		if ctx.Err() != nil {
			return
		}

		cause := session.Err()
		_ = session.Close()

		t.mu.Lock()
		if t.session == session {
			t.session = nil
			t.connected = false
		}
		t.mu.Unlock()

		slog.Warn("signaling broker connection lost", slog.Any(constant.Error, cause))

		metric.SetBrokerConnected(false)
		t.notify(ConnectionState{
			Connected: false,
			Err:       call.NewError(call.KindConnection, "broker connection lost", cause),
		})

		session = t.reconnect(ctx, userID)
		if session == nil {
			return
		}
	}
}

func (t *Transport) reconnect(ctx context.Context, userID signaling.UserID) Session {
	timer := time.NewTimer(t.opts.ReconnectDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		session, err := t.open(ctx, userID)
		if err != nil {
			slog.Warn("reconnect to signaling broker", slog.Any(constant.Error, err))
			timer.Reset(t.opts.ReconnectDelay)

			continue
		}

		t.mu.Lock()
		if ctx.Err() != nil {
			t.mu.Unlock()
			_ = session.Close()

			return nil
		}
		t.session = session
		t.connected = true
		t.mu.Unlock()

		slog.Info("reconnected to signaling broker", slog.Any(constant.UserID, userID))

		metric.SetBrokerConnected(true)
		t.notify(ConnectionState{Connected: true})

		return session
	}
}

func (t *Transport) pump(ctx context.Context, session Session, userID signaling.UserID) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Done():
			return
		case d, ok := <-session.Deliveries():
			if !ok {
				return
			}

			t.dispatch(d, userID)
		}
	}
}

func (t *Transport) dispatch(d Delivery, userID signaling.UserID) {
	ch, ok := signaling.ChannelForTopic(d.Topic)
	if !ok {
		slog.Warn("drop frame from unknown topic", slog.String(constant.Topic, d.Topic))
		metric.RecordSignalingDropped(d.Topic, "unknown_topic")

		return
	}

	msg, err := signaling.Decode(ch, d.Body)
	if err != nil {
		slog.Warn("drop malformed frame", slog.String(constant.Channel, string(ch)), slog.Any(constant.Error, err))
		metric.RecordSignalingDropped(string(ch), "malformed")

		return
	}

	if msg.Receiver() != userID {
		slog.Warn(
			"drop frame for another user",
			slog.String(constant.Channel, string(ch)),
			slog.Any(constant.UserID, msg.Receiver()),
		)
		metric.RecordSignalingDropped(string(ch), "misrouted")

		return
	}

	metric.RecordSignalingMessage(string(ch), metric.DirectionIn)

	t.hmu.RLock()
	handlers := make([]func(signaling.Addressed), 0, len(t.handlers[ch]))
	for _, fn := range t.handlers[ch] {
		handlers = append(handlers, fn)
	}
	t.hmu.RUnlock()

	for _, fn := range handlers {
		fn(msg)
	}
}

func (t *Transport) notify(state ConnectionState) {
	t.hmu.RLock()
	handlers := make([]func(ConnectionState), 0, len(t.stateHandlers))
	for _, fn := range t.stateHandlers {
		handlers = append(handlers, fn)
	}
	t.hmu.RUnlock()

	for _, fn := range handlers {
		fn(state)
	}
}

// send молча отбрасывает сообщение без соединения: сигнализация не хранится и не повторяется
func (t *Transport) send(ctx context.Context, ch signaling.Channel, msg signaling.Addressed) error {
	t.mu.RLock()
	session, connected := t.session, t.connected
	t.mu.RUnlock()

	if !connected || session == nil {
		slog.Debug("drop outbound message while disconnected", slog.String(constant.Channel, string(ch)))
		metric.RecordSignalingDropped(string(ch), "disconnected")

		return nil
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ch, err)
	}

	if err = session.Publish(ctx, ch.Destination(), body); err != nil {
		return fmt.Errorf("publish %s: %w", ch, err)
	}

	metric.RecordSignalingMessage(string(ch), metric.DirectionOut)

	return nil
}

func (t *Transport) on(ch signaling.Channel, fn func(signaling.Addressed)) func() {
	t.hmu.Lock()
	id := t.nextID
	t.nextID++

	if t.handlers[ch] == nil {
		t.handlers[ch] = make(map[uint64]func(signaling.Addressed))
	}
	t.handlers[ch][id] = fn
	t.hmu.Unlock()

	return func() {
		t.hmu.Lock()
		delete(t.handlers[ch], id)
		t.hmu.Unlock()
	}
}

// OnConnectionStateChange подписка на состояние соединения, возвращает отписку
func (t *Transport) OnConnectionStateChange(fn func(ConnectionState)) func() {
	t.hmu.Lock()
	id := t.nextID
	t.nextID++
	t.stateHandlers[id] = fn
	t.hmu.Unlock()

	return func() {
		t.hmu.Lock()
		delete(t.stateHandlers, id)
		t.hmu.Unlock()
	}
}
