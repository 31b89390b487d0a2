package stomp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	gostomp "github.com/go-stomp/stomp/v3"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"

	"github.com/hanainplan/consultcall/internal/application/constant"
	"github.com/hanainplan/consultcall/internal/domain/signaling"
	"github.com/hanainplan/consultcall/internal/infra/adapters/broker"
)

const (
	contentTypeJSON = "application/json"
	closeTimeout    = time.Second
)

func deadline() time.Time {
	return time.Now().Add(closeTimeout)
}

// DialFunc открывает транспорт под STOMP
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// Broker STOMP 1.2 брокер (например Spring simple broker за /ws)
type Broker struct {
	dial      DialFunc
	host      string
	heartBeat time.Duration
}

type Option func(*Broker)

func WithDialer(dial DialFunc) Option {
	return func(b *Broker) { b.dial = dial }
}

func WithHeartBeat(d time.Duration) Option {
	return func(b *Broker) { b.heartBeat = d }
}

func WithHost(host string) Option {
	return func(b *Broker) { b.host = host }
}

func New(rawURL string, opts ...Option) *Broker {
	b := &Broker{
		dial:      DialWebSocket(rawURL, websocket.DefaultDialer),
		heartBeat: 4 * time.Second,
	}

	if u, err := url.Parse(rawURL); err == nil {
		b.host = u.Hostname()
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// DialWebSocket подключается к STOMP поверх websocket (для SockJS endpoint это <path>/websocket)
func DialWebSocket(rawURL string, dialer *websocket.Dialer) DialFunc {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		d := *dialer
		d.Subprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

		conn, resp, err := d.DialContext(ctx, rawURL, http.Header{})
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("dial %s: %s: %w", rawURL, resp.Status, err)
			}

			return nil, fmt.Errorf("dial %s: %w", rawURL, err)
		}

		return NewWebSocketConn(conn), nil
	}
}

func (b *Broker) Open(ctx context.Context, userID signaling.UserID, headers map[string]string) (broker.Session, error) {
	rwc, err := b.dial(ctx)
	if err != nil {
		return nil, err
	}

	opts := []func(*gostomp.Conn) error{
		gostomp.ConnOpt.HeartBeat(b.heartBeat, b.heartBeat),
	}

	if b.host != "" {
		opts = append(opts, gostomp.ConnOpt.Host(b.host))
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		opts = append(opts, gostomp.ConnOpt.Header(k, headers[k]))
	}

	t := newTap(rwc)

	conn, err := connect(ctx, t, opts)
	if err != nil {
		_ = t.Close()

		return nil, fmt.Errorf("stomp connect as %s: %w", userID, err)
	}

	return newSession(conn, t), nil
}

// connect ждет CONNECTED, но не дольше чем живет ctx
func connect(ctx context.Context, rwc io.ReadWriteCloser, opts []func(*gostomp.Conn) error) (*gostomp.Conn, error) {
	type result struct {
		conn *gostomp.Conn
		err  error
	}

	done := make(chan result, 1)
	go func() {
		conn, err := gostomp.Connect(rwc, opts...)
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		_ = rwc.Close()

		return nil, ctx.Err()
	}
}

// session доставляет кадры всех подписок одной горутиной в порядке их прихода по сокету
type session struct {
	conn *gostomp.Conn
	tap  *tap

	deliveries chan broker.Delivery

	mu      sync.Mutex
	subs    []*gostomp.Subscription
	topics  map[string]string
	nextSub int
	closing bool

	once sync.Once
	done chan struct{}
	err  error
}

func newSession(conn *gostomp.Conn, t *tap) *session {
	s := &session{
		conn:       conn,
		tap:        t,
		deliveries: make(chan broker.Delivery, 64),
		topics:     make(map[string]string),
		done:       make(chan struct{}),
	}

	go s.dispatch()

	return s
}

func (s *session) Subscribe(topic string) error {
	s.mu.Lock()
	id := "sub-" + strconv.Itoa(s.nextSub)
	s.nextSub++
	s.topics[id] = topic
	s.mu.Unlock()

	sub, err := s.conn.Subscribe(topic, gostomp.AckAuto, gostomp.SubscribeOpt.Id(id))
	if err != nil {
		s.mu.Lock()
		delete(s.topics, id)
		s.mu.Unlock()

		return err
	}

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	go s.watch(topic, sub)

	return nil
}

func (s *session) dispatch() {
	for {
		var f *frame.Frame

		select {
		case msg, ok := <-s.tap.messages:
			if !ok {
				return
			}
			f = msg
		case <-s.done:
			return
		}

		topic, ok := s.topicOf(f)
		if !ok {
			slog.Warn(
				"stomp message for unknown subscription",
				slog.String(constant.Topic, f.Header.Get(frame.Destination)),
			)
			continue
		}

		select {
		case s.deliveries <- broker.Delivery{Topic: topic, Body: f.Body}:
		case <-s.done:
			return
		}
	}
}

func (s *session) topicOf(f *frame.Frame) (string, bool) {
	s.mu.Lock()
	topic, ok := s.topics[f.Header.Get(frame.Subscription)]
	s.mu.Unlock()

	if ok {
		return topic, true
	}

	topic = f.Header.Get(frame.Destination)

	return topic, topic != ""
}

// watch следит за подпиской: кадры MESSAGE до нее не доходят, остаются ошибки и закрытие
func (s *session) watch(topic string, sub *gostomp.Subscription) {
	for msg := range sub.C {
		if msg.Err != nil {
			s.fail(msg.Err)
			return
		}
	}

	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()

	if !closing {
		slog.Debug("stomp subscription closed", slog.String(constant.Topic, topic))
		s.fail(broker.ErrClosed)
	}
}

func (s *session) Publish(ctx context.Context, destination string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.conn.Send(destination, contentTypeJSON, body)
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

	if err := s.conn.Disconnect(); err != nil {
		// соединение уже мертво, квитанцию ждать не от кого
		_ = s.conn.MustDisconnect()
	}

	return nil
}
