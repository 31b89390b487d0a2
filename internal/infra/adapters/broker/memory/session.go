package memory

import (
	"context"
	"sync"

	"github.com/hanainplan/consultcall/internal/domain/signaling"
	"github.com/hanainplan/consultcall/internal/infra/adapters/broker"
)

const deliveryBuffer = 256

type session struct {
	hub    *Hub
	userID signaling.UserID

	mu   sync.RWMutex
	subs map[string]struct{}

	deliveries chan broker.Delivery

	once sync.Once
	done chan struct{}
	err  error
}

func newSession(h *Hub, userID signaling.UserID) *session {
	return &session{
		hub:        h,
		userID:     userID,
		subs:       make(map[string]struct{}),
		deliveries: make(chan broker.Delivery, deliveryBuffer),
		done:       make(chan struct{}),
	}
}

func (s *session) Subscribe(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subs[topic] = struct{}{}

	return nil
}

func (s *session) Publish(ctx context.Context, destination string, body []byte) error {
	select {
	case <-s.done:
		return broker.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	return s.hub.route(destination, body)
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

func (s *session) Close() error {
	s.fail(nil)
	s.hub.remove(s)

	return nil
}

func (s *session) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *session) deliver(d broker.Delivery) {
	s.mu.RLock()
	_, ok := s.subs[d.Topic]
	s.mu.RUnlock()

	if !ok {
		return
	}

	select {
	case s.deliveries <- d:
	case <-s.done:
	}
}
