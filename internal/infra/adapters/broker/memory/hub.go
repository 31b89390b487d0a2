package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hanainplan/consultcall/internal/domain/signaling"
	"github.com/hanainplan/consultcall/internal/infra/adapters/broker"
)

var ErrDropped = errors.New("memory broker: connection dropped")

// Hub брокер в памяти процесса. Маршрутизирует /app/<dest> в /user/queue/<channel>
// получателя, как это делает user destination resolver на сервере
type Hub struct {
	mu       sync.Mutex
	sessions map[signaling.UserID]*session
	rejected map[signaling.UserID]error
	opens    map[signaling.UserID]int
}

func NewHub() *Hub {
	return &Hub{
		sessions: make(map[signaling.UserID]*session),
		rejected: make(map[signaling.UserID]error),
		opens:    make(map[signaling.UserID]int),
	}
}

func (h *Hub) Open(_ context.Context, userID signaling.UserID, headers map[string]string) (broker.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err, ok := h.rejected[userID]; ok {
		return nil, err
	}

	if headers[broker.HeaderUserID] != userID.String() {
		return nil, fmt.Errorf("userId header %q does not match %s", headers[broker.HeaderUserID], userID)
	}

	if old, ok := h.sessions[userID]; ok {
		old.fail(broker.ErrClosed)
	}

	s := newSession(h, userID)
	h.sessions[userID] = s
	h.opens[userID]++

	return s, nil
}

// Reject заставляет последующие Open для пользователя завершаться ошибкой
func (h *Hub) Reject(userID signaling.UserID, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.rejected[userID] = err
}

func (h *Hub) Accept(userID signaling.UserID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.rejected, userID)
}

// Drop обрывает соединение пользователя со стороны брокера
func (h *Hub) Drop(userID signaling.UserID) {
	h.mu.Lock()
	s, ok := h.sessions[userID]
	delete(h.sessions, userID)
	h.mu.Unlock()

	if ok {
		s.fail(ErrDropped)
	}
}

func (h *Hub) Connected(userID signaling.UserID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, ok := h.sessions[userID]
	return ok
}

// Opens сколько раз пользователь открывал сессию
func (h *Hub) Opens(userID signaling.UserID) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.opens[userID]
}

func (h *Hub) remove(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessions[s.userID] == s {
		delete(h.sessions, s.userID)
	}
}

func (h *Hub) route(destination string, body []byte) error {
	ch, ok := signaling.ChannelForDestination(destination)
	if !ok {
		return fmt.Errorf("%w: %s", broker.ErrUnknownTopic, destination)
	}

	receiver, err := signaling.ReceiverOf(ch, body)
	if err != nil {
		return err
	}

	// без пользовательской очереди доставлять некуда
	if !ch.Inbound() {
		return nil
	}

	h.mu.Lock()
	target, ok := h.sessions[receiver]
	h.mu.Unlock()

	// получатель не в сети: сообщение теряется
	if !ok {
		return nil
	}

	target.deliver(broker.Delivery{Topic: ch.InboundTopic(), Body: body})

	return nil
}

// Deliver кладет сырой кадр в очередь пользователя, минуя маршрутизацию
func (h *Hub) Deliver(userID signaling.UserID, topic string, body []byte) bool {
	h.mu.Lock()
	target, ok := h.sessions[userID]
	h.mu.Unlock()

	if !ok {
		return false
	}

	target.deliver(broker.Delivery{Topic: topic, Body: body})

	return true
}
