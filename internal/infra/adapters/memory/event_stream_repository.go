package memory

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hanainplan/consultcall/internal/application/constant"
)

// EventStreamRepository клиенты потока событий control API
type EventStreamRepository interface {
	Add(uuid.UUID, *websocket.Conn)
	Remove(uuid.UUID)

	// Send пишет payload одному клиенту
	Send(uuid.UUID, any) error
	// Broadcast пишет payload всем подключенным клиентам
	Broadcast(any)
	Count() int
}

const writeTimeout = 10 * time.Second

type safeWS struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

type eventStreamRepository struct {
	// clients хранит map[client_id]*ws.conn
	clients map[uuid.UUID]*safeWS

	mu sync.RWMutex
}

func NewEventStreamRepository() EventStreamRepository {
	return &eventStreamRepository{
		clients: make(map[uuid.UUID]*safeWS, 4),
	}
}

func (e *eventStreamRepository) Add(clientID uuid.UUID, conn *websocket.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.clients[clientID] = &safeWS{conn: conn}
}

func (e *eventStreamRepository) Remove(clientID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.clients, clientID)
}

func (e *eventStreamRepository) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.clients)
}

func (e *eventStreamRepository) Send(clientID uuid.UUID, payload any) error {
	e.mu.RLock()
	client, ok := e.clients[clientID]
	e.mu.RUnlock()

	if !ok {
		return fmt.Errorf("event stream client %s not found", clientID)
	}

	return client.write(payload)
}

func (e *eventStreamRepository) Broadcast(payload any) {
	for id, client := range e.snapshot() {
		if err := client.write(payload); err != nil {
			slog.Error("write to event stream", slog.String(constant.Component, id.String()), slog.Any(constant.Error, err))
		}
	}
}

func (e *eventStreamRepository) snapshot() map[uuid.UUID]*safeWS {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[uuid.UUID]*safeWS, len(e.clients))
	for id, c := range e.clients {
		out[id] = c
	}

	return out
}

func (s *safeWS) write(payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	if err := s.conn.WriteJSON(payload); err != nil {
		return fmt.Errorf("write json: %w", err)
	}

	return nil
}
