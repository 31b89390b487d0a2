package broker

import (
	"context"
	"errors"

	"github.com/hanainplan/consultcall/internal/domain/signaling"
)

var (
	ErrClosed          = errors.New("broker: session closed")
	ErrUnknownTopic    = errors.New("broker: unknown topic")
	ErrUnknownReceiver = errors.New("broker: unknown receiver")
)

// HeaderUserID заголовок CONNECT с идентификатором пользователя
const HeaderUserID = "userId"

// Delivery кадр, пришедший по подписке
type Delivery struct {
	Topic string
	Body  []byte
}

// Session одно соединение с брокером
type Session interface {
	Subscribe(topic string) error
	Publish(ctx context.Context, destination string, body []byte) error
	Deliveries() <-chan Delivery

	// Done закрывается, когда соединение потеряно или закрыто, причина в Err
	Done() <-chan struct{}
	Err() error

	Close() error
}

// Broker открывает сессии от имени пользователя
type Broker interface {
	Open(ctx context.Context, userID signaling.UserID, headers map[string]string) (Session, error)
}
