package calllog

import (
	"context"
	"time"

	"github.com/hanainplan/consultcall/internal/domain/signaling"
)

type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
)

type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeConnected Outcome = "connected"
	OutcomeCompleted Outcome = "completed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeMissed    Outcome = "missed"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimeout   Outcome = "timeout"
)

// Record запись журнала звонков, одна на комнату
type Record struct {
	RoomID      string           `db:"room_id" json:"roomId"`
	PeerID      signaling.UserID `db:"peer_id" json:"peerId"`
	Direction   Direction        `db:"direction" json:"direction"`
	Outcome     Outcome          `db:"outcome" json:"outcome"`
	StartedAt   time.Time        `db:"started_at" json:"startedAt"`
	ConnectedAt *time.Time       `db:"connected_at" json:"connectedAt,omitempty"`
	EndedAt     *time.Time       `db:"ended_at" json:"endedAt,omitempty"`
}

// Duration длительность разговора, ноль если соединения не было
func (r Record) Duration() time.Duration {
	if r.ConnectedAt == nil || r.EndedAt == nil {
		return 0
	}

	return r.EndedAt.Sub(*r.ConnectedAt)
}

// Repository хранилище журнала. Save делает upsert по room_id
type Repository interface {
	Save(ctx context.Context, r Record) error
	List(ctx context.Context, limit int) ([]Record, error)
}
