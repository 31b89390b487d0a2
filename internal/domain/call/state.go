package call

import (
	"github.com/hanainplan/consultcall/internal/domain/media"
	"github.com/hanainplan/consultcall/internal/domain/signaling"
)

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRequesting
	PhaseRinging
	PhaseNegotiating
	PhaseInCall
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRequesting:
		return "requesting"
	case PhaseRinging:
		return "ringing"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseInCall:
		return "in_call"
	}

	return "unknown"
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Setup фазы, на которые распространяется таймаут установки звонка
func (p Phase) Setup() bool {
	return p == PhaseRequesting || p == PhaseRinging || p == PhaseNegotiating
}

// State снимок звонка. Машина состояний публикует новый *State после каждого перехода,
// подписчики не должны его менять
type State struct {
	Phase Phase `json:"phase"`

	IsInCall    bool              `json:"isInCall"`
	RoomID      string            `json:"roomId,omitempty"`
	IsConnected bool              `json:"isConnected"`
	CallerID    *signaling.UserID `json:"callerId"`
	CalleeID    *signaling.UserID `json:"calleeId"`
	IsCaller    bool              `json:"isCaller"`

	LocalStream  *media.LocalStream  `json:"-"`
	RemoteStream *media.RemoteStream `json:"-"`
	ScreenStream *media.LocalStream  `json:"-"`

	IsScreenSharing bool `json:"isScreenSharing"`
	AudioEnabled    bool `json:"audioEnabled"`
	VideoEnabled    bool `json:"videoEnabled"`

	InWaitingRoom bool   `json:"inWaitingRoom"`
	WaitingRoomID string `json:"waitingRoomId,omitempty"`
}

// Peer собеседник текущего звонка
func (s State) Peer() (signaling.UserID, bool) {
	if s.IsCaller {
		if s.CalleeID != nil {
			return *s.CalleeID, true
		}

		return 0, false
	}

	if s.CallerID != nil {
		return *s.CallerID, true
	}

	return 0, false
}

func (s State) Idle() bool {
	return s.Phase == PhaseIdle
}

func userPtr(id signaling.UserID) *signaling.UserID {
	return &id
}
