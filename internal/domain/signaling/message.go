package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/pion/webrtc/v4"
)

var ErrMalformed = errors.New("signaling: malformed message")

// UserID идентификатор пользователя, выставляется один раз при connect
type UserID int64

func (id UserID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

func ParseUserID(s string) (UserID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse user id %q: %w", s, err)
	}

	if v <= 0 {
		return 0, fmt.Errorf("user id must be positive, got %d", v)
	}

	return UserID(v), nil
}

type MessageKind string

const (
	KindCallRequest          MessageKind = "CALL_REQUEST"
	KindCallAccept           MessageKind = "CALL_ACCEPT"
	KindCallReject           MessageKind = "CALL_REJECT"
	KindCallEnd              MessageKind = "CALL_END"
	KindConsultationStart    MessageKind = "CONSULTATION_START"
	KindOffer                MessageKind = "OFFER"
	KindAnswer               MessageKind = "ANSWER"
	KindICECandidate         MessageKind = "ICE_CANDIDATE"
	KindHighlightAdd         MessageKind = "HIGHLIGHT_ADD"
	KindHighlightRemove      MessageKind = "HIGHLIGHT_REMOVE"
	KindStepSync             MessageKind = "STEP_SYNC"
	KindConsultationStepSync MessageKind = "CONSULTATION_STEP_SYNC"
	KindConsultationNoteSync MessageKind = "CONSULTATION_NOTE_SYNC"
	KindUserJoined           MessageKind = "USER_JOINED"
	KindUserLeft             MessageKind = "USER_LEFT"
	KindError                MessageKind = "ERROR"
)

var kinds = map[MessageKind]struct{}{
	KindCallRequest:          {},
	KindCallAccept:           {},
	KindCallReject:           {},
	KindCallEnd:              {},
	KindConsultationStart:    {},
	KindOffer:                {},
	KindAnswer:               {},
	KindICECandidate:         {},
	KindHighlightAdd:         {},
	KindHighlightRemove:      {},
	KindStepSync:             {},
	KindConsultationStepSync: {},
	KindConsultationNoteSync: {},
	KindUserJoined:           {},
	KindUserLeft:             {},
	KindError:                {},
}

func (k MessageKind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Sync типы, которые пересылаются между сторонами без участия машины звонка
func (k MessageKind) Sync() bool {
	switch k {
	case KindHighlightAdd, KindHighlightRemove, KindStepSync, KindConsultationStepSync, KindConsultationNoteSync:
		return true
	}

	return false
}

// Addressed сообщения, которые брокер доставляет одному получателю
type Addressed interface {
	Receiver() UserID
	Room() string
	Validate() error
}

type CallRequestMessage struct {
	RoomID     string `json:"roomId"`
	CallerID   UserID `json:"callerId"`
	CalleeID   UserID `json:"calleeId"`
	CallerName string `json:"callerName"`
	CalleeName string `json:"calleeName"`
}

func (m CallRequestMessage) Receiver() UserID { return m.CalleeID }
func (m CallRequestMessage) Room() string     { return m.RoomID }

func (m CallRequestMessage) Validate() error {
	if m.RoomID == "" {
		return fmt.Errorf("%w: call request without room", ErrMalformed)
	}

	if m.CallerID <= 0 || m.CalleeID <= 0 {
		return fmt.Errorf("%w: call request without parties", ErrMalformed)
	}

	return nil
}

type SDPMessage struct {
	Type       string `json:"type"`
	SDP        string `json:"sdp"`
	RoomID     string `json:"roomId"`
	SenderID   UserID `json:"senderId"`
	ReceiverID UserID `json:"receiverId"`
}

func (m SDPMessage) Receiver() UserID { return m.ReceiverID }
func (m SDPMessage) Room() string     { return m.RoomID }

func (m SDPMessage) Validate() error {
	if m.Type != "offer" && m.Type != "answer" {
		return fmt.Errorf("%w: sdp type %q", ErrMalformed, m.Type)
	}

	if m.SDP == "" {
		return fmt.Errorf("%w: empty sdp", ErrMalformed)
	}

	return validateRoute(m.RoomID, m.SenderID, m.ReceiverID)
}

// Description возвращает описание сессии в виде pion
func (m SDPMessage) Description() webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(m.Type),
		SDP:  m.SDP,
	}
}

type ICECandidateMessage struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
	RoomID        string `json:"roomId"`
	SenderID      UserID `json:"senderId"`
	ReceiverID    UserID `json:"receiverId"`
}

func (m ICECandidateMessage) Receiver() UserID { return m.ReceiverID }
func (m ICECandidateMessage) Room() string     { return m.RoomID }

func (m ICECandidateMessage) Validate() error {
	return validateRoute(m.RoomID, m.SenderID, m.ReceiverID)
}

func (m ICECandidateMessage) Init() webrtc.ICECandidateInit {
	mid := m.SDPMid
	index := m.SDPMLineIndex

	return webrtc.ICECandidateInit{
		Candidate:     m.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	}
}

// NewICECandidateMessage собирает сообщение из локального кандидата pion
func NewICECandidateMessage(cand webrtc.ICECandidateInit, roomID string, sender, receiver UserID) ICECandidateMessage {
	msg := ICECandidateMessage{
		Candidate:  cand.Candidate,
		RoomID:     roomID,
		SenderID:   sender,
		ReceiverID: receiver,
	}

	if cand.SDPMid != nil {
		msg.SDPMid = *cand.SDPMid
	}

	if cand.SDPMLineIndex != nil {
		msg.SDPMLineIndex = *cand.SDPMLineIndex
	}

	return msg
}

// WebRTCMessage общий конверт для accept/reject/end/consultation-start и sync событий
type WebRTCMessage struct {
	Type       MessageKind     `json:"type"`
	RoomID     string          `json:"roomId"`
	SenderID   UserID          `json:"senderId"`
	ReceiverID UserID          `json:"receiverId"`
	Data       json.RawMessage `json:"data,omitempty"`
}

func (m WebRTCMessage) Receiver() UserID { return m.ReceiverID }
func (m WebRTCMessage) Room() string     { return m.RoomID }

func (m WebRTCMessage) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}

	return validateRoute(m.RoomID, m.SenderID, m.ReceiverID)
}

func validateRoute(roomID string, sender, receiver UserID) error {
	if roomID == "" {
		return fmt.Errorf("%w: missing room", ErrMalformed)
	}

	if sender <= 0 || receiver <= 0 {
		return fmt.Errorf("%w: missing sender or receiver", ErrMalformed)
	}

	return nil
}
