package signaling

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	userQueuePrefix   = "/user/queue/"
	applicationPrefix = "/app/"
)

// Channel логический канал сигнализации: входящая очередь пользователя и исходящий destination
type Channel string

const (
	ChannelCallRequest          Channel = "call-request"
	ChannelCallAccept           Channel = "call-accept"
	ChannelCallReject           Channel = "call-reject"
	ChannelCallEnd              Channel = "call-end"
	ChannelConsultationStart    Channel = "consultation-start"
	ChannelOffer                Channel = "webrtc-offer"
	ChannelAnswer               Channel = "webrtc-answer"
	ChannelICE                  Channel = "webrtc-ice"
	ChannelHighlightSync        Channel = "highlight-sync"
	ChannelStepSync             Channel = "step-sync"
	ChannelConsultationStepSync Channel = "consultation-step-sync"
	ChannelConsultationNoteSync Channel = "consultation-note-sync"
)

var destinations = map[Channel]string{
	ChannelCallRequest:          "call.request",
	ChannelCallAccept:           "call.accept",
	ChannelCallReject:           "call.reject",
	ChannelCallEnd:              "call.end",
	ChannelConsultationStart:    "consultation.start",
	ChannelOffer:                "webrtc.offer",
	ChannelAnswer:               "webrtc.answer",
	ChannelICE:                  "webrtc.ice",
	ChannelHighlightSync:        "highlight.sync",
	ChannelStepSync:             "step.sync",
	ChannelConsultationStepSync: "consultation.step-sync",
	ChannelConsultationNoteSync: "consultation.note-sync",
}

// Channels все каналы маршрутной таблицы
var Channels = []Channel{
	ChannelCallRequest,
	ChannelCallAccept,
	ChannelCallReject,
	ChannelCallEnd,
	ChannelConsultationStart,
	ChannelOffer,
	ChannelAnswer,
	ChannelICE,
	ChannelHighlightSync,
	ChannelStepSync,
	ChannelConsultationStepSync,
	ChannelConsultationNoteSync,
}

// InboundChannels каналы, на очереди которых клиент подписывается при connect, в порядке подписки
var InboundChannels = []Channel{
	ChannelCallRequest,
	ChannelCallAccept,
	ChannelCallReject,
	ChannelCallEnd,
	ChannelConsultationStart,
	ChannelOffer,
	ChannelAnswer,
	ChannelICE,
	ChannelStepSync,
	ChannelConsultationStepSync,
	ChannelConsultationNoteSync,
}

// Inbound false для highlight.sync: сервер принимает его, но пользовательской очереди под него нет
func (c Channel) Inbound() bool {
	return c != ChannelHighlightSync
}

// InboundTopic очередь, на которую клиент подписывается при connect
func (c Channel) InboundTopic() string {
	return userQueuePrefix + string(c)
}

// Destination адрес публикации на брокере
func (c Channel) Destination() string {
	return applicationPrefix + destinations[c]
}

func ChannelForTopic(topic string) (Channel, bool) {
	name, ok := strings.CutPrefix(topic, userQueuePrefix)
	if !ok {
		return "", false
	}

	ch := Channel(name)
	_, known := destinations[ch]

	return ch, known && ch.Inbound()
}

func ChannelForDestination(destination string) (Channel, bool) {
	name, ok := strings.CutPrefix(destination, applicationPrefix)
	if !ok {
		return "", false
	}

	for ch, dest := range destinations {
		if dest == name {
			return ch, true
		}
	}

	return "", false
}

// ChannelForKind канал, по которому ходит сообщение данного типа
func ChannelForKind(kind MessageKind) (Channel, bool) {
	switch kind {
	case KindCallRequest:
		return ChannelCallRequest, true
	case KindCallAccept:
		return ChannelCallAccept, true
	case KindCallReject:
		return ChannelCallReject, true
	case KindCallEnd:
		return ChannelCallEnd, true
	case KindConsultationStart:
		return ChannelConsultationStart, true
	case KindOffer:
		return ChannelOffer, true
	case KindAnswer:
		return ChannelAnswer, true
	case KindICECandidate:
		return ChannelICE, true
	case KindHighlightAdd, KindHighlightRemove:
		return ChannelHighlightSync, true
	case KindStepSync:
		return ChannelStepSync, true
	case KindConsultationStepSync:
		return ChannelConsultationStepSync, true
	case KindConsultationNoteSync:
		return ChannelConsultationNoteSync, true
	}

	return "", false
}

// Decode разбирает тело кадра канала в типизированное сообщение и валидирует его
func Decode(ch Channel, body []byte) (Addressed, error) {
	var (
		msg Addressed
		err error
	)

	switch ch {
	case ChannelCallRequest:
		var m CallRequestMessage
		err = json.Unmarshal(body, &m)
		msg = m
	case ChannelOffer, ChannelAnswer:
		var m SDPMessage
		err = json.Unmarshal(body, &m)
		msg = m
	case ChannelICE:
		var m ICECandidateMessage
		err = json.Unmarshal(body, &m)
		msg = m
	case ChannelCallAccept, ChannelCallReject, ChannelCallEnd, ChannelConsultationStart,
		ChannelHighlightSync, ChannelStepSync, ChannelConsultationStepSync, ChannelConsultationNoteSync:
		var m WebRTCMessage
		err = json.Unmarshal(body, &m)
		msg = m
	default:
		return nil, fmt.Errorf("%w: unknown channel %q", ErrMalformed, ch)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, ch, err)
	}

	if err = msg.Validate(); err != nil {
		return nil, err
	}

	return msg, nil
}

// ReceiverOf достает получателя из сырого тела, нужно брокерам без серверной маршрутизации
func ReceiverOf(ch Channel, body []byte) (UserID, error) {
	msg, err := Decode(ch, body)
	if err != nil {
		return 0, err
	}

	return msg.Receiver(), nil
}
