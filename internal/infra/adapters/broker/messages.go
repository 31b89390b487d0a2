package broker

import (
	"context"
	"fmt"

	"github.com/hanainplan/consultcall/internal/domain/signaling"
)

func (t *Transport) SendCallRequest(ctx context.Context, msg signaling.CallRequestMessage) error {
	return t.send(ctx, signaling.ChannelCallRequest, msg)
}

func (t *Transport) SendCallAccept(ctx context.Context, msg signaling.WebRTCMessage) error {
	msg.Type = signaling.KindCallAccept
	return t.send(ctx, signaling.ChannelCallAccept, msg)
}

func (t *Transport) SendCallReject(ctx context.Context, msg signaling.WebRTCMessage) error {
	msg.Type = signaling.KindCallReject
	return t.send(ctx, signaling.ChannelCallReject, msg)
}

func (t *Transport) SendCallEnd(ctx context.Context, msg signaling.WebRTCMessage) error {
	msg.Type = signaling.KindCallEnd
	return t.send(ctx, signaling.ChannelCallEnd, msg)
}

func (t *Transport) SendConsultationStart(ctx context.Context, msg signaling.WebRTCMessage) error {
	msg.Type = signaling.KindConsultationStart
	return t.send(ctx, signaling.ChannelConsultationStart, msg)
}

func (t *Transport) SendOffer(ctx context.Context, msg signaling.SDPMessage) error {
	msg.Type = "offer"
	return t.send(ctx, signaling.ChannelOffer, msg)
}

func (t *Transport) SendAnswer(ctx context.Context, msg signaling.SDPMessage) error {
	msg.Type = "answer"
	return t.send(ctx, signaling.ChannelAnswer, msg)
}

func (t *Transport) SendICECandidate(ctx context.Context, msg signaling.ICECandidateMessage) error {
	return t.send(ctx, signaling.ChannelICE, msg)
}

// SendSync отправляет highlight/step/note синхронизацию, канал выбирается по msg.Type
func (t *Transport) SendSync(ctx context.Context, msg signaling.WebRTCMessage) error {
	ch, ok := signaling.ChannelForKind(msg.Type)
	if !ok {
		return fmt.Errorf("%w: no channel for %s", signaling.ErrMalformed, msg.Type)
	}

	switch ch {
	case signaling.ChannelHighlightSync, signaling.ChannelStepSync,
		signaling.ChannelConsultationStepSync, signaling.ChannelConsultationNoteSync:
	default:
		return fmt.Errorf("%w: %s is not a sync message", signaling.ErrMalformed, msg.Type)
	}

	return t.send(ctx, ch, msg)
}

func (t *Transport) OnCallRequest(fn func(signaling.CallRequestMessage)) func() {
	return t.on(signaling.ChannelCallRequest, func(m signaling.Addressed) {
		fn(m.(signaling.CallRequestMessage))
	})
}

func (t *Transport) OnCallAccept(fn func(signaling.WebRTCMessage)) func() {
	return t.onEnvelope(signaling.ChannelCallAccept, fn)
}

func (t *Transport) OnCallReject(fn func(signaling.WebRTCMessage)) func() {
	return t.onEnvelope(signaling.ChannelCallReject, fn)
}

func (t *Transport) OnCallEnd(fn func(signaling.WebRTCMessage)) func() {
	return t.onEnvelope(signaling.ChannelCallEnd, fn)
}

func (t *Transport) OnConsultationStart(fn func(signaling.WebRTCMessage)) func() {
	return t.onEnvelope(signaling.ChannelConsultationStart, fn)
}

func (t *Transport) OnOffer(fn func(signaling.SDPMessage)) func() {
	return t.on(signaling.ChannelOffer, func(m signaling.Addressed) {
		fn(m.(signaling.SDPMessage))
	})
}

func (t *Transport) OnAnswer(fn func(signaling.SDPMessage)) func() {
	return t.on(signaling.ChannelAnswer, func(m signaling.Addressed) {
		fn(m.(signaling.SDPMessage))
	})
}

func (t *Transport) OnICECandidate(fn func(signaling.ICECandidateMessage)) func() {
	return t.on(signaling.ChannelICE, func(m signaling.Addressed) {
		fn(m.(signaling.ICECandidateMessage))
	})
}

func (t *Transport) OnStepSync(fn func(signaling.WebRTCMessage)) func() {
	return t.onEnvelope(signaling.ChannelStepSync, fn)
}

func (t *Transport) OnConsultationStepSync(fn func(signaling.WebRTCMessage)) func() {
	return t.onEnvelope(signaling.ChannelConsultationStepSync, fn)
}

func (t *Transport) OnConsultationNoteSync(fn func(signaling.WebRTCMessage)) func() {
	return t.onEnvelope(signaling.ChannelConsultationNoteSync, fn)
}

func (t *Transport) onEnvelope(ch signaling.Channel, fn func(signaling.WebRTCMessage)) func() {
	return t.on(ch, func(m signaling.Addressed) {
		fn(m.(signaling.WebRTCMessage))
	})
}
