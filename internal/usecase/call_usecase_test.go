package usecase_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/hanainplan/consultcall/internal/domain/call"
	"github.com/hanainplan/consultcall/internal/domain/calllog"
	"github.com/hanainplan/consultcall/internal/domain/media"
	"github.com/hanainplan/consultcall/internal/domain/signaling"
	"github.com/hanainplan/consultcall/internal/infra/adapters/broker"
	"github.com/hanainplan/consultcall/internal/infra/adapters/broker/memory"
)

// remote собеседник без машины звонка, только транспорт
type remote struct {
	t  *testing.T
	id signaling.UserID
	tr *broker.Transport

	requests chan signaling.CallRequestMessage
	accepts  chan signaling.WebRTCMessage
	rejects  chan signaling.WebRTCMessage
	ends     chan signaling.WebRTCMessage
	offers   chan signaling.SDPMessage
	answers  chan signaling.SDPMessage
}

func newRemote(t *testing.T, hub *memory.Hub, id signaling.UserID) *remote {
	t.Helper()

	tr := broker.NewTransport(hub, broker.Options{ReconnectDelay: time.Hour})
	if err := tr.Connect(context.Background(), id); err != nil {
		t.Fatalf("connect %s: %v", id, err)
	}
	t.Cleanup(func() { _ = tr.Disconnect() })

	r := &remote{
		t:        t,
		id:       id,
		tr:       tr,
		requests: make(chan signaling.CallRequestMessage, 8),
		accepts:  make(chan signaling.WebRTCMessage, 8),
		rejects:  make(chan signaling.WebRTCMessage, 8),
		ends:     make(chan signaling.WebRTCMessage, 8),
		offers:   make(chan signaling.SDPMessage, 8),
		answers:  make(chan signaling.SDPMessage, 8),
	}

	tr.OnCallRequest(func(m signaling.CallRequestMessage) { r.requests <- m })
	tr.OnCallAccept(func(m signaling.WebRTCMessage) { r.accepts <- m })
	tr.OnCallReject(func(m signaling.WebRTCMessage) { r.rejects <- m })
	tr.OnCallEnd(func(m signaling.WebRTCMessage) { r.ends <- m })
	tr.OnOffer(func(m signaling.SDPMessage) { r.offers <- m })
	tr.OnAnswer(func(m signaling.SDPMessage) { r.answers <- m })

	return r
}

func (r *remote) envelope(kind signaling.MessageKind, room string, to signaling.UserID) signaling.WebRTCMessage {
	return signaling.WebRTCMessage{Type: kind, RoomID: room, SenderID: r.id, ReceiverID: to}
}

func (r *remote) sendAccept(room string, to signaling.UserID) {
	r.t.Helper()

	if err := r.tr.SendCallAccept(context.Background(), r.envelope(signaling.KindCallAccept, room, to)); err != nil {
		r.t.Fatal(err)
	}
}

func (r *remote) sendSDP(kind, room string, to signaling.UserID) {
	r.t.Helper()

	msg := signaling.SDPMessage{Type: kind, SDP: "remote-" + kind, RoomID: room, SenderID: r.id, ReceiverID: to}

	var err error
	if kind == "offer" {
		err = r.tr.SendOffer(context.Background(), msg)
	} else {
		err = r.tr.SendAnswer(context.Background(), msg)
	}

	if err != nil {
		r.t.Fatal(err)
	}
}

func (r *remote) sendCandidate(room string, to signaling.UserID, n int) {
	r.t.Helper()

	msg := signaling.ICECandidateMessage{
		Candidate:  fmt.Sprintf("candidate:%d", n),
		SDPMid:     "0",
		RoomID:     room,
		SenderID:   r.id,
		ReceiverID: to,
	}

	if err := r.tr.SendICECandidate(context.Background(), msg); err != nil {
		r.t.Fatal(err)
	}
}

func (r *remote) sendRequest(room string, to signaling.UserID) {
	r.t.Helper()

	msg := signaling.CallRequestMessage{RoomID: room, CallerID: r.id, CalleeID: to, CallerName: "remote"}
	if err := r.tr.SendCallRequest(context.Background(), msg); err != nil {
		r.t.Fatal(err)
	}
}

// establish доводит звонок alice -> удаленный bob до InCall
func establish(t *testing.T, a *party, b *remote, room string) {
	t.Helper()

	if _, err := a.machine.StartCall(context.Background(), room, b.id, "Bob"); err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}

	receive(t, b.requests)
	b.sendAccept(room, a.id)

	offer := receive(t, b.offers)
	if offer.Type != "offer" || offer.RoomID != room || offer.ReceiverID != b.id {
		t.Fatalf("offer = %+v", offer)
	}

	b.sendSDP("answer", room, a.id)
	a.waitPhase(t, call.PhaseInCall)
}

func TestStartCallState(t *testing.T) {
	hub := memory.NewHub()
	a := newParty(t, hub, alice, partyOptions{})
	b := newRemote(t, hub, bob)

	room, err := a.machine.StartCall(context.Background(), "room1", bob, "Bob")
	if err != nil {
		t.Fatalf("StartCall() error = %v", err)
	}

	if room != "room1" {
		t.Errorf("room = %q, want room1", room)
	}

	s := a.machine.State()
	if !s.IsInCall || !s.IsCaller || s.RoomID != "room1" || s.Phase != call.PhaseRequesting {
		t.Fatalf("state = %+v", s)
	}

	if s.CalleeID == nil || *s.CalleeID != bob {
		t.Errorf("calleeId = %v, want %s", s.CalleeID, bob)
	}

	if s.LocalStream == nil {
		t.Error("local stream not set before CALL_REQUEST")
	}

	req := receive(t, b.requests)
	if req.CallerID != alice || req.CalleeID != bob || req.CallerName != "user-1" || req.CalleeName != "Bob" {
		t.Errorf("request = %+v", req)
	}

	// offer только после CALL_ACCEPT
	if offers, _, _, _ := a.fake(t).last(t).stats(); offers != 0 {
		t.Errorf("offers before accept = %d, want 0", offers)
	}

	if _, err = a.machine.StartCall(context.Background(), "room2", bob, "Bob"); call.KindOf(err) != call.KindNegotiation {
		t.Errorf("second StartCall() error = %v, want NegotiationError", err)
	}
}

func TestStartCallGeneratesRoom(t *testing.T) {
	hub := memory.NewHub()
	a := newParty(t, hub, alice, partyOptions{})
	newRemote(t, hub, bob)

	room, err := a.machine.StartCall(context.Background(), "", bob, "")
	if err != nil {
		t.Fatal(err)
	}

	if room == "" || a.machine.State().RoomID != room {
		t.Errorf("room = %q, state room = %q", room, a.machine.State().RoomID)
	}

	if _, err = newParty(t, hub, 7, partyOptions{}).machine.StartCall(context.Background(), "x", 7, ""); err == nil {
		t.Error("calling yourself succeeded")
	}
}

func TestSingleOfferer(t *testing.T) {
	hub := memory.NewHub()
	a := newParty(t, hub, alice, partyOptions{})
	b := newParty(t, hub, bob, partyOptions{})

	incoming := make(chan signaling.CallRequestMessage, 1)
	b.machine.OnIncomingCall(func(m signaling.CallRequestMessage) { incoming <- m })

	if _, err := a.machine.StartCall(context.Background(), "room1", bob, "Bob"); err != nil {
		t.Fatal(err)
	}

	req := receive(t, incoming)
	if req.RoomID != "room1" || req.CallerID != alice {
		t.Fatalf("incoming = %+v", req)
	}

	ringing := b.waitPhase(t, call.PhaseRinging)
	if ringing.IsInCall || ringing.CallerID == nil || *ringing.CallerID != alice {
		t.Errorf("ringing state = %+v", ringing)
	}

	if err := b.machine.AcceptCall(context.Background()); err != nil {
		t.Fatalf("AcceptCall() error = %v", err)
	}

	as := a.waitPhase(t, call.PhaseInCall)
	bs := b.waitPhase(t, call.PhaseInCall)

	if !as.IsCaller || bs.IsCaller {
		t.Errorf("isCaller alice=%v bob=%v", as.IsCaller, bs.IsCaller)
	}

	aOffers, aAnswers, _, _ := a.fake(t).last(t).stats()
	bOffers, bAnswers, _, _ := b.fake(t).last(t).stats()

	if aOffers != 1 || aAnswers != 0 {
		t.Errorf("caller offers=%d answers=%d, want 1/0", aOffers, aAnswers)
	}

	if bOffers != 0 || bAnswers != 1 {
		t.Errorf("callee offers=%d answers=%d, want 0/1", bOffers, bAnswers)
	}

	a.fake(t).last(t).setState(webrtc.PeerConnectionStateConnected)
	b.fake(t).last(t).setState(webrtc.PeerConnectionStateConnected)

	waitFor(t, "both connected", 3*time.Second, func() bool {
		return a.machine.State().IsConnected && b.machine.State().IsConnected
	})

	if got := a.record(t, "room1"); got.Outcome != calllog.OutcomeConnected || got.ConnectedAt == nil {
		t.Errorf("caller record = %+v", got)
	}

	if err := a.machine.EndCall(context.Background()); err != nil {
		t.Fatal(err)
	}

	b.waitPhase(t, call.PhaseIdle)

	if got := a.record(t, "room1"); got.Outcome != calllog.OutcomeCompleted || got.Direction != calllog.DirectionOutgoing {
		t.Errorf("caller record = %+v", got)
	}

	if got := b.record(t, "room1"); got.Outcome != calllog.OutcomeCompleted || got.Direction != calllog.DirectionIncoming {
		t.Errorf("callee record = %+v", got)
	}

	a.noError(t)
	b.noError(t)
}

func TestRemoteCandidatesBufferedUntilOffer(t *testing.T) {
	hub := memory.NewHub()
	b := newParty(t, hub, bob, partyOptions{})
	a := newRemote(t, hub, alice)

	a.sendRequest("room1", bob)
	b.waitPhase(t, call.PhaseRinging)

	// кандидат до peer connection
	a.sendCandidate("room1", bob, 1)

	if err := b.machine.AcceptCall(context.Background()); err != nil {
		t.Fatal(err)
	}

	if accept := receive(t, a.accepts); accept.RoomID != "room1" || accept.SenderID != bob {
		t.Fatalf("accept = %+v", accept)
	}

	// кандидат до удаленного описания
	a.sendCandidate("room1", bob, 2)
	a.sendSDP("offer", "room1", bob)

	answer := receive(t, a.answers)
	if answer.Type != "answer" || answer.ReceiverID != alice {
		t.Fatalf("answer = %+v", answer)
	}

	b.waitPhase(t, call.PhaseInCall)

	conn := b.fake(t).last(t)

	_, _, candidates, _ := conn.stats()
	if fmt.Sprint(candidates) != "[candidate:1 candidate:2]" {
		t.Fatalf("applied candidates = %v, want [candidate:1 candidate:2]", candidates)
	}

	a.sendCandidate("room1", bob, 3)

	waitFor(t, "third candidate", 3*time.Second, func() bool {
		_, _, c, _ := conn.stats()
		return len(c) == 3
	})

	_, _, candidates, _ = conn.stats()
	if fmt.Sprint(candidates) != "[candidate:1 candidate:2 candidate:3]" {
		t.Errorf("applied candidates = %v", candidates)
	}

	b.noError(t)
}

func TestOfferWithoutAcceptIsHandledLazily(t *testing.T) {
	hub := memory.NewHub()
	b := newParty(t, hub, bob, partyOptions{})
	a := newRemote(t, hub, alice)

	a.sendSDP("offer", "room5", bob)

	receive(t, a.answers)

	s := b.waitPhase(t, call.PhaseInCall)
	if s.IsCaller || s.RoomID != "room5" || s.CallerID == nil || *s.CallerID != alice {
		t.Errorf("state = %+v", s)
	}

	if s.LocalStream == nil {
		t.Error("media not initialized on lazy path")
	}
}

func TestInitializeMediaDenied(t *testing.T) {
	hub := memory.NewHub()
	a := newParty(t, hub, alice, partyOptions{source: deniedSource{}})
	b := newRemote(t, hub, bob)

	stream, err := a.machine.InitializeMedia(context.Background(), media.Constraints{Audio: true, Video: true})
	if stream != nil || call.KindOf(err) != call.KindMediaAccess {
		t.Fatalf("InitializeMedia() = %v, %v; want MediaAccessError", stream, err)
	}

	if !errors.Is(err, errDenied) {
		t.Errorf("error %v does not wrap the device error", err)
	}

	a.waitError(t, call.KindMediaAccess)

	if a.machine.State().LocalStream != nil {
		t.Error("local stream set after denial")
	}

	if _, err = a.machine.StartCall(context.Background(), "room1", bob, "Bob"); call.KindOf(err) != call.KindMediaAccess {
		t.Fatalf("StartCall() error = %v, want MediaAccessError", err)
	}

	a.waitError(t, call.KindMediaAccess)

	if s := a.machine.State(); !s.Idle() || s.LocalStream != nil {
		t.Errorf("state after denied start = %+v", s)
	}

	if n := a.fake(t).count(); n != 0 {
		t.Errorf("peer connections created = %d, want 0", n)
	}

	select {
	case req := <-b.requests:
		t.Errorf("call request sent despite denial: %+v", req)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAcceptWithDeniedMediaRejects(t *testing.T) {
	hub := memory.NewHub()
	b := newParty(t, hub, bob, partyOptions{source: deniedSource{}})
	a := newRemote(t, hub, alice)

	a.sendRequest("room1", bob)
	b.waitPhase(t, call.PhaseRinging)

	if err := b.machine.AcceptCall(context.Background()); call.KindOf(err) != call.KindMediaAccess {
		t.Fatalf("AcceptCall() error = %v, want MediaAccessError", err)
	}

	if reject := receive(t, a.rejects); reject.RoomID != "room1" {
		t.Errorf("reject = %+v", reject)
	}

	b.waitPhase(t, call.PhaseIdle)
}

func TestPeerConnectionFailure(t *testing.T) {
	hub := memory.NewHub()
	a := newParty(t, hub, alice, partyOptions{})
	b := newRemote(t, hub, bob)

	establish(t, a, b, "room1")

	local := a.machine.State().LocalStream
	if local == nil {
		t.Fatal("no local stream in call")
	}

	conn := a.fake(t).last(t)
	conn.setICEState(webrtc.ICEConnectionStateFailed)

	a.waitError(t, call.KindPeerConnectionFailure)

	s := a.waitPhase(t, call.PhaseIdle)
	if s.IsInCall || s.RoomID != "" || s.LocalStream != nil || s.RemoteStream != nil {
		t.Errorf("state after failure = %+v", s)
	}

	for _, tr := range local.Tracks() {
		if !tr.Stopped() {
			t.Errorf("track %s still live", tr.ID())
		}
	}

	if _, _, _, closed := conn.stats(); !closed {
		t.Error("peer connection not closed")
	}

	if end := receive(t, b.ends); end.RoomID != "room1" || end.SenderID != alice {
		t.Errorf("call end = %+v", end)
	}

	if got := a.record(t, "room1"); got.Outcome != calllog.OutcomeFailed {
		t.Errorf("record outcome = %s, want failed", got.Outcome)
	}
}

func TestEndCallIsIdempotent(t *testing.T) {
	hub := memory.NewHub()
	a := newParty(t, hub, alice, partyOptions{})
	b := newRemote(t, hub, bob)

	if _, err := a.machine.StartCall(context.Background(), "room1", bob, "Bob"); err != nil {
		t.Fatal(err)
	}

	if err := a.machine.EndCall(context.Background()); err != nil {
		t.Fatalf("first EndCall() error = %v", err)
	}
	first := *a.machine.State()

	if err := a.machine.EndCall(context.Background()); err != nil {
		t.Fatalf("second EndCall() error = %v", err)
	}
	second := *a.machine.State()

	if first != second || first != (call.State{}) {
		t.Errorf("states differ: %+v vs %+v", first, second)
	}

	receive(t, b.ends)

	select {
	case m := <-b.ends:
		t.Errorf("second CALL_END sent: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStateSnapshotsAreDistinct(t *testing.T) {
	hub := memory.NewHub()
	a := newParty(t, hub, alice, partyOptions{})
	b := newRemote(t, hub, bob)

	establish(t, a, b, "room1")

	if _, err := a.machine.ToggleMicrophone(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := a.machine.ToggleMicrophone(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := a.machine.EndCall(context.Background()); err != nil {
		t.Fatal(err)
	}

	var got []*call.State

	waitFor(t, "idle snapshot", 3*time.Second, func() bool {
		for {
			select {
			case s := <-a.states:
				got = append(got, s)
				if s.Idle() && len(got) > 1 {
					return true
				}
			default:
				return false
			}
		}
	})

	for i := 1; i < len(got); i++ {
		if got[i] == got[i-1] {
			t.Fatalf("snapshots %d and %d share identity", i-1, i)
		}
	}
}

func TestCallRejected(t *testing.T) {
	hub := memory.NewHub()
	a := newParty(t, hub, alice, partyOptions{})
	b := newParty(t, hub, bob, partyOptions{})

	if _, err := a.machine.StartCall(context.Background(), "room1", bob, "Bob"); err != nil {
		t.Fatal(err)
	}

	b.waitPhase(t, call.PhaseRinging)

	if err := b.machine.RejectCall(context.Background()); err != nil {
		t.Fatalf("RejectCall() error = %v", err)
	}

	err := a.waitError(t, call.KindCallRejected)

	var ce *call.Error
	if !errors.As(err, &ce) || ce.Fatal() || ce.DismissAfter() != 3*time.Second {
		t.Errorf("reject error = %#v", err)
	}

	a.waitPhase(t, call.PhaseIdle)
	b.waitPhase(t, call.PhaseIdle)

	if got := a.record(t, "room1"); got.Outcome != calllog.OutcomeRejected {
		t.Errorf("caller outcome = %s", got.Outcome)
	}

	if got := b.record(t, "room1"); got.Outcome != calllog.OutcomeRejected {
		t.Errorf("callee outcome = %s", got.Outcome)
	}

	if err = b.machine.RejectCall(context.Background()); call.KindOf(err) != call.KindNegotiation {
		t.Errorf("RejectCall() without call = %v", err)
	}
}

func TestBusyCalleeRejects(t *testing.T) {
	hub := memory.NewHub()
	a := newParty(t, hub, alice, partyOptions{})
	newRemote(t, hub, bob)
	c := newRemote(t, hub, 77)

	if _, err := a.machine.StartCall(context.Background(), "room1", bob, "Bob"); err != nil {
		t.Fatal(err)
	}

	c.sendRequest("room2", alice)

	if reject := receive(t, c.rejects); reject.RoomID != "room2" {
		t.Errorf("reject = %+v", reject)
	}

	if s := a.machine.State(); s.RoomID != "room1" || s.Phase != call.PhaseRequesting {
		t.Errorf("state changed by second request: %+v", s)
	}
}

func TestRemoteEndOnlyCleansUp(t *testing.T) {
	hub := memory.NewHub()
	a := newParty(t, hub, alice, partyOptions{})
	b := newRemote(t, hub, bob)

	establish(t, a, b, "room1")

	if err := b.tr.SendCallEnd(context.Background(), b.envelope(signaling.KindCallEnd, "room1", alice)); err != nil {
		t.Fatal(err)
	}

	a.waitPhase(t, call.PhaseIdle)

	select {
	case m := <-b.ends:
		t.Errorf("CALL_END echoed back: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}

	a.noError(t)
}

func TestSetupTimeout(t *testing.T) {
	hub := memory.NewHub()
	a := newParty(t, hub, alice, partyOptions{timeout: 150 * time.Millisecond})
	b := newRemote(t, hub, bob)

	if _, err := a.machine.StartCall(context.Background(), "room1", bob, "Bob"); err != nil {
		t.Fatal(err)
	}

	a.waitError(t, call.KindSetupTimeout)
	a.waitPhase(t, call.PhaseIdle)

	receive(t, b.requests)
	if end := receive(t, b.ends); end.RoomID != "room1" {
		t.Errorf("call end = %+v", end)
	}

	if got := a.record(t, "room1"); got.Outcome != calllog.OutcomeTimeout {
		t.Errorf("outcome = %s, want timeout", got.Outcome)
	}
}

func TestRingingTimeoutIsMissed(t *testing.T) {
	hub := memory.NewHub()
	b := newParty(t, hub, bob, partyOptions{timeout: 150 * time.Millisecond})
	a := newRemote(t, hub, alice)

	a.sendRequest("room1", bob)
	b.waitPhase(t, call.PhaseRinging)
	b.waitPhase(t, call.PhaseIdle)

	b.noError(t)

	if got := b.record(t, "room1"); got.Outcome != calllog.OutcomeMissed {
		t.Errorf("outcome = %s, want missed", got.Outcome)
	}
}

func TestTransportLossDuringCall(t *testing.T) {
	hub := memory.NewHub()
	a := newParty(t, hub, alice, partyOptions{})
	newRemote(t, hub, bob)

	// без звонка потеря транспорта не ошибка
	hub.Drop(alice)
	a.noError(t)

	waitFor(t, "reconnect", 3*time.Second, func() bool { return !a.transport.Connected() })
	if err := a.transport.Connect(context.Background(), alice); err != nil {
		t.Fatal(err)
	}

	if _, err := a.machine.StartCall(context.Background(), "room1", bob, "Bob"); err != nil {
		t.Fatal(err)
	}

	hub.Drop(alice)

	a.waitError(t, call.KindConnection)
	a.waitPhase(t, call.PhaseIdle)
}

func TestOfferWhileCallingIsNegotiationError(t *testing.T) {
	hub := memory.NewHub()
	a := newParty(t, hub, alice, partyOptions{})
	b := newRemote(t, hub, bob)

	if _, err := a.machine.StartCall(context.Background(), "room1", bob, "Bob"); err != nil {
		t.Fatal(err)
	}

	b.sendSDP("offer", "room1", alice)

	a.waitError(t, call.KindNegotiation)

	if s := a.machine.State(); s.Phase != call.PhaseRequesting {
		t.Errorf("phase = %s, want requesting", s.Phase)
	}

	if _, answers, _, _ := a.fake(t).last(t).stats(); answers != 0 {
		t.Errorf("caller answered a glare offer")
	}
}

func TestToggles(t *testing.T) {
	hub := memory.NewHub()
	a := newParty(t, hub, alice, partyOptions{})
	b := newRemote(t, hub, bob)

	if on, err := a.machine.ToggleMicrophone(context.Background()); on || err != nil {
		t.Fatalf("ToggleMicrophone() without stream = %v, %v", on, err)
	}

	if _, err := a.machine.InitializeMedia(context.Background(), media.Constraints{Audio: true, Video: true}); err != nil {
		t.Fatal(err)
	}

	if !a.machine.State().AudioEnabled || !a.machine.State().VideoEnabled {
		t.Fatalf("preview state = %+v", a.machine.State())
	}

	establish(t, a, b, "room1")

	conn := a.fake(t).last(t)

	on, err := a.machine.ToggleMicrophone(context.Background())
	if on || err != nil || a.machine.State().AudioEnabled {
		t.Fatalf("mute = %v, %v, state %+v", on, err, a.machine.State())
	}

	if tr, ok := conn.sender("audio").last(); !ok || tr != nil {
		t.Errorf("audio sender track = %v, want nil", tr)
	}

	on, _ = a.machine.ToggleMicrophone(context.Background())
	if !on || !a.machine.State().AudioEnabled {
		t.Error("unmute did not enable audio")
	}

	if tr, ok := conn.sender("audio").last(); !ok || tr == nil {
		t.Error("audio track not restored on sender")
	}

	on, _ = a.machine.ToggleVideo(context.Background())
	if on || a.machine.State().VideoEnabled {
		t.Error("video not disabled")
	}
}

func TestScreenShare(t *testing.T) {
	hub := memory.NewHub()
	a := newParty(t, hub, alice, partyOptions{})
	b := newRemote(t, hub, bob)

	if _, err := a.machine.ToggleScreenShare(context.Background()); call.KindOf(err) != call.KindScreenShare {
		t.Fatalf("ToggleScreenShare() without call = %v, want ScreenShareError", err)
	}
	a.waitError(t, call.KindScreenShare)

	establish(t, a, b, "room1")

	conn := a.fake(t).last(t)
	camera := a.machine.State().LocalStream.VideoTracks()[0]

	sharing, err := a.machine.ToggleScreenShare(context.Background())
	if !sharing || err != nil {
		t.Fatalf("ToggleScreenShare() = %v, %v", sharing, err)
	}

	s := a.machine.State()
	if !s.IsScreenSharing || s.ScreenStream == nil {
		t.Fatalf("state = %+v", s)
	}

	screen := s.ScreenStream.VideoTracks()[0]

	if tr, _ := conn.sender("video").last(); tr != screen.Track() {
		t.Errorf("video sender carries %v, want screen", tr)
	}

	if _, touched := conn.sender("audio").last(); touched {
		t.Error("audio sender replaced during screen share")
	}

	// окно демонстрации закрыто пользователем
	screen.Stop()

	waitFor(t, "screen share stopped", 3*time.Second, func() bool {
		return !a.machine.State().IsScreenSharing
	})

	if tr, _ := conn.sender("video").last(); tr != camera.Track() {
		t.Errorf("video sender carries %v, want camera", tr)
	}

	if sharing, err = a.machine.ToggleScreenShare(context.Background()); !sharing || err != nil {
		t.Fatalf("second share = %v, %v", sharing, err)
	}

	if sharing, err = a.machine.ToggleScreenShare(context.Background()); sharing || err != nil {
		t.Fatalf("toggle off = %v, %v", sharing, err)
	}

	if a.machine.State().IsScreenSharing {
		t.Error("still sharing after toggle off")
	}
}

func TestWaitingRoom(t *testing.T) {
	hub := memory.NewHub()
	a := newParty(t, hub, alice, partyOptions{})
	b := newParty(t, hub, bob, partyOptions{})

	if err := b.machine.WaitForConsultation(context.Background(), "room9"); err != nil {
		t.Fatal(err)
	}

	if s := b.machine.State(); !s.InWaitingRoom || s.WaitingRoomID != "room9" {
		t.Fatalf("state = %+v", s)
	}

	if err := a.machine.StartConsultation(context.Background(), bob, "room9"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "waiting room left", 3*time.Second, func() bool {
		return !b.machine.State().InWaitingRoom
	})

	// консультация не начинает согласование сама по себе
	if s := b.machine.State(); !s.Idle() {
		t.Errorf("phase = %s, want idle", s.Phase)
	}
}

func TestSyncRelay(t *testing.T) {
	hub := memory.NewHub()
	a := newParty(t, hub, alice, partyOptions{})
	b := newParty(t, hub, bob, partyOptions{})

	got := make(chan signaling.WebRTCMessage, 1)
	b.machine.OnSync(func(m signaling.WebRTCMessage) { got <- m })

	data := json.RawMessage(`{"step":3}`)
	if err := a.machine.SendSync(context.Background(), signaling.KindStepSync, bob, "room1", data); err != nil {
		t.Fatal(err)
	}

	m := receive(t, got)
	if m.Type != signaling.KindStepSync || m.SenderID != alice || string(m.Data) != `{"step":3}` {
		t.Errorf("sync = %+v", m)
	}

	if err := a.machine.SendSync(context.Background(), signaling.KindStepSync, 0, "", data); err == nil {
		t.Error("SendSync() without call or receiver succeeded")
	}
}

func TestEndCallAbortsPendingMedia(t *testing.T) {
	hub := memory.NewHub()
	src := blockingSource{started: make(chan struct{})}
	a := newParty(t, hub, alice, partyOptions{source: src})
	b := newRemote(t, hub, bob)

	result := make(chan error, 1)
	go func() {
		_, err := a.machine.StartCall(context.Background(), "room1", bob, "Bob")
		result <- err
	}()

	receive(t, src.started)

	if err := a.machine.EndCall(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := receive(t, result); !errors.Is(err, context.Canceled) {
		t.Errorf("StartCall() error = %v, want context.Canceled", err)
	}

	if s := a.machine.State(); !s.Idle() {
		t.Errorf("state = %+v", s)
	}

	if n := a.fake(t).count(); n != 0 {
		t.Errorf("peer connections = %d, want 0", n)
	}

	select {
	case req := <-b.requests:
		t.Errorf("call request sent: %+v", req)
	case <-time.After(100 * time.Millisecond):
	}

	a.noError(t)
}

func TestLateOfferForEndedRoomIsDropped(t *testing.T) {
	hub := memory.NewHub()
	b := newParty(t, hub, bob, partyOptions{})
	a := newRemote(t, hub, alice)

	a.sendRequest("room1", bob)
	b.waitPhase(t, call.PhaseRinging)

	if err := b.machine.AcceptCall(context.Background()); err != nil {
		t.Fatal(err)
	}
	receive(t, a.accepts)

	if err := a.tr.SendCallEnd(context.Background(), a.envelope(signaling.KindCallEnd, "room1", bob)); err != nil {
		t.Fatal(err)
	}
	b.waitPhase(t, call.PhaseIdle)

	a.sendSDP("offer", "room1", bob)
	a.sendCandidate("room1", bob, 1)

	select {
	case m := <-a.answers:
		t.Fatalf("answered an offer for an ended room: %+v", m)
	case <-time.After(200 * time.Millisecond):
	}

	if s := b.machine.State(); !s.Idle() || s.LocalStream != nil {
		t.Fatalf("state after late offer = %+v", s)
	}

	if n := b.fake(t).count(); n != 1 {
		t.Errorf("peer connections = %d, want 1", n)
	}

	b.noError(t)

	// новый звонок в той же комнате снова принимается
	a.sendRequest("room1", bob)
	b.waitPhase(t, call.PhaseRinging)
}

func TestThirdPartyCannotEndOrRejectCall(t *testing.T) {
	hub := memory.NewHub()
	a := newParty(t, hub, alice, partyOptions{})
	b := newRemote(t, hub, bob)
	c := newRemote(t, hub, 77)

	if _, err := a.machine.StartCall(context.Background(), "room1", bob, "Bob"); err != nil {
		t.Fatal(err)
	}
	receive(t, b.requests)

	if err := c.tr.SendCallReject(context.Background(), c.envelope(signaling.KindCallReject, "room1", alice)); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)

	if s := a.machine.State(); s.Phase != call.PhaseRequesting {
		t.Fatalf("phase after foreign reject = %s, want requesting", s.Phase)
	}

	b.sendAccept("room1", alice)
	receive(t, b.offers)

	c.sendSDP("answer", "room1", alice)
	a.waitError(t, call.KindNegotiation)

	b.sendSDP("answer", "room1", alice)
	a.waitPhase(t, call.PhaseInCall)

	if err := c.tr.SendCallEnd(context.Background(), c.envelope(signaling.KindCallEnd, "room1", alice)); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)

	if s := a.machine.State(); s.Phase != call.PhaseInCall {
		t.Fatalf("phase after foreign end = %s, want in_call", s.Phase)
	}
}
