package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hanainplan/consultcall/internal/application/constant"
	"github.com/hanainplan/consultcall/internal/application/metric"
	"github.com/hanainplan/consultcall/internal/domain/call"
	"github.com/hanainplan/consultcall/internal/domain/calllog"
	"github.com/hanainplan/consultcall/internal/domain/media"
	"github.com/hanainplan/consultcall/internal/domain/signaling"
	"github.com/hanainplan/consultcall/internal/infra/adapters/broker"
)

const (
	sendTimeout = 5 * time.Second

	// сколько завершенных комнат помнит машина, чтобы отбрасывать опоздавшие SDP и ICE
	retiredRooms = 32
)

// CallSignaling сигнальный транспорт целиком, как его видит машина звонка
type CallSignaling interface {
	Signaler

	SendCallRequest(ctx context.Context, msg signaling.CallRequestMessage) error
	SendCallAccept(ctx context.Context, msg signaling.WebRTCMessage) error
	SendCallReject(ctx context.Context, msg signaling.WebRTCMessage) error
	SendCallEnd(ctx context.Context, msg signaling.WebRTCMessage) error
	SendConsultationStart(ctx context.Context, msg signaling.WebRTCMessage) error
	SendSync(ctx context.Context, msg signaling.WebRTCMessage) error

	OnCallRequest(fn func(signaling.CallRequestMessage)) func()
	OnCallAccept(fn func(signaling.WebRTCMessage)) func()
	OnCallReject(fn func(signaling.WebRTCMessage)) func()
	OnCallEnd(fn func(signaling.WebRTCMessage)) func()
	OnConsultationStart(fn func(signaling.WebRTCMessage)) func()
	OnOffer(fn func(signaling.SDPMessage)) func()
	OnAnswer(fn func(signaling.SDPMessage)) func()
	OnICECandidate(fn func(signaling.ICECandidateMessage)) func()
	OnStepSync(fn func(signaling.WebRTCMessage)) func()
	OnConsultationStepSync(fn func(signaling.WebRTCMessage)) func()
	OnConsultationNoteSync(fn func(signaling.WebRTCMessage)) func()
	OnConnectionStateChange(fn func(broker.ConnectionState)) func()
}

// CallUsecase операции и подписки звонка, которыми пользуется control API
type CallUsecase interface {
	State() *call.State
	InitializeMedia(ctx context.Context, c media.Constraints) (*media.LocalStream, error)
	StartCall(ctx context.Context, roomID string, calleeID signaling.UserID, calleeName string) (string, error)
	AcceptCall(ctx context.Context) error
	RejectCall(ctx context.Context) error
	EndCall(ctx context.Context) error
	ToggleMicrophone(ctx context.Context) (bool, error)
	ToggleVideo(ctx context.Context) (bool, error)
	ToggleScreenShare(ctx context.Context) (bool, error)
	WaitForConsultation(ctx context.Context, roomID string) error
	StartConsultation(ctx context.Context, customerID signaling.UserID, roomID string) error
	SendSync(ctx context.Context, kind signaling.MessageKind, to signaling.UserID, roomID string, data json.RawMessage) error

	OnStateChange(fn func(*call.State)) func()
	OnError(fn func(error)) func()
	OnIncomingCall(fn func(signaling.CallRequestMessage)) func()
	OnSync(fn func(signaling.WebRTCMessage)) func()
}

var _ CallUsecase = (*CallMachine)(nil)

type MachineOptions struct {
	// SetupTimeout ограничивает Requesting, Ringing и Negotiating. Ноль отключает таймер
	SetupTimeout time.Duration
	UserName     string
}

// CallMachine координатор звонка. Все действия, входящие сообщения, события pion и
// таймеры исполняются по одному в горутине Run, переходы считает call.Reduce
type CallMachine struct {
	sig   CallSignaling
	peers *PeerManager
	calls calllog.Repository
	opts  MachineOptions

	inbox   *mailbox
	outbox  *mailbox
	running atomic.Bool

	stateObs    observers[*call.State]
	errorObs    observers[error]
	incomingObs observers[signaling.CallRequestMessage]
	syncObs     observers[signaling.WebRTCMessage]

	current     atomic.Pointer[call.State]
	unsubscribe []func()

	callMu     sync.Mutex
	callCtx    context.Context
	callCancel context.CancelFunc

	// принадлежат горутине Run
	state      call.State
	request    *signaling.CallRequestMessage
	record     *calllog.Record
	timer      *time.Timer
	timerSeq   uint64
	setupStart time.Time
	retired    []string
}

func NewCallMachine(sig CallSignaling, peers *PeerManager, calls calllog.Repository, opts MachineOptions) *CallMachine {
	m := &CallMachine{
		sig:    sig,
		peers:  peers,
		calls:  calls,
		opts:   opts,
		inbox:  newMailbox(),
		outbox: newMailbox(),
	}
	m.current.Store(&call.State{})

	m.unsubscribe = []func(){
		sig.OnCallRequest(func(msg signaling.CallRequestMessage) { m.post(func() { m.onCallRequest(msg) }) }),
		sig.OnCallAccept(func(msg signaling.WebRTCMessage) { m.post(func() { m.onCallAccept(msg) }) }),
		sig.OnCallReject(func(msg signaling.WebRTCMessage) { m.post(func() { m.onCallReject(msg) }) }),
		sig.OnCallEnd(func(msg signaling.WebRTCMessage) { m.post(func() { m.onCallEnd(msg) }) }),
		sig.OnConsultationStart(func(msg signaling.WebRTCMessage) { m.post(func() { m.onConsultationStart(msg) }) }),
		sig.OnOffer(func(msg signaling.SDPMessage) { m.post(func() { m.onOffer(msg) }) }),
		sig.OnAnswer(func(msg signaling.SDPMessage) { m.post(func() { m.onAnswer(msg) }) }),
		sig.OnICECandidate(func(msg signaling.ICECandidateMessage) { m.post(func() { m.onICECandidate(msg) }) }),
		sig.OnStepSync(m.onSync),
		sig.OnConsultationStepSync(m.onSync),
		sig.OnConsultationNoteSync(m.onSync),
		sig.OnConnectionStateChange(func(st broker.ConnectionState) { m.post(func() { m.onTransportState(st) }) }),
		peers.OnEvent(func(ev PeerEvent) { m.post(func() { m.onPeerEvent(ev) }) }),
	}

	return m
}

// Run обрабатывает очередь до отмены ctx. При выходе звонок завершается и подписки снимаются
func (m *CallMachine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("call machine already running")
	}

	notifyCtx, stopNotify := context.WithCancel(context.Background())
	go m.outbox.run(notifyCtx)

	m.inbox.run(ctx)

	for _, unsubscribe := range m.unsubscribe {
		unsubscribe()
	}

	m.finish(m.endOutcome(), true)

	// уведомления, поставленные до остановки, доставляются
	if !m.outbox.post(stopNotify) {
		stopNotify()
	}

	return nil
}

func (m *CallMachine) OnStateChange(fn func(*call.State)) func() {
	return m.stateObs.add(fn)
}

// OnError ошибки звонка, как правило *call.Error
func (m *CallMachine) OnError(fn func(error)) func() {
	return m.errorObs.add(fn)
}

func (m *CallMachine) OnIncomingCall(fn func(signaling.CallRequestMessage)) func() {
	return m.incomingObs.add(fn)
}

// OnSync входящие highlight, step и note sync сообщения
func (m *CallMachine) OnSync(fn func(signaling.WebRTCMessage)) func() {
	return m.syncObs.add(fn)
}

// State последний опубликованный снимок
func (m *CallMachine) State() *call.State {
	return m.current.Load()
}

func (m *CallMachine) InitializeMedia(ctx context.Context, c media.Constraints) (*media.LocalStream, error) {
	var stream *media.LocalStream

	err := m.do(ctx, func() error {
		s, err := m.peers.InitializeMedia(ctx, c)
		if err != nil {
			if ctx.Err() == nil {
				m.report(err)
			}

			return err
		}

		stream = s
		m.apply(call.LocalMediaReady{Stream: s})

		return nil
	})

	return stream, err
}

// StartCall захватывает медиа, готовит peer connection и отправляет CALL_REQUEST.
// Пустой roomID заменяется сгенерированным, итоговый id возвращается
func (m *CallMachine) StartCall(ctx context.Context, roomID string, calleeID signaling.UserID, calleeName string) (string, error) {
	err := m.do(ctx, func() error {
		if !m.state.Idle() {
			return call.Errorf(call.KindNegotiation, "start call", "call %s in progress", m.state.RoomID)
		}

		if calleeID <= 0 || calleeID == m.sig.UserID() {
			return fmt.Errorf("start call: invalid callee %s", calleeID)
		}

		if roomID == "" {
			roomID = uuid.NewString()
		}

		m.unretire(roomID)

		if err := m.peers.StartCall(m.newCallContext(), roomID, calleeID); err != nil {
			return m.abort(err)
		}

		m.apply(call.LocalMediaReady{Stream: m.peers.LocalStream()})
		m.apply(call.Requested{RoomID: roomID, CalleeID: calleeID})
		m.openRecord(roomID, calleeID, calllog.DirectionOutgoing)

		err := m.send("call request", func(ctx context.Context) error {
			return m.sig.SendCallRequest(ctx, signaling.CallRequestMessage{
				RoomID:     roomID,
				CallerID:   m.sig.UserID(),
				CalleeID:   calleeID,
				CallerName: m.opts.UserName,
				CalleeName: calleeName,
			})
		})
		if err != nil {
			callErr := call.NewError(call.KindConnection, "send call request", err)
			m.report(callErr)
			m.finish(calllog.OutcomeFailed, false)

			return callErr
		}

		return nil
	})

	return roomID, err
}

// AcceptCall принимает входящий звонок. Offer отправляет только вызывающий
func (m *CallMachine) AcceptCall(ctx context.Context) error {
	return m.do(ctx, func() error {
		if m.state.Phase != call.PhaseRinging || m.request == nil {
			return call.Errorf(call.KindNegotiation, "accept call", "no incoming call")
		}

		req := *m.request

		if err := m.peers.AcceptCall(m.newCallContext(), req.RoomID, req.CallerID); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}

			m.report(err)
			m.sendEnvelope(signaling.KindCallReject, req.RoomID, req.CallerID)
			m.finish(calllog.OutcomeFailed, false)

			return err
		}

		m.request = nil
		m.apply(call.LocalMediaReady{Stream: m.peers.LocalStream()})
		m.apply(call.Accepted{RoomID: req.RoomID, CallerID: req.CallerID})

		if err := m.sendEnvelope(signaling.KindCallAccept, req.RoomID, req.CallerID); err != nil {
			callErr := call.NewError(call.KindConnection, "send call accept", err)
			m.report(callErr)
			m.finish(calllog.OutcomeFailed, false)

			return callErr
		}

		return nil
	})
}

func (m *CallMachine) RejectCall(ctx context.Context) error {
	return m.do(ctx, func() error {
		if m.state.Phase != call.PhaseRinging || m.request == nil {
			return call.Errorf(call.KindNegotiation, "reject call", "no incoming call")
		}

		req := *m.request
		m.request = nil

		err := m.sendEnvelope(signaling.KindCallReject, req.RoomID, req.CallerID)

		m.retire(req.RoomID)
		m.closeRecord(calllog.OutcomeRejected)
		m.apply(call.IncomingCleared{})

		return err
	})
}

// EndCall отменяет незавершенные шаги звонка сразу, остальное делает в очереди.
// Безопасен в любом состоянии и при повторном вызове
func (m *CallMachine) EndCall(ctx context.Context) error {
	m.cancelCall()

	return m.do(ctx, func() error {
		m.finish(m.endOutcome(), true)
		return nil
	})
}

func (m *CallMachine) ToggleMicrophone(ctx context.Context) (bool, error) {
	return m.toggle(ctx, media.KindAudio)
}

func (m *CallMachine) ToggleVideo(ctx context.Context) (bool, error) {
	return m.toggle(ctx, media.KindVideo)
}

func (m *CallMachine) toggle(ctx context.Context, kind media.Kind) (bool, error) {
	var enabled bool

	err := m.do(ctx, func() error {
		if kind == media.KindAudio {
			enabled = m.peers.ToggleMicrophone()
		} else {
			enabled = m.peers.ToggleVideo()
		}

		if m.peers.LocalStream() != nil {
			m.apply(call.MediaToggled{Kind: kind, Enabled: enabled})
		}

		return nil
	})

	return enabled, err
}

// ToggleScreenShare возвращает true, если демонстрация включена
func (m *CallMachine) ToggleScreenShare(ctx context.Context) (bool, error) {
	var sharing bool

	err := m.do(ctx, func() error {
		if m.state.IsScreenSharing {
			err := m.peers.StopScreenShare()
			m.apply(call.ScreenShareChanged{})

			if err != nil {
				m.report(err)
			}

			return err
		}

		stream, err := m.peers.StartScreenShare(ctx)
		if err != nil {
			m.report(err)
			return err
		}

		sharing = true
		m.apply(call.ScreenShareChanged{Stream: stream})

		return nil
	})

	return sharing, err
}

// WaitForConsultation переводит клиента в зал ожидания до CONSULTATION_START
func (m *CallMachine) WaitForConsultation(ctx context.Context, roomID string) error {
	return m.do(ctx, func() error {
		m.apply(call.WaitingRoomEntered{RoomID: roomID})
		return nil
	})
}

// StartConsultation сообщает ожидающему клиенту о начале консультации. Звонок
// консультант начинает отдельно через StartCall
func (m *CallMachine) StartConsultation(ctx context.Context, customerID signaling.UserID, roomID string) error {
	if customerID <= 0 || roomID == "" {
		return fmt.Errorf("start consultation: room and customer required")
	}

	return m.sig.SendConsultationStart(ctx, m.envelope(signaling.KindConsultationStart, roomID, customerID, nil))
}

// SendSync отправляет sync сообщение. Пустые адресат и комната берутся из текущего звонка
func (m *CallMachine) SendSync(ctx context.Context, kind signaling.MessageKind, to signaling.UserID, roomID string, data json.RawMessage) error {
	s := m.State()

	if to == 0 {
		to, _ = s.Peer()
	}

	if roomID == "" {
		roomID = s.RoomID
	}

	if to <= 0 || roomID == "" {
		return fmt.Errorf("send sync: no receiver or room")
	}

	return m.sig.SendSync(ctx, m.envelope(kind, roomID, to, data))
}

func (m *CallMachine) onCallRequest(msg signaling.CallRequestMessage) {
	if !m.state.Idle() {
		if m.state.RoomID == msg.RoomID {
			return
		}

		slog.Info(
			"reject incoming call while busy",
			slog.String(constant.RoomID, msg.RoomID),
			slog.String(constant.PeerID, msg.CallerID.String()),
		)
		m.sendEnvelope(signaling.KindCallReject, msg.RoomID, msg.CallerID)

		return
	}

	m.unretire(msg.RoomID)
	m.request = &msg
	m.apply(call.Incoming{RoomID: msg.RoomID, CallerID: msg.CallerID})
	m.openRecord(msg.RoomID, msg.CallerID, calllog.DirectionIncoming)

	m.outbox.post(func() { m.incomingObs.emit(msg) })
}

func (m *CallMachine) onCallAccept(msg signaling.WebRTCMessage) {
	s := m.state

	if s.Phase != call.PhaseRequesting || s.RoomID != msg.RoomID || s.CalleeID == nil || *s.CalleeID != msg.SenderID {
		slog.Warn(
			"unexpected call accept",
			slog.String(constant.RoomID, msg.RoomID),
			slog.String(constant.Phase, s.Phase.String()),
		)

		return
	}

	m.apply(call.RemoteAccepted{RoomID: msg.RoomID})

	if err := m.peers.SendOffer(m.currentCallContext(), msg.RoomID, msg.SenderID); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}

		m.report(err)
		m.finish(calllog.OutcomeFailed, true)
	}
}

func (m *CallMachine) onCallReject(msg signaling.WebRTCMessage) {
	s := m.state

	if !s.IsCaller || s.RoomID != msg.RoomID || (s.Phase != call.PhaseRequesting && s.Phase != call.PhaseNegotiating) {
		return
	}

	if !m.fromPeer(msg.SenderID) {
		slog.Warn("call reject from a third party", slog.String(constant.RoomID, msg.RoomID), slog.String(constant.PeerID, msg.SenderID.String()))
		return
	}

	m.report(call.Errorf(call.KindCallRejected, "call", "user %s rejected the call", msg.SenderID))
	m.finish(calllog.OutcomeRejected, false)
}

func (m *CallMachine) onCallEnd(msg signaling.WebRTCMessage) {
	if m.state.Idle() || m.state.RoomID != msg.RoomID {
		slog.Debug("call end for inactive room", slog.String(constant.RoomID, msg.RoomID))
		return
	}

	if !m.fromPeer(msg.SenderID) {
		slog.Warn("call end from a third party", slog.String(constant.RoomID, msg.RoomID), slog.String(constant.PeerID, msg.SenderID.String()))
		return
	}

	m.finish(m.endOutcome(), false)
}

func (m *CallMachine) onConsultationStart(msg signaling.WebRTCMessage) {
	m.apply(call.ConsultationStarted{RoomID: msg.RoomID})
}

func (m *CallMachine) onOffer(msg signaling.SDPMessage) {
	s := m.state

	if m.isRetired(msg.RoomID) {
		slog.Info("offer for ended room dropped", slog.String(constant.RoomID, msg.RoomID), slog.String(constant.PeerID, msg.SenderID.String()))
		return
	}

	switch {
	case s.IsCaller:
		m.report(call.Errorf(call.KindNegotiation, "handle offer", "offer from %s while calling", msg.SenderID))
		return
	case s.Phase == call.PhaseInCall:
		m.report(call.Errorf(call.KindNegotiation, "handle offer", "renegotiation in room %s", msg.RoomID))
		return
	case s.Phase == call.PhaseRinging && s.RoomID != msg.RoomID:
		m.report(call.Errorf(call.KindNegotiation, "handle offer", "offer for room %s while ringing in %s", msg.RoomID, s.RoomID))
		return
	case !s.Idle() && !m.fromPeer(msg.SenderID):
		m.report(call.Errorf(call.KindNegotiation, "handle offer", "offer from %s who is not in the call", msg.SenderID))
		return
	}

	// offer без действия пользователя: становимся вызываемым этой комнаты
	lazy := s.Phase == call.PhaseIdle || s.Phase == call.PhaseRinging

	ctx := m.currentCallContext()
	if lazy {
		ctx = m.newCallContext()

		if s.Phase == call.PhaseIdle {
			m.openRecord(msg.RoomID, msg.SenderID, calllog.DirectionIncoming)
		}
	}

	if err := m.peers.HandleRemoteOffer(ctx, msg); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}

		m.report(err)

		if lazy {
			m.sendEnvelope(signaling.KindCallReject, msg.RoomID, msg.SenderID)
			m.finish(calllog.OutcomeFailed, false)
		}

		return
	}

	if lazy {
		m.request = nil
		m.apply(call.LocalMediaReady{Stream: m.peers.LocalStream()})
		m.apply(call.Accepted{RoomID: msg.RoomID, CallerID: msg.SenderID})
	}

	m.apply(call.RemoteDescriptionApplied{})
}

func (m *CallMachine) onAnswer(msg signaling.SDPMessage) {
	s := m.state

	if m.isRetired(msg.RoomID) {
		slog.Info("answer for ended room dropped", slog.String(constant.RoomID, msg.RoomID))
		return
	}

	if !m.fromPeer(msg.SenderID) {
		m.report(call.Errorf(call.KindNegotiation, "handle answer", "answer from %s who is not in the call", msg.SenderID))
		return
	}

	if s.Phase != call.PhaseNegotiating || !s.IsCaller || s.RoomID != msg.RoomID {
		m.report(call.Errorf(call.KindNegotiation, "handle answer", "unexpected answer for room %s in phase %s", msg.RoomID, s.Phase))
		return
	}

	if err := m.peers.HandleRemoteAnswer(m.currentCallContext(), msg); err != nil {
		m.report(err)
		return
	}

	m.apply(call.RemoteDescriptionApplied{})
}

func (m *CallMachine) onICECandidate(msg signaling.ICECandidateMessage) {
	if m.isRetired(msg.RoomID) {
		slog.Debug("ice candidate for ended room dropped", slog.String(constant.RoomID, msg.RoomID))
		return
	}

	if !m.state.Idle() && m.state.RoomID == msg.RoomID && !m.fromPeer(msg.SenderID) {
		slog.Warn("ice candidate from a third party", slog.String(constant.RoomID, msg.RoomID), slog.String(constant.PeerID, msg.SenderID.String()))
		return
	}

	if err := m.peers.HandleRemoteICECandidate(msg); err != nil {
		m.report(err)
	}
}

// onSync вызывается из горутины транспорта и не трогает состояние
func (m *CallMachine) onSync(msg signaling.WebRTCMessage) {
	m.outbox.post(func() { m.syncObs.emit(msg) })
}

func (m *CallMachine) onTransportState(st broker.ConnectionState) {
	if st.Connected {
		return
	}

	if m.state.Idle() {
		slog.Info("signaling transport lost while idle", slog.Any(constant.Error, st.Err))
		return
	}

	cause := st.Err
	if cause == nil {
		cause = errors.New("signaling transport disconnected")
	}

	m.report(call.NewError(call.KindConnection, "signaling transport", cause))
	m.finish(calllog.OutcomeFailed, false)
}

func (m *CallMachine) onPeerEvent(ev PeerEvent) {
	if ev.Gen != m.peers.Generation() || m.state.Idle() {
		slog.Debug("stale peer event dropped", slog.Int(constant.Kind, int(ev.Kind)))
		return
	}

	switch ev.Kind {
	case PeerRemoteStream:
		m.apply(call.RemoteStreamReady{Stream: ev.Remote})

	case PeerConnectionState:
		slog.Info("peer connection state", slog.String(constant.RoomID, m.state.RoomID), slog.String(constant.State, ev.State))

		m.apply(call.ConnectionChanged{Connected: ev.Connected})
		if ev.Connected {
			m.markConnected()
		}

	case PeerICEFailed:
		m.report(call.Errorf(call.KindPeerConnectionFailure, "peer connection", "connectivity %s", ev.State))
		m.finish(calllog.OutcomeFailed, true)

	case PeerScreenEnded:
		stopped, err := m.peers.ScreenEnded(ev.Screen)
		if err != nil {
			m.report(err)
		}

		if stopped {
			m.apply(call.ScreenShareChanged{})
		}
	}
}

func (m *CallMachine) onSetupTimeout(seq uint64) {
	if seq != m.timerSeq {
		return
	}

	switch m.state.Phase {
	case call.PhaseRinging:
		slog.Info("incoming call missed", slog.String(constant.RoomID, m.state.RoomID))

		m.request = nil
		m.retire(m.state.RoomID)
		m.closeRecord(calllog.OutcomeMissed)
		m.apply(call.IncomingCleared{})

	case call.PhaseRequesting, call.PhaseNegotiating:
		m.report(call.Errorf(call.KindSetupTimeout, "call setup", "not established within %s", m.opts.SetupTimeout))
		m.finish(calllog.OutcomeTimeout, true)
	}
}

// finish завершает звонок: CALL_END собеседнику при локальном завершении, освобождение
// медиа и peer connection, запись в журнал и переход в Idle
func (m *CallMachine) finish(outcome calllog.Outcome, notifyPeer bool) {
	s := m.state

	if notifyPeer && !s.Idle() {
		if peerID, ok := s.Peer(); ok {
			m.sendEnvelope(signaling.KindCallEnd, s.RoomID, peerID)
		}
	}

	m.cancelCall()
	m.peers.EndCall()
	m.request = nil
	m.retire(s.RoomID)
	m.closeRecord(outcome)
	m.apply(call.Ended{})
}

// fromPeer true, если отправитель собеседник текущего звонка
func (m *CallMachine) fromPeer(sender signaling.UserID) bool {
	peerID, ok := m.state.Peer()

	return ok && peerID == sender
}

// retire запоминает завершенную комнату. Новый CALL_REQUEST или StartCall в ней снимает отметку
func (m *CallMachine) retire(roomID string) {
	if roomID == "" || m.isRetired(roomID) {
		return
	}

	if len(m.retired) == retiredRooms {
		m.retired = m.retired[1:]
	}

	m.retired = append(m.retired, roomID)
}

func (m *CallMachine) unretire(roomID string) {
	m.retired = slices.DeleteFunc(m.retired, func(id string) bool { return id == roomID })
}

func (m *CallMachine) isRetired(roomID string) bool {
	return slices.Contains(m.retired, roomID)
}

// abort откатывает неудавшийся старт звонка
func (m *CallMachine) abort(err error) error {
	m.cancelCall()
	m.peers.EndCall()

	if m.state.LocalStream != nil {
		m.apply(call.Ended{})
	}

	if errors.Is(err, context.Canceled) {
		slog.Info("call setup canceled")
		return err
	}

	m.report(err)

	return err
}

func (m *CallMachine) apply(e call.Event) {
	prev := m.state.Phase
	m.state = call.Reduce(m.state, e)
	next := m.state.Phase

	if prev != next {
		slog.Info(
			"call phase changed",
			slog.String(constant.RoomID, m.state.RoomID),
			slog.String(constant.Phase, next.String()),
		)

		if prev == call.PhaseIdle {
			m.setupStart = time.Now()
		}

		if next == call.PhaseInCall {
			metric.ObserveCallSetup(time.Since(m.setupStart))
		}

		if next.Setup() {
			m.arm()
		} else {
			m.disarm()
		}
	}

	snapshot := m.state
	m.current.Store(&snapshot)
	m.outbox.post(func() { m.stateObs.emit(&snapshot) })
}

func (m *CallMachine) arm() {
	m.disarm()

	if m.opts.SetupTimeout <= 0 {
		return
	}

	seq := m.timerSeq
	m.timer = time.AfterFunc(m.opts.SetupTimeout, func() {
		m.post(func() { m.onSetupTimeout(seq) })
	})
}

func (m *CallMachine) disarm() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	m.timerSeq++
}

func (m *CallMachine) report(err error) {
	slog.Warn(
		"call error",
		slog.String(constant.Kind, string(call.KindOf(err))),
		slog.String(constant.RoomID, m.state.RoomID),
		slog.Any(constant.Error, err),
	)

	m.outbox.post(func() { m.errorObs.emit(err) })
}

func (m *CallMachine) do(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)

	if !m.inbox.post(func() { done <- fn() }) {
		return ErrMachineClosed
	}

	select {
	case err := <-done:
		return err
	case <-m.inbox.stopped():
		// замыкание могло успеть выполниться до остановки
		select {
		case err := <-done:
			return err
		default:
			return ErrMachineClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *CallMachine) post(fn func()) {
	if !m.inbox.post(fn) {
		slog.Debug("call machine closed, event dropped")
	}
}

func (m *CallMachine) newCallContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	m.callMu.Lock()
	if m.callCancel != nil {
		m.callCancel()
	}
	m.callCtx, m.callCancel = ctx, cancel
	m.callMu.Unlock()

	return ctx
}

func (m *CallMachine) currentCallContext() context.Context {
	m.callMu.Lock()
	ctx := m.callCtx
	m.callMu.Unlock()

	if ctx == nil {
		return m.newCallContext()
	}

	return ctx
}

func (m *CallMachine) cancelCall() {
	m.callMu.Lock()
	if m.callCancel != nil {
		m.callCancel()
	}
	m.callCtx, m.callCancel = nil, nil
	m.callMu.Unlock()
}

func (m *CallMachine) envelope(kind signaling.MessageKind, roomID string, to signaling.UserID, data json.RawMessage) signaling.WebRTCMessage {
	return signaling.WebRTCMessage{
		Type:       kind,
		RoomID:     roomID,
		SenderID:   m.sig.UserID(),
		ReceiverID: to,
		Data:       data,
	}
}

func (m *CallMachine) sendEnvelope(kind signaling.MessageKind, roomID string, to signaling.UserID) error {
	msg := m.envelope(kind, roomID, to, nil)

	return m.send(string(kind), func(ctx context.Context) error {
		switch kind {
		case signaling.KindCallAccept:
			return m.sig.SendCallAccept(ctx, msg)
		case signaling.KindCallReject:
			return m.sig.SendCallReject(ctx, msg)
		case signaling.KindCallEnd:
			return m.sig.SendCallEnd(ctx, msg)
		}

		return fmt.Errorf("no sender for %s", kind)
	})
}

func (m *CallMachine) send(op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		slog.Warn("send signaling message", slog.String(constant.Kind, op), slog.Any(constant.Error, err))
		return fmt.Errorf("send %s: %w", op, err)
	}

	return nil
}

func (m *CallMachine) endOutcome() calllog.Outcome {
	if m.record != nil && m.record.ConnectedAt != nil {
		return calllog.OutcomeCompleted
	}

	return calllog.OutcomeMissed
}

func (m *CallMachine) openRecord(roomID string, peerID signaling.UserID, dir calllog.Direction) {
	m.record = &calllog.Record{
		RoomID:    roomID,
		PeerID:    peerID,
		Direction: dir,
		Outcome:   calllog.OutcomePending,
		StartedAt: time.Now().UTC(),
	}

	m.saveRecord()
}

func (m *CallMachine) markConnected() {
	if m.record == nil || m.record.ConnectedAt != nil {
		return
	}

	now := time.Now().UTC()
	m.record.ConnectedAt = &now
	m.record.Outcome = calllog.OutcomeConnected

	m.saveRecord()
}

func (m *CallMachine) closeRecord(outcome calllog.Outcome) {
	if m.record == nil {
		return
	}

	now := time.Now().UTC()
	m.record.EndedAt = &now
	m.record.Outcome = outcome

	m.saveRecord()
	metric.RecordCall(string(outcome))

	m.record = nil
}

func (m *CallMachine) saveRecord() {
	if m.calls == nil || m.record == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := m.calls.Save(ctx, *m.record); err != nil {
		slog.Error("save call record", slog.String(constant.RoomID, m.record.RoomID), slog.Any(constant.Error, err))
	}
}
