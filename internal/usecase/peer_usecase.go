package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/hanainplan/consultcall/internal/application/constant"
	"github.com/hanainplan/consultcall/internal/domain/call"
	"github.com/hanainplan/consultcall/internal/domain/media"
	"github.com/hanainplan/consultcall/internal/domain/peer"
	"github.com/hanainplan/consultcall/internal/domain/signaling"
)

// MediaSource захват локальных устройств и экрана
type MediaSource interface {
	UserMedia(ctx context.Context, c media.Constraints) (*media.LocalStream, error)
	DisplayMedia(ctx context.Context) (*media.LocalStream, error)
}

// Signaler исходящая часть сигнального транспорта, нужная для согласования
type Signaler interface {
	UserID() signaling.UserID
	SendOffer(ctx context.Context, msg signaling.SDPMessage) error
	SendAnswer(ctx context.Context, msg signaling.SDPMessage) error
	SendICECandidate(ctx context.Context, msg signaling.ICECandidateMessage) error
}

type PeerEventKind int

const (
	PeerRemoteStream PeerEventKind = iota
	PeerConnectionState
	PeerICEFailed
	PeerScreenEnded
)

// PeerEvent асинхронное событие pion. Gen поколение звонка, в котором событие возникло
type PeerEvent struct {
	Gen  uint64
	Kind PeerEventKind

	Remote    *media.RemoteStream
	Screen    *media.LocalStream
	Connected bool
	State     string
}

// PeerManager владеет локальным захватом, peer connection и очередью кандидатов
// одного звонка. Не безопасен для конкурентного вызова: CallMachine вызывает его из
// своей очереди. Колбэки pion не трогают его поля и уходят подписчикам OnEvent
type PeerManager struct {
	iceServers []webrtc.ICEServer
	factory    peer.Factory
	source     MediaSource
	signaler   Signaler
	queue      *CandidateQueue

	events observers[PeerEvent]
	gen    atomic.Uint64

	pc       peer.Connection
	roomID   string
	peerID   signaling.UserID
	isCaller bool
	offered  bool

	local       *media.LocalStream
	screen      *media.LocalStream
	remote      *media.RemoteStream
	audioSender peer.Sender
	videoSender peer.Sender

	ctx    context.Context
	cancel context.CancelFunc
}

func NewPeerManager(
	iceServers []webrtc.ICEServer,
	factory peer.Factory,
	source MediaSource,
	signaler Signaler,
	queue *CandidateQueue,
) *PeerManager {
	return &PeerManager{
		iceServers: iceServers,
		factory:    factory,
		source:     source,
		signaler:   signaler,
		queue:      queue,
	}
}

func (p *PeerManager) OnEvent(fn func(PeerEvent)) func() {
	return p.events.add(fn)
}

// Generation текущее поколение. Растет при каждом EndCall
func (p *PeerManager) Generation() uint64 {
	return p.gen.Load()
}

func (p *PeerManager) Active() bool {
	return p.pc != nil
}

func (p *PeerManager) LocalStream() *media.LocalStream {
	return p.local
}

// InitializeMedia возвращает уже захваченный поток или запрашивает новый
func (p *PeerManager) InitializeMedia(ctx context.Context, c media.Constraints) (*media.LocalStream, error) {
	if p.local != nil && !allStopped(p.local) {
		return p.local, nil
	}

	stream, err := p.source.UserMedia(ctx, c)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, call.NewError(call.KindMediaAccess, "initialize media", err)
	}

	// звонок мог завершиться, пока ждали разрешения
	if ctx.Err() != nil {
		stream.Stop()
		return nil, ctx.Err()
	}

	p.local = stream

	return stream, nil
}

// StartCall путь вызывающего: медиа, peer connection и дорожки. Offer создается позже
func (p *PeerManager) StartCall(ctx context.Context, roomID string, calleeID signaling.UserID) error {
	return p.prepare(ctx, roomID, calleeID, true)
}

// AcceptCall путь вызываемого, зеркальный StartCall
func (p *PeerManager) AcceptCall(ctx context.Context, roomID string, callerID signaling.UserID) error {
	return p.prepare(ctx, roomID, callerID, false)
}

func (p *PeerManager) prepare(ctx context.Context, roomID string, peerID signaling.UserID, isCaller bool) error {
	if p.pc != nil {
		return call.Errorf(call.KindNegotiation, "prepare call", "call %s still holds a peer connection", p.roomID)
	}

	if _, err := p.InitializeMedia(ctx, media.Constraints{Audio: true, Video: true}); err != nil {
		return err
	}

	return p.createPeerConnection(roomID, peerID, isCaller)
}

func (p *PeerManager) createPeerConnection(roomID string, peerID signaling.UserID, isCaller bool) error {
	pc, err := p.factory.NewConnection(p.iceServers)
	if err != nil {
		return call.NewError(call.KindNegotiation, "create peer connection", err)
	}

	gen := p.gen.Load()
	ctx, cancel := context.WithCancel(context.Background())
	remote := media.NewRemoteStream("remote-" + roomID)
	self := p.signaler.UserID()

	pc.OnICECandidate(func(cand *webrtc.ICECandidateInit) {
		if cand == nil || p.gen.Load() != gen {
			return
		}

		msg := signaling.NewICECandidateMessage(*cand, roomID, self, peerID)
		if err := p.signaler.SendICECandidate(ctx, msg); err != nil {
			slog.Warn("send ice candidate", slog.String(constant.RoomID, roomID), slog.Any(constant.Error, err))
		}
	})

	pc.OnTrack(func(track media.RemoteTrack) {
		go func() {
			if err := remote.Consume(ctx, track); err != nil {
				slog.Debug("remote track closed", slog.String(constant.RoomID, roomID), slog.Any(constant.Error, err))
			}
		}()

		remote.AddTrack(track)
		p.events.emit(PeerEvent{Gen: gen, Kind: PeerRemoteStream, Remote: remote})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.events.emit(PeerEvent{
			Gen:       gen,
			Kind:      PeerConnectionState,
			Connected: state == webrtc.PeerConnectionStateConnected,
			State:     state.String(),
		})

		if state == webrtc.PeerConnectionStateFailed {
			p.events.emit(PeerEvent{Gen: gen, Kind: PeerICEFailed, State: state.String()})
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		slog.Debug("ice connection state", slog.String(constant.RoomID, roomID), slog.String(constant.State, state.String()))

		if state == webrtc.ICEConnectionStateFailed {
			p.events.emit(PeerEvent{Gen: gen, Kind: PeerICEFailed, State: state.String()})
		}
	})

	p.pc = pc
	p.roomID = roomID
	p.peerID = peerID
	p.isCaller = isCaller
	p.offered = false
	p.remote = remote
	p.ctx = ctx
	p.cancel = cancel

	if p.local == nil {
		return nil
	}

	for _, t := range p.local.Tracks() {
		sender, err := pc.AddTrack(t.Track())
		if err != nil {
			return call.NewError(call.KindNegotiation, "add local track", err)
		}

		switch t.Kind() {
		case media.KindAudio:
			p.audioSender = sender
		case media.KindVideo:
			p.videoSender = sender
		}

		if !t.Enabled() {
			if err = sender.ReplaceTrack(nil); err != nil {
				slog.Warn("mute sender", slog.Any(constant.Error, err))
			}
		}
	}

	return nil
}

// SendOffer создает и отправляет offer. Отправляется один раз за звонок
func (p *PeerManager) SendOffer(ctx context.Context, roomID string, receiverID signaling.UserID) error {
	if p.pc == nil {
		if err := p.prepare(ctx, roomID, receiverID, true); err != nil {
			return err
		}
	}

	if !p.isCaller {
		return call.Errorf(call.KindNegotiation, "send offer", "only the caller offers in room %s", roomID)
	}

	if p.offered {
		return call.Errorf(call.KindNegotiation, "send offer", "offer for room %s already sent", roomID)
	}

	offer, err := p.pc.CreateOffer()
	if err != nil {
		return call.NewError(call.KindNegotiation, "create offer", err)
	}

	if err = p.pc.SetLocalDescription(offer); err != nil {
		return call.NewError(call.KindNegotiation, "set local description", err)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	err = p.signaler.SendOffer(ctx, signaling.SDPMessage{
		Type:       "offer",
		SDP:        offer.SDP,
		RoomID:     roomID,
		SenderID:   p.signaler.UserID(),
		ReceiverID: receiverID,
	})
	if err != nil {
		return fmt.Errorf("send offer: %w", err)
	}

	p.offered = true

	return nil
}

// HandleRemoteOffer применяет offer и отвечает answer. Без peer connection
// лениво поднимает медиа и становится вызываемым этой комнаты
func (p *PeerManager) HandleRemoteOffer(ctx context.Context, msg signaling.SDPMessage) error {
	if p.pc != nil && p.isCaller {
		return call.Errorf(call.KindNegotiation, "handle offer", "offer from %s while calling in room %s", msg.SenderID, p.roomID)
	}

	if p.pc != nil && p.roomID != msg.RoomID {
		return call.Errorf(call.KindNegotiation, "handle offer", "offer for room %s during room %s", msg.RoomID, p.roomID)
	}

	if p.pc == nil {
		if err := p.prepare(ctx, msg.RoomID, msg.SenderID, false); err != nil {
			return err
		}
	}

	if p.pc.RemoteDescription() != nil {
		return call.Errorf(call.KindNegotiation, "handle offer", "remote description for room %s already set", msg.RoomID)
	}

	if err := p.pc.SetRemoteDescription(msg.Description()); err != nil {
		return call.NewError(call.KindNegotiation, "set remote offer", err)
	}

	p.queue.Flush(p.pc, p.roomID)

	answer, err := p.pc.CreateAnswer()
	if err != nil {
		return call.NewError(call.KindNegotiation, "create answer", err)
	}

	if err = p.pc.SetLocalDescription(answer); err != nil {
		return call.NewError(call.KindNegotiation, "set local description", err)
	}

	err = p.signaler.SendAnswer(ctx, signaling.SDPMessage{
		Type:       "answer",
		SDP:        answer.SDP,
		RoomID:     msg.RoomID,
		SenderID:   p.signaler.UserID(),
		ReceiverID: msg.SenderID,
	})
	if err != nil {
		return fmt.Errorf("send answer: %w", err)
	}

	return nil
}

func (p *PeerManager) HandleRemoteAnswer(_ context.Context, msg signaling.SDPMessage) error {
	if p.pc == nil || !p.isCaller || !p.offered {
		return call.Errorf(call.KindNegotiation, "handle answer", "unexpected answer for room %s", msg.RoomID)
	}

	if p.roomID != msg.RoomID {
		return call.Errorf(call.KindNegotiation, "handle answer", "answer for room %s during room %s", msg.RoomID, p.roomID)
	}

	if p.pc.RemoteDescription() != nil {
		return call.Errorf(call.KindNegotiation, "handle answer", "remote description for room %s already set", msg.RoomID)
	}

	if err := p.pc.SetRemoteDescription(msg.Description()); err != nil {
		return call.NewError(call.KindNegotiation, "set remote answer", err)
	}

	p.queue.Flush(p.pc, p.roomID)

	return nil
}

// HandleRemoteICECandidate кандидаты чужой комнаты при активном звонке отбрасываются
func (p *PeerManager) HandleRemoteICECandidate(msg signaling.ICECandidateMessage) error {
	if p.pc != nil && p.roomID != msg.RoomID {
		slog.Debug("drop ice candidate for another room", slog.String(constant.RoomID, msg.RoomID))
		return nil
	}

	var target CandidateTarget
	if p.pc != nil {
		target = p.pc
	}

	_, err := p.queue.EnqueueOrApply(msg, target)

	return err
}

// ToggleMicrophone возвращает новое состояние, false без локального потока
func (p *PeerManager) ToggleMicrophone() bool {
	return p.toggle(media.KindAudio, p.audioSender)
}

func (p *PeerManager) ToggleVideo() bool {
	sender := p.videoSender
	if p.screen != nil {
		// на отправителе сейчас экран
		sender = nil
	}

	return p.toggle(media.KindVideo, sender)
}

func (p *PeerManager) toggle(kind media.Kind, sender peer.Sender) bool {
	if p.local == nil {
		return false
	}

	var tracks []*media.LocalTrack
	if kind == media.KindAudio {
		tracks = p.local.AudioTracks()
	} else {
		tracks = p.local.VideoTracks()
	}

	if len(tracks) == 0 {
		return false
	}

	enabled := !tracks[0].Enabled()
	for _, t := range tracks {
		t.SetEnabled(enabled)
	}

	if sender != nil {
		var out webrtc.TrackLocal
		if enabled {
			out = tracks[0].Track()
		}

		if err := sender.ReplaceTrack(out); err != nil {
			slog.Warn("replace track", slog.String(constant.Kind, string(kind)), slog.Any(constant.Error, err))
		}
	}

	return enabled
}

// ToggleScreenShare включает или выключает демонстрацию, возвращает новое состояние
func (p *PeerManager) ToggleScreenShare(ctx context.Context) (bool, error) {
	if p.screen != nil {
		return false, p.StopScreenShare()
	}

	if _, err := p.StartScreenShare(ctx); err != nil {
		return false, err
	}

	return true, nil
}

// StartScreenShare подменяет исходящее видео экраном, звук не трогается
func (p *PeerManager) StartScreenShare(ctx context.Context) (*media.LocalStream, error) {
	if p.pc == nil {
		return nil, call.Errorf(call.KindScreenShare, "start screen share", "no active call")
	}

	if p.screen != nil {
		return nil, call.Errorf(call.KindScreenShare, "start screen share", "already sharing")
	}

	if p.videoSender == nil {
		return nil, call.Errorf(call.KindScreenShare, "start screen share", "no outgoing video")
	}

	stream, err := p.source.DisplayMedia(ctx)
	if err != nil {
		return nil, call.NewError(call.KindScreenShare, "capture screen", err)
	}

	tracks := stream.VideoTracks()
	if len(tracks) == 0 {
		stream.Stop()
		return nil, call.Errorf(call.KindScreenShare, "capture screen", "no video track")
	}

	if err = p.videoSender.ReplaceTrack(tracks[0].Track()); err != nil {
		stream.Stop()
		return nil, call.NewError(call.KindScreenShare, "replace track", err)
	}

	p.screen = stream

	gen := p.gen.Load()
	done := p.ctx.Done()

	go func() {
		select {
		case <-tracks[0].Ended():
			p.events.emit(PeerEvent{Gen: gen, Kind: PeerScreenEnded, Screen: stream})
		case <-done:
		}
	}()

	return stream, nil
}

// StopScreenShare возвращает на отправитель камеру. Без демонстрации ничего не делает
func (p *PeerManager) StopScreenShare() error {
	if p.screen == nil {
		return nil
	}

	p.screen.Stop()
	p.screen = nil

	if p.videoSender == nil {
		return nil
	}

	var camera webrtc.TrackLocal
	if p.local != nil {
		if tracks := p.local.VideoTracks(); len(tracks) > 0 && tracks[0].Enabled() {
			camera = tracks[0].Track()
		}
	}

	if err := p.videoSender.ReplaceTrack(camera); err != nil {
		return call.NewError(call.KindScreenShare, "restore camera", err)
	}

	return nil
}

// ScreenEnded обрабатывает самостоятельное завершение захвата экрана
func (p *PeerManager) ScreenEnded(stream *media.LocalStream) (bool, error) {
	if p.screen == nil || p.screen != stream {
		return false, nil
	}

	return true, p.StopScreenShare()
}

// EndCall останавливает все дорожки, закрывает peer connection и чистит очередь.
// Безопасен при повторном вызове и в любом состоянии
func (p *PeerManager) EndCall() {
	p.gen.Add(1)

	if p.cancel != nil {
		p.cancel()
	}

	if p.screen != nil {
		p.screen.Stop()
	}

	if p.local != nil {
		p.local.Stop()
	}

	if p.pc != nil {
		if err := p.pc.Close(); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("close peer connection", slog.String(constant.RoomID, p.roomID), slog.Any(constant.Error, err))
		}
	}

	if n := p.queue.Clear(); n > 0 {
		slog.Debug("pending ice candidates dropped", slog.Int(constant.Count, n))
	}

	p.pc = nil
	p.roomID = ""
	p.peerID = 0
	p.isCaller = false
	p.offered = false
	p.local = nil
	p.screen = nil
	p.remote = nil
	p.audioSender = nil
	p.videoSender = nil
	p.ctx = nil
	p.cancel = nil
}

func allStopped(s *media.LocalStream) bool {
	for _, t := range s.Tracks() {
		if !t.Stopped() {
			return false
		}
	}

	return true
}
