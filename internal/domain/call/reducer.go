package call

import (
	"github.com/hanainplan/consultcall/internal/domain/media"
	"github.com/hanainplan/consultcall/internal/domain/signaling"
)

// Event вход редьюсера
type Event interface {
	event()
}

type (
	// Requested локальный startCall
	Requested struct {
		RoomID   string
		CalleeID signaling.UserID
	}

	// Incoming входящий CALL_REQUEST
	Incoming struct {
		RoomID   string
		CallerID signaling.UserID
	}

	IncomingCleared struct{}

	// Accepted локальный acceptCall или принятие offer без действия пользователя
	Accepted struct {
		RoomID   string
		CallerID signaling.UserID
	}

	// RemoteAccepted CALL_ACCEPT от вызываемого
	RemoteAccepted struct {
		RoomID string
	}

	RemoteDescriptionApplied struct{}

	LocalMediaReady struct {
		Stream *media.LocalStream
	}

	RemoteStreamReady struct {
		Stream *media.RemoteStream
	}

	ConnectionChanged struct {
		Connected bool
	}

	MediaToggled struct {
		Kind    media.Kind
		Enabled bool
	}

	// ScreenShareChanged Stream == nil означает остановку демонстрации
	ScreenShareChanged struct {
		Stream *media.LocalStream
	}

	WaitingRoomEntered struct {
		RoomID string
	}

	ConsultationStarted struct {
		RoomID string
	}

	Ended struct{}
)

func (Requested) event()                {}
func (Incoming) event()                 {}
func (IncomingCleared) event()          {}
func (Accepted) event()                 {}
func (RemoteAccepted) event()           {}
func (RemoteDescriptionApplied) event() {}
func (LocalMediaReady) event()          {}
func (RemoteStreamReady) event()        {}
func (ConnectionChanged) event()        {}
func (MediaToggled) event()             {}
func (ScreenShareChanged) event()       {}
func (WaitingRoomEntered) event()       {}
func (ConsultationStarted) event()      {}
func (Ended) event()                    {}

// Reduce чистая функция перехода. Недопустимые для текущей фазы события возвращают s без изменений
func Reduce(s State, e Event) State {
	switch ev := e.(type) {
	case Requested:
		if s.Phase != PhaseIdle {
			return s
		}

		next := keepLocal(s)
		next.Phase = PhaseRequesting
		next.IsInCall = true
		next.RoomID = ev.RoomID
		next.CalleeID = userPtr(ev.CalleeID)
		next.IsCaller = true

		return next

	case Incoming:
		if s.Phase != PhaseIdle {
			return s
		}

		next := keepLocal(s)
		next.Phase = PhaseRinging
		next.RoomID = ev.RoomID
		next.CallerID = userPtr(ev.CallerID)

		return next

	case IncomingCleared:
		if s.Phase != PhaseRinging {
			return s
		}

		return keepLocal(s)

	case Accepted:
		if s.Phase != PhaseIdle && s.Phase != PhaseRinging {
			return s
		}

		next := keepLocal(s)
		next.Phase = PhaseNegotiating
		next.IsInCall = true
		next.RoomID = ev.RoomID
		next.CallerID = userPtr(ev.CallerID)
		next.IsCaller = false

		return next

	case RemoteAccepted:
		if s.Phase != PhaseRequesting || s.RoomID != ev.RoomID {
			return s
		}

		s.Phase = PhaseNegotiating

		return s

	case RemoteDescriptionApplied:
		if s.Phase != PhaseNegotiating {
			return s
		}

		s.Phase = PhaseInCall

		return s

	case LocalMediaReady:
		s.LocalStream = ev.Stream
		s.AudioEnabled = enabledOf(ev.Stream, media.KindAudio)
		s.VideoEnabled = enabledOf(ev.Stream, media.KindVideo)

		return s

	case RemoteStreamReady:
		if !s.IsInCall {
			return s
		}

		s.RemoteStream = ev.Stream

		return s

	case ConnectionChanged:
		if !s.IsInCall {
			return s
		}

		s.IsConnected = ev.Connected

		return s

	case MediaToggled:
		switch ev.Kind {
		case media.KindAudio:
			s.AudioEnabled = ev.Enabled
		case media.KindVideo:
			s.VideoEnabled = ev.Enabled
		}

		return s

	case ScreenShareChanged:
		if ev.Stream != nil && !s.IsInCall {
			return s
		}

		s.ScreenStream = ev.Stream
		s.IsScreenSharing = ev.Stream != nil

		return s

	case WaitingRoomEntered:
		s.InWaitingRoom = true
		s.WaitingRoomID = ev.RoomID

		return s

	case ConsultationStarted:
		if !s.InWaitingRoom || (s.WaitingRoomID != "" && s.WaitingRoomID != ev.RoomID) {
			return s
		}

		s.InWaitingRoom = false
		s.WaitingRoomID = ""

		return s

	case Ended:
		return State{}
	}

	return s
}

// keepLocal сбрасывает все кроме локального превью и зала ожидания
func keepLocal(s State) State {
	return State{
		LocalStream:   s.LocalStream,
		AudioEnabled:  s.AudioEnabled,
		VideoEnabled:  s.VideoEnabled,
		InWaitingRoom: s.InWaitingRoom,
		WaitingRoomID: s.WaitingRoomID,
	}
}

func enabledOf(s *media.LocalStream, kind media.Kind) bool {
	if s == nil {
		return false
	}

	for _, t := range s.Tracks() {
		if t.Kind() == kind && t.Enabled() {
			return true
		}
	}

	return false
}
