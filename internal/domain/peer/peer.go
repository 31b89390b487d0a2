package peer

import (
	"github.com/pion/webrtc/v4"

	"github.com/hanainplan/consultcall/internal/domain/media"
)

// Connection узкий интерфейс peer connection, которым пользуется менеджер звонка
type Connection interface {
	AddTrack(track webrtc.TrackLocal) (Sender, error)

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// OnICECandidate получает nil, когда сбор кандидатов завершен
	OnICECandidate(fn func(candidate *webrtc.ICECandidateInit))
	OnTrack(fn func(track media.RemoteTrack))
	OnConnectionStateChange(fn func(state webrtc.PeerConnectionState))
	OnICEConnectionStateChange(fn func(state webrtc.ICEConnectionState))

	Close() error
}

// Sender исходящая дорожка, которую можно подменить без перезапуска согласования
type Sender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

type Factory interface {
	NewConnection(iceServers []webrtc.ICEServer) (Connection, error)
}
