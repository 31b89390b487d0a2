package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

func KindOf(t webrtc.RTPCodecType) Kind {
	if t == webrtc.RTPCodecTypeAudio {
		return KindAudio
	}

	return KindVideo
}

// Constraints запрос захвата локальных устройств
type Constraints struct {
	Audio bool
	Video bool
}

// LocalTrack локальная дорожка с флагом enabled. Stop идемпотентен
type LocalTrack struct {
	track webrtc.TrackLocal
	kind  Kind

	enabled atomic.Bool

	stopOnce sync.Once
	stop     func()
	ended    chan struct{}
}

func NewLocalTrack(track webrtc.TrackLocal, stop func()) *LocalTrack {
	t := &LocalTrack{
		track: track,
		kind:  KindOf(track.Kind()),
		stop:  stop,
		ended: make(chan struct{}),
	}
	t.enabled.Store(true)

	return t
}

func (t *LocalTrack) Track() webrtc.TrackLocal { return t.track }
func (t *LocalTrack) ID() string               { return t.track.ID() }
func (t *LocalTrack) Kind() Kind               { return t.kind }
func (t *LocalTrack) Enabled() bool            { return t.enabled.Load() }
func (t *LocalTrack) SetEnabled(enabled bool)  { t.enabled.Store(enabled) }

// Ended закрывается после Stop, в том числе когда источник закончился сам
func (t *LocalTrack) Ended() <-chan struct{} { return t.ended }

func (t *LocalTrack) Stopped() bool {
	select {
	case <-t.ended:
		return true
	default:
		return false
	}
}

func (t *LocalTrack) Stop() {
	t.stopOnce.Do(func() {
		if t.stop != nil {
			t.stop()
		}

		close(t.ended)
	})
}

func (t *LocalTrack) Info() TrackInfo {
	return TrackInfo{ID: t.ID(), Kind: t.kind, Enabled: t.Enabled()}
}

// LocalStream набор локальных дорожек одного захвата
type LocalStream struct {
	id     string
	tracks []*LocalTrack
}

func NewLocalStream(id string, tracks ...*LocalTrack) *LocalStream {
	return &LocalStream{id: id, tracks: tracks}
}

func (s *LocalStream) ID() string { return s.id }

func (s *LocalStream) Tracks() []*LocalTrack {
	out := make([]*LocalTrack, len(s.tracks))
	copy(out, s.tracks)

	return out
}

func (s *LocalStream) AudioTracks() []*LocalTrack { return s.byKind(KindAudio) }
func (s *LocalStream) VideoTracks() []*LocalTrack { return s.byKind(KindVideo) }

func (s *LocalStream) byKind(k Kind) []*LocalTrack {
	var out []*LocalTrack

	for _, t := range s.tracks {
		if t.kind == k {
			out = append(out, t)
		}
	}

	return out
}

// Stop останавливает все дорожки
func (s *LocalStream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

func (s *LocalStream) Info() StreamInfo {
	info := StreamInfo{ID: s.id, Tracks: make([]TrackInfo, 0, len(s.tracks))}
	for _, t := range s.tracks {
		info.Tracks = append(info.Tracks, t.Info())
	}

	return info
}

type StreamInfo struct {
	ID     string      `json:"id"`
	Tracks []TrackInfo `json:"tracks"`
}

type TrackInfo struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	Enabled bool   `json:"enabled"`
}
