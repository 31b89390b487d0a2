package media

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/pion/rtp"
)

// RemoteTrack входящая дорожка от собеседника
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() Kind
	ReadRTP() (*rtp.Packet, error)
}

type TrackStats struct {
	TrackID string `json:"trackId"`
	Kind    Kind   `json:"kind"`
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
}

type PacketSink func(track RemoteTrack, pkt *rtp.Packet)

// RemoteStream поток собеседника: дорожки, счетчики и подписчики на RTP
type RemoteStream struct {
	id string

	mu     sync.RWMutex
	tracks []RemoteTrack
	stats  map[string]*TrackStats
	sinks  map[uint64]PacketSink
	nextID uint64
}

func NewRemoteStream(id string) *RemoteStream {
	return &RemoteStream{
		id:    id,
		stats: make(map[string]*TrackStats),
		sinks: make(map[uint64]PacketSink),
	}
}

func (s *RemoteStream) ID() string { return s.id }

func (s *RemoteStream) AddTrack(t RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stats[t.ID()]; ok {
		return
	}

	s.tracks = append(s.tracks, t)
	s.stats[t.ID()] = &TrackStats{TrackID: t.ID(), Kind: t.Kind()}
}

func (s *RemoteStream) Tracks() []RemoteTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RemoteTrack, len(s.tracks))
	copy(out, s.tracks)

	return out
}

// OnPacket подписка на RTP пакеты всех дорожек, возвращает отписку
func (s *RemoteStream) OnPacket(fn PacketSink) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.sinks[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.sinks, id)
		s.mu.Unlock()
	}
}

// Consume читает RTP дорожки до конца или отмены контекста
func (s *RemoteStream) Consume(ctx context.Context, t RemoteTrack) error {
	s.AddTrack(t)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		pkt, err := t.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}

		s.deliver(t, pkt)
	}
}

func (s *RemoteStream) deliver(t RemoteTrack, pkt *rtp.Packet) {
	s.mu.Lock()
	if st, ok := s.stats[t.ID()]; ok {
		st.Packets++
		st.Bytes += uint64(len(pkt.Payload))
	}

	sinks := make([]PacketSink, 0, len(s.sinks))
	for _, fn := range s.sinks {
		sinks = append(sinks, fn)
	}
	s.mu.Unlock()

	for _, fn := range sinks {
		fn(t, pkt)
	}
}

func (s *RemoteStream) Stats() []TrackStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TrackStats, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, *s.stats[t.ID()])
	}

	return out
}

func (s *RemoteStream) Info() StreamInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := StreamInfo{ID: s.id, Tracks: make([]TrackInfo, 0, len(s.tracks))}
	for _, t := range s.tracks {
		info.Tracks = append(info.Tracks, TrackInfo{ID: t.ID(), Kind: t.Kind(), Enabled: true})
	}

	return info
}
