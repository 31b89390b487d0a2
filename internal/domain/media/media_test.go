package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

func newStaticTrack(t *testing.T, kind webrtc.RTPCodecType, id string) webrtc.TrackLocal {
	t.Helper()

	mime := webrtc.MimeTypeOpus
	if kind == webrtc.RTPCodecTypeVideo {
		mime = webrtc.MimeTypeVP8
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "stream")
	if err != nil {
		t.Fatalf("new track: %v", err)
	}

	return track
}

func TestLocalTrackStopOnce(t *testing.T) {
	stops := 0
	tr := NewLocalTrack(newStaticTrack(t, webrtc.RTPCodecTypeAudio, "mic"), func() { stops++ })

	if !tr.Enabled() {
		t.Fatal("new track should be enabled")
	}
	if tr.Kind() != KindAudio {
		t.Fatalf("kind = %s", tr.Kind())
	}

	tr.Stop()
	tr.Stop()

	if stops != 1 {
		t.Fatalf("stop called %d times", stops)
	}
	if !tr.Stopped() {
		t.Fatal("Stopped = false after Stop")
	}

	select {
	case <-tr.Ended():
	default:
		t.Fatal("Ended not closed")
	}
}

func TestLocalStreamByKind(t *testing.T) {
	audio := NewLocalTrack(newStaticTrack(t, webrtc.RTPCodecTypeAudio, "mic"), nil)
	video := NewLocalTrack(newStaticTrack(t, webrtc.RTPCodecTypeVideo, "cam"), nil)
	s := NewLocalStream("local", audio, video)

	if got := s.AudioTracks(); len(got) != 1 || got[0] != audio {
		t.Fatalf("AudioTracks = %v", got)
	}
	if got := s.VideoTracks(); len(got) != 1 || got[0] != video {
		t.Fatalf("VideoTracks = %v", got)
	}

	video.SetEnabled(false)
	info := s.Info()
	if info.ID != "local" || len(info.Tracks) != 2 || info.Tracks[1].Enabled {
		t.Fatalf("Info = %+v", info)
	}

	s.Stop()
	if !audio.Stopped() || !video.Stopped() {
		t.Fatal("stream Stop left tracks running")
	}
}

type fakeRemoteTrack struct {
	id      string
	kind    Kind
	packets []*rtp.Packet
	err     error
}

func (f *fakeRemoteTrack) ID() string       { return f.id }
func (f *fakeRemoteTrack) StreamID() string { return "remote" }
func (f *fakeRemoteTrack) Kind() Kind       { return f.kind }

func (f *fakeRemoteTrack) ReadRTP() (*rtp.Packet, error) {
	if len(f.packets) == 0 {
		return nil, f.err
	}

	p := f.packets[0]
	f.packets = f.packets[1:]

	return p, nil
}

func TestRemoteStreamConsume(t *testing.T) {
	track := &fakeRemoteTrack{
		id:   "audio-1",
		kind: KindAudio,
		packets: []*rtp.Packet{
			{Header: rtp.Header{SequenceNumber: 1}, Payload: []byte{1, 2, 3}},
			{Header: rtp.Header{SequenceNumber: 2}, Payload: []byte{4, 5}},
		},
		err: io.EOF,
	}

	s := NewRemoteStream("remote")

	var (
		mu   sync.Mutex
		seqs []uint16
	)
	unsubscribe := s.OnPacket(func(_ RemoteTrack, pkt *rtp.Packet) {
		mu.Lock()
		seqs = append(seqs, pkt.SequenceNumber)
		mu.Unlock()
	})
	defer unsubscribe()

	if err := s.Consume(context.Background(), track); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Fatalf("seqs = %v", seqs)
	}

	stats := s.Stats()
	if len(stats) != 1 || stats[0].Packets != 2 || stats[0].Bytes != 5 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestRemoteStreamConsumeError(t *testing.T) {
	boom := errors.New("boom")
	s := NewRemoteStream("remote")

	err := s.Consume(context.Background(), &fakeRemoteTrack{id: "v", kind: KindVideo, err: boom})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestRemoteStreamUnsubscribe(t *testing.T) {
	s := NewRemoteStream("remote")

	calls := 0
	unsubscribe := s.OnPacket(func(RemoteTrack, *rtp.Packet) { calls++ })
	unsubscribe()

	_ = s.Consume(context.Background(), &fakeRemoteTrack{
		id:      "a",
		kind:    KindAudio,
		packets: []*rtp.Packet{{}},
		err:     io.EOF,
	})

	if calls != 0 {
		t.Fatalf("unsubscribed sink called %d times", calls)
	}
}
