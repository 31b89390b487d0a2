package usecase_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/hanainplan/consultcall/internal/domain/call"
	"github.com/hanainplan/consultcall/internal/domain/calllog"
	"github.com/hanainplan/consultcall/internal/domain/media"
	"github.com/hanainplan/consultcall/internal/domain/peer"
	"github.com/hanainplan/consultcall/internal/domain/signaling"
	"github.com/hanainplan/consultcall/internal/infra/adapters/broker"
	"github.com/hanainplan/consultcall/internal/infra/adapters/broker/memory"
	"github.com/hanainplan/consultcall/internal/infra/adapters/capture"
	memrepo "github.com/hanainplan/consultcall/internal/infra/adapters/memory"
	"github.com/hanainplan/consultcall/internal/usecase"
)

const (
	alice signaling.UserID = 1
	bob   signaling.UserID = 42
)

var errDenied = errors.New("permission denied")

type fakeSender struct {
	mu     sync.Mutex
	tracks []webrtc.TrackLocal
}

func (s *fakeSender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tracks = append(s.tracks, t)

	return nil
}

func (s *fakeSender) last() (webrtc.TrackLocal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.tracks) == 0 {
		return nil, false
	}

	return s.tracks[len(s.tracks)-1], true
}

type fakeConn struct {
	mu         sync.Mutex
	remote     *webrtc.SessionDescription
	candidates []string
	offers     int
	answers    int
	closed     bool
	senders    map[string]*fakeSender

	onICEState func(webrtc.ICEConnectionState)
	onState    func(webrtc.PeerConnectionState)
}

func (c *fakeConn) AddTrack(t webrtc.TrackLocal) (peer.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &fakeSender{}
	c.senders[t.Kind().String()] = s

	return s, nil
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.offers++

	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "fake-offer"}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.remote == nil {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}

	c.answers++

	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "fake-answer"}, nil
}

func (c *fakeConn) SetLocalDescription(webrtc.SessionDescription) error { return nil }

func (c *fakeConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.remote = &d

	return nil
}

func (c *fakeConn) RemoteDescription() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.remote
}

func (c *fakeConn) AddICECandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.remote == nil {
		return errors.New("candidate before remote description")
	}

	c.candidates = append(c.candidates, cand.Candidate)

	return nil
}

func (c *fakeConn) OnICECandidate(func(*webrtc.ICECandidateInit)) {}
func (c *fakeConn) OnTrack(func(media.RemoteTrack))                {}

func (c *fakeConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onState = fn
}

func (c *fakeConn) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onICEState = fn
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	return nil
}

func (c *fakeConn) setState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()

	fn(s)
}

func (c *fakeConn) setICEState(s webrtc.ICEConnectionState) {
	c.mu.Lock()
	fn := c.onICEState
	c.mu.Unlock()

	fn(s)
}

func (c *fakeConn) stats() (offers, answers int, candidates []string, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.offers, c.answers, append([]string(nil), c.candidates...), c.closed
}

func (c *fakeConn) sender(kind string) *fakeSender {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.senders[kind]
}

type fakeFactory struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeFactory) NewConnection([]webrtc.ICEServer) (peer.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := &fakeConn{senders: make(map[string]*fakeSender)}
	f.conns = append(f.conns, c)

	return c, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.conns)
}

func (f *fakeFactory) last(t *testing.T) *fakeConn {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.conns) == 0 {
		t.Fatal("no peer connection created")
	}

	return f.conns[len(f.conns)-1]
}

// deniedSource отказывает в доступе к устройствам
type deniedSource struct{}

func (deniedSource) UserMedia(context.Context, media.Constraints) (*media.LocalStream, error) {
	return nil, errDenied
}

func (deniedSource) DisplayMedia(context.Context) (*media.LocalStream, error) {
	return nil, errDenied
}

// blockingSource ждет отмены контекста, как висящий запрос разрешения
type blockingSource struct {
	started chan struct{}
}

func (s blockingSource) UserMedia(ctx context.Context, _ media.Constraints) (*media.LocalStream, error) {
	close(s.started)
	<-ctx.Done()

	return nil, ctx.Err()
}

func (s blockingSource) DisplayMedia(ctx context.Context) (*media.LocalStream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type party struct {
	id        signaling.UserID
	transport *broker.Transport
	factory   peer.Factory
	machine   *usecase.CallMachine
	calls     calllog.Repository

	errs   chan error
	states chan *call.State
}

type partyOptions struct {
	factory peer.Factory
	source  usecase.MediaSource
	timeout time.Duration
}

func newParty(t *testing.T, hub *memory.Hub, id signaling.UserID, opts partyOptions) *party {
	t.Helper()

	if opts.factory == nil {
		opts.factory = &fakeFactory{}
	}

	if opts.source == nil {
		opts.source = capture.NewSynthetic(capture.Files{})
	}

	tr := broker.NewTransport(hub, broker.Options{ReconnectDelay: time.Hour})
	if err := tr.Connect(context.Background(), id); err != nil {
		t.Fatalf("connect %s: %v", id, err)
	}
	t.Cleanup(func() { _ = tr.Disconnect() })

	calls := memrepo.NewCallLogRepository()
	peers := usecase.NewPeerManager(nil, opts.factory, opts.source, tr, usecase.NewCandidateQueue())
	m := usecase.NewCallMachine(tr, peers, calls, usecase.MachineOptions{
		SetupTimeout: opts.timeout,
		UserName:     "user-" + id.String(),
	})

	p := &party{
		id:        id,
		transport: tr,
		factory:   opts.factory,
		machine:   m,
		calls:     calls,
		errs:      make(chan error, 32),
		states:    make(chan *call.State, 256),
	}

	m.OnError(func(err error) { p.errs <- err })
	m.OnStateChange(func(s *call.State) {
		select {
		case p.states <- s:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return p
}

func (p *party) fake(t *testing.T) *fakeFactory {
	t.Helper()

	f, ok := p.factory.(*fakeFactory)
	if !ok {
		t.Fatalf("party %s uses %T", p.id, p.factory)
	}

	return f
}

func waitFor(t *testing.T, what string, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", what)
}

func (p *party) waitPhase(t *testing.T, phase call.Phase) *call.State {
	t.Helper()

	waitFor(t, p.id.String()+" "+phase.String(), 3*time.Second, func() bool {
		return p.machine.State().Phase == phase
	})

	return p.machine.State()
}

func (p *party) waitError(t *testing.T, kind call.ErrorKind) error {
	t.Helper()

	deadline := time.After(3 * time.Second)

	for {
		select {
		case err := <-p.errs:
			if call.KindOf(err) == kind {
				return err
			}
		case <-deadline:
			t.Fatalf("%s: no %s error", p.id, kind)
			return nil
		}
	}
}

func (p *party) noError(t *testing.T) {
	t.Helper()

	select {
	case err := <-p.errs:
		t.Fatalf("%s: unexpected error %v", p.id, err)
	case <-time.After(100 * time.Millisecond):
	}
}

func (p *party) record(t *testing.T, roomID string) calllog.Record {
	t.Helper()

	records, err := p.calls.List(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}

	for _, r := range records {
		if r.RoomID == roomID {
			return r
		}
	}

	t.Fatalf("%s: no call record for room %s", p.id, roomID)

	return calllog.Record{}
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	var zero T
	return zero
}
