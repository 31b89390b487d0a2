package pion

import (
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/hanainplan/consultcall/internal/domain/media"
)

type remoteTrack struct {
	track *webrtc.TrackRemote
}

func (r *remoteTrack) ID() string       { return r.track.ID() }
func (r *remoteTrack) StreamID() string { return r.track.StreamID() }
func (r *remoteTrack) Kind() media.Kind { return media.KindOf(r.track.Kind()) }

func (r *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := r.track.ReadRTP()
	return pkt, err
}
