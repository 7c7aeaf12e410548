package rtc

import (
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// remoteTrack adapts a pion TrackRemote to core.Track.
type remoteTrack struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
	pc       *webrtc.PeerConnection
}

func (t *remoteTrack) ID() string { return t.track.ID() }

func (t *remoteTrack) Kind() string { return t.track.Kind().String() }

func (t *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.track.ReadRTP()
	return pkt, err
}

// RequestKeyframe sends a Picture Loss Indication for the track's SSRC.
func (t *remoteTrack) RequestKeyframe() error {
	return t.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(t.track.SSRC())},
	})
}

func (t *remoteTrack) Stop() error {
	return t.receiver.Stop()
}
