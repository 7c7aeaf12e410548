package rtc

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/cctv/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Config struct {
	ICEServers   []string
	ReceiveAudio bool
	// GatherTimeout bounds ICE gathering while building the offer.
	GatherTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ICEServers:    []string{"stun:stun.l.google.com:19302"},
		GatherTimeout: 5 * time.Second,
	}
}

func (c Config) webrtcConfig() webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(c.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: c.ICEServers}}
	}
	return cfg
}

// Factory builds receive-only peer connections sharing one pion API.
type Factory struct {
	cfg Config
	api *webrtc.API
}

func NewFactory(cfg Config) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}
	s := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory()}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(s),
	)
	return &Factory{cfg: cfg, api: api}, nil
}

func (f *Factory) NewConnection() (core.MediaConnection, error) {
	pc, err := f.api.NewPeerConnection(f.cfg.webrtcConfig())
	if err != nil {
		return nil, err
	}
	recvonly := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, recvonly); err != nil {
		_ = pc.Close()
		return nil, err
	}
	if f.cfg.ReceiveAudio {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, recvonly); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}
	return newWebRTCConnection(pc, f.cfg.GatherTimeout), nil
}

// WebRTCConnection adapts a pion PeerConnection to core.MediaConnection.
type WebRTCConnection struct {
	pc            *webrtc.PeerConnection
	gatherTimeout time.Duration

	mu      sync.RWMutex
	onState func(core.ConnState)
	onTrack func(core.Track)

	closeOnce sync.Once
	closeErr  error
}

func newWebRTCConnection(pc *webrtc.PeerConnection, gatherTimeout time.Duration) *WebRTCConnection {
	c := &WebRTCConnection{pc: pc, gatherTimeout: gatherTimeout}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("ice_state", s.String()).Msg("ICE state")
		c.mu.RLock()
		fn := c.onState
		c.mu.RUnlock()
		if fn != nil {
			fn(mapICEState(s))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Str("codec", track.Codec().MimeType).
			Msg("OnTrack received")
		c.mu.RLock()
		fn := c.onTrack
		c.mu.RUnlock()
		if fn != nil {
			fn(&remoteTrack{track: track, receiver: receiver, pc: pc})
		} else {
			_ = receiver.Stop()
		}
	})
	return c
}

func (c *WebRTCConnection) CreateOffer(ctx context.Context) (string, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}

	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}

	var timeout <-chan time.Time
	if c.gatherTimeout > 0 {
		t := time.NewTimer(c.gatherTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-gatherComplete:
	case <-timeout:
		// send whatever candidates were gathered so far
		log.Warn().Str("module", "webrtc").Dur("after", c.gatherTimeout).Msg("ICE gathering incomplete")
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return c.pc.LocalDescription().SDP, nil
}

func (c *WebRTCConnection) ApplyAnswer(sdp string) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (c *WebRTCConnection) OnStateChange(fn func(core.ConnState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// OnTrack sets application-level callback for remote tracks.
func (c *WebRTCConnection) OnTrack(fn func(core.Track)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *WebRTCConnection) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.pc.Close()
		if c.closeErr != nil {
			log.Error().Err(c.closeErr).Str("module", "webrtc").Msg("close error")
		} else {
			log.Info().Str("module", "webrtc").Msg("closed")
		}
	})
	return c.closeErr
}

func mapICEState(s webrtc.ICEConnectionState) core.ConnState {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return core.ConnStateChecking
	case webrtc.ICEConnectionStateConnected:
		return core.ConnStateConnected
	case webrtc.ICEConnectionStateCompleted:
		return core.ConnStateCompleted
	case webrtc.ICEConnectionStateDisconnected:
		return core.ConnStateDisconnected
	case webrtc.ICEConnectionStateFailed:
		return core.ConnStateFailed
	case webrtc.ICEConnectionStateClosed:
		return core.ConnStateClosed
	default:
		return core.ConnStateNew
	}
}
