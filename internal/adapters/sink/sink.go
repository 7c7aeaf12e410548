// Package sink consumes the RTP of a live stream's remote tracks. It stands in
// for the video element of a browser viewer: it keeps the tracks drained,
// requests keyframes and reports playback errors back to the session.
package sink

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/cctv/internal/core"
	"github.com/dkeye/cctv/internal/domain"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrStopped = errors.New("sink stream stopped")

type Stats struct {
	Tracks       int       `json:"tracks"`
	Packets      uint64    `json:"packets"`
	Bytes        uint64    `json:"bytes"`
	Lost         uint64    `json:"lost"`
	Keyframes    uint64    `json:"keyframeRequests"`
	LastPacketAt time.Time `json:"lastPacketAt"`
}

// Sink is a core.MediaSink. Counters accumulate across generations.
type Sink struct {
	id               domain.StreamID
	keyframeInterval time.Duration
	log              zerolog.Logger

	packets   atomic.Uint64
	bytes     atomic.Uint64
	lost      atomic.Uint64
	keyframes atomic.Uint64
	lastAt    atomic.Int64

	mu      sync.Mutex
	current *Stream
}

// New creates a sink. A keyframeInterval of zero disables periodic keyframe
// requests; one request is still sent when a video track is added.
func New(id domain.StreamID, keyframeInterval time.Duration) *Sink {
	return &Sink{
		id:               id,
		keyframeInterval: keyframeInterval,
		log:              log.With().Str("module", "sink").Str("stream", string(id)).Logger(),
	}
}

func (s *Sink) Bind(onError func(error)) core.SinkStream {
	st := &Stream{
		sink:    s,
		onError: onError,
		quit:    make(chan struct{}),
	}
	s.mu.Lock()
	s.current = st
	s.mu.Unlock()
	return st
}

func (s *Sink) Stats() Stats {
	st := Stats{
		Packets:   s.packets.Load(),
		Bytes:     s.bytes.Load(),
		Lost:      s.lost.Load(),
		Keyframes: s.keyframes.Load(),
	}
	if ns := s.lastAt.Load(); ns != 0 {
		st.LastPacketAt = time.Unix(0, ns)
	}
	s.mu.Lock()
	if s.current != nil {
		st.Tracks = s.current.trackCount()
	}
	s.mu.Unlock()
	return st
}

func (s *Sink) detach(st *Stream) {
	s.mu.Lock()
	if s.current == st {
		s.current = nil
	}
	s.mu.Unlock()
}

// Stream is the per-generation backing stream handed out by Bind.
type Stream struct {
	sink    *Sink
	onError func(error)

	mu      sync.Mutex
	tracks  []core.Track
	stopped bool
	quit    chan struct{}
	wg      sync.WaitGroup

	errOnce sync.Once
}

func (st *Stream) AddTrack(t core.Track) error {
	st.mu.Lock()
	if st.stopped {
		st.mu.Unlock()
		return ErrStopped
	}
	st.tracks = append(st.tracks, t)
	video := t.Kind() == "video"
	periodic := video && st.sink.keyframeInterval > 0
	st.wg.Add(1)
	if periodic {
		st.wg.Add(1)
	}
	st.mu.Unlock()

	st.sink.log.Info().Str("track_id", t.ID()).Str("kind", t.Kind()).Msg("track attached")

	go st.drain(t)
	if video {
		st.requestKeyframe(t)
	}
	if periodic {
		go st.keyframeLoop(t)
	}
	return nil
}

// Stop stops every track and waits for the readers to exit. Safe to call
// more than once.
func (st *Stream) Stop() {
	st.mu.Lock()
	if st.stopped {
		st.mu.Unlock()
		return
	}
	st.stopped = true
	close(st.quit)
	tracks := st.tracks
	st.mu.Unlock()

	for _, t := range tracks {
		if err := t.Stop(); err != nil {
			st.sink.log.Debug().Err(err).Str("track_id", t.ID()).Msg("track stop")
		}
	}
	st.wg.Wait()
	st.sink.detach(st)
}

func (st *Stream) trackCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.stopped {
		return 0
	}
	return len(st.tracks)
}

func (st *Stream) isStopped() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.stopped
}

func (st *Stream) drain(t core.Track) {
	defer st.wg.Done()

	var (
		last    uint16
		started bool
	)
	for {
		pkt, err := t.ReadRTP()
		if err != nil {
			if st.isStopped() {
				return
			}
			st.fail(t, err)
			return
		}
		st.account(pkt, &last, &started)
	}
}

func (st *Stream) account(pkt *rtp.Packet, last *uint16, started *bool) {
	s := st.sink
	s.packets.Add(1)
	s.bytes.Add(uint64(len(pkt.Payload)))
	s.lastAt.Store(time.Now().UnixNano())

	if *started {
		if gap := pkt.SequenceNumber - *last - 1; gap > 0 && gap < 1<<15 {
			s.lost.Add(uint64(gap))
		}
	}
	*last = pkt.SequenceNumber
	*started = true
}

func (st *Stream) fail(t core.Track, err error) {
	st.errOnce.Do(func() {
		st.sink.log.Warn().Err(err).Str("track_id", t.ID()).Msg("track read failed")
		if st.onError != nil {
			st.onError(err)
		}
	})
}

func (st *Stream) keyframeLoop(t core.Track) {
	defer st.wg.Done()
	ticker := time.NewTicker(st.sink.keyframeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-st.quit:
			return
		case <-ticker.C:
			st.requestKeyframe(t)
		}
	}
}

func (st *Stream) requestKeyframe(t core.Track) {
	if err := t.RequestKeyframe(); err != nil {
		st.sink.log.Debug().Err(err).Str("track_id", t.ID()).Msg("keyframe request failed")
		return
	}
	st.sink.keyframes.Add(1)
}
