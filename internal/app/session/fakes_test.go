package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dkeye/cctv/internal/core"
	"github.com/dkeye/cctv/internal/domain"
	"github.com/pion/rtp"
)

// journal records teardown/setup order across fakes.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type fakeConn struct {
	id      int
	journal *journal

	mu       sync.Mutex
	onState  func(core.ConnState)
	onTrack  func(core.Track)
	offerErr error
	applyErr error
	answers  []string
	closed   bool
}

func (f *fakeConn) CreateOffer(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offerErr != nil {
		return "", f.offerErr
	}
	return fmt.Sprintf("offer-%d", f.id), nil
}

func (f *fakeConn) ApplyAnswer(sdp string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.answers = append(f.answers, sdp)
	return nil
}

func (f *fakeConn) OnStateChange(fn func(core.ConnState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *fakeConn) OnTrack(fn func(core.Track)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = fn
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.journal.add("close conn %d", f.id)
	return nil
}

func (f *fakeConn) emit(s core.ConnState) {
	f.mu.Lock()
	h := f.onState
	f.mu.Unlock()
	h(s)
}

func (f *fakeConn) emitTrack(t core.Track) {
	f.mu.Lock()
	h := f.onTrack
	f.mu.Unlock()
	h(t)
}

func (f *fakeConn) applied() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.answers)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeFactory struct {
	journal *journal

	mu       sync.Mutex
	conns    []*fakeConn
	err      error
	offerErr error
	applyErr error
	panicOn  bool
}

func (f *fakeFactory) NewConnection() (core.MediaConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn {
		panic("factory exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeConn{
		id:       len(f.conns) + 1,
		journal:  f.journal,
		offerErr: f.offerErr,
		applyErr: f.applyErr,
	}
	f.conns = append(f.conns, c)
	f.journal.add("new conn %d", c.id)
	return c, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeFactory) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

type result struct {
	answer string
	err    error
}

type negotiation struct {
	ctx   context.Context
	offer string
	reply chan result
}

// fakeSignaler answers immediately with auto, or hands each call to the test
// through calls when auto is nil.
type fakeSignaler struct {
	auto  *result
	calls chan *negotiation
	stop  chan struct{}
}

func autoSignaler(answer string, err error) *fakeSignaler {
	return &fakeSignaler{auto: &result{answer: answer, err: err}, stop: make(chan struct{})}
}

func manualSignaler() *fakeSignaler {
	return &fakeSignaler{calls: make(chan *negotiation, 16), stop: make(chan struct{})}
}

func (s *fakeSignaler) Negotiate(ctx context.Context, offer string, _ domain.StreamTarget) (string, error) {
	if s.auto != nil {
		return s.auto.answer, s.auto.err
	}
	n := &negotiation{ctx: ctx, offer: offer, reply: make(chan result, 1)}
	s.calls <- n
	select {
	case r := <-n.reply:
		return r.answer, r.err
	case <-s.stop:
		return "", context.Canceled
	}
}

type fakeTrack struct {
	id string

	mu      sync.Mutex
	stopped bool
}

func (t *fakeTrack) ID() string                    { return t.id }
func (t *fakeTrack) Kind() string                  { return "video" }
func (t *fakeTrack) ReadRTP() (*rtp.Packet, error) { return nil, io.EOF }
func (t *fakeTrack) RequestKeyframe() error        { return nil }

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return nil
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeStream struct {
	id      int
	journal *journal
	onError func(error)

	mu      sync.Mutex
	tracks  []core.Track
	stopped bool
}

func (s *fakeStream) AddTrack(t core.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("stream stopped")
	}
	s.tracks = append(s.tracks, t)
	return nil
}

func (s *fakeStream) Stop() {
	s.mu.Lock()
	s.stopped = true
	tracks := s.tracks
	s.mu.Unlock()
	for _, t := range tracks {
		_ = t.Stop()
	}
	s.journal.add("stop stream %d", s.id)
}

func (s *fakeStream) trackCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracks)
}

func (s *fakeStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type fakeSink struct {
	journal *journal

	mu      sync.Mutex
	streams []*fakeStream
}

func (s *fakeSink) Bind(onError func(error)) core.SinkStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &fakeStream{id: len(s.streams) + 1, journal: s.journal, onError: onError}
	s.streams = append(s.streams, st)
	return st
}

func (s *fakeSink) stream(i int) *fakeStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[i]
}
