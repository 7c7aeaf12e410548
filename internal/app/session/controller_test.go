package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/cctv/internal/core"
	"github.com/dkeye/cctv/internal/core/coretest"
	"github.com/dkeye/cctv/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type harness struct {
	t       *testing.T
	clock   *coretest.Clock
	journal *journal
	conns   *fakeFactory
	sig     *fakeSignaler
	sink    *fakeSink
	ctl     *Controller

	mu       sync.Mutex
	failures []domain.StreamError
	statuses []Status
}

func newHarness(t *testing.T, cfg domain.SessionConfig, sig *fakeSignaler) *harness {
	t.Helper()
	j := &journal{}
	h := &harness{
		t:       t,
		clock:   coretest.NewClock(),
		journal: j,
		conns:   &fakeFactory{journal: j},
		sig:     sig,
		sink:    &fakeSink{journal: j},
	}
	target := domain.StreamTarget{ID: "gate-1", Name: "Gate 1", Address: "rtsp://10.0.0.5/live"}
	h.ctl = New(target, Deps{
		Connections: h.conns,
		Signaler:    sig,
		Sink:        h.sink,
		Clock:       h.clock,
	},
		WithConfig(cfg),
		WithLogger(zerolog.Nop()),
		WithOnError(func(e domain.StreamError) {
			h.mu.Lock()
			h.failures = append(h.failures, e)
			h.mu.Unlock()
		}),
		WithListener(StatusListenerFunc(func(s Status) {
			h.mu.Lock()
			h.statuses = append(h.statuses, s)
			h.mu.Unlock()
		})),
	)
	t.Cleanup(func() {
		close(sig.stop)
		h.ctl.Dispose()
	})
	return h
}

// flush waits until every event posted so far has been handled.
func (h *harness) flush() {
	h.t.Helper()
	require.NoError(h.t, h.ctl.call(func() error { return nil }))
}

func (h *harness) waitApplied(i int) *fakeConn {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.conns.count() > i && h.conns.conn(i).applied() == 1
	}, waitFor, time.Millisecond)
	return h.conns.conn(i)
}

func (h *harness) waitState(want domain.State) Status {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.ctl.Status().State == want
	}, waitFor, time.Millisecond)
	return h.ctl.Status()
}

func (h *harness) failureCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.failures)
}

func (h *harness) failure(i int) domain.StreamError {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failures[i]
}

func noRetry() domain.SessionConfig {
	cfg := domain.DefaultSessionConfig()
	cfg.AutoReconnect = false
	return cfg
}

func TestStartSetsConnectingSynchronously(t *testing.T) {
	h := newHarness(t, noRetry(), manualSignaler())

	require.NoError(t, h.ctl.Start())

	st := h.ctl.Status()
	assert.Equal(t, domain.StateConnecting, st.State)
	assert.True(t, st.Loading)
	assert.False(t, st.Failed)
	assert.Equal(t, uint64(1), st.Generation)
	assert.Equal(t, "Connecting", st.Indicator())

	n := <-h.sig.calls
	assert.Equal(t, "offer-1", n.offer)
}

func TestStartIsNoopWhileLive(t *testing.T) {
	h := newHarness(t, noRetry(), manualSignaler())

	require.NoError(t, h.ctl.Start())
	require.NoError(t, h.ctl.Start())

	assert.Equal(t, uint64(1), h.ctl.Status().Generation)
	assert.Equal(t, 1, h.conns.count())
}

func TestConnectionTimeout(t *testing.T) {
	h := newHarness(t, noRetry(), autoSignaler("answer", nil))

	require.NoError(t, h.ctl.Start())
	h.waitApplied(0)

	h.clock.Advance(14999 * time.Millisecond)
	h.flush()
	assert.Equal(t, domain.StateConnecting, h.ctl.Status().State)

	h.clock.Advance(time.Millisecond)
	h.flush()

	st := h.ctl.Status()
	assert.Equal(t, domain.StateFailed, st.State)
	assert.Equal(t, domain.KindTimeout, st.ErrorKind)
	assert.Equal(t, domain.KindTimeout.Label(), st.Label)
	assert.True(t, h.conns.conn(0).isClosed())
	assert.Equal(t, 0, h.clock.Pending())
}

func TestSignalingServerError(t *testing.T) {
	h := newHarness(t, noRetry(),
		autoSignaler("", domain.Errorf(domain.KindServerError, "signaling server returned 500 Internal Server Error")))

	require.NoError(t, h.ctl.Start())
	st := h.waitState(domain.StateFailed)

	assert.Equal(t, domain.KindServerError, st.ErrorKind)
	assert.Contains(t, st.Message, "500")
	assert.Equal(t, 0, h.conns.conn(0).applied())
}

func TestSignalingMalformedResponse(t *testing.T) {
	h := newHarness(t, noRetry(),
		autoSignaler("", domain.Errorf(domain.KindServerError, "malformed signaling response: missing sdp64")))

	require.NoError(t, h.ctl.Start())
	st := h.waitState(domain.StateFailed)

	assert.Equal(t, domain.KindServerError, st.ErrorKind)
	assert.Contains(t, st.Message, "malformed")
}

func TestUnclassifiedSignalingErrorIsUnknown(t *testing.T) {
	h := newHarness(t, noRetry(), autoSignaler("", errors.New("weird")))

	require.NoError(t, h.ctl.Start())
	st := h.waitState(domain.StateFailed)
	assert.Equal(t, domain.KindUnknown, st.ErrorKind)
}

func TestLocalConnectionErrorsAreConnectionFailed(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fakeFactory)
	}{
		{"create peer connection", func(f *fakeFactory) { f.err = errors.New("no codecs") }},
		{"create offer", func(f *fakeFactory) { f.offerErr = errors.New("gathering failed") }},
		{"apply answer", func(f *fakeFactory) { f.applyErr = errors.New("bad fingerprint") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, noRetry(), autoSignaler("answer", nil))
			tt.setup(h.conns)

			require.NoError(t, h.ctl.Start())
			st := h.waitState(domain.StateFailed)
			assert.Equal(t, domain.KindConnectionFailed, st.ErrorKind)
			assert.Equal(t, tt.name, st.Message)
		})
	}
}

func TestConnectedResetsAttemptAndCancelsTimer(t *testing.T) {
	cfg := domain.DefaultSessionConfig()
	h := newHarness(t, cfg, autoSignaler("answer", nil))

	require.NoError(t, h.ctl.Start())
	conn := h.waitApplied(0)

	h.clock.Advance(2 * time.Second)
	conn.emit(core.ConnStateChecking)
	conn.emit(core.ConnStateConnected)
	h.flush()

	st := h.ctl.Status()
	assert.Equal(t, domain.StateConnected, st.State)
	assert.Equal(t, 0, st.Attempt)
	assert.Empty(t, st.ErrorKind)
	assert.True(t, st.ConnectedSinceAttemptReset)
	assert.Equal(t, "Live", st.Indicator())
	assert.Equal(t, 0, h.clock.Pending())

	// the cancelled timeout must not fire later
	h.clock.Advance(time.Hour)
	h.flush()
	assert.Equal(t, domain.StateConnected, h.ctl.Status().State)
}

func TestCompletedCountsAsConnected(t *testing.T) {
	h := newHarness(t, noRetry(), autoSignaler("answer", nil))

	require.NoError(t, h.ctl.Start())
	conn := h.waitApplied(0)
	conn.emit(core.ConnStateCompleted)
	h.flush()

	assert.Equal(t, domain.StateConnected, h.ctl.Status().State)
}

func TestDisconnectedIsTransient(t *testing.T) {
	h := newHarness(t, noRetry(), autoSignaler("answer", nil))

	require.NoError(t, h.ctl.Start())
	conn := h.waitApplied(0)
	conn.emit(core.ConnStateConnected)
	conn.emit(core.ConnStateDisconnected)
	h.flush()

	assert.Equal(t, domain.StateConnected, h.ctl.Status().State)
}

func TestBoundedAutoReconnect(t *testing.T) {
	cfg := domain.SessionConfig{
		AutoReconnect:        true,
		MaxReconnectAttempts: 3,
		ReconnectIntervalMs:  1000,
		ConnectionTimeoutMs:  15000,
	}
	h := newHarness(t, cfg, autoSignaler("answer", nil))

	require.NoError(t, h.ctl.Start())

	for i := 0; i <= 3; i++ {
		conn := h.waitApplied(i)
		conn.emit(core.ConnStateFailed)
		h.flush()

		st := h.ctl.Status()
		require.Equal(t, domain.StateFailed, st.State, "cycle %d", i)
		assert.Equal(t, domain.KindIceFailed, st.ErrorKind)
		assert.Equal(t, i, st.Attempt)
		assert.True(t, conn.isClosed())

		if i == 3 {
			assert.False(t, st.Retrying)
			break
		}
		assert.True(t, st.Retrying)

		h.clock.Advance(999 * time.Millisecond)
		h.flush()
		assert.Equal(t, domain.StateFailed, h.ctl.Status().State)
		assert.Equal(t, i+1, h.conns.count())

		h.clock.Advance(time.Millisecond)
		h.flush()
		st = h.ctl.Status()
		assert.Equal(t, domain.StateConnecting, st.State)
		assert.Equal(t, i+1, st.Attempt)
		assert.Equal(t, i+2, h.conns.count())
	}

	h.clock.Advance(time.Hour)
	h.flush()
	assert.Equal(t, domain.StateFailed, h.ctl.Status().State)
	assert.Equal(t, 4, h.conns.count())
	assert.Equal(t, 0, h.clock.Pending())

	require.Eventually(t, func() bool { return h.failureCount() == 4 }, waitFor, time.Millisecond)
	for i := 0; i < 4; i++ {
		assert.Equal(t, domain.KindIceFailed, h.failure(i).Kind)
	}
}

func TestManualReconnectAfterExhaustion(t *testing.T) {
	cfg := domain.SessionConfig{
		AutoReconnect:        true,
		MaxReconnectAttempts: 1,
		ReconnectIntervalMs:  1000,
		ConnectionTimeoutMs:  15000,
	}
	h := newHarness(t, cfg, autoSignaler("answer", nil))

	require.NoError(t, h.ctl.Start())
	h.waitApplied(0).emit(core.ConnStateFailed)
	h.flush()
	h.clock.Advance(time.Second)
	h.flush()
	h.waitApplied(1).emit(core.ConnStateFailed)
	h.flush()

	st := h.ctl.Status()
	require.Equal(t, domain.StateFailed, st.State)
	require.Equal(t, 1, st.Attempt)
	require.False(t, st.Retrying)

	require.NoError(t, h.ctl.Reconnect())

	st = h.ctl.Status()
	assert.Equal(t, domain.StateConnecting, st.State)
	assert.Equal(t, 0, st.Attempt)
	assert.Equal(t, uint64(3), st.Generation)
	assert.False(t, st.ConnectedSinceAttemptReset)
	assert.Equal(t, 3, h.conns.count())

	// budget restored: a new failure is retried again
	h.waitApplied(2).emit(core.ConnStateFailed)
	h.flush()
	assert.True(t, h.ctl.Status().Retrying)
}

func TestReconnectTearsDownBeforeSetup(t *testing.T) {
	h := newHarness(t, noRetry(), autoSignaler("answer", nil))

	require.NoError(t, h.ctl.Start())
	conn1 := h.waitApplied(0)
	track := &fakeTrack{id: "video0"}
	conn1.emitTrack(track)
	conn1.emit(core.ConnStateConnected)
	h.flush()
	require.Equal(t, 1, h.sink.stream(0).trackCount())

	require.NoError(t, h.ctl.Reconnect())

	assert.True(t, conn1.isClosed())
	assert.True(t, track.isStopped())
	assert.True(t, h.sink.stream(0).isStopped())
	assert.Equal(t, []string{
		"new conn 1",
		"close conn 1",
		"stop stream 1",
		"new conn 2",
	}, h.journal.list())
}

func TestStaleCallbacksAreIgnored(t *testing.T) {
	h := newHarness(t, noRetry(), manualSignaler())

	require.NoError(t, h.ctl.Start())
	first := <-h.sig.calls
	conn1 := h.conns.conn(0)

	require.NoError(t, h.ctl.Reconnect())
	second := <-h.sig.calls
	conn2 := h.conns.conn(1)
	assert.Error(t, first.ctx.Err(), "superseded negotiation is cancelled")

	before := h.ctl.dropped.Load()
	first.reply <- result{answer: "stale-answer"}
	require.Eventually(t, func() bool { return h.ctl.dropped.Load() > before }, waitFor, time.Millisecond)

	conn1.emit(core.ConnStateConnected)
	conn1.emit(core.ConnStateFailed)
	late := &fakeTrack{id: "late"}
	conn1.emitTrack(late)
	h.clock.Advance(time.Hour / 2)
	h.flush()

	st := h.ctl.Status()
	assert.Equal(t, domain.StateFailed, st.State, "only the gen-2 timeout fires")
	assert.Equal(t, domain.KindTimeout, st.ErrorKind)
	assert.Equal(t, uint64(2), st.Generation)
	assert.Equal(t, 0, conn1.applied())
	assert.True(t, late.isStopped())
	assert.Equal(t, 0, h.sink.stream(1).trackCount())

	second.reply <- result{answer: "fresh-answer"}
	h.flush()
	assert.Equal(t, 0, conn2.applied(), "answer after failure is dropped")
}

func TestMediaErrorFailsSession(t *testing.T) {
	h := newHarness(t, noRetry(), autoSignaler("answer", nil))

	require.NoError(t, h.ctl.Start())
	conn := h.waitApplied(0)
	conn.emit(core.ConnStateConnected)
	h.flush()

	h.sink.stream(0).onError(errors.New("decoder stalled"))
	h.flush()

	st := h.ctl.Status()
	assert.Equal(t, domain.StateFailed, st.State)
	assert.Equal(t, domain.KindMediaError, st.ErrorKind)
	assert.True(t, conn.isClosed())
}

func TestErrorCallbackOncePerFailure(t *testing.T) {
	h := newHarness(t, noRetry(), autoSignaler("answer", nil))

	require.NoError(t, h.ctl.Start())
	conn := h.waitApplied(0)
	conn.emit(core.ConnStateFailed)
	conn.emit(core.ConnStateFailed)
	h.sink.stream(0).onError(errors.New("late"))
	h.clock.Advance(time.Minute)
	h.flush()

	require.Eventually(t, func() bool { return h.failureCount() == 1 }, waitFor, time.Millisecond)
	h.flush()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, h.failureCount())
	assert.Equal(t, domain.KindIceFailed, h.failure(0).Kind)
	assert.NotEmpty(t, h.failure(0).Message)

	// observing the status again never re-reports
	_ = h.ctl.Status()
	_ = h.ctl.Status()
	assert.Equal(t, 1, h.failureCount())
}

func TestDisposeIsIdempotent(t *testing.T) {
	h := newHarness(t, domain.DefaultSessionConfig(), autoSignaler("answer", nil))

	require.NoError(t, h.ctl.Start())
	conn := h.waitApplied(0)
	conn.emit(core.ConnStateFailed)
	h.flush()
	require.True(t, h.ctl.Status().Retrying)

	assert.NotPanics(t, func() {
		h.ctl.Dispose()
		h.ctl.Dispose()
	})

	st := h.ctl.Status()
	assert.Equal(t, domain.StateIdle, st.State)
	assert.False(t, st.Retrying)
	assert.Equal(t, 0, h.clock.Pending())
	assert.True(t, conn.isClosed())
	assert.ErrorIs(t, h.ctl.Start(), ErrDisposed)
	assert.ErrorIs(t, h.ctl.Reconnect(), ErrDisposed)

	// stale timers and callbacks after disposal are harmless
	h.clock.Advance(time.Hour)
	conn.emit(core.ConnStateConnected)
	assert.Equal(t, domain.StateIdle, h.ctl.Status().State)
	assert.Equal(t, 1, h.conns.count())
}

func TestDisposeWhileConnected(t *testing.T) {
	h := newHarness(t, noRetry(), autoSignaler("answer", nil))

	require.NoError(t, h.ctl.Start())
	conn := h.waitApplied(0)
	track := &fakeTrack{id: "v"}
	conn.emitTrack(track)
	conn.emit(core.ConnStateConnected)
	h.flush()

	h.ctl.Dispose()

	assert.True(t, conn.isClosed())
	assert.True(t, track.isStopped())
	assert.Equal(t, 0, h.clock.Pending())
}

func TestPanicInCollaboratorBecomesUnknownFailure(t *testing.T) {
	h := newHarness(t, noRetry(), autoSignaler("answer", nil))
	h.conns.panicOn = true

	err := h.ctl.Start()
	assert.Error(t, err)

	st := h.ctl.Status()
	assert.Equal(t, domain.StateFailed, st.State)
	assert.Equal(t, domain.KindUnknown, st.ErrorKind)
}

func TestListenerSeesEveryTransition(t *testing.T) {
	h := newHarness(t, noRetry(), autoSignaler("answer", nil))

	require.NoError(t, h.ctl.Start())
	h.waitApplied(0).emit(core.ConnStateConnected)
	h.flush()

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		n := len(h.statuses)
		return n >= 2 && h.statuses[n-1].State == domain.StateConnected
	}, waitFor, time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, domain.StateConnecting, h.statuses[0].State)
}
