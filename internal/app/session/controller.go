// Package session drives one live camera stream: it owns the peer connection
// of the current generation, negotiates it through a Signaler, enforces the
// connection timeout and applies the reconnect policy.
//
// All state lives on a single event loop goroutine. Asynchronous results are
// posted back to the loop tagged with the generation they were issued for and
// are discarded when that generation is no longer current.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dkeye/cctv/internal/core"
	"github.com/dkeye/cctv/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrDisposed = errors.New("session disposed")

// Deps are the collaborators a Controller drives.
type Deps struct {
	Connections core.ConnectionFactory
	Signaler    core.Signaler
	Sink        core.MediaSink
	Clock       core.Clock
}

type Option func(*Controller)

func WithConfig(cfg domain.SessionConfig) Option {
	return func(c *Controller) { c.cfg = cfg.Normalize() }
}

// WithOnError sets the callback invoked once per failure occurrence.
func WithOnError(fn func(domain.StreamError)) Option {
	return func(c *Controller) { c.onError = fn }
}

func WithListener(l StatusListener) Option {
	return func(c *Controller) { c.listener = l }
}

func WithPolicy(p ReconnectPolicy) Option {
	return func(c *Controller) { c.policy = p }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

type Controller struct {
	target   domain.StreamTarget
	cfg      domain.SessionConfig
	deps     Deps
	policy   ReconnectPolicy
	onError  func(domain.StreamError)
	listener StatusListener
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	events *mailbox[event]
	notes  *mailbox[func()]
	done   chan struct{}

	statusMu sync.RWMutex
	status   Status

	// dropped counts stale events discarded by the generation guard.
	dropped atomic.Uint64

	// Everything below is owned by the loop goroutine.
	gen       uint64
	state     domain.State
	errKind   domain.ErrorKind
	errMsg    string
	attempt   int
	connected bool
	disposed  bool

	conn      core.MediaConnection
	stream    core.SinkStream
	cancelNeg context.CancelFunc
	timeout   core.Timer
	retry     core.Timer
}

type (
	event interface{}

	cmdEvent struct {
		fn  func() error
		ack chan error
	}
	stateEvent struct {
		gen   uint64
		state core.ConnState
	}
	trackEvent struct {
		gen   uint64
		track core.Track
	}
	answerEvent struct {
		gen    uint64
		answer string
		err    error
	}
	timeoutEvent struct{ gen uint64 }
	retryEvent   struct{ gen uint64 }
	mediaEvent   struct {
		gen uint64
		err error
	}
)

func New(target domain.StreamTarget, deps Deps, opts ...Option) *Controller {
	if deps.Clock == nil {
		deps.Clock = core.RealClock()
	}
	c := &Controller{
		target: target,
		cfg:    domain.DefaultSessionConfig(),
		deps:   deps,
		policy: FixedPolicy{},
		log:    log.Logger,
		events: newMailbox[event](),
		notes:  newMailbox[func()](),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Str("module", "session").Str("stream", string(target.ID)).Logger()
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.status = project(c.snapshot())

	go c.run()
	go c.deliver()
	return c
}

func (c *Controller) Target() domain.StreamTarget { return c.target }

func (c *Controller) Sink() core.MediaSink { return c.deps.Sink }

func (c *Controller) Config() domain.SessionConfig { return c.cfg }

func (c *Controller) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// Start begins the first generation. It is a no-op while a generation is
// connecting or connected. Status reports Connecting when Start returns.
func (c *Controller) Start() error {
	return c.call(func() error {
		if c.state == domain.StateConnecting || c.state == domain.StateConnected {
			return nil
		}
		c.resetAttempts()
		c.begin("start")
		return nil
	})
}

// Reconnect tears down the current generation and starts a fresh one with a
// full attempt budget, whatever the current state.
func (c *Controller) Reconnect() error {
	return c.call(func() error {
		c.resetAttempts()
		c.begin("manual reconnect")
		return nil
	})
}

// Dispose releases every resource and stops the loop. Safe to call twice.
func (c *Controller) Dispose() {
	_ = c.call(func() error {
		c.disposed = true
		c.stopRetry()
		c.teardown()
		c.gen++
		c.state = domain.StateIdle
		c.errKind, c.errMsg = "", ""
		c.publish()
		c.log.Info().Msg("disposed")
		return nil
	})
	<-c.done
}

func (c *Controller) call(fn func() error) error {
	ack := make(chan error, 1)
	if !c.events.push(cmdEvent{fn: fn, ack: ack}) {
		return ErrDisposed
	}
	select {
	case err := <-ack:
		return err
	case <-c.done:
		return ErrDisposed
	}
}

func (c *Controller) post(ev event) {
	if !c.events.push(ev) {
		c.dropped.Add(1)
	}
}

func (c *Controller) run() {
	defer func() {
		c.cancel()
		c.events.close()
		c.notes.close()
		close(c.done)
	}()
	for range c.events.ready {
		for _, ev := range c.events.drain() {
			c.dispatch(ev)
			if c.disposed {
				return
			}
		}
	}
}

// deliver runs caller callbacks off the loop so they may call back into the
// controller.
func (c *Controller) deliver() {
	for range c.notes.ready {
		for _, fn := range c.notes.drain() {
			fn()
		}
		if c.notes.isClosed() {
			for _, fn := range c.notes.drain() {
				fn()
			}
			return
		}
	}
}

func (c *Controller) dispatch(ev event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("recovered in session loop")
			c.recoverFail(r)
		}
	}()

	switch e := ev.(type) {
	case cmdEvent:
		e.ack <- c.runCmd(e.fn)
	case stateEvent:
		c.onState(e)
	case trackEvent:
		c.onTrack(e)
	case answerEvent:
		c.onAnswer(e)
	case timeoutEvent:
		c.onTimeout(e)
	case retryEvent:
		c.onRetry(e)
	case mediaEvent:
		c.onMediaError(e)
	}
}

func (c *Controller) runCmd(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Msg("recovered in session command")
			c.recoverFail(r)
			err = fmt.Errorf("session command: %v", r)
		}
	}()
	return fn()
}

func (c *Controller) recoverFail(r any) {
	defer func() {
		if r2 := recover(); r2 != nil {
			c.log.Error().Interface("panic", r2).Msg("teardown after panic failed")
		}
	}()
	c.fail(c.gen, domain.Errorf(domain.KindUnknown, "internal error: %v", r))
}

func (c *Controller) resetAttempts() {
	c.attempt = 0
	c.connected = false
}

// begin tears down the current generation and sets up the next one.
func (c *Controller) begin(reason string) {
	c.stopRetry()
	c.teardown()

	c.gen++
	gen := c.gen
	c.state = domain.StateConnecting
	c.errKind, c.errMsg = "", ""
	c.publish()

	c.log.Info().
		Uint64("gen", gen).
		Int("attempt", c.attempt).
		Str("reason", reason).
		Msg("connecting")

	c.stream = c.deps.Sink.Bind(func(err error) {
		c.post(mediaEvent{gen: gen, err: err})
	})

	conn, err := c.deps.Connections.NewConnection()
	if err != nil {
		c.fail(gen, domain.NewStreamError(domain.KindConnectionFailed, "create peer connection", err))
		return
	}
	c.conn = conn
	conn.OnStateChange(func(s core.ConnState) {
		c.post(stateEvent{gen: gen, state: s})
	})
	conn.OnTrack(func(t core.Track) {
		c.post(trackEvent{gen: gen, track: t})
	})

	c.timeout = c.deps.Clock.AfterFunc(c.cfg.ConnectionTimeout(), func() {
		c.post(timeoutEvent{gen: gen})
	})

	ctx, cancel := context.WithCancel(c.ctx)
	c.cancelNeg = cancel
	go c.negotiate(ctx, gen, conn)
}

func (c *Controller) negotiate(ctx context.Context, gen uint64, conn core.MediaConnection) {
	answer, err := c.exchange(ctx, conn)
	c.post(answerEvent{gen: gen, answer: answer, err: err})
}

func (c *Controller) exchange(ctx context.Context, conn core.MediaConnection) (answer string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.Errorf(domain.KindUnknown, "negotiation panic: %v", r)
		}
	}()

	offer, err := conn.CreateOffer(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", domain.NewStreamError(domain.KindConnectionFailed, "create offer", err)
	}
	return c.deps.Signaler.Negotiate(ctx, offer, c.target)
}

// stale reports whether an event belongs to a superseded generation.
func (c *Controller) stale(gen uint64, what string) bool {
	if gen == c.gen && !c.disposed {
		return false
	}
	c.dropped.Add(1)
	c.log.Debug().Uint64("gen", gen).Uint64("current", c.gen).Str("event", what).Msg("dropping stale event")
	return true
}

func (c *Controller) onAnswer(e answerEvent) {
	if c.stale(e.gen, "answer") || c.state != domain.StateConnecting {
		return
	}
	if e.err != nil {
		c.fail(e.gen, domain.Classify(e.err))
		return
	}
	if err := c.conn.ApplyAnswer(e.answer); err != nil {
		c.fail(e.gen, domain.NewStreamError(domain.KindConnectionFailed, "apply answer", err))
		return
	}
	c.log.Debug().Uint64("gen", e.gen).Msg("answer applied")
}

func (c *Controller) onState(e stateEvent) {
	if c.stale(e.gen, "state") {
		return
	}
	c.log.Info().Uint64("gen", e.gen).Str("ice_state", e.state.String()).Msg("ICE state")

	switch e.state {
	case core.ConnStateConnected, core.ConnStateCompleted:
		if c.state == domain.StateConnecting {
			c.markConnected()
		}
	case core.ConnStateFailed:
		c.fail(e.gen, domain.Errorf(domain.KindIceFailed, "ICE connection failed"))
	}
}

func (c *Controller) markConnected() {
	if c.timeout != nil {
		c.timeout.Stop()
		c.timeout = nil
	}
	c.state = domain.StateConnected
	c.attempt = 0
	c.connected = true
	c.errKind, c.errMsg = "", ""
	c.publish()
	c.log.Info().Uint64("gen", c.gen).Msg("connected")
}

func (c *Controller) onTrack(e trackEvent) {
	if c.stale(e.gen, "track") || c.stream == nil {
		_ = e.track.Stop()
		return
	}
	if err := c.stream.AddTrack(e.track); err != nil {
		_ = e.track.Stop()
		c.fail(e.gen, domain.NewStreamError(domain.KindMediaError, "attach track", err))
		return
	}
	c.log.Info().Uint64("gen", e.gen).Str("track_id", e.track.ID()).Str("kind", e.track.Kind()).Msg("track attached")
}

func (c *Controller) onTimeout(e timeoutEvent) {
	if c.stale(e.gen, "timeout") || c.state != domain.StateConnecting {
		return
	}
	c.timeout = nil
	c.fail(e.gen, domain.Errorf(domain.KindTimeout, "no connection within %s", c.cfg.ConnectionTimeout()))
}

func (c *Controller) onMediaError(e mediaEvent) {
	if c.stale(e.gen, "media error") {
		return
	}
	c.fail(e.gen, domain.NewStreamError(domain.KindMediaError, "playback error", e.err))
}

func (c *Controller) onRetry(e retryEvent) {
	if c.stale(e.gen, "retry") || c.state != domain.StateFailed {
		return
	}
	c.retry = nil
	c.attempt++
	c.begin("auto reconnect")
}

// fail moves the live generation into Failed, releases its resources and
// schedules a reconnect when the policy allows one.
func (c *Controller) fail(gen uint64, se *domain.StreamError) {
	if gen != c.gen || (c.state != domain.StateConnecting && c.state != domain.StateConnected) {
		return
	}
	c.teardown()
	c.state = domain.StateFailed
	c.errKind = se.Kind
	c.errMsg = se.Message

	c.log.Warn().
		Err(se).
		Uint64("gen", gen).
		Str("kind", string(se.Kind)).
		Int("attempt", c.attempt).
		Msg("session failed")

	if delay, ok := c.policy.Next(c.cfg, c.attempt, se.Kind); ok {
		c.retry = c.deps.Clock.AfterFunc(delay, func() {
			c.post(retryEvent{gen: gen})
		})
		c.log.Info().Uint64("gen", gen).Dur("delay", delay).Int("next_attempt", c.attempt+1).Msg("reconnect scheduled")
	}
	c.publish()

	if c.onError != nil {
		failure := *se
		onError := c.onError
		c.notes.push(func() { onError(failure) })
	}
}

// teardown releases the current generation's resources. The connection is
// closed before the tracks are stopped so blocked reads return.
func (c *Controller) teardown() {
	if c.cancelNeg != nil {
		c.cancelNeg()
		c.cancelNeg = nil
	}
	if c.timeout != nil {
		c.timeout.Stop()
		c.timeout = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.log.Error().Err(err).Uint64("gen", c.gen).Msg("close error")
		}
		c.conn = nil
	}
	if c.stream != nil {
		c.stream.Stop()
		c.stream = nil
	}
}

func (c *Controller) stopRetry() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

func (c *Controller) snapshot() snapshot {
	return snapshot{
		target:    c.target,
		cfg:       c.cfg,
		state:     c.state,
		errKind:   c.errKind,
		errMsg:    c.errMsg,
		attempt:   c.attempt,
		retrying:  c.retry != nil,
		gen:       c.gen,
		connected: c.connected,
		at:        c.deps.Clock.Now(),
	}
}

func (c *Controller) publish() {
	st := project(c.snapshot())
	c.statusMu.Lock()
	c.status = st
	c.statusMu.Unlock()

	if c.listener != nil {
		l := c.listener
		c.notes.push(func() { l.OnStatus(st) })
	}
}
