package orch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/cctv/internal/app"
	"github.com/dkeye/cctv/internal/app/session"
	"github.com/dkeye/cctv/internal/core"
	"github.com/dkeye/cctv/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrUnknownStream = errors.New("unknown stream")

// SinkFactory creates the playback surface for one stream.
type SinkFactory func(target domain.StreamTarget) core.MediaSink

// Orchestrator owns the controllers of every opened stream.
type Orchestrator struct {
	Registry    *app.Registry
	Connections core.ConnectionFactory
	Signaler    core.Signaler
	Sinks       SinkFactory
	Clock       core.Clock
	Config      domain.SessionConfig
	Policy      session.ReconnectPolicy
	Listener    session.StatusListener

	// serialises Open/Close so a stream never has two live controllers
	mu sync.Mutex
}

// Open creates and starts a controller for target. An existing controller for
// the same stream is disposed first.
func (o *Orchestrator) Open(target domain.StreamTarget) (*session.Controller, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if o.Connections == nil || o.Signaler == nil || o.Sinks == nil {
		return nil, errors.New("orchestrator: missing collaborators")
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if prev, ok := o.Registry.Remove(target.ID); ok {
		prev.Dispose()
	}

	opts := []session.Option{
		session.WithConfig(o.Config),
		session.WithOnError(o.onError(target)),
	}
	if o.Listener != nil {
		opts = append(opts, session.WithListener(o.Listener))
	}
	if o.Policy != nil {
		opts = append(opts, session.WithPolicy(o.Policy))
	}

	ctl := session.New(target, session.Deps{
		Connections: o.Connections,
		Signaler:    o.Signaler,
		Sink:        o.Sinks(target),
		Clock:       o.Clock,
	}, opts...)
	o.Registry.Put(ctl)

	if err := ctl.Start(); err != nil {
		o.Registry.RemoveIf(target.ID, ctl)
		ctl.Dispose()
		return nil, fmt.Errorf("start %s: %w", target.ID, err)
	}
	log.Info().Str("module", "orch").Str("stream", string(target.ID)).Str("address", target.Address).Msg("stream opened")
	return ctl, nil
}

func (o *Orchestrator) onError(target domain.StreamTarget) func(domain.StreamError) {
	return func(e domain.StreamError) {
		log.Warn().
			Str("module", "orch").
			Str("stream", string(target.ID)).
			Str("kind", string(e.Kind)).
			Err(e.Err).
			Msg(e.Message)
	}
}

func (o *Orchestrator) Controller(id domain.StreamID) (*session.Controller, bool) {
	return o.Registry.Get(id)
}

// Reconnect restarts the stream with a full attempt budget.
func (o *Orchestrator) Reconnect(id domain.StreamID) error {
	ctl, ok := o.Registry.Get(id)
	if !ok {
		return ErrUnknownStream
	}
	return ctl.Reconnect()
}

func (o *Orchestrator) Close(id domain.StreamID) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	ctl, ok := o.Registry.Remove(id)
	if !ok {
		return ErrUnknownStream
	}
	ctl.Dispose()
	log.Info().Str("module", "orch").Str("stream", string(id)).Msg("stream closed")
	return nil
}

func (o *Orchestrator) Status(id domain.StreamID) (session.Status, bool) {
	ctl, ok := o.Registry.Get(id)
	if !ok {
		return session.Status{}, false
	}
	return ctl.Status(), true
}

// List returns the status of every open stream ordered by id.
func (o *Orchestrator) List() []session.Status {
	ctls := o.Registry.All()
	out := make([]session.Status, 0, len(ctls))
	for _, ctl := range ctls {
		out = append(out, ctl.Status())
	}
	return out
}

// Shutdown disposes every controller and waits for them.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()

	ctls := o.Registry.Drain()
	var wg sync.WaitGroup
	for _, ctl := range ctls {
		wg.Add(1)
		go func(ctl *session.Controller) {
			defer wg.Done()
			ctl.Dispose()
		}(ctl)
	}
	wg.Wait()
	log.Info().Str("module", "orch").Int("streams", len(ctls)).Msg("shutdown complete")
}
