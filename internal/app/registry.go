package app

import (
	"sort"
	"sync"

	"github.com/dkeye/cctv/internal/app/session"
	"github.com/dkeye/cctv/internal/domain"
	"github.com/rs/zerolog/log"
)

// Registry holds the live controllers of one process, keyed by stream id.
type Registry struct {
	mu    sync.RWMutex
	items map[domain.StreamID]*session.Controller
}

func NewRegistry() *Registry {
	return &Registry{
		items: make(map[domain.StreamID]*session.Controller),
	}
}

// Put stores ctl and returns the controller it replaced, if any.
func (r *Registry) Put(ctl *session.Controller) *session.Controller {
	id := ctl.Target().ID
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.items[id]
	r.items[id] = ctl
	log.Info().Str("module", "app.registry").Str("stream", string(id)).Bool("replaced", prev != nil).Msg("bound controller")
	return prev
}

func (r *Registry) Get(id domain.StreamID) (*session.Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctl, ok := r.items[id]
	return ctl, ok
}

// Remove drops the controller for id and returns it.
func (r *Registry) Remove(id domain.StreamID) (*session.Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctl, ok := r.items[id]
	if ok {
		delete(r.items, id)
		log.Info().Str("module", "app.registry").Str("stream", string(id)).Msg("unbind controller")
	}
	return ctl, ok
}

// RemoveIf drops the controller for id only if it is still ctl.
func (r *Registry) RemoveIf(id domain.StreamID, ctl *session.Controller) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.items[id] != ctl {
		return false
	}
	delete(r.items, id)
	return true
}

// All returns the controllers ordered by stream id.
func (r *Registry) All() []*session.Controller {
	r.mu.RLock()
	out := make([]*session.Controller, 0, len(r.items))
	for _, ctl := range r.items {
		out = append(out, ctl)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Target().ID < out[j].Target().ID
	})
	return out
}

// Drain empties the registry and returns what it held.
func (r *Registry) Drain() []*session.Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session.Controller, 0, len(r.items))
	for id, ctl := range r.items {
		out = append(out, ctl)
		delete(r.items, id)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
