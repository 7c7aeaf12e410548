// Package ws pushes stream statuses to websocket subscribers and accepts
// manual reconnect requests from them.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/cctv/internal/app/session"
	"github.com/dkeye/cctv/internal/domain"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultQueue      = 32
	defaultReadLimit  = 32768
	defaultPingPeriod = 54 * time.Second
	writeWait         = 5 * time.Second
)

// Source is what the hub reads statuses from and forwards reconnects to.
type Source interface {
	List() []session.Status
	Status(id domain.StreamID) (session.Status, bool)
	Reconnect(id domain.StreamID) error
}

type Message struct {
	Type   string          `json:"type"`
	Stream domain.StreamID `json:"stream,omitempty"`
	Status *StatusFrame    `json:"status,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// StatusFrame is a status plus the indicator text a viewer renders.
type StatusFrame struct {
	session.Status
	Indicator string `json:"indicator"`
}

func NewStatusFrame(st session.Status) *StatusFrame {
	return &StatusFrame{Status: st, Indicator: st.Indicator()}
}

type Option func(*Hub)

func WithReadLimit(n int64) Option {
	return func(h *Hub) {
		if n > 0 {
			h.readLimit = n
		}
	}
}

func WithPingPeriod(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.pingPeriod = d
		}
	}
}

func WithQueue(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queue = n
		}
	}
}

func WithPolicy(p Policy) Option {
	return func(h *Hub) { h.policy = p }
}

// WithLimiter rate-limits reconnect requests per client token.
func WithLimiter(l *RateLimiter) Option {
	return func(h *Hub) { h.limiter = l }
}

// Hub implements session.StatusListener.
type Hub struct {
	src        Source
	policy     Policy
	limiter    *RateLimiter
	readLimit  int64
	pingPeriod time.Duration
	queue      int

	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewHub(src Source, opts ...Option) *Hub {
	h := &Hub{
		src:        src,
		policy:     SimplePolicy{},
		readLimit:  defaultReadLimit,
		pingPeriod: defaultPingPeriod,
		queue:      defaultQueue,
		conns:      make(map[string]*Conn),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetSource binds the hub to its source after construction, for wiring where
// the source itself needs the hub as a listener.
func (h *Hub) SetSource(src Source) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.src = src
}

func (h *Hub) source() Source {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.src
}

func (h *Hub) OnStatus(st session.Status) {
	b, err := json.Marshal(Message{Type: "status", Stream: st.StreamID, Status: NewStatusFrame(st)})
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("marshal status")
		return
	}
	h.Broadcast(st.StreamID, b)
}

// Broadcast sends frame to every subscriber that wants stream id.
func (h *Hub) Broadcast(id domain.StreamID, frame []byte) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		if c.Wants(id) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, frame)
	}
}

func (h *Hub) deliver(c *Conn, frame []byte) {
	err := c.TrySend(frame)
	if err == nil || err == ErrClosed {
		return
	}
	switch h.policy.OnBackpressure(c) {
	case KickConn:
		log.Warn().Str("module", "ws").Str("conn", c.ID).Msg("slow subscriber kicked")
		h.remove(c)
		c.Close()
	case DropFrame:
		log.Debug().Str("module", "ws").Str("conn", c.ID).Msg("frame dropped")
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*Conn)
	h.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (h *Hub) add(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID] = c
}

func (h *Hub) remove(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c.ID)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle upgrades the request and serves the subscriber until it leaves or
// ctx ends. It returns once the pumps are started.
func (h *Hub) Handle(ctx context.Context, w http.ResponseWriter, r *http.Request, clientToken string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("ws upgrade")
		return
	}

	var snapshot []session.Status
	if src := h.source(); src != nil {
		snapshot = src.List()
	}
	c := newConn(uuid.NewString(), clientToken, ws, h.queue+len(snapshot))
	log.Info().Str("module", "ws").Str("conn", c.ID).Str("ct", clientToken).Msg("new WS connection")

	h.add(c)
	for _, st := range snapshot {
		h.sendStatus(c, st)
	}

	ctx, cancel := context.WithCancel(ctx)
	go h.writePump(ctx, c)
	go h.readPump(ctx, cancel, c)
}
