package ws

import (
	"errors"
	"sync"

	"github.com/dkeye/cctv/internal/domain"
	"github.com/gorilla/websocket"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

// Conn is one status subscriber.
type Conn struct {
	ID          string
	ClientToken string

	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
	// streams filters pushed statuses; empty means every stream.
	streams map[domain.StreamID]struct{}
}

func newConn(id, token string, ws *websocket.Conn, queue int) *Conn {
	return &Conn{
		ID:          id,
		ClientToken: token,
		conn:        ws,
		send:        make(chan []byte, queue),
		streams:     make(map[domain.StreamID]struct{}),
	}
}

func (c *Conn) TrySend(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- frame:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *Conn) Subscribe(id domain.StreamID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streams[id] = struct{}{}
}

func (c *Conn) Wants(id domain.StreamID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.streams) == 0 {
		return true
	}
	_, ok := c.streams[id]
	return ok
}
