package ws

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/cctv/internal/app/session"
	"github.com/dkeye/cctv/internal/domain"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (h *Hub) writePump(ctx context.Context, c *Conn) {
	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "ws").Str("conn", c.ID).Msg("writePump ctx done")
			c.Close()
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "ws").Str("conn", c.ID).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "ws").Str("conn", c.ID).Msg("writePump write error")
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "ws").Str("conn", c.ID).Msg("ping failed")
				c.Close()
				return
			}
		}
	}
}

func (h *Hub) readPump(ctx context.Context, cancel context.CancelFunc, c *Conn) {
	defer func() {
		log.Info().Str("module", "ws").Str("conn", c.ID).Msg("readPump closing")
		h.remove(c)
		cancel()
		c.Close()
	}()

	pongWait := h.pingPeriod * 10 / 9
	c.conn.SetReadLimit(h.readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Str("module", "ws").Str("conn", c.ID).Msg("readPump read error")
				}
				return
			}
			h.handleMessage(c, data)
		}
	}
}

func (h *Hub) handleMessage(c *Conn, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Str("module", "ws").Msg("bad json")
		h.sendError(c, "", "bad json")
		return
	}

	switch msg.Type {
	case "ping":
		h.sendJSON(c, Message{Type: "pong"})
	case "subscribe":
		h.handleSubscribe(c, msg.Stream)
	case "reconnect":
		h.handleReconnect(c, msg.Stream)
	default:
		log.Warn().Str("module", "ws").Str("type", msg.Type).Msg("unknown message")
		h.sendError(c, msg.Stream, "unknown message type")
	}
}

func (h *Hub) handleSubscribe(c *Conn, id domain.StreamID) {
	src := h.source()
	if src == nil {
		return
	}
	st, ok := src.Status(id)
	if !ok {
		h.sendError(c, id, "unknown stream")
		return
	}
	c.Subscribe(id)
	h.sendStatus(c, st)
}

func (h *Hub) handleReconnect(c *Conn, id domain.StreamID) {
	if !h.limiter.Allow(c.ClientToken) {
		h.sendError(c, id, "too many reconnect requests")
		return
	}
	src := h.source()
	if src == nil {
		return
	}
	if err := src.Reconnect(id); err != nil {
		log.Warn().Err(err).Str("module", "ws").Str("stream", string(id)).Msg("reconnect request failed")
		msg := err.Error()
		if errors.Is(err, session.ErrDisposed) {
			msg = "stream closed"
		}
		h.sendError(c, id, msg)
	}
}

func (h *Hub) sendStatus(c *Conn, st session.Status) {
	h.sendJSON(c, Message{Type: "status", Stream: st.StreamID, Status: NewStatusFrame(st)})
}

func (h *Hub) sendError(c *Conn, id domain.StreamID, text string) {
	h.sendJSON(c, Message{Type: "error", Stream: id, Error: text})
}

func (h *Hub) sendJSON(c *Conn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("sendJSON marshal")
		return
	}
	h.deliver(c, b)
}
