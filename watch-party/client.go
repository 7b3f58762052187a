package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/gosuda/syncflix/watch-party/room"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 64
	maxFrameBytes  = 64 << 10
)

// Client is one websocket connection. It satisfies room.Member.
type Client struct {
	id      string
	conn    *websocket.Conn
	mgr     *room.Manager
	limiter *rate.Limiter

	mu     sync.Mutex
	send   chan room.ServerEvent
	closed bool
}

func NewClient(conn *websocket.Conn, mgr *room.Manager, limiter *rate.Limiter) *Client {
	return &Client{
		id:      uuid.NewString(),
		conn:    conn,
		mgr:     mgr,
		limiter: limiter,
		send:    make(chan room.ServerEvent, sendBufferSize),
	}
}

func (c *Client) ID() string { return c.id }

// Push never blocks: a full queue loses its oldest frame.
func (c *Client) Push(ev room.ServerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- ev:
	default:
		select {
		case <-c.send:
		default:
		}
		c.send <- ev
	}
}

func (c *Client) readLoop(ctx context.Context) {
	defer c.close()
	c.conn.SetReadLimit(maxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("conn", c.id).Msg("read message")
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.Push(room.ErrorEvent(room.ErrRateLimited))
			continue
		}
		ev, err := room.Decode(payload)
		if err != nil {
			c.Push(room.ErrorEvent(err))
			continue
		}
		if err := c.mgr.Route(ctx, c, ev); err != nil {
			log.Debug().Err(err).Str("conn", c.id).Str("event", ev.Type()).Msg("route")
		}
	}
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := writeFrame(c.conn, ev); err != nil {
				log.Debug().Err(err).Str("conn", c.id).Msg("write frame")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	c.mgr.Detach(c)
	_ = c.conn.Close()
}

// writeFrame keeps chat text readable on the wire by not escaping HTML.
func writeFrame(conn *websocket.Conn, v any) error {
	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
