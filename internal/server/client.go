// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and lifecycle control for each connection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/store"
)

const (
	// Time allowed to write an envelope or control frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Ping interval; must be shorter than pongWait.
	pingPeriod = 54 * time.Second
)

// Client is one live WebSocket connection. It owns the read and write pumps
// and implements Channel so the registry and router can push envelopes to it
// without knowing about the transport.
type Client struct {
	conn    *websocket.Conn
	send    chan []byte
	session *session
	log     *zap.Logger

	// mu guards closed and orders Send against the one-time close of the
	// send channel, so a concurrent push can never hit a closed channel.
	mu     sync.RWMutex
	closed bool

	maxMessageSize int64
	limiter        *tokenBucket
}

// NewClient wraps an upgraded connection. Every log line of the connection
// carries a generated correlation ID so one session can be traced end to end.
func NewClient(conn *websocket.Conn, registry *Registry, router *Router, st store.Store, cfg Config, log *zap.Logger) *Client {
	log = log.With(zap.String("conn_id", uuid.NewString()))
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
		log = log.With(zap.String("remote_addr", conn.RemoteAddr().String()))
	}

	c := &Client{
		conn:           conn,
		send:           make(chan []byte, 256),
		log:            log,
		maxMessageSize: cfg.MaxMessageSize,
		limiter:        newTokenBucket(cfg.RateLimitBurst, cfg.RateLimitRefillInterval),
	}
	c.session = newSession(registry, router, st, log, c)
	return c
}

// Send marshals v and queues it for the write pump. It reports false when the
// connection is closed or its buffer is full; the envelope is then dropped
// and the recipient treated as unreachable.
func (c *Client) Send(v any) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		c.log.Error("failed to encode outbound envelope", zap.Error(err))
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}

	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// IsOpen reports whether the connection can still accept envelopes.
func (c *Client) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// markClosed flips the client to closed and closes the send channel exactly
// once, which is the write pump's signal to flush a close frame and exit.
func (c *Client) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// setupReadConnection configures read deadlines and the pong handler.
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("failed to set initial read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Warn("failed to extend read deadline", zap.Error(err))
		}
		return nil
	})
}

// logReadError records why the read loop is stopping, at a severity that
// matches how expected the cause is.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("inbound frame exceeded maximum size",
			zap.Int64("max_message_size", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Info("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Info("connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.Warn("unexpected websocket close", zap.Error(err))
	default:
		c.log.Warn("websocket read error", zap.Error(err))
	}
}

// readPump reads inbound frames and feeds them to the session in order.
// When it returns, the session has been closed and deregistered. The context
// is deliberately not tied to the connection: an in-flight store operation is
// never cancelled by the peer going away.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.markClosed()
		c.session.close()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn("error closing connection", zap.Error(err))
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			break
		}

		if !c.limiter.allow() {
			c.log.Warn("rate limit exceeded, discarding envelope")
			continue
		}

		c.session.handleEnvelope(ctx, raw)
	}
}

// writePump drains the send queue to the connection and keeps it alive with
// periodic pings. It exits when a write fails or when the read pump's
// teardown closes the send channel.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.markClosed()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn("error closing connection", zap.Error(err))
		}
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				c.writeClose()
				return
			}
			if !c.writePayload(payload) {
				return
			}
		case <-ticker.C:
			if !c.writePing() {
				return
			}
		}
	}
}

// writeClose sends a close frame so the peer sees an orderly shutdown.
func (c *Client) writeClose() {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return
	}
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.log.Warn("failed to write close frame", zap.Error(err))
	}
}

// writePayload writes one queued envelope plus anything else already queued,
// newline-separated, in a single frame.
func (c *Client) writePayload(payload []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("failed to set write deadline", zap.Error(err))
		return false
	}

	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("failed to open frame writer", zap.Error(err))
		}
		return false
	}

	if _, err := w.Write(payload); err != nil {
		c.log.Warn("failed to write envelope", zap.Error(err))
		return false
	}

	queued := len(c.send)
	for i := 0; i < queued; i++ {
		if _, err := w.Write([]byte{'\n'}); err != nil {
			c.log.Warn("failed to write frame separator", zap.Error(err))
			return false
		}
		if _, err := w.Write(<-c.send); err != nil {
			c.log.Warn("failed to write queued envelope", zap.Error(err))
			return false
		}
	}

	if err := w.Close(); err != nil {
		c.log.Warn("failed to flush frame", zap.Error(err))
		return false
	}
	return true
}

// writePing sends a keepalive ping.
func (c *Client) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("failed to set write deadline for ping", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("failed to write ping", zap.Error(err))
		}
		return false
	}
	return true
}
