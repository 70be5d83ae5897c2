// Package server exposes the HTTP surface of the relay: the WebSocket
// upgrade endpoint and a health check.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/store"
)

// WebSocketHandler upgrades HTTP requests, wires each connection to a
// session, and tracks live connections so shutdown can drain them.
type WebSocketHandler struct {
	cfg      Config
	upgrader websocket.Upgrader
	registry *Registry
	router   *Router
	store    store.Store
	log      *zap.Logger

	mu    sync.Mutex
	conns map[*Client]struct{}
	wg    sync.WaitGroup
}

// NewWebSocketHandler builds the upgrade handler with the configured origin
// policy applied.
func NewWebSocketHandler(cfg Config, registry *Registry, router *Router, st store.Store, log *zap.Logger) *WebSocketHandler {
	policy := newOriginPolicy(cfg.AllowedOrigins, log)
	return &WebSocketHandler{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.check,
		},
		registry: registry,
		router:   router,
		store:    st,
		log:      log,
		conns:    make(map[*Client]struct{}),
	}
}

// ServeHTTP upgrades the request and starts the client's pumps. Envelope
// handling runs on a background context so an in-flight store call is not
// cancelled when the request's connection drops.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(conn, h.registry, h.router, h.store, h.cfg, h.log)
	h.track(client)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		defer h.untrack(client)
		client.readPump(context.Background())
	}()
}

func (h *WebSocketHandler) track(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

func (h *WebSocketHandler) untrack(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
}

// Shutdown closes every live connection and waits for the pump goroutines to
// finish, or gives up when the timeout elapses.
func (h *WebSocketHandler) Shutdown(timeout time.Duration) error {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.conns))
	for c := range h.conns {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		if c.conn == nil {
			continue
		}
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			h.log.Warn("error closing client connection", zap.Error(err))
		}
	}
	h.log.Info("closed client connections", zap.Int("count", len(clients)))

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		h.log.Warn("connection drain timed out, some pumps may still be running")
		return context.DeadlineExceeded
	}
}

// HealthHandler provides a simple health check endpoint that returns server
// status as plain text.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Chat relay is running!")
}
