// Package websocket owns the in-process connection registry. The hub is
// an actor: all registry access goes through a command channel, so no
// locks are needed around the client map.
package websocket

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pscheid92/widgetsync/internal/domain"
	"github.com/pscheid92/widgetsync/internal/metrics"
)

// --- Command types ---

type hubCmd interface{ hubCmd() }

type cmdRegister struct {
	connectionID string
	conn         *websocket.Conn
	errCh        chan error
}

func (cmdRegister) hubCmd() {}

type cmdUnregister struct {
	connectionID string
	conn         *websocket.Conn
}

func (cmdUnregister) hubCmd() {}

type cmdSend struct {
	connectionID string
	data         []byte
	errCh        chan error
}

func (cmdSend) hubCmd() {}

type cmdCount struct {
	replyCh chan int
}

func (cmdCount) hubCmd() {}

type cmdStop struct{}

func (cmdStop) hubCmd() {}

// --- Per-connection writer ---

type clientWriter struct {
	conn   *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
}

func newClientWriter(conn *websocket.Conn) *clientWriter {
	cw := &clientWriter{
		conn:   conn,
		sendCh: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	for {
		select {
		case msg, ok := <-cw.sendCh:
			if !ok {
				return
			}
			cw.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := cw.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-cw.done:
			return
		}
	}
}

func (cw *clientWriter) stop() {
	close(cw.done)
	cw.conn.Close()
}

// --- Hub ---

// Hub maps connection ids to live sockets on this instance. It doubles
// as the embedded relay: Send reports ErrRecipientGone for ids that are
// not registered here, which makes stale records self-healing.
type Hub struct {
	cmdCh   chan hubCmd
	clients map[string]*clientWriter
}

var _ domain.Relay = (*Hub)(nil)

func NewHub() *Hub {
	hub := &Hub{
		cmdCh:   make(chan hubCmd, 256),
		clients: make(map[string]*clientWriter),
	}
	go hub.run()
	return hub
}

func (h *Hub) run() {
	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case cmdRegister:
			h.handleRegister(c)
		case cmdUnregister:
			h.handleUnregister(c.connectionID, c.conn)
		case cmdSend:
			c.errCh <- h.handleSend(c)
		case cmdCount:
			c.replyCh <- len(h.clients)
		case cmdStop:
			h.handleStop()
			return
		}
	}
}

func (h *Hub) handleRegister(c cmdRegister) {
	// A duplicate id means a stale writer from a dropped socket that
	// never unregistered. Replace it.
	if old, exists := h.clients[c.connectionID]; exists {
		old.stop()
		metrics.ActiveConnections.Dec()
		slog.Warn("Replacing stale connection", "connection_id", c.connectionID)
	}

	h.clients[c.connectionID] = newClientWriter(c.conn)
	metrics.ActiveConnections.Inc()
	slog.Debug("Connection registered", "connection_id", c.connectionID, "total", len(h.clients))
	c.errCh <- nil
}

func (h *Hub) handleUnregister(connectionID string, conn *websocket.Conn) {
	cw, exists := h.clients[connectionID]
	if !exists {
		return
	}
	// Only drop the registration if it still belongs to this socket.
	if conn != nil && cw.conn != conn {
		return
	}

	cw.stop()
	delete(h.clients, connectionID)
	metrics.ActiveConnections.Dec()
	slog.Debug("Connection unregistered", "connection_id", connectionID, "total", len(h.clients))
}

func (h *Hub) handleSend(c cmdSend) error {
	cw, exists := h.clients[c.connectionID]
	if !exists {
		return domain.ErrRecipientGone
	}

	select {
	case cw.sendCh <- c.data:
		return nil
	default:
		// The writer queue is full: the client stopped draining long ago.
		// Treat it like a dead socket.
		slog.Warn("Disconnecting slow client", "connection_id", c.connectionID)
		h.handleUnregister(c.connectionID, nil)
		return domain.ErrRecipientGone
	}
}

func (h *Hub) handleStop() {
	for id, cw := range h.clients {
		cw.stop()
		delete(h.clients, id)
		metrics.ActiveConnections.Dec()
	}
}

// --- Public API ---

func (h *Hub) Register(connectionID string, conn *websocket.Conn) error {
	errCh := make(chan error, 1)
	h.cmdCh <- cmdRegister{connectionID: connectionID, conn: conn, errCh: errCh}
	return <-errCh
}

func (h *Hub) Unregister(connectionID string, conn *websocket.Conn) {
	h.cmdCh <- cmdUnregister{connectionID: connectionID, conn: conn}
}

// Send implements domain.Relay for the embedded transport.
func (h *Hub) Send(_ context.Context, connectionID string, payload []byte) error {
	errCh := make(chan error, 1)
	h.cmdCh <- cmdSend{connectionID: connectionID, data: payload, errCh: errCh}
	return <-errCh
}

func (h *Hub) ClientCount() int {
	replyCh := make(chan int, 1)
	h.cmdCh <- cmdCount{replyCh: replyCh}
	return <-replyCh
}

func (h *Hub) Stop() {
	h.cmdCh <- cmdStop{}
}
