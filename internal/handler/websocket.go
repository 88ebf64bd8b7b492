package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/efreitasn/orderexec/internal/hub"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 64
)

var (
	errConnClosed     = errors.New("connection closed")
	errSendBufferFull = errors.New("send buffer full")
)

// bindRequest is the client message that binds the connection to an order.
type bindRequest struct {
	OrderID string `json:"orderId"`
}

// PushHandler upgrades requests to WebSocket push channels.
type PushHandler struct {
	hub      *hub.Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewPushHandler creates a PushHandler.
func NewPushHandler(h *hub.Hub, logger *slog.Logger) *PushHandler {
	return &PushHandler{
		hub:    h,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Any origin may subscribe.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Serve handles GET /api/orders/execute. The connection binds to the
// orderId query parameter if present and to every orderId it later sends.
func (h *PushHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &wsConn{
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: h.logger.With(slog.String("remote", conn.RemoteAddr().String())),
	}
	go c.writePump()

	if id := r.URL.Query().Get("orderId"); id != "" {
		h.bind(c, id)
	}
	c.readPump(h)
}

func (h *PushHandler) bind(c *wsConn, raw string) {
	if id := h.hub.Bind(raw, c); id != "" {
		c.logger.Info("channel bound", slog.String("order_id", id))
	}
}

// wsConn is a hub.Conn backed by a WebSocket. Sends are queued to a
// bounded buffer drained by writePump; a full buffer closes the channel.
type wsConn struct {
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Send queues payload without blocking.
func (c *wsConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errConnClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.closeLocked()
		return errSendBufferFull
	}
}

func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *wsConn) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump handles bind messages until the peer goes away, then removes
// the channel from every order it was bound to.
func (c *wsConn) readPump(h *PushHandler) {
	defer func() {
		h.hub.Unbind(c)
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read failed", slog.String("error", err.Error()))
			}
			return
		}

		var req bindRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.logger.Warn("invalid websocket message", slog.String("error", err.Error()))
			continue
		}
		if req.OrderID != "" {
			h.bind(c, req.OrderID)
		}
	}
}

// writePump drains the send buffer to the socket and keeps it alive with
// pings.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
