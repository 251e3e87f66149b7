// Package presence is the websocket transport for party presence: the
// upgrade/admission path, the per-connection pumps, and the Connection
// adapter handed to the core.
package presence

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/partypool/server/internal/core"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// wsConn adapts one gorilla websocket to core.Connection. Writes go
// through a buffered channel drained by the write pump; a full channel
// drops the frame with ErrBackpressure.
type wsConn struct {
	conn *websocket.Conn
	send chan core.Payload

	mu     sync.RWMutex
	closed bool
}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{
		conn: ws,
		send: make(chan core.Payload, 32),
	}
}

func (c *wsConn) TrySend(p core.Payload) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- p:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) IsOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

func (c *wsConn) Close(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	if reason != "" {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	}
	_ = c.conn.Close()
}
