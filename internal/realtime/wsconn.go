package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// WSConn adapts a gorilla websocket connection to the registry's Conn
// interface. Writes are serialized by a mutex; gorilla connections
// allow only one concurrent writer.
type WSConn struct {
	clientID string

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
}

// NewWSConn wraps an upgraded websocket connection.
func NewWSConn(clientID string, ws *websocket.Conn) *WSConn {
	return &WSConn{clientID: clientID, ws: ws}
}

// ClientID returns the connection's client id.
func (c *WSConn) ClientID() string { return c.clientID }

// Send writes one {event, data} JSON message. Sends on a closed
// connection are no-ops returning the close error.
func (c *WSConn) Send(event string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(map[string]any{"event": event, "data": data})
}

// Close shuts the underlying websocket down once.
func (c *WSConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}
