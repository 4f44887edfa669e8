package hub

import (
	"context"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// WSConn wraps a websocket connection for hub delivery.
type WSConn struct {
	conn *websocket.Conn
}

func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

func (c *WSConn) Send(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *WSConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *WSConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "closed")
}

// SSEConn writes envelopes as server-sent events. SSE has no
// transport-level pong, so Ping sends a comment frame; a dead client
// surfaces as a write error there.
type SSEConn struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func NewSSEConn(w http.ResponseWriter, flusher http.Flusher) *SSEConn {
	return &SSEConn{w: w, flusher: flusher}
}

func (c *SSEConn) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	if _, err := c.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *SSEConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write([]byte(":ping\n\n")); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

func (c *SSEConn) Close() error {
	return nil
}
