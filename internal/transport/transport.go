// ABOUTME: Duplex message transport abstraction and its WebSocket implementation.
// ABOUTME: One text message per frame; close vs. error is reported via ErrClosed.

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by ReadMessage once the connection has been closed,
// either locally or by a close frame from the peer.
var ErrClosed = errors.New("transport closed")

// Conn is an open duplex connection carrying whole messages.
type Conn interface {
	// ReadMessage blocks for the next inbound message.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one message. Safe for concurrent use.
	WriteMessage(data []byte) error
	// Close tears the connection down immediately.
	Close() error
}

// Dialer opens connections to an endpoint URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials ws:// and wss:// endpoints.
type WebSocketDialer struct {
	Dialer *websocket.Dialer
}

// NewWebSocketDialer returns a dialer using websocket.DefaultDialer settings.
func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{Dialer: websocket.DefaultDialer}
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebSocketConn(ws), nil
}

// WebSocketConn adapts a *websocket.Conn to Conn. gorilla allows one
// concurrent writer, so writes are serialized here.
type WebSocketConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWebSocketConn wraps an established WebSocket connection.
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{
		ws:     ws,
		closed: make(chan struct{}),
	}
}

// ReadMessage implements Conn.
func (c *WebSocketConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, c.readError(err)
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *WebSocketConn) readError(err error) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	// A received close frame is a close whatever its code; 1006 means the
	// connection dropped without one.
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}

// WriteMessage implements Conn.
func (c *WebSocketConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close implements Conn. It is safe to call more than once.
func (c *WebSocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.ws.Close()
	})
	return err
}
