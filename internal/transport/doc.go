// Package transport abstracts the duplex connection to an agent endpoint.
//
// Sessions depend only on the Dialer and Conn interfaces, so tests can drive
// them with in-memory connections. The production implementation is
// WebSocketDialer, built on gorilla/websocket; TLS is selected purely by the
// endpoint URL scheme (ws:// or wss://).
//
// A Conn reports a locally closed connection, or a close frame from the peer
// with any code, as an error wrapping ErrClosed. Any other read error,
// including a connection dropped without a close frame, is a transport
// failure.
package transport
