// Package session implements the client side of one agent connection.
//
// # Lifecycle
//
//	s := session.New(session.Options{Dialer: d, Builder: b, Logger: logger})
//	err := s.Connect(ctx, "wss://agent.example/ws", token, "main")
//
// Connect moves the session to Connecting, dials, and sends the connect
// request. The matching response moves it to Connected (after which
// session.history and session.list are fetched) or to Error. A transport
// close moves it to Disconnected. Nothing reconnects automatically.
//
// # State ownership
//
// All mutable state lives in one record guarded by a mutex. Every transport
// callback mutates that record and then publishes a Snapshot copy to
// subscribers; readers never modify state through a snapshot. Callbacks from
// a transport that has been replaced or closed are recognised by a
// generation counter and dropped.
//
// # Runs
//
// Chat events stream a run as deltas, accumulated into Snapshot.Streaming,
// and finish with a final event that appends an assistant message and fires
// the OnResponseComplete callback, or with an error event that discards the
// partial text.
package session
