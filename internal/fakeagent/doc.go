// Package fakeagent provides a WebSocket agent endpoint for tests and demos.
//
// The Server speaks the same frames as a real agent gateway: it answers the
// connect handshake (optionally checking a bearer token), returns stored
// history for session.history, lists known sessions for session.list, and
// answers chat.send with a streamed run of delta events followed by a final
// event. A message containing FailTrigger ends its run with an error event.
//
//	srv := httptest.NewServer(fakeagent.New(fakeagent.Options{Name: "Echo", Token: "secret"}))
//	defer srv.Close()
package fakeagent
