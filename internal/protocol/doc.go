// Package protocol defines the JSON frame schema spoken with agent endpoints.
//
// # Frames
//
// Every WebSocket text message carries exactly one frame. The "kind" field
// discriminates between the three shapes:
//
//	{"kind":"req",   "method":"chat.send", "id":"7", "params":{...}}
//	{"kind":"res",   "id":"7", "ok":true, "payload":{...}}
//	{"kind":"event", "event":"chat", "payload":{...}}
//
// Requests carry an id taken from an IDCounter. Responses repeat the id of the
// request they answer, and consumers correlate purely on that id.
//
// # Builders
//
// A Builder owns the client identity and an injected IDCounter:
//
//	ids := protocol.NewIDCounter()
//	b := protocol.NewBuilder(ids, protocol.ClientInfo{Mode: "cli", ID: "..."})
//	req := b.ChatSend("hello", "main")
//
// Share one IDCounter between every Builder in a process so that ids never
// repeat across concurrently open connections.
//
// # Chat events
//
// The "chat" event streams a run (one agent reply) as zero or more "delta"
// payloads followed by one "final" or "error" payload. ExtractText pulls the
// text parts out of a payload message.
package protocol
