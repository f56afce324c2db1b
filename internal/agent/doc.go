// Package agent multiplexes connections to several agents into one room.
//
// # Overview
//
// The Manager runs an independent connection per agent profile and presents
// a single merged view: one shared message timeline, plus per-agent status,
// streaming text and processing flags.
//
//	mgr := agent.NewManager(agent.Options{Dialer: d, Builder: b, Logger: logger})
//	for _, p := range profiles {
//	    mgr.ConnectAgent(ctx, p)
//	}
//	delivered := mgr.SendMessage("@alice summarize", profiles, "")
//
// Key operations:
//
//   - ConnectAgent(ctx, profile): dial and handshake, replacing a prior connection
//   - DisconnectAll(): close everything and forget all per-agent state
//   - SendMessage(text, targets, sessionKey): append and route a user message
//   - ClearMessages(): reset the timeline while agents stay connected
//   - Snapshot() / Subscribe(ctx): read the merged view
//
// # Mention Routing
//
// Outgoing text is scanned for "@token" mentions. With no mentions the
// message goes to every target. Otherwise it goes to each target whose
// lowercased, whitespace-free name contains a mention, or is contained in
// one:
//
//	"@Bob status?"   -> Bob only
//	"@ali and @bo"   -> Alice and Bob
//	"status, anyone" -> everyone
//
// # Request/Response Correlation
//
// Each agent Connection remembers the id of its handshake request and of
// every chat.send it issued. Responses are matched purely by id; a response
// whose id is not pending is logged and discarded.
//
// # Thread Safety
//
// A single mutex guards the agent map and every Connection in it. Transport
// callbacks take the mutex, mutate the owning Connection, and publish a
// RoomSnapshot before releasing it. Completion callbacks run after the mutex
// is released.
package agent
