// ABOUTME: Per-agent connection record owned by the Manager.
// ABOUTME: Holds the transport, pending request ids and the run accumulator for one agent.

package agent

import (
	"time"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/dedupe"
	"github.com/2389/coven-chat/internal/transport"
)

const (
	completedRunTTL  = 10 * time.Minute
	completedRunSize = 256
)

// Connection is the authoritative state of one agent's connection. Its fields
// are only read or written with Manager.mu held.
type Connection struct {
	Profile chat.Profile

	conn        transport.Conn
	state       chat.State
	err         string
	runErr      string
	handshakeID string
	sends       map[string]struct{}

	acc        chat.Accumulator
	streaming  string
	processing bool
	completed  *dedupe.Cache
}

func newConnection(profile chat.Profile) *Connection {
	return &Connection{
		Profile:   profile,
		state:     chat.Connecting,
		sends:     make(map[string]struct{}),
		completed: dedupe.New(completedRunTTL, completedRunSize),
	}
}

// resetRun clears the streaming state ahead of a new send or a room switch.
func (c *Connection) resetRun() {
	c.acc.Reset()
	c.streaming = ""
	c.processing = false
}

// drop forgets the transport and everything waiting on it.
func (c *Connection) drop() {
	c.conn = nil
	c.handshakeID = ""
	c.sends = make(map[string]struct{})
	c.resetRun()
}

func (c *Connection) status() AgentStatus {
	return AgentStatus{
		Name:      c.Profile.Name,
		State:     c.state,
		Error:     c.err,
		LastError: c.runErr,
	}
}
