// ABOUTME: Domain types shared by the single session and the multi-agent manager.
// ABOUTME: Connection state, chat messages, agent profiles.

package chat

import (
	"time"

	"github.com/2389/coven-chat/internal/protocol"
)

// State is the lifecycle state of one connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Role is the author side of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Generic error strings surfaced in snapshots.
const (
	ErrTextRejected  = "connection rejected"
	ErrTextTransport = "connection error"
	ErrTextAgent     = "agent error"
)

// Message is one entry of a conversation log. Messages are appended, never mutated.
type Message struct {
	Role      Role
	Text      string
	Timestamp time.Time
	AgentID   string // set on assistant messages in a multi-agent room
	AgentName string
}

// Profile holds the connection parameters for one agent. Profiles are owned by
// the caller; this package only reads them.
type Profile struct {
	ID          string `yaml:"id" toml:"id"`
	Name        string `yaml:"name" toml:"name"`
	EndpointURL string `yaml:"endpoint_url" toml:"endpoint_url"`
	AuthToken   string `yaml:"auth_token" toml:"auth_token"`
	SessionKey  string `yaml:"session_key" toml:"session_key"`
}

// HistoryMessages converts a session.history payload into displayable
// messages, keeping only user and assistant entries that carry text.
func HistoryMessages(msgs []protocol.ChatMessage, now time.Time) []Message {
	out := make([]Message, 0, len(msgs))
	for i := range msgs {
		role := Role(msgs[i].Role)
		if role != RoleUser && role != RoleAssistant {
			continue
		}
		text := protocol.ExtractText(&msgs[i])
		if text == "" {
			continue
		}
		ts := now
		if msgs[i].Timestamp > 0 {
			ts = time.UnixMilli(msgs[i].Timestamp)
		}
		out = append(out, Message{Role: role, Text: text, Timestamp: ts})
	}
	return out
}
