// ABOUTME: Typed payloads for connect, chat.send, session.* requests and chat events.
// ABOUTME: ExtractText concatenates the text parts of a chat message.

package protocol

import (
	"encoding/json"
	"strings"
)

// Run states carried in a ChatEvent.
const (
	ChatStateDelta = "delta"
	ChatStateFinal = "final"
	ChatStateError = "error"
)

// ClientInfo identifies this client in the connect handshake.
type ClientInfo struct {
	Mode        string `json:"mode"`
	Platform    string `json:"platform"`
	Version     string `json:"version"`
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// ConnectAuth carries the bearer token for the handshake.
type ConnectAuth struct {
	Token string `json:"token"`
}

// ConnectParams are the params of a connect request.
type ConnectParams struct {
	Client      ClientInfo  `json:"client"`
	Auth        ConnectAuth `json:"auth"`
	MinProtocol int         `json:"minProtocol"`
	MaxProtocol int         `json:"maxProtocol"`
}

// ChatSendParams are the params of a chat.send request.
type ChatSendParams struct {
	Message        string `json:"message"`
	SessionKey     string `json:"sessionKey"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// SessionHistoryParams are the params of a session.history request.
type SessionHistoryParams struct {
	SessionKey string `json:"sessionKey"`
}

// ChatEvent is the payload of a "chat" event.
type ChatEvent struct {
	RunID      string       `json:"runId"`
	SessionKey string       `json:"sessionKey"`
	Seq        int64        `json:"seq"`
	State      string       `json:"state"`
	Message    *ChatMessage `json:"message,omitempty"`
}

// ChatMessage is a message as the endpoint represents it.
type ChatMessage struct {
	Role      string  `json:"role"`
	Content   Content `json:"content"`
	Timestamp int64   `json:"timestamp"`
}

// ContentPart is one element of a message's content.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Content is the ordered list of content parts. Some endpoints send a bare
// string instead of a list; it decodes as a single text part.
type Content []ContentPart

// UnmarshalJSON accepts either a list of parts or a plain string.
func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Content{{Type: "text", Text: s}}
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	*c = parts
	return nil
}

// HistoryPayload is the payload of a session.history response.
type HistoryPayload struct {
	Messages []ChatMessage `json:"messages"`
}

// SessionInfo describes one session in the catalog.
type SessionInfo struct {
	Key       string `json:"key"`
	Label     string `json:"label,omitempty"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
}

// SessionListPayload is the payload of a session.list response.
type SessionListPayload struct {
	Sessions []SessionInfo `json:"sessions"`
}

// ExtractText concatenates every text part of msg in order. It returns "" for
// a nil message or one without text parts.
func ExtractText(msg *ChatMessage) string {
	if msg == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range msg.Content {
		if part.Type == "text" {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// DecodeChatEvent parses the payload of a chat event.
func DecodeChatEvent(payload json.RawMessage) (*ChatEvent, error) {
	var ev ChatEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
