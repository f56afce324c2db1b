// ABOUTME: Request builders with injected id counter and idempotency key generation.
// ABOUTME: One IDCounter per process keeps ids unique across concurrent connections.

package protocol

import (
	"math/rand/v2"
	"strconv"
	"sync/atomic"
	"time"
)

const (
	idempotencySuffixLen = 6
	base36Digits         = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// IDCounter hands out strictly increasing request ids. Safe for concurrent use.
type IDCounter struct {
	n atomic.Uint64
}

// NewIDCounter creates a counter whose first id is "1".
func NewIDCounter() *IDCounter {
	return &IDCounter{}
}

// Next returns a fresh id.
func (c *IDCounter) Next() string {
	return strconv.FormatUint(c.n.Add(1), 10)
}

// Builder constructs outgoing request frames.
type Builder struct {
	ids    *IDCounter
	client ClientInfo
	now    func() time.Time
}

// NewBuilder creates a Builder. A nil counter gets a private one, which is
// only appropriate when the builder is the sole source of ids.
func NewBuilder(ids *IDCounter, client ClientInfo) *Builder {
	if ids == nil {
		ids = NewIDCounter()
	}
	return &Builder{
		ids:    ids,
		client: client,
		now:    time.Now,
	}
}

// NextID returns a fresh request id.
func (b *Builder) NextID() string {
	return b.ids.Next()
}

// Connect builds the handshake request.
func (b *Builder) Connect(token string) *Request {
	return b.request(MethodConnect, ConnectParams{
		Client:      b.client,
		Auth:        ConnectAuth{Token: token},
		MinProtocol: ProtocolVersion,
		MaxProtocol: ProtocolVersion,
	})
}

// ChatSend builds a chat.send request with a fresh idempotency key.
func (b *Builder) ChatSend(message, sessionKey string) *Request {
	return b.request(MethodChatSend, ChatSendParams{
		Message:        message,
		SessionKey:     sessionKey,
		IdempotencyKey: IdempotencyKey(b.now()),
	})
}

// SessionHistory builds a session.history request.
func (b *Builder) SessionHistory(sessionKey string) *Request {
	return b.request(MethodSessionHistory, SessionHistoryParams{SessionKey: sessionKey})
}

// SessionList builds a session.list request.
func (b *Builder) SessionList() *Request {
	return b.request(MethodSessionList, struct{}{})
}

func (b *Builder) request(method string, params any) *Request {
	return &Request{
		Kind:   KindRequest,
		Method: method,
		ID:     b.ids.Next(),
		Params: rawJSON(params),
	}
}

// IdempotencyKey returns "<epoch-millis>-<6 random base36 chars>" so the
// endpoint can drop a retried send.
func IdempotencyKey(now time.Time) string {
	suffix := make([]byte, idempotencySuffixLen)
	for i := range suffix {
		suffix[i] = base36Digits[rand.IntN(len(base36Digits))]
	}
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + string(suffix)
}
