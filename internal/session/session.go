// ABOUTME: Single-connection client session: handshake, follow-up queries, run streaming.
// ABOUTME: Owns an authoritative record under a mutex and publishes snapshot copies.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/dedupe"
	"github.com/2389/coven-chat/internal/protocol"
	"github.com/2389/coven-chat/internal/transport"
)

const (
	completedRunTTL  = 10 * time.Minute
	completedRunSize = 256
)

// ErrSuperseded is returned by Connect when Disconnect or another Connect
// ran while the transport was being dialed.
var ErrSuperseded = errors.New("connect superseded")

// Options configures a Session.
type Options struct {
	Dialer  transport.Dialer
	Builder *protocol.Builder
	Logger  *slog.Logger
}

// Snapshot is the externally visible state of a Session.
type Snapshot struct {
	State      chat.State
	Error      string // connection-level error, set in State Error
	LastError  string // generic error of the last failed run
	Messages   []chat.Message
	Streaming  string
	Processing bool
	SessionKey string
	Sessions   []protocol.SessionInfo
	Version    uint64
}

// record is the authoritative state of the connection. It is only touched
// with Session.mu held.
type record struct {
	gen  uint64
	conn transport.Conn

	state  chat.State
	err    string
	runErr string

	connectID string
	historyID string
	listID    string
	sends     map[string]struct{}

	acc        chat.Accumulator
	messages   []chat.Message
	streaming  string
	processing bool
	sessionKey string
	sessions   []protocol.SessionInfo
}

// Session owns one duplex connection to an agent endpoint.
type Session struct {
	dialer  transport.Dialer
	builder *protocol.Builder
	logger  *slog.Logger

	mu         sync.Mutex
	rec        record
	version    uint64
	onComplete func(text string)
	completed  *dedupe.Cache
	updates    *conversation.Broadcaster[Snapshot]
}

// New creates a disconnected Session.
func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	builder := opts.Builder
	if builder == nil {
		builder = protocol.NewBuilder(nil, protocol.ClientInfo{})
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = transport.NewWebSocketDialer()
	}
	return &Session{
		dialer:    dialer,
		builder:   builder,
		logger:    logger.With("component", "session"),
		rec:       record{sends: make(map[string]struct{})},
		completed: dedupe.New(completedRunTTL, completedRunSize),
		updates:   conversation.NewBroadcaster[Snapshot](logger),
	}
}

// Connect closes any existing transport, resets the conversation view and
// opens a new connection. The handshake completes asynchronously; observe
// State through Snapshot or Subscribe. A dial failure leaves the session in
// State Error and is returned.
func (s *Session) Connect(ctx context.Context, endpoint, token, sessionKey string) error {
	s.mu.Lock()
	old := s.rec.conn
	s.rec.gen++
	gen := s.rec.gen
	s.rec.conn = nil
	s.resetPendingLocked()
	s.rec.acc.Reset()
	s.rec.state = chat.Connecting
	s.rec.err = ""
	s.rec.runErr = ""
	s.rec.messages = nil
	s.rec.streaming = ""
	s.rec.processing = false
	s.rec.sessionKey = sessionKey
	s.rec.sessions = nil
	s.completed.Reset()
	s.publishLocked()
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}

	s.logger.Info("connecting", "endpoint", endpoint, "session_key", sessionKey)

	conn, err := s.dialer.Dial(ctx, endpoint)
	if err != nil {
		s.mu.Lock()
		if s.rec.gen == gen {
			s.rec.state = chat.Error
			s.rec.err = chat.ErrTextTransport
			s.publishLocked()
		}
		s.mu.Unlock()
		s.logger.Warn("dial failed", "endpoint", endpoint, "error", err)
		return fmt.Errorf("connecting to %s: %w", endpoint, err)
	}

	s.mu.Lock()
	if s.rec.gen != gen {
		s.mu.Unlock()
		conn.Close()
		return ErrSuperseded
	}
	s.rec.conn = conn
	req := s.builder.Connect(token)
	s.rec.connectID = req.ID
	s.mu.Unlock()

	go s.readLoop(gen, conn)
	s.write(gen, conn, req)
	return nil
}

// Disconnect closes the transport immediately. Responses to requests still
// in flight are ignored from here on.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn := s.rec.conn
	s.rec.gen++
	s.dropConnLocked()
	s.rec.state = chat.Disconnected
	s.rec.err = ""
	s.publishLocked()
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
		s.logger.Info("disconnected")
	}
}

// Close disconnects and closes every subscription channel.
func (s *Session) Close() {
	s.Disconnect()
	s.updates.Close()
}

// SendMessage appends a user message and sends it with the current session
// key. It reports false, doing nothing, unless the session is connected.
func (s *Session) SendMessage(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}

	s.mu.Lock()
	if s.rec.state != chat.Connected || s.rec.conn == nil {
		s.mu.Unlock()
		return false
	}
	s.rec.messages = append(s.rec.messages, chat.Message{
		Role:      chat.RoleUser,
		Text:      text,
		Timestamp: time.Now(),
	})
	s.rec.processing = true
	s.rec.streaming = ""
	s.rec.runErr = ""
	s.rec.acc.Reset()
	req := s.builder.ChatSend(text, s.rec.sessionKey)
	s.rec.sends[req.ID] = struct{}{}
	gen, conn := s.rec.gen, s.rec.conn
	s.publishLocked()
	s.mu.Unlock()

	s.write(gen, conn, req)
	return true
}

// SwitchSession moves the conversation to another session key and fetches
// its history. It reports false, doing nothing, unless the session is connected.
func (s *Session) SwitchSession(key string) bool {
	s.mu.Lock()
	if s.rec.state != chat.Connected || s.rec.conn == nil {
		s.mu.Unlock()
		return false
	}
	s.rec.sessionKey = key
	s.rec.messages = nil
	s.rec.streaming = ""
	req := s.builder.SessionHistory(key)
	s.rec.historyID = req.ID
	gen, conn := s.rec.gen, s.rec.conn
	s.publishLocked()
	s.mu.Unlock()

	s.logger.Debug("switching session", "session_key", key)
	s.write(gen, conn, req)
	return true
}

// OnResponseComplete registers the callback invoked with the final text of
// every successfully completed run. It replaces any earlier callback.
func (s *Session) OnResponseComplete(fn func(text string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = fn
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe returns a channel receiving a Snapshot after every state change.
// The channel closes when ctx is done or the session is closed.
func (s *Session) Subscribe(ctx context.Context) <-chan Snapshot {
	ch, _ := s.updates.Subscribe(ctx)
	return ch
}

func (s *Session) readLoop(gen uint64, conn transport.Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.handleTransportError(gen, conn, err)
			return
		}
		s.handleMessage(gen, conn, data)
	}
}

func (s *Session) handleMessage(gen uint64, conn transport.Conn, data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		s.logger.Debug("dropping malformed frame", "error", err)
		return
	}

	s.mu.Lock()
	if s.stale(gen, conn) {
		s.mu.Unlock()
		return
	}

	var (
		followUps []*protocol.Request
		final     string
		completed bool
	)
	switch f := frame.(type) {
	case *protocol.Response:
		followUps = s.handleResponseLocked(f)
	case *protocol.Event:
		final, completed = s.handleEventLocked(f)
	default:
		s.mu.Unlock()
		return
	}
	s.publishLocked()
	cb := s.onComplete
	s.mu.Unlock()

	s.write(gen, conn, followUps...)
	if completed && cb != nil {
		cb(final)
	}
}

// handleResponseLocked correlates a response with the pending request ids.
// It returns requests to send once the lock is released.
func (s *Session) handleResponseLocked(res *protocol.Response) []*protocol.Request {
	switch {
	case res.ID == "":
		return nil

	case res.ID == s.rec.connectID:
		s.rec.connectID = ""
		if !res.OK {
			s.rec.state = chat.Error
			s.rec.err = rejectionText(res.Error)
			s.logger.Warn("handshake rejected", "error", s.rec.err)
			s.rec.conn.Close()
			s.dropConnLocked()
			return nil
		}
		s.rec.state = chat.Connected
		s.rec.err = ""
		s.logger.Info("connected", "session_key", s.rec.sessionKey)

		hist := s.builder.SessionHistory(s.rec.sessionKey)
		list := s.builder.SessionList()
		s.rec.historyID = hist.ID
		s.rec.listID = list.ID
		return []*protocol.Request{hist, list}

	case res.ID == s.rec.historyID:
		s.rec.historyID = ""
		var payload protocol.HistoryPayload
		if !decodePayload(res, &payload) {
			s.logger.Debug("ignoring session.history response", "ok", res.OK)
			return nil
		}
		s.rec.messages = chat.HistoryMessages(payload.Messages, time.Now())

	case res.ID == s.rec.listID:
		s.rec.listID = ""
		var payload protocol.SessionListPayload
		if !decodePayload(res, &payload) {
			s.logger.Debug("ignoring session.list response", "ok", res.OK)
			return nil
		}
		s.rec.sessions = payload.Sessions

	default:
		if _, ok := s.rec.sends[res.ID]; ok {
			delete(s.rec.sends, res.ID)
			if !res.OK {
				s.rec.processing = false
				s.rec.streaming = ""
				s.rec.runErr = rejectionTextOr(res.Error, chat.ErrTextAgent)
			}
			return nil
		}
		s.logger.Debug("response for unknown request", "id", res.ID)
	}
	return nil
}

// handleEventLocked applies a chat event. It returns the final text and true
// when a run completed with text.
func (s *Session) handleEventLocked(ev *protocol.Event) (string, bool) {
	if ev.Event != protocol.EventChat {
		return "", false
	}
	payload, err := protocol.DecodeChatEvent(ev.Payload)
	if err != nil {
		s.logger.Debug("dropping malformed chat event", "error", err)
		return "", false
	}

	if payload.State == protocol.ChatStateFinal && payload.RunID != "" && s.completed.Seen(payload.RunID) {
		s.logger.Debug("ignoring repeated final event", "run_id", payload.RunID)
		return "", false
	}

	u := s.rec.acc.Apply(payload)
	switch u.Outcome {
	case chat.OutcomeDelta:
		s.rec.streaming = u.Text
		s.rec.runErr = ""

	case chat.OutcomeFinal:
		s.rec.processing = false
		s.rec.streaming = ""
		if u.RunID != "" {
			s.completed.CheckAndMark(u.RunID)
		}
		if u.Text == "" {
			return "", false
		}
		s.rec.messages = append(s.rec.messages, chat.Message{
			Role:      chat.RoleAssistant,
			Text:      u.Text,
			Timestamp: time.Now(),
		})
		return u.Text, true

	case chat.OutcomeError:
		s.rec.processing = false
		s.rec.streaming = ""
		s.rec.runErr = chat.ErrTextAgent
		s.logger.Warn("agent run failed", "run_id", u.RunID)
	}
	return "", false
}

func (s *Session) handleTransportError(gen uint64, conn transport.Conn, err error) {
	s.mu.Lock()
	if s.stale(gen, conn) {
		s.mu.Unlock()
		return
	}
	s.dropConnLocked()
	if errors.Is(err, transport.ErrClosed) {
		s.rec.state = chat.Disconnected
		s.rec.err = ""
		s.logger.Info("connection closed")
	} else {
		s.rec.state = chat.Error
		s.rec.err = chat.ErrTextTransport
		s.logger.Warn("connection failed", "error", err)
	}
	s.publishLocked()
	s.mu.Unlock()

	conn.Close()
}

// write sends requests in order; the first failure is handled as a
// transport error for that connection.
func (s *Session) write(gen uint64, conn transport.Conn, reqs ...*protocol.Request) {
	for _, req := range reqs {
		data, err := protocol.Encode(req)
		if err == nil {
			err = conn.WriteMessage(data)
		}
		if err != nil {
			s.logger.Warn("write failed", "method", req.Method, "id", req.ID, "error", err)
			s.handleTransportError(gen, conn, err)
			return
		}
	}
}

// stale reports whether a callback belongs to a replaced or closed transport.
func (s *Session) stale(gen uint64, conn transport.Conn) bool {
	return s.rec.gen != gen || s.rec.conn != conn
}

// dropConnLocked forgets the transport together with everything that was
// waiting on it.
func (s *Session) dropConnLocked() {
	s.rec.conn = nil
	s.resetPendingLocked()
	s.rec.acc.Reset()
	s.rec.streaming = ""
	s.rec.processing = false
}

func (s *Session) resetPendingLocked() {
	s.rec.connectID = ""
	s.rec.historyID = ""
	s.rec.listID = ""
	s.rec.sends = make(map[string]struct{})
}

func (s *Session) publishLocked() {
	s.version++
	s.updates.Publish(s.snapshotLocked())
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		State:      s.rec.state,
		Error:      s.rec.err,
		LastError:  s.rec.runErr,
		Messages:   append([]chat.Message(nil), s.rec.messages...),
		Streaming:  s.rec.streaming,
		Processing: s.rec.processing,
		SessionKey: s.rec.sessionKey,
		Sessions:   append([]protocol.SessionInfo(nil), s.rec.sessions...),
		Version:    s.version,
	}
}

// decodePayload unmarshals an ok response payload into v.
func decodePayload(res *protocol.Response, v any) bool {
	if !res.OK || len(res.Payload) == 0 {
		return false
	}
	return json.Unmarshal(res.Payload, v) == nil
}

func rejectionText(shape *protocol.ErrorShape) string {
	return rejectionTextOr(shape, chat.ErrTextRejected)
}

func rejectionTextOr(shape *protocol.ErrorShape, fallback string) string {
	if shape != nil && shape.Message != "" {
		return shape.Message
	}
	return fallback
}
