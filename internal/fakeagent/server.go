// ABOUTME: In-process agent endpoint speaking the chat protocol over WebSocket.
// ABOUTME: Accepts the handshake, serves session history/list, echoes chat.send as a streamed run.

package fakeagent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-chat/internal/protocol"
	"github.com/2389/coven-chat/internal/transport"
)

// Error codes returned in failed responses.
const (
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeNotConnected  = "NOT_CONNECTED"
	CodeUnknownMethod = "UNKNOWN_METHOD"
	CodeInvalidParams = "INVALID_PARAMS"
)

// FailTrigger makes the agent end a run with an error event when a chat.send
// message contains it.
const FailTrigger = "/fail"

const defaultChunkWords = 3

// Options configures a Server.
type Options struct {
	// Name is reported in the handshake response and used in replies.
	Name string
	// Token, when set, must match the token presented in connect.
	Token string
	// Delay is the pause between streamed deltas.
	Delay time.Duration
	// ChunkWords is how many words each delta carries.
	ChunkWords int
	Logger     *slog.Logger
}

// Server is an http.Handler that upgrades every request to a WebSocket and
// serves one client on it. Conversation history is shared by all clients.
type Server struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	history map[string][]protocol.ChatMessage
	updated map[string]int64
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.Name == "" {
		opts.Name = "Echo Agent"
	}
	if opts.ChunkWords <= 0 {
		opts.ChunkWords = defaultChunkWords
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		opts:   opts,
		logger: logger.With("component", "fake_agent", "name", opts.Name),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		history: make(map[string][]protocol.ChatMessage),
		updated: make(map[string]int64),
	}
}

// Seed replaces the stored history of sessionKey.
func (s *Server) Seed(sessionKey string, msgs ...protocol.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[sessionKey] = append([]protocol.ChatMessage(nil), msgs...)
	s.updated[sessionKey] = time.Now().UnixMilli()
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}
	conn := transport.NewWebSocketConn(ws)
	defer conn.Close()

	s.logger.Info("client connected", "remote", r.RemoteAddr)
	s.serve(conn)
	s.logger.Info("client disconnected", "remote", r.RemoteAddr)
}

type client struct {
	conn       transport.Conn
	handshaken bool
}

func (s *Server) serve(conn transport.Conn) {
	c := &client{conn: conn}
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			s.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		req, ok := frame.(*protocol.Request)
		if !ok {
			continue
		}
		if err := s.handleRequest(c, req); err != nil {
			s.logger.Debug("write failed", "method", req.Method, "error", err)
			return
		}
	}
}

func (s *Server) handleRequest(c *client, req *protocol.Request) error {
	if req.Method != protocol.MethodConnect && !c.handshaken {
		return s.send(c, protocol.NewErrorResponse(req.ID, CodeNotConnected, "connect first"))
	}

	switch req.Method {
	case protocol.MethodConnect:
		var params protocol.ConnectParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return s.send(c, protocol.NewErrorResponse(req.ID, CodeInvalidParams, err.Error()))
		}
		if s.opts.Token != "" && params.Auth.Token != s.opts.Token {
			s.logger.Warn("rejecting client with bad token", "client_id", params.Client.ID)
			return s.send(c, protocol.NewErrorResponse(req.ID, CodeUnauthorized, "invalid token"))
		}
		c.handshaken = true
		return s.send(c, protocol.NewOKResponse(req.ID, map[string]any{
			"protocol": protocol.ProtocolVersion,
			"agent":    s.opts.Name,
		}))

	case protocol.MethodSessionHistory:
		var params protocol.SessionHistoryParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return s.send(c, protocol.NewErrorResponse(req.ID, CodeInvalidParams, err.Error()))
		}
		return s.send(c, protocol.NewOKResponse(req.ID, protocol.HistoryPayload{
			Messages: s.historyOf(params.SessionKey),
		}))

	case protocol.MethodSessionList:
		return s.send(c, protocol.NewOKResponse(req.ID, protocol.SessionListPayload{
			Sessions: s.sessions(),
		}))

	case protocol.MethodChatSend:
		var params protocol.ChatSendParams
		if err := json.Unmarshal(req.Params, &params); err != nil || strings.TrimSpace(params.Message) == "" {
			return s.send(c, protocol.NewErrorResponse(req.ID, CodeInvalidParams, "message is required"))
		}
		runID := uuid.NewString()
		if err := s.send(c, protocol.NewOKResponse(req.ID, map[string]string{"runId": runID})); err != nil {
			return err
		}
		return s.run(c, runID, params)

	default:
		return s.send(c, protocol.NewErrorResponse(req.ID, CodeUnknownMethod, fmt.Sprintf("unknown method %q", req.Method)))
	}
}

// run streams the reply to one chat.send as deltas followed by a final event.
func (s *Server) run(c *client, runID string, params protocol.ChatSendParams) error {
	s.record(params.SessionKey, "user", params.Message)

	if strings.Contains(params.Message, FailTrigger) {
		s.logger.Info("failing run on request", "run_id", runID)
		return s.send(c, chatEvent(runID, params.SessionKey, 0, protocol.ChatStateError, ""))
	}

	reply := EchoReply(s.opts.Name, params.Message)
	var seq int64
	for _, chunk := range Chunks(reply, s.opts.ChunkWords) {
		if err := s.send(c, chatEvent(runID, params.SessionKey, seq, protocol.ChatStateDelta, chunk)); err != nil {
			return err
		}
		seq++
		if s.opts.Delay > 0 {
			time.Sleep(s.opts.Delay)
		}
	}

	s.record(params.SessionKey, "assistant", reply)
	// The final event carries no message; clients fall back to the streamed text.
	return s.send(c, chatEvent(runID, params.SessionKey, seq, protocol.ChatStateFinal, ""))
}

func (s *Server) send(c *client, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(data)
}

func (s *Server) record(sessionKey, role, text string) {
	now := time.Now().UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[sessionKey] = append(s.history[sessionKey], protocol.ChatMessage{
		Role:      role,
		Content:   protocol.Content{{Type: "text", Text: text}},
		Timestamp: now,
	})
	s.updated[sessionKey] = now
}

func (s *Server) historyOf(sessionKey string) []protocol.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.ChatMessage{}, s.history[sessionKey]...)
}

func (s *Server) sessions() []protocol.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]protocol.SessionInfo, 0, len(s.updated))
	for key, at := range s.updated {
		out = append(out, protocol.SessionInfo{Key: key, Label: key, UpdatedAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func chatEvent(runID, sessionKey string, seq int64, state, text string) *protocol.Event {
	payload := protocol.ChatEvent{
		RunID:      runID,
		SessionKey: sessionKey,
		Seq:        seq,
		State:      state,
	}
	if text != "" {
		payload.Message = &protocol.ChatMessage{
			Role:      "assistant",
			Content:   protocol.Content{{Type: "text", Text: text}},
			Timestamp: time.Now().UnixMilli(),
		}
	}
	return protocol.NewEvent(protocol.EventChat, payload)
}
