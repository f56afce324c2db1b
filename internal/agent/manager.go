// ABOUTME: Runs one connection per agent and merges their output into a single room view.
// ABOUTME: Routes outgoing messages by @-mention; one mutex guards every agent record.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/protocol"
	"github.com/2389/coven-chat/internal/transport"
)

// ErrSuperseded is returned by ConnectAgent when the agent was reconnected or
// disconnected while its transport was being dialed.
var ErrSuperseded = errors.New("connect superseded")

// Options configures a Manager.
type Options struct {
	Dialer  transport.Dialer
	Builder *protocol.Builder
	Logger  *slog.Logger
}

// AgentStatus is the externally visible state of one agent connection.
type AgentStatus struct {
	Name      string
	State     chat.State
	Error     string // connection-level error
	LastError string // generic error of the agent's last failed run
}

// RoomSnapshot is the merged view over every agent connection.
type RoomSnapshot struct {
	Messages   []chat.Message
	Statuses   map[string]AgentStatus
	Streaming  map[string]string // agent id -> partial reply, only while streaming
	Processing map[string]bool   // agent ids awaiting a reply
	Version    uint64
}

// Manager coordinates the connections to every agent in a room.
type Manager struct {
	dialer  transport.Dialer
	builder *protocol.Builder
	logger  *slog.Logger

	mu         sync.Mutex
	agents     map[string]*Connection
	messages   []chat.Message
	version    uint64
	onComplete func(agentID, text string)
	updates    *conversation.Broadcaster[RoomSnapshot]
}

// NewManager creates a Manager with no agents.
func NewManager(opts Options) *Manager {
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
	return &Manager{
		dialer:  dialer,
		builder: builder,
		logger:  logger.With("component", "agent_manager"),
		agents:  make(map[string]*Connection),
		updates: conversation.NewBroadcaster[RoomSnapshot](logger),
	}
}

// ConnectAgent opens a connection to profile.EndpointURL, replacing any
// earlier connection for the same agent id. The handshake completes
// asynchronously and is reflected in the agent's status.
func (m *Manager) ConnectAgent(ctx context.Context, profile chat.Profile) error {
	if profile.ID == "" {
		return fmt.Errorf("agent id is required")
	}

	agent := newConnection(profile)

	m.mu.Lock()
	old := m.agents[profile.ID]
	var oldConn transport.Conn
	if old != nil {
		oldConn = old.conn
		old.drop()
	}
	m.agents[profile.ID] = agent
	m.publishLocked()
	m.mu.Unlock()

	if oldConn != nil {
		oldConn.Close()
	}

	m.logger.Info("connecting agent",
		"agent_id", profile.ID,
		"name", profile.Name,
		"endpoint", profile.EndpointURL,
	)

	conn, err := m.dialer.Dial(ctx, profile.EndpointURL)

	m.mu.Lock()
	if m.agents[profile.ID] != agent {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		if err != nil {
			return fmt.Errorf("connecting agent %s: %w", profile.ID, err)
		}
		return ErrSuperseded
	}
	if err != nil {
		agent.state = chat.Error
		agent.err = chat.ErrTextTransport
		m.publishLocked()
		m.mu.Unlock()
		m.logger.Warn("agent dial failed", "agent_id", profile.ID, "error", err)
		return fmt.Errorf("connecting agent %s: %w", profile.ID, err)
	}
	agent.conn = conn
	req := m.builder.Connect(profile.AuthToken)
	agent.handshakeID = req.ID
	m.mu.Unlock()

	go m.readLoop(agent, conn)
	m.write(agent, conn, req)
	return nil
}

// DisconnectAll closes every agent connection and forgets all per-agent state.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	conns := make([]transport.Conn, 0, len(m.agents))
	for _, agent := range m.agents {
		if agent.conn != nil {
			conns = append(conns, agent.conn)
		}
		agent.drop()
	}
	count := len(m.agents)
	m.agents = make(map[string]*Connection)
	m.publishLocked()
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	m.logger.Info("disconnected all agents", "total_agents", count)
}

// Close disconnects every agent and closes all subscription channels.
func (m *Manager) Close() {
	m.DisconnectAll()
	m.updates.Close()
}

// SendMessage appends one user message to the room and sends it to the
// agents selected by Route. Agents that are not connected are skipped. An
// empty sessionKey falls back to each agent profile's own key. It returns
// the ids of the agents the message was sent to.
func (m *Manager) SendMessage(text string, targets []chat.Profile, sessionKey string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	type outbound struct {
		agent *Connection
		conn  transport.Conn
		req   *protocol.Request
	}

	routed := Route(text, targets)

	m.mu.Lock()
	m.messages = append(m.messages, chat.Message{
		Role:      chat.RoleUser,
		Text:      text,
		Timestamp: time.Now(),
	})

	var (
		sends []outbound
		ids   []string
	)
	for _, p := range routed {
		agent, ok := m.agents[p.ID]
		if !ok || agent.state != chat.Connected || agent.conn == nil {
			m.logger.Debug("skipping agent that is not connected", "agent_id", p.ID)
			continue
		}
		key := sessionKey
		if key == "" {
			key = agent.Profile.SessionKey
		}
		agent.resetRun()
		agent.processing = true
		agent.runErr = ""
		req := m.builder.ChatSend(text, key)
		agent.sends[req.ID] = struct{}{}
		sends = append(sends, outbound{agent: agent, conn: agent.conn, req: req})
		ids = append(ids, p.ID)
	}
	m.publishLocked()
	m.mu.Unlock()

	for _, s := range sends {
		m.write(s.agent, s.conn, s.req)
	}

	m.logger.Debug("message routed",
		"mentions", ParseMentions(text),
		"targets", len(targets),
		"delivered", ids,
	)
	return ids
}

// ClearMessages empties the room timeline and every agent's streaming and
// processing state. Connections stay open.
func (m *Manager) ClearMessages() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages = nil
	for _, agent := range m.agents {
		agent.resetRun()
	}
	m.publishLocked()
}

// OnResponseComplete registers the callback invoked with the agent id and
// final text of every successfully completed run.
func (m *Manager) OnResponseComplete(fn func(agentID, text string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onComplete = fn
}

// Snapshot returns a copy of the room state.
func (m *Manager) Snapshot() RoomSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Subscribe returns a channel receiving a RoomSnapshot after every change.
func (m *Manager) Subscribe(ctx context.Context) <-chan RoomSnapshot {
	ch, _ := m.updates.Subscribe(ctx)
	return ch
}

// Status returns the status of one agent.
func (m *Manager) Status(agentID string) (AgentStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, ok := m.agents[agentID]
	if !ok {
		return AgentStatus{}, false
	}
	return agent.status(), true
}

// IsOnline reports whether the agent has completed its handshake.
func (m *Manager) IsOnline(agentID string) bool {
	st, ok := m.Status(agentID)
	return ok && st.State == chat.Connected
}

func (m *Manager) readLoop(agent *Connection, conn transport.Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleTransportError(agent, conn, err)
			return
		}
		m.handleMessage(agent, conn, data)
	}
}

func (m *Manager) handleMessage(agent *Connection, conn transport.Conn, data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		m.logger.Debug("dropping malformed frame", "agent_id", agent.Profile.ID, "error", err)
		return
	}

	m.mu.Lock()
	if m.staleLocked(agent, conn) {
		m.mu.Unlock()
		return
	}

	var (
		final     string
		completed bool
	)
	switch f := frame.(type) {
	case *protocol.Response:
		m.handleResponseLocked(agent, f)
	case *protocol.Event:
		final, completed = m.handleEventLocked(agent, f)
	default:
		m.mu.Unlock()
		return
	}
	m.publishLocked()
	cb := m.onComplete
	m.mu.Unlock()

	if completed && cb != nil {
		cb(agent.Profile.ID, final)
	}
}

func (m *Manager) handleResponseLocked(agent *Connection, res *protocol.Response) {
	switch {
	case res.ID == "":
		return

	case res.ID == agent.handshakeID:
		agent.handshakeID = ""
		if !res.OK {
			agent.state = chat.Error
			agent.err = rejectionText(res.Error, chat.ErrTextRejected)
			m.logger.Warn("agent handshake rejected", "agent_id", agent.Profile.ID, "error", agent.err)
			agent.conn.Close()
			agent.drop()
			return
		}
		agent.state = chat.Connected
		agent.err = ""
		m.logger.Info("=== AGENT CONNECTED ===",
			"agent_id", agent.Profile.ID,
			"name", agent.Profile.Name,
			"total_agents", len(m.agents),
		)

	default:
		if _, ok := agent.sends[res.ID]; ok {
			delete(agent.sends, res.ID)
			if !res.OK {
				agent.processing = false
				agent.streaming = ""
				agent.runErr = rejectionText(res.Error, chat.ErrTextAgent)
			}
			return
		}
		m.logger.Debug("response for unknown request", "agent_id", agent.Profile.ID, "id", res.ID)
	}
}

func (m *Manager) handleEventLocked(agent *Connection, ev *protocol.Event) (string, bool) {
	if ev.Event != protocol.EventChat {
		return "", false
	}
	payload, err := protocol.DecodeChatEvent(ev.Payload)
	if err != nil {
		m.logger.Debug("dropping malformed chat event", "agent_id", agent.Profile.ID, "error", err)
		return "", false
	}

	if payload.State == protocol.ChatStateFinal && payload.RunID != "" && agent.completed.Seen(payload.RunID) {
		return "", false
	}

	u := agent.acc.Apply(payload)
	switch u.Outcome {
	case chat.OutcomeDelta:
		agent.streaming = u.Text
		agent.runErr = ""

	case chat.OutcomeFinal:
		agent.processing = false
		agent.streaming = ""
		if u.RunID != "" {
			agent.completed.CheckAndMark(u.RunID)
		}
		if u.Text == "" {
			return "", false
		}
		m.messages = append(m.messages, chat.Message{
			Role:      chat.RoleAssistant,
			Text:      u.Text,
			Timestamp: time.Now(),
			AgentID:   agent.Profile.ID,
			AgentName: agent.Profile.Name,
		})
		return u.Text, true

	case chat.OutcomeError:
		agent.processing = false
		agent.streaming = ""
		agent.runErr = chat.ErrTextAgent
		m.logger.Warn("agent run failed", "agent_id", agent.Profile.ID, "run_id", u.RunID)
	}
	return "", false
}

func (m *Manager) handleTransportError(agent *Connection, conn transport.Conn, err error) {
	m.mu.Lock()
	if m.staleLocked(agent, conn) {
		m.mu.Unlock()
		return
	}
	agent.drop()
	if errors.Is(err, transport.ErrClosed) {
		agent.state = chat.Disconnected
		agent.err = ""
		m.logger.Info("=== AGENT DISCONNECTED ===", "agent_id", agent.Profile.ID, "name", agent.Profile.Name)
	} else {
		agent.state = chat.Error
		agent.err = chat.ErrTextTransport
		m.logger.Warn("agent connection failed", "agent_id", agent.Profile.ID, "error", err)
	}
	m.publishLocked()
	m.mu.Unlock()

	conn.Close()
}

func (m *Manager) write(agent *Connection, conn transport.Conn, req *protocol.Request) {
	data, err := protocol.Encode(req)
	if err == nil {
		err = conn.WriteMessage(data)
	}
	if err != nil {
		m.logger.Warn("write failed",
			"agent_id", agent.Profile.ID,
			"method", req.Method,
			"id", req.ID,
			"error", err,
		)
		m.handleTransportError(agent, conn, err)
	}
}

// staleLocked reports whether a callback belongs to a replaced record or a
// closed transport.
func (m *Manager) staleLocked(agent *Connection, conn transport.Conn) bool {
	return m.agents[agent.Profile.ID] != agent || agent.conn != conn
}

func (m *Manager) publishLocked() {
	m.version++
	m.updates.Publish(m.snapshotLocked())
}

func (m *Manager) snapshotLocked() RoomSnapshot {
	snap := RoomSnapshot{
		Messages:   append([]chat.Message(nil), m.messages...),
		Statuses:   make(map[string]AgentStatus, len(m.agents)),
		Streaming:  make(map[string]string),
		Processing: make(map[string]bool),
		Version:    m.version,
	}
	for id, agent := range m.agents {
		snap.Statuses[id] = agent.status()
		if agent.streaming != "" {
			snap.Streaming[id] = agent.streaming
		}
		if agent.processing {
			snap.Processing[id] = true
		}
	}
	return snap
}

func rejectionText(shape *protocol.ErrorShape, fallback string) string {
	if shape != nil && shape.Message != "" {
		return shape.Message
	}
	return fallback
}
