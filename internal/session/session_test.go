// ABOUTME: Tests for the single-connection session state machine.
// ABOUTME: Drives the session through an in-memory pipe acting as the agent endpoint.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/protocol"
	"github.com/2389/coven-chat/internal/transport"
)

const testEndpoint = "ws://agent.test/ws"

func newTestSession(t *testing.T) (*Session, *transport.MemDialer) {
	t.Helper()
	dialer := transport.NewMemDialer()
	s := New(Options{
		Dialer:  dialer,
		Builder: protocol.NewBuilder(protocol.NewIDCounter(), protocol.ClientInfo{Mode: "test", ID: "client-1"}),
	})
	t.Cleanup(s.Close)
	return s, dialer
}

func recvRequest(t *testing.T, p *transport.Pipe) *protocol.Request {
	t.Helper()
	select {
	case data := <-p.Sent():
		f, err := protocol.Decode(data)
		require.NoError(t, err)
		req, ok := f.(*protocol.Request)
		require.True(t, ok, "expected request, got %T", f)
		return req
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for request")
		return nil
	}
}

func push(t *testing.T, p *transport.Pipe, f protocol.Frame) {
	t.Helper()
	data, err := protocol.Encode(f)
	require.NoError(t, err)
	p.Push(data)
}

func chatEvent(runID, state, text string) *protocol.Event {
	payload := protocol.ChatEvent{RunID: runID, SessionKey: "main", State: state}
	if text != "" {
		payload.Message = &protocol.ChatMessage{
			Role:    "assistant",
			Content: protocol.Content{{Type: "text", Text: text}},
		}
	}
	return protocol.NewEvent(protocol.EventChat, payload)
}

func waitFor(t *testing.T, s *Session, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return cond(s.Snapshot()) }, time.Second, 5*time.Millisecond)
	return s.Snapshot()
}

// connect performs a full handshake and answers the priming queries with
// empty payloads.
func connect(t *testing.T, s *Session, dialer *transport.MemDialer) *transport.Pipe {
	t.Helper()
	require.NoError(t, s.Connect(context.Background(), testEndpoint, "tok", "main"))
	p := dialer.Last(testEndpoint)
	require.NotNil(t, p)

	req := recvRequest(t, p)
	require.Equal(t, protocol.MethodConnect, req.Method)
	push(t, p, protocol.NewOKResponse(req.ID, nil))

	hist := recvRequest(t, p)
	list := recvRequest(t, p)
	push(t, p, protocol.NewOKResponse(hist.ID, protocol.HistoryPayload{}))
	push(t, p, protocol.NewOKResponse(list.ID, protocol.SessionListPayload{}))

	waitFor(t, s, func(sn Snapshot) bool { return sn.State == chat.Connected })
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.rec.historyID == "" && s.rec.listID == ""
	}, time.Second, 5*time.Millisecond, "priming responses not processed")
	return p
}

func TestSession_InitialState(t *testing.T) {
	s, _ := newTestSession(t)

	snap := s.Snapshot()
	assert.Equal(t, chat.Disconnected, snap.State)
	assert.Empty(t, snap.Messages)
	assert.False(t, s.SendMessage("hello"), "send must be a no-op while disconnected")
	assert.False(t, s.SwitchSession("other"))
}

func TestSession_HandshakeSuccessPrimesHistoryAndSessions(t *testing.T) {
	s, dialer := newTestSession(t)

	require.NoError(t, s.Connect(context.Background(), testEndpoint, "tok", "main"))
	assert.Equal(t, chat.Connecting, s.Snapshot().State)

	p := dialer.Last(testEndpoint)
	req := recvRequest(t, p)
	assert.Equal(t, protocol.MethodConnect, req.Method)
	assert.Equal(t, "1", req.ID)

	var params protocol.ConnectParams
	require.NoError(t, json.Unmarshal(req.Params, &params))
	assert.Equal(t, "tok", params.Auth.Token)
	assert.Equal(t, "client-1", params.Client.ID)

	p.Push([]byte(`{"kind":"res","id":"1","ok":true}`))

	hist := recvRequest(t, p)
	list := recvRequest(t, p)
	assert.Equal(t, protocol.MethodSessionHistory, hist.Method)
	assert.Equal(t, protocol.MethodSessionList, list.Method)
	assert.NotEqual(t, "1", hist.ID)
	assert.NotEqual(t, "1", list.ID)
	assert.NotEqual(t, hist.ID, list.ID)

	var hp protocol.SessionHistoryParams
	require.NoError(t, json.Unmarshal(hist.Params, &hp))
	assert.Equal(t, "main", hp.SessionKey)

	push(t, p, protocol.NewOKResponse(hist.ID, protocol.HistoryPayload{Messages: []protocol.ChatMessage{
		{Role: "user", Content: protocol.Content{{Type: "text", Text: "earlier question"}}, Timestamp: 1000},
		{Role: "system", Content: protocol.Content{{Type: "text", Text: "hidden"}}},
		{Role: "assistant", Content: protocol.Content{{Type: "image"}}},
		{Role: "assistant", Content: protocol.Content{{Type: "text", Text: "earlier answer"}}, Timestamp: 2000},
	}}))
	push(t, p, protocol.NewOKResponse(list.ID, protocol.SessionListPayload{Sessions: []protocol.SessionInfo{
		{Key: "main"}, {Key: "side", Label: "Side thread"},
	}}))

	snap := waitFor(t, s, func(sn Snapshot) bool { return len(sn.Sessions) == 2 && len(sn.Messages) == 2 })
	assert.Equal(t, chat.Connected, snap.State)
	assert.Equal(t, "earlier question", snap.Messages[0].Text)
	assert.Equal(t, chat.RoleAssistant, snap.Messages[1].Role)
	assert.Equal(t, "side", snap.Sessions[1].Key)
}

func TestSession_HandshakeRejected(t *testing.T) {
	s, dialer := newTestSession(t)

	require.NoError(t, s.Connect(context.Background(), testEndpoint, "bad", "main"))
	p := dialer.Last(testEndpoint)
	req := recvRequest(t, p)

	push(t, p, protocol.NewErrorResponse(req.ID, "UNAUTHORIZED", "invalid token"))

	snap := waitFor(t, s, func(sn Snapshot) bool { return sn.State == chat.Error })
	assert.Equal(t, "invalid token", snap.Error)
	assert.True(t, p.IsClosed())
	assert.False(t, s.SendMessage("hello"))
}

func TestSession_HandshakeRejectedWithoutMessageUsesFallback(t *testing.T) {
	s, dialer := newTestSession(t)

	require.NoError(t, s.Connect(context.Background(), testEndpoint, "bad", "main"))
	p := dialer.Last(testEndpoint)
	req := recvRequest(t, p)
	push(t, p, &protocol.Response{ID: req.ID, OK: false})

	snap := waitFor(t, s, func(sn Snapshot) bool { return sn.State == chat.Error })
	assert.Equal(t, chat.ErrTextRejected, snap.Error)
}

func TestSession_DialFailure(t *testing.T) {
	s, dialer := newTestSession(t)
	dialer.Refuse(testEndpoint, errors.New("connection refused"))

	err := s.Connect(context.Background(), testEndpoint, "tok", "main")
	require.Error(t, err)

	snap := s.Snapshot()
	assert.Equal(t, chat.Error, snap.State)
	assert.Equal(t, chat.ErrTextTransport, snap.Error)
}

func TestSession_SendMessage(t *testing.T) {
	s, dialer := newTestSession(t)
	p := connect(t, s, dialer)

	require.True(t, s.SendMessage("hello"))

	// The user message is visible before any network round trip.
	snap := s.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, chat.RoleUser, snap.Messages[0].Role)
	assert.Equal(t, "hello", snap.Messages[0].Text)
	assert.True(t, snap.Processing)
	assert.Empty(t, snap.Streaming)

	req := recvRequest(t, p)
	assert.Equal(t, protocol.MethodChatSend, req.Method)
	var params protocol.ChatSendParams
	require.NoError(t, json.Unmarshal(req.Params, &params))
	assert.Equal(t, "hello", params.Message)
	assert.Equal(t, "main", params.SessionKey)
	assert.NotEmpty(t, params.IdempotencyKey)
}

func TestSession_BlankMessageIgnored(t *testing.T) {
	s, dialer := newTestSession(t)
	connect(t, s, dialer)

	assert.False(t, s.SendMessage("   "))
	assert.Empty(t, s.Snapshot().Messages)
}

func TestSession_StreamingDeltasAndFinal(t *testing.T) {
	s, dialer := newTestSession(t)
	p := connect(t, s, dialer)

	var (
		mu        sync.Mutex
		completed []string
	)
	s.OnResponseComplete(func(text string) {
		mu.Lock()
		defer mu.Unlock()
		completed = append(completed, text)
	})

	require.True(t, s.SendMessage("hi"))
	recvRequest(t, p)

	push(t, p, chatEvent("r1", protocol.ChatStateDelta, "Hel"))
	push(t, p, chatEvent("r1", protocol.ChatStateDelta, "lo"))

	waitFor(t, s, func(sn Snapshot) bool { return sn.Streaming == "Hello" })

	push(t, p, chatEvent("r1", protocol.ChatStateFinal, ""))

	snap := waitFor(t, s, func(sn Snapshot) bool { return !sn.Processing })
	assert.Empty(t, snap.Streaming)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, chat.RoleAssistant, snap.Messages[1].Role)
	assert.Equal(t, "Hello", snap.Messages[1].Text)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(completed) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"Hello"}, completed)
	mu.Unlock()
}

func TestSession_NewRunDiscardsUnflushedText(t *testing.T) {
	s, dialer := newTestSession(t)
	p := connect(t, s, dialer)

	push(t, p, chatEvent("r1", protocol.ChatStateDelta, "old partial"))
	waitFor(t, s, func(sn Snapshot) bool { return sn.Streaming == "old partial" })

	push(t, p, chatEvent("r2", protocol.ChatStateDelta, "new"))
	waitFor(t, s, func(sn Snapshot) bool { return sn.Streaming == "new" })

	push(t, p, chatEvent("r2", protocol.ChatStateFinal, ""))
	snap := waitFor(t, s, func(sn Snapshot) bool { return len(sn.Messages) == 1 })
	assert.Equal(t, "new", snap.Messages[0].Text)
}

func TestSession_RunErrorDiscardsPartial(t *testing.T) {
	s, dialer := newTestSession(t)
	p := connect(t, s, dialer)

	called := make(chan string, 1)
	s.OnResponseComplete(func(text string) { called <- text })

	require.True(t, s.SendMessage("hi"))
	recvRequest(t, p)
	push(t, p, chatEvent("r1", protocol.ChatStateDelta, "partial"))
	push(t, p, chatEvent("r1", protocol.ChatStateError, ""))

	snap := waitFor(t, s, func(sn Snapshot) bool { return !sn.Processing })
	assert.Empty(t, snap.Streaming)
	assert.Equal(t, chat.ErrTextAgent, snap.LastError)
	assert.Len(t, snap.Messages, 1, "only the user message")
	assert.Equal(t, chat.Connected, snap.State)

	select {
	case text := <-called:
		t.Fatalf("completion callback fired for failed run: %q", text)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSession_RepeatedFinalIgnored(t *testing.T) {
	s, dialer := newTestSession(t)
	p := connect(t, s, dialer)

	push(t, p, chatEvent("r1", protocol.ChatStateFinal, "answer"))
	waitFor(t, s, func(sn Snapshot) bool { return len(sn.Messages) == 1 })

	// A new run streams, then the old final is redelivered.
	push(t, p, chatEvent("r2", protocol.ChatStateDelta, "next"))
	push(t, p, chatEvent("r1", protocol.ChatStateFinal, "answer"))
	push(t, p, chatEvent("r2", protocol.ChatStateDelta, " one"))

	snap := waitFor(t, s, func(sn Snapshot) bool { return sn.Streaming == "next one" })
	assert.Len(t, snap.Messages, 1)
}

func TestSession_MalformedFramesDropped(t *testing.T) {
	s, dialer := newTestSession(t)
	p := connect(t, s, dialer)
	before := s.Snapshot()

	p.Push([]byte(`not json`))
	p.Push([]byte(`{"kind":"mystery"}`))
	push(t, p, protocol.NewEvent(protocol.EventChat, json.RawMessage(`"not an object"`)))
	push(t, p, chatEvent("r1", protocol.ChatStateDelta, "still alive"))

	snap := waitFor(t, s, func(sn Snapshot) bool { return sn.Streaming == "still alive" })
	assert.Equal(t, chat.Connected, snap.State)
	assert.Equal(t, before.Messages, snap.Messages)
}

func TestSession_SwitchSession(t *testing.T) {
	s, dialer := newTestSession(t)
	p := connect(t, s, dialer)

	require.True(t, s.SendMessage("in main"))
	recvRequest(t, p)

	require.True(t, s.SwitchSession("side"))
	snap := s.Snapshot()
	assert.Empty(t, snap.Messages)
	assert.Equal(t, "side", snap.SessionKey)

	hist := recvRequest(t, p)
	assert.Equal(t, protocol.MethodSessionHistory, hist.Method)
	var hp protocol.SessionHistoryParams
	require.NoError(t, json.Unmarshal(hist.Params, &hp))
	assert.Equal(t, "side", hp.SessionKey)

	push(t, p, protocol.NewOKResponse(hist.ID, protocol.HistoryPayload{Messages: []protocol.ChatMessage{
		{Role: "user", Content: protocol.Content{{Type: "text", Text: "side question"}}},
	}}))
	waitFor(t, s, func(sn Snapshot) bool { return len(sn.Messages) == 1 })

	require.True(t, s.SendMessage("in side"))
	req := recvRequest(t, p)
	var params protocol.ChatSendParams
	require.NoError(t, json.Unmarshal(req.Params, &params))
	assert.Equal(t, "side", params.SessionKey)
}

func TestSession_DisconnectOrphansPendingResponses(t *testing.T) {
	s, dialer := newTestSession(t)
	require.NoError(t, s.Connect(context.Background(), testEndpoint, "tok", "main"))
	p := dialer.Last(testEndpoint)
	req := recvRequest(t, p)

	s.Disconnect()
	assert.Equal(t, chat.Disconnected, s.Snapshot().State)
	assert.True(t, p.IsClosed())

	// Even if the transport delivered it, the response no longer matches.
	push(t, p, protocol.NewOKResponse(req.ID, nil))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, chat.Disconnected, s.Snapshot().State)
}

func TestSession_TransportCloseAndError(t *testing.T) {
	t.Run("peer close", func(t *testing.T) {
		s, dialer := newTestSession(t)
		p := connect(t, s, dialer)

		p.Hangup()
		snap := waitFor(t, s, func(sn Snapshot) bool { return sn.State == chat.Disconnected })
		assert.Empty(t, snap.Error)
	})

	t.Run("transport error", func(t *testing.T) {
		s, dialer := newTestSession(t)
		p := connect(t, s, dialer)

		p.Fail(errors.New("connection reset"))
		snap := waitFor(t, s, func(sn Snapshot) bool { return sn.State == chat.Error })
		assert.Equal(t, chat.ErrTextTransport, snap.Error)
		assert.False(t, s.SendMessage("hello"))
	})
}

func TestSession_ReconnectReplacesTransport(t *testing.T) {
	s, dialer := newTestSession(t)
	first := connect(t, s, dialer)
	require.True(t, s.SendMessage("before"))
	recvRequest(t, first)

	require.NoError(t, s.Connect(context.Background(), testEndpoint, "tok", "main"))
	assert.True(t, first.IsClosed())
	assert.Empty(t, s.Snapshot().Messages, "connect resets the message list")
	assert.Equal(t, 2, dialer.Count(testEndpoint))

	second := dialer.Last(testEndpoint)
	req := recvRequest(t, second)
	push(t, second, protocol.NewOKResponse(req.ID, nil))
	waitFor(t, s, func(sn Snapshot) bool { return sn.State == chat.Connected })
}

func TestSession_SubscribeReceivesSnapshots(t *testing.T) {
	s, dialer := newTestSession(t)
	updates := s.Subscribe(t.Context())

	connect(t, s, dialer)

	var last Snapshot
	deadline := time.After(time.Second)
	for last.State != chat.Connected {
		select {
		case last = <-updates:
		case <-deadline:
			t.Fatal("no connected snapshot published")
		}
	}
	assert.Positive(t, last.Version)
}

func TestSession_FailedSendClearsProcessing(t *testing.T) {
	s, dialer := newTestSession(t)
	p := connect(t, s, dialer)

	require.True(t, s.SendMessage("hi"))
	req := recvRequest(t, p)
	push(t, p, protocol.NewErrorResponse(req.ID, "BUSY", "agent busy"))

	snap := waitFor(t, s, func(sn Snapshot) bool { return !sn.Processing })
	assert.Equal(t, "agent busy", snap.LastError)
	assert.Equal(t, chat.Connected, snap.State)
}
