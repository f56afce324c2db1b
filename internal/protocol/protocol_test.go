// ABOUTME: Tests for frame decoding, request builders and text extraction.
// ABOUTME: Covers id monotonicity under concurrency and idempotency key shape.

package protocol

import (
	"encoding/json"
	"regexp"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDCounter_StrictlyIncreasing(t *testing.T) {
	c := NewIDCounter()

	prev := 0
	for range 100 {
		n, err := strconv.Atoi(c.Next())
		require.NoError(t, err)
		assert.Greater(t, n, prev)
		prev = n
	}
}

func TestIDCounter_ConcurrentUnique(t *testing.T) {
	c := NewIDCounter()

	const workers, perWorker = 8, 500
	var mu sync.Mutex
	seen := make(map[string]bool, workers*perWorker)

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perWorker)
			for range perWorker {
				local = append(local, c.Next())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				assert.False(t, seen[id], "duplicate id %s", id)
				seen[id] = true
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
}

func TestBuilders_ShareCounter(t *testing.T) {
	ids := NewIDCounter()
	a := NewBuilder(ids, ClientInfo{})
	b := NewBuilder(ids, ClientInfo{})

	r1 := a.SessionList()
	r2 := b.SessionList()
	r3 := a.Connect("tok")

	assert.Equal(t, "1", r1.ID)
	assert.Equal(t, "2", r2.ID)
	assert.Equal(t, "3", r3.ID)
}

func TestBuilder_Connect(t *testing.T) {
	client := ClientInfo{Mode: "cli", Platform: "linux", Version: "0.1.0", ID: "c-1", DisplayName: "coven-chat"}
	b := NewBuilder(NewIDCounter(), client)

	req := b.Connect("secret")
	assert.Equal(t, KindRequest, req.Kind)
	assert.Equal(t, MethodConnect, req.Method)

	var params ConnectParams
	require.NoError(t, json.Unmarshal(req.Params, &params))
	assert.Equal(t, client, params.Client)
	assert.Equal(t, "secret", params.Auth.Token)
	assert.Equal(t, 3, params.MinProtocol)
	assert.Equal(t, 3, params.MaxProtocol)
}

func TestBuilder_ChatSend(t *testing.T) {
	b := NewBuilder(NewIDCounter(), ClientInfo{})
	b.now = func() time.Time { return time.UnixMilli(1700000000123) }

	req := b.ChatSend("hello", "main")
	assert.Equal(t, MethodChatSend, req.Method)

	var params ChatSendParams
	require.NoError(t, json.Unmarshal(req.Params, &params))
	assert.Equal(t, "hello", params.Message)
	assert.Equal(t, "main", params.SessionKey)
	assert.Regexp(t, `^1700000000123-[0-9a-z]{6}$`, params.IdempotencyKey)
}

func TestBuilder_SessionRequests(t *testing.T) {
	b := NewBuilder(NewIDCounter(), ClientInfo{})

	hist := b.SessionHistory("thread-9")
	assert.Equal(t, MethodSessionHistory, hist.Method)
	var hp SessionHistoryParams
	require.NoError(t, json.Unmarshal(hist.Params, &hp))
	assert.Equal(t, "thread-9", hp.SessionKey)

	list := b.SessionList()
	assert.Equal(t, MethodSessionList, list.Method)
	assert.JSONEq(t, `{}`, string(list.Params))
	assert.NotEqual(t, hist.ID, list.ID)
}

func TestIdempotencyKey_SameMillisecondDiffers(t *testing.T) {
	now := time.UnixMilli(42)
	pattern := regexp.MustCompile(`^42-[0-9a-z]{6}$`)

	seen := make(map[string]bool)
	for range 200 {
		key := IdempotencyKey(now)
		assert.Regexp(t, pattern, key)
		seen[key] = true
	}
	// 200 draws from 36^6 values; a collision here is astronomically unlikely.
	assert.Len(t, seen, 200)
}

func TestDecode(t *testing.T) {
	t.Run("response", func(t *testing.T) {
		f, err := Decode([]byte(`{"kind":"res","id":"1","ok":false,"error":{"code":"AUTH","message":"bad token"}}`))
		require.NoError(t, err)
		res, ok := f.(*Response)
		require.True(t, ok)
		assert.Equal(t, "1", res.ID)
		assert.False(t, res.OK)
		require.NotNil(t, res.Error)
		assert.Equal(t, "bad token", res.Error.Message)
	})

	t.Run("event", func(t *testing.T) {
		f, err := Decode([]byte(`{"kind":"event","event":"chat","payload":{"runId":"r1","state":"delta","seq":2}}`))
		require.NoError(t, err)
		ev, ok := f.(*Event)
		require.True(t, ok)
		assert.Equal(t, EventChat, ev.Event)

		chat, err := DecodeChatEvent(ev.Payload)
		require.NoError(t, err)
		assert.Equal(t, "r1", chat.RunID)
		assert.Equal(t, int64(2), chat.Seq)
		assert.Nil(t, chat.Message)
	})

	t.Run("request", func(t *testing.T) {
		f, err := Decode([]byte(`{"kind":"req","method":"session.list","id":"5","params":{}}`))
		require.NoError(t, err)
		req, ok := f.(*Request)
		require.True(t, ok)
		assert.Equal(t, MethodSessionList, req.Method)
	})

	for name, input := range map[string]string{
		"not json":     `{"kind":`,
		"unknown kind": `{"kind":"ping"}`,
		"missing kind": `{"id":"1"}`,
		"bad field":    `{"kind":"res","ok":"yes"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(input))
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestEncode_FillsKind(t *testing.T) {
	data, err := Encode(&Request{Method: MethodSessionList, ID: "9"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"req","method":"session.list","id":"9","params":{}}`, string(data))

	data, err = Encode(NewOKResponse("9", map[string]int{"n": 1}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"res","id":"9","ok":true,"payload":{"n":1}}`, string(data))
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name string
		msg  *ChatMessage
		want string
	}{
		{"nil message", nil, ""},
		{"no parts", &ChatMessage{Role: "assistant"}, ""},
		{"only non-text", &ChatMessage{Content: Content{{Type: "image"}}}, ""},
		{"mixed in order", &ChatMessage{Content: Content{
			{Type: "text", Text: "Hel"},
			{Type: "tool_use"},
			{Type: "text", Text: "lo"},
		}}, "Hello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractText(tt.msg))
		})
	}
}

func TestContent_AcceptsPlainString(t *testing.T) {
	var msg ChatMessage
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"hi there","timestamp":1}`), &msg))
	assert.Equal(t, "hi there", ExtractText(&msg))
}
