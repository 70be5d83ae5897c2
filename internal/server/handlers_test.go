package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/store"
)

func newTestServer(t *testing.T, st *fakeStore) (*httptest.Server, *WebSocketHandler) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"*"}

	registry := NewRegistry()
	router := NewRouter(st, registry, zap.NewNop())
	handler := NewWebSocketHandler(cfg, registry, router, st, zap.NewNop())

	ts := httptest.NewServer(SetupRoutes(handler))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { require.NoError(t, handler.Shutdown(time.Second)) })
	return ts, handler
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"http://localhost"}}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	return decoded
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, newFakeStore())

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "running")
}

func TestWebSocketEndpointRejectsNonGet(t *testing.T) {
	ts, _ := newTestServer(t, newFakeStore())

	resp, err := http.Post(ts.URL+"/ws", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebSocketAuthReplaysHistory(t *testing.T) {
	st := newFakeStore()
	st.history[42] = []store.MessageRecord{
		{ID: 1, SenderID: 7, Content: "hello", SentAt: time.Now().UTC(), Status: store.StatusRead, Firstname: "Alice", Lastname: "Smith"},
	}
	ts, _ := newTestServer(t, st)

	conn := dialWS(t, ts)
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "auth", "userId": 7, "chatId": 42}))

	frame := readFrame(t, conn)
	require.Equal(t, "history", frame["type"])

	messages, ok := frame["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 1)

	first, ok := messages[0].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "hello", first["content"])
	require.Equal(t, "Alice", first["firstname"])
}

func TestWebSocketMessageRoundTrip(t *testing.T) {
	st := newFakeStore()
	st.participants[42] = []int64{1, 2}
	st.senders[1] = store.Sender{ID: 1, Firstname: "Alice", Lastname: "Smith"}
	ts, _ := newTestServer(t, st)

	alice := dialWS(t, ts)
	bob := dialWS(t, ts)

	// Authenticating with a chatId forces a history reply; reading it
	// guarantees the registration has completed before anyone sends.
	require.NoError(t, alice.WriteJSON(map[string]any{"type": "auth", "userId": 1, "chatId": 42}))
	require.Equal(t, "history", readFrame(t, alice)["type"])
	require.NoError(t, bob.WriteJSON(map[string]any{"type": "auth", "userId": 2, "chatId": 42}))
	require.Equal(t, "history", readFrame(t, bob)["type"])

	require.NoError(t, alice.WriteJSON(map[string]any{
		"type": "message", "chat_id": 42, "sender_id": 1, "content": "hi",
	}))

	received := readFrame(t, bob)
	require.Equal(t, "message", received["type"])
	require.Equal(t, "hi", received["content"])
	require.Equal(t, "Alice", received["firstname"])
	require.Equal(t, string(store.StatusDelivered), received["status"])

	echo := readFrame(t, alice)
	require.Equal(t, "message", echo["type"])
	require.Equal(t, "hi", echo["content"])

	require.Len(t, st.savedMessages(), 1)
}

func TestShutdownDrainsPromptlyAfterClientDisconnect(t *testing.T) {
	ts, handler := newTestServer(t, newFakeStore())

	conn := dialWS(t, ts)
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "auth", "userId": 7}))
	require.NoError(t, conn.Close())

	// Give the read pump a moment to observe the close; the write pump must
	// follow without waiting out a ping interval.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	require.NoError(t, handler.Shutdown(2*time.Second))
	require.Less(t, time.Since(start), time.Second)
}

func TestWebSocketSurvivesMalformedFrame(t *testing.T) {
	st := newFakeStore()
	ts, _ := newTestServer(t, st)

	conn := dialWS(t, ts)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{definitely not json")))

	// The connection is still usable afterwards.
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "auth", "userId": 7, "chatId": 42}))
	require.Equal(t, "history", readFrame(t, conn)["type"])
}
