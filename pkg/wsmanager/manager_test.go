package wsmanager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestManager(t *testing.T, channel string, hooks Hooks) (*Manager, *httptest.Server) {
	t.Helper()

	manager := New(5 * time.Second)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		manager.HandleConnection(r.Context(), conn, channel, hooks)
	}))

	t.Cleanup(func() { server.Close() })
	return manager, server
}

func connectWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestManager_ConnectionEstablished(t *testing.T) {
	_, server := setupTestManager(t, "session:abc", Hooks{})
	conn := connectWS(t, server)

	msg := readJSON(t, conn)
	assert.Equal(t, "connection.established", msg["type"])
	assert.NotEmpty(t, msg["connection_id"])
}

func TestManager_PingPong(t *testing.T) {
	_, server := setupTestManager(t, "session:abc", Hooks{})
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, Frame{Type: "ping"})
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestManager_Broadcast(t *testing.T) {
	manager, server := setupTestManager(t, "task:42", Hooks{})

	conn1 := connectWS(t, server)
	conn2 := connectWS(t, server)
	readJSON(t, conn1)
	readJSON(t, conn2)

	require.Eventually(t, func() bool {
		return manager.ActiveConnections() == 2
	}, time.Second, 10*time.Millisecond)
	assert.True(t, manager.Connected("task:42"))

	manager.Broadcast("task:42", map[string]string{"type": "ingestion_progress", "status": "chunking"})

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		msg := readJSON(t, conn)
		assert.Equal(t, "ingestion_progress", msg["type"])
		assert.Equal(t, "chunking", msg["status"])
	}

	manager.Broadcast("task:other", map[string]string{"type": "ignored"})
}

func TestManager_OnConnectReplay(t *testing.T) {
	var manager *Manager
	manager, server := setupTestManager(t, "task:42", Hooks{
		OnConnect: func(_ context.Context, c *Connection) {
			manager.SendJSON(c, map[string]string{"type": "ingestion_progress", "status": "embedding"})
		},
	})

	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	msg := readJSON(t, conn)
	assert.Equal(t, "ingestion_progress", msg["type"])
	assert.Equal(t, "embedding", msg["status"], "cached state replayed on connect")
}

func TestManager_OnFrame(t *testing.T) {
	var (
		mu     sync.Mutex
		frames []string
	)
	_, server := setupTestManager(t, "session:abc", Hooks{
		OnFrame: func(_ context.Context, _ *Connection, f *Frame) {
			mu.Lock()
			frames = append(frames, f.Type)
			mu.Unlock()
		},
	})
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, Frame{Type: "chat_message", Data: json.RawMessage(`{"messages":[]}`)})
	writeJSON(t, conn, Frame{Type: "ping"})
	readJSON(t, conn) // pong

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"chat_message"}, frames, "ping answered internally, not forwarded")
}

func TestManager_UnregisterOnClose(t *testing.T) {
	manager, server := setupTestManager(t, "session:abc", Hooks{})
	conn := connectWS(t, server)
	readJSON(t, conn)

	require.Eventually(t, func() bool {
		return manager.ActiveConnections() == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return manager.ActiveConnections() == 0 && !manager.Connected("session:abc")
	}, time.Second, 10*time.Millisecond)
}
