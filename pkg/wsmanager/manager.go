// Package wsmanager tracks live WebSocket connections grouped by channel.
// The chat surface keys channels by session_id, the ingestion surface by
// task_id; one manager instance serves each HTTP server.
package wsmanager

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Frame is the uniform client/server message shape on both surfaces.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Hooks customizes a connection's lifecycle. Both fields are optional;
// push-only surfaces leave OnFrame nil.
type Hooks struct {
	// OnConnect runs after registration, before the read loop. The
	// ingestion surface uses it to replay the latest cached task state.
	OnConnect func(ctx context.Context, c *Connection)
	// OnFrame receives every client frame except ping, which is answered
	// internally.
	OnFrame func(ctx context.Context, c *Connection, f *Frame)
}

// Connection represents a single WebSocket client bound to one channel.
type Connection struct {
	ID      string
	Channel string
	Conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
}

// Context returns the connection-scoped context, cancelled when the
// connection unregisters.
func (c *Connection) Context() context.Context { return c.ctx }

// Manager manages WebSocket connections and channel membership. Each
// process has one instance per WebSocket surface.
type Manager struct {
	connections map[string]*Connection
	mu          sync.RWMutex

	// channel → set of connection_ids
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	writeTimeout time.Duration
}

// New creates a manager with the given per-send write timeout.
func New(writeTimeout time.Duration) *Manager {
	return &Manager{
		connections:  make(map[string]*Connection),
		channels:     make(map[string]map[string]bool),
		writeTimeout: writeTimeout,
	}
}

// HandleConnection manages the lifecycle of one WebSocket connection.
// Called by the HTTP handler after upgrade; blocks until the connection
// closes.
func (m *Manager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, channel string, hooks Hooks) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:      uuid.New().String(),
		Channel: channel,
		Conn:    conn,
		ctx:     ctx,
		cancel:  cancel,
	}

	m.register(c)
	defer m.unregister(c)

	m.SendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.ID,
	})

	if hooks.OnConnect != nil {
		hooks.OnConnect(ctx, c)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("Invalid WebSocket frame",
				"connection_id", c.ID, "channel", channel, "error", err)
			continue
		}

		if f.Type == "ping" {
			m.SendJSON(c, map[string]string{"type": "pong"})
			continue
		}
		if hooks.OnFrame != nil {
			hooks.OnFrame(ctx, c, &f)
		}
	}
}

// Broadcast marshals v and sends it to every connection on the channel.
func (m *Manager) Broadcast(channel string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal broadcast", "channel", channel, "error", err)
		return
	}
	m.BroadcastRaw(channel, data)
}

// BroadcastRaw sends raw bytes to every connection on the channel.
func (m *Manager) BroadcastRaw(channel string, data []byte) {
	m.channelMu.RLock()
	connIDs, exists := m.channels[channel]
	if !exists {
		m.channelMu.RUnlock()
		return
	}
	ids := make([]string, 0, len(connIDs))
	for id := range connIDs {
		ids = append(ids, id)
	}
	m.channelMu.RUnlock()

	// Snapshot pointers before sending so slow writes never hold the lock.
	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := m.sendRaw(conn, data); err != nil {
			slog.Warn("Failed to send to WebSocket client",
				"connection_id", conn.ID, "channel", channel, "error", err)
		}
	}
}

// SendJSON marshals and sends to a single connection. Errors are logged.
func (m *Manager) SendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.ID, "error", err)
	}
}

// Connected reports whether any client is attached to the channel.
func (m *Manager) Connected(channel string) bool {
	m.channelMu.RLock()
	defer m.channelMu.RUnlock()
	return len(m.channels[channel]) > 0
}

// ActiveConnections returns the count of live connections.
func (m *Manager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *Manager) register(c *Connection) {
	m.mu.Lock()
	m.connections[c.ID] = c
	m.mu.Unlock()

	m.channelMu.Lock()
	if _, ok := m.channels[c.Channel]; !ok {
		m.channels[c.Channel] = make(map[string]bool)
	}
	m.channels[c.Channel][c.ID] = true
	m.channelMu.Unlock()
}

func (m *Manager) unregister(c *Connection) {
	m.channelMu.Lock()
	if subs, ok := m.channels[c.Channel]; ok {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.channels, c.Channel)
		}
	}
	m.channelMu.Unlock()

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

func (m *Manager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
