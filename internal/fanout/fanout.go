// Package fanout maintains observer WebSocket connections and forwards
// filtered Event Bus traffic to them as {type, data, timestamp} frames.
// Each connection gets its own bus subscription plus a read pump (client
// ping/subscribe frames, idle enforcement) and a write pump (event
// forwarding, server pings); either pump exiting tears down both.
package fanout

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"nox/internal/eventbus"
	"nox/pkg/logx"
	"nox/pkg/proto"
)

// DefaultPingInterval and DefaultIdleTimeout match pkg/config.FanoutConfig's
// documented defaults.
const (
	DefaultPingInterval = 30 * time.Second
	DefaultIdleTimeout  = 60 * time.Second
)

// Snapshots is the read-only view Fanout needs to build the
// agent_status_list/task_dashboard frames sent immediately after connect.
type Snapshots interface {
	AgentStatusList() any
	TaskDashboardSnapshot() any
}

// Frame is the wire shape of every message the server sends after the
// initial connection_established handshake.
type Frame struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// clientMessage is what the server accepts inbound: {type:"ping"} or
// {type:"subscribe", filters:{...}}.
type clientMessage struct {
	Type    string            `json:"type"`
	Filters map[string]string `json:"filters,omitempty"`
}

// Fanout upgrades incoming HTTP connections to WebSocket and bridges each
// one to a dedicated internal/eventbus.Bus subscription.
type Fanout struct {
	bus          *eventbus.Bus
	snapshots    Snapshots
	pingInterval time.Duration
	idleTimeout  time.Duration
	upgrader     websocket.Upgrader

	log *logx.Logger
}

// New constructs a Fanout. A pingInterval or idleTimeout of 0 falls back
// to the documented default.
func New(bus *eventbus.Bus, snapshots Snapshots, pingInterval, idleTimeout time.Duration) *Fanout {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Fanout{
		bus:          bus,
		snapshots:    snapshots,
		pingInterval: pingInterval,
		idleTimeout:  idleTimeout,
		upgrader:     websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		log:          logx.NewLogger("fanout"),
	}
}

// wsClient serializes all data-frame writes to one connection: the read
// pump answers pings while the write pump forwards bus events, and
// gorilla/websocket forbids concurrent writers.
type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// ServeHTTP upgrades the connection and runs its read/write pumps until the
// client disconnects or is idle past idleTimeout.
func (f *Fanout) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warn("websocket upgrade failed: %v", err)
		return
	}
	client := &wsClient{conn: conn}

	clientID := proto.NewClientID()
	sub := f.bus.Subscribe(clientID)
	defer f.bus.Unsubscribe(clientID)

	if err := f.sendFrame(client, "connection_established", map[string]any{
		"clientId":   clientID,
		"serverTime": time.Now().UTC(),
	}); err != nil {
		conn.Close()
		return
	}
	if f.snapshots != nil {
		_ = f.sendFrame(client, "agent_status_list", f.snapshots.AgentStatusList())
		_ = f.sendFrame(client, "task_dashboard", f.snapshots.TaskDashboardSnapshot())
	}

	var filters map[string]string
	var filtersMu sync.Mutex

	done := make(chan struct{})
	go f.readPump(client, &filters, &filtersMu, done)
	f.writePump(client, sub, &filters, &filtersMu, done)
}

// readPump handles inbound client frames (ping/subscribe) and enforces the
// idle-disconnect timeout: the read deadline is pushed out on every frame,
// so a client silent past idleTimeout is terminated.
func (f *Fanout) readPump(client *wsClient, filters *map[string]string, mu *sync.Mutex, done chan struct{}) {
	defer close(done)
	conn := client.conn
	conn.SetReadDeadline(time.Now().Add(f.idleTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(f.idleTimeout))
		return nil
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(f.idleTimeout))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "ping":
			_ = f.sendFrame(client, "pong", nil)
		case "subscribe":
			mu.Lock()
			*filters = msg.Filters
			mu.Unlock()
		}
	}
}

// writePump forwards the subscriber's bus events, filtered, and sends a
// server ping every pingInterval, until the read pump signals disconnect.
func (f *Fanout) writePump(client *wsClient, sub *eventbus.Subscriber, filters *map[string]string, mu *sync.Mutex, done <-chan struct{}) {
	ticker := time.NewTicker(f.pingInterval)
	defer ticker.Stop()
	defer client.conn.Close()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			mu.Lock()
			pass := matchesFilter(ev, *filters)
			mu.Unlock()
			if !pass {
				continue
			}
			if err := f.sendFrame(client, string(ev.Type), ev.Payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

func matchesFilter(ev proto.Event, filters map[string]string) bool {
	if len(filters) == 0 {
		return true
	}
	if want, ok := filters["type"]; ok && want != string(ev.Type) {
		return false
	}
	return true
}

func (f *Fanout) sendFrame(client *wsClient, typ string, data any) error {
	frame := Frame{Type: typ, Data: data, Timestamp: time.Now().UTC()}
	client.writeMu.Lock()
	defer client.writeMu.Unlock()
	client.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return client.conn.WriteJSON(frame)
}
