package fanout

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nox/internal/eventbus"
	"nox/pkg/proto"
)

type fakeSnapshots struct{}

func (fakeSnapshots) AgentStatusList() any       { return []string{"alpha"} }
func (fakeSnapshots) TaskDashboardSnapshot() any { return map[string]int{"total": 1} }

func newTestServer(t *testing.T, bus *eventbus.Bus) *httptest.Server {
	t.Helper()
	f := New(bus, fakeSnapshots{}, 50*time.Millisecond, time.Second)
	return httptest.NewServer(http.HandlerFunc(f.ServeHTTP))
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestHandshakeSendsConnectionEstablishedThenSnapshots(t *testing.T) {
	bus := eventbus.New(16)
	srv := newTestServer(t, bus)
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	var first Frame
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "connection_established", first.Type)

	var second Frame
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "agent_status_list", second.Type)

	var third Frame
	require.NoError(t, conn.ReadJSON(&third))
	assert.Equal(t, "task_dashboard", third.Type)
}

func TestBusEventIsForwardedAsFrame(t *testing.T) {
	bus := eventbus.New(16)
	srv := newTestServer(t, bus)
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	for i := 0; i < 3; i++ {
		var f Frame
		require.NoError(t, conn.ReadJSON(&f))
	}

	// Publish directly; the fanout's own Subscribe call happens inside
	// ServeHTTP so this races only with the handshake frames drained above.
	bus.Publish(proto.NewEvent(proto.EventTaskCreated, proto.TaskCreatedPayload{Task: proto.Task{TaskID: "task-1"}}))

	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, "task_created", f.Type)
}

func TestClientPingReceivesPong(t *testing.T) {
	bus := eventbus.New(16)
	srv := newTestServer(t, bus)
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	for i := 0; i < 3; i++ {
		var f Frame
		require.NoError(t, conn.ReadJSON(&f))
	}

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))

	var f Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, "pong", f.Type)
}
