package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/cash-terminal/internal/coordinator"
	"go.uber.org/zap"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// dialTestHub 起一个只做升级的测试服务并接入Hub
func dialTestHub(t *testing.T, hub *Hub) *websocket.Conn {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		client := NewClient(hub, conn, "tester")
		hub.Register(client)
		go client.WritePump()
		go client.ReadPump()
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) *Message {
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return &msg
}

func TestHubSendsConnectedOnRegister(t *testing.T) {
	hub := NewHub(zap.NewNop())
	go hub.Run()

	conn := dialTestHub(t, hub)
	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeConnected, msg.Type)
}

func TestHubBroadcastsCoordinatorEvents(t *testing.T) {
	hub := NewHub(zap.NewNop())
	go hub.Run()

	conn := dialTestHub(t, hub)
	readMessage(t, conn) // connected

	hub.Publish(coordinator.Event{
		Kind:   coordinator.EvPayinProgress,
		Device: "nv-front",
		Amount: 500,
		Time:   time.Now(),
	})

	msg := readMessage(t, conn)
	assert.Equal(t, coordinator.EvPayinProgress, msg.Type)
	assert.Equal(t, "nv-front", msg.Device)

	var payload struct {
		Amount int64  `json:"amount"`
		Mode   string `json:"mode"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, int64(500), payload.Amount)
}

func TestHubCountsClients(t *testing.T) {
	hub := NewHub(zap.NewNop())
	go hub.Run()

	conn1 := dialTestHub(t, hub)
	conn2 := dialTestHub(t, hub)
	readMessage(t, conn1)
	readMessage(t, conn2)

	assert.Eventually(t, func() bool {
		return hub.GetOnlineCount() == 2
	}, time.Second, 10*time.Millisecond)

	conn1.Close()
	assert.Eventually(t, func() bool {
		return hub.GetOnlineCount() == 1
	}, time.Second, 10*time.Millisecond)
}
