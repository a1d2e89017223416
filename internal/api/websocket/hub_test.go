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
	"go.uber.org/zap"

	"github.com/lsst-ts/mtreflector/internal/auth"
	"github.com/lsst-ts/mtreflector/internal/config"
	"github.com/lsst-ts/mtreflector/internal/reflector"
)

func startHub(t *testing.T, authService *auth.Service) (*Hub, string) {
	t.Helper()

	hub := NewHub(zap.NewNop(), authService)
	go hub.Run()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(server.Close)

	return hub, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	// coalesced frames carry one JSON document per line
	line := strings.SplitN(string(data), "\n", 2)[0]

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &msg))
	return msg
}

func TestHubBroadcastReachesSubscribers(t *testing.T) {
	hub, url := startHub(t, nil)
	conn := dial(t, url)

	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	hub.Broadcast(NewReflectorStatusMessage(reflector.StatusConnected))

	msg := readMessage(t, conn)
	assert.Equal(t, string(MessageTypeReflectorStatus), msg["type"])

	data := msg["data"].(map[string]interface{})
	assert.Equal(t, "CONNECTED", data["reflectorStatus"])
}

func TestHubUnregistersOnClose(t *testing.T) {
	hub, url := startHub(t, nil)
	conn := dial(t, url)

	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool { return hub.GetClientCount() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestHubAuthFlow(t *testing.T) {
	hash, err := auth.NewHasher(auth.Params{
		Memory: 8 * 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32,
	}).Hash("pw")
	require.NoError(t, err)

	service := auth.NewService(config.AuthConfig{
		Enabled:         true,
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
		Operators:       []config.Operator{{Username: "saluser", PasswordHash: hash, Role: "operator"}},
	}, zap.NewNop())

	access, _, err := service.Login("saluser", "pw")
	require.NoError(t, err)

	hub, url := startHub(t, service)

	// without auth the first message must be rejected
	conn := dial(t, url)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "hello"}))
	msg := readMessage(t, conn)
	assert.Equal(t, "auth_failed", msg["type"])
	assert.Equal(t, 0, hub.GetClientCount())

	// valid token subscribes the client
	conn = dial(t, url)
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "auth", "token": access}))
	msg = readMessage(t, conn)
	assert.Equal(t, "auth_success", msg["type"])

	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	hub.Broadcast(NewHeartbeatMessage())
	msg = readMessage(t, conn)
	assert.Equal(t, string(MessageTypeHeartbeat), msg["type"])
}
