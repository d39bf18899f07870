package gateway

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStreamServer(t *testing.T) (*Gateway, *httptest.Server) {
	gin.SetMode(gin.TestMode)

	g := &Gateway{streamClients: make(map[*websocket.Conn]chan []byte)}
	r := gin.New()
	r.GET("/stream", g.streamSecurityEvents)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return g, srv
}

func clientCount(g *Gateway) int {
	g.streamMu.Lock()
	defer g.streamMu.Unlock()
	return len(g.streamClients)
}

func broadcast(g *Gateway, payload []byte) {
	g.streamMu.Lock()
	defer g.streamMu.Unlock()
	for _, ch := range g.streamClients {
		select {
		case ch <- payload:
		default:
		}
	}
}

func TestSecurityStream(t *testing.T) {
	t.Run("delivers broadcast payloads to connected clients", func(t *testing.T) {
		g, srv := newStreamServer(t)

		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer conn.Close()

		require.Eventually(t, func() bool { return clientCount(g) == 1 }, time.Second, 10*time.Millisecond)

		broadcast(g, []byte(`{"type":"breaker_opened"}`))

		conn.SetReadDeadline(time.Now().Add(time.Second))
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"breaker_opened"}`, string(payload))
	})

	t.Run("disconnected client is removed without waiting for an event", func(t *testing.T) {
		g, srv := newStreamServer(t)

		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)

		require.Eventually(t, func() bool { return clientCount(g) == 1 }, time.Second, 10*time.Millisecond)

		require.NoError(t, conn.Close())
		assert.Eventually(t, func() bool { return clientCount(g) == 0 }, time.Second, 10*time.Millisecond)
	})
}
