package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscription_Wants(t *testing.T) {
	event := &Event{Type: "bid.placed"}

	all := &Subscription{AllEvents: true}
	assert.True(t, all.wants(event))

	empty := &Subscription{}
	assert.True(t, empty.wants(event))

	matching := &Subscription{EventTypes: []string{"bid.placed"}}
	assert.True(t, matching.wants(event))

	other := &Subscription{EventTypes: []string{"rfp.created"}}
	assert.False(t, other.wants(event))
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	hub := NewHub(slog.Default())
	// No Run loop: the buffered channel fills, then Publish must drop
	// events instead of blocking.
	for i := 0; i < 1000; i++ {
		hub.Publish("rfp.created", map[string]int{"i": i})
	}
}

func TestHub_DeliversToSubscriber(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(slog.Default())
	go hub.Run()

	r := gin.New()
	r.GET("/ws", hub.ServeWS)
	srv := httptest.NewServer(r)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the registration a moment to land before broadcasting.
	time.Sleep(50 * time.Millisecond)
	hub.Publish("rfp.created", map[string]string{"rfp_id": "rfp_1"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var event Event
	require.NoError(t, json.Unmarshal(payload, &event))
	assert.Equal(t, "rfp.created", event.Type)
}
