package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus/presence-service/models"
	"chorus/presence-service/services"
)

func dialAs(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("X-User", user)

	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) models.ServerFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame models.ServerFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestWebSocketLifecycle(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	conn := dialAs(t, srv, "alice")

	welcome := readFrame(t, conn)
	assert.Equal(t, models.FrameWelcome, welcome.Type)
	assert.NotEmpty(t, welcome.SessionID)

	assert.True(t, env.registry.HasActiveConnection("alice"))
	member, err := env.mr.SIsMember("online_users", "alice")
	require.NoError(t, err)
	assert.True(t, member)

	require.NoError(t, conn.WriteJSON(models.ClientFrame{Type: models.FrameTypingStart, ConversationID: "conv-1"}))
	assert.Eventually(t, func() bool {
		return env.mr.Exists("typing:conv-1:alice")
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(models.ClientFrame{Type: "dance"}))
	frame := readFrame(t, conn)
	assert.Equal(t, models.FrameError, frame.Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	frame = readFrame(t, conn)
	assert.Equal(t, "malformed frame", frame.Error)

	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		return !env.registry.HasActiveConnection("alice") && env.scheduled() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, env.mr.Exists("typing:conv-1:alice"))
	assert.False(t, env.mr.Exists("presence:hb:alice:"+welcome.SessionID))
}

func TestWebSocketReceivesPresenceFanout(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	conn := dialAs(t, srv, "watcher")
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(models.ClientFrame{Type: models.FrameSubscribe, UserIDs: []string{"alice"}}))
	assert.Eventually(t, func() bool {
		return env.mr.Exists("presence:watchers:alice")
	}, time.Second, 10*time.Millisecond)

	env.dispatcher.Dispatch(context.Background(), services.Event{
		Kind:     services.EventPresenceChanged,
		UserID:   "alice",
		Presence: &models.PresenceEvent{UserID: "alice", Online: true, Timestamp: time.Now()},
	})

	frame := readFrame(t, conn)
	assert.Equal(t, models.FramePresence, frame.Type)
	require.NotNil(t, frame.Presence)
	assert.Equal(t, "alice", frame.Presence.UserID)
	assert.True(t, frame.Presence.Online)
}
