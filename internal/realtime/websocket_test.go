package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tangled.org/arabica.social/murmur/internal/events"
)

// wireMessage mirrors Message with a raw payload for decoding on the client
type wireMessage struct {
	Type    string          `json:"type"`
	PostID  string          `json:"post_id"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

type wsFixture struct {
	gw     *Gateway
	bus    *events.Bus
	server *httptest.Server
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	bus := events.NewBus()
	gw := NewGateway(DefaultConfig(), bus, nil)
	unsubscribe := gw.Attach(bus)

	handler := NewHandler(gw, DefaultTransportConfig(), func(r *http.Request) string {
		return r.Header.Get("X-User-ID")
	})
	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		unsubscribe()
		gw.Close()
		server.Close()
	})
	return &wsFixture{gw: gw, bus: bus, server: server}
}

func (f *wsFixture) dial(t *testing.T, userID, resume string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	if resume != "" {
		url += "?session=" + resume
	}
	header := http.Header{}
	header.Set("X-User-ID", userID)

	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg wireMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func readWelcome(t *testing.T, conn *websocket.Conn) WelcomePayload {
	t.Helper()
	msg := readMessage(t, conn)
	require.Equal(t, MessageWelcome, msg.Type)
	var welcome WelcomePayload
	require.NoError(t, json.Unmarshal(msg.Payload, &welcome))
	return welcome
}

func TestWebSocket_JoinAndReceive(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "u1", "")

	welcome := readWelcome(t, conn)
	assert.NotEmpty(t, welcome.SessionID)
	assert.False(t, welcome.Resumed)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: ActionJoin, PostID: "p1"}))
	joined := readMessage(t, conn)
	assert.Equal(t, MessageJoined, joined.Type)
	assert.Equal(t, "p1", joined.PostID)

	published := f.bus.Publish(context.Background(), events.Event{
		Type:       events.CommentCreated,
		PostID:     "p1",
		Visibility: events.VisibilityPublic,
	})
	msg := readMessage(t, conn)
	assert.Equal(t, string(events.CommentCreated), msg.Type)
	assert.Equal(t, published.Seq, msg.Seq)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: ActionPing}))
	assert.Equal(t, MessagePong, readMessage(t, conn).Type)
}

func TestWebSocket_RejectsBadActions(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "u1", "")
	readWelcome(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	assert.Equal(t, MessageError, readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "dance"}))
	msg := readMessage(t, conn)
	assert.Equal(t, MessageError, msg.Type)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "dance", payload.Action)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: ActionJoin}))
	assert.Equal(t, MessageError, readMessage(t, conn).Type)
}

func TestWebSocket_CleanCloseEndsSession(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "u1", "")
	welcome := readWelcome(t, conn)

	require.NoError(t, conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
	))

	require.Eventually(t, func() bool {
		state, err := f.gw.Status(welcome.SessionID)
		return err == nil && state == StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWebSocket_DropAndResume(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "u1", "")
	welcome := readWelcome(t, conn)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: ActionJoin, PostID: "p1"}))
	readMessage(t, conn)

	// drop the TCP connection without a close frame
	conn.UnderlyingConn().Close()
	require.Eventually(t, func() bool {
		state, err := f.gw.Status(welcome.SessionID)
		return err == nil && state == StateReconnecting
	}, 5*time.Second, 10*time.Millisecond)

	missed := f.bus.Publish(context.Background(), events.Event{
		Type:       events.CommentUpdated,
		PostID:     "p1",
		Visibility: events.VisibilityPublic,
	})

	again := f.dial(t, "u1", welcome.SessionID)
	resumed := readWelcome(t, again)
	assert.True(t, resumed.Resumed)
	assert.Equal(t, welcome.SessionID, resumed.SessionID)
	assert.Equal(t, []string{"p1"}, resumed.Groups)

	msg := readMessage(t, again)
	assert.Equal(t, string(events.CommentUpdated), msg.Type)
	assert.Equal(t, missed.Seq, msg.Seq)
}
