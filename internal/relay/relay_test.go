package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabink/internal/protocol"
)

func start(t *testing.T) (*httptest.Server, *MemoryBroker) {
	t.Helper()
	broker := NewMemoryBroker()
	r := mux.NewRouter()
	New(broker, nil).Register(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server, broker
}

func connect(t *testing.T, server *httptest.Server, client string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/sessions/room/ws?client=" + client
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, topic, clientID string, payload any) {
	t.Helper()
	env, err := protocol.Wrap(topic, clientID, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(env))
}

func next(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env protocol.Envelope
	require.NoError(t, ws.ReadJSON(&env))
	return env
}

func TestRelayStampsSender(t *testing.T) {
	server, _ := start(t)
	a := connect(t, server, "a")
	b := connect(t, server, "b")

	// a claims to be someone else
	send(t, a, protocol.TopicControl, "teacher", protocol.ControlMessage{Action: protocol.ActionLock})

	env := next(t, b)
	assert.Equal(t, protocol.TopicControl, env.Topic)
	assert.Equal(t, "a", env.ClientID)
}

func TestRelayPresence(t *testing.T) {
	server, broker := start(t)
	a := connect(t, server, "a")
	send(t, a, protocol.TopicPresence, "a", protocol.PresenceEvent{
		Action: protocol.PresenceEnter,
		Member: protocol.PresenceClient{ClientID: "forged", Name: "Ann"},
	})
	env := next(t, a)
	var ev protocol.PresenceEvent
	require.NoError(t, env.Decode(&ev))
	assert.Equal(t, "a", ev.Member.ClientID)

	members, err := broker.Members(context.Background(), "room")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "Ann", members[0].Name)

	// newcomers get the current members first
	b := connect(t, server, "b")
	env = next(t, b)
	require.NoError(t, env.Decode(&ev))
	assert.Equal(t, protocol.PresenceEnter, ev.Action)
	assert.Equal(t, "a", ev.Member.ClientID)

	require.NoError(t, a.Close())
	env = next(t, b)
	require.NoError(t, env.Decode(&ev))
	assert.Equal(t, protocol.PresenceLeave, ev.Action)
	assert.Equal(t, "a", ev.Member.ClientID)

	require.Eventually(t, func() bool {
		members, _ := broker.Members(context.Background(), "room")
		return len(members) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRelayRequiresClient(t *testing.T) {
	server, _ := start(t)
	resp, err := http.Get(server.URL + "/sessions/room/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMemoryBrokerIsolatesSessions(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker()
	one, err := b.Subscribe(ctx, "one")
	require.NoError(t, err)
	two, err := b.Subscribe(ctx, "two")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "one", json.RawMessage(`{"topic":"x"}`)))
	assert.Equal(t, `{"topic":"x"}`, string(<-one.Messages()))
	assert.Empty(t, two.Messages())

	require.NoError(t, one.Close())
	require.NoError(t, one.Close())
	_, open := <-one.Messages()
	assert.False(t, open)
}
