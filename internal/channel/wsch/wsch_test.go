package wsch

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabink/internal/channel"
	"collabink/internal/protocol"
	"collabink/internal/relay"
)

func newRelay(t *testing.T) *httptest.Server {
	t.Helper()
	r := mux.NewRouter()
	relay.New(relay.NewMemoryBroker(), nil).Register(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server, id string) *Conn {
	t.Helper()
	c, err := New(Config{URL: server.URL, Session: "room", ClientID: id})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { c.Close() })
	return c
}

type inbox struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (i *inbox) add(env protocol.Envelope) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.envs = append(i.envs, env)
}

func (i *inbox) all() []protocol.Envelope {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]protocol.Envelope(nil), i.envs...)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{URL: "http://x", Session: "room"})
	assert.Error(t, err)
	_, err = New(Config{URL: "ftp://x", Session: "room", ClientID: "a"})
	assert.Error(t, err)

	c, err := New(Config{URL: "https://relay.example/base/", Session: "room 1", ClientID: "a"})
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example/base/sessions/room%201/ws?client=a", c.endpoint())
}

func TestPublishBeforeConnect(t *testing.T) {
	c, err := New(Config{URL: "ws://localhost:1", Session: "room", ClientID: "a"})
	require.NoError(t, err)
	assert.ErrorIs(t, c.Publish(context.Background(), protocol.TopicStroke, nil), channel.ErrNotConnected)
	assert.False(t, c.Connected())
}

func TestRelayRoundTrip(t *testing.T) {
	server := newRelay(t)
	a := dial(t, server, "a")
	b := dial(t, server, "b")
	ctx := context.Background()

	got := &inbox{}
	b.Subscribe(got.add)

	require.NoError(t, a.Enter(ctx, protocol.PresenceClient{Name: "Ann", IsAdmin: true}))
	require.NoError(t, b.Enter(ctx, protocol.PresenceClient{Name: "Bob"}))

	require.NoError(t, a.Publish(ctx, protocol.TopicLatex, protocol.LatexMessage{Latex: "x^2", SenderID: "a", TS: 1}))

	require.Eventually(t, func() bool { return len(got.all()) == 1 }, 5*time.Second, 10*time.Millisecond)
	env := got.all()[0]
	assert.Equal(t, "a", env.ClientID)
	var msg protocol.LatexMessage
	require.NoError(t, env.Decode(&msg))
	assert.Equal(t, "x^2", msg.Latex)

	require.Eventually(t, func() bool {
		members, _ := b.Members(ctx)
		return len(members) == 2
	}, 5*time.Second, 10*time.Millisecond)
	members, err := b.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Ann", members[0].Name)
	assert.True(t, members[0].IsAdmin)
}

func TestPresenceLeaveOnClose(t *testing.T) {
	server := newRelay(t)
	a := dial(t, server, "a")
	b := dial(t, server, "b")
	ctx := context.Background()

	var mu sync.Mutex
	var left []string
	b.OnPresence(func(ev protocol.PresenceEvent) {
		if ev.Action == protocol.PresenceLeave {
			mu.Lock()
			left = append(left, ev.Member.ClientID)
			mu.Unlock()
		}
	})

	require.NoError(t, a.Enter(ctx, protocol.PresenceClient{Name: "Ann"}))
	require.Eventually(t, func() bool {
		members, _ := b.Members(ctx)
		return len(members) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Close())
	assert.False(t, a.Connected())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(left) == 1 && left[0] == "a"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReconnectReentersAndSeesMembers(t *testing.T) {
	server := newRelay(t)
	a := dial(t, server, "a")
	b := dial(t, server, "b")
	ctx := context.Background()

	require.NoError(t, b.Enter(ctx, protocol.PresenceClient{Name: "Bob"}))
	require.NoError(t, a.Enter(ctx, protocol.PresenceClient{Name: "Ann"}))

	a.mu.Lock()
	ws := a.ws
	a.mu.Unlock()
	a.drop(ws)
	assert.False(t, a.Connected())

	require.NoError(t, a.Connect(ctx))
	require.Eventually(t, func() bool {
		members, _ := a.Members(ctx)
		return len(members) == 2
	}, 5*time.Second, 10*time.Millisecond)
}
