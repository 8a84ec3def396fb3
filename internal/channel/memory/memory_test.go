package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabink/internal/channel"
	"collabink/internal/protocol"
)

func TestPublishReachesEveryConnectedClient(t *testing.T) {
	hub := NewHub()
	a, b := hub.Join("a"), hub.Join("b")
	var gotA, gotB []protocol.Envelope
	a.Subscribe(func(env protocol.Envelope) { gotA = append(gotA, env) })
	unsub := b.Subscribe(func(env protocol.Envelope) { gotB = append(gotB, env) })

	require.NoError(t, a.Publish(context.Background(), protocol.TopicLatex, protocol.LatexMessage{Latex: "x"}))
	require.Len(t, gotA, 1, "publishers see their own messages")
	require.Len(t, gotB, 1)
	assert.Equal(t, "a", gotB[0].ClientID)

	unsub()
	b.Disconnect()
	require.NoError(t, a.Publish(context.Background(), protocol.TopicLatex, protocol.LatexMessage{Latex: "y"}))
	assert.Len(t, gotB, 1)
	assert.ErrorIs(t, b.Publish(context.Background(), protocol.TopicLatex, nil), channel.ErrNotConnected)
}

func TestPresenceLifecycle(t *testing.T) {
	hub := NewHub()
	teacher, student := hub.Join("t"), hub.Join("s")
	var events []protocol.PresenceEvent
	teacher.OnPresence(func(ev protocol.PresenceEvent) { events = append(events, ev) })

	ctx := context.Background()
	require.NoError(t, teacher.Enter(ctx, protocol.PresenceClient{Name: "T", IsAdmin: true}))
	require.NoError(t, student.Enter(ctx, protocol.PresenceClient{Name: "S"}))

	members, err := teacher.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []protocol.PresenceClient{
		{ClientID: "s", Name: "S"},
		{ClientID: "t", Name: "T", IsAdmin: true},
	}, members)

	student.Disconnect()
	require.NoError(t, student.Connect(ctx))
	require.NoError(t, student.Close())

	var actions []string
	for _, ev := range events {
		actions = append(actions, ev.Action+":"+ev.Member.ClientID)
	}
	assert.Equal(t, []string{"enter:t", "enter:s", "leave:s", "enter:s", "leave:s"}, actions)
	require.Error(t, student.Connect(ctx))
}

func TestFailNextPublish(t *testing.T) {
	c := NewHub().Join("a")
	c.FailNextPublish(nil)
	c.FailNextPublish(errors.New("boom"))
	require.NoError(t, c.Publish(context.Background(), protocol.TopicLatex, nil))
	require.ErrorContains(t, c.Publish(context.Background(), protocol.TopicLatex, nil), "boom")
	require.NoError(t, c.Publish(context.Background(), protocol.TopicLatex, nil))
	assert.Len(t, c.Published(protocol.TopicLatex), 2)
}
