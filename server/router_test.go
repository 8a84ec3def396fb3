package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabink/internal/protocol"
	"collabink/internal/relay"
	memstore "collabink/internal/store/memory"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestServer(t *testing.T) (*httptest.Server, *syncBuffer) {
	t.Helper()
	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, nil))
	srv := httptest.NewServer(newRouter(relay.New(relay.NewMemoryBroker(), logger), memstore.New(), logger))
	t.Cleanup(srv.Close)
	return srv, logs
}

func TestHealthz(t *testing.T) {
	srv, logs := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Contains(t, logs.String(), "status=204")
}

func TestDiagramAPIMounted(t *testing.T) {
	srv, logs := newTestServer(t)
	body := strings.NewReader(`{"title":"Mitosis"}`)
	resp, err := http.Post(srv.URL+"/sessions/bio/diagrams", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/sessions/bio/diagrams")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var list []protocol.Diagram
	require.NoError(t, json.Unmarshal(raw, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "Mitosis", list[0].Title)
	assert.Contains(t, logs.String(), "url=/sessions/bio/diagrams")
}

func TestWebsocketThroughMiddleware(t *testing.T) {
	srv, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/bio/ws?client=a"

	a, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer a.Close()
	b, _, err := websocket.DefaultDialer.Dial(strings.Replace(url, "client=a", "client=b", 1), nil)
	require.NoError(t, err)
	defer b.Close()

	env, err := protocol.Wrap(protocol.TopicLatex, "", protocol.LatexMessage{Latex: "x", TS: 1})
	require.NoError(t, err)
	require.NoError(t, a.WriteJSON(env))

	for {
		var got protocol.Envelope
		require.NoError(t, b.ReadJSON(&got))
		if got.Topic == protocol.TopicPresence {
			continue
		}
		assert.Equal(t, protocol.TopicLatex, got.Topic)
		assert.Equal(t, "a", got.ClientID)
		return
	}
}
