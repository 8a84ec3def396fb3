// Package wsch is a Channel over a websocket to the relay server.
package wsch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabink/internal/channel"
	"collabink/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
)

// Config describes where and as whom to connect.
type Config struct {
	// URL is the relay root, http(s):// or ws(s)://.
	URL      string
	Session  string
	ClientID string
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Conn is a relay-backed channel. It does not reconnect by itself; the
// offline manager calls Connect when Connected reports false.
type Conn struct {
	base    *url.URL
	session string
	id      string
	dialer  *websocket.Dialer
	logger  *slog.Logger

	writeMu sync.Mutex

	mu         sync.Mutex
	ws         *websocket.Conn
	stop       chan struct{}
	closed     bool
	member     *protocol.PresenceClient
	members    map[string]protocol.PresenceClient
	handlers   channel.Handlers[protocol.Envelope]
	presenceHs channel.Handlers[protocol.PresenceEvent]
}

var _ channel.Channel = (*Conn)(nil)

// New validates config and returns a disconnected Conn.
func New(config Config) (*Conn, error) {
	if config.Session == "" || config.ClientID == "" {
		return nil, fmt.Errorf("wsch: session and client id are required")
	}
	base, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("wsch: invalid relay URL %q: %w", config.URL, err)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("wsch: unsupported relay URL scheme %q", base.Scheme)
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		base:    base,
		session: config.Session,
		id:      config.ClientID,
		dialer:  dialer,
		logger:  logger.With("session", config.Session, "client", config.ClientID),
		members: map[string]protocol.PresenceClient{},
	}, nil
}

func (c *Conn) endpoint() string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/sessions/" + url.PathEscape(c.session) + "/ws"
	u.RawPath = ""
	q := url.Values{}
	q.Set("client", c.id)
	c.mu.Lock()
	if c.member != nil {
		q.Set("name", c.member.Name)
		q.Set("admin", strconv.FormatBool(c.member.IsAdmin))
	}
	c.mu.Unlock()
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Conn) ClientID() string { return c.id }

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Connect dials the relay, replacing any previous connection.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connect %s: closed", c.id)
	}
	old := c.ws
	c.mu.Unlock()
	if old != nil {
		c.drop(old)
	}

	ws, _, err := c.dialer.DialContext(ctx, c.endpoint(), nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	c.mu.Lock()
	c.ws = ws
	c.stop = stop
	c.members = map[string]protocol.PresenceClient{}
	member := c.member
	c.mu.Unlock()

	go c.readPump(ws)
	go c.pingLoop(ws, stop)
	c.logger.Info("relay connected")

	if member != nil {
		return c.Enter(ctx, *member)
	}
	return nil
}

// drop tears down ws if it is still the current connection.
func (c *Conn) drop(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
		close(c.stop)
		c.stop = nil
	}
	c.mu.Unlock()
	_ = ws.Close()
}

func (c *Conn) readPump(ws *websocket.Conn) {
	defer c.drop(ws)
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("relay connection lost", "err", err)
			}
			return
		}
		c.dispatch(message)
	}
}

func (c *Conn) pingLoop(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.drop(ws)
				return
			}
		case <-stop:
			return
		}
	}
}

func (c *Conn) dispatch(raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Warn("drop malformed envelope", "err", err)
		return
	}
	if env.Topic != protocol.TopicPresence {
		c.mu.Lock()
		hs := c.handlers.List()
		c.mu.Unlock()
		for _, h := range hs {
			h(env)
		}
		return
	}

	var ev protocol.PresenceEvent
	if err := env.Decode(&ev); err != nil {
		c.logger.Warn("drop malformed presence event", "err", err)
		return
	}
	c.mu.Lock()
	if ev.Action == protocol.PresenceLeave {
		delete(c.members, ev.Member.ClientID)
	} else {
		c.members[ev.Member.ClientID] = ev.Member
	}
	hs := c.presenceHs.List()
	c.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (c *Conn) Publish(_ context.Context, topic string, payload any) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return channel.ErrNotConnected
	}
	env, err := protocol.Wrap(topic, c.id, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	c.writeMu.Lock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	err = ws.WriteMessage(websocket.TextMessage, raw)
	c.writeMu.Unlock()
	if err != nil {
		c.drop(ws)
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (c *Conn) Subscribe(h channel.Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.handlers.Add(h)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.handlers.Remove(id)
	}
}

func (c *Conn) OnPresence(h channel.PresenceHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.presenceHs.Add(h)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.presenceHs.Remove(id)
	}
}

// Enter announces member. It is remembered and repeated on reconnect.
func (c *Conn) Enter(ctx context.Context, member protocol.PresenceClient) error {
	member.ClientID = c.id
	c.mu.Lock()
	c.member = &member
	c.mu.Unlock()
	return c.Publish(ctx, protocol.TopicPresence, protocol.PresenceEvent{Action: protocol.PresenceEnter, Member: member})
}

func (c *Conn) Leave(ctx context.Context) error {
	c.mu.Lock()
	member := c.member
	c.member = nil
	connected := c.ws != nil
	c.mu.Unlock()
	if member == nil || !connected {
		return nil
	}
	return c.Publish(ctx, protocol.TopicPresence, protocol.PresenceEvent{Action: protocol.PresenceLeave, Member: *member})
}

// Members returns the presence set as last reported by the relay.
func (c *Conn) Members(context.Context) ([]protocol.PresenceClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.PresenceClient, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

func (c *Conn) Close() error {
	leaveErr := c.Leave(context.Background())
	c.mu.Lock()
	c.closed = true
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		c.drop(ws)
	}
	return leaveErr
}
