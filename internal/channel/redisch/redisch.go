// Package redisch carries a session channel over Redis pub/sub, with
// presence kept in a Redis hash. The relay server speaks the same
// format, so relay and direct clients share a session.
package redisch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"collabink/internal/channel"
	"collabink/internal/protocol"
)

const keyPrefix = "collabink:"

// ChannelName is the pub/sub channel of a session.
func ChannelName(session string) string { return keyPrefix + session }

// PresenceKey is the hash of present members, keyed by client id.
func PresenceKey(session string) string { return keyPrefix + session + ":presence" }

// Conn is one client's channel on Redis.
type Conn struct {
	rdb     redis.UniversalClient
	session string
	id      string
	logger  *slog.Logger

	mu         sync.Mutex
	pubsub     *redis.PubSub
	connected  bool
	closed     bool
	member     *protocol.PresenceClient
	handlers   channel.Handlers[protocol.Envelope]
	presenceHs channel.Handlers[protocol.PresenceEvent]
}

var _ channel.Channel = (*Conn)(nil)

// New returns a disconnected channel; call Connect before use.
func New(rdb redis.UniversalClient, session, clientID string, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{
		rdb:     rdb,
		session: session,
		id:      clientID,
		logger:  logger.With("session", session, "client", clientID),
	}
}

func (c *Conn) ClientID() string { return c.id }

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Conn) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Connect subscribes to the session channel and waits for Redis to
// confirm the subscription.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connect %s: closed", c.id)
	}
	old := c.pubsub
	c.pubsub = nil
	c.connected = false
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	ps := c.rdb.Subscribe(ctx, ChannelName(c.session))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", ChannelName(c.session), err)
	}

	c.mu.Lock()
	c.pubsub = ps
	c.connected = true
	member := c.member
	c.mu.Unlock()
	go c.pump(ps.Channel())
	c.logger.Info("redis channel connected")

	if member != nil {
		return c.Enter(ctx, *member)
	}
	return nil
}

func (c *Conn) pump(messages <-chan *redis.Message) {
	for msg := range messages {
		c.dispatch([]byte(msg.Payload))
	}
}

// dispatch routes one wire envelope to the envelope or presence handlers.
func (c *Conn) dispatch(raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.logger.Warn("drop malformed envelope", "err", err)
		return
	}
	if env.Topic == protocol.TopicPresence {
		var ev protocol.PresenceEvent
		if err := env.Decode(&ev); err != nil {
			c.logger.Warn("drop malformed presence event", "err", err)
			return
		}
		c.mu.Lock()
		hs := c.presenceHs.List()
		c.mu.Unlock()
		for _, h := range hs {
			h(ev)
		}
		return
	}
	c.mu.Lock()
	hs := c.handlers.List()
	c.mu.Unlock()
	for _, h := range hs {
		h(env)
	}
}

func (c *Conn) Publish(ctx context.Context, topic string, payload any) error {
	if !c.Connected() {
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
	if err := c.rdb.Publish(ctx, ChannelName(c.session), raw).Err(); err != nil {
		c.setConnected(false)
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

func (c *Conn) Enter(ctx context.Context, member protocol.PresenceClient) error {
	member.ClientID = c.id
	c.mu.Lock()
	c.member = &member
	c.mu.Unlock()

	raw, err := json.Marshal(member)
	if err != nil {
		return fmt.Errorf("encode member: %w", err)
	}
	if err := c.rdb.HSet(ctx, PresenceKey(c.session), c.id, raw).Err(); err != nil {
		return fmt.Errorf("enter presence: %w", err)
	}
	return c.Publish(ctx, protocol.TopicPresence, protocol.PresenceEvent{Action: protocol.PresenceEnter, Member: member})
}

func (c *Conn) Leave(ctx context.Context) error {
	c.mu.Lock()
	member := c.member
	c.member = nil
	c.mu.Unlock()
	if member == nil {
		return nil
	}
	if err := c.rdb.HDel(ctx, PresenceKey(c.session), c.id).Err(); err != nil {
		return fmt.Errorf("leave presence: %w", err)
	}
	return c.Publish(ctx, protocol.TopicPresence, protocol.PresenceEvent{Action: protocol.PresenceLeave, Member: *member})
}

func (c *Conn) Members(ctx context.Context) ([]protocol.PresenceClient, error) {
	fields, err := c.rdb.HGetAll(ctx, PresenceKey(c.session)).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	return DecodeMembers(fields, c.logger), nil
}

// DecodeMembers parses the presence hash, skipping malformed entries.
func DecodeMembers(fields map[string]string, logger *slog.Logger) []protocol.PresenceClient {
	out := make([]protocol.PresenceClient, 0, len(fields))
	for id, raw := range fields {
		var m protocol.PresenceClient
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			logger.Warn("skip malformed presence entry", "member", id, "err", err)
			continue
		}
		m.ClientID = id
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

func (c *Conn) Close() error {
	leaveErr := c.Leave(context.Background())
	c.mu.Lock()
	ps := c.pubsub
	c.pubsub = nil
	c.closed = true
	c.connected = false
	c.mu.Unlock()
	if ps != nil {
		if err := ps.Close(); err != nil {
			return fmt.Errorf("close subscription: %w", err)
		}
	}
	return leaveErr
}
