// Package memory is an in-process channel hub. Every joined client sees
// every envelope in publish order; disconnected clients miss messages.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"collabink/internal/channel"
	"collabink/internal/protocol"
)

// Hub connects the clients of one session.
type Hub struct {
	mu      sync.Mutex
	conns   map[string]*Conn
	members map[string]protocol.PresenceClient
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		conns:   map[string]*Conn{},
		members: map[string]protocol.PresenceClient{},
	}
}

// Join returns a connected channel for clientID.
func (h *Hub) Join(clientID string) *Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := &Conn{hub: h, id: clientID, connected: true}
	h.conns[clientID] = c
	return c
}

func (h *Hub) deliver(env protocol.Envelope) {
	h.mu.Lock()
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	for _, c := range targets {
		c.receive(env)
	}
}

func (h *Hub) presence(ev protocol.PresenceEvent) {
	h.mu.Lock()
	switch ev.Action {
	case protocol.PresenceLeave:
		delete(h.members, ev.Member.ClientID)
	default:
		h.members[ev.Member.ClientID] = ev.Member
	}
	targets := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	for _, c := range targets {
		c.receivePresence(ev)
	}
}

// Conn is one client's channel on a Hub.
type Conn struct {
	hub *Hub
	id  string

	mu         sync.Mutex
	connected  bool
	closed     bool
	member     *protocol.PresenceClient
	handlers   channel.Handlers[protocol.Envelope]
	presenceHs channel.Handlers[protocol.PresenceEvent]
	failures   []error
	published  []protocol.Envelope
}

var _ channel.Channel = (*Conn)(nil)

func (c *Conn) ClientID() string { return c.id }

func (c *Conn) Publish(_ context.Context, topic string, payload any) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return channel.ErrNotConnected
	}
	if len(c.failures) > 0 {
		err := c.failures[0]
		c.failures = c.failures[1:]
		if err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.mu.Unlock()

	env, err := protocol.Wrap(topic, c.id, payload)
	if err != nil {
		return err
	}
	// Round-trip through JSON so receivers never share memory with the
	// publisher.
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	var wire protocol.Envelope
	if err := json.Unmarshal(raw, &wire); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}

	c.mu.Lock()
	c.published = append(c.published, wire)
	c.mu.Unlock()
	c.hub.deliver(wire)
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

func (c *Conn) receive(env protocol.Envelope) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	hs := c.handlers.List()
	c.mu.Unlock()
	for _, h := range hs {
		h(env)
	}
}

func (c *Conn) receivePresence(ev protocol.PresenceEvent) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	hs := c.presenceHs.List()
	c.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (c *Conn) Enter(_ context.Context, member protocol.PresenceClient) error {
	member.ClientID = c.id
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return channel.ErrNotConnected
	}
	c.member = &member
	c.mu.Unlock()
	c.hub.presence(protocol.PresenceEvent{Action: protocol.PresenceEnter, Member: member})
	return nil
}

func (c *Conn) Leave(context.Context) error {
	c.mu.Lock()
	member := c.member
	c.member = nil
	c.mu.Unlock()
	if member != nil {
		c.hub.presence(protocol.PresenceEvent{Action: protocol.PresenceLeave, Member: *member})
	}
	return nil
}

func (c *Conn) Members(context.Context) ([]protocol.PresenceClient, error) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	out := make([]protocol.PresenceClient, 0, len(c.hub.members))
	for _, m := range c.hub.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
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

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connect %s: closed", c.id)
	}
	c.connected = true
	member := c.member
	c.mu.Unlock()
	if member != nil {
		return c.Enter(ctx, *member)
	}
	return nil
}

// Disconnect simulates a transport drop. Presence is lost as it would
// be on a timeout.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.connected = false
	member := c.member
	c.mu.Unlock()
	if member != nil {
		c.hub.presence(protocol.PresenceEvent{Action: protocol.PresenceLeave, Member: *member})
	}
}

// FailNextPublish makes the next Publish return err. A nil err lets
// that publish through, so failures can be placed later in a sequence.
func (c *Conn) FailNextPublish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, err)
}

// Published returns the envelopes this client has published.
func (c *Conn) Published(topic string) []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range c.published {
		if topic == "" || env.Topic == topic {
			out = append(out, env)
		}
	}
	return out
}

func (c *Conn) Close() error {
	_ = c.Leave(context.Background())
	c.mu.Lock()
	c.closed = true
	c.connected = false
	c.mu.Unlock()

	c.hub.mu.Lock()
	delete(c.hub.conns, c.id)
	c.hub.mu.Unlock()
	return nil
}
