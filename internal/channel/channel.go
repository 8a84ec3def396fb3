// Package channel defines the pub/sub transport boundary of a session.
// Implementations carry envelopes and presence; they hold no business
// logic.
package channel

import (
	"context"
	"errors"

	"collabink/internal/protocol"
)

// ErrNotConnected is returned by Publish while the transport is down.
var ErrNotConnected = errors.New("channel not connected")

// Handler receives every envelope published on the channel, including
// the subscriber's own. It may be called from a transport goroutine.
type Handler func(protocol.Envelope)

// PresenceHandler receives membership changes.
type PresenceHandler func(protocol.PresenceEvent)

// Channel is one client's view of a session channel.
type Channel interface {
	// ClientID identifies this client on the channel.
	ClientID() string
	Publish(ctx context.Context, topic string, payload any) error
	Subscribe(h Handler) (unsubscribe func())

	Enter(ctx context.Context, member protocol.PresenceClient) error
	Leave(ctx context.Context) error
	Members(ctx context.Context) ([]protocol.PresenceClient, error)
	OnPresence(h PresenceHandler) (unsubscribe func())

	Connected() bool
	// Connect (re)establishes the transport, re-entering presence if the
	// client had entered before.
	Connect(ctx context.Context) error
	Close() error
}

// Handlers is a registry of subscribers shared by implementations.
type Handlers[T any] struct {
	next int
	fns  map[int]func(T)
}

// Add registers fn and returns its id. Callers guard the registry with
// their own lock.
func (h *Handlers[T]) Add(fn func(T)) (id int) {
	if h.fns == nil {
		h.fns = map[int]func(T){}
	}
	h.next++
	h.fns[h.next] = fn
	return h.next
}

// Remove drops the handler with id.
func (h *Handlers[T]) Remove(id int) { delete(h.fns, id) }

// List returns the registered handlers in no particular order.
func (h *Handlers[T]) List() []func(T) {
	out := make([]func(T), 0, len(h.fns))
	for _, fn := range h.fns {
		out = append(out, fn)
	}
	return out
}
