package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"collabink/internal/channel/redisch"
	"collabink/internal/protocol"
)

// Broker fans messages out between relay instances and tracks presence.
type Broker interface {
	Publish(ctx context.Context, session string, payload []byte) error
	Subscribe(ctx context.Context, session string) (Subscription, error)
	SetMember(ctx context.Context, session string, m protocol.PresenceClient) error
	RemoveMember(ctx context.Context, session, clientID string) error
	Members(ctx context.Context, session string) ([]protocol.PresenceClient, error)
}

// Subscription is a live feed of one session's messages.
type Subscription interface {
	Messages() <-chan []byte
	Close() error
}

// RedisBroker is a Broker on Redis pub/sub, compatible with redisch
// clients.
type RedisBroker struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
}

func NewRedisBroker(rdb redis.UniversalClient, logger *slog.Logger) *RedisBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{rdb: rdb, logger: logger}
}

func (b *RedisBroker) Publish(ctx context.Context, session string, payload []byte) error {
	if err := b.rdb.Publish(ctx, redisch.ChannelName(session), payload).Err(); err != nil {
		return fmt.Errorf("publish to redis: %w", err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, session string) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, redisch.ChannelName(session))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", redisch.ChannelName(session), err)
	}
	sub := &redisSubscription{ps: ps, out: make(chan []byte, subscriptionBuffer)}
	go sub.pump()
	return sub, nil
}

func (b *RedisBroker) SetMember(ctx context.Context, session string, m protocol.PresenceClient) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode member: %w", err)
	}
	return b.rdb.HSet(ctx, redisch.PresenceKey(session), m.ClientID, raw).Err()
}

func (b *RedisBroker) RemoveMember(ctx context.Context, session, clientID string) error {
	return b.rdb.HDel(ctx, redisch.PresenceKey(session), clientID).Err()
}

func (b *RedisBroker) Members(ctx context.Context, session string) ([]protocol.PresenceClient, error) {
	fields, err := b.rdb.HGetAll(ctx, redisch.PresenceKey(session)).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	return redisch.DecodeMembers(fields, b.logger), nil
}

const subscriptionBuffer = 256

type redisSubscription struct {
	ps  *redis.PubSub
	out chan []byte
}

func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		s.out <- []byte(msg.Payload)
	}
}

func (s *redisSubscription) Messages() <-chan []byte { return s.out }
func (s *redisSubscription) Close() error             { return s.ps.Close() }

// MemoryBroker is a single-process Broker.
type MemoryBroker struct {
	mu      sync.Mutex
	subs    map[string]map[*memorySubscription]struct{}
	members map[string]map[string]protocol.PresenceClient
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subs:    map[string]map[*memorySubscription]struct{}{},
		members: map[string]map[string]protocol.PresenceClient{},
	}
}

func (b *MemoryBroker) Publish(_ context.Context, session string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[session] {
		msg := append([]byte(nil), payload...)
		select {
		case sub.out <- msg:
		default:
			// slow subscriber; drop like a lagging pub/sub client
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, session string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &memorySubscription{broker: b, session: session, out: make(chan []byte, subscriptionBuffer)}
	if b.subs[session] == nil {
		b.subs[session] = map[*memorySubscription]struct{}{}
	}
	b.subs[session][sub] = struct{}{}
	return sub, nil
}

func (b *MemoryBroker) SetMember(_ context.Context, session string, m protocol.PresenceClient) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.members[session] == nil {
		b.members[session] = map[string]protocol.PresenceClient{}
	}
	b.members[session][m.ClientID] = m
	return nil
}

func (b *MemoryBroker) RemoveMember(_ context.Context, session, clientID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.members[session], clientID)
	return nil
}

func (b *MemoryBroker) Members(_ context.Context, session string) ([]protocol.PresenceClient, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]protocol.PresenceClient, 0, len(b.members[session]))
	for _, m := range b.members[session] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

type memorySubscription struct {
	broker  *MemoryBroker
	session string
	out     chan []byte
	once    sync.Once
}

func (s *memorySubscription) Messages() <-chan []byte { return s.out }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.broker.mu.Lock()
		delete(s.broker.subs[s.session], s)
		s.broker.mu.Unlock()
		close(s.out)
	})
	return nil
}
