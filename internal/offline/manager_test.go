package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"collabink/internal/channel/memory"
	"collabink/internal/clock"
	"collabink/internal/control"
	"collabink/internal/protocol"
)

type flaky struct {
	*memory.Conn
	connectErrs []error
}

func (f *flaky) Connect(ctx context.Context) error {
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}
	return f.Conn.Connect(ctx)
}

func entry(id string) Entry {
	return Entry{
		Topic: protocol.TopicStroke,
		Record: protocol.SnapshotRecord{
			Snapshot: &protocol.InkSnapshot{SnapshotID: id, BaseSymbolCount: protocol.Base(protocol.FullSnapshot)},
			Reason:   protocol.ReasonUpdate,
		},
	}
}

func ids(t *testing.T, envs []protocol.Envelope) []string {
	t.Helper()
	out := make([]string, 0, len(envs))
	for _, env := range envs {
		var rec protocol.SnapshotRecord
		require.NoError(t, env.Decode(&rec))
		out = append(out, rec.Snapshot.SnapshotID)
	}
	return out
}

type harness struct {
	conn    *flaky
	manager *Manager
	clock   *clock.FakeClock
	write   bool
}

func newHarness(t *testing.T, queue Queue) *harness {
	t.Helper()
	h := &harness{
		conn:  &flaky{Conn: memory.NewHub().Join("s1")},
		clock: clock.Fake(time.Unix(0, 0)),
		write: true,
	}
	cfg := DefaultConfig()
	cfg.Randomization = 0
	h.manager = NewManager(h.conn, queue, func() bool { return h.write }, WithClock(h.clock), WithConfig(cfg))
	return h
}

func TestPublishWhileConnected(t *testing.T) {
	h := newHarness(t, NewMemoryQueue())
	res, err := h.manager.Publish(context.Background(), entry("a"))
	require.NoError(t, err)
	assert.Equal(t, Published, res)
	assert.Equal(t, []string{"a"}, ids(t, h.conn.Published(protocol.TopicStroke)))
}

func TestPublishWithoutWriteAccessIsDropped(t *testing.T) {
	h := newHarness(t, NewMemoryQueue())
	h.write = false
	h.conn.Disconnect()

	res, err := h.manager.Publish(context.Background(), entry("a"))
	assert.ErrorIs(t, err, control.ErrNoWriteAccess)
	assert.Equal(t, Dropped, res)
	assert.Zero(t, h.manager.Pending())
}

func TestOfflineEntriesReplayInOrderOnReconnect(t *testing.T) {
	h := newHarness(t, NewMemoryQueue())
	reconnects := 0
	h.manager.OnReconnect(func() { reconnects++ })
	h.manager.Start()
	defer h.manager.Stop()

	h.conn.Disconnect()
	for _, id := range []string{"a", "b", "c"} {
		res, err := h.manager.Publish(context.Background(), entry(id))
		require.NoError(t, err)
		assert.Equal(t, Queued, res)
	}
	assert.Equal(t, 3, h.manager.Pending())

	h.conn.connectErrs = []error{errors.New("refused")}
	h.clock.Advance(DefaultConfig().Heartbeat)
	assert.Equal(t, 1, h.manager.Attempts())
	assert.Zero(t, reconnects)

	h.clock.Advance(DefaultConfig().FastRetryDelay)
	assert.Equal(t, []string{"a", "b", "c"}, ids(t, h.conn.Published(protocol.TopicStroke)))
	assert.Zero(t, h.manager.Pending())
	assert.Zero(t, h.manager.Attempts())
	assert.Equal(t, 1, reconnects)
}

func TestDrainFailureRequeuesAtHead(t *testing.T) {
	h := newHarness(t, NewMemoryQueue())
	h.conn.Disconnect()
	for _, id := range []string{"a", "b", "c"} {
		_, err := h.manager.Publish(context.Background(), entry(id))
		require.NoError(t, err)
	}
	require.NoError(t, h.conn.Connect(context.Background()))

	h.conn.FailNextPublish(nil)
	h.conn.FailNextPublish(errors.New("ack lost"))
	err := h.manager.Drain(context.Background())
	require.ErrorContains(t, err, "ack lost")
	assert.Equal(t, 2, h.manager.Pending())

	require.NoError(t, h.manager.Drain(context.Background()))
	assert.Equal(t, []string{"a", "b", "c"}, ids(t, h.conn.Published(protocol.TopicStroke)))
}

func TestPublishFailureBuffersAndKeepsOrder(t *testing.T) {
	h := newHarness(t, NewMemoryQueue())
	h.conn.FailNextPublish(errors.New("timeout"))

	res, err := h.manager.Publish(context.Background(), entry("a"))
	require.NoError(t, err)
	assert.Equal(t, Queued, res)

	res, err = h.manager.Publish(context.Background(), entry("b"))
	require.NoError(t, err)
	assert.Equal(t, Queued, res)
	assert.Equal(t, []string{"a", "b"}, ids(t, h.conn.Published(protocol.TopicStroke)))
}

func TestDrainPurgesWhenAccessLost(t *testing.T) {
	h := newHarness(t, NewMemoryQueue())
	h.conn.Disconnect()
	_, err := h.manager.Publish(context.Background(), entry("a"))
	require.NoError(t, err)

	h.write = false
	require.NoError(t, h.conn.Connect(context.Background()))
	require.NoError(t, h.manager.Drain(context.Background()))
	assert.Zero(t, h.manager.Pending())
	assert.Empty(t, h.conn.Published(protocol.TopicStroke))
}

func TestRetryCadenceIsAggressiveThenBounded(t *testing.T) {
	h := newHarness(t, NewMemoryQueue())
	cfg := DefaultConfig()

	var delays []time.Duration
	for attempt := 1; attempt <= 20; attempt++ {
		h.manager.attempts = attempt
		delays = append(delays, h.manager.retryDelay())
	}
	for i := 0; i < cfg.FastRetries-1; i++ {
		assert.Equal(t, cfg.FastRetryDelay, delays[i], "attempt %d", i+1)
	}
	for i := cfg.FastRetries; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
		assert.LessOrEqual(t, delays[i], cfg.MaxRetryDelay)
	}
	assert.Equal(t, cfg.MaxRetryDelay, delays[len(delays)-1])
}

func TestStopCancelsHeartbeat(t *testing.T) {
	h := newHarness(t, NewMemoryQueue())
	h.manager.Start()
	assert.Equal(t, 1, h.clock.Pending())
	h.manager.Stop()
	assert.Zero(t, h.clock.Pending())

	h.conn.Disconnect()
	h.clock.Advance(time.Minute)
	assert.Zero(t, h.manager.Attempts())
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestBoltQueuePersistsOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")
	q, err := OpenBoltQueue(path, discard)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Push(entry(fmt.Sprint(i))))
	}
	first, ok, err := q.Pop()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "0", first.Record.Snapshot.SnapshotID)
	require.NoError(t, q.PushFront(first))
	require.NoError(t, q.Close())

	q, err = OpenBoltQueue(path, discard)
	require.NoError(t, err)
	defer q.Close()

	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var got []string
	for {
		e, ok, err := q.Pop()
		require.NoError(t, err)
		if !ok {
			break
		}
		assert.True(t, e.Record.Snapshot.IsFull())
		got = append(got, e.Record.Snapshot.SnapshotID)
	}
	assert.Equal(t, []string{"0", "1", "2"}, got)

	require.NoError(t, q.Push(entry("x")))
	require.NoError(t, q.Clear())
	n, err = q.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBoltQueueSkipsUndecodableEntries(t *testing.T) {
	q, err := OpenBoltQueue(filepath.Join(t.TempDir(), "outbox.db"), discard)
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(outboxBucket).Put(key(keyOffset), []byte{0xff, 0x00})
	}))
	require.NoError(t, q.Push(entry("ok")))

	e, ok, err := q.Pop()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ok", e.Record.Snapshot.SnapshotID)

	n, err := q.Len()
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(outboxBucket).Put(key(keyOffset), []byte{0xff})
	}))
	_, ok, err = q.Pop()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManagerWithBoltQueue(t *testing.T) {
	q, err := OpenBoltQueue(filepath.Join(t.TempDir(), "outbox.db"), discard)
	require.NoError(t, err)
	defer q.Close()

	h := newHarness(t, q)
	h.conn.Disconnect()
	_, err = h.manager.Publish(context.Background(), entry("a"))
	require.NoError(t, err)
	require.NoError(t, h.conn.Connect(context.Background()))
	require.NoError(t, h.manager.Drain(context.Background()))
	assert.Equal(t, []string{"a"}, ids(t, h.conn.Published(protocol.TopicStroke)))
}
