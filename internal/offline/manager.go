package offline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"

	"collabink/internal/channel"
	"collabink/internal/clock"
	"collabink/internal/control"
)

// Result says what Publish did with an entry.
type Result int

const (
	Published Result = iota
	Queued
	Dropped
)

func (r Result) String() string {
	switch r {
	case Queued:
		return "queued"
	case Dropped:
		return "dropped"
	default:
		return "published"
	}
}

// Config tunes heartbeat and reconnect cadence.
type Config struct {
	// Heartbeat is the connectivity check interval while connected.
	Heartbeat time.Duration
	// FastRetries is the number of reconnect attempts made at
	// FastRetryDelay before backing off.
	FastRetries    int
	FastRetryDelay time.Duration
	// MaxRetryDelay bounds the backed-off reconnect interval.
	MaxRetryDelay time.Duration
	Randomization float64
	// OpTimeout bounds each connect and drain.
	OpTimeout time.Duration
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		Heartbeat:      5 * time.Second,
		FastRetries:    5,
		FastRetryDelay: time.Second,
		MaxRetryDelay:  30 * time.Second,
		Randomization:  0.3,
		OpTimeout:      10 * time.Second,
	}
}

// Manager sends entries when connected, buffers them when not, and
// reconnects the channel on a heartbeat.
type Manager struct {
	ch       channel.Channel
	queue    Queue
	canWrite func() bool
	clock    clock.Clock
	post     func(func())
	logger   *slog.Logger
	cfg      Config
	backoff  *backoff.ExponentialBackOff

	attempts    int
	down        bool
	timer       clock.Timer
	running     bool
	onReconnect []func()
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithConfig(cfg Config) Option { return func(m *Manager) { m.cfg = cfg } }

// WithPoster routes heartbeat callbacks through post, typically the
// session loop, so they run on the same goroutine as everything else.
func WithPoster(post func(func())) Option { return func(m *Manager) { m.post = post } }

// NewManager returns a stopped Manager. canWrite is consulted on every
// publish and drain.
func NewManager(ch channel.Channel, queue Queue, canWrite func() bool, opts ...Option) *Manager {
	m := &Manager{
		ch:       ch,
		queue:    queue,
		canWrite: canWrite,
		clock:    clock.Real(),
		post:     func(fn func()) { fn() },
		logger:   slog.Default(),
		cfg:      DefaultConfig(),
	}
	for _, opt := range opts {
		opt(m)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.FastRetryDelay
	b.MaxInterval = m.cfg.MaxRetryDelay
	b.RandomizationFactor = m.cfg.Randomization
	b.MaxElapsedTime = 0
	b.Clock = m.clock
	b.Reset()
	m.backoff = b
	return m
}

// OnReconnect registers fn to run after each successful reconnect and
// drain.
func (m *Manager) OnReconnect(fn func()) { m.onReconnect = append(m.onReconnect, fn) }

// Attempts returns the reconnect attempts since the last success.
func (m *Manager) Attempts() int { return m.attempts }

// Pending returns the number of buffered entries.
func (m *Manager) Pending() int {
	n, err := m.queue.Len()
	if err != nil {
		m.logger.Warn("outbox length", "err", err)
	}
	return n
}

// Publish sends e, or buffers it while disconnected. Clients without
// write access have the entry dropped.
func (m *Manager) Publish(ctx context.Context, e Entry) (Result, error) {
	if !m.canWrite() {
		return Dropped, control.ErrNoWriteAccess
	}
	if !m.ch.Connected() || m.Pending() > 0 {
		if err := m.queue.Push(e); err != nil {
			return Dropped, fmt.Errorf("buffer %s: %w", e.Topic, err)
		}
		if m.ch.Connected() {
			if err := m.Drain(ctx); err != nil {
				m.logger.Warn("drain outbox", "err", err)
			}
		}
		return Queued, nil
	}
	if err := m.ch.Publish(ctx, e.Topic, e.Record); err != nil {
		m.logger.Warn("publish failed, buffering", "topic", e.Topic, "err", err)
		if qerr := m.queue.Push(e); qerr != nil {
			return Dropped, fmt.Errorf("buffer %s: %w", e.Topic, qerr)
		}
		return Queued, nil
	}
	return Published, nil
}

// Drain republishes buffered entries in order. On failure the entry is
// put back at the head and the error returned.
func (m *Manager) Drain(ctx context.Context) error {
	for {
		if !m.canWrite() {
			return m.Purge()
		}
		e, ok, err := m.queue.Pop()
		if err != nil {
			return fmt.Errorf("pop outbox: %w", err)
		}
		if !ok {
			return nil
		}
		if err := m.ch.Publish(ctx, e.Topic, e.Record); err != nil {
			if qerr := m.queue.PushFront(e); qerr != nil {
				return fmt.Errorf("requeue %s: %w", e.Topic, qerr)
			}
			return fmt.Errorf("republish %s: %w", e.Topic, err)
		}
	}
}

// Purge discards everything buffered.
func (m *Manager) Purge() error {
	if err := m.queue.Clear(); err != nil {
		return fmt.Errorf("purge outbox: %w", err)
	}
	return nil
}

// Start arms the heartbeat.
func (m *Manager) Start() {
	if m.running {
		return
	}
	m.running = true
	m.schedule(m.cfg.Heartbeat)
}

// Stop cancels the heartbeat.
func (m *Manager) Stop() {
	m.running = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Check runs one heartbeat now.
func (m *Manager) Check() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.tick()
}

func (m *Manager) schedule(d time.Duration) {
	if !m.running {
		return
	}
	m.timer = m.clock.AfterFunc(d, func() { m.post(m.tick) })
}

func (m *Manager) tick() {
	if !m.running {
		return
	}
	timeout := m.cfg.OpTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().OpTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if m.ch.Connected() && !m.down {
		if err := m.Drain(ctx); err != nil {
			m.logger.Warn("drain outbox", "err", err)
		}
		m.schedule(m.cfg.Heartbeat)
		return
	}

	if !m.ch.Connected() {
		m.down = true
		m.attempts++
		m.logger.Info("reconnecting", "attempt", m.attempts)
		if err := m.ch.Connect(ctx); err != nil {
			m.logger.Warn("reconnect failed", "attempt", m.attempts, "err", err)
			m.schedule(m.retryDelay())
			return
		}
	}
	if err := m.Drain(ctx); err != nil {
		m.logger.Warn("drain after reconnect", "err", err)
		m.schedule(m.retryDelay())
		return
	}

	m.logger.Info("reconnected", "attempts", m.attempts)
	m.down = false
	m.attempts = 0
	m.backoff.Reset()
	for _, fn := range m.onReconnect {
		fn()
	}
	m.schedule(m.cfg.Heartbeat)
}

// retryDelay is fixed for the first FastRetries attempts and then grows
// exponentially up to MaxRetryDelay.
func (m *Manager) retryDelay() time.Duration {
	if m.attempts < m.cfg.FastRetries {
		return m.cfg.FastRetryDelay
	}
	d := m.backoff.NextBackOff()
	if d == backoff.Stop || d > m.cfg.MaxRetryDelay {
		d = m.cfg.MaxRetryDelay
	}
	return d
}
