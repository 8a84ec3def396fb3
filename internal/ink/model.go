package ink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"collabink/internal/clock"
	"collabink/internal/protocol"
)

// TransientErrorTTL is how long a transient recognizer error stays visible.
const TransientErrorTTL = 5 * time.Second

// Subscription removes a Model listener.
type Subscription struct {
	cancel func()
}

// Cancel removes the listener. It is safe to call more than once.
func (s Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Model is the adapter the rest of the engine talks to. It is not safe
// for concurrent use; callers serialize access on the session loop.
type Model struct {
	runtime *Runtime
	rec     Recognizer
	release func()
	unsub   func()
	clock   clock.Clock
	logger  *slog.Logger

	nextID   int
	changed  map[int]func()
	exported map[int]func(Exports)
	errored  map[int]func(error)

	exports   Exports
	lastErr   error
	lastErrAt time.Time
	fatal     error
	closed    bool
}

// Option configures a Model.
type Option func(*Model)

// WithClock sets the clock used to expire transient errors.
func WithClock(c clock.Clock) Option { return func(m *Model) { m.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Model) { m.logger = l } }

// Attach acquires a recognizer from rt and wraps it.
func Attach(ctx context.Context, rt *Runtime, opts ...Option) (*Model, error) {
	rec, release, err := rt.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	m := &Model{
		runtime:  rt,
		rec:      rec,
		release:  release,
		clock:    clock.Real(),
		logger:   slog.Default(),
		changed:  map[int]func(){},
		exported: map[int]func(Exports){},
		errored:  map[int]func(error){},
	}
	for _, opt := range opts {
		opt(m)
	}
	m.listen()
	return m, nil
}

func (m *Model) listen() {
	m.unsub = m.rec.Subscribe(Listener{
		Changed: func() {
			for _, fn := range m.changed {
				fn()
			}
		},
		Exported: func(e Exports) {
			m.exports = e
			for _, fn := range m.exported {
				fn(e)
			}
		},
		Error: func(err error) {
			m.handleError(err, nil)
		},
	})
}

// OnChanged registers fn for every change to the point-event history.
func (m *Model) OnChanged(fn func()) Subscription {
	id := m.add()
	m.changed[id] = fn
	return Subscription{cancel: func() { delete(m.changed, id) }}
}

// OnExported registers fn for every typeset export.
func (m *Model) OnExported(fn func(Exports)) Subscription {
	id := m.add()
	m.exported[id] = fn
	return Subscription{cancel: func() { delete(m.exported, id) }}
}

// OnError registers fn for surfaced (transient or fatal) errors.
func (m *Model) OnError(fn func(error)) Subscription {
	id := m.add()
	m.errored[id] = fn
	return Subscription{cancel: func() { delete(m.errored, id) }}
}

func (m *Model) add() int {
	m.nextID++
	return m.nextID
}

// Symbols returns a deep copy of the point-event history.
func (m *Model) Symbols() []protocol.Symbol {
	if m.rec == nil {
		return nil
	}
	return protocol.CloneSymbols(m.rec.Symbols())
}

// SymbolCount returns the number of point events in the history.
func (m *Model) SymbolCount() int {
	if m.rec == nil {
		return 0
	}
	return len(m.rec.Symbols())
}

// Exports returns the most recent typeset exports.
func (m *Model) Exports() Exports {
	if m.rec == nil {
		return Exports{}
	}
	if e := m.rec.Exports(); e != (Exports{}) {
		return e
	}
	return m.exports
}

// Clear empties the history.
func (m *Model) Clear() error {
	return m.do("clear", func(r Recognizer) error { return r.Clear() })
}

// Import appends events to the history.
func (m *Model) Import(events []protocol.Symbol) error {
	if len(events) == 0 {
		return nil
	}
	return m.do("import", func(r Recognizer) error { return r.ImportPointEvents(events) })
}

// Rebuild replaces the history with events. If the replay fails the
// previous history is restored; if even that fails the model is left
// empty rather than partially filled.
func (m *Model) Rebuild(events []protocol.Symbol) error {
	previous := m.Symbols()
	if err := m.Clear(); err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	err := m.Import(events)
	if err == nil {
		return nil
	}
	if rerr := m.restore(previous); rerr != nil {
		m.logger.Error("restore after failed rebuild", "err", rerr)
		_ = m.rec.Clear()
	}
	return fmt.Errorf("rebuild: %w", err)
}

func (m *Model) restore(previous []protocol.Symbol) error {
	if err := m.rec.Clear(); err != nil {
		return err
	}
	if len(previous) == 0 {
		return nil
	}
	return m.rec.ImportPointEvents(previous)
}

// Undo reverts the last local change in the recognizer.
func (m *Model) Undo() error { return m.do("undo", func(r Recognizer) error { return r.Undo() }) }

// Redo reapplies the last undone change.
func (m *Model) Redo() error { return m.do("redo", func(r Recognizer) error { return r.Redo() }) }

// Convert asks the recognizer to typeset the current ink.
func (m *Model) Convert() error {
	return m.do("convert", func(r Recognizer) error { return r.Convert() })
}

// Resize tells the recognizer about a new viewport.
func (m *Model) Resize(width, height int) error {
	return m.do("resize", func(r Recognizer) error { return r.Resize(width, height) })
}

// WaitForIdle blocks until the recognizer has finished processing.
func (m *Model) WaitForIdle(ctx context.Context) error {
	if m.rec == nil {
		return ErrNoModel
	}
	return m.rec.WaitForIdle(ctx)
}

// LastError returns the most recent transient error while it is fresh,
// or the fatal error if one occurred.
func (m *Model) LastError() error {
	if m.fatal != nil {
		return m.fatal
	}
	if m.lastErr != nil && m.clock.Now().Sub(m.lastErrAt) < TransientErrorTTL {
		return m.lastErr
	}
	m.lastErr = nil
	return nil
}

// Close unsubscribes from the recognizer and releases the runtime.
func (m *Model) Close() {
	if m.closed {
		return
	}
	m.closed = true
	if m.unsub != nil {
		m.unsub()
	}
	clear(m.changed)
	clear(m.exported)
	clear(m.errored)
	m.release()
	m.rec = nil
}

func (m *Model) do(op string, fn func(Recognizer) error) error {
	if m.rec == nil {
		return ErrNoModel
	}
	if m.fatal != nil {
		return m.fatal
	}
	err := fn(m.rec)
	if err == nil {
		return nil
	}
	return m.handleError(err, fn)
}

// handleError applies the recovery strategy for err. When retry is set
// and the recognizer session expired, the operation is retried once on
// the fresh instance.
func (m *Model) handleError(err error, retry func(Recognizer) error) error {
	switch Classify(err) {
	case SessionExpired:
		m.logger.Info("recognizer session expired, reinitialising")
		if rerr := m.reinit(); rerr != nil {
			return m.surface(rerr)
		}
		if retry == nil {
			return nil
		}
		if err := retry(m.rec); err != nil {
			return m.surface(err)
		}
		return nil
	default:
		return m.surface(err)
	}
}

func (m *Model) surface(err error) error {
	if Classify(err) == Fatal {
		m.fatal = err
		m.logger.Error("recognizer failed", "err", err)
	} else {
		m.lastErr = err
		m.lastErrAt = m.clock.Now()
		m.logger.Warn("recognizer error", "err", err)
	}
	for _, fn := range m.errored {
		fn(err)
	}
	return err
}

func (m *Model) reinit() error {
	history := protocol.CloneSymbols(m.rec.Symbols())
	if m.unsub != nil {
		m.unsub()
	}
	rec, err := m.runtime.Reinit(context.Background())
	if err != nil {
		return err
	}
	m.rec = rec
	m.listen()
	if len(history) > 0 {
		return rec.ImportPointEvents(history)
	}
	return nil
}
