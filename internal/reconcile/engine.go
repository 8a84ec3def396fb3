// Package reconcile applies remote ink snapshots to the local model.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"collabink/internal/clock"
	"collabink/internal/protocol"
)

// Outcome is the result of applying one remote record.
type Outcome int

const (
	Ignored Outcome = iota
	ClearApplied
	FullRebuilt
	DeltaApplied
)

func (o Outcome) String() string {
	switch o {
	case ClearApplied:
		return "clear-applied"
	case FullRebuilt:
		return "full-rebuilt"
	case DeltaApplied:
		return "delta-applied"
	default:
		return "ignored"
	}
}

// Applied reports whether the record changed local state.
func (o Outcome) Applied() bool { return o != Ignored }

// Target is the ink model the engine writes to.
type Target interface {
	SymbolCount() int
	Clear() error
	Import(events []protocol.Symbol) error
	Rebuild(events []protocol.Symbol) error
	WaitForIdle(ctx context.Context) error
}

// State is the per-session reconciliation state. The session owns it
// and shares it with the components that read it.
type State struct {
	SelfID             string
	LastGlobalUpdateTS int64
	LastAppliedVersion int64
	LocalSymbolCount   int
	Applied            *IDSet
	// SuppressUntil blocks local re-broadcast while change notifications
	// from a programmatic replay are still arriving.
	SuppressUntil time.Time
	// Latest is the last known good record, always in full form.
	Latest *protocol.SnapshotRecord
}

// NewState returns the initial state for selfID.
func NewState(selfID string) *State {
	return &State{SelfID: selfID, Applied: NewIDSet(DefaultIDSetCapacity)}
}

// Suppressed reports whether local broadcasts are muted at now.
func (s *State) Suppressed(now time.Time) bool { return now.Before(s.SuppressUntil) }

// Remember stores rec as the latest known good record, in full form.
func (s *State) Remember(rec protocol.SnapshotRecord) {
	stored := rec
	stored.Snapshot = rec.Snapshot.Clone()
	if stored.Snapshot != nil {
		stored.Snapshot.BaseSymbolCount = protocol.Base(protocol.FullSnapshot)
	}
	stored.TargetClientID = ""
	s.Latest = &stored
}

// Defaults for Engine.
const (
	DefaultGuardWindow  = 300 * time.Millisecond
	DefaultDeltaRetries = 2
)

// Engine decides, per remote record, whether to ignore it, clear,
// rebuild, or append a delta.
type Engine struct {
	state        *State
	target       Target
	clock        clock.Clock
	logger       *slog.Logger
	guard        time.Duration
	deltaRetries int
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithGuardWindow sets how long local re-broadcast stays muted after an apply.
func WithGuardWindow(d time.Duration) Option { return func(e *Engine) { e.guard = d } }

// WithDeltaRetries sets how many times a failed delta import is retried
// before falling back to a full rebuild.
func WithDeltaRetries(n int) Option { return func(e *Engine) { e.deltaRetries = n } }

// New returns an engine writing to target.
func New(state *State, target Target, opts ...Option) *Engine {
	e := &Engine{
		state:        state,
		target:       target,
		clock:        clock.Real(),
		logger:       slog.Default(),
		guard:        DefaultGuardWindow,
		deltaRetries: DefaultDeltaRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the shared state.
func (e *Engine) State() *State { return e.state }

// Apply reconciles one remote record. A returned error means the record
// was dropped; local state is unchanged or fully rebuilt, never partial.
func (e *Engine) Apply(ctx context.Context, rec protocol.SnapshotRecord) (Outcome, error) {
	st := e.state
	logger := e.logger.With("origin", rec.OriginClientID, "reason", rec.Reason)

	if rec.TargetClientID != "" && rec.TargetClientID != st.SelfID {
		return Ignored, nil
	}
	isNewer := rec.TS >= st.LastGlobalUpdateTS
	if !isNewer && rec.Reason != protocol.ReasonClear {
		logger.Debug("stale snapshot ignored", "ts", rec.TS, "last", st.LastGlobalUpdateTS)
		return Ignored, nil
	}
	snap := rec.Snapshot
	if snap != nil && snap.SnapshotID != "" && st.Applied.Has(snap.SnapshotID) {
		return Ignored, nil
	}
	if rec.OriginClientID == st.SelfID && rec.TargetClientID == "" {
		return Ignored, nil
	}

	outcome, err := e.dispatch(ctx, rec)
	if err != nil {
		logger.Error("snapshot dropped", "err", err)
		return Ignored, err
	}
	if outcome.Applied() {
		e.commit(rec)
	}
	return outcome, nil
}

func (e *Engine) dispatch(ctx context.Context, rec protocol.SnapshotRecord) (Outcome, error) {
	if rec.Reason == protocol.ReasonClear {
		if err := e.target.Clear(); err != nil {
			return Ignored, fmt.Errorf("clear: %w", err)
		}
		return ClearApplied, nil
	}
	snap := rec.Snapshot
	if snap == nil {
		return Ignored, nil
	}

	incoming := len(snap.Symbols)
	current := e.target.SymbolCount()

	switch {
	case snap.BaseSymbolCount == nil:
		return e.legacy(ctx, snap, incoming, current)
	case snap.IsFull():
		return e.rebuild(snap.Symbols)
	default:
		base := *snap.BaseSymbolCount
		if incoming < base || base > current || base < 0 {
			return e.rebuild(snap.Symbols)
		}
		if base < current {
			// The receiver holds symbols the sender does not know about;
			// appending would duplicate or interleave history.
			return e.rebuild(snap.Symbols)
		}
		return e.delta(ctx, snap.Symbols, base)
	}
}

// legacy handles snapshots from producers that do not send a base count.
func (e *Engine) legacy(ctx context.Context, snap *protocol.InkSnapshot, incoming, current int) (Outcome, error) {
	switch {
	case incoming == current && incoming == 0:
		return Ignored, nil
	case incoming > current:
		return e.delta(ctx, snap.Symbols, current)
	default:
		return e.rebuild(snap.Symbols)
	}
}

func (e *Engine) rebuild(symbols []protocol.Symbol) (Outcome, error) {
	if err := e.target.Rebuild(symbols); err != nil {
		return Ignored, fmt.Errorf("full rebuild: %w", err)
	}
	return FullRebuilt, nil
}

// delta imports symbols[from:], retrying while the recognizer settles,
// then falls back to a full rebuild.
func (e *Engine) delta(ctx context.Context, symbols []protocol.Symbol, from int) (Outcome, error) {
	events := symbols[from:]
	if len(events) == 0 {
		return DeltaApplied, nil
	}

	var lastErr error
	for attempt := 0; attempt <= e.deltaRetries; attempt++ {
		if attempt > 0 {
			if err := e.target.WaitForIdle(ctx); err != nil {
				return Ignored, fmt.Errorf("delta import: %w", err)
			}
		}
		if e.target.SymbolCount() != from {
			// A failed attempt left the history at an unexpected length.
			break
		}
		if lastErr = e.target.Import(events); lastErr == nil {
			return DeltaApplied, nil
		}
		if errors.Is(lastErr, context.Canceled) {
			return Ignored, lastErr
		}
	}
	e.logger.Warn("delta import failed, rebuilding", "err", lastErr, "from", from)
	return e.rebuild(symbols)
}

func (e *Engine) commit(rec protocol.SnapshotRecord) {
	st := e.state
	if rec.Snapshot != nil {
		st.LastAppliedVersion = rec.Snapshot.Version
		if rec.Snapshot.SnapshotID != "" {
			st.Applied.Add(rec.Snapshot.SnapshotID)
		}
	}
	if rec.TS > st.LastGlobalUpdateTS {
		st.LastGlobalUpdateTS = rec.TS
	}
	st.LocalSymbolCount = e.target.SymbolCount()
	st.SuppressUntil = e.clock.Now().Add(e.guard)

	if rec.Reason == protocol.ReasonClear {
		st.Latest = &protocol.SnapshotRecord{
			Snapshot: &protocol.InkSnapshot{
				BaseSymbolCount: protocol.Base(protocol.FullSnapshot),
			},
			TS:             rec.TS,
			Reason:         protocol.ReasonClear,
			OriginClientID: rec.OriginClientID,
		}
		if rec.Snapshot != nil {
			st.Latest.Snapshot.SnapshotID = rec.Snapshot.SnapshotID
			st.Latest.Snapshot.Version = rec.Snapshot.Version
		}
		return
	}
	st.Remember(rec)
}

// Resync unconditionally replaces the local history with rec, ignoring
// staleness, idempotency and pending local edits. It is used when the
// local client loses write access and must converge on the authority.
func (e *Engine) Resync(rec protocol.SnapshotRecord) error {
	var symbols []protocol.Symbol
	if rec.Snapshot != nil && rec.Reason != protocol.ReasonClear {
		symbols = rec.Snapshot.Symbols
	}
	if err := e.target.Rebuild(symbols); err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	e.commit(rec)
	return nil
}
