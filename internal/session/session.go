// Package session runs one participant of a collaborative ink session.
// It wires the ink model, snapshot builder, reconciliation engine,
// control manager, outbox and diagram editor onto a single event loop.
//
// Every method must be called on the session loop; use Post from other
// goroutines.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"collabink/internal/channel"
	"collabink/internal/clock"
	"collabink/internal/control"
	"collabink/internal/diagram"
	"collabink/internal/ink"
	"collabink/internal/loop"
	"collabink/internal/offline"
	"collabink/internal/protocol"
	"collabink/internal/reconcile"
	"collabink/internal/snapshot"
	"collabink/internal/store"
)

// Defaults for Config.
const (
	DefaultDebounce  = 250 * time.Millisecond
	DefaultOpTimeout = 10 * time.Second
)

// Config identifies the participant and tunes timing.
type Config struct {
	SessionID string
	ClientID  string
	Name      string
	IsTeacher bool

	// Debounce is the quiet period before local edits are broadcast.
	Debounce time.Duration
	// GuardWindow mutes local broadcasts after a remote apply.
	GuardWindow time.Duration
	// OpTimeout bounds each publish and store call.
	OpTimeout time.Duration
	Offline   offline.Config
	// HistoryLimit is the diagram undo depth; see diagram.NewHistory.
	HistoryLimit int
}

// Deps are the collaborators of a Session. Channel and Runtime are
// required.
type Deps struct {
	Channel channel.Channel
	Runtime *ink.Runtime
	// Queue defaults to an in-memory outbox.
	Queue offline.Queue
	// Store is optional; without it nothing is persisted.
	Store store.Store
	// Loop defaults to a new loop the caller must run.
	Loop   *loop.Loop
	Clock  clock.Clock
	Logger *slog.Logger
	// Async runs background store calls. Defaults to a goroutine.
	Async func(func())
}

// View is the presentation state driven by teacher actions.
type View struct {
	LatexDisplay     bool   `json:"latexDisplay"`
	Latex            string `json:"latex,omitempty"`
	BroadcastStudent string `json:"broadcastStudent,omitempty"`
	StackedNotes     bool   `json:"stackedNotes"`
}

// Session is one participant.
type Session struct {
	cfg    Config
	ch     channel.Channel
	store  store.Store
	loop   *loop.Loop
	clock  clock.Clock
	logger *slog.Logger
	async  func(func())

	model    *ink.Model
	builder  *snapshot.Builder
	state    *reconcile.State
	engine   *reconcile.Engine
	control  *control.Manager
	outbox   *offline.Manager
	diagrams *diagram.Editor

	// pending is the single coalesced broadcast slot.
	pending    *protocol.InkSnapshot
	pendingGen int
	timer      clock.Timer

	// baselineEpoch advances whenever the history is reset to match a
	// remote state; observations taken before that are stale.
	baselineEpoch atomic.Uint64

	remote   []protocol.Envelope
	draining bool

	members  map[string]protocol.PresenceClient
	latex    protocol.LatexMessage
	view     View
	actionTS map[string]int64

	listeners []func(Event)
	unsubs    []func()
	inkSubs   []ink.Subscription
	started   bool
	joined    bool
	closed    bool
}

// New attaches an ink model and builds a stopped Session.
func New(ctx context.Context, cfg Config, deps Deps) (*Session, error) {
	if cfg.SessionID == "" || cfg.ClientID == "" {
		return nil, errors.New("session: session and client id are required")
	}
	if deps.Channel == nil || deps.Runtime == nil {
		return nil, errors.New("session: channel and runtime are required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.GuardWindow <= 0 {
		cfg.GuardWindow = reconcile.DefaultGuardWindow
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}
	if cfg.Offline == (offline.Config{}) {
		cfg.Offline = offline.DefaultConfig()
	}
	if deps.Queue == nil {
		deps.Queue = offline.NewMemoryQueue()
	}
	if deps.Loop == nil {
		deps.Loop = loop.New()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Async == nil {
		deps.Async = func(fn func()) { go fn() }
	}
	logger := deps.Logger.With("session", cfg.SessionID, "client", cfg.ClientID)

	model, err := ink.Attach(ctx, deps.Runtime, ink.WithClock(deps.Clock), ink.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("session: attach ink model: %w", err)
	}

	s := &Session{
		cfg:      cfg,
		ch:       deps.Channel,
		store:    deps.Store,
		loop:     deps.Loop,
		clock:    deps.Clock,
		logger:   logger,
		async:    deps.Async,
		model:    model,
		members:  map[string]protocol.PresenceClient{},
		actionTS: map[string]int64{},
	}
	s.builder = snapshot.NewBuilder(cfg.ClientID, deps.Clock)
	s.builder.Attach(model)
	s.state = reconcile.NewState(cfg.ClientID)
	s.engine = reconcile.New(s.state, model,
		reconcile.WithClock(deps.Clock),
		reconcile.WithLogger(logger),
		reconcile.WithGuardWindow(cfg.GuardWindow))
	s.control = control.New(cfg.ClientID, cfg.Name, cfg.IsTeacher,
		control.PublisherFunc(func(ctx context.Context, msg protocol.ControlMessage) error {
			return s.ch.Publish(ctx, protocol.TopicControl, msg)
		}), deps.Clock, logger)
	s.outbox = offline.NewManager(deps.Channel, deps.Queue, s.control.CanWrite,
		offline.WithClock(deps.Clock),
		offline.WithLogger(logger),
		offline.WithConfig(cfg.Offline),
		offline.WithPoster(func(fn func()) { s.loop.Post(fn) }))

	editorOpts := []diagram.Option{
		diagram.WithPublisher(diagram.PublisherFunc(func(ctx context.Context, msg protocol.DiagramMessage) error {
			return s.ch.Publish(ctx, protocol.TopicDiagram, msg)
		})),
		diagram.WithLogger(logger),
		diagram.WithAsync(deps.Async),
		diagram.WithHistoryLimit(cfg.HistoryLimit),
		diagram.OnChange(func(id string) { s.emit(Event{Kind: EventDiagram, DiagramID: id}) }),
	}
	if deps.Store != nil {
		editorOpts = append(editorOpts, diagram.WithStore(deps.Store))
	}
	s.diagrams = diagram.NewEditor(cfg.SessionID, cfg.ClientID, cfg.IsTeacher, editorOpts...)
	return s, nil
}

// Post runs fn on the session loop.
func (s *Session) Post(fn func()) bool { return s.loop.Post(fn) }

func (s *Session) Loop() *loop.Loop                { return s.loop }
func (s *Session) Config() Config                  { return s.cfg }
func (s *Session) Model() *ink.Model               { return s.model }
func (s *Session) State() *reconcile.State         { return s.state }
func (s *Session) Control() *control.Manager       { return s.control }
func (s *Session) Outbox() *offline.Manager        { return s.outbox }
func (s *Session) Diagrams() *diagram.Editor       { return s.diagrams }
func (s *Session) Latex() protocol.LatexMessage    { return s.latex }
func (s *Session) View() View                      { return s.view }
func (s *Session) Pending() *protocol.InkSnapshot  { return s.pending }

// Members returns the participants currently present.
func (s *Session) Members() []protocol.PresenceClient {
	out := make([]protocol.PresenceClient, 0, len(s.members))
	for _, m := range s.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// OnEvent registers fn for session events. fn runs on the loop.
func (s *Session) OnEvent(fn func(Event)) { s.listeners = append(s.listeners, fn) }

func (s *Session) emit(ev Event) {
	for _, fn := range s.listeners {
		fn(ev)
	}
}

func (s *Session) emitInk() {
	s.emit(Event{Kind: EventInk, SymbolCount: s.model.SymbolCount(), Latex: s.model.Exports().Latex})
}

func (s *Session) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.cfg.OpTimeout)
}

// Start subscribes to the channel, joins presence, asks for the current
// state and arms the heartbeat. A failed initial connect is retried by
// the heartbeat.
func (s *Session) Start(ctx context.Context) error {
	if s.closed {
		return errors.New("session: closed")
	}
	if s.started {
		return nil
	}
	s.started = true

	s.unsubs = append(s.unsubs,
		s.ch.Subscribe(func(env protocol.Envelope) {
			s.loop.Post(func() { s.enqueue(env) })
		}),
		s.ch.OnPresence(func(ev protocol.PresenceEvent) {
			s.loop.Post(func() { s.handlePresence(ev) })
		}),
	)
	s.inkSubs = append(s.inkSubs,
		s.model.OnChanged(func() {
			// The length is read now: a shrink that is undone before the
			// loop runs must still reach the builder.
			n, epoch := s.model.SymbolCount(), s.baselineEpoch.Load()
			s.loop.Post(func() {
				if epoch == s.baselineEpoch.Load() {
					s.builder.Observe(n)
				}
				s.localChanged()
			})
		}),
		s.model.OnExported(func(ink.Exports) { s.loop.Post(s.localChanged) }),
		s.model.OnError(func(err error) {
			s.loop.Post(func() { s.emit(Event{Kind: EventError, Error: err.Error()}) })
		}),
	)
	s.control.OnAccessChange(s.accessChanged)
	s.outbox.OnReconnect(s.reconnected)

	if !s.ch.Connected() {
		if err := s.ch.Connect(ctx); err != nil {
			s.logger.Warn("initial connect failed, will retry", "err", err)
		}
	}
	if s.ch.Connected() {
		s.join(ctx)
	}
	if s.cfg.IsTeacher {
		if err := s.control.EnsureInitialLock(ctx); err != nil {
			s.logger.Warn("assert initial lock", "err", err)
		}
		s.restore()
	}
	s.outbox.Start()
	s.logger.Info("session started", "teacher", s.cfg.IsTeacher)
	return nil
}

func (s *Session) join(ctx context.Context) {
	s.joined = true
	member := protocol.PresenceClient{ClientID: s.cfg.ClientID, Name: s.cfg.Name, IsAdmin: s.cfg.IsTeacher}
	if err := s.ch.Enter(ctx, member); err != nil {
		s.logger.Warn("enter presence", "err", err)
	}
	s.refreshMembers(ctx)
	if err := s.RequestSync(ctx); err != nil {
		s.logger.Warn("request sync", "err", err)
	}
}

func (s *Session) refreshMembers(ctx context.Context) {
	members, err := s.ch.Members(ctx)
	if err != nil {
		s.logger.Warn("list members", "err", err)
		return
	}
	s.members = map[string]protocol.PresenceClient{}
	for _, m := range members {
		s.members[m.ClientID] = m
	}
	s.emit(Event{Kind: EventPresence, Members: s.Members()})
}

// fromTeacher reports whether id is present as an admin. An unknown
// sender triggers one presence refresh before it is rejected.
func (s *Session) fromTeacher(id string) bool {
	if id == "" {
		return false
	}
	if id == s.cfg.ClientID {
		return s.cfg.IsTeacher
	}
	m, ok := s.members[id]
	if !ok {
		ctx, cancel := s.opContext()
		s.refreshMembers(ctx)
		cancel()
		m, ok = s.members[id]
	}
	return ok && m.IsAdmin
}

func (s *Session) reconnected() {
	if s.closed {
		return
	}
	ctx, cancel := s.opContext()
	defer cancel()
	if !s.joined {
		s.join(ctx)
	} else {
		s.refreshMembers(ctx)
		if err := s.RequestSync(ctx); err != nil {
			s.logger.Warn("request sync after reconnect", "err", err)
		}
	}
	if err := s.control.Reassert(ctx); err != nil {
		s.logger.Warn("reassert control", "err", err)
	}
}

// Close cancels timers, leaves presence and releases the ink model. The
// channel and loop stay with their owner.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.cancelPending()
	s.outbox.Stop()
	for _, unsub := range s.unsubs {
		unsub()
	}
	for _, sub := range s.inkSubs {
		sub.Cancel()
	}
	s.remote = nil

	ctx, cancel := s.opContext()
	defer cancel()
	if err := s.ch.Leave(ctx); err != nil {
		s.logger.Warn("leave presence", "err", err)
	}
	s.builder.Detach()
	s.model.Close()
	s.logger.Info("session closed")
}

// RequestSync asks the channel to resend the current state.
func (s *Session) RequestSync(ctx context.Context) error {
	req := protocol.SyncRequest{ClientID: s.cfg.ClientID, TS: s.clock.Now().UnixMilli()}
	if err := s.ch.Publish(ctx, protocol.TopicSyncRequest, req); err != nil {
		return fmt.Errorf("publish sync request: %w", err)
	}
	return nil
}

// enqueue adds a remote envelope to the processing queue. Envelopes are
// handled one per loop turn.
func (s *Session) enqueue(env protocol.Envelope) {
	if s.closed {
		return
	}
	s.remote = append(s.remote, env)
	if !s.draining {
		s.draining = true
		s.loop.Post(s.drainOne)
	}
}

func (s *Session) drainOne() {
	if s.closed || len(s.remote) == 0 {
		s.draining = false
		return
	}
	env := s.remote[0]
	s.remote = s.remote[1:]
	s.route(env)
	if len(s.remote) > 0 {
		s.loop.Post(s.drainOne)
		return
	}
	s.draining = false
}

func (s *Session) route(env protocol.Envelope) {
	logger := s.logger.With("topic", env.Topic, "from", env.ClientID)
	switch env.Topic {
	case protocol.TopicStroke, protocol.TopicSyncState:
		var rec protocol.SnapshotRecord
		if err := env.Decode(&rec); err != nil {
			logger.Warn("drop envelope", "err", err)
			return
		}
		s.applyRecord(rec)
	case protocol.TopicSyncRequest:
		var req protocol.SyncRequest
		if err := env.Decode(&req); err != nil {
			logger.Warn("drop envelope", "err", err)
			return
		}
		if req.ClientID == "" {
			req.ClientID = env.ClientID
		}
		if req.ClientID != s.cfg.ClientID {
			s.answerSync(req)
		}
	case protocol.TopicControl:
		var msg protocol.ControlMessage
		if err := env.Decode(&msg); err != nil {
			logger.Warn("drop envelope", "err", err)
			return
		}
		if env.ClientID != "" {
			msg.SenderID = env.ClientID
		}
		if !s.fromTeacher(msg.SenderID) {
			logger.Warn("drop control from non-teacher", "action", msg.Action)
			return
		}
		s.handleControl(msg)
	case protocol.TopicLatex:
		var msg protocol.LatexMessage
		if err := env.Decode(&msg); err != nil {
			logger.Warn("drop envelope", "err", err)
			return
		}
		if env.ClientID != "" {
			msg.SenderID = env.ClientID
		}
		s.handleLatex(msg)
	case protocol.TopicDiagram:
		var msg protocol.DiagramMessage
		if err := env.Decode(&msg); err != nil {
			logger.Warn("drop envelope", "err", err)
			return
		}
		if env.ClientID != "" {
			msg.Sender = env.ClientID
		}
		if !s.fromTeacher(msg.Sender) {
			logger.Warn("drop diagram message from non-teacher", "kind", msg.Kind)
			return
		}
		s.diagrams.Apply(msg)
	default:
		logger.Debug("unhandled topic")
	}
}

func (s *Session) applyRecord(rec protocol.SnapshotRecord) {
	ctx, cancel := s.opContext()
	defer cancel()
	outcome, err := s.engine.Apply(ctx, rec)
	if err != nil {
		s.emit(Event{Kind: EventError, Error: err.Error()})
		return
	}
	if !outcome.Applied() {
		return
	}
	// local history was replaced or extended; a coalesced edit built on
	// the old history is stale
	s.cancelPending()
	s.setBaseline(s.model.SymbolCount())
	id := ""
	if rec.Snapshot != nil {
		id = rec.Snapshot.SnapshotID
	}
	s.logger.Debug("remote snapshot applied", "outcome", outcome, "snapshot", id, "origin", rec.OriginClientID)
	s.emitInk()
}

// answerSync replies to a sync request. The teacher always answers; a
// student answers only while it is the single granted controller.
func (s *Session) answerSync(req protocol.SyncRequest) {
	ctx, cancel := s.opContext()
	defer cancel()

	if s.cfg.IsTeacher {
		if err := s.control.Reassert(ctx); err != nil {
			s.logger.Warn("reassert control", "err", err)
		}
		if len(s.diagrams.Diagrams()) > 0 {
			state := s.diagrams.StateMessage()
			state.Sender = s.cfg.ClientID
			if err := s.ch.Publish(ctx, protocol.TopicDiagram, state); err != nil {
				s.logger.Warn("publish diagram state", "err", err)
			}
		}
		if s.latex.TS > 0 {
			if err := s.ch.Publish(ctx, protocol.TopicLatex, s.latex); err != nil {
				s.logger.Warn("publish latex", "err", err)
			}
		}
	} else {
		st := s.control.State()
		if st == nil || st.ControllerID != s.cfg.ClientID {
			return
		}
	}

	rec, ok := s.syncAnswer()
	if !ok {
		return
	}
	rec.TargetClientID = req.ClientID
	if err := s.ch.Publish(ctx, protocol.TopicSyncState, rec); err != nil {
		s.logger.Warn("publish sync state", "to", req.ClientID, "err", err)
	}
}

func (s *Session) syncAnswer() (protocol.SnapshotRecord, bool) {
	if latest := s.state.Latest; latest != nil {
		rec := *latest
		rec.Snapshot = latest.Snapshot.Clone()
		return rec, true
	}
	if !s.cfg.IsTeacher {
		return protocol.SnapshotRecord{}, false
	}
	snap := s.builder.CaptureFull()
	if snap == nil || snap.Empty() {
		return protocol.SnapshotRecord{}, false
	}
	return protocol.SnapshotRecord{
		Snapshot:       snap,
		TS:             s.recordTS(),
		Reason:         protocol.ReasonUpdate,
		OriginClientID: s.cfg.ClientID,
	}, true
}

func (s *Session) recordTS() int64 {
	ts := s.clock.Now().UnixMilli()
	if ts < s.state.LastGlobalUpdateTS {
		ts = s.state.LastGlobalUpdateTS
	}
	return ts
}

// localChanged reacts to a change in the local ink model by refilling
// the pending broadcast slot and restarting the debounce timer.
func (s *Session) localChanged() {
	if s.closed {
		return
	}
	s.state.LocalSymbolCount = s.model.SymbolCount()
	s.builder.Observe(s.state.LocalSymbolCount)
	s.emitInk()
	if s.state.Suppressed(s.clock.Now()) {
		return
	}
	if !s.control.CanWrite() {
		s.cancelPending()
		return
	}
	snap := s.builder.BuildBroadcast(false)
	if snap == nil {
		s.cancelPending()
		return
	}
	s.pending = snap
	if s.timer != nil {
		s.timer.Stop()
	}
	s.pendingGen++
	gen := s.pendingGen
	s.timer = s.clock.AfterFunc(s.cfg.Debounce, func() {
		s.loop.Post(func() { s.flush(gen) })
	})
}

// setBaseline records that the local history matches what peers hold.
func (s *Session) setBaseline(count int) {
	s.baselineEpoch.Add(1)
	s.builder.SetBaseline(count)
}

func (s *Session) cancelPending() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = nil
	s.pendingGen++
}

func (s *Session) flush(gen int) {
	if s.closed || gen != s.pendingGen || s.pending == nil {
		return
	}
	snap := s.pending
	s.pending = nil
	s.timer = nil
	if err := s.broadcast(snap, protocol.ReasonUpdate); err != nil {
		s.logger.Debug("broadcast skipped", "err", err)
	}
}

// broadcast publishes snap through the outbox and records it as the
// latest known good state.
func (s *Session) broadcast(snap *protocol.InkSnapshot, reason string) error {
	rec := protocol.SnapshotRecord{
		Snapshot:       snap,
		TS:             s.recordTS(),
		Reason:         reason,
		OriginClientID: s.cfg.ClientID,
	}
	ctx, cancel := s.opContext()
	defer cancel()
	result, err := s.outbox.Publish(ctx, offline.Entry{Topic: protocol.TopicStroke, Record: rec})
	if result == offline.Dropped {
		return err
	}

	s.builder.MarkBroadcast(snap)
	s.state.Applied.Add(snap.SnapshotID)
	if rec.TS > s.state.LastGlobalUpdateTS {
		s.state.LastGlobalUpdateTS = rec.TS
	}
	s.state.LocalSymbolCount = len(snap.Symbols)
	s.state.Remember(rec)
	s.logger.Debug("snapshot broadcast", "snapshot", snap.SnapshotID, "version", snap.Version,
		"symbols", len(snap.Symbols), "result", result)
	s.persistTypeset(snap)
	return nil
}

func (s *Session) persistTypeset(snap *protocol.InkSnapshot) {
	if s.store == nil || !s.cfg.IsTeacher {
		return
	}
	t := store.Typeset{
		SessionID: s.cfg.SessionID,
		Latex:     snap.Latex,
		JIIX:      snap.JIIX,
		Symbols:   protocol.CloneSymbols(snap.Symbols),
		UpdatedAt: s.clock.Now(),
	}
	s.async(func() {
		ctx, cancel := s.opContext()
		defer cancel()
		if err := s.store.SaveTypeset(ctx, t); err != nil {
			s.logger.Warn("persist typeset", "err", err)
		}
	})
}

// restore loads the teacher's persisted diagrams and ink in the
// background. Live state received in the meantime wins.
func (s *Session) restore() {
	if s.store == nil {
		return
	}
	s.async(func() {
		ctx, cancel := s.opContext()
		defer cancel()
		list, err := s.store.ListDiagrams(ctx, s.cfg.SessionID)
		if err != nil {
			s.logger.Warn("load diagrams", "err", err)
		} else if len(list) > 0 {
			s.loop.Post(func() {
				if s.closed || len(s.diagrams.Diagrams()) > 0 {
					return
				}
				ctx, cancel := s.opContext()
				defer cancel()
				s.diagrams.Restore(ctx, list)
			})
		}

		t, err := s.store.LoadTypeset(ctx, s.cfg.SessionID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			s.logger.Warn("load typeset", "err", err)
		case len(t.Symbols) > 0:
			s.loop.Post(func() { s.restoreInk(t) })
		}
	})
}

func (s *Session) restoreInk(t store.Typeset) {
	if s.closed || s.model.SymbolCount() > 0 || s.state.Latest != nil {
		return
	}
	if err := s.model.Rebuild(t.Symbols); err != nil {
		s.logger.Warn("restore ink", "err", err)
		return
	}
	s.logger.Info("restored saved ink", "symbols", len(t.Symbols))
}

// accessChanged runs when the local client gains or loses write access.
// On loss it drops anything pending and converges on the authority.
func (s *Session) accessChanged(canWrite bool) {
	s.emit(Event{Kind: EventAccess, CanWrite: canWrite, Control: s.control.State()})
	if canWrite {
		return
	}
	s.cancelPending()
	if err := s.outbox.Purge(); err != nil {
		s.logger.Warn("purge outbox", "err", err)
	}
	if latest := s.state.Latest; latest != nil {
		if err := s.engine.Resync(*latest); err != nil {
			s.logger.Warn("resync after revocation", "err", err)
			return
		}
		s.setBaseline(s.model.SymbolCount())
		s.emitInk()
		return
	}
	ctx, cancel := s.opContext()
	defer cancel()
	if err := s.RequestSync(ctx); err != nil {
		s.logger.Warn("request sync after revocation", "err", err)
	}
}

func (s *Session) handlePresence(ev protocol.PresenceEvent) {
	if s.closed {
		return
	}
	id := ev.Member.ClientID
	switch ev.Action {
	case protocol.PresenceLeave:
		delete(s.members, id)
		ctx, cancel := s.opContext()
		s.control.PresenceLeft(ctx, id)
		cancel()
	default:
		s.members[id] = ev.Member
	}
	s.emit(Event{Kind: EventPresence, Members: s.Members()})
}

func (s *Session) handleLatex(msg protocol.LatexMessage) {
	if msg.SenderID == s.cfg.ClientID || msg.TS < s.latex.TS {
		return
	}
	s.latex = msg
	s.emit(Event{Kind: EventLatex, Latex: msg.Latex})
}

// PublishLatex broadcasts a typeset string independent of the ink.
func (s *Session) PublishLatex(ctx context.Context, latex string) error {
	if !s.control.CanWrite() {
		return control.ErrNoWriteAccess
	}
	ts := s.clock.Now().UnixMilli()
	if ts <= s.latex.TS {
		ts = s.latex.TS + 1
	}
	s.latex = protocol.LatexMessage{Latex: latex, SenderID: s.cfg.ClientID, TS: ts}
	s.emit(Event{Kind: EventLatex, Latex: latex})
	if err := s.ch.Publish(ctx, protocol.TopicLatex, s.latex); err != nil {
		return fmt.Errorf("publish latex: %w", err)
	}
	return nil
}

// Draw feeds locally drawn point events into the ink model.
func (s *Session) Draw(events []protocol.Symbol) error {
	return s.model.Import(events)
}

// ClearInk erases the local ink and broadcasts the clear.
func (s *Session) ClearInk(ctx context.Context) error {
	if !s.control.CanWrite() {
		return control.ErrNoWriteAccess
	}
	s.cancelPending()
	if err := s.model.Clear(); err != nil {
		return fmt.Errorf("clear ink: %w", err)
	}
	snap := s.builder.BuildBroadcast(true)
	if snap == nil {
		return nil
	}
	snap.BaseSymbolCount = protocol.Base(protocol.FullSnapshot)
	return s.broadcast(snap, protocol.ReasonClear)
}
