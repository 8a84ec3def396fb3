package diagram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"collabink/internal/control"
	"collabink/internal/protocol"
	"collabink/internal/store"
)

// Publisher sends diagram messages on the channel.
type Publisher interface {
	PublishDiagram(ctx context.Context, msg protocol.DiagramMessage) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, msg protocol.DiagramMessage) error

func (f PublisherFunc) PublishDiagram(ctx context.Context, msg protocol.DiagramMessage) error {
	return f(ctx, msg)
}

// persistTimeout bounds each background persistence call.
const persistTimeout = 10 * time.Second

// Editor owns the diagram scene of one participant. Only the teacher
// mutates it; everyone else applies the teacher's messages. It is not
// safe for concurrent use.
type Editor struct {
	sessionID string
	selfID    string
	isTeacher bool
	store     store.Store
	publisher Publisher
	logger    *slog.Logger
	async     func(func())
	newID     func() string

	diagrams map[string]*protocol.Diagram
	order    []string
	activeID string

	history   *History
	selection *Selection
	clipboard *Clip
	drag      *protocol.Annotations

	onChange func(diagramID string)
}

// Option configures an Editor.
type Option func(*Editor)

func WithStore(s store.Store) Option { return func(e *Editor) { e.store = s } }

func WithPublisher(p Publisher) Option { return func(e *Editor) { e.publisher = p } }

func WithLogger(l *slog.Logger) Option { return func(e *Editor) { e.logger = l } }

// WithAsync sets how persistence calls are run off the caller's path.
// The default starts a goroutine.
func WithAsync(run func(func())) Option { return func(e *Editor) { e.async = run } }

// WithIDs sets the shape id generator.
func WithIDs(next func() string) Option { return func(e *Editor) { e.newID = next } }

// WithHistoryLimit sets how many undo steps each diagram keeps.
func WithHistoryLimit(n int) Option { return func(e *Editor) { e.history = NewHistory(n) } }

// OnChange sets a callback fired after any diagram's annotations change.
func OnChange(fn func(diagramID string)) Option { return func(e *Editor) { e.onChange = fn } }

// NewEditor returns an empty scene for selfID in sessionID.
func NewEditor(sessionID, selfID string, isTeacher bool, opts ...Option) *Editor {
	e := &Editor{
		sessionID: sessionID,
		selfID:    selfID,
		isTeacher: isTeacher,
		logger:    slog.Default(),
		async:     func(fn func()) { go fn() },
		newID:     uuid.NewString,
		diagrams:  map[string]*protocol.Diagram{},
		history:   NewHistory(DefaultHistoryLimit),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ActiveID returns the diagram being edited, or "".
func (e *Editor) ActiveID() string { return e.activeID }

// Diagrams returns copies of every diagram in display order.
func (e *Editor) Diagrams() []protocol.Diagram {
	out := make([]protocol.Diagram, 0, len(e.order))
	for _, id := range e.order {
		d := *e.diagrams[id]
		d.Annotations = d.Annotations.Clone()
		out = append(out, d)
	}
	return out
}

// Annotations returns a copy of the active diagram's annotations.
func (e *Editor) Annotations() protocol.Annotations {
	d := e.active()
	if d == nil {
		return protocol.Annotations{}
	}
	return d.Annotations.Clone()
}

// Selection returns the selected shape, if any.
func (e *Editor) Selection() (Selection, bool) {
	if e.selection == nil {
		return Selection{}, false
	}
	return *e.selection, true
}

// History exposes the undo state of the active diagram.
func (e *Editor) History() *History { return e.history }

func (e *Editor) active() *protocol.Diagram {
	return e.diagrams[e.activeID]
}

func (e *Editor) requireTeacher() error {
	if !e.isTeacher {
		return control.ErrNotTeacher
	}
	return nil
}

// Load replaces the scene with the diagrams persisted for the session.
func (e *Editor) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	list, err := e.store.ListDiagrams(ctx, e.sessionID)
	if err != nil {
		return fmt.Errorf("list diagrams: %w", err)
	}
	e.replace(list, e.activeID)
	return nil
}

// Restore replaces the scene with list, as loaded from the store, and
// announces it when the local client is the teacher.
func (e *Editor) Restore(ctx context.Context, list []protocol.Diagram) {
	e.replace(list, e.activeID)
	for _, d := range list {
		e.changed(d.ID)
	}
	if e.isTeacher {
		e.publish(ctx, e.StateMessage())
	}
}

func (e *Editor) replace(list []protocol.Diagram, activeID string) {
	e.diagrams = map[string]*protocol.Diagram{}
	e.order = nil
	for _, d := range list {
		d := d
		d.Annotations = normalize(d.Annotations.Clone())
		e.diagrams[d.ID] = &d
		e.order = append(e.order, d.ID)
	}
	if _, ok := e.diagrams[activeID]; !ok {
		activeID = ""
		if len(e.order) > 0 {
			activeID = e.order[0]
		}
	}
	e.switchTo(activeID)
}

func (e *Editor) switchTo(id string) {
	if id != e.activeID {
		e.history.Reset()
		e.selection = nil
		e.drag = nil
	}
	e.activeID = id
}

func normalize(a protocol.Annotations) protocol.Annotations {
	if a.Strokes == nil {
		a.Strokes = []protocol.Stroke{}
	}
	if a.Arrows == nil {
		a.Arrows = []protocol.Arrow{}
	}
	return a
}

// CreateDiagram persists a new diagram, makes it active and announces it.
func (e *Editor) CreateDiagram(ctx context.Context, title, imageURL string) (protocol.Diagram, error) {
	if err := e.requireTeacher(); err != nil {
		return protocol.Diagram{}, err
	}
	d := protocol.Diagram{
		ID:          e.newID(),
		SessionID:   e.sessionID,
		Title:       title,
		ImageURL:    imageURL,
		Annotations: normalize(protocol.Annotations{}),
	}
	if e.store != nil {
		created, err := e.store.CreateDiagram(ctx, d)
		if err != nil {
			e.logger.Warn("persist new diagram", "err", err)
		} else {
			d = created
		}
	}
	stored := d
	e.diagrams[d.ID] = &stored
	e.order = append(e.order, d.ID)
	e.switchTo(d.ID)

	e.publish(ctx, protocol.DiagramMessage{Kind: protocol.DiagramAdd, DiagramID: d.ID, Diagram: &d})
	e.publish(ctx, e.StateMessage())
	return d, nil
}

// SetActive switches the edited diagram, resetting undo history.
func (e *Editor) SetActive(ctx context.Context, id string) error {
	if err := e.requireTeacher(); err != nil {
		return err
	}
	if _, ok := e.diagrams[id]; !ok {
		return fmt.Errorf("activate %s: %w", id, store.ErrNotFound)
	}
	e.switchTo(id)
	e.publish(ctx, e.StateMessage())
	return nil
}

// RemoveDiagram deletes a diagram everywhere.
func (e *Editor) RemoveDiagram(ctx context.Context, id string) error {
	if err := e.requireTeacher(); err != nil {
		return err
	}
	if !e.removeLocal(id) {
		return fmt.Errorf("remove %s: %w", id, store.ErrNotFound)
	}
	e.persist(func(ctx context.Context) error { return e.store.DeleteDiagram(ctx, id) })
	e.publish(ctx, protocol.DiagramMessage{Kind: protocol.DiagramRemove, DiagramID: id})
	return nil
}

func (e *Editor) removeLocal(id string) bool {
	if _, ok := e.diagrams[id]; !ok {
		return false
	}
	delete(e.diagrams, id)
	for i, other := range e.order {
		if other == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	if e.activeID == id {
		next := ""
		if len(e.order) > 0 {
			next = e.order[0]
		}
		e.switchTo(next)
	}
	return true
}

// StateMessage describes the whole scene, for newcomers.
func (e *Editor) StateMessage() protocol.DiagramMessage {
	return protocol.DiagramMessage{
		Kind:     protocol.DiagramState,
		Diagrams: e.Diagrams(),
		ActiveID: e.activeID,
	}
}

type commitOptions struct {
	record bool
	stroke *protocol.Stroke
}

// commit is the single path every mutation takes: optionally record
// undo history, then apply, persist and publish the same value.
func (e *Editor) commit(ctx context.Context, next protocol.Annotations, opts commitOptions) error {
	if err := e.requireTeacher(); err != nil {
		return err
	}
	d := e.active()
	if d == nil {
		return ErrNoDiagram
	}
	next = normalize(next)
	if opts.record {
		e.history.Record(d.Annotations)
	}
	d.Annotations = next

	id := d.ID
	persisted := next.Clone()
	e.persist(func(ctx context.Context) error { return e.store.PatchAnnotations(ctx, id, persisted) })

	msg := protocol.DiagramMessage{Kind: protocol.DiagramAnnotationsSet, DiagramID: id}
	if opts.stroke != nil {
		msg.Kind = protocol.DiagramStrokeCommit
		msg.Stroke = opts.stroke
	} else {
		published := next.Clone()
		msg.Annotations = &published
	}
	e.publish(ctx, msg)
	e.changed(id)
	return nil
}

// ErrNoDiagram is returned when editing without an active diagram.
var ErrNoDiagram = errors.New("no active diagram")

func (e *Editor) persist(call func(ctx context.Context) error) {
	if e.store == nil {
		return
	}
	e.async(func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := call(ctx); err != nil {
			e.logger.Warn("persist diagram", "err", err)
		}
	})
}

func (e *Editor) publish(ctx context.Context, msg protocol.DiagramMessage) {
	if e.publisher == nil {
		return
	}
	msg.Sender = e.selfID
	if err := e.publisher.PublishDiagram(ctx, msg); err != nil {
		e.logger.Warn("publish diagram", "kind", msg.Kind, "err", err)
	}
}

func (e *Editor) changed(id string) {
	if e.onChange != nil {
		e.onChange(id)
	}
}

// mutateSelection applies op to the selected shape and commits it.
func (e *Editor) mutateSelection(ctx context.Context, op func(protocol.Annotations, Selection) (protocol.Annotations, error)) error {
	if err := e.requireTeacher(); err != nil {
		return err
	}
	d := e.active()
	if d == nil {
		return ErrNoDiagram
	}
	if e.selection == nil {
		return ErrNothingSelected
	}
	next, err := op(d.Annotations, *e.selection)
	if err != nil {
		return err
	}
	return e.commit(ctx, next, commitOptions{record: true})
}

// AddStroke commits a finished pen stroke.
func (e *Editor) AddStroke(ctx context.Context, color string, width float64, points []protocol.Point) (protocol.Stroke, error) {
	if err := e.requireTeacher(); err != nil {
		return protocol.Stroke{}, err
	}
	d := e.active()
	if d == nil {
		return protocol.Stroke{}, ErrNoDiagram
	}
	_, hi := zRange(d.Annotations)
	s := protocol.Stroke{
		ID:     e.newID(),
		Color:  color,
		Width:  width,
		Points: mapPoints(points, func(p protocol.Point) protocol.Point { return p }),
	}
	if len(d.Annotations.Strokes)+len(d.Annotations.Arrows) > 0 {
		s.Z = hi + 1
	}
	next := d.Annotations.Clone()
	next.Strokes = append(next.Strokes, s)
	published := s.Clone()
	if err := e.commit(ctx, next, commitOptions{record: true, stroke: &published}); err != nil {
		return protocol.Stroke{}, err
	}
	return s, nil
}

// AddArrow commits an arrow from start to end.
func (e *Editor) AddArrow(ctx context.Context, color string, width, headSize float64, start, end protocol.Point) (protocol.Arrow, error) {
	if err := e.requireTeacher(); err != nil {
		return protocol.Arrow{}, err
	}
	d := e.active()
	if d == nil {
		return protocol.Arrow{}, ErrNoDiagram
	}
	_, hi := zRange(d.Annotations)
	ar := protocol.Arrow{
		ID:       e.newID(),
		Color:    color,
		Width:    width,
		HeadSize: headSize,
		Start:    clampPoint(start),
		End:      clampPoint(end),
	}
	if len(d.Annotations.Strokes)+len(d.Annotations.Arrows) > 0 {
		ar.Z = hi + 1
	}
	next := d.Annotations.Clone()
	next.Arrows = append(next.Arrows, ar)
	if err := e.commit(ctx, next, commitOptions{record: true}); err != nil {
		return protocol.Arrow{}, err
	}
	return ar, nil
}

// SelectAt selects the frontmost shape under p, or clears the selection.
func (e *Editor) SelectAt(p protocol.Point) (Hit, bool) {
	d := e.active()
	if d == nil {
		e.selection = nil
		return Hit{}, false
	}
	hit, ok := HitTest(d.Annotations, p, SelectThreshold)
	if !ok {
		e.selection = nil
		return Hit{}, false
	}
	sel := hit.Selection
	e.selection = &sel
	return hit, true
}

// Select selects sel directly.
func (e *Editor) Select(sel Selection) error {
	d := e.active()
	if d == nil {
		return ErrNoDiagram
	}
	if found, _ := Find(d.Annotations, sel); !found {
		return ErrNotFound
	}
	e.selection = &sel
	return nil
}

// Deselect clears the selection.
func (e *Editor) Deselect() { e.selection = nil }

// Move translates the selection.
func (e *Editor) Move(ctx context.Context, dx, dy float64) error {
	return e.mutateSelection(ctx, func(a protocol.Annotations, sel Selection) (protocol.Annotations, error) {
		return Move(a, sel, dx, dy)
	})
}

// ScaleTo scales the selection as if handle were dragged to current.
func (e *Editor) ScaleTo(ctx context.Context, handle Handle, current protocol.Point) error {
	return e.mutateSelection(ctx, func(a protocol.Annotations, sel Selection) (protocol.Annotations, error) {
		return Scale(a, sel, handle, current)
	})
}

func (e *Editor) FlipHorizontal(ctx context.Context) error { return e.mutateSelection(ctx, FlipHorizontal) }
func (e *Editor) FlipVertical(ctx context.Context) error   { return e.mutateSelection(ctx, FlipVertical) }
func (e *Editor) Rotate90(ctx context.Context) error       { return e.mutateSelection(ctx, Rotate90) }
func (e *Editor) BringToFront(ctx context.Context) error   { return e.mutateSelection(ctx, BringToFront) }
func (e *Editor) SendToBack(ctx context.Context) error     { return e.mutateSelection(ctx, SendToBack) }

// ToggleLock flips the lock on the selection.
func (e *Editor) ToggleLock(ctx context.Context) error {
	return e.mutateSelection(ctx, func(a protocol.Annotations, sel Selection) (protocol.Annotations, error) {
		_, locked := Find(a, sel)
		return SetLocked(a, sel, !locked)
	})
}

// DeleteSelection removes the selected unlocked shape.
func (e *Editor) DeleteSelection(ctx context.Context) error {
	err := e.mutateSelection(ctx, func(a protocol.Annotations, sel Selection) (protocol.Annotations, error) {
		if _, locked := Find(a, sel); locked {
			return a, ErrLocked
		}
		return Remove(a, sel)
	})
	if err == nil {
		e.selection = nil
	}
	return err
}

// SmoothSelection smooths the selected stroke.
func (e *Editor) SmoothSelection(ctx context.Context) error {
	return e.mutateSelection(ctx, func(a protocol.Annotations, sel Selection) (protocol.Annotations, error) {
		if sel.Kind != KindStroke {
			return a, ErrNotFound
		}
		return Smooth(a, sel.ID)
	})
}

// EraseAt removes the nearest unlocked shape under p. It reports
// whether anything was erased.
func (e *Editor) EraseAt(ctx context.Context, p protocol.Point) (bool, error) {
	if err := e.requireTeacher(); err != nil {
		return false, err
	}
	d := e.active()
	if d == nil {
		return false, ErrNoDiagram
	}
	next, erased, ok := Erase(d.Annotations, p)
	if !ok {
		return false, nil
	}
	if e.selection != nil && *e.selection == erased {
		e.selection = nil
	}
	return true, e.commit(ctx, next, commitOptions{record: true})
}

// Clear removes every shape from the active diagram.
func (e *Editor) Clear(ctx context.Context) error {
	e.selection = nil
	return e.commit(ctx, protocol.Annotations{}, commitOptions{record: true})
}

// Copy puts the selection on the clipboard.
func (e *Editor) Copy() error {
	d := e.active()
	if d == nil {
		return ErrNoDiagram
	}
	if e.selection == nil {
		return ErrNothingSelected
	}
	clip, err := CopyShape(d.Annotations, *e.selection)
	if err != nil {
		return err
	}
	e.clipboard = &clip
	return nil
}

// Paste inserts the clipboard centred on at and selects it.
func (e *Editor) Paste(ctx context.Context, at protocol.Point) (Selection, error) {
	if err := e.requireTeacher(); err != nil {
		return Selection{}, err
	}
	d := e.active()
	if d == nil {
		return Selection{}, ErrNoDiagram
	}
	if e.clipboard == nil {
		return Selection{}, ErrNothingSelected
	}
	next, sel, err := PasteShape(d.Annotations, *e.clipboard, e.newID(), at)
	if err != nil {
		return Selection{}, err
	}
	if err := e.commit(ctx, next, commitOptions{record: true}); err != nil {
		return Selection{}, err
	}
	e.selection = &sel
	return sel, nil
}

// BeginDrag starts an interactive transform of the selection. Drag
// updates are previewed locally and committed once by EndDrag.
func (e *Editor) BeginDrag() error {
	if err := e.requireTeacher(); err != nil {
		return err
	}
	d := e.active()
	if d == nil {
		return ErrNoDiagram
	}
	if e.selection == nil {
		return ErrNothingSelected
	}
	if _, locked := Find(d.Annotations, *e.selection); locked {
		return ErrLocked
	}
	origin := d.Annotations.Clone()
	e.drag = &origin
	return nil
}

// DragMove previews a move by (dx, dy) from the drag origin.
func (e *Editor) DragMove(dx, dy float64) error {
	return e.preview(func(origin protocol.Annotations, sel Selection) (protocol.Annotations, error) {
		return Move(origin, sel, dx, dy)
	})
}

// DragScale previews a scale of the drag origin by handle to current.
func (e *Editor) DragScale(handle Handle, current protocol.Point) error {
	return e.preview(func(origin protocol.Annotations, sel Selection) (protocol.Annotations, error) {
		return Scale(origin, sel, handle, current)
	})
}

func (e *Editor) preview(op func(protocol.Annotations, Selection) (protocol.Annotations, error)) error {
	if e.drag == nil || e.selection == nil {
		return ErrNothingSelected
	}
	next, err := op(*e.drag, *e.selection)
	if err != nil {
		return err
	}
	e.active().Annotations = next
	return nil
}

// EndDrag commits the previewed transform with the drag origin as the
// undo step.
func (e *Editor) EndDrag(ctx context.Context) error {
	if e.drag == nil {
		return ErrNothingSelected
	}
	origin := *e.drag
	e.drag = nil
	d := e.active()
	final := d.Annotations
	d.Annotations = origin
	return e.commit(ctx, final, commitOptions{record: true})
}

// CancelDrag restores the drag origin.
func (e *Editor) CancelDrag() {
	if e.drag == nil {
		return
	}
	e.active().Annotations = *e.drag
	e.drag = nil
}

// Undo restores the previous annotations of the active diagram.
func (e *Editor) Undo(ctx context.Context) (bool, error) {
	return e.step(ctx, e.history.Undo)
}

// Redo reapplies the last undone change.
func (e *Editor) Redo(ctx context.Context) (bool, error) {
	return e.step(ctx, e.history.Redo)
}

func (e *Editor) step(ctx context.Context, pop func(protocol.Annotations) (protocol.Annotations, bool)) (bool, error) {
	if err := e.requireTeacher(); err != nil {
		return false, err
	}
	d := e.active()
	if d == nil {
		return false, ErrNoDiagram
	}
	next, ok := pop(d.Annotations)
	if !ok {
		return false, nil
	}
	e.selection = nil
	return true, e.commit(ctx, next, commitOptions{})
}

// Apply handles a diagram message from another participant. Messages
// the local client sent are ignored.
func (e *Editor) Apply(msg protocol.DiagramMessage) {
	if msg.Sender == e.selfID {
		return
	}
	switch msg.Kind {
	case protocol.DiagramState:
		e.replace(msg.Diagrams, msg.ActiveID)
		for _, d := range msg.Diagrams {
			e.changed(d.ID)
		}
	case protocol.DiagramAdd:
		if msg.Diagram == nil {
			return
		}
		if _, exists := e.diagrams[msg.Diagram.ID]; !exists {
			d := *msg.Diagram
			d.Annotations = normalize(d.Annotations.Clone())
			e.diagrams[d.ID] = &d
			e.order = append(e.order, d.ID)
		}
		if e.activeID == "" {
			e.switchTo(msg.Diagram.ID)
		}
		e.changed(msg.Diagram.ID)
	case protocol.DiagramRemove:
		if e.removeLocal(msg.DiagramID) {
			e.changed(msg.DiagramID)
		}
	case protocol.DiagramStrokeCommit:
		d, ok := e.diagrams[msg.DiagramID]
		if !ok || msg.Stroke == nil || strokeIndex(d.Annotations, msg.Stroke.ID) >= 0 {
			return
		}
		d.Annotations.Strokes = append(d.Annotations.Strokes, msg.Stroke.Clone())
		e.changed(d.ID)
	case protocol.DiagramAnnotationsSet:
		d, ok := e.diagrams[msg.DiagramID]
		if !ok || msg.Annotations == nil {
			return
		}
		d.Annotations = normalize(msg.Annotations.Clone())
		e.changed(d.ID)
	case protocol.DiagramClear:
		d, ok := e.diagrams[msg.DiagramID]
		if !ok {
			return
		}
		d.Annotations = normalize(protocol.Annotations{})
		e.changed(d.ID)
	default:
		e.logger.Debug("unknown diagram message", "kind", msg.Kind)
	}
}
