package ink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"collabink/internal/protocol"
)

// MemoryRecognizer is an in-process Recognizer that keeps point events
// in memory. It performs no recognition beyond concatenating the "char"
// field of each event, which is enough to drive the headless agent.
type MemoryRecognizer struct {
	mu        sync.Mutex
	symbols   []protocol.Symbol
	undo      [][]protocol.Symbol
	redo      [][]protocol.Symbol
	exports   Exports
	listeners map[int]Listener
	next      int
	failures  map[string][]error
	width     int
	height    int
}

// NewMemoryRecognizer returns an empty recognizer.
func NewMemoryRecognizer() *MemoryRecognizer {
	return &MemoryRecognizer{
		listeners: map[int]Listener{},
		failures:  map[string][]error{},
	}
}

// MemoryFactory is a Factory producing MemoryRecognizers.
func MemoryFactory(context.Context) (Recognizer, error) {
	return NewMemoryRecognizer(), nil
}

// FailNext makes the next call of op ("clear", "import", "undo", "redo",
// "convert", "resize") return err.
func (r *MemoryRecognizer) FailNext(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[op] = append(r.failures[op], err)
}

func (r *MemoryRecognizer) failure(op string) error {
	queued := r.failures[op]
	if len(queued) == 0 {
		return nil
	}
	r.failures[op] = queued[1:]
	return queued[0]
}

// Draw appends locally drawn point events, as a pen would.
func (r *MemoryRecognizer) Draw(events ...protocol.Symbol) {
	r.mu.Lock()
	r.push()
	r.symbols = append(r.symbols, protocol.CloneSymbols(events)...)
	r.mu.Unlock()
	r.emitChanged()
}

func (r *MemoryRecognizer) Clear() error {
	r.mu.Lock()
	if err := r.failure("clear"); err != nil {
		r.mu.Unlock()
		return err
	}
	if len(r.symbols) > 0 {
		r.push()
	}
	r.symbols = nil
	r.exports = Exports{}
	r.mu.Unlock()
	r.emitChanged()
	return nil
}

func (r *MemoryRecognizer) Undo() error {
	r.mu.Lock()
	if err := r.failure("undo"); err != nil {
		r.mu.Unlock()
		return err
	}
	if len(r.undo) == 0 {
		r.mu.Unlock()
		return nil
	}
	r.redo = append(r.redo, r.symbols)
	r.symbols = r.undo[len(r.undo)-1]
	r.undo = r.undo[:len(r.undo)-1]
	r.mu.Unlock()
	r.emitChanged()
	return nil
}

func (r *MemoryRecognizer) Redo() error {
	r.mu.Lock()
	if err := r.failure("redo"); err != nil {
		r.mu.Unlock()
		return err
	}
	if len(r.redo) == 0 {
		r.mu.Unlock()
		return nil
	}
	r.undo = append(r.undo, r.symbols)
	r.symbols = r.redo[len(r.redo)-1]
	r.redo = r.redo[:len(r.redo)-1]
	r.mu.Unlock()
	r.emitChanged()
	return nil
}

func (r *MemoryRecognizer) ImportPointEvents(events []protocol.Symbol) error {
	r.mu.Lock()
	if err := r.failure("import"); err != nil {
		r.mu.Unlock()
		return err
	}
	r.push()
	r.symbols = append(r.symbols, protocol.CloneSymbols(events)...)
	r.mu.Unlock()
	r.emitChanged()
	return nil
}

func (r *MemoryRecognizer) WaitForIdle(ctx context.Context) error {
	return ctx.Err()
}

func (r *MemoryRecognizer) Convert() error {
	r.mu.Lock()
	if err := r.failure("convert"); err != nil {
		r.mu.Unlock()
		return err
	}
	r.exports = typeset(r.symbols)
	exports := r.exports
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	for _, l := range listeners {
		if l.Exported != nil {
			l.Exported(exports)
		}
	}
	return nil
}

func (r *MemoryRecognizer) Resize(width, height int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failure("resize"); err != nil {
		return err
	}
	r.width, r.height = width, height
	return nil
}

func (r *MemoryRecognizer) Symbols() []protocol.Symbol {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.symbols
}

func (r *MemoryRecognizer) Exports() Exports {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exports
}

func (r *MemoryRecognizer) Subscribe(l Listener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := r.next
	r.listeners[id] = l
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

// Listeners returns the number of registered listeners.
func (r *MemoryRecognizer) Listeners() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// push records the current history for undo. Must hold r.mu.
func (r *MemoryRecognizer) push() {
	r.undo = append(r.undo, r.symbols)
	r.redo = nil
	r.symbols = append([]protocol.Symbol(nil), r.symbols...)
}

func (r *MemoryRecognizer) snapshotListeners() []Listener {
	out := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		out = append(out, l)
	}
	return out
}

func (r *MemoryRecognizer) emitChanged() {
	r.mu.Lock()
	listeners := r.snapshotListeners()
	r.mu.Unlock()
	for _, l := range listeners {
		if l.Changed != nil {
			l.Changed()
		}
	}
}

func typeset(symbols []protocol.Symbol) Exports {
	var b strings.Builder
	for _, sym := range symbols {
		var event struct {
			Char string `json:"char"`
		}
		if json.Unmarshal(sym, &event) == nil {
			b.WriteString(event.Char)
		}
	}
	return Exports{
		Latex: b.String(),
		JIIX:  fmt.Sprintf(`{"type":"Raw Content","events":%d}`, len(symbols)),
	}
}
