// Package ink adapts an external handwriting recognizer to the sync
// engine. The recognizer is an opaque capability provider: it owns the
// point-event history and produces typeset exports.
package ink

import (
	"context"
	"errors"

	"collabink/internal/protocol"
)

// Recognizer is the capability surface the engine needs from a
// handwriting recognition engine.
type Recognizer interface {
	Clear() error
	Undo() error
	Redo() error
	ImportPointEvents(events []protocol.Symbol) error
	WaitForIdle(ctx context.Context) error
	Convert() error
	Resize(width, height int) error
	// Symbols returns the current point-event history.
	Symbols() []protocol.Symbol
	Exports() Exports
	// Subscribe registers l and returns a function that removes it.
	Subscribe(l Listener) (unsubscribe func())
}

// Exports holds the latest typeset output.
type Exports struct {
	Latex string
	JIIX  string
}

// Listener receives recognizer events. Nil fields are ignored.
type Listener struct {
	Changed  func()
	Exported func(Exports)
	Error    func(error)
}

var (
	ErrMissingCredentials = errors.New("recognizer credentials missing")
	ErrUnauthorized       = errors.New("recognizer unauthorized")
	ErrSessionExpired     = errors.New("recognizer session expired")
	ErrNoModel            = errors.New("no ink model attached")
)

// Severity classifies a recognizer error.
type Severity int

const (
	Transient Severity = iota
	SessionExpired
	Fatal
)

func (s Severity) String() string {
	switch s {
	case Fatal:
		return "fatal"
	case SessionExpired:
		return "session-expired"
	default:
		return "transient"
	}
}

// Classify maps a recognizer error onto its recovery strategy.
func Classify(err error) Severity {
	switch {
	case errors.Is(err, ErrMissingCredentials), errors.Is(err, ErrUnauthorized):
		return Fatal
	case errors.Is(err, ErrSessionExpired):
		return SessionExpired
	default:
		return Transient
	}
}
