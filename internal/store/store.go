// Package store is the persistence boundary for diagrams and typeset
// snapshots. Live collaboration never depends on it succeeding.
package store

import (
	"context"
	"errors"
	"time"

	"collabink/internal/protocol"
)

// ErrNotFound is returned when a diagram or typeset does not exist.
var ErrNotFound = errors.New("not found")

// DiagramPatch updates diagram metadata. Nil fields are left unchanged.
type DiagramPatch struct {
	Title    *string `json:"title,omitempty"`
	ImageURL *string `json:"imageUrl,omitempty"`
}

// Typeset is the saved typeset output of a session's ink.
type Typeset struct {
	SessionID string            `json:"sessionId"`
	Latex     string            `json:"latex"`
	JIIX      string            `json:"jiix"`
	Symbols   []protocol.Symbol `json:"symbols,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Store persists diagrams and typeset snapshots.
type Store interface {
	CreateDiagram(ctx context.Context, d protocol.Diagram) (protocol.Diagram, error)
	ListDiagrams(ctx context.Context, sessionID string) ([]protocol.Diagram, error)
	PatchDiagram(ctx context.Context, id string, patch DiagramPatch) error
	PatchAnnotations(ctx context.Context, id string, a protocol.Annotations) error
	DeleteDiagram(ctx context.Context, id string) error
	LoadTypeset(ctx context.Context, sessionID string) (Typeset, error)
	SaveTypeset(ctx context.Context, t Typeset) error
}
