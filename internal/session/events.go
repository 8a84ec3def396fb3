package session

import "collabink/internal/protocol"

// EventKind classifies session events.
type EventKind string

const (
	EventInk      EventKind = "ink"
	EventAccess   EventKind = "access"
	EventControl  EventKind = "control"
	EventPresence EventKind = "presence"
	EventLatex    EventKind = "latex"
	EventView     EventKind = "view"
	EventDiagram  EventKind = "diagram"
	EventError    EventKind = "error"
)

// Event tells the UI that part of the session state changed.
type Event struct {
	Kind        EventKind                 `json:"kind"`
	SymbolCount int                       `json:"symbolCount,omitempty"`
	Latex       string                    `json:"latex,omitempty"`
	CanWrite    bool                      `json:"canWrite,omitempty"`
	Control     *protocol.ControlState    `json:"control,omitempty"`
	Members     []protocol.PresenceClient `json:"members,omitempty"`
	View        *View                     `json:"view,omitempty"`
	DiagramID   string                    `json:"diagramId,omitempty"`
	Error       string                    `json:"error,omitempty"`
}
