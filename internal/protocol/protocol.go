// Package protocol defines the messages exchanged on a session channel.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Topics carried by a session channel.
const (
	TopicStroke      = "stroke"
	TopicSyncState   = "sync-state"
	TopicSyncRequest = "sync-request"
	TopicControl     = "control"
	TopicLatex       = "latex"
	TopicDiagram     = "diagram"
	TopicPresence    = "presence"
)

// FullSnapshot is the BaseSymbolCount sentinel for a snapshot that carries
// the complete symbol history.
const FullSnapshot = -1

// AllStudents is the controller id granting write access to every student.
const AllStudents = "__all__"

// Record reasons.
const (
	ReasonUpdate = "update"
	ReasonClear  = "clear"
)

// Symbol is one point-event record. Its contents belong to the recognizer.
type Symbol = json.RawMessage

// InkSnapshot is a versioned capture of ink state.
type InkSnapshot struct {
	Symbols    []Symbol `json:"symbols"`
	Latex      string   `json:"latex,omitempty"`
	JIIX       string   `json:"jiix,omitempty"`
	Version    int64    `json:"version"`
	SnapshotID string   `json:"snapshotId"`
	// BaseSymbolCount is nil for producers that predate deltas.
	BaseSymbolCount *int `json:"baseSymbolCount,omitempty"`
}

// Empty reports whether the snapshot has no symbols and no exports.
func (s *InkSnapshot) Empty() bool {
	return len(s.Symbols) == 0 && s.Latex == "" && s.JIIX == ""
}

// IsFull reports whether the snapshot replaces the whole history.
func (s *InkSnapshot) IsFull() bool {
	return s.BaseSymbolCount != nil && *s.BaseSymbolCount == FullSnapshot
}

// Clone returns a deep copy; symbol bytes are copied too.
func (s *InkSnapshot) Clone() *InkSnapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Symbols = CloneSymbols(s.Symbols)
	if s.BaseSymbolCount != nil {
		base := *s.BaseSymbolCount
		out.BaseSymbolCount = &base
	}
	return &out
}

// CloneSymbols deep-copies a symbol list.
func CloneSymbols(in []Symbol) []Symbol {
	if in == nil {
		return nil
	}
	out := make([]Symbol, len(in))
	for i, sym := range in {
		out[i] = append(Symbol(nil), sym...)
	}
	return out
}

// Base returns a pointer to n, for building snapshots literally.
func Base(n int) *int { return &n }

// SnapshotRecord is the payload of the stroke and sync-state topics.
type SnapshotRecord struct {
	Snapshot       *InkSnapshot `json:"snapshot"`
	TS             int64        `json:"ts"`
	Reason         string       `json:"reason"`
	OriginClientID string       `json:"originClientId,omitempty"`
	TargetClientID string       `json:"targetClientId,omitempty"`
}

// SyncRequest asks the holder of the latest record to resend it.
type SyncRequest struct {
	ClientID string `json:"clientId"`
	TS       int64  `json:"ts"`
}

// Control actions.
const (
	ActionLock             = "lock"
	ActionUnlock           = "unlock"
	ActionWipe             = "wipe"
	ActionConvert          = "convert"
	ActionForceResync      = "force-resync"
	ActionLatexDisplay     = "latex-display"
	ActionStudentBroadcast = "student-broadcast"
	ActionStackedNotes     = "stacked-notes"
)

// ControlMessage carries a lock directive or a named action.
type ControlMessage struct {
	Action         string `json:"action"`
	ControllerID   string `json:"controllerId,omitempty"`
	ControllerName string `json:"controllerName,omitempty"`
	TargetClientID string `json:"targetClientId,omitempty"`
	SenderID       string `json:"senderId"`
	TS             int64  `json:"ts"`

	// Enabled toggles latex-display and stacked-notes.
	Enabled bool `json:"enabled,omitempty"`
	// Latex is the typeset text for latex-display.
	Latex string `json:"latex,omitempty"`
	// StudentID names the student whose ink is broadcast.
	StudentID string `json:"studentId,omitempty"`
}

// LatexMessage broadcasts a typeset string independent of ink.
type LatexMessage struct {
	Latex    string `json:"latex"`
	SenderID string `json:"senderId"`
	TS       int64  `json:"ts"`
}

// Presence actions.
const (
	PresenceEnter  = "enter"
	PresenceLeave  = "leave"
	PresenceUpdate = "update"
)

// PresenceClient is one member of a session channel.
type PresenceClient struct {
	ClientID string `json:"clientId"`
	Name     string `json:"name"`
	IsAdmin  bool   `json:"isAdmin"`
}

// PresenceEvent reports a membership change.
type PresenceEvent struct {
	Action string         `json:"action"`
	Member PresenceClient `json:"member"`
}

// Envelope frames a payload with its topic and publisher.
type Envelope struct {
	Topic    string          `json:"topic"`
	ClientID string          `json:"clientId"`
	Data     json.RawMessage `json:"data"`
}

// Wrap encodes v into an envelope for topic.
func Wrap(topic, clientID string, v any) (Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", topic, err)
	}
	return Envelope{Topic: topic, ClientID: clientID, Data: data}, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Topic, err)
	}
	return nil
}

// ControlState names the students granted write access besides the
// teacher. A nil ControlState means only the teacher may write.
type ControlState struct {
	ControllerID   string `json:"controllerId"`
	ControllerName string `json:"controllerName"`
	TS             int64  `json:"ts"`
}
