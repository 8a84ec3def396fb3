// Package control tracks which participants may write to the shared ink.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"collabink/internal/clock"
	"collabink/internal/protocol"
)

var (
	ErrNotTeacher    = errors.New("only the teacher can change control")
	ErrNoWriteAccess = errors.New("no write access")
)

// Publisher sends control messages on the channel.
type Publisher interface {
	PublishControl(ctx context.Context, msg protocol.ControlMessage) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, msg protocol.ControlMessage) error

func (f PublisherFunc) PublishControl(ctx context.Context, msg protocol.ControlMessage) error {
	return f(ctx, msg)
}

// UnlockMode selects what unlock restores.
type UnlockMode int

const (
	// UnlockAllStudents gives every student write access.
	UnlockAllStudents UnlockMode = iota
	// UnlockTeacherOnly clears the grant so only the teacher writes.
	UnlockTeacherOnly
)

// HasWriteAccess is the authority rule: the teacher always writes; a
// student writes when named by the state or when all students are.
func HasWriteAccess(state *protocol.ControlState, clientID string, isTeacher bool) bool {
	if isTeacher {
		return true
	}
	if state == nil {
		return false
	}
	return state.ControllerID == clientID || state.ControllerID == protocol.AllStudents
}

// Manager holds the authoritative ControlState as seen by one client.
type Manager struct {
	selfID    string
	selfName  string
	isTeacher bool
	publisher Publisher
	clock     clock.Clock
	logger    *slog.Logger

	state     *protocol.ControlState
	lastTS    int64
	listeners []func(canWrite bool)
}

// New returns a Manager for the local client.
func New(selfID, selfName string, isTeacher bool, publisher Publisher, c clock.Clock, logger *slog.Logger) *Manager {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		selfID:    selfID,
		selfName:  selfName,
		isTeacher: isTeacher,
		publisher: publisher,
		clock:     c,
		logger:    logger,
	}
}

// State returns a copy of the current state, or nil.
func (m *Manager) State() *protocol.ControlState {
	if m.state == nil {
		return nil
	}
	s := *m.state
	return &s
}

// IsTeacher reports whether the local client holds the teacher role.
func (m *Manager) IsTeacher() bool { return m.isTeacher }

// CanWrite reports whether the local client may publish ink.
func (m *Manager) CanWrite() bool {
	return HasWriteAccess(m.state, m.selfID, m.isTeacher)
}

// Allows reports whether clientID may write under the current state.
func (m *Manager) Allows(clientID string, isTeacher bool) bool {
	return HasWriteAccess(m.state, clientID, isTeacher)
}

// OnAccessChange registers fn for changes of the local write access.
func (m *Manager) OnAccessChange(fn func(canWrite bool)) {
	m.listeners = append(m.listeners, fn)
}

// Lock gives write access to a single controller.
func (m *Manager) Lock(ctx context.Context, controllerID, controllerName string) error {
	return m.assert(ctx, protocol.ControlMessage{
		Action:         protocol.ActionLock,
		ControllerID:   controllerID,
		ControllerName: controllerName,
	})
}

// Unlock restores collaborative access or restricts to the teacher.
func (m *Manager) Unlock(ctx context.Context, mode UnlockMode) error {
	msg := protocol.ControlMessage{Action: protocol.ActionUnlock}
	if mode == UnlockAllStudents {
		msg.ControllerID = protocol.AllStudents
		msg.ControllerName = "All students"
	}
	return m.assert(ctx, msg)
}

// Grant gives write access to targetID, or to everyone with
// protocol.AllStudents. It supersedes any earlier grant.
func (m *Manager) Grant(ctx context.Context, targetID, targetName string) error {
	if targetID == protocol.AllStudents {
		return m.Unlock(ctx, UnlockAllStudents)
	}
	return m.Lock(ctx, targetID, targetName)
}

// EnsureInitialLock makes the teacher the sole writer when no state
// exists yet.
func (m *Manager) EnsureInitialLock(ctx context.Context) error {
	if !m.isTeacher || m.state != nil {
		return nil
	}
	return m.Lock(ctx, m.selfID, m.selfName)
}

// Reassert republishes the current state unchanged so late joiners
// learn it. Only the teacher answers.
func (m *Manager) Reassert(ctx context.Context) error {
	if !m.isTeacher {
		return nil
	}
	msg := protocol.ControlMessage{Action: protocol.ActionUnlock, SenderID: m.selfID, TS: m.lastTS}
	if m.state != nil {
		msg.Action = protocol.ActionLock
		msg.ControllerID = m.state.ControllerID
		msg.ControllerName = m.state.ControllerName
		msg.TS = m.state.TS
	}
	return m.publish(ctx, msg)
}

func (m *Manager) assert(ctx context.Context, msg protocol.ControlMessage) error {
	if !m.isTeacher {
		return ErrNotTeacher
	}
	msg.SenderID = m.selfID
	msg.TS = m.clock.Now().UnixMilli()
	if msg.TS <= m.lastTS {
		msg.TS = m.lastTS + 1
	}
	m.Handle(msg)
	return m.publish(ctx, msg)
}

func (m *Manager) publish(ctx context.Context, msg protocol.ControlMessage) error {
	if m.publisher == nil {
		return nil
	}
	if err := m.publisher.PublishControl(ctx, msg); err != nil {
		return fmt.Errorf("publish control: %w", err)
	}
	return nil
}

// Handle applies a lock or unlock message. Messages older than the
// current state are ignored. It reports whether the state changed.
func (m *Manager) Handle(msg protocol.ControlMessage) bool {
	if msg.Action != protocol.ActionLock && msg.Action != protocol.ActionUnlock {
		return false
	}
	if msg.TS < m.lastTS {
		m.logger.Debug("stale control ignored", "ts", msg.TS, "last", m.lastTS)
		return false
	}

	var next *protocol.ControlState
	if msg.ControllerID != "" {
		next = &protocol.ControlState{
			ControllerID:   msg.ControllerID,
			ControllerName: msg.ControllerName,
			TS:             msg.TS,
		}
	}
	m.lastTS = msg.TS
	m.set(next)
	return true
}

// PresenceLeft clears the grant when its controller disappears.
func (m *Manager) PresenceLeft(ctx context.Context, clientID string) {
	if m.state == nil || m.state.ControllerID != clientID || clientID == m.selfID {
		return
	}
	m.logger.Info("controller left, clearing grant", "controller", clientID)
	if m.isTeacher {
		if err := m.Unlock(ctx, UnlockTeacherOnly); err != nil {
			m.logger.Warn("publish cleared grant", "err", err)
		}
		return
	}
	m.set(nil)
}

func (m *Manager) set(next *protocol.ControlState) {
	before := m.CanWrite()
	m.state = next
	after := m.CanWrite()
	if before == after {
		return
	}
	for _, fn := range m.listeners {
		fn(after)
	}
}
