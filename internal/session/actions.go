package session

import (
	"context"
	"fmt"

	"collabink/internal/control"
	"collabink/internal/protocol"
)

// handleControl routes a remote control message. Lock and unlock go to
// the control manager; everything else is a named action.
func (s *Session) handleControl(msg protocol.ControlMessage) {
	switch msg.Action {
	case protocol.ActionLock, protocol.ActionUnlock:
		if s.control.Handle(msg) {
			s.emit(Event{Kind: EventControl, CanWrite: s.control.CanWrite(), Control: s.control.State()})
		}
		return
	}
	if msg.SenderID == s.cfg.ClientID {
		return
	}
	if msg.TargetClientID != "" && msg.TargetClientID != s.cfg.ClientID {
		return
	}
	if last, ok := s.actionTS[msg.Action]; ok && msg.TS < last {
		s.logger.Debug("stale action ignored", "action", msg.Action, "ts", msg.TS, "last", last)
		return
	}
	s.actionTS[msg.Action] = msg.TS
	s.applyAction(msg)
}

func (s *Session) applyAction(msg protocol.ControlMessage) {
	switch msg.Action {
	case protocol.ActionWipe:
		s.wipe(msg)
	case protocol.ActionConvert:
		if err := s.model.Convert(); err != nil {
			s.logger.Warn("convert", "err", err)
		}
	case protocol.ActionForceResync:
		ctx, cancel := s.opContext()
		defer cancel()
		if err := s.RequestSync(ctx); err != nil {
			s.logger.Warn("forced resync", "err", err)
		}
	case protocol.ActionLatexDisplay:
		s.view.LatexDisplay = msg.Enabled
		s.view.Latex = msg.Latex
		s.emitView()
	case protocol.ActionStudentBroadcast:
		s.view.BroadcastStudent = ""
		if msg.Enabled {
			s.view.BroadcastStudent = msg.StudentID
		}
		s.emitView()
	case protocol.ActionStackedNotes:
		s.view.StackedNotes = msg.Enabled
		s.emitView()
	default:
		s.logger.Debug("unknown action", "action", msg.Action)
	}
}

func (s *Session) emitView() {
	v := s.view
	s.emit(Event{Kind: EventView, View: &v})
}

// wipe clears the ink regardless of pending local edits and drops
// anything buffered, so the clear cannot be undone by a replay.
func (s *Session) wipe(msg protocol.ControlMessage) {
	s.cancelPending()
	if err := s.outbox.Purge(); err != nil {
		s.logger.Warn("purge outbox", "err", err)
	}
	rec := protocol.SnapshotRecord{TS: msg.TS, Reason: protocol.ReasonClear, OriginClientID: msg.SenderID}
	if err := s.engine.Resync(rec); err != nil {
		s.logger.Warn("wipe", "err", err)
		return
	}
	s.setBaseline(0)
	s.emitInk()
}

// SendAction publishes a teacher action. Actions without a target, or
// targeting the teacher, are applied locally too.
func (s *Session) SendAction(ctx context.Context, msg protocol.ControlMessage) error {
	if !s.cfg.IsTeacher {
		return control.ErrNotTeacher
	}
	switch msg.Action {
	case protocol.ActionLock, protocol.ActionUnlock:
		return fmt.Errorf("send %s: use the control manager", msg.Action)
	}
	msg.SenderID = s.cfg.ClientID
	msg.TS = s.clock.Now().UnixMilli()
	if last := s.actionTS[msg.Action]; msg.TS <= last {
		msg.TS = last + 1
	}
	s.actionTS[msg.Action] = msg.TS
	if msg.TargetClientID == "" || msg.TargetClientID == s.cfg.ClientID {
		s.applyAction(msg)
	}
	if err := s.ch.Publish(ctx, protocol.TopicControl, msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Action, err)
	}
	return nil
}

// Wipe clears the ink of target, or of everyone when target is empty.
func (s *Session) Wipe(ctx context.Context, target string) error {
	return s.SendAction(ctx, protocol.ControlMessage{Action: protocol.ActionWipe, TargetClientID: target})
}

// Convert asks target, or everyone, to typeset their ink.
func (s *Session) Convert(ctx context.Context, target string) error {
	return s.SendAction(ctx, protocol.ControlMessage{Action: protocol.ActionConvert, TargetClientID: target})
}

// ForceResync makes target, or everyone, request the current state.
func (s *Session) ForceResync(ctx context.Context, target string) error {
	return s.SendAction(ctx, protocol.ControlMessage{Action: protocol.ActionForceResync, TargetClientID: target})
}

func (s *Session) SetLatexDisplay(ctx context.Context, enabled bool, latex string) error {
	return s.SendAction(ctx, protocol.ControlMessage{Action: protocol.ActionLatexDisplay, Enabled: enabled, Latex: latex})
}

func (s *Session) BroadcastStudent(ctx context.Context, studentID string, enabled bool) error {
	return s.SendAction(ctx, protocol.ControlMessage{Action: protocol.ActionStudentBroadcast, StudentID: studentID, Enabled: enabled})
}

func (s *Session) SetStackedNotes(ctx context.Context, enabled bool) error {
	return s.SendAction(ctx, protocol.ControlMessage{Action: protocol.ActionStackedNotes, Enabled: enabled})
}
