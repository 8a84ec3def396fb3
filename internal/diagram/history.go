package diagram

import "collabink/internal/protocol"

// DefaultHistoryLimit caps the undo stack. Steps older than the cap are
// dropped, so undo and redo mirror each other only within it.
const DefaultHistoryLimit = 100

// Unbounded is a history limit that never drops steps.
const Unbounded = -1

// History holds undo and redo stacks of whole annotation snapshots.
type History struct {
	undo  []protocol.Annotations
	redo  []protocol.Annotations
	limit int
}

// NewHistory returns empty stacks keeping at most limit undo steps. Zero
// selects DefaultHistoryLimit and a negative limit keeps every step.
func NewHistory(limit int) *History {
	if limit == 0 {
		limit = DefaultHistoryLimit
	}
	return &History{limit: limit}
}

// Record pushes the pre-mutation state and clears the redo stack.
func (h *History) Record(prev protocol.Annotations) {
	h.undo = append(h.undo, prev.Clone())
	if h.limit > 0 && len(h.undo) > h.limit {
		h.undo = h.undo[len(h.undo)-h.limit:]
	}
	h.redo = nil
}

// Undo pops the previous state, moving current onto the redo stack.
func (h *History) Undo(current protocol.Annotations) (protocol.Annotations, bool) {
	if len(h.undo) == 0 {
		return current, false
	}
	prev := h.undo[len(h.undo)-1]
	h.undo = h.undo[:len(h.undo)-1]
	h.redo = append(h.redo, current.Clone())
	return prev, true
}

// Redo is the mirror of Undo.
func (h *History) Redo(current protocol.Annotations) (protocol.Annotations, bool) {
	if len(h.redo) == 0 {
		return current, false
	}
	next := h.redo[len(h.redo)-1]
	h.redo = h.redo[:len(h.redo)-1]
	h.undo = append(h.undo, current.Clone())
	return next, true
}

// Reset clears both stacks.
func (h *History) Reset() {
	h.undo, h.redo = nil, nil
}

func (h *History) CanUndo() bool { return len(h.undo) > 0 }
func (h *History) CanRedo() bool { return len(h.redo) > 0 }
