package main

import (
	"context"
	"errors"
	"fmt"

	"collabink/internal/control"
	"collabink/internal/diagram"
	"collabink/internal/protocol"
	"collabink/internal/session"
)

// Op is a message from a browser tab. ClientID is the tab's id, so a
// failed op is reported back to the tab that sent it.
type Op struct {
	Action    string            `json:"action"`
	Events    []protocol.Symbol `json:"events,omitempty"`
	Latex     string            `json:"latex,omitempty"`
	Target    string            `json:"target,omitempty"`
	Name      string            `json:"name,omitempty"`
	Enabled   bool              `json:"enabled,omitempty"`
	Title     string            `json:"title,omitempty"`
	ImageURL  string            `json:"imageUrl,omitempty"`
	DiagramID string            `json:"diagramId,omitempty"`
	Color     string            `json:"color,omitempty"`
	Width     float64           `json:"width,omitempty"`
	Points    []protocol.Point  `json:"points,omitempty"`
	ClientID  string            `json:"clientID"`

	// shape editing
	Point     *protocol.Point `json:"point,omitempty"`
	Start     *protocol.Point `json:"start,omitempty"`
	End       *protocol.Point `json:"end,omitempty"`
	DX        float64         `json:"dx,omitempty"`
	DY        float64         `json:"dy,omitempty"`
	Handle    string          `json:"handle,omitempty"`
	HeadSize  float64         `json:"headSize,omitempty"`
	ShapeKind string          `json:"shapeKind,omitempty"`
	ShapeID   string          `json:"shapeId,omitempty"`
}

var errMissingPoint = errors.New("missing point")

var handles = map[string]diagram.Handle{
	"top-left":     diagram.HandleTopLeft,
	"top-right":    diagram.HandleTopRight,
	"bottom-left":  diagram.HandleBottomLeft,
	"bottom-right": diagram.HandleBottomRight,
}

func (op Op) handle() (diagram.Handle, protocol.Point, error) {
	h, ok := handles[op.Handle]
	if !ok {
		return 0, protocol.Point{}, fmt.Errorf("unknown handle %q", op.Handle)
	}
	if op.Point == nil {
		return 0, protocol.Point{}, errMissingPoint
	}
	return h, *op.Point, nil
}

// applyOp runs op against s. It must be called on the session loop.
func applyOp(ctx context.Context, s *session.Session, op Op) error {
	cfg := s.Config()
	switch op.Action {
	// ink
	case "draw":
		return s.Draw(op.Events)
	case "clear":
		return s.ClearInk(ctx)
	case "undo":
		return s.Model().Undo()
	case "redo":
		return s.Model().Redo()
	case "convert":
		if cfg.IsTeacher {
			return s.Convert(ctx, op.Target)
		}
		return s.Model().Convert()
	case "latex":
		return s.PublishLatex(ctx, op.Latex)

	// control
	case "lock":
		return s.Control().Lock(ctx, cfg.ClientID, cfg.Name)
	case "grant":
		return s.Control().Grant(ctx, op.Target, op.Name)
	case "unlock":
		return s.Control().Unlock(ctx, control.UnlockAllStudents)
	case "unlock-teacher":
		return s.Control().Unlock(ctx, control.UnlockTeacherOnly)
	case "wipe":
		return s.Wipe(ctx, op.Target)
	case "force-resync":
		return s.ForceResync(ctx, op.Target)
	case "latex-display":
		return s.SetLatexDisplay(ctx, op.Enabled, op.Latex)
	case "student-broadcast":
		return s.BroadcastStudent(ctx, op.Target, op.Enabled)
	case "stacked-notes":
		return s.SetStackedNotes(ctx, op.Enabled)

	// diagrams
	case "diagram-create":
		_, err := s.Diagrams().CreateDiagram(ctx, op.Title, op.ImageURL)
		return err
	case "diagram-select":
		return s.Diagrams().SetActive(ctx, op.DiagramID)
	case "diagram-remove":
		return s.Diagrams().RemoveDiagram(ctx, op.DiagramID)
	case "diagram-stroke":
		_, err := s.Diagrams().AddStroke(ctx, op.Color, op.Width, op.Points)
		return err
	case "diagram-undo":
		_, err := s.Diagrams().Undo(ctx)
		return err
	case "diagram-redo":
		_, err := s.Diagrams().Redo(ctx)
		return err
	case "diagram-clear":
		return s.Diagrams().Clear(ctx)
	case "diagram-arrow":
		if op.Start == nil || op.End == nil {
			return errMissingPoint
		}
		_, err := s.Diagrams().AddArrow(ctx, op.Color, op.Width, op.HeadSize, *op.Start, *op.End)
		return err
	case "diagram-erase":
		if op.Point == nil {
			return errMissingPoint
		}
		_, err := s.Diagrams().EraseAt(ctx, *op.Point)
		return err
	}
	return applyShapeOp(ctx, s.Diagrams(), op)
}

// applyShapeOp runs the selection based diagram edits.
func applyShapeOp(ctx context.Context, d *diagram.Editor, op Op) error {
	switch op.Action {
	case "shape-select-at":
		if op.Point == nil {
			return errMissingPoint
		}
		d.SelectAt(*op.Point)
		return nil
	case "shape-select":
		return d.Select(diagram.Selection{Kind: op.ShapeKind, ID: op.ShapeID})
	case "shape-deselect":
		d.Deselect()
		return nil
	case "shape-move":
		return d.Move(ctx, op.DX, op.DY)
	case "shape-scale":
		h, p, err := op.handle()
		if err != nil {
			return err
		}
		return d.ScaleTo(ctx, h, p)
	case "shape-flip-h":
		return d.FlipHorizontal(ctx)
	case "shape-flip-v":
		return d.FlipVertical(ctx)
	case "shape-rotate":
		return d.Rotate90(ctx)
	case "shape-front":
		return d.BringToFront(ctx)
	case "shape-back":
		return d.SendToBack(ctx)
	case "shape-lock":
		return d.ToggleLock(ctx)
	case "shape-delete":
		return d.DeleteSelection(ctx)
	case "shape-smooth":
		return d.SmoothSelection(ctx)
	case "shape-copy":
		return d.Copy()
	case "shape-paste":
		if op.Point == nil {
			return errMissingPoint
		}
		_, err := d.Paste(ctx, *op.Point)
		return err
	case "drag-begin":
		return d.BeginDrag()
	case "drag-move":
		return d.DragMove(op.DX, op.DY)
	case "drag-scale":
		h, p, err := op.handle()
		if err != nil {
			return err
		}
		return d.DragScale(h, p)
	case "drag-end":
		return d.EndDrag(ctx)
	case "drag-cancel":
		d.CancelDrag()
		return nil
	}
	return fmt.Errorf("unknown action %q", op.Action)
}
